package catalog

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"fotopoisk/internal/embed"
	"fotopoisk/internal/errors"
)

const (
	// DefaultImportWorkers bounds concurrent embedding calls during import.
	DefaultImportWorkers = 4

	// importFlushSize is how many embedded products are written per transaction.
	importFlushSize = 64

	// maxReportErrors caps the error samples carried in an ImportReport.
	maxReportErrors = 20
)

// importRecord is one parsed input row before embedding.
type importRecord struct {
	ItemID     string `json:"item_id"`
	URL        string `json:"url"`
	Picture    string `json:"picture"`
	Name       string `json:"product_name"`
	Department string `json:"department"`
}

// ImportReport summarizes one import run.
type ImportReport struct {
	Total    int
	Imported int
	Skipped  int
	Failed   int
	Errors   []string
	Duration time.Duration
}

// Importer loads products from a CSV or JSONL feed, embeds each one, and
// writes both the serving vector and the backbone-space base vector.
type Importer struct {
	store    *Store
	embedder ItemEmbedder
	workers  int
	logger   *slog.Logger
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

// WithImportWorkers sets the number of concurrent embedding workers.
func WithImportWorkers(n int) ImporterOption {
	return func(i *Importer) {
		if n > 0 {
			i.workers = n
		}
	}
}

// WithImportLogger sets the logger.
func WithImportLogger(logger *slog.Logger) ImporterOption {
	return func(i *Importer) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewImporter builds an Importer over a store and an embedder.
func NewImporter(store *Store, embedder ItemEmbedder, opts ...ImporterOption) *Importer {
	imp := &Importer{
		store:    store,
		embedder: embedder,
		workers:  DefaultImportWorkers,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(imp)
	}
	return imp
}

// Run imports the feed at path. Format is inferred from the extension:
// .csv is a header-first CSV, anything else is treated as JSONL.
// progress, when non-nil, is called after each record settles and must be
// safe for concurrent use.
func (i *Importer) Run(ctx context.Context, path string, progress func(done, total int)) (*ImportReport, error) {
	start := time.Now()

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.SourceError(fmt.Sprintf("cannot open feed %s", path), err)
	}
	defer func() { _ = f.Close() }()

	var records []importRecord
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		records, err = parseCSV(f)
	} else {
		records, err = parseJSONL(f)
	}
	if err != nil {
		return nil, err
	}

	report, err := i.importRecords(ctx, records, progress)
	if err != nil {
		return report, err
	}
	report.Duration = time.Since(start)

	i.logger.Info("catalog_imported",
		slog.String("feed", path),
		slog.Int("total", report.Total),
		slog.Int("imported", report.Imported),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Duration("duration", report.Duration))
	return report, nil
}

// embedded pairs a finished product with its base vector, or carries the
// failure that produced neither.
type embedded struct {
	product *Product
	base    []float32
	skipped bool
	err     error
}

func (i *Importer) importRecords(ctx context.Context, records []importRecord, progress func(done, total int)) (*ImportReport, error) {
	report := &ImportReport{Total: len(records)}
	if len(records) == 0 {
		return report, nil
	}
	if progress == nil {
		progress = func(int, int) {}
	}

	results := make([]embedded, len(records))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, i.workers)

	version := i.embedder.ModelVersion()
	for idx, rec := range records {
		idx, rec := idx, rec

		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}

			results[idx] = i.embedOne(gctx, rec, version)
			progress(int(done.Add(1)), len(records))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	// Single-writer store: flush sequentially in batches.
	batch := make([]*Product, 0, importFlushSize)
	bases := make(map[string][]float32, importFlushSize)
	backbone := i.embedder.BackboneName()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := i.store.UpsertBatch(ctx, batch); err != nil {
			return err
		}
		for id, base := range bases {
			if err := i.store.UpsertBaseVector(ctx, id, base, backbone); err != nil {
				return err
			}
		}
		report.Imported += len(batch)
		batch = batch[:0]
		clear(bases)
		return nil
	}

	for _, r := range results {
		switch {
		case r.skipped:
			report.Skipped++
		case r.err != nil:
			report.Failed++
			if len(report.Errors) < maxReportErrors {
				report.Errors = append(report.Errors, r.err.Error())
			}
		default:
			batch = append(batch, r.product)
			bases[r.product.ItemID] = r.base
			if len(batch) >= importFlushSize {
				if err := flush(); err != nil {
					return report, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return report, err
	}
	return report, nil
}

func (i *Importer) embedOne(ctx context.Context, rec importRecord, version string) embedded {
	if rec.ItemID == "" {
		return embedded{err: errors.New(errors.ErrCodeInvalidArgument, "feed record has no item_id", nil)}
	}
	if rec.Picture == "" {
		i.logger.Debug("import_record_skipped",
			slog.String("item_id", rec.ItemID),
			slog.String("reason", "no picture"))
		return embedded{skipped: true}
	}

	adapted, base, err := i.embedder.EmbedProduct(ctx, embed.FromURL(rec.Picture), rec.Name)
	if err != nil {
		i.logger.Warn("import_record_failed",
			slog.String("item_id", rec.ItemID),
			slog.String("error", err.Error()))
		return embedded{err: fmt.Errorf("item %s: %w", rec.ItemID, err)}
	}

	return embedded{
		product: &Product{
			ItemID:       rec.ItemID,
			URL:          rec.URL,
			Picture:      rec.Picture,
			Name:         rec.Name,
			Department:   rec.Department,
			Vector:       adapted,
			ModelVersion: version,
		},
		base: base,
	}
}

// parseCSV reads a header-first CSV feed. Recognized columns: item_id,
// url, picture, product_name, department. Column order is free; unknown
// columns are ignored.
func parseCSV(r io.Reader) ([]importRecord, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, errors.SourceError("cannot read feed header", err)
	}
	col := make(map[string]int, len(header))
	for idx, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = idx
	}
	if _, ok := col["item_id"]; !ok {
		return nil, errors.New(errors.ErrCodeInvalidArgument,
			"feed header is missing the item_id column", nil)
	}

	field := func(row []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	var out []importRecord
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.SourceError("cannot parse feed row", err)
		}
		out = append(out, importRecord{
			ItemID:     field(row, "item_id"),
			URL:        field(row, "url"),
			Picture:    field(row, "picture"),
			Name:       field(row, "product_name"),
			Department: field(row, "department"),
		})
	}
	return out, nil
}

// parseJSONL reads one JSON object per line, skipping blank lines.
func parseJSONL(r io.Reader) ([]importRecord, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var out []importRecord
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var rec importRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, errors.New(errors.ErrCodeInvalidArgument,
				fmt.Sprintf("feed line %d is not valid JSON", line), err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.SourceError("cannot read feed", err)
	}
	return out, nil
}
