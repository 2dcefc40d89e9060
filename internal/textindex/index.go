// Package textindex maintains a full-text index over product names. It
// backs free-text correction feedback ("actually it's the blue Makita
// drill") and admin lookups. The index is derived data: it can always be
// rebuilt from the catalog, so corruption is handled by clearing and
// reindexing rather than failing startup.
package textindex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	ru "github.com/blevesearch/bleve/v2/analysis/lang/ru"
	"github.com/blevesearch/bleve/v2/mapping"

	"fotopoisk/internal/catalog"
	"fotopoisk/internal/errors"
)

// document is what gets indexed per product.
type document struct {
	Name string `json:"name"`
}

// Match is one scored name hit.
type Match struct {
	ItemID string
	Name   string
	Score  float64
}

// Index wraps a bleve index keyed by item id.
type Index struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	logger *slog.Logger
	closed bool
}

// validateIndexIntegrity checks a bleve directory before opening it. A
// missing directory is fine; a half-written one is reported as corrupt.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		err == bleve.ErrorIndexMetaCorrupt
}

func createIndexMapping() *mapping.IndexMappingImpl {
	indexMapping := bleve.NewIndexMapping()

	nameField := bleve.NewTextFieldMapping()
	nameField.Analyzer = ru.AnalyzerName

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("name", nameField)
	indexMapping.DefaultMapping = docMapping

	return indexMapping
}

// NewIndex opens (or creates) the name index at path. An empty path gives
// an in-memory index for tests. A corrupt index is cleared and recreated
// empty; callers should rebuild from the catalog afterwards.
func NewIndex(path string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}

	indexMapping := createIndexMapping()

	var idx bleve.Index
	var err error
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, errors.StoreError(fmt.Sprintf("cannot create index directory for %s", path), mkErr)
		}

		if validErr := validateIndexIntegrity(path); validErr != nil {
			logger.Warn("name_index_corrupted",
				"path", path,
				"error", validErr.Error())
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, errors.StoreError("cannot clear corrupt name index", removeErr)
			}
			logger.Info("name_index_cleared", "path", path)
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isCorruptionError(err) {
			logger.Warn("name_index_open_failed",
				"path", path,
				"error", err.Error())
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, errors.StoreError("cannot clear corrupt name index", removeErr)
			}
			logger.Info("name_index_cleared", "path", path)
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, errors.StoreError("cannot open name index", err)
	}

	return &Index{index: idx, path: path, logger: logger}, nil
}

// Add indexes products by id. Products without a name are skipped.
func (ix *Index) Add(ctx context.Context, products []*catalog.Product) error {
	if len(products) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return errors.StoreError("name index is closed", nil)
	}

	batch := ix.index.NewBatch()
	for _, p := range products {
		if p.Name == "" {
			continue
		}
		if err := batch.Index(p.ItemID, document{Name: p.Name}); err != nil {
			return errors.StoreError(fmt.Sprintf("cannot index name for %s", p.ItemID), err)
		}
	}
	if err := ix.index.Batch(batch); err != nil {
		return errors.StoreError("cannot execute index batch", err)
	}
	return nil
}

// Remove drops items from the index.
func (ix *Index) Remove(ctx context.Context, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return errors.StoreError("name index is closed", nil)
	}

	batch := ix.index.NewBatch()
	for _, id := range itemIDs {
		batch.Delete(id)
	}
	if err := ix.index.Batch(batch); err != nil {
		return errors.StoreError("cannot execute delete batch", err)
	}
	return nil
}

// Search returns the best name matches for a free-text query. An empty
// query matches nothing. Unmatched queries retry once with fuzziness to
// absorb typos.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]Match, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return nil, errors.StoreError("name index is closed", nil)
	}

	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return nil, nil
	}

	matches, err := ix.searchLocked(ctx, query, limit, 0)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		matches, err = ix.searchLocked(ctx, query, limit, 1)
		if err != nil {
			return nil, err
		}
	}
	return matches, nil
}

func (ix *Index) searchLocked(ctx context.Context, query string, limit, fuzziness int) ([]Match, error) {
	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("name")
	if fuzziness > 0 {
		matchQuery.SetFuzziness(fuzziness)
	}

	req := bleve.NewSearchRequest(matchQuery)
	req.Size = limit
	req.Fields = []string{"name"}

	result, err := ix.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, errors.StoreError("name search failed", err)
	}

	matches := make([]Match, 0, len(result.Hits))
	for _, hit := range result.Hits {
		m := Match{ItemID: hit.ID, Score: hit.Score}
		if name, ok := hit.Fields["name"].(string); ok {
			m.Name = name
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// ResolveItem maps free text to the single best item id. Satisfies the
// feedback aggregator's resolver contract.
func (ix *Index) ResolveItem(ctx context.Context, query string) (string, error) {
	matches, err := ix.Search(ctx, query, 1)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", errors.NotFoundError(errors.ErrCodeItemNotFound,
			fmt.Sprintf("no product name matches %q", query)).
			WithSuggestion("Refine the name or provide the exact item id")
	}
	return matches[0].ItemID, nil
}

// Count returns the number of indexed names.
func (ix *Index) Count() (int, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return 0, errors.StoreError("name index is closed", nil)
	}

	n, err := ix.index.DocCount()
	if err != nil {
		return 0, errors.StoreError("cannot count indexed names", err)
	}
	return int(n), nil
}

// Rebuild drops the index and refills it from the catalog, returning the
// number of names indexed. Used after imports and whenever corruption
// forced a clear.
func (ix *Index) Rebuild(ctx context.Context, store *catalog.Store) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return 0, errors.StoreError("name index is closed", nil)
	}

	if err := ix.index.Close(); err != nil {
		return 0, errors.StoreError("cannot close name index for rebuild", err)
	}

	indexMapping := createIndexMapping()
	var fresh bleve.Index
	var err error
	if ix.path == "" {
		fresh, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.RemoveAll(ix.path); err != nil {
			return 0, errors.StoreError("cannot clear name index for rebuild", err)
		}
		fresh, err = bleve.New(ix.path, indexMapping)
	}
	if err != nil {
		return 0, errors.StoreError("cannot recreate name index", err)
	}
	ix.index = fresh

	count := 0
	batch := ix.index.NewBatch()
	err = store.Iterate(ctx, "", func(p *catalog.Product) error {
		if p.Name == "" {
			return nil
		}
		if err := batch.Index(p.ItemID, document{Name: p.Name}); err != nil {
			return err
		}
		count++
		if batch.Size() >= 500 {
			if err := ix.index.Batch(batch); err != nil {
				return err
			}
			batch = ix.index.NewBatch()
		}
		return nil
	})
	if err != nil {
		return 0, errors.StoreError("cannot rebuild name index", err)
	}
	if batch.Size() > 0 {
		if err := ix.index.Batch(batch); err != nil {
			return 0, errors.StoreError("cannot flush name index batch", err)
		}
	}

	ix.logger.Info("name_index_rebuilt", "names", count)
	return count, nil
}

// Close releases the index.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return nil
	}
	ix.closed = true
	if ix.index != nil {
		return ix.index.Close()
	}
	return nil
}
