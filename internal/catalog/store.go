// Package catalog persists the product catalog: one row per item with its
// serving-space vector, plus a side table of backbone-space base vectors
// that lets adapter promotions re-embed without refetching photos.
//
// The store is single-writer multi-reader. WAL mode keeps reads concurrent;
// writes serialize on one connection.
package catalog

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"fotopoisk/internal/embed"
	"fotopoisk/internal/errors"
	"fotopoisk/internal/vec"
)

// DepartmentAll is the distinguished "no filter" department value.
const DepartmentAll = "ALL"

// reembedBatchSize bounds rows per transaction during re-embedding.
const reembedBatchSize = 256

// Product is one catalog item.
type Product struct {
	ItemID       string
	URL          string
	Picture      string
	Name         string
	Department   string
	Vector       []float32
	ModelVersion string
}

// ItemEmbedder is the slice of the embedding service the store needs for
// re-embedding.
type ItemEmbedder interface {
	EmbedProduct(ctx context.Context, src embed.ImageSource, name string) (adapted, base []float32, err error)
	Apply(base []float32) []float32
	ModelVersion() string
	BackboneName() string
	Dimensions() int
}

// Store is the SQLite-backed catalog.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	dim    int
	logger *slog.Logger
	closed bool
}

// validateIntegrity checks an existing database before opening it for real.
// The catalog is authoritative data, so corruption is fatal here, never
// auto-cleared the way a derived index would be.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// NewStore opens (or creates) the catalog database. An empty path opens an
// in-memory store for tests.
func NewStore(path string, dim int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.StoreError(fmt.Sprintf("cannot create catalog directory for %s", path), err)
		}
		if err := validateIntegrity(path); err != nil {
			return nil, errors.New(errors.ErrCodeStoreCorrupt,
				fmt.Sprintf("catalog database at %s failed validation", path), err).
				WithSuggestion("Restore the catalog from a backup or re-import it")
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.StoreError("cannot open catalog database", err)
	}

	// Single writer connection; WAL readers do not block on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.StoreError("cannot set catalog pragma", err)
		}
	}

	s := &Store{db: db, path: path, dim: dim, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, errors.StoreError("cannot initialize catalog schema", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS products (
		item_id TEXT PRIMARY KEY,
		url TEXT,
		picture TEXT,
		product_name TEXT,
		department TEXT,
		vector BLOB,
		model_version TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_products_department ON products(department);

	-- Backbone-space vectors keyed by item. Promotion maps these through
	-- the new adapter instead of refetching and re-encoding every photo.
	CREATE TABLE IF NOT EXISTS product_base_vectors (
		item_id TEXT PRIMARY KEY,
		base_vector BLOB NOT NULL,
		backbone TEXT NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	if s.closed {
		return errors.StoreError("catalog store is closed", nil)
	}
	return nil
}

// Upsert writes one product. Vectors must be unit norm; the catalog is the
// authoritative vector source and never fixes them up silently.
func (s *Store) Upsert(ctx context.Context, p *Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.upsertLocked(ctx, s.db, p)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) upsertLocked(ctx context.Context, ex execer, p *Product) error {
	if p.ItemID == "" {
		return errors.New(errors.ErrCodeInvalidArgument, "product needs an item_id", nil)
	}
	var blob []byte
	if p.Vector != nil {
		if len(p.Vector) != s.dim {
			return errors.New(errors.ErrCodeInvalidArgument,
				fmt.Sprintf("product %s vector has %d components, catalog expects %d", p.ItemID, len(p.Vector), s.dim), nil)
		}
		if !vec.IsNormalized(p.Vector, 1e-5) {
			return errors.New(errors.ErrCodeInvalidArgument,
				fmt.Sprintf("product %s vector is not unit norm", p.ItemID), nil)
		}
		blob = vec.EncodeBlob(p.Vector)
	}

	_, err := ex.ExecContext(ctx, `
		INSERT OR REPLACE INTO products
			(item_id, url, picture, product_name, department, vector, model_version)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ItemID, p.URL, p.Picture, p.Name, p.Department, blob, p.ModelVersion)
	if err != nil {
		return errors.StoreError(fmt.Sprintf("cannot upsert product %s", p.ItemID), err)
	}
	return nil
}

// UpsertBatch writes many products in one transaction.
func (s *Store) UpsertBatch(ctx context.Context, products []*Product) error {
	if len(products) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StoreError("cannot begin catalog transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range products {
		if err := s.upsertLocked(ctx, tx, p); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.StoreError("cannot commit catalog transaction", err)
	}
	return nil
}

// Get fetches one product by id.
func (s *Store) Get(ctx context.Context, itemID string) (*Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT item_id, url, picture, product_name, department, vector, model_version
		FROM products WHERE item_id = ?`, itemID)

	p, err := s.scanProduct(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundError(errors.ErrCodeItemNotFound,
			fmt.Sprintf("no catalog item %s", itemID))
	}
	if err != nil {
		return nil, errors.StoreError(fmt.Sprintf("cannot read product %s", itemID), err)
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanProduct decodes one row. A malformed vector blob is reported via the
// returned product's nil Vector plus the error, so iteration callers can
// skip and log instead of aborting.
func (s *Store) scanProduct(row rowScanner) (*Product, error) {
	var p Product
	var blob []byte
	var url, picture, name, department, modelVersion sql.NullString
	if err := row.Scan(&p.ItemID, &url, &picture, &name, &department, &blob, &modelVersion); err != nil {
		return nil, err
	}
	p.URL = url.String
	p.Picture = picture.String
	p.Name = name.String
	p.Department = department.String
	p.ModelVersion = modelVersion.String

	if len(blob) > 0 {
		v, err := vec.DecodeBlob(blob, s.dim)
		if err != nil {
			return &p, errors.New(errors.ErrCodeVectorDecode,
				fmt.Sprintf("product %s has a malformed vector blob", p.ItemID), err)
		}
		p.Vector = v
	}
	return &p, nil
}

// Iterate streams products ordered by item_id, optionally filtered by
// department ("" and ALL mean no filter). Rows with malformed vector blobs
// are logged and skipped; fn errors abort the iteration.
func (s *Store) Iterate(ctx context.Context, department string, fn func(p *Product) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `SELECT item_id, url, picture, product_name, department, vector, model_version
		FROM products`
	var args []any
	if department != "" && department != DepartmentAll {
		query += ` WHERE department = ?`
		args = append(args, department)
	}
	query += ` ORDER BY item_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.StoreError("cannot iterate catalog", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		p, err := s.scanProduct(rows)
		if err != nil {
			if p != nil && errors.GetCode(err) == errors.ErrCodeVectorDecode {
				s.logger.Warn("catalog_row_skipped",
					slog.String("item_id", p.ItemID),
					slog.String("reason", "vector decode failed"))
				continue
			}
			return errors.StoreError("cannot scan catalog row", err)
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DepartmentCount pairs a department with its item count.
type DepartmentCount struct {
	Name  string
	Count int
}

// Departments returns the distinct non-empty departments with counts,
// sorted by name.
func (s *Store) Departments(ctx context.Context) ([]DepartmentCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT department, COUNT(*) FROM products
		WHERE department IS NOT NULL AND department != ''
		GROUP BY department`)
	if err != nil {
		return nil, errors.StoreError("cannot list departments", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DepartmentCount
	for rows.Next() {
		var dc DepartmentCount
		if err := rows.Scan(&dc.Name, &dc.Count); err != nil {
			return nil, errors.StoreError("cannot scan department row", err)
		}
		out = append(out, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StoreError("cannot list departments", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Count returns the number of catalog items.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, errors.StoreError("cannot count products", err)
	}
	return n, nil
}

// UpsertBaseVector stores the backbone-space vector for an item.
func (s *Store) UpsertBaseVector(ctx context.Context, itemID string, base []float32, backbone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO product_base_vectors (item_id, base_vector, backbone)
		VALUES (?, ?, ?)`,
		itemID, vec.EncodeBlob(base), backbone)
	if err != nil {
		return errors.StoreError(fmt.Sprintf("cannot store base vector for %s", itemID), err)
	}
	return nil
}

// BaseVector fetches the backbone-space vector for an item.
func (s *Store) BaseVector(ctx context.Context, itemID string) ([]float32, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, "", err
	}

	var blob []byte
	var backbone string
	err := s.db.QueryRowContext(ctx, `
		SELECT base_vector, backbone FROM product_base_vectors WHERE item_id = ?`, itemID).
		Scan(&blob, &backbone)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, "", errors.NotFoundError(errors.ErrCodeItemNotFound,
			fmt.Sprintf("no base vector for item %s", itemID))
	}
	if err != nil {
		return nil, "", errors.StoreError(fmt.Sprintf("cannot read base vector for %s", itemID), err)
	}

	v, err := vec.DecodeBlob(blob, s.dim)
	if err != nil {
		return nil, "", errors.New(errors.ErrCodeVectorDecode,
			fmt.Sprintf("base vector for %s is malformed", itemID), err)
	}
	return v, backbone, nil
}

// UpdateVector writes a product's serving vector and model version in one
// row update, keeping the pair consistent at every point of a re-embed.
func (s *Store) UpdateVector(ctx context.Context, itemID string, v []float32, modelVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.updateVectorLocked(ctx, s.db, itemID, v, modelVersion)
}

func (s *Store) updateVectorLocked(ctx context.Context, ex execer, itemID string, v []float32, modelVersion string) error {
	if !vec.IsNormalized(v, 1e-5) {
		return errors.New(errors.ErrCodeInvalidArgument,
			fmt.Sprintf("vector for %s is not unit norm", itemID), nil)
	}
	res, err := ex.ExecContext(ctx,
		`UPDATE products SET vector = ?, model_version = ? WHERE item_id = ?`,
		vec.EncodeBlob(v), modelVersion, itemID)
	if err != nil {
		return errors.StoreError(fmt.Sprintf("cannot update vector for %s", itemID), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError(errors.ErrCodeItemNotFound,
			fmt.Sprintf("no catalog item %s", itemID))
	}
	return nil
}

// reembedRow is one unit of re-embedding work.
type reembedRow struct {
	itemID  string
	name    string
	picture string
	url     string
	base    []float32
}

// ReembedAll rewrites every product vector under the given embedder.
// Items with stored base vectors go through the fast path (an adapter map,
// no network); the rest are re-embedded from their picture. Per-item
// failures are logged and skipped; the returned count is items rewritten.
func (s *Store) ReembedAll(ctx context.Context, e ItemEmbedder, progress func(done, total int)) (int, error) {
	rows, err := s.collectReembedRows(ctx)
	if err != nil {
		return 0, err
	}
	total := len(rows)
	if progress == nil {
		progress = func(int, int) {}
	}

	version := e.ModelVersion()
	backbone := e.BackboneName()
	done := 0
	updated := 0

	for start := 0; start < total; start += reembedBatchSize {
		end := start + reembedBatchSize
		if end > total {
			end = total
		}

		n, err := s.reembedBatch(ctx, e, version, backbone, rows[start:end])
		if err != nil {
			return updated, err
		}
		updated += n
		done = end
		progress(done, total)
	}

	s.logger.Info("catalog_reembedded",
		slog.String("model_version", version),
		slog.Int("updated", updated),
		slog.Int("total", total))
	return updated, nil
}

func (s *Store) collectReembedRows(ctx context.Context) ([]reembedRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.item_id, p.product_name, p.picture, p.url, b.base_vector
		FROM products p
		LEFT JOIN product_base_vectors b ON b.item_id = p.item_id
		ORDER BY p.item_id ASC`)
	if err != nil {
		return nil, errors.StoreError("cannot enumerate catalog for re-embedding", err)
	}
	defer func() { _ = rows.Close() }()

	var out []reembedRow
	for rows.Next() {
		var r reembedRow
		var name, picture, url sql.NullString
		var blob []byte
		if err := rows.Scan(&r.itemID, &name, &picture, &url, &blob); err != nil {
			return nil, errors.StoreError("cannot scan re-embed row", err)
		}
		r.name = name.String
		r.picture = picture.String
		r.url = url.String
		if len(blob) > 0 {
			if v, err := vec.DecodeBlob(blob, s.dim); err == nil {
				r.base = v
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) reembedBatch(ctx context.Context, e ItemEmbedder, version, backbone string, batch []reembedRow) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	// Compute vectors outside the write lock: embedding may block on IO.
	type update struct {
		itemID string
		vector []float32
		base   []float32
	}
	updates := make([]update, 0, len(batch))

	for _, r := range batch {
		if r.base != nil {
			updates = append(updates, update{itemID: r.itemID, vector: e.Apply(r.base)})
			continue
		}
		if r.picture == "" {
			s.logger.Warn("reembed_item_skipped",
				slog.String("item_id", r.itemID),
				slog.String("reason", "no base vector and no picture"))
			continue
		}

		adapted, base, err := e.EmbedProduct(ctx, embed.FromURL(r.picture), r.name)
		if err != nil {
			s.logger.Warn("reembed_item_failed",
				slog.String("item_id", r.itemID),
				slog.String("error", err.Error()))
			continue
		}
		updates = append(updates, update{itemID: r.itemID, vector: adapted, base: base})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.StoreError("cannot begin re-embed transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	count := 0
	for _, u := range updates {
		if err := s.updateVectorLocked(ctx, tx, u.itemID, u.vector, version); err != nil {
			s.logger.Warn("reembed_write_failed",
				slog.String("item_id", u.itemID),
				slog.String("error", err.Error()))
			continue
		}
		if u.base != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO product_base_vectors (item_id, base_vector, backbone)
				VALUES (?, ?, ?)`, u.itemID, vec.EncodeBlob(u.base), backbone); err != nil {
				return count, errors.StoreError("cannot store base vector", err)
			}
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return count, errors.StoreError("cannot commit re-embed transaction", err)
	}
	return count, nil
}
