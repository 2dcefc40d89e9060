package telemetry

import (
	"database/sql"
	"fmt"
	"time"
)

// emptySearchCap bounds the empty-search fingerprint log.
const emptySearchCap = 100

// SQLiteMetricsStore implements MetricsStore on a SQLite handle. The
// handle is shared with other stores and is never closed here.
type SQLiteMetricsStore struct {
	db *sql.DB
}

var _ MetricsStore = (*SQLiteMetricsStore)(nil)

// NewSQLiteMetricsStore wraps an open database. The telemetry tables
// must already exist; InitTelemetrySchema creates them.
func NewSQLiteMetricsStore(db *sql.DB) (*SQLiteMetricsStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &SQLiteMetricsStore{db: db}, nil
}

// InitTelemetrySchema creates the telemetry tables if they don't exist.
func InitTelemetrySchema(db *sql.DB) error {
	schema := `
	-- Search outcomes (served/empty/repeat), aggregated daily
	CREATE TABLE IF NOT EXISTS search_stats (
		date TEXT NOT NULL,
		outcome TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, outcome)
	);

	-- Feedback verdicts by kind, aggregated daily
	CREATE TABLE IF NOT EXISTS feedback_stats (
		date TEXT NOT NULL,
		kind TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, kind)
	);

	-- Failed requests by error kind, aggregated daily
	CREATE TABLE IF NOT EXISTS error_stats (
		date TEXT NOT NULL,
		kind TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, kind)
	);

	-- Serving latency histogram, aggregated daily
	CREATE TABLE IF NOT EXISTS latency_stats (
		date TEXT NOT NULL,
		bucket TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, bucket)
	);

	-- Fingerprints of photos that found nothing (most recent 100)
	CREATE TABLE IF NOT EXISTS empty_searches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint TEXT NOT NULL,
		timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create telemetry schema: %w", err)
	}
	return nil
}

// saveCounts upserts one day's counts into a (date, key, count) table.
// table and keyCol are compile-time constants, never caller input.
func (s *SQLiteMetricsStore) saveCounts(table, keyCol, date string, counts map[string]int64) error {
	if len(counts) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(fmt.Sprintf(`
		INSERT INTO %s (date, %s, count)
		VALUES (?, ?, ?)
		ON CONFLICT(date, %s) DO UPDATE SET count = count + excluded.count
	`, table, keyCol, keyCol))
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for key, count := range counts {
		if _, err := stmt.Exec(date, key, count); err != nil {
			return fmt.Errorf("upsert %s count: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// getCounts sums counts per key over an inclusive date range.
func (s *SQLiteMetricsStore) getCounts(table, keyCol, from, to string) (map[string]int64, error) {
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT %s, SUM(count) AS total
		FROM %s
		WHERE date >= ? AND date <= ?
		GROUP BY %s
	`, keyCol, table, keyCol), from, to)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		counts[key] = count
	}
	return counts, rows.Err()
}

// SaveSearchCounts upserts daily search outcome counts.
func (s *SQLiteMetricsStore) SaveSearchCounts(date string, counts map[string]int64) error {
	return s.saveCounts("search_stats", "outcome", date, counts)
}

// GetSearchCounts retrieves search outcome counts for a date range.
func (s *SQLiteMetricsStore) GetSearchCounts(from, to string) (map[string]int64, error) {
	return s.getCounts("search_stats", "outcome", from, to)
}

// SaveFeedbackCounts upserts daily feedback verdict counts.
func (s *SQLiteMetricsStore) SaveFeedbackCounts(date string, counts map[string]int64) error {
	return s.saveCounts("feedback_stats", "kind", date, counts)
}

// GetFeedbackCounts retrieves feedback counts for a date range.
func (s *SQLiteMetricsStore) GetFeedbackCounts(from, to string) (map[string]int64, error) {
	return s.getCounts("feedback_stats", "kind", from, to)
}

// SaveErrorCounts upserts daily error kind counts.
func (s *SQLiteMetricsStore) SaveErrorCounts(date string, counts map[string]int64) error {
	return s.saveCounts("error_stats", "kind", date, counts)
}

// GetErrorCounts retrieves error counts for a date range.
func (s *SQLiteMetricsStore) GetErrorCounts(from, to string) (map[string]int64, error) {
	return s.getCounts("error_stats", "kind", from, to)
}

// SaveLatencyCounts upserts daily latency histogram counts.
func (s *SQLiteMetricsStore) SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error {
	byKey := make(map[string]int64, len(counts))
	for bucket, count := range counts {
		byKey[string(bucket)] = count
	}
	return s.saveCounts("latency_stats", "bucket", date, byKey)
}

// GetLatencyCounts retrieves the latency distribution for a date range.
func (s *SQLiteMetricsStore) GetLatencyCounts(from, to string) (map[LatencyBucket]int64, error) {
	byKey, err := s.getCounts("latency_stats", "bucket", from, to)
	if err != nil {
		return nil, err
	}
	counts := make(map[LatencyBucket]int64, len(byKey))
	for key, count := range byKey {
		counts[LatencyBucket(key)] = count
	}
	return counts, nil
}

// AddEmptySearch records a photo fingerprint that found nothing and
// trims the log to its cap, oldest first.
func (s *SQLiteMetricsStore) AddEmptySearch(fingerprint string, timestamp time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO empty_searches (fingerprint, timestamp)
		VALUES (?, ?)
	`, fingerprint, timestamp)
	if err != nil {
		return fmt.Errorf("insert empty search: %w", err)
	}

	_, err = s.db.Exec(`
		DELETE FROM empty_searches
		WHERE id NOT IN (
			SELECT id FROM empty_searches
			ORDER BY id DESC
			LIMIT ?
		)
	`, emptySearchCap)
	if err != nil {
		return fmt.Errorf("trim empty searches: %w", err)
	}
	return nil
}

// GetEmptySearches retrieves recent empty-search fingerprints, newest
// first.
func (s *SQLiteMetricsStore) GetEmptySearches(limit int) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT fingerprint
		FROM empty_searches
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query empty searches: %w", err)
	}
	defer rows.Close()

	var fingerprints []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		fingerprints = append(fingerprints, fp)
	}
	return fingerprints, rows.Err()
}

// Close releases nothing; the db handle belongs to the caller.
func (s *SQLiteMetricsStore) Close() error {
	return nil
}
