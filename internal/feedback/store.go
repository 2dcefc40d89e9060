// Package feedback persists the labeled data the training loop learns
// from: user verdicts on served results, proposed new products, training
// session history, and model backup records. Examples are append-only;
// the only mutations are consumption marks, approvals, and the active
// flag on sessions.
package feedback

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"fotopoisk/internal/errors"
)

// FeedbackKind classifies a training example.
type FeedbackKind string

const (
	// KindCorrect marks a served result the user confirmed.
	KindCorrect FeedbackKind = "correct"
	// KindIncorrect marks a served result the user rejected.
	KindIncorrect FeedbackKind = "incorrect"
	// KindNewItem marks a photo of something the catalog does not carry.
	KindNewItem FeedbackKind = "new_item"
)

// Valid reports whether k is one of the known kinds.
func (k FeedbackKind) Valid() bool {
	switch k {
	case KindCorrect, KindIncorrect, KindNewItem:
		return true
	}
	return false
}

// Example is one labeled user verdict.
type Example struct {
	ID               int64
	CreatedAt        time.Time
	PhotoFingerprint string
	ImagePath        string
	UserID           string
	Username         string
	Kind             FeedbackKind
	TargetItemID     string
	SimilarityScore  *float64
	UserComment      string
	QualityRating    int
	ConsumedBy       *int64
}

// Annotation is a user-proposed product missing from the catalog.
type Annotation struct {
	ID               int64     `json:"id"`
	CreatedAt        time.Time `json:"created_at"`
	PhotoFingerprint string    `json:"photo_fingerprint"`
	ImagePath        string    `json:"image_path,omitempty"`
	UserID           string    `json:"user_id"`
	Username         string    `json:"username,omitempty"`
	Name             string    `json:"name"`
	Category         string    `json:"category,omitempty"`
	Description      string    `json:"description,omitempty"`
	Approved         bool      `json:"approved"`
	ApprovedBy       string    `json:"approved_by,omitempty"`
}

// TrainingSession is one row of training history.
type TrainingSession struct {
	ID              int64         `json:"id"`
	ModelVersion    string        `json:"model_version"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration_ns"`
	NExamples       int           `json:"n_examples"`
	NPositive       int           `json:"n_positive"`
	NNegative       int           `json:"n_negative"`
	AccuracyBefore  float64       `json:"accuracy_before"`
	AccuracyAfter   float64       `json:"accuracy_after"`
	Hyperparameters string        `json:"hyperparameters,omitempty"`
	IsActive        bool          `json:"is_active"`
}

// BackupRecord logs one model backup event.
type BackupRecord struct {
	ID        int64
	CreatedAt time.Time
	Version   string
	Path      string
	SizeBytes int64
	Checksum  string
	Origin    string
	Note      string
}

// ExampleFilter narrows ListExamples. The zero value lists everything in
// insertion order.
type ExampleFilter struct {
	Kind       FeedbackKind
	Unconsumed bool
	SessionID  int64
	Limit      int
}

// Stats summarizes the stored feedback. Tagged for the stats endpoint.
type Stats struct {
	TotalExamples       int              `json:"total_examples"`
	Unconsumed          int              `json:"unconsumed"`
	UnconsumedCorrect   int              `json:"unconsumed_correct"`
	UnconsumedIncorrect int              `json:"unconsumed_incorrect"`
	Correct             int              `json:"correct"`
	Incorrect           int              `json:"incorrect"`
	NewItem             int              `json:"new_item"`
	PendingAnnotations  int              `json:"pending_annotations"`
	ApprovedAnnotations int              `json:"approved_annotations"`
	LastSession         *TrainingSession `json:"last_session,omitempty"`
}

// Store is the SQLite-backed feedback log. User verdicts go through
// EnqueueExample into an unbounded in-memory queue drained by a single
// writer goroutine; callers fire and forget. Session and backup rows
// stay synchronous so the trainer observes its own writes.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	logger *slog.Logger
	closed bool

	qmu     sync.Mutex
	qcond   *sync.Cond
	queue   []*Example
	closing bool
	drained chan struct{}
}

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

// NewStore opens (or creates) the feedback database. An empty path opens
// an in-memory store for tests. Labeled examples are irreplaceable, so a
// corrupt file is a fatal error, never cleared.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.StoreError(fmt.Sprintf("cannot create feedback directory for %s", path), err)
		}
		if err := validateIntegrity(path); err != nil {
			return nil, errors.New(errors.ErrCodeStoreCorrupt,
				fmt.Sprintf("feedback database at %s failed validation", path), err).
				WithSuggestion("Restore the feedback database from a backup")
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.StoreError("cannot open feedback database", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.StoreError("cannot set feedback pragma", err)
		}
	}

	s := &Store{db: db, logger: logger, drained: make(chan struct{})}
	s.qcond = sync.NewCond(&s.qmu)
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, errors.StoreError("cannot initialize feedback schema", err)
	}
	go s.writerLoop()
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS training_examples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		photo_fingerprint TEXT NOT NULL,
		image_path TEXT,
		user_id TEXT,
		username TEXT,
		feedback_kind TEXT NOT NULL,
		target_item_id TEXT,
		similarity_score REAL,
		user_comment TEXT,
		quality_rating INTEGER NOT NULL DEFAULT 3,
		consumed_by_training_session INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_examples_consumed
		ON training_examples(consumed_by_training_session);
	CREATE INDEX IF NOT EXISTS idx_examples_kind
		ON training_examples(feedback_kind);

	CREATE TABLE IF NOT EXISTS new_product_annotations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		photo_fingerprint TEXT NOT NULL,
		image_path TEXT,
		user_id TEXT,
		username TEXT,
		name TEXT NOT NULL,
		category TEXT,
		description TEXT,
		approved_by_admin INTEGER NOT NULL DEFAULT 0,
		approved_by TEXT
	);

	CREATE TABLE IF NOT EXISTS model_training_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model_version TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		duration_seconds REAL NOT NULL DEFAULT 0,
		n_examples INTEGER NOT NULL DEFAULT 0,
		n_positive INTEGER NOT NULL DEFAULT 0,
		n_negative INTEGER NOT NULL DEFAULT 0,
		accuracy_before REAL NOT NULL DEFAULT 0,
		accuracy_after REAL NOT NULL DEFAULT 0,
		hyperparameters TEXT,
		is_active INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS model_backups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		version TEXT NOT NULL,
		path TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		checksum TEXT,
		origin TEXT NOT NULL,
		note TEXT
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close drains any queued verdicts, stops the writer, and releases the
// database handle.
func (s *Store) Close() error {
	s.qmu.Lock()
	if !s.closing {
		s.closing = true
		s.qcond.Broadcast()
	}
	s.qmu.Unlock()
	<-s.drained

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
		return errors.StoreError("feedback store is closed", nil)
	}
	return nil
}

// validateExample checks the invariants shared by the synchronous and
// queued write paths and returns the effective quality rating.
func validateExample(ex *Example) (int, error) {
	if !ex.Kind.Valid() {
		return 0, errors.New(errors.ErrCodeInvalidArgument,
			fmt.Sprintf("unknown feedback kind %q", ex.Kind), nil)
	}
	if ex.Kind == KindNewItem && ex.TargetItemID != "" {
		return 0, errors.New(errors.ErrCodeInvalidArgument,
			"new-item feedback cannot reference a catalog item", nil)
	}
	if ex.Kind != KindNewItem && ex.TargetItemID == "" {
		return 0, errors.New(errors.ErrCodeInvalidArgument,
			fmt.Sprintf("%s feedback needs a target item", ex.Kind), nil)
	}
	if ex.PhotoFingerprint == "" {
		return 0, errors.New(errors.ErrCodeInvalidArgument,
			"example needs a photo fingerprint", nil)
	}
	rating := ex.QualityRating
	if rating == 0 {
		rating = 3
	}
	if rating < 1 || rating > 5 {
		return 0, errors.New(errors.ErrCodeInvalidArgument,
			fmt.Sprintf("quality rating %d out of range 1..5", rating), nil)
	}
	return rating, nil
}

// EnqueueExample hands one labeled example to the writer goroutine and
// returns immediately. Validation failures surface synchronously; the
// write itself is best-effort and logged on failure. Writes land in
// enqueue order.
func (s *Store) EnqueueExample(ex *Example) error {
	rating, err := validateExample(ex)
	if err != nil {
		return err
	}

	queued := *ex
	queued.QualityRating = rating
	if queued.CreatedAt.IsZero() {
		queued.CreatedAt = time.Now().UTC()
	}

	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.closing {
		return errors.StoreError("feedback store is closed", nil)
	}
	s.queue = append(s.queue, &queued)
	s.qcond.Broadcast()
	return nil
}

// Flush blocks until every queued example has been written. Tests and
// the retrain path use it before reading back.
func (s *Store) Flush() {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	for len(s.queue) > 0 {
		s.qcond.Wait()
	}
}

// writerLoop is the single writer task behind EnqueueExample. An example
// stays at the head of the queue until its insert completes, so Flush
// only returns once the row is durable.
func (s *Store) writerLoop() {
	for {
		s.qmu.Lock()
		for len(s.queue) == 0 && !s.closing {
			s.qcond.Wait()
		}
		if len(s.queue) == 0 {
			s.qmu.Unlock()
			close(s.drained)
			return
		}
		head := s.queue[0]
		s.qmu.Unlock()

		if _, err := s.insertExample(context.Background(), head, head.QualityRating); err != nil {
			s.logger.Warn("feedback_write_dropped",
				"kind", string(head.Kind),
				"user_id", head.UserID,
				"error", err.Error())
		}

		s.qmu.Lock()
		s.queue = s.queue[1:]
		s.qcond.Broadcast()
		s.qmu.Unlock()
	}
}

// AddExample appends one labeled example and returns its id. Verdicts on
// served results need a target item; new-item reports must not carry one.
func (s *Store) AddExample(ctx context.Context, ex *Example) (int64, error) {
	rating, err := validateExample(ex)
	if err != nil {
		return 0, err
	}
	return s.insertExample(ctx, ex, rating)
}

func (s *Store) insertExample(ctx context.Context, ex *Example, rating int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	createdAt := ex.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO training_examples
			(created_at, photo_fingerprint, image_path, user_id, username,
			 feedback_kind, target_item_id, similarity_score, user_comment,
			 quality_rating)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		createdAt, ex.PhotoFingerprint, ex.ImagePath, ex.UserID, ex.Username,
		string(ex.Kind), nullString(ex.TargetItemID), nullFloat(ex.SimilarityScore),
		ex.UserComment, rating)
	if err != nil {
		return 0, errors.StoreError("cannot append training example", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.StoreError("cannot read example id", err)
	}
	return id, nil
}

const exampleColumns = `id, created_at, photo_fingerprint, image_path, user_id,
	username, feedback_kind, target_item_id, similarity_score, user_comment,
	quality_rating, consumed_by_training_session`

// ListExamples returns examples matching the filter in insertion order.
func (s *Store) ListExamples(ctx context.Context, f ExampleFilter) ([]*Example, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var conds []string
	var args []any
	if f.Kind != "" {
		conds = append(conds, "feedback_kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Unconsumed {
		conds = append(conds, "consumed_by_training_session IS NULL")
	}
	if f.SessionID > 0 {
		conds = append(conds, "consumed_by_training_session = ?")
		args = append(args, f.SessionID)
	}

	query := "SELECT " + exampleColumns + " FROM training_examples"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.StoreError("cannot list training examples", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Example
	for rows.Next() {
		ex, err := scanExample(rows)
		if err != nil {
			return nil, errors.StoreError("cannot scan training example", err)
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StoreError("cannot list training examples", err)
	}
	return out, nil
}

// GetExample fetches one example by id.
func (s *Store) GetExample(ctx context.Context, id int64) (*Example, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+exampleColumns+" FROM training_examples WHERE id = ?", id)
	ex, err := scanExample(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundError(errors.ErrCodeExampleNotFound,
			fmt.Sprintf("no training example %d", id))
	}
	if err != nil {
		return nil, errors.StoreError(fmt.Sprintf("cannot read example %d", id), err)
	}
	return ex, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExample(row rowScanner) (*Example, error) {
	var ex Example
	var imagePath, userID, username, targetItem, comment sql.NullString
	var score sql.NullFloat64
	var consumedBy sql.NullInt64
	err := row.Scan(&ex.ID, &ex.CreatedAt, &ex.PhotoFingerprint, &imagePath,
		&userID, &username, (*string)(&ex.Kind), &targetItem, &score,
		&comment, &ex.QualityRating, &consumedBy)
	if err != nil {
		return nil, err
	}
	ex.ImagePath = imagePath.String
	ex.UserID = userID.String
	ex.Username = username.String
	ex.TargetItemID = targetItem.String
	ex.UserComment = comment.String
	if score.Valid {
		v := score.Float64
		ex.SimilarityScore = &v
	}
	if consumedBy.Valid {
		v := consumedBy.Int64
		ex.ConsumedBy = &v
	}
	return &ex, nil
}

// MarkConsumed stamps examples as consumed by a training session. Calling
// it again with the same session is a no-op; examples already consumed by
// a different session are left untouched.
func (s *Store) MarkConsumed(ctx context.Context, ids []int64, sessionID int64) error {
	if len(ids) == 0 {
		return nil
	}
	if sessionID <= 0 {
		return errors.New(errors.ErrCodeInvalidArgument, "session id must be positive", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StoreError("cannot begin consume transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE training_examples
		SET consumed_by_training_session = ?
		WHERE id = ? AND (consumed_by_training_session IS NULL
			OR consumed_by_training_session = ?)`)
	if err != nil {
		return errors.StoreError("cannot prepare consume statement", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, sessionID, id, sessionID); err != nil {
			return errors.StoreError(fmt.Sprintf("cannot mark example %d consumed", id), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.StoreError("cannot commit consume transaction", err)
	}
	return nil
}

// AddNewProduct appends a proposed product annotation.
func (s *Store) AddNewProduct(ctx context.Context, a *Annotation) (int64, error) {
	if a.Name == "" {
		return 0, errors.New(errors.ErrCodeInvalidArgument, "annotation needs a name", nil)
	}
	if a.PhotoFingerprint == "" {
		return 0, errors.New(errors.ErrCodeInvalidArgument, "annotation needs a photo fingerprint", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO new_product_annotations
			(created_at, photo_fingerprint, image_path, user_id, username,
			 name, category, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		createdAt, a.PhotoFingerprint, a.ImagePath, a.UserID, a.Username,
		a.Name, a.Category, a.Description)
	if err != nil {
		return 0, errors.StoreError("cannot append product annotation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.StoreError("cannot read annotation id", err)
	}
	return id, nil
}

// ApproveNewProduct marks an annotation approved. Approving twice keeps
// the first approver.
func (s *Store) ApproveNewProduct(ctx context.Context, id int64, adminID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE new_product_annotations
		SET approved_by_admin = 1,
			approved_by = COALESCE(approved_by, ?)
		WHERE id = ?`, adminID, id)
	if err != nil {
		return errors.StoreError(fmt.Sprintf("cannot approve annotation %d", id), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError(errors.ErrCodeExampleNotFound,
			fmt.Sprintf("no product annotation %d", id))
	}
	return nil
}

// ListNewProducts returns annotations, optionally only approved ones,
// in insertion order.
func (s *Store) ListNewProducts(ctx context.Context, approvedOnly bool) ([]*Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT id, created_at, photo_fingerprint, image_path, user_id,
		username, name, category, description, approved_by_admin, approved_by
		FROM new_product_annotations`
	if approvedOnly {
		query += ` WHERE approved_by_admin = 1`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.StoreError("cannot list product annotations", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Annotation
	for rows.Next() {
		var a Annotation
		var imagePath, userID, username, category, description, approvedBy sql.NullString
		var approved int
		err := rows.Scan(&a.ID, &a.CreatedAt, &a.PhotoFingerprint, &imagePath,
			&userID, &username, &a.Name, &category, &description, &approved, &approvedBy)
		if err != nil {
			return nil, errors.StoreError("cannot scan product annotation", err)
		}
		a.ImagePath = imagePath.String
		a.UserID = userID.String
		a.Username = username.String
		a.Category = category.String
		a.Description = description.String
		a.Approved = approved != 0
		a.ApprovedBy = approvedBy.String
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StoreError("cannot list product annotations", err)
	}
	return out, nil
}

// LogTrainingSession appends one history row. When the new row carries
// is_active, every other row loses the flag in the same transaction, so a
// consistent read never sees two active sessions.
func (s *Store) LogTrainingSession(ctx context.Context, ts *TrainingSession) (int64, error) {
	if ts.ModelVersion == "" {
		return 0, errors.New(errors.ErrCodeInvalidArgument, "session needs a model version", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.StoreError("cannot begin session transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if ts.IsActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE model_training_history SET is_active = 0 WHERE is_active = 1`); err != nil {
			return 0, errors.StoreError("cannot clear active session flag", err)
		}
	}

	startedAt := ts.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO model_training_history
			(model_version, started_at, duration_seconds, n_examples,
			 n_positive, n_negative, accuracy_before, accuracy_after,
			 hyperparameters, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.ModelVersion, startedAt, ts.Duration.Seconds(), ts.NExamples,
		ts.NPositive, ts.NNegative, ts.AccuracyBefore, ts.AccuracyAfter,
		ts.Hyperparameters, boolToInt(ts.IsActive))
	if err != nil {
		return 0, errors.StoreError("cannot append training session", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.StoreError("cannot read session id", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.StoreError("cannot commit session transaction", err)
	}
	return id, nil
}

const sessionColumns = `id, model_version, started_at, duration_seconds,
	n_examples, n_positive, n_negative, accuracy_before, accuracy_after,
	hyperparameters, is_active`

// ActiveSession returns the training session currently marked active.
func (s *Store) ActiveSession(ctx context.Context) (*TrainingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM model_training_history WHERE is_active = 1")
	ts, err := scanSession(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundError(errors.ErrCodeSessionNotFound, "no active training session")
	}
	if err != nil {
		return nil, errors.StoreError("cannot read active session", err)
	}
	return ts, nil
}

// ListSessions returns training history, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*TrainingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := "SELECT " + sessionColumns + " FROM model_training_history ORDER BY id DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.StoreError("cannot list training sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*TrainingSession
	for rows.Next() {
		ts, err := scanSession(rows)
		if err != nil {
			return nil, errors.StoreError("cannot scan training session", err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StoreError("cannot list training sessions", err)
	}
	return out, nil
}

func scanSession(row rowScanner) (*TrainingSession, error) {
	var ts TrainingSession
	var seconds float64
	var hyper sql.NullString
	var active int
	err := row.Scan(&ts.ID, &ts.ModelVersion, &ts.StartedAt, &seconds,
		&ts.NExamples, &ts.NPositive, &ts.NNegative, &ts.AccuracyBefore,
		&ts.AccuracyAfter, &hyper, &active)
	if err != nil {
		return nil, err
	}
	ts.Duration = time.Duration(seconds * float64(time.Second))
	ts.Hyperparameters = hyper.String
	ts.IsActive = active != 0
	return &ts, nil
}

// LogModelBackup appends one backup record.
func (s *Store) LogModelBackup(ctx context.Context, b *BackupRecord) (int64, error) {
	if b.Version == "" {
		return 0, errors.New(errors.ErrCodeInvalidArgument, "backup record needs a version", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO model_backups
			(created_at, version, path, size_bytes, checksum, origin, note)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		createdAt, b.Version, b.Path, b.SizeBytes, b.Checksum, b.Origin, b.Note)
	if err != nil {
		return 0, errors.StoreError("cannot append backup record", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.StoreError("cannot read backup id", err)
	}
	return id, nil
}

// ListModelBackups returns backup records, newest first.
func (s *Store) ListModelBackups(ctx context.Context, limit int) ([]*BackupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT id, created_at, version, path, size_bytes, checksum, origin, note
		FROM model_backups ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.StoreError("cannot list backup records", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*BackupRecord
	for rows.Next() {
		var b BackupRecord
		var checksum, note sql.NullString
		err := rows.Scan(&b.ID, &b.CreatedAt, &b.Version, &b.Path,
			&b.SizeBytes, &checksum, &b.Origin, &note)
		if err != nil {
			return nil, errors.StoreError("cannot scan backup record", err)
		}
		b.Checksum = checksum.String
		b.Note = note.String
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StoreError("cannot list backup records", err)
	}
	return out, nil
}

// Stats summarizes the stored feedback in one consistent read.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	st := &Stats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN consumed_by_training_session IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN consumed_by_training_session IS NULL AND feedback_kind = 'correct' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN consumed_by_training_session IS NULL AND feedback_kind = 'incorrect' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN feedback_kind = 'correct' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN feedback_kind = 'incorrect' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN feedback_kind = 'new_item' THEN 1 ELSE 0 END), 0)
		FROM training_examples`).
		Scan(&st.TotalExamples, &st.Unconsumed, &st.UnconsumedCorrect,
			&st.UnconsumedIncorrect, &st.Correct, &st.Incorrect, &st.NewItem)
	if err != nil {
		return nil, errors.StoreError("cannot summarize examples", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN approved_by_admin = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN approved_by_admin = 1 THEN 1 ELSE 0 END), 0)
		FROM new_product_annotations`).
		Scan(&st.PendingAnnotations, &st.ApprovedAnnotations)
	if err != nil {
		return nil, errors.StoreError("cannot summarize annotations", err)
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM model_training_history ORDER BY id DESC LIMIT 1")
	ts, err := scanSession(row)
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.StoreError("cannot read last session", err)
	}
	if err == nil {
		st.LastSession = ts
	}
	return st, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
