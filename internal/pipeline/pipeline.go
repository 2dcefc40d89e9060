// Package pipeline carries a photo search from admission to answer:
// rate check, image fetch, embedding, retrieval, session registration.
// Each stage runs under its own deadline inside a total request budget,
// and a bounded worker pool keeps the embedding backend from being
// swamped.
package pipeline

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"

	"fotopoisk/internal/config"
	"fotopoisk/internal/embed"
	"fotopoisk/internal/errors"
	"fotopoisk/internal/retrieval"
	"fotopoisk/internal/session"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = stderrors.New("nil dependency")

// SearchRequest is one photo search on behalf of a user. The photo
// arrives either as a handle (URL or local path) or as raw bytes from a
// direct upload; ImageData wins when both are set.
type SearchRequest struct {
	UserID      string
	Username    string
	ImageHandle string
	ImageData   []byte
	Department  string
	TopK        int
}

// SearchResponse carries the ranked items plus the short id that later
// feedback must quote.
type SearchResponse struct {
	ShortID      string
	ModelVersion string
	Results      []retrieval.Result
	Duration     time.Duration
}

// RoleChecker reports whether a user holds the admin role. Admins skip
// the photo bucket but still spend general tokens.
type RoleChecker interface {
	IsAdmin(userID string) bool
}

// Recorder receives serving telemetry. Calls happen on the request path,
// so implementations must be cheap and must never block.
type Recorder interface {
	RecordSearch(userID, photoFingerprint string, empty bool, duration time.Duration)
	RecordError(kind string)
}

// Pipeline executes searches end to end. Safe for concurrent use.
type Pipeline struct {
	embedder *embed.Embedder
	engine   *retrieval.Engine
	sessions *session.Store
	limiter  *Limiter
	fetcher  *embed.Fetcher
	roles    RoleChecker
	recorder Recorder
	resolve  func(handle string) embed.ImageSource

	photosDir string

	workers    chan struct{}
	pending    atomic.Int64
	pendingCap int64

	totalBudget    time.Duration
	fetchBudget    time.Duration
	embedBudget    time.Duration
	retrieveBudget time.Duration

	logger *slog.Logger
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRoles installs the admin lookup. Without one, nobody is an admin.
func WithRoles(roles RoleChecker) Option {
	return func(p *Pipeline) { p.roles = roles }
}

// WithRecorder installs the telemetry sink.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithPhotosDir keeps a copy of every query photo under dir so feedback
// can reference it after the upload is gone. Empty disables persistence.
func WithPhotosDir(dir string) Option {
	return func(p *Pipeline) { p.photosDir = dir }
}

// WithFetcher replaces the image fetcher.
func WithFetcher(f *embed.Fetcher) Option {
	return func(p *Pipeline) {
		if f != nil {
			p.fetcher = f
		}
	}
}

// WithSourceResolver replaces how image handles become sources. The
// default treats http(s) handles as URLs and anything else as a path.
func WithSourceResolver(resolve func(handle string) embed.ImageSource) Option {
	return func(p *Pipeline) {
		if resolve != nil {
			p.resolve = resolve
		}
	}
}

// New wires the serving pipeline. Zero config fields fall back to the
// serving defaults: general bucket 5 tokens refilling every second,
// photo bucket 3 tokens refilling every 10 seconds, queue ceiling 64,
// budgets 30s total / 15s fetch / 10s embed / 5s retrieve.
func New(embedder *embed.Embedder, engine *retrieval.Engine, sessions *session.Store, cfg config.PipelineConfig, opts ...Option) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrNilDependency)
	}
	if engine == nil {
		return nil, fmt.Errorf("%w: retrieval engine is required", ErrNilDependency)
	}
	if sessions == nil {
		return nil, fmt.Errorf("%w: session store is required", ErrNilDependency)
	}

	general, photo := cfg.GeneralRate, cfg.PhotoRate
	if general.Tokens <= 0 || general.Seconds <= 0 {
		general = config.RateConfig{Tokens: 5, Seconds: 1}
	}
	if photo.Tokens <= 0 || photo.Seconds <= 0 {
		photo = config.RateConfig{Tokens: 3, Seconds: 10}
	}
	ceiling := cfg.QueueCeiling
	if ceiling <= 0 {
		ceiling = 64
	}
	workers := cfg.EffectiveWorkers()

	p := &Pipeline{
		embedder:       embedder,
		engine:         engine,
		sessions:       sessions,
		limiter:        NewLimiter(general, photo),
		fetcher:        embed.NewFetcher(),
		resolve:        defaultResolve,
		workers:        make(chan struct{}, workers),
		pendingCap:     int64(workers + ceiling),
		totalBudget:    budget(cfg.RequestTimeoutSeconds, 30*time.Second),
		fetchBudget:    budget(cfg.FetchTimeoutSeconds, 15*time.Second),
		embedBudget:    budget(cfg.EmbedTimeoutSeconds, 10*time.Second),
		retrieveBudget: budget(cfg.RetrieveTimeoutSeconds, 5*time.Second),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.photosDir != "" {
		if err := os.MkdirAll(p.photosDir, 0o755); err != nil {
			return nil, errors.StoreError(
				fmt.Sprintf("cannot create photos directory %s", p.photosDir), err)
		}
	}
	return p, nil
}

func budget(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// defaultResolve treats http(s) handles as remote URLs and anything else
// as a local file path.
func defaultResolve(handle string) embed.ImageSource {
	if strings.HasPrefix(handle, "http://") || strings.HasPrefix(handle, "https://") {
		return embed.FromURL(handle)
	}
	return embed.FromPath(handle)
}

// Search runs one photo query end to end. An empty result set is a
// success, and the session is registered either way so the user can
// still answer "none of these".
func (p *Pipeline) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	start := time.Now()

	if strings.TrimSpace(req.UserID) == "" {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "user id is required", nil)
	}
	if strings.TrimSpace(req.ImageHandle) == "" && len(req.ImageData) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "an image handle or image data is required", nil)
	}
	topK := req.TopK
	if topK <= 0 {
		topK = p.engine.TopK()
	}

	admin := p.roles != nil && p.roles.IsAdmin(req.UserID)
	if deny := p.limiter.AdmitSearch(req.UserID, admin, time.Now()); deny != nil {
		return nil, p.fail(req, errors.RateLimitedError(deny.Bucket, deny.RetryAfter))
	}

	// The queue slot is reserved before any work starts and released as
	// soon as the embed stage is done with the worker pool.
	if n := p.pending.Add(1); n > p.pendingCap {
		p.pending.Add(-1)
		err := errors.New(errors.ErrCodeOverloaded,
			fmt.Sprintf("%d requests already queued", n-1), nil).
			WithRetryAfter(time.Second).
			WithSuggestion("Retry in a moment")
		return nil, p.fail(req, err)
	}
	held := true
	release := func() {
		if held {
			held = false
			p.pending.Add(-1)
		}
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, p.totalBudget)
	defer cancel()

	// Uploaded bytes still pass through the fetcher so the size cap
	// applies to them the same as to downloads.
	src := embed.FromBytes(req.ImageData)
	if len(req.ImageData) == 0 {
		src = p.resolve(req.ImageHandle)
	}
	raw, err := p.fetchStage(ctx, src)
	if err != nil {
		return nil, p.fail(req, err)
	}
	fingerprint := fingerprintOf(raw)
	imagePath := p.savePhoto(fingerprint, raw)

	query, err := p.embedStage(ctx, raw)
	release()
	if err != nil {
		return nil, p.fail(req, err)
	}

	results, err := p.retrieveStage(ctx, query, req.Department, topK)
	if err != nil {
		return nil, p.fail(req, err)
	}

	// Uploads have no stable handle, so their short id keys on content.
	handle := req.ImageHandle
	if handle == "" {
		handle = "upload:" + fingerprint
	}
	shortID := session.ShortID(handle)
	refs := make([]session.ResultRef, len(results))
	for i, r := range results {
		refs[i] = session.ResultRef{ItemID: r.ItemID, Similarity: r.Similarity}
	}
	p.sessions.Put(&session.Session{
		ShortID:          shortID,
		UserID:           req.UserID,
		PhotoFingerprint: fingerprint,
		ImagePath:        imagePath,
		Results:          refs,
		SearchMethod:     p.engine.Mode(),
		Department:       req.Department,
	})

	duration := time.Since(start)
	p.logger.Info("search_served",
		slog.String("user_id", req.UserID),
		slog.String("short_id", shortID),
		slog.String("department", req.Department),
		slog.Int("results", len(results)),
		slog.String("model_version", p.embedder.ModelVersion()),
		slog.Duration("duration", duration))
	if p.recorder != nil {
		p.recorder.RecordSearch(req.UserID, fingerprint, len(results) == 0, duration)
	}

	return &SearchResponse{
		ShortID:      shortID,
		ModelVersion: p.embedder.ModelVersion(),
		Results:      results,
		Duration:     duration,
	}, nil
}

// AdmitGeneral spends a general-bucket token for a non-search call such
// as feedback or stats.
func (p *Pipeline) AdmitGeneral(userID string) error {
	if deny := p.limiter.AdmitGeneral(userID, time.Now()); deny != nil {
		return errors.RateLimitedError(deny.Bucket, deny.RetryAfter)
	}
	return nil
}

// Pending reports requests admitted but not yet past the embed stage.
func (p *Pipeline) Pending() int { return int(p.pending.Load()) }

// Workers reports the size of the embedding worker pool.
func (p *Pipeline) Workers() int { return cap(p.workers) }

func (p *Pipeline) fetchStage(ctx context.Context, src embed.ImageSource) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.fetchBudget)
	defer cancel()
	raw, err := p.fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, stageError("fetch", p.fetchBudget, err)
	}
	return raw, nil
}

// embedStage waits for a worker slot, then embeds under the embed
// budget. Queue wait is charged to the total budget, not this stage's.
func (p *Pipeline) embedStage(ctx context.Context, raw []byte) ([]float32, error) {
	select {
	case p.workers <- struct{}{}:
	case <-ctx.Done():
		return nil, stageError("embed", p.embedBudget, ctx.Err())
	}
	defer func() { <-p.workers }()

	ctx, cancel := context.WithTimeout(ctx, p.embedBudget)
	defer cancel()
	vec, err := p.embedder.EmbedImage(ctx, embed.FromBytes(raw))
	if err != nil {
		return nil, stageError("embed", p.embedBudget, err)
	}
	return vec, nil
}

func (p *Pipeline) retrieveStage(ctx context.Context, query []float32, department string, topK int) ([]retrieval.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.retrieveBudget)
	defer cancel()
	results, err := p.engine.Search(ctx, query, department, topK, retrieval.Options{})
	if err != nil {
		return nil, stageError("retrieve", p.retrieveBudget, err)
	}
	return results, nil
}

// stageError maps a blown deadline to a coded timeout naming the stage.
// Plain cancellation passes through for the transport to classify.
func stageError(stage string, budget time.Duration, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.TimeoutError(stage, budget)
	}
	return err
}

// fail logs and counts a refused or failed search, then returns err.
func (p *Pipeline) fail(req SearchRequest, err error) error {
	if stderrors.Is(err, context.Canceled) {
		p.logger.Debug("search_canceled", slog.String("user_id", req.UserID))
		return err
	}
	p.logger.Warn("search_failed",
		slog.String("user_id", req.UserID),
		slog.String("error", err.Error()))
	if p.recorder != nil {
		p.recorder.RecordError(string(errors.GetKind(err)))
	}
	return err
}

// fingerprintOf identifies photo bytes for dedup and training examples.
func fingerprintOf(raw []byte) string {
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:])
}

// savePhoto keeps a copy of the query photo for the feedback loop. A
// failure here never fails the search.
func (p *Pipeline) savePhoto(fingerprint string, raw []byte) string {
	if p.photosDir == "" {
		return ""
	}
	path := filepath.Join(p.photosDir, fingerprint+extFor(raw))
	if _, err := os.Stat(path); err == nil {
		return path
	}
	if err := renameio.WriteFile(path, raw, 0o644); err != nil {
		p.logger.Warn("photo_save_failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return ""
	}
	return path
}

func extFor(raw []byte) string {
	switch http.DetectContentType(raw) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".img"
	}
}
