package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"fotopoisk/internal/async"
	"fotopoisk/internal/catalog"
	"fotopoisk/internal/config"
	"fotopoisk/internal/embed"
	"fotopoisk/internal/errors"
	"fotopoisk/internal/feedback"
	"fotopoisk/internal/pipeline"
	"fotopoisk/internal/registry"
	"fotopoisk/internal/retrieval"
	"fotopoisk/internal/session"
	"fotopoisk/internal/telemetry"
	"fotopoisk/internal/textindex"
	"fotopoisk/internal/training"
)

// app bundles the wired service components. Every command that touches
// the stores builds one; serve keeps it alive, one-shot commands close
// it on the way out.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	embedder *embed.Embedder
	catalog  *catalog.Store
	searcher retrieval.Searcher
	hnsw     *retrieval.HNSWSearcher // nil when index is "scan"
	engine   *retrieval.Engine
	sessions *session.Store
	pipeline *pipeline.Pipeline
	fbStore  *feedback.Store
	agg      *feedback.Aggregator
	names    *textindex.Index
	registry *registry.Registry
	runner   *async.Runner
	trainer  *training.Trainer
	metrics  *telemetry.Metrics

	telemetryDB *sql.DB
	closers     []func() error
}

// appOptions trims the wiring for commands that do not need the whole
// service.
type appOptions struct {
	// withTelemetry opens the telemetry store and flush loop.
	withTelemetry bool
	// withNameIndex opens the bleve product-name index.
	withNameIndex bool
}

// buildApp wires the service the way the process will run it: embedder
// first (it anchors the dimension), stores next, then everything that
// depends on them. The registry's active adapter is installed before any
// component can embed.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create data dir %s: %w", cfg.DataDir, err)
	}

	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	emb, err := embed.NewService(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.embedder = emb
	a.closers = append(a.closers, emb.Close)

	reg, err := registry.NewRegistry(cfg.Models.Dir, "", logger)
	if err != nil {
		return nil, err
	}
	a.registry = reg

	adapter, err := activeAdapter(reg, emb.Dimensions())
	if err != nil {
		return nil, err
	}
	emb.SwapAdapter(adapter)

	cat, err := catalog.NewStore(cfg.Storage.CatalogPath, cfg.Embedding.Dim, logger)
	if err != nil {
		return nil, err
	}
	a.catalog = cat
	a.closers = append(a.closers, cat.Close)

	a.searcher = retrieval.NewScanSearcher(cat)
	if cfg.Search.Index == "hnsw" {
		h := retrieval.NewHNSWSearcher(cfg.Embedding.Dim)
		if n, err := h.Rebuild(ctx, cat); err != nil {
			return nil, err
		} else if n > 0 {
			logger.Info("hnsw_index_built", "items", n)
		}
		a.hnsw = h
		a.searcher = h
	}

	engine, err := retrieval.NewEngine(a.searcher, cat, cfg.Search,
		retrieval.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	a.engine = engine

	a.sessions = session.NewStore(
		session.WithTTL(time.Duration(cfg.Pipeline.SessionTTLMinutes)*time.Minute),
		session.WithLogger(logger))
	a.closers = append(a.closers, func() error { a.sessions.Close(); return nil })

	if opts.withTelemetry {
		db, err := sql.Open("sqlite", cfg.Storage.TelemetryPath+"?_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			return nil, errors.StoreError("cannot open telemetry store", err)
		}
		a.telemetryDB = db
		store, err := telemetry.NewSQLiteMetricsStore(db)
		if err != nil {
			_ = db.Close()
			a.telemetryDB = nil
			return nil, err
		}
		a.metrics = telemetry.NewMetrics(store)
		a.closers = append(a.closers, a.metrics.Close, db.Close)
	}

	fetcher := embed.NewFetcher(
		embed.WithFetchTimeout(time.Duration(cfg.Embedding.FetchTimeoutSeconds)*time.Second),
		embed.WithMaxImageBytes(cfg.Embedding.ImageMaxBytes))

	pipeOpts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithPhotosDir(cfg.Storage.PhotosDir),
		pipeline.WithFetcher(fetcher),
	}
	if a.metrics != nil {
		pipeOpts = append(pipeOpts, pipeline.WithRecorder(a.metrics))
	}
	if len(cfg.Pipeline.AdminPrincipals) > 0 {
		pipeOpts = append(pipeOpts, pipeline.WithRoles(newAdminSet(cfg.Pipeline.AdminPrincipals)))
	}
	p, err := pipeline.New(emb, engine, a.sessions, cfg.Pipeline, pipeOpts...)
	if err != nil {
		return nil, err
	}
	a.pipeline = p

	fbStore, err := feedback.NewStore(cfg.Storage.FeedbackPath, logger)
	if err != nil {
		return nil, err
	}
	a.fbStore = fbStore
	a.closers = append(a.closers, fbStore.Close)

	aggOpts := []feedback.AggregatorOption{
		feedback.WithAggregatorLogger(logger),
		feedback.WithRetrainThreshold(cfg.Training.MinExamplesAuto),
	}
	if opts.withNameIndex {
		names, err := textindex.NewIndex(cfg.Storage.TextIndexPath, logger)
		if err != nil {
			return nil, err
		}
		a.names = names
		a.closers = append(a.closers, names.Close)
		aggOpts = append(aggOpts, feedback.WithItemResolver(names))
	}
	agg, err := feedback.NewAggregator(fbStore, a.sessions, cat, aggOpts...)
	if err != nil {
		return nil, err
	}
	a.agg = agg

	a.runner = async.NewRunner(cfg.DataDir, async.WithLogger(logger))
	a.closers = append(a.closers, func() error { a.runner.Stop(); return nil })

	trainerOpts := []training.TrainerOption{
		training.WithTrainerLogger(logger),
		training.WithProgress(a.runner.Report),
	}
	if a.hnsw != nil {
		trainerOpts = append(trainerOpts, training.WithReindexer(a.hnsw))
	}
	trainer, err := training.NewTrainer(fbStore, cat, reg, emb, trainerOpts...)
	if err != nil {
		return nil, err
	}
	a.trainer = trainer

	ok = true
	return a, nil
}

// Close releases components in reverse wiring order.
func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// activeAdapter materializes the registry's active model as an embed
// adapter. The base version is the identity map; any other version is an
// on-disk artifact.
// adminSet resolves the admin role from the configured principal list.
type adminSet map[string]struct{}

func newAdminSet(ids []string) adminSet {
	s := make(adminSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s adminSet) IsAdmin(userID string) bool {
	_, ok := s[userID]
	return ok
}

func activeAdapter(reg *registry.Registry, dim int) (*embed.Adapter, error) {
	artifact, err := reg.Active()
	if err != nil {
		return nil, err
	}
	return adapterFromArtifact(artifact, dim)
}

func adapterFromArtifact(artifact *registry.Artifact, dim int) (*embed.Adapter, error) {
	if artifact.Version == registry.BaseVersion {
		a := embed.IdentityAdapter(dim)
		a.Version = registry.BaseVersion
		return a, nil
	}
	data, err := os.ReadFile(artifact.Path)
	if err != nil {
		return nil, errors.StoreError("cannot read model artifact "+artifact.Version, err)
	}
	a, err := embed.UnmarshalAdapter(data)
	if err != nil {
		return nil, err
	}
	a.Version = artifact.Version
	if a.Dim != dim {
		return nil, errors.New(errors.ErrCodeInvalidArgument,
			fmt.Sprintf("artifact %s has dimension %d, backbone expects %d",
				artifact.Version, a.Dim, dim), nil)
	}
	return a, nil
}
