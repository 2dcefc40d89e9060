package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fotopoisk/internal/async"
	"fotopoisk/internal/lifecycle"
	"fotopoisk/internal/preflight"
	"fotopoisk/internal/registry"
	"fotopoisk/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		addr         string
		skipCheck    bool
		startSidecar bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP search service",
		Long: `Start the fotopoisk HTTP service.

The service exposes photo search and feedback for clients and the
training / model lifecycle for operators. It shuts down gracefully on
SIGINT/SIGTERM, draining in-flight requests and flushing the stores.`,
		Example: `  # Serve on the configured address
  fotopoisk serve

  # Override the listen address and start the CLIP sidecar
  fotopoisk serve --addr :9090 --start-sidecar`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, addr, skipCheck, startSidecar)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	cmd.Flags().BoolVar(&skipCheck, "skip-check", false, "Skip first-boot system checks")
	cmd.Flags().BoolVar(&startSidecar, "start-sidecar", false, "Start the CLIP sidecar if it is not running")

	return cmd
}

func runServe(cmd *cobra.Command, addr string, skipCheck, startSidecar bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}

	// First boot runs the full preflight; later boots trust the marker.
	if !skipCheck && preflight.NeedsCheck(cfg.DataDir) {
		checker := preflight.New(preflight.WithOutput(cmd.ErrOrStderr()))
		results := checker.RunAll(ctx, cfg)
		if checker.HasCriticalFailures(results) {
			return fmt.Errorf("system check failed, run 'fotopoisk doctor' for details")
		}
		if err := preflight.MarkPassed(cfg.DataDir); err != nil {
			logger.Debug("preflight_marker_failed", "error", err)
		}
	}

	if startSidecar && cfg.Embedding.Provider == "clipserver" {
		manager := lifecycle.NewSidecarManager(cfg.Embedding.Endpoint, cfg.Embedding.SidecarCommand)
		if err := manager.EnsureReady(ctx, lifecycle.EnsureOpts{Stderr: cmd.ErrOrStderr()}); err != nil {
			return fmt.Errorf("clip sidecar not ready: %w", err)
		}
		defer manager.Release()
	}

	if async.HasStaleLock(cfg.DataDir) {
		logger.Warn("stale_job_lock",
			"hint", "a training or re-embed job did not finish; run 'fotopoisk reembed' to reconcile the catalog")
	}

	a, err := buildApp(ctx, cfg, logger, appOptions{withTelemetry: true, withNameIndex: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	// Keep the name index in step with the catalog. A fresh index after an
	// out-of-band import would otherwise resolve nothing.
	if n, _ := a.names.Count(); n == 0 {
		if indexed, err := a.names.Rebuild(ctx, a.catalog); err != nil {
			logger.Warn("name_index_rebuild_failed", "error", err)
		} else if indexed > 0 {
			logger.Info("name_index_rebuilt", "items", indexed)
		}
	}

	// Follow out-of-process promotions: another process swapping the
	// active pointer must reach this embedder too.
	watcher, err := registry.WatchActive(a.registry, registry.DefaultDebounce,
		func(artifact *registry.Artifact) {
			adapter, err := adapterFromArtifact(artifact, a.embedder.Dimensions())
			if err != nil {
				logger.Error("adapter_reload_failed", "version", artifact.Version, "error", err)
				return
			}
			a.embedder.SwapAdapter(adapter)
			logger.Info("adapter_reloaded", "version", artifact.Version)
		}, logger)
	if err != nil {
		logger.Warn("registry_watch_failed", "error", err)
	} else {
		defer func() { _ = watcher.Close() }()
	}

	srv, err := server.New(cfg, server.Deps{
		Pipeline: a.pipeline,
		Feedback: a.agg,
		Store:    a.fbStore,
		Catalog:  a.catalog,
		Trainer:  a.trainer,
		Registry: a.registry,
		Runner:   a.runner,
		Embedder: a.embedder,
		Metrics:  a.metrics,
	}, server.WithLogger(logger))
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
