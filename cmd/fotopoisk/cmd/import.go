package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fotopoisk/internal/catalog"
	"fotopoisk/internal/ui"
)

func newImportCmd() *cobra.Command {
	var (
		workers int
		plain   bool
	)

	cmd := &cobra.Command{
		Use:   "import <feed>",
		Short: "Import a product feed into the catalog",
		Long: `Import products from a CSV or JSONL feed.

Each row is embedded (image fused with the product name) and written to
the catalog together with its backbone-space base vector, so later
re-embedding after a model promotion needs no image refetch. Rows whose
image cannot be fetched are skipped and reported.`,
		Example: `  # Import a CSV feed
  fotopoisk import products.csv

  # JSONL feed with 8 embedding workers, plain output for CI
  fotopoisk import products.jsonl --workers 8 --plain`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, args[0], workers, plain)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "Parallel embedding workers (0 = auto)")
	cmd.Flags().BoolVar(&plain, "plain", false, "Plain line output instead of the TTY display")

	return cmd
}

func runImport(cmd *cobra.Command, feedPath string, workers int, plain bool) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, logger, appOptions{withNameIndex: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	renderer := ui.NewRenderer(ui.NewConfig(cmd.OutOrStdout(),
		ui.WithForcePlain(plain),
		ui.WithJob("import"),
		ui.WithStages(ui.CatalogStages())))
	if err := renderer.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = renderer.Stop() }()

	importerOpts := []catalog.ImporterOption{catalog.WithImportLogger(logger)}
	if workers > 0 {
		importerOpts = append(importerOpts, catalog.WithImportWorkers(workers))
	}
	importer := catalog.NewImporter(a.catalog, a.embedder, importerOpts...)

	start := time.Now()
	report, err := importer.Run(ctx, feedPath, ui.StageProgress(renderer, ui.StageEmbedding))
	if err != nil {
		return err
	}

	// The name index resolves free-text feedback; rebuild it from the rows
	// that just landed.
	indexed, err := a.names.Rebuild(ctx, a.catalog)
	if err != nil {
		logger.Warn("name_index_rebuild_failed", "error", err)
	}
	if a.hnsw != nil {
		if _, err := a.hnsw.Rebuild(ctx, a.catalog); err != nil {
			logger.Warn("hnsw_rebuild_failed", "error", err)
		}
	}

	renderer.Complete(ui.CompletionStats{
		Items:    report.Imported,
		Vectors:  report.Imported,
		Duration: time.Since(start),
		Errors:   report.Failed,
		Warnings: report.Skipped,
		Embedder: ui.EmbedderInfo{
			Backend:    cfg.Embedding.Provider,
			Model:      a.embedder.ModelVersion(),
			Dimensions: a.embedder.Dimensions(),
		},
	})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Imported %d of %d products (%d skipped, %d failed), %d names indexed.\n",
		report.Imported, report.Total, report.Skipped, report.Failed, indexed)
	for _, e := range report.Errors {
		fmt.Fprintf(out, "  ! %s\n", e)
	}
	if report.Failed > 0 && len(report.Errors) < report.Failed {
		fmt.Fprintf(out, "  (%d more errors in the log)\n", report.Failed-len(report.Errors))
	}
	return nil
}
