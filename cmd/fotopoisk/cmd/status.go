package cmd

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"fotopoisk/internal/config"
	"fotopoisk/internal/ui"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show catalog, model, and feedback overview",
		Long:  `Display the service overview: catalog size, active model, pending feedback, and storage usage.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func runStatus(cmd *cobra.Command, jsonOutput bool) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	info := collectStatus(ctx, a, cfg)

	renderer := ui.NewStatusRenderer(cmd.OutOrStdout(), ui.DetectNoColor())
	if jsonOutput {
		return renderer.RenderJSON(info)
	}
	return renderer.Render(info)
}

// collectStatus gathers the overview. Failures of individual probes leave
// their fields zero rather than failing the whole status.
func collectStatus(ctx context.Context, a *app, cfg *config.Config) ui.StatusInfo {
	info := ui.StatusInfo{
		DataDir:         cfg.DataDir,
		VectorDim:       cfg.Embedding.Dim,
		EmbedderBackend: cfg.Embedding.Provider,
		EmbedderStatus:  "offline",
	}

	if a.embedder.Available(ctx) {
		info.EmbedderStatus = "ready"
	}

	if n, err := a.catalog.Count(ctx); err == nil {
		info.CatalogItems = n
	}
	if deps, err := a.catalog.Departments(ctx); err == nil {
		info.Departments = len(deps)
	}

	if active, err := a.registry.Active(); err == nil {
		info.ActiveModel = active.Version
		info.ModelOrigin = active.Origin
	}
	if backups, err := a.registry.List("backup"); err == nil {
		info.Backups = len(backups)
	}

	if stats, err := a.fbStore.Stats(ctx); err == nil {
		info.FeedbackExamples = stats.TotalExamples
		info.FeedbackPending = stats.Unconsumed
		if stats.LastSession != nil {
			info.LastTrained = stats.LastSession.StartedAt
		}
	}

	info.CatalogSize = fileSize(cfg.Storage.CatalogPath)
	info.FeedbackSize = fileSize(cfg.Storage.FeedbackPath)
	info.ModelsSize = dirSize(cfg.Models.Dir)
	info.TotalSize = info.CatalogSize + info.FeedbackSize + info.ModelsSize

	return info
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}
