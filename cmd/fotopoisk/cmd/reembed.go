package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fotopoisk/internal/training"
	"fotopoisk/internal/ui"
)

func newReembedCmd() *cobra.Command {
	var plain bool

	cmd := &cobra.Command{
		Use:   "reembed",
		Short: "Re-embed the whole catalog under the active model",
		Long: `Recompute every catalog vector in the active model's space.

This is the catch-up job after a partial promotion or a stale-lock
recovery: it moves rows whose model_version lags the active model and
rebuilds the vector index. Items with cached base vectors are mapped
without refetching their images.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReembed(cmd, plain)
		},
	}

	cmd.Flags().BoolVar(&plain, "plain", false, "Plain line output instead of the TTY display")

	return cmd
}

func runReembed(cmd *cobra.Command, plain bool) error {
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

	renderer := ui.NewRenderer(ui.NewConfig(cmd.OutOrStdout(),
		ui.WithForcePlain(plain),
		ui.WithJob("reembed"),
		ui.WithStages([]ui.Stage{ui.StageEmbedding, ui.StageIndexing})))
	if err := renderer.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = renderer.Stop() }()

	trainerOpts := []training.TrainerOption{
		training.WithTrainerLogger(logger),
		training.WithProgress(trainerProgress(renderer)),
	}
	if a.hnsw != nil {
		trainerOpts = append(trainerOpts, training.WithReindexer(a.hnsw))
	}
	trainer, err := training.NewTrainer(a.fbStore, a.catalog, a.registry, a.embedder, trainerOpts...)
	if err != nil {
		return err
	}

	start := time.Now()
	count, err := trainer.Reembed(ctx)
	if err != nil {
		return err
	}

	renderer.Complete(ui.CompletionStats{
		Items:    count,
		Vectors:  count,
		Duration: time.Since(start),
		Embedder: ui.EmbedderInfo{
			Backend:    cfg.Embedding.Provider,
			Model:      a.embedder.ModelVersion(),
			Dimensions: a.embedder.Dimensions(),
		},
	})

	fmt.Fprintf(cmd.OutOrStdout(), "Re-embedded %d catalog items under model %s.\n",
		count, a.embedder.ModelVersion())
	return nil
}
