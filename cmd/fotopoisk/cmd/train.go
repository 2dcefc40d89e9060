package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fotopoisk/internal/training"
	"fotopoisk/internal/ui"
)

func newTrainCmd() *cobra.Command {
	var (
		minExamples int
		epochs      int
		batchSize   int
		plain       bool
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fine-tune the similarity model on collected feedback",
		Long: `Run a fine-tuning session over the unconsumed feedback examples.

The run backs up the active model, optimizes the adapter on contrastive
pairs built from user verdicts, registers the new version, re-embeds the
catalog into its space, and promotes it. Queries keep using the previous
model until the catalog has moved, so query and catalog vectors never
mix spaces. A failed run leaves the previous model active.`,
		Example: `  # Train with the configured manual minimum
  fotopoisk train

  # Require at least 100 examples and run 5 epochs
  fotopoisk train --min-examples 100 --epochs 5`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTrain(cmd, minExamples, epochs, batchSize, plain)
		},
	}

	cmd.Flags().IntVar(&minExamples, "min-examples", 0, "Minimum unconsumed examples (default from config)")
	cmd.Flags().IntVar(&epochs, "epochs", 0, "Training epochs (default from config)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Mini-batch size (default from config)")
	cmd.Flags().BoolVar(&plain, "plain", false, "Plain line output instead of the TTY display")

	return cmd
}

func runTrain(cmd *cobra.Command, minExamples, epochs, batchSize int, plain bool) error {
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
		ui.WithJob("train"),
		ui.WithStages(ui.TrainingStages())))
	if err := renderer.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = renderer.Stop() }()

	hp := training.HyperparamsFromConfig(cfg.Training)
	if minExamples > 0 {
		hp.MinExamples = minExamples
	}
	if epochs > 0 {
		hp.Epochs = epochs
	}
	if batchSize > 0 {
		hp.BatchSize = batchSize
	}

	// Route trainer progress through the renderer; the trainer reports
	// the same stage vocabulary the training ladder displays.
	trainer, err := training.NewTrainer(a.fbStore, a.catalog, a.registry, a.embedder,
		training.WithTrainerLogger(logger),
		training.WithProgress(trainerProgress(renderer)))
	if err != nil {
		return err
	}

	result, err := trainer.FineTune(ctx, hp)
	if err != nil {
		return err
	}

	renderer.Complete(ui.CompletionStats{
		Items:    result.Examples,
		Vectors:  result.Reembedded,
		Duration: result.Duration,
		Embedder: ui.EmbedderInfo{
			Backend:    cfg.Embedding.Provider,
			Model:      result.Version,
			Dimensions: a.embedder.Dimensions(),
		},
	})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Training complete: model %s is active (session %d).\n", result.Version, result.SessionID)
	fmt.Fprintf(out, "  examples:  %d (%d positive, %d negative)\n", result.Examples, result.Positives, result.Negatives)
	fmt.Fprintf(out, "  accuracy:  %.1f%% -> %.1f%%\n", result.AccuracyBefore*100, result.AccuracyAfter*100)
	fmt.Fprintf(out, "  re-embedded: %d catalog items in %s\n", result.Reembedded, result.Duration.Round(time.Millisecond))
	return nil
}

// trainerProgress maps trainer stage names onto the display ladder.
func trainerProgress(r ui.Renderer) training.Progress {
	stages := map[string]ui.Stage{
		training.StageLoading:   ui.StageLoading,
		training.StageTraining:  ui.StageTraining,
		training.StageEmbedding: ui.StageEmbedding,
		training.StageIndexing:  ui.StageIndexing,
		training.StagePromoting: ui.StagePromoting,
	}
	return func(stage string, done, total int) {
		s, okStage := stages[stage]
		if !okStage {
			return
		}
		r.UpdateProgress(ui.ProgressEvent{Stage: s, Current: done, Total: total})
	}
}
