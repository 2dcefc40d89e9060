package cmd

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"fotopoisk/internal/errors"
	"fotopoisk/internal/feedback"
	"fotopoisk/internal/telemetry"
)

func newStatsCmd() *cobra.Command {
	var (
		days       int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show serving and feedback statistics",
		Long: `Display serving telemetry and the feedback log summary.

Telemetry counts searches, empty results, feedback verdicts, errors by
kind, and the latency distribution, aggregated per day. The feedback
summary shows how many labeled examples await the next training run.`,
		Example: `  # Last week
  fotopoisk stats

  # Last 30 days, machine readable
  fotopoisk stats --days 30 --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStats(cmd, days, jsonOutput)
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Number of days to include")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// statsOutput is the JSON shape of the stats command.
type statsOutput struct {
	From     string              `json:"from"`
	To       string              `json:"to"`
	Serving  *telemetry.Snapshot `json:"serving"`
	Feedback *feedback.Stats     `json:"feedback"`
}

func runStats(cmd *cobra.Command, days int, jsonOutput bool) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}

	fbStore, err := feedback.NewStore(cfg.Storage.FeedbackPath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = fbStore.Close() }()

	fbStats, err := fbStore.Stats(ctx)
	if err != nil {
		return err
	}

	db, err := sql.Open("sqlite", cfg.Storage.TelemetryPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return errors.StoreError("cannot open telemetry store", err)
	}
	defer func() { _ = db.Close() }()
	store, err := telemetry.NewSQLiteMetricsStore(db)
	if err != nil {
		return err
	}
	metrics := telemetry.NewMetrics(store)
	defer func() { _ = metrics.Close() }()

	to := time.Now()
	from := to.AddDate(0, 0, -days)
	fromDate, toDate := from.Format("2006-01-02"), to.Format("2006-01-02")

	serving, err := metrics.History(fromDate, toDate)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(statsOutput{
			From:     fromDate,
			To:       toDate,
			Serving:  serving,
			Feedback: fbStats,
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Serving (%s .. %s)\n", fromDate, toDate)
	fmt.Fprintf(out, "  searches:       %d\n", serving.Searches)
	fmt.Fprintf(out, "  empty results:  %d (%.1f%%)\n", serving.EmptyResults, serving.EmptyRate()*100)
	fmt.Fprintf(out, "  repeat photos:  %d\n", serving.RepeatSearches)
	printCounts(out, "  feedback", serving.Feedback)
	printCounts(out, "  errors", serving.Errors)
	if len(serving.RecentEmpty) > 0 {
		fmt.Fprintf(out, "  recent empty-search photos: %d (assortment-gap candidates)\n", len(serving.RecentEmpty))
	}

	fmt.Fprintf(out, "\nFeedback log\n")
	fmt.Fprintf(out, "  examples:     %d total, %d pending training\n", fbStats.TotalExamples, fbStats.Unconsumed)
	fmt.Fprintf(out, "  verdicts:     %d correct, %d incorrect, %d new-item\n",
		fbStats.Correct, fbStats.Incorrect, fbStats.NewItem)
	fmt.Fprintf(out, "  annotations:  %d pending, %d approved\n",
		fbStats.PendingAnnotations, fbStats.ApprovedAnnotations)
	if s := fbStats.LastSession; s != nil {
		fmt.Fprintf(out, "  last training: %s -> model %s (accuracy %.1f%% -> %.1f%%)\n",
			s.StartedAt.Format("2006-01-02 15:04"), s.ModelVersion,
			s.AccuracyBefore*100, s.AccuracyAfter*100)
	}
	return nil
}

// printCounts writes a count map in deterministic key order.
func printCounts(out io.Writer, label string, counts map[string]int64) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(out, "%s:\n", label)
	for _, k := range keys {
		fmt.Fprintf(out, "    %s: %d\n", k, counts[k])
	}
}
