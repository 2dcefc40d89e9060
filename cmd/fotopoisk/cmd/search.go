package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fotopoisk/internal/embed"
	"fotopoisk/internal/retrieval"
)

func newSearchCmd() *cobra.Command {
	var (
		department string
		topK       int
		aggressive bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "search <image>",
		Short: "Search the catalog for products similar to a photo",
		Long: `Embed a photo and rank catalog products by visual similarity.

The image may be a local file path or an HTTP(S) URL. Results below the
configured similarity floor are not shown; an empty result means nothing
in the catalog is in the ballpark, not an error.`,
		Example: `  # Search with a local photo
  fotopoisk search ./drill.jpg

  # Restrict to one department, return 10 results as JSON
  fotopoisk search https://example.com/p.jpg --department ИНСТРУМЕНТЫ --top 10 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, args[0], department, topK, aggressive, jsonOutput)
		},
	}

	cmd.Flags().StringVarP(&department, "department", "d", "", "Restrict to one department (default all)")
	cmd.Flags().IntVarP(&topK, "top", "n", 0, "Max results (default from config)")
	cmd.Flags().BoolVar(&aggressive, "aggressive", false, "Skip similarity thresholds (diagnostic)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// searchOutput is the JSON shape of a one-shot search.
type searchOutput struct {
	Query        string             `json:"query"`
	Department   string             `json:"department,omitempty"`
	ModelVersion string             `json:"model_version"`
	Results      []retrieval.Result `json:"results"`
}

func runSearch(cmd *cobra.Command, image, department string, topK int, aggressive, jsonOutput bool) error {
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

	src := embed.FromPath(image)
	if strings.HasPrefix(image, "http://") || strings.HasPrefix(image, "https://") {
		src = embed.FromURL(image)
	}

	query, err := a.embedder.EmbedImage(ctx, src)
	if err != nil {
		return err
	}

	if topK <= 0 {
		topK = a.engine.TopK()
	}
	results, err := a.engine.Search(ctx, query, department, topK, retrieval.Options{
		StabilityPasses: cfg.Search.StabilityPasses,
		Aggressive:      aggressive || cfg.Search.Aggressive,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(searchOutput{
			Query:        image,
			Department:   department,
			ModelVersion: a.embedder.ModelVersion(),
			Results:      results,
		})
	}

	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "No similar products found. Try another angle or better lighting.")
		return nil
	}
	fmt.Fprintf(out, "Found %d similar product(s) (model %s):\n\n", len(results), a.embedder.ModelVersion())
	for i, r := range results {
		fmt.Fprintf(out, "%2d. %-12s %5.1f%%  %s\n", i+1, r.ItemID, r.Similarity*100, r.Name)
		if r.Department != "" {
			fmt.Fprintf(out, "    department: %s\n", r.Department)
		}
		if r.URL != "" {
			fmt.Fprintf(out, "    %s\n", r.URL)
		}
	}
	return nil
}
