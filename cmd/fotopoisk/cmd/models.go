package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"fotopoisk/internal/registry"
	"fotopoisk/internal/ui"
)

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage model versions and backups",
		Long: `Inspect and manage the model registry.

Every fine-tune produces a versioned artifact; promotions and restores
always snapshot the outgoing model first, so any state is reachable
again. Restoring or promoting re-embeds the catalog into the target
model's space before queries switch to it.`,
	}

	cmd.AddCommand(newModelsListCmd())
	cmd.AddCommand(newModelsPromoteCmd())
	cmd.AddCommand(newModelsRestoreCmd())
	cmd.AddCommand(newModelsCleanupCmd())
	return cmd
}

func newModelsListCmd() *cobra.Command {
	var (
		origin     string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered model versions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runModelsList(cmd, origin, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&origin, "origin", "", "Filter by origin: base, fine_tuned, or backup")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// modelsListOutput is the JSON shape of the model listing.
type modelsListOutput struct {
	Active string               `json:"active"`
	Models []*registry.Artifact `json:"models"`
}

func runModelsList(cmd *cobra.Command, origin string, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}

	reg, err := registry.NewRegistry(cfg.Models.Dir, "", logger)
	if err != nil {
		return err
	}

	active, err := reg.Active()
	if err != nil {
		return err
	}
	artifacts, err := reg.List(origin)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(modelsListOutput{Active: active.Version, Models: artifacts})
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tORIGIN\tSIZE\tCREATED\tNOTE")
	for _, a := range artifacts {
		marker := ""
		if a.Version == active.Version {
			marker = " (active)"
		}
		fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\t%s\n",
			a.Version, marker, a.Origin, ui.FormatBytes(a.SizeBytes),
			a.CreatedAt.Format("2006-01-02 15:04"), a.Note)
	}
	return w.Flush()
}

func newModelsPromoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promote <version>",
		Short: "Activate a registered model version",
		Long: `Make a registered model version the active one.

The current model is snapshotted as a backup first, the catalog is
re-embedded into the target's space, and only then does the active
pointer move. 'base' names the pristine backbone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelSwitch(cmd, args[0], "Promoted")
		},
	}
	return cmd
}

func newModelsRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <version>",
		Short: "Restore a backed-up model version",
		Long: `Roll the service back to a backup.

Restore is always reversible: the outgoing model is snapshotted before
the swap, so a restore that turns out wrong can itself be restored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelSwitch(cmd, args[0], "Restored")
		},
	}
	return cmd
}

// runModelSwitch drives promote and restore. Both resolve to the same
// lifecycle: snapshot current, point at the target, move the catalog.
func runModelSwitch(cmd *cobra.Command, version, verb string) error {
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

	// Resolve before doing anything destructive so a typo is a clean
	// not-found instead of a half-run job.
	if version != registry.BaseVersion {
		if _, err := a.registry.Get(version); err != nil {
			return err
		}
	}

	if err := a.trainer.RestoreBackup(ctx, version); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s model %s; catalog re-embedded.\n", verb, version)
	return nil
}

func newModelsCleanupCmd() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old model backups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runModelsCleanup(cmd, keep)
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 0, "Backups to keep (default from config)")
	return cmd
}

func runModelsCleanup(cmd *cobra.Command, keep int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}

	a, err := buildApp(cmd.Context(), cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if keep <= 0 {
		keep = cfg.Models.BackupRetention
	}
	removed, err := a.trainer.CleanupBackups(keep)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(removed) == 0 {
		fmt.Fprintf(out, "Nothing to clean up; %d or fewer backups present.\n", keep)
		return nil
	}
	fmt.Fprintf(out, "Removed %d backup(s):\n", len(removed))
	for _, v := range removed {
		fmt.Fprintf(out, "  - %s\n", v)
	}
	return nil
}
