package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"fotopoisk/internal/preflight"
)

func newDoctorCmd() *cobra.Command {
	var (
		verbose    bool
		jsonOutput bool
		offline    bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check system requirements and diagnose issues",
		Long: `Run diagnostics against the current configuration.

Checks:
  - Configuration validity
  - Data directory write permission, disk space, file descriptors
  - Catalog and feedback store integrity
  - Model registry: active pointer resolves to a readable artifact
  - Embedding backend availability (sidecar health / ONNX artifacts)
  - onnxruntime shared library loadability (when provider is onnx)

Store corruption and an unresolvable active model are boot-fatal; the
other failures are warnings.`,
		Example: `  # Run diagnostics
  fotopoisk doctor

  # Verbose, skipping network probes
  fotopoisk doctor --verbose --offline`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd, verbose, jsonOutput, offline)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed diagnostic info")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&offline, "offline", false, "Skip checks that need the network")

	return cmd
}

func runDoctor(cmd *cobra.Command, verbose, jsonOutput, offline bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := setupLogging(cfg); err != nil {
		return err
	}

	checker := preflight.New(
		preflight.WithOffline(offline),
		preflight.WithVerbose(verbose),
		preflight.WithOutput(cmd.OutOrStdout()),
	)
	results := checker.RunAll(cmd.Context(), cfg)

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		checker.PrintResults(results)
	}

	// A clean run refreshes the marker so serve skips the checks.
	if !checker.HasCriticalFailures(results) {
		_ = preflight.MarkPassed(cfg.DataDir)
		return nil
	}
	return fmt.Errorf("critical checks failed")
}
