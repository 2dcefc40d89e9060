// Package cmd provides the CLI commands for fotopoisk.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"fotopoisk/internal/config"
	"fotopoisk/internal/logging"
	"fotopoisk/internal/profiling"
	"fotopoisk/pkg/version"
)

// Profiling flags.
var (
	profileCPU   string
	profileTrace string
	profileMem   string
	profiler     = profiling.NewProfiler()
	cpuCleanup   func()
	traceCleanup func()
)

// Global flags.
var (
	configPath     string
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the fotopoisk CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fotopoisk",
		Short: "Photo search over a hardware catalog",
		Long: `Fotopoisk finds catalog products that look like a photo.

It embeds images with a CLIP backbone, searches the catalog by cosine
similarity, and learns from user feedback: verdicts become labeled
examples, and 'fotopoisk train' fine-tunes the similarity model on them.

Run 'fotopoisk serve' to start the HTTP service, or use the one-shot
commands (search, import, train) directly against the local stores.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("fotopoisk version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.fotopoisk/config.yaml)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&profileCPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileMem, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profileTrace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startProfilingAndLogging
	cmd.PersistentPostRunE = stopProfilingAndLogging

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newImportCmd())
	cmd.AddCommand(newTrainCmd())
	cmd.AddCommand(newReembedCmd())
	cmd.AddCommand(newModelsCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadConfig builds the effective configuration for a command run.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debugMode {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// setupLogging initializes slog from the configuration and installs the
// result as the default logger. The caller owns the returned cleanup via
// stopProfilingAndLogging.
func setupLogging(cfg *config.Config) (*slog.Logger, error) {
	logger, cleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.FilePath,
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: cfg.Logging.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	return logger, nil
}

// startProfilingAndLogging starts CPU/trace profiling if requested.
func startProfilingAndLogging(_ *cobra.Command, _ []string) error {
	var err error
	if profileCPU != "" {
		cpuCleanup, err = profiler.StartCPU(profileCPU)
		if err != nil {
			return fmt.Errorf("failed to start CPU profile: %w", err)
		}
	}
	if profileTrace != "" {
		traceCleanup, err = profiler.StartTrace(profileTrace)
		if err != nil {
			if cpuCleanup != nil {
				cpuCleanup()
			}
			return fmt.Errorf("failed to start trace: %w", err)
		}
	}
	return nil
}

// stopProfilingAndLogging flushes profiles and closes the log file.
func stopProfilingAndLogging(_ *cobra.Command, _ []string) error {
	if cpuCleanup != nil {
		cpuCleanup()
		cpuCleanup = nil
	}
	if traceCleanup != nil {
		traceCleanup()
		traceCleanup = nil
	}
	if profileMem != "" {
		if err := profiler.WriteHeap(profileMem); err != nil {
			return fmt.Errorf("failed to write memory profile: %w", err)
		}
	}
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
