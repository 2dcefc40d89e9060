// Package ui renders progress for long-running jobs (feed import, catalog
// re-embed, fine-tune) on a terminal or a plain writer.
package ui

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
)

// Stage represents one phase of a long-running job.
type Stage int

const (
	// StageLoading covers feed parsing and example collection.
	StageLoading Stage = iota
	// StageTraining is the adapter optimization loop.
	StageTraining
	// StageEmbedding is per-item vector generation.
	StageEmbedding
	// StageIndexing is the vector graph rebuild.
	StageIndexing
	// StagePromoting is the model registry swap.
	StagePromoting
	// StageComplete indicates the job has finished.
	StageComplete
)

// String returns the human-readable stage name.
func (s Stage) String() string {
	switch s {
	case StageLoading:
		return "Loading"
	case StageTraining:
		return "Training"
	case StageEmbedding:
		return "Embedding"
	case StageIndexing:
		return "Indexing"
	case StagePromoting:
		return "Promoting"
	case StageComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Icon returns the short stage tag for plain text output.
func (s Stage) Icon() string {
	switch s {
	case StageLoading:
		return "LOAD"
	case StageTraining:
		return "TRAIN"
	case StageEmbedding:
		return "EMBED"
	case StageIndexing:
		return "INDEX"
	case StagePromoting:
		return "PROMOTE"
	case StageComplete:
		return "DONE"
	default:
		return "???"
	}
}

// CatalogStages lists the ladder an import or re-embed run moves through.
func CatalogStages() []Stage {
	return []Stage{StageLoading, StageEmbedding, StageIndexing}
}

// TrainingStages lists the ladder a fine-tune run moves through.
func TrainingStages() []Stage {
	return []Stage{StageLoading, StageTraining, StageEmbedding, StageIndexing, StagePromoting}
}

// ProgressEvent represents a progress update within a stage.
type ProgressEvent struct {
	Stage       Stage
	Current     int
	Total       int
	CurrentItem string // item id or product name being processed
	Message     string
}

// ErrorEvent represents a failure or warning on one item.
type ErrorEvent struct {
	Item   string
	Err    error
	IsWarn bool
}

// StageTimings tracks how long each stage of a job took.
type StageTimings struct {
	Load    time.Duration // feed parsing, example collection
	Train   time.Duration // adapter epochs
	Embed   time.Duration // vector generation
	Index   time.Duration // vector graph rebuild
	Promote time.Duration // registry swap
}

// EmbedderInfo identifies the embedding backend a job ran against.
type EmbedderInfo struct {
	Backend    string // "onnx" or "static"
	Model      string // active model version, e.g. "v3"
	Dimensions int    // vector dimensions
}

// CompletionStats contains the final numbers for a finished job.
type CompletionStats struct {
	Items    int // products or examples processed
	Vectors  int // vectors written
	Duration time.Duration
	Errors   int
	Warnings int
	Stages   StageTimings
	Embedder EmbedderInfo
}

// Renderer defines the interface for progress display.
type Renderer interface {
	// Start initializes the renderer.
	Start(ctx context.Context) error

	// UpdateProgress updates the progress display.
	UpdateProgress(event ProgressEvent)

	// AddError adds an error or warning to the display.
	AddError(event ErrorEvent)

	// Complete marks the job as finished with a summary.
	Complete(stats CompletionStats)

	// Stop stops the renderer and cleans up.
	Stop() error
}

// StageProgress bridges the progress callbacks used by the catalog and
// training packages onto a renderer, one stage at a time.
func StageProgress(r Renderer, stage Stage) func(done, total int) {
	return func(done, total int) {
		r.UpdateProgress(ProgressEvent{Stage: stage, Current: done, Total: total})
	}
}

// Config configures the UI renderer.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool
	Job        string  // job title shown in the header, e.g. "Feed Import"
	Stages     []Stage // stage ladder shown by the TUI; CatalogStages when empty
}

// ConfigOption is a function that modifies Config.
type ConfigOption func(*Config)

// WithForcePlain forces plain text output.
func WithForcePlain(force bool) ConfigOption {
	return func(c *Config) {
		c.ForcePlain = force
	}
}

// WithNoColor disables color output.
func WithNoColor(noColor bool) ConfigOption {
	return func(c *Config) {
		c.NoColor = noColor
	}
}

// WithJob sets the job title shown in the header.
func WithJob(name string) ConfigOption {
	return func(c *Config) {
		c.Job = name
	}
}

// WithStages sets the stage ladder the TUI displays.
func WithStages(stages []Stage) ConfigOption {
	return func(c *Config) {
		c.Stages = stages
	}
}

// NewConfig creates a new Config with the given output and options.
func NewConfig(output io.Writer, opts ...ConfigOption) Config {
	cfg := Config{
		Output: output,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}

// NewRenderer creates an appropriate renderer based on config and
// environment. It returns a TUI renderer for interactive terminals and a
// plain text renderer for CI environments, pipes, or when plain output is
// requested.
func NewRenderer(cfg Config) Renderer {
	if cfg.ForcePlain {
		return NewPlainRenderer(cfg)
	}

	if !IsTTY(cfg.Output) {
		return NewPlainRenderer(cfg)
	}

	if DetectCI() {
		return NewPlainRenderer(cfg)
	}

	tui, err := NewTUIRenderer(cfg)
	if err != nil {
		return NewPlainRenderer(cfg)
	}

	return tui
}

// IsTTY checks if output is a terminal.
func IsTTY(w io.Writer) bool {
	if w == nil {
		return false
	}

	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	return false
}

// DetectNoColor checks if the NO_COLOR environment variable is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// DetectCI checks if running in a CI environment.
func DetectCI() bool {
	ciVars := []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"}
	for _, v := range ciVars {
		if _, exists := os.LookupEnv(v); exists {
			return true
		}
	}
	return false
}
