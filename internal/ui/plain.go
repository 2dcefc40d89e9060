package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// PlainRenderer outputs plain text progress (for CI/pipes).
type PlainRenderer struct {
	mu          sync.Mutex
	out         io.Writer
	noColor     bool
	stage       Stage
	lastPercent int
	errors      []ErrorEvent
}

// NewPlainRenderer creates a plain text renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{
		out:         cfg.Output,
		noColor:     cfg.NoColor,
		lastPercent: -1,
	}
}

// Start implements Renderer.
func (r *PlainRenderer) Start(ctx context.Context) error {
	return nil
}

// UpdateProgress implements Renderer. Counted stages print at most one line
// per whole percent so a large feed does not flood CI logs.
func (r *PlainRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.Stage != r.stage {
		r.stage = event.Stage
		r.lastPercent = -1
	}

	msg := event.Message
	if msg == "" {
		msg = event.CurrentItem
	}

	if event.Total <= 0 {
		if msg != "" {
			_, _ = fmt.Fprintf(r.out, "[%s] %s\n", event.Stage.Icon(), msg)
		}
		return
	}

	percent := event.Current * 100 / event.Total
	if percent <= r.lastPercent {
		return
	}
	r.lastPercent = percent

	if msg != "" {
		_, _ = fmt.Fprintf(r.out, "[%s] %d/%d - %s\n", event.Stage.Icon(), event.Current, event.Total, msg)
	} else {
		_, _ = fmt.Fprintf(r.out, "[%s] %d/%d\n", event.Stage.Icon(), event.Current, event.Total)
	}
}

// AddError implements Renderer.
func (r *PlainRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errors = append(r.errors, event)

	prefix := "ERROR"
	if event.IsWarn {
		prefix = "WARN"
	}

	if event.Item != "" {
		_, _ = fmt.Fprintf(r.out, "%s: %s: %v\n", prefix, event.Item, event.Err)
	} else {
		_, _ = fmt.Fprintf(r.out, "%s: %v\n", prefix, event.Err)
	}
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, _ = fmt.Fprintf(r.out, "Complete: %d items, %d vectors in %s",
		stats.Items, stats.Vectors, stats.Duration.Round(100*time.Millisecond))

	if stats.Errors > 0 || stats.Warnings > 0 {
		_, _ = fmt.Fprintf(r.out, " (%d errors, %d warnings)", stats.Errors, stats.Warnings)
	}

	_, _ = fmt.Fprintln(r.out)

	r.printStageBreakdown(stats)

	if stats.Embedder.Backend != "" {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintf(r.out, "Backend: %s (%s, %d dims)\n",
			stats.Embedder.Backend, stats.Embedder.Model, stats.Embedder.Dimensions)
	}
}

func (r *PlainRenderer) printStageBreakdown(stats CompletionStats) {
	s := stats.Stages
	if s.Load <= 0 && s.Train <= 0 && s.Embed <= 0 && s.Index <= 0 && s.Promote <= 0 {
		return
	}

	_, _ = fmt.Fprintln(r.out)
	_, _ = fmt.Fprintln(r.out, "Stage Breakdown:")
	if s.Load > 0 {
		_, _ = fmt.Fprintf(r.out, "  Load:    %s (feed parsed)\n", s.Load.Round(100*time.Millisecond))
	}
	if s.Train > 0 {
		_, _ = fmt.Fprintf(r.out, "  Train:   %s (adapter epochs)\n", s.Train.Round(100*time.Millisecond))
	}
	if s.Embed > 0 {
		if stats.Vectors > 0 {
			perSec := float64(stats.Vectors) / s.Embed.Seconds()
			_, _ = fmt.Fprintf(r.out, "  Embed:   %s (%d vectors @ %.1f/sec)\n",
				s.Embed.Round(100*time.Millisecond), stats.Vectors, perSec)
		} else {
			_, _ = fmt.Fprintf(r.out, "  Embed:   %s\n", s.Embed.Round(100*time.Millisecond))
		}
	}
	if s.Index > 0 {
		_, _ = fmt.Fprintf(r.out, "  Index:   %s (vector graph)\n", s.Index.Round(100*time.Millisecond))
	}
	if s.Promote > 0 {
		_, _ = fmt.Fprintf(r.out, "  Promote: %s (model swap)\n", s.Promote.Round(100*time.Millisecond))
	}
}

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error {
	return nil
}

var _ Renderer = (*PlainRenderer)(nil)
