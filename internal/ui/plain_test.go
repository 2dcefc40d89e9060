package ui

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainRenderer_UpdateProgress_OutputFormat(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: updating progress
	r.UpdateProgress(ProgressEvent{
		Stage:       StageEmbedding,
		Current:     50,
		Total:       100,
		CurrentItem: "38291 Дрель ударная",
	})

	// Then: output is correctly formatted
	output := buf.String()
	assert.Contains(t, output, "[EMBED]")
	assert.Contains(t, output, "50/100")
	assert.Contains(t, output, "38291 Дрель ударная")
}

func TestPlainRenderer_UpdateProgress_ThrottlesToWholePercents(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: a large feed reports every single item
	for i := 1; i <= 10000; i++ {
		r.UpdateProgress(ProgressEvent{
			Stage:   StageEmbedding,
			Current: i,
			Total:   10000,
		})
	}

	// Then: at most one line per whole percent reaches the log
	lines := strings.Count(buf.String(), "\n")
	assert.LessOrEqual(t, lines, 101)
	assert.Contains(t, buf.String(), "10000/10000")
}

func TestPlainRenderer_UpdateProgress_StageChangeResetsThrottle(t *testing.T) {
	// Given: a renderer that finished one stage
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))
	r.UpdateProgress(ProgressEvent{Stage: StageLoading, Current: 100, Total: 100})

	// When: the next stage starts from a low percentage
	r.UpdateProgress(ProgressEvent{Stage: StageEmbedding, Current: 1, Total: 100})

	// Then: the first line of the new stage prints
	output := buf.String()
	assert.Contains(t, output, "[LOAD] 100/100")
	assert.Contains(t, output, "[EMBED] 1/100")
}

func TestPlainRenderer_UpdateProgress_NoANSICodes(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: rendering progress through all stages
	stages := []Stage{StageLoading, StageTraining, StageEmbedding, StageIndexing, StagePromoting, StageComplete}
	for _, stage := range stages {
		r.UpdateProgress(ProgressEvent{
			Stage:   stage,
			Current: 50,
			Total:   100,
			Message: "Processing...",
		})
	}

	// Then: output contains no ANSI escape codes
	output := buf.String()
	assert.NotContains(t, output, "\x1b[", "should not contain ANSI escape codes")
	assert.NotContains(t, output, "\033[", "should not contain ANSI escape codes")
}

func TestPlainRenderer_UpdateProgress_WithMessage(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: updating with message instead of item
	r.UpdateProgress(ProgressEvent{
		Stage:   StageTraining,
		Current: 2,
		Total:   3,
		Message: "epoch 2/3: loss 0.41",
	})

	// Then: message is shown
	output := buf.String()
	assert.Contains(t, output, "[TRAIN]")
	assert.Contains(t, output, "epoch 2/3: loss 0.41")
}

func TestPlainRenderer_UpdateProgress_ZeroTotal(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: updating with zero total (unknown count)
	r.UpdateProgress(ProgressEvent{
		Stage:   StageLoading,
		Total:   0,
		Message: "Parsing feed...",
	})

	// Then: shows message without count
	output := buf.String()
	assert.Contains(t, output, "[LOAD]")
	assert.Contains(t, output, "Parsing feed...")
	assert.NotContains(t, output, "0/0")
}

func TestPlainRenderer_AddError_Error(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: adding an error
	r.AddError(ErrorEvent{
		Item:   "38291",
		Err:    errors.New("image fetch failed"),
		IsWarn: false,
	})

	// Then: error is formatted correctly
	output := buf.String()
	assert.Contains(t, output, "ERROR:")
	assert.Contains(t, output, "38291")
	assert.Contains(t, output, "image fetch failed")
}

func TestPlainRenderer_AddError_Warning(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: adding a warning
	r.AddError(ErrorEvent{
		Item:   "40117",
		Err:    errors.New("image larger than cap, downscaled"),
		IsWarn: true,
	})

	// Then: warning is formatted correctly
	output := buf.String()
	assert.Contains(t, output, "WARN:")
	assert.Contains(t, output, "40117")
	assert.Contains(t, output, "downscaled")
}

func TestPlainRenderer_AddError_NoItem(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: adding error without item
	r.AddError(ErrorEvent{
		Err:    errors.New("connection failed"),
		IsWarn: false,
	})

	// Then: error shows without item prefix
	output := buf.String()
	assert.Contains(t, output, "ERROR:")
	assert.Contains(t, output, "connection failed")
}

func TestPlainRenderer_Complete_Basic(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: completing
	r.Complete(CompletionStats{
		Items:    1200,
		Vectors:  1200,
		Duration: 5 * time.Second,
		Errors:   0,
		Warnings: 0,
	})

	// Then: summary is shown
	output := buf.String()
	assert.Contains(t, output, "Complete:")
	assert.Contains(t, output, "1200 items")
	assert.Contains(t, output, "1200 vectors")
	assert.Contains(t, output, "5s")
}

func TestPlainRenderer_Complete_WithErrors(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: completing with errors
	r.Complete(CompletionStats{
		Items:    95,
		Vectors:  95,
		Duration: 10 * time.Second,
		Errors:   3,
		Warnings: 2,
	})

	// Then: error summary is included
	output := buf.String()
	assert.Contains(t, output, "Complete:")
	assert.Contains(t, output, "95 items")
	assert.Contains(t, output, "3 errors")
	assert.Contains(t, output, "2 warnings")
}

func TestPlainRenderer_Complete_StageBreakdown(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: completing a training run with per-stage timings
	r.Complete(CompletionStats{
		Items:    154,
		Vectors:  1200,
		Duration: 3 * time.Minute,
		Stages: StageTimings{
			Load:    2 * time.Second,
			Train:   45 * time.Second,
			Embed:   2 * time.Minute,
			Index:   5 * time.Second,
			Promote: 300 * time.Millisecond,
		},
		Embedder: EmbedderInfo{Backend: "onnx", Model: "v3", Dimensions: 512},
	})

	// Then: every timed stage appears with its note
	output := buf.String()
	assert.Contains(t, output, "Stage Breakdown:")
	assert.Contains(t, output, "Load:")
	assert.Contains(t, output, "adapter epochs")
	assert.Contains(t, output, "vectors @")
	assert.Contains(t, output, "vector graph")
	assert.Contains(t, output, "model swap")
	assert.Contains(t, output, "Backend: onnx (v3, 512 dims)")
}

func TestPlainRenderer_Complete_SkipsUnusedStages(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: completing an import (no training, no promote)
	r.Complete(CompletionStats{
		Items:   1200,
		Vectors: 1200,
		Stages: StageTimings{
			Load:  time.Second,
			Embed: time.Minute,
			Index: 2 * time.Second,
		},
	})

	// Then: only the stages that ran are listed
	output := buf.String()
	assert.Contains(t, output, "Load:")
	assert.Contains(t, output, "Embed:")
	assert.Contains(t, output, "Index:")
	assert.NotContains(t, output, "Train:")
	assert.NotContains(t, output, "Promote:")
}

func TestPlainRenderer_Complete_NoANSICodes(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: completing
	r.Complete(CompletionStats{
		Items:    100,
		Vectors:  100,
		Duration: 5 * time.Second,
		Errors:   2,
		Warnings: 1,
	})

	// Then: no ANSI codes in output
	output := buf.String()
	assert.NotContains(t, output, "\x1b[")
	assert.NotContains(t, output, "\033[")
}

func TestPlainRenderer_StartStop(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: starting and stopping
	ctx := context.Background()
	err := r.Start(ctx)
	require.NoError(t, err)

	err = r.Stop()
	require.NoError(t, err)
}

func TestPlainRenderer_ThreadSafe(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: concurrent updates
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(n int) {
			r.UpdateProgress(ProgressEvent{
				Stage:   StageEmbedding,
				Current: n,
				Total:   100,
			})
			r.AddError(ErrorEvent{
				Item:   "38291",
				Err:    errors.New("test"),
				IsWarn: n%2 == 0,
			})
			done <- true
		}(i)
	}

	// Wait for all goroutines
	for i := 0; i < 10; i++ {
		<-done
	}

	// Then: no panic, output is written
	output := buf.String()
	assert.NotEmpty(t, output)
}

func TestPlainRenderer_AllStages(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: going through a full training ladder
	stages := []struct {
		stage Stage
		icon  string
	}{
		{StageLoading, "LOAD"},
		{StageTraining, "TRAIN"},
		{StageEmbedding, "EMBED"},
		{StageIndexing, "INDEX"},
		{StagePromoting, "PROMOTE"},
	}

	for _, s := range stages {
		r.UpdateProgress(ProgressEvent{
			Stage:   s.stage,
			Current: 50,
			Total:   100,
		})
	}

	// Then: all stage icons appear
	output := buf.String()
	for _, s := range stages {
		assert.Contains(t, output, "["+s.icon+"]")
	}
}
