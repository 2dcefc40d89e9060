package async

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobProgress_StartsRunning(t *testing.T) {
	// Given/When: a fresh tracker
	p := NewJobProgress(KindTrain)

	// Then: it reports a running train job with no counts yet
	require.NotNil(t, p)
	assert.True(t, p.IsRunning())

	snap := p.Snapshot()
	assert.Equal(t, "train", snap.Kind)
	assert.Equal(t, "running", snap.Status)
	assert.Empty(t, snap.Stage)
	assert.Zero(t, snap.ProgressPct)
	assert.Empty(t, snap.ErrorMessage)
}

func TestJobProgress_UpdateTracksStageAndCounts(t *testing.T) {
	// Given: a running tracker
	p := NewJobProgress(KindReembed)

	// When: counts arrive
	p.Update("embedding", 25, 100)

	// Then: the snapshot carries stage, counts and percent
	snap := p.Snapshot()
	assert.Equal(t, "embedding", snap.Stage)
	assert.Equal(t, 25, snap.Done)
	assert.Equal(t, 100, snap.Total)
	assert.InDelta(t, 25.0, snap.ProgressPct, 0.001)
}

func TestJobProgress_MarkerStageHasNoPercent(t *testing.T) {
	// Given: a stage that reports no counts
	p := NewJobProgress(KindTrain)

	// When
	p.Update("promoting", 0, 0)

	// Then: percent stays zero instead of dividing by zero
	snap := p.Snapshot()
	assert.Equal(t, "promoting", snap.Stage)
	assert.Zero(t, snap.ProgressPct)
}

func TestJobProgress_SetError(t *testing.T) {
	// Given
	p := NewJobProgress(KindTrain)
	p.Update("training", 1, 3)

	// When
	p.SetError("optimizer diverged")

	// Then: terminal error state, stage preserved for diagnosis
	assert.False(t, p.IsRunning())
	snap := p.Snapshot()
	assert.Equal(t, "error", snap.Status)
	assert.Equal(t, "training", snap.Stage)
	assert.Equal(t, "optimizer diverged", snap.ErrorMessage)
}

func TestJobProgress_SetDone(t *testing.T) {
	// Given
	p := NewJobProgress(KindReembed)
	p.Update("embedding", 100, 100)

	// When
	p.SetDone()

	// Then
	assert.False(t, p.IsRunning())
	snap := p.Snapshot()
	assert.Equal(t, "done", snap.Status)
	assert.InDelta(t, 100.0, snap.ProgressPct, 0.001)
}

func TestJobProgress_ElapsedFreezesAfterCompletion(t *testing.T) {
	// Given: a finished job
	p := NewJobProgress(KindTrain)
	p.SetDone()

	// When: sampled twice
	first := p.Snapshot().ElapsedSeconds
	second := p.Snapshot().ElapsedSeconds

	// Then: the reading is stable
	assert.Equal(t, first, second)
}

func TestJobProgress_ConcurrentAccess(t *testing.T) {
	// Given: writers and readers racing
	p := NewJobProgress(KindReembed)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i <= 500; i++ {
			p.Update("embedding", i, 500)
		}
		p.SetDone()
	}()

	for p.IsRunning() {
		_ = p.Snapshot()
	}
	<-done

	// Then: the final state is consistent
	snap := p.Snapshot()
	assert.Equal(t, "done", snap.Status)
	assert.Equal(t, 500, snap.Done)
}
