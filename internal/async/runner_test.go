package async

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fotopoisk/internal/errors"
	"fotopoisk/internal/training"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	return NewRunner(t.TempDir(), WithLogger(testLogger()))
}

func TestNewRunner(t *testing.T) {
	// Given/When: a fresh runner
	r := newTestRunner(t)

	// Then: idle, with no job history
	require.NotNil(t, r)
	assert.False(t, r.IsRunning())
	_, ok := r.Status()
	assert.False(t, ok)
}

func TestRunner_Start_RunsInBackground(t *testing.T) {
	// Given: a job gated on a release channel
	r := newTestRunner(t)
	release := make(chan struct{})
	var ran atomic.Bool

	// When: starting it
	err := r.Start(context.Background(), KindTrain, func(ctx context.Context) error {
		<-release
		ran.Store(true)
		return nil
	})

	// Then: Start returns immediately with the job live
	require.NoError(t, err)
	assert.True(t, r.IsRunning())

	close(release)
	require.NoError(t, r.Wait())
	assert.True(t, ran.Load())
	assert.False(t, r.IsRunning())

	snap, ok := r.Status()
	require.True(t, ok)
	assert.Equal(t, "train", snap.Kind)
	assert.Equal(t, "done", snap.Status)
}

func TestRunner_Start_RefusesConcurrentJob(t *testing.T) {
	// Given: a live train job
	r := newTestRunner(t)
	release := make(chan struct{})
	require.NoError(t, r.Start(context.Background(), KindTrain,
		func(ctx context.Context) error { <-release; return nil }))

	// When: starting a re-embed on top of it
	err := r.Start(context.Background(), KindReembed,
		func(ctx context.Context) error { return nil })

	// Then: the second job is refused with the busy code
	var perr *errors.PoiskError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, errors.ErrCodeTrainingBusy, perr.Code)
	assert.Contains(t, perr.Message, "train")

	close(release)
	require.NoError(t, r.Wait())
}

func TestRunner_JobLockExcludesOtherRunners(t *testing.T) {
	// Given: a live job holding the flock on a shared data dir
	dataDir := t.TempDir()
	first := NewRunner(dataDir, WithLogger(testLogger()))
	release := make(chan struct{})
	require.NoError(t, first.Start(context.Background(), KindTrain,
		func(ctx context.Context) error { <-release; return nil }))
	for !HasStaleLock(dataDir) {
		time.Sleep(5 * time.Millisecond)
	}

	// When: a second runner on the same dir starts a job
	second := NewRunner(dataDir, WithLogger(testLogger()))
	require.NoError(t, second.Start(context.Background(), KindReembed,
		func(ctx context.Context) error { return nil }))

	// Then: the second job fails with the busy code instead of running
	var perr *errors.PoiskError
	require.ErrorAs(t, second.Wait(), &perr)
	assert.Equal(t, errors.ErrCodeTrainingBusy, perr.Code)

	// And: the lock frees once the first job completes
	close(release)
	require.NoError(t, first.Wait())
	require.NoError(t, second.Start(context.Background(), KindReembed,
		func(ctx context.Context) error { return nil }))
	require.NoError(t, second.Wait())
}

func TestRunner_ReusableAfterCompletion(t *testing.T) {
	// Given: a completed train job
	r := newTestRunner(t)
	ctx := context.Background()
	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, r.Start(ctx, KindTrain, noop))
	require.NoError(t, r.Wait())

	// When: starting a second job
	require.NoError(t, r.Start(ctx, KindReembed, noop))
	require.NoError(t, r.Wait())

	// Then: status reflects the most recent job
	snap, ok := r.Status()
	require.True(t, ok)
	assert.Equal(t, "reembed", snap.Kind)
	assert.Equal(t, "done", snap.Status)
}

func TestRunner_ReportFlowsIntoStatus(t *testing.T) {
	// Given: a job that reports progress and then blocks
	r := newTestRunner(t)
	release := make(chan struct{})
	reported := make(chan struct{})
	require.NoError(t, r.Start(context.Background(), KindTrain,
		func(ctx context.Context) error {
			r.Report("loading", 3, 10)
			close(reported)
			<-release
			return nil
		}))

	// When: sampling status mid-run
	<-reported
	snap, ok := r.Status()

	// Then: the live snapshot carries the reported stage
	require.True(t, ok)
	assert.Equal(t, "running", snap.Status)
	assert.Equal(t, "loading", snap.Stage)
	assert.Equal(t, 3, snap.Done)
	assert.Equal(t, 10, snap.Total)
	assert.InDelta(t, 30.0, snap.ProgressPct, 0.001)

	close(release)
	require.NoError(t, r.Wait())
}

func TestRunner_ReportWithoutJobIsDropped(t *testing.T) {
	// Given: an idle runner
	r := newTestRunner(t)

	// When: a stray update arrives
	r.Report("embedding", 1, 2)

	// Then: nothing is recorded
	_, ok := r.Status()
	assert.False(t, ok)
}

// Report has the trainer progress hook signature, so the trainer can be
// built once with the runner as its sink.
func TestRunner_ReportMatchesTrainerHook(t *testing.T) {
	r := newTestRunner(t)
	var sink training.Progress = r.Report
	require.NotNil(t, sink)
}

func TestRunner_Stop_CancelsJob(t *testing.T) {
	// Given: a job that exits only on cancellation
	r := newTestRunner(t)
	entered := make(chan struct{})
	var stopped atomic.Bool
	require.NoError(t, r.Start(context.Background(), KindReembed,
		func(ctx context.Context) error {
			close(entered)
			<-ctx.Done()
			stopped.Store(true)
			return ctx.Err()
		}))

	// When: stopping
	<-entered
	r.Stop()

	// Then: the job saw the cancel and the failure is recorded
	assert.True(t, stopped.Load())
	assert.False(t, r.IsRunning())

	snap, ok := r.Status()
	require.True(t, ok)
	assert.Equal(t, "error", snap.Status)
	assert.Contains(t, snap.ErrorMessage, "context canceled")
}

func TestRunner_Stop_WithoutJobIsNoop(t *testing.T) {
	r := newTestRunner(t)
	r.Stop()
	assert.False(t, r.IsRunning())
}

func TestRunner_ParentContextCancelsJob(t *testing.T) {
	// Given: a job under a cancelable parent
	r := newTestRunner(t)
	entered := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx, KindTrain,
		func(ctx context.Context) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		}))

	// When: the parent is canceled
	<-entered
	cancel()
	err := r.Wait()

	// Then: the job ends with the cancellation error
	require.Error(t, err)
	assert.False(t, r.IsRunning())
}

func TestRunner_Wait_ReturnsJobError(t *testing.T) {
	// Given: a failing job
	r := newTestRunner(t)
	boom := errors.New(errors.ErrCodeTrainingFailed, "optimizer diverged", nil)
	require.NoError(t, r.Start(context.Background(), KindTrain,
		func(ctx context.Context) error { return boom }))

	// When
	err := r.Wait()

	// Then: the error reaches the waiter and the snapshot
	require.ErrorIs(t, err, boom)

	snap, ok := r.Status()
	require.True(t, ok)
	assert.Equal(t, "error", snap.Status)
	assert.Contains(t, snap.ErrorMessage, "optimizer diverged")
}

func TestRunner_Wait_WithoutJob(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.Wait())
}

func TestRunner_LockFileLifetime(t *testing.T) {
	// Given: a job that inspects the lock while running
	dataDir := t.TempDir()
	r := NewRunner(dataDir, WithLogger(testLogger()))
	lockPath := filepath.Join(dataDir, "job.lock")

	var content atomic.Value
	require.NoError(t, r.Start(context.Background(), KindReembed,
		func(ctx context.Context) error {
			data, err := os.ReadFile(lockPath)
			if err != nil {
				return err
			}
			content.Store(string(data))
			return nil
		}))
	require.NoError(t, r.Wait())

	// Then: the lock named the job while it ran and is gone after
	stored, _ := content.Load().(string)
	assert.Contains(t, stored, "reembed")

	_, err := os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestHasStaleLock(t *testing.T) {
	tests := []struct {
		name  string
		setup func(dir string)
		want  bool
	}{
		{
			name:  "no lock file",
			setup: func(dir string) {},
			want:  false,
		},
		{
			name: "lock file left behind",
			setup: func(dir string) {
				_ = os.WriteFile(filepath.Join(dir, "job.lock"),
					[]byte("train 2026-01-01T00:00:00Z"), 0o644)
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			tt.setup(dir)
			assert.Equal(t, tt.want, HasStaleLock(dir))
		})
	}
}
