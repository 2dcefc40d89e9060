package async

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"fotopoisk/internal/errors"
)

// lockFile marks a job in flight. The runner holds an OS-level flock on
// it for the job's duration, so trainers in separate processes cannot
// interleave; a leftover file after a restart means the previous job
// died mid-run.
const lockFile = "job.lock"

// JobFunc is the unit of background work.
type JobFunc func(ctx context.Context) error

// Runner executes one background job at a time. Progress flows in
// through Report, which routes to the live job's tracker; long-lived
// producers (the trainer) can therefore hold a stable sink across runs.
type Runner struct {
	dataDir string
	logger  *slog.Logger

	mu       sync.Mutex
	running  bool
	stopping bool
	progress *JobProgress
	err      error
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a runner that keeps its lock file under dataDir.
func NewRunner(dataDir string, opts ...RunnerOption) *Runner {
	r := &Runner{
		dataDir: dataDir,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches fn on a background goroutine and returns immediately.
// Starting while a job is live is refused: training and re-embedding
// both rewrite catalog vectors, so they must never overlap.
func (r *Runner) Start(ctx context.Context, kind JobKind, fn JobFunc) error {
	r.mu.Lock()
	if r.running {
		current := string(r.progress.Snapshot().Kind)
		r.mu.Unlock()
		return errors.New(errors.ErrCodeTrainingBusy,
			fmt.Sprintf("a %s job is already running", current), nil).
			WithSuggestion("Wait for the current job to finish")
	}
	r.running = true
	r.stopping = false
	r.progress = NewJobProgress(kind)
	r.err = nil
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	progress := r.progress
	stopCh := r.stopCh
	doneCh := r.doneCh
	r.mu.Unlock()

	go r.run(ctx, kind, fn, progress, stopCh, doneCh)
	return nil
}

func (r *Runner) run(ctx context.Context, kind JobKind, fn JobFunc,
	progress *JobProgress, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	// Merged context: the job dies with the parent or with Stop.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	startedAt := time.Now()
	r.logger.Info("job_started", "kind", string(kind))

	fail := func(err error) {
		progress.SetError(err.Error())
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		r.logger.Error("job_failed",
			"kind", string(kind),
			"error", err.Error(),
			"duration_ms", time.Since(startedAt).Milliseconds())
	}

	lockPath := filepath.Join(r.dataDir, lockFile)
	if err := os.MkdirAll(r.dataDir, 0o755); err != nil {
		fail(err)
		return
	}
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		fail(err)
		return
	}
	if !locked {
		fail(errors.New(errors.ErrCodeTrainingBusy,
			"another process holds the job lock", nil).
			WithSuggestion("Wait for the other trainer or re-embed to finish"))
		return
	}
	defer func() { _ = fileLock.Unlock() }()
	content := string(kind) + " " + startedAt.UTC().Format(time.RFC3339)
	if err := os.WriteFile(lockPath, []byte(content), 0o644); err != nil {
		fail(err)
		return
	}
	defer func() { _ = os.Remove(lockPath) }()

	if err := fn(ctx); err != nil {
		fail(err)
		return
	}

	progress.SetDone()
	r.logger.Info("job_finished",
		"kind", string(kind),
		"duration_ms", time.Since(startedAt).Milliseconds())
}

// Report forwards a progress update to the live job. Updates arriving
// between jobs are dropped.
func (r *Runner) Report(stage string, done, total int) {
	r.mu.Lock()
	progress := r.progress
	running := r.running
	r.mu.Unlock()

	if running && progress != nil {
		progress.Update(stage, done, total)
	}
}

// IsRunning returns true while a job is live.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Status returns a snapshot of the current or most recent job. ok is
// false when the runner has not run anything yet.
func (r *Runner) Status() (JobSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.progress == nil {
		return JobSnapshot{}, false
	}
	return r.progress.Snapshot(), true
}

// Stop cancels the live job and waits for it to exit. It is a no-op
// when nothing is running.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	doneCh := r.doneCh
	if !r.stopping {
		r.stopping = true
		close(r.stopCh)
	}
	r.mu.Unlock()

	<-doneCh
}

// Wait blocks until the live job completes and returns its error. When
// nothing is running it returns the last job's error.
func (r *Runner) Wait() error {
	r.mu.Lock()
	if !r.running {
		err := r.err
		r.mu.Unlock()
		return err
	}
	doneCh := r.doneCh
	r.mu.Unlock()

	<-doneCh

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// HasStaleLock reports whether a lock file survived a restart, meaning
// a previous job died mid-run. It checks presence only; a live job in
// another process also holds a flock on the file.
func HasStaleLock(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, lockFile))
	return err == nil
}
