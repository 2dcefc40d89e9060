// Package async runs the long operator jobs (model fine-tuning,
// catalog re-embedding) on a background goroutine with progress
// tracking that the admin API and the CLI can poll.
package async

import (
	"sync"
	"time"
)

// JobStatus represents the overall state of a background job.
type JobStatus string

const (
	// StatusRunning indicates the job is in progress.
	StatusRunning JobStatus = "running"
	// StatusDone indicates the job finished cleanly.
	StatusDone JobStatus = "done"
	// StatusError indicates the job failed.
	StatusError JobStatus = "error"
)

// JobKind names a kind of background job.
type JobKind string

const (
	// KindTrain is a contrastive fine-tuning run.
	KindTrain JobKind = "train"
	// KindReembed recomputes every catalog vector under the active model.
	KindReembed JobKind = "reembed"
	// KindPromote activates a registered artifact and moves the catalog
	// into its space.
	KindPromote JobKind = "promote"
	// KindRestore is a promote pointed at a backup.
	KindRestore JobKind = "restore"
)

// JobSnapshot is an immutable snapshot of a job's progress, shaped for
// the admin jobs endpoint.
type JobSnapshot struct {
	Kind           string  `json:"kind"`
	Status         string  `json:"status"`
	Stage          string  `json:"stage,omitempty"`
	Done           int     `json:"done"`
	Total          int     `json:"total"`
	ProgressPct    float64 `json:"progress_pct"`
	ElapsedSeconds int     `json:"elapsed_seconds"`
	ErrorMessage   string  `json:"error_message,omitempty"`
}

// JobProgress provides thread-safe tracking of one job's progress.
// Update has the trainer's progress hook signature, so a tracker can be
// handed to it directly.
type JobProgress struct {
	mu sync.RWMutex

	kind         JobKind
	status       JobStatus
	stage        string
	done         int
	total        int
	startTime    time.Time
	endTime      time.Time
	errorMessage string
}

// NewJobProgress creates a tracker for a job that is starting now.
func NewJobProgress(kind JobKind) *JobProgress {
	return &JobProgress{
		kind:      kind,
		status:    StatusRunning,
		startTime: time.Now(),
	}
}

// Update records a stage transition or a count within the stage.
func (p *JobProgress) Update(stage string, done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stage = stage
	p.done = done
	p.total = total
}

// SetError marks the job as failed with an error message.
func (p *JobProgress) SetError(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status = StatusError
	p.errorMessage = message
	p.endTime = time.Now()
}

// SetDone marks the job as finished.
func (p *JobProgress) SetDone() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status = StatusDone
	p.endTime = time.Now()
}

// IsRunning returns true while the job is in progress.
func (p *JobProgress) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.status == StatusRunning
}

// Snapshot returns an immutable copy of the current state. Elapsed time
// freezes when the job ends, so the last result reads stable afterward.
func (p *JobProgress) Snapshot() JobSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var pct float64
	if p.total > 0 {
		pct = float64(p.done) / float64(p.total) * 100.0
	}

	elapsed := time.Since(p.startTime)
	if !p.endTime.IsZero() {
		elapsed = p.endTime.Sub(p.startTime)
	}

	return JobSnapshot{
		Kind:           string(p.kind),
		Status:         string(p.status),
		Stage:          p.stage,
		Done:           p.done,
		Total:          p.total,
		ProgressPct:    pct,
		ElapsedSeconds: int(elapsed.Seconds()),
		ErrorMessage:   p.errorMessage,
	}
}
