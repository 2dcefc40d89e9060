package ui

import (
	"sync"
	"time"
)

// speedWindow is the minimum interval between throughput samples. Sampling
// less often than every update keeps the numbers readable when a burst of
// workers reports at once.
const speedWindow = 500 * time.Millisecond

// etaSmoothingFactor controls how much weight a fresh ETA estimate gets.
// 0.3 means 30% new value and 70% previous value, enough to absorb
// batch-to-batch embedding variance without going stale.
const etaSmoothingFactor = 0.3

// sparklineCapacity is how many throughput samples the tracker keeps.
const sparklineCapacity = 60

// SpeedStats contains throughput metrics for display.
type SpeedStats struct {
	Current float64 // items/sec in the latest window
	Avg     float64 // smoothed average
	Peak    float64 // maximum observed
}

// ProgressStats is a snapshot of current progress.
type ProgressStats struct {
	Stage       Stage
	Current     int
	Total       int
	Progress    float64
	ETA         time.Duration
	CurrentItem string
	ErrorCount  int
	WarnCount   int
	Speed       SpeedStats
}

// ProgressTracker accumulates progress state across the stages of one job.
// It is safe for concurrent use.
type ProgressTracker struct {
	mu          sync.RWMutex
	stage       Stage
	current     int
	total       int
	currentItem string
	startTime   time.Time
	stageStart  time.Time
	errors      []ErrorEvent
	warnings    []ErrorEvent

	lastETA time.Duration

	lastCurrent int
	lastSample  time.Time
	speed       SpeedStats
	samples     int
	sparkline   *Sparkline
}

// NewProgressTracker creates a tracker positioned at the loading stage.
func NewProgressTracker() *ProgressTracker {
	now := time.Now()
	return &ProgressTracker{
		stage:      StageLoading,
		startTime:  now,
		stageStart: now,
		lastSample: now,
		sparkline:  NewSparkline(sparklineCapacity),
	}
}

// SetStage transitions to a new stage and resets per-stage counters.
func (p *ProgressTracker) SetStage(stage Stage, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stage = stage
	p.total = total
	p.current = 0
	p.currentItem = ""
	p.stageStart = time.Now()
	p.lastETA = 0

	p.lastCurrent = 0
	p.lastSample = p.stageStart
	p.speed = SpeedStats{}
	p.samples = 0
	p.sparkline.Clear()
}

// Update advances progress within the current stage.
func (p *ProgressTracker) Update(current int, item string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = current
	if item != "" {
		p.currentItem = item
	}
	p.sampleSpeed(current, time.Now())
}

// sampleSpeed folds the latest counter reading into the throughput metrics.
// Caller holds the lock.
func (p *ProgressTracker) sampleSpeed(current int, now time.Time) {
	elapsed := now.Sub(p.lastSample)
	if elapsed < speedWindow {
		return
	}

	if delta := current - p.lastCurrent; delta > 0 {
		speed := float64(delta) / elapsed.Seconds()
		p.speed.Current = speed

		p.samples++
		if p.samples == 1 {
			p.speed.Avg = speed
		} else {
			p.speed.Avg = 0.2*speed + 0.8*p.speed.Avg
		}
		if speed > p.speed.Peak {
			p.speed.Peak = speed
		}

		p.sparkline.Add(speed)
	}

	p.lastCurrent = current
	p.lastSample = now
}

// AddError records an error or warning.
func (p *ProgressTracker) AddError(event ErrorEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if event.IsWarn {
		p.warnings = append(p.warnings, event)
	} else {
		p.errors = append(p.errors, event)
	}
}

// Stats returns a snapshot of the current progress. It takes the write lock
// because the ETA estimate is smoothed against the previous call.
func (p *ProgressTracker) Stats() ProgressStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	progress := 0.0
	if p.total > 0 {
		progress = float64(p.current) / float64(p.total)
		if progress > 1.0 {
			progress = 1.0
		}
	}

	return ProgressStats{
		Stage:       p.stage,
		Current:     p.current,
		Total:       p.total,
		Progress:    progress,
		ETA:         p.smoothedETA(),
		CurrentItem: p.currentItem,
		ErrorCount:  len(p.errors),
		WarnCount:   len(p.warnings),
		Speed:       p.speed,
	}
}

// smoothedETA estimates remaining time for the current stage with
// exponential smoothing. Caller holds the lock.
func (p *ProgressTracker) smoothedETA() time.Duration {
	if p.current == 0 || p.total == 0 {
		return 0
	}

	progress := float64(p.current) / float64(p.total)
	if progress <= 0 || progress >= 1.0 {
		return 0
	}

	elapsed := time.Since(p.stageStart)
	remaining := time.Duration(float64(elapsed)/progress) - elapsed
	if remaining < 0 {
		return 0
	}

	if p.lastETA == 0 {
		p.lastETA = remaining
		return remaining
	}

	smoothed := time.Duration(
		etaSmoothingFactor*float64(remaining) +
			(1-etaSmoothingFactor)*float64(p.lastETA),
	)
	p.lastETA = smoothed

	return smoothed
}

// Elapsed returns time since the tracker was created.
func (p *ProgressTracker) Elapsed() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return time.Since(p.startTime)
}

// Errors returns the recorded errors.
func (p *ProgressTracker) Errors() []ErrorEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]ErrorEvent, len(p.errors))
	copy(result, p.errors)
	return result
}

// Warnings returns the recorded warnings.
func (p *ProgressTracker) Warnings() []ErrorEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]ErrorEvent, len(p.warnings))
	copy(result, p.warnings)
	return result
}

// RenderSparkline returns the throughput sparkline at the given width.
func (p *ProgressTracker) RenderSparkline(width int) string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.sparkline == nil {
		return ""
	}
	return p.sparkline.Render(width)
}

// SpeedStats returns the current throughput metrics.
func (p *ProgressTracker) SpeedStats() SpeedStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.speed
}
