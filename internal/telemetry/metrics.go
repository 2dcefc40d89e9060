// Package telemetry tracks how the service is being used: search and
// error counters, feedback tallies, the serving-latency distribution and
// the photos that found nothing. All of it stays local; nothing is
// reported anywhere.
package telemetry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Search outcome keys used in counters and snapshots.
const (
	OutcomeServed = "served"
	OutcomeEmpty  = "empty"
	OutcomeRepeat = "repeat"
)

// LatencyBucket is one slot of the serving-latency histogram.
type LatencyBucket string

// The buckets span the whole photo-search path, network fetch and
// inference included, so the scale runs to seconds.
const (
	BucketP100   LatencyBucket = "p100"   // <100ms
	BucketP500   LatencyBucket = "p500"   // 100-500ms
	BucketP1000  LatencyBucket = "p1000"  // 500ms-1s
	BucketP5000  LatencyBucket = "p5000"  // 1-5s
	BucketP30000 LatencyBucket = "p30000" // >=5s
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	case ms < 1000:
		return BucketP1000
	case ms < 5000:
		return BucketP5000
	default:
		return BucketP30000
	}
}

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a circular buffer with the given capacity.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add appends an item. When full, the oldest item is evicted.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity

	if b.size < b.capacity {
		b.size++
	}
}

// Items returns the buffer contents in FIFO order, oldest first.
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return []T{}
	}

	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the current number of items.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Clear removes all items.
func (b *CircularBuffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.size = 0
}

// UserCount pairs a user with their search count.
type UserCount struct {
	UserID string `json:"user_id"`
	Count  int64  `json:"count"`
}

// MetricsStore defines persistence for serving counters. Dates are
// formatted 2006-01-02; range reads are inclusive on both ends.
type MetricsStore interface {
	SaveSearchCounts(date string, counts map[string]int64) error
	GetSearchCounts(from, to string) (map[string]int64, error)

	SaveFeedbackCounts(date string, counts map[string]int64) error
	GetFeedbackCounts(from, to string) (map[string]int64, error)

	SaveErrorCounts(date string, counts map[string]int64) error
	GetErrorCounts(from, to string) (map[string]int64, error)

	SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error
	GetLatencyCounts(from, to string) (map[LatencyBucket]int64, error)

	// AddEmptySearch records the fingerprint of a photo that found
	// nothing; the store keeps only the most recent entries.
	AddEmptySearch(fingerprint string, timestamp time.Time) error
	GetEmptySearches(limit int) ([]string, error)

	Close() error
}

// Snapshot is an immutable view of the collected metrics.
type Snapshot struct {
	Searches       int64                   `json:"searches"`
	EmptyResults   int64                   `json:"empty_results"`
	RepeatSearches int64                   `json:"repeat_searches"`
	ActiveUsers    int                     `json:"active_users"`
	TopUsers       []UserCount             `json:"top_users"`
	Feedback       map[string]int64        `json:"feedback"`
	Errors         map[string]int64        `json:"errors"`
	Latency        map[LatencyBucket]int64 `json:"latency"`
	RecentEmpty    []string                `json:"recent_empty"`
	Since          time.Time               `json:"since"`
}

// EmptyRate returns the fraction of searches that found nothing.
func (s *Snapshot) EmptyRate() float64 {
	if s.Searches == 0 {
		return 0
	}
	return float64(s.EmptyResults) / float64(s.Searches)
}

// MetricsConfig configures the collector.
type MetricsConfig struct {
	UsersCapacity        int           // max users tracked (default 1000)
	RecentPhotosCapacity int           // fingerprints remembered for repeat detection (default 500)
	EmptyBufferCapacity  int           // recent empty-search fingerprints kept (default 100)
	FlushInterval        time.Duration // persistence cadence (default 60s, 0 disables)
}

// DefaultMetricsConfig returns the serving defaults.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		UsersCapacity:        1000,
		RecentPhotosCapacity: 500,
		EmptyBufferCapacity:  100,
		FlushInterval:        60 * time.Second,
	}
}

// counters holds cumulative tallies. A second instance remembers what
// has already been persisted so a flush writes only the difference.
type counters struct {
	search   map[string]int64
	feedback map[string]int64
	errors   map[string]int64
	latency  map[LatencyBucket]int64
}

func newCounters() *counters {
	return &counters{
		search:   make(map[string]int64),
		feedback: make(map[string]int64),
		errors:   make(map[string]int64),
		latency:  make(map[LatencyBucket]int64),
	}
}

// diffMaps returns the positive per-key difference cur minus prev.
func diffMaps[K comparable](cur, prev map[K]int64) map[K]int64 {
	delta := make(map[K]int64)
	for k, v := range cur {
		if d := v - prev[k]; d > 0 {
			delta[k] = d
		}
	}
	return delta
}

func advance[K comparable](flushed, delta map[K]int64) {
	for k, v := range delta {
		flushed[k] += v
	}
}

// Metrics collects serving telemetry. Thread-safe for concurrent use.
type Metrics struct {
	mu sync.Mutex

	current *counters
	flushed *counters

	users        *lru.Cache[string, int64]
	recentPhotos *lru.Cache[string, struct{}]
	emptyRecent  *CircularBuffer[string]
	pendingEmpty []string
	startTime    time.Time

	store       MetricsStore
	config      MetricsConfig
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closed      bool
}

// NewMetrics creates a collector with default configuration. A nil
// store keeps metrics in memory only.
func NewMetrics(store MetricsStore) *Metrics {
	return NewMetricsWithConfig(store, DefaultMetricsConfig())
}

// NewMetricsWithConfig creates a collector with custom configuration.
func NewMetricsWithConfig(store MetricsStore, cfg MetricsConfig) *Metrics {
	if cfg.UsersCapacity <= 0 {
		cfg.UsersCapacity = 1000
	}
	if cfg.RecentPhotosCapacity <= 0 {
		cfg.RecentPhotosCapacity = 500
	}
	if cfg.EmptyBufferCapacity <= 0 {
		cfg.EmptyBufferCapacity = 100
	}

	users, _ := lru.New[string, int64](cfg.UsersCapacity)
	recentPhotos, _ := lru.New[string, struct{}](cfg.RecentPhotosCapacity)

	m := &Metrics{
		current:      newCounters(),
		flushed:      newCounters(),
		users:        users,
		recentPhotos: recentPhotos,
		emptyRecent:  NewCircularBuffer[string](cfg.EmptyBufferCapacity),
		startTime:    time.Now(),
		store:        store,
		config:       cfg,
		stopCh:       make(chan struct{}),
	}

	if cfg.FlushInterval > 0 && store != nil {
		m.flushTicker = time.NewTicker(cfg.FlushInterval)
		go m.flushLoop()
	}
	return m
}

func (m *Metrics) flushLoop() {
	for {
		select {
		case <-m.flushTicker.C:
			_ = m.Flush()
		case <-m.stopCh:
			return
		}
	}
}

// RecordSearch counts one served search. A repeated fingerprint means
// the same photo was searched again, usually a sign the first answer
// did not satisfy.
func (m *Metrics) RecordSearch(userID, photoFingerprint string, empty bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.current.search[OutcomeServed]++
	m.current.latency[LatencyToBucket(duration)]++

	if userID != "" {
		count, _ := m.users.Get(userID)
		m.users.Add(userID, count+1)
	}

	if photoFingerprint != "" {
		if _, seen := m.recentPhotos.Get(photoFingerprint); seen {
			m.current.search[OutcomeRepeat]++
		}
		m.recentPhotos.Add(photoFingerprint, struct{}{})
	}

	if empty {
		m.current.search[OutcomeEmpty]++
		if photoFingerprint != "" {
			m.emptyRecent.Add(photoFingerprint)
			m.pendingEmpty = append(m.pendingEmpty, photoFingerprint)
		}
	}
}

// RecordFeedback counts one feedback verdict by kind.
func (m *Metrics) RecordFeedback(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.current.feedback[kind]++
}

// RecordError counts one failed request by error kind.
func (m *Metrics) RecordError(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.current.errors[kind]++
}

// Snapshot returns the metrics collected since the process started.
func (m *Metrics) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	feedback := make(map[string]int64, len(m.current.feedback))
	for k, v := range m.current.feedback {
		feedback[k] = v
	}
	errorCounts := make(map[string]int64, len(m.current.errors))
	for k, v := range m.current.errors {
		errorCounts[k] = v
	}
	latency := make(map[LatencyBucket]int64, len(m.current.latency))
	for k, v := range m.current.latency {
		latency[k] = v
	}

	topUsers := make([]UserCount, 0, m.users.Len())
	for _, id := range m.users.Keys() {
		if count, ok := m.users.Peek(id); ok {
			topUsers = append(topUsers, UserCount{UserID: id, Count: count})
		}
	}
	sort.Slice(topUsers, func(i, j int) bool {
		if topUsers[i].Count != topUsers[j].Count {
			return topUsers[i].Count > topUsers[j].Count
		}
		return topUsers[i].UserID < topUsers[j].UserID
	})
	if len(topUsers) > 10 {
		topUsers = topUsers[:10]
	}

	return &Snapshot{
		Searches:       m.current.search[OutcomeServed],
		EmptyResults:   m.current.search[OutcomeEmpty],
		RepeatSearches: m.current.search[OutcomeRepeat],
		ActiveUsers:    m.users.Len(),
		TopUsers:       topUsers,
		Feedback:       feedback,
		Errors:         errorCounts,
		Latency:        latency,
		RecentEmpty:    m.emptyRecent.Items(),
		Since:          m.startTime,
	}
}

// Flush persists the counts accumulated since the previous flush. On a
// store error the unflushed remainder is kept for the next attempt.
// Safe to call with no store configured.
func (m *Metrics) Flush() error {
	if m.store == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	today := time.Now().Format("2006-01-02")

	if delta := diffMaps(m.current.search, m.flushed.search); len(delta) > 0 {
		if err := m.store.SaveSearchCounts(today, delta); err != nil {
			return err
		}
		advance(m.flushed.search, delta)
	}
	if delta := diffMaps(m.current.feedback, m.flushed.feedback); len(delta) > 0 {
		if err := m.store.SaveFeedbackCounts(today, delta); err != nil {
			return err
		}
		advance(m.flushed.feedback, delta)
	}
	if delta := diffMaps(m.current.errors, m.flushed.errors); len(delta) > 0 {
		if err := m.store.SaveErrorCounts(today, delta); err != nil {
			return err
		}
		advance(m.flushed.errors, delta)
	}
	if delta := diffMaps(m.current.latency, m.flushed.latency); len(delta) > 0 {
		if err := m.store.SaveLatencyCounts(today, delta); err != nil {
			return err
		}
		advance(m.flushed.latency, delta)
	}

	for len(m.pendingEmpty) > 0 {
		if err := m.store.AddEmptySearch(m.pendingEmpty[0], time.Now()); err != nil {
			return err
		}
		m.pendingEmpty = m.pendingEmpty[1:]
	}
	return nil
}

// History reads the persisted counters for an inclusive date range.
// Live-only gauges such as ActiveUsers stay zero.
func (m *Metrics) History(from, to string) (*Snapshot, error) {
	if m.store == nil {
		return nil, fmt.Errorf("no metrics store configured")
	}

	search, err := m.store.GetSearchCounts(from, to)
	if err != nil {
		return nil, err
	}
	feedback, err := m.store.GetFeedbackCounts(from, to)
	if err != nil {
		return nil, err
	}
	errorCounts, err := m.store.GetErrorCounts(from, to)
	if err != nil {
		return nil, err
	}
	latency, err := m.store.GetLatencyCounts(from, to)
	if err != nil {
		return nil, err
	}
	recentEmpty, err := m.store.GetEmptySearches(20)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Searches:       search[OutcomeServed],
		EmptyResults:   search[OutcomeEmpty],
		RepeatSearches: search[OutcomeRepeat],
		Feedback:       feedback,
		Errors:         errorCounts,
		Latency:        latency,
		RecentEmpty:    recentEmpty,
	}, nil
}

// Close flushes once more and stops the flush loop.
func (m *Metrics) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.flushTicker != nil {
		m.flushTicker.Stop()
		close(m.stopCh)
	}

	return m.Flush()
}
