// Package session keeps the short-lived record of an answered search so
// that feedback arriving minutes later can be tied back to the exact
// results the user saw.
package session

import (
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a session stays resolvable after a search.
	DefaultTTL = 30 * time.Minute

	// DefaultSweepInterval is how often expired sessions are collected.
	DefaultSweepInterval = time.Minute
)

// ResultRef is one served (item, similarity) pair in serving order.
type ResultRef struct {
	ItemID     string
	Similarity float64
}

// Session is the ephemeral record of one answered search. ImagePath
// points at the saved copy of the query photo so later feedback can be
// turned into a training example.
type Session struct {
	ShortID          string
	UserID           string
	PhotoFingerprint string
	ImagePath        string
	Results          []ResultRef
	SearchMethod     string
	Department       string
	CreatedAt        time.Time
}

// Result returns the served pair at index, if any.
func (s *Session) Result(index int) (ResultRef, bool) {
	if index < 0 || index >= len(s.Results) {
		return ResultRef{}, false
	}
	return s.Results[index], true
}

// ShortID derives the 8-hex transport id of an image handle. Short ids are
// the first 8 hex digits of the md5 of the handle; collisions overwrite.
func ShortID(imageHandle string) string {
	sum := md5.Sum([]byte(imageHandle))
	return hex.EncodeToString(sum[:])[:8]
}

// Store is an in-memory TTL map of sessions keyed by short id.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	interval time.Duration
	ticker   *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSweepInterval overrides how often the eviction loop runs.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore builds the store and starts its eviction loop.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		ttl:      DefaultTTL,
		interval: DefaultSweepInterval,
		stopCh:   make(chan struct{}),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.ticker = time.NewTicker(s.interval)
	go s.sweepLoop()
	return s
}

func (s *Store) sweepLoop() {
	for {
		select {
		case <-s.ticker.C:
			s.sweep(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

// sweep removes sessions past their TTL and reports how many went.
func (s *Store) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.CreatedAt) > s.ttl {
			delete(s.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Debug("sessions_evicted",
			slog.Int("count", evicted),
			slog.Int("remaining", len(s.sessions)))
	}
	return evicted
}

// Put stores a session under its short id, overwriting any collision.
// A zero CreatedAt is stamped with the current time.
func (s *Store) Put(sess *Session) {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ShortID] = sess
}

// Get returns the live session for a short id. Sessions past their TTL are
// reported absent even before the sweeper collects them.
func (s *Store) Get(shortID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[shortID]
	if !ok {
		return nil, false
	}
	if time.Since(sess.CreatedAt) > s.ttl {
		return nil, false
	}
	return sess, true
}

// Delete removes a session once its feedback has been recorded.
func (s *Store) Delete(shortID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, shortID)
}

// Len reports the number of stored sessions, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close stops the eviction loop. The map stays readable.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		s.ticker.Stop()
		close(s.stopCh)
	})
}
