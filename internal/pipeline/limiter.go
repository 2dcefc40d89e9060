package pipeline

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fotopoisk/internal/config"
)

const (
	// hintStep keeps retry hints strictly increasing while a user keeps
	// hammering a drained bucket.
	hintStep = time.Second

	// limiterIdleTTL is how long an inactive user's buckets are kept.
	limiterIdleTTL = time.Hour

	// limiterSweepEvery bounds how often the user map is compacted.
	limiterSweepEvery = 10 * time.Minute
)

// Deny describes a refused admission: which bucket ran dry and when to
// come back.
type Deny struct {
	Bucket     string
	RetryAfter time.Duration
}

// userBuckets holds one user's token buckets plus the floor that makes
// consecutive retry hints monotonic.
type userBuckets struct {
	general   *rate.Limiter
	photo     *rate.Limiter
	hintFloor time.Time
	lastSeen  time.Time
}

// Limiter admits requests per user. Every call spends a general token;
// photo searches also spend a photo token (admins are exempt from the
// photo bucket only). A denial cancels its reservations, so refused
// traffic never eats the capacity of the request the user will retry.
type Limiter struct {
	mu        sync.Mutex
	users     map[string]*userBuckets
	general   config.RateConfig
	photo     config.RateConfig
	lastSweep time.Time
}

// NewLimiter builds a per-user limiter from the two bucket shapes.
func NewLimiter(general, photo config.RateConfig) *Limiter {
	return &Limiter{
		users:     make(map[string]*userBuckets),
		general:   general,
		photo:     photo,
		lastSweep: time.Now(),
	}
}

func newBucket(rc config.RateConfig) *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Duration(rc.Seconds)*time.Second), rc.Tokens)
}

func (l *Limiter) user(id string, now time.Time) *userBuckets {
	u, ok := l.users[id]
	if !ok {
		u = &userBuckets{
			general: newBucket(l.general),
			photo:   newBucket(l.photo),
		}
		l.users[id] = u
	}
	u.lastSeen = now
	return u
}

// AdmitSearch spends the tokens for one photo search. A nil Deny means
// the request may proceed.
func (l *Limiter) AdmitSearch(userID string, admin bool, now time.Time) *Deny {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	u := l.user(userID, now)

	generalRes := u.general.ReserveN(now, 1)
	if delay := generalRes.DelayFrom(now); delay > 0 {
		generalRes.CancelAt(now)
		return &Deny{Bucket: "general", RetryAfter: l.hint(u, now, delay)}
	}

	if !admin {
		photoRes := u.photo.ReserveN(now, 1)
		if delay := photoRes.DelayFrom(now); delay > 0 {
			photoRes.CancelAt(now)
			generalRes.CancelAt(now)
			return &Deny{Bucket: "photo", RetryAfter: l.hint(u, now, delay)}
		}
	}
	return nil
}

// AdmitGeneral spends a general token only: feedback and stats calls.
func (l *Limiter) AdmitGeneral(userID string, now time.Time) *Deny {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	u := l.user(userID, now)
	res := u.general.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return &Deny{Bucket: "general", RetryAfter: l.hint(u, now, delay)}
	}
	return nil
}

// hint converts a bucket delay into a retry hint that never moves
// backwards for this user. Once the user backs off past the floor, the
// plain bucket delay takes over again.
func (l *Limiter) hint(u *userBuckets, now time.Time, delay time.Duration) time.Duration {
	at := now.Add(delay)
	if !at.After(u.hintFloor) {
		at = u.hintFloor.Add(hintStep)
	}
	u.hintFloor = at
	return at.Sub(now)
}

// sweep drops buckets idle long enough to be full again. Caller holds mu.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < limiterSweepEvery {
		return
	}
	l.lastSweep = now
	for id, u := range l.users {
		if now.Sub(u.lastSeen) > limiterIdleTTL {
			delete(l.users, id)
		}
	}
}

// Users reports how many distinct users currently hold buckets.
func (l *Limiter) Users() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}
