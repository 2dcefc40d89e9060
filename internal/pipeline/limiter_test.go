package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fotopoisk/internal/config"
)

func defaultLimiter() *Limiter {
	return NewLimiter(
		config.RateConfig{Tokens: 5, Seconds: 1},
		config.RateConfig{Tokens: 3, Seconds: 10},
	)
}

func TestLimiter_BurstAdmitsPhotoCapacityThenDeniesWithGrowingHints(t *testing.T) {
	// Given a fresh user on the default buckets
	l := defaultLimiter()
	base := time.Now()

	// When 10 photo searches arrive over 5 seconds
	granted := 0
	var denies []*Deny
	for i := 0; i < 10; i++ {
		now := base.Add(time.Duration(i) * 500 * time.Millisecond)
		if d := l.AdmitSearch("u1", false, now); d != nil {
			denies = append(denies, d)
		} else {
			granted++
		}
	}

	// Then only the photo bucket's capacity gets through
	assert.Equal(t, 3, granted)
	require.Len(t, denies, 7)

	// And every denial names the photo bucket with a strictly growing hint
	prev := time.Duration(0)
	for _, d := range denies {
		assert.Equal(t, "photo", d.Bucket)
		assert.Greater(t, d.RetryAfter, prev)
		prev = d.RetryAfter
	}

	// And after 30 quiet seconds the user is served again
	assert.Nil(t, l.AdmitSearch("u1", false, base.Add(35*time.Second)))
}

func TestLimiter_AdminSkipsThePhotoBucketOnly(t *testing.T) {
	l := defaultLimiter()
	now := time.Now()

	// Given an admin burning through more than the photo capacity
	for i := 0; i < 5; i++ {
		require.Nil(t, l.AdmitSearch("admin", true, now))
	}

	// When the general bucket runs dry too
	d := l.AdmitSearch("admin", true, now)

	// Then the denial names the general bucket
	require.NotNil(t, d)
	assert.Equal(t, "general", d.Bucket)
}

func TestLimiter_PhotoDenialRefundsTheGeneralToken(t *testing.T) {
	l := NewLimiter(
		config.RateConfig{Tokens: 2, Seconds: 60},
		config.RateConfig{Tokens: 1, Seconds: 60},
	)
	now := time.Now()

	// Given a user who spent the whole photo budget
	require.Nil(t, l.AdmitSearch("u1", false, now))

	// When the next search is refused by the photo bucket
	d := l.AdmitSearch("u1", false, now)
	require.NotNil(t, d)
	require.Equal(t, "photo", d.Bucket)

	// Then the general token it briefly held is back
	assert.Nil(t, l.AdmitGeneral("u1", now))
	denied := l.AdmitGeneral("u1", now)
	require.NotNil(t, denied)
	assert.Equal(t, "general", denied.Bucket)
}

func TestLimiter_GeneralBucketGovernsEveryCall(t *testing.T) {
	l := NewLimiter(
		config.RateConfig{Tokens: 2, Seconds: 60},
		config.RateConfig{Tokens: 5, Seconds: 60},
	)
	now := time.Now()

	// Given feedback calls that drained the general bucket
	require.Nil(t, l.AdmitGeneral("u1", now))
	require.Nil(t, l.AdmitGeneral("u1", now))

	// When the same user tries a photo search
	d := l.AdmitSearch("u1", false, now)

	// Then the general bucket refuses it
	require.NotNil(t, d)
	assert.Equal(t, "general", d.Bucket)
}

func TestLimiter_HintFloorYieldsOnceTheUserBacksOff(t *testing.T) {
	l := defaultLimiter()
	base := time.Now()

	// Given a drained photo bucket and a raised hint floor
	for i := 0; i < 3; i++ {
		require.Nil(t, l.AdmitSearch("u1", false, base))
	}
	first := l.AdmitSearch("u1", false, base)
	require.NotNil(t, first)

	// When the user waits out the hint
	later := base.Add(first.RetryAfter + time.Second)

	// Then the request is admitted
	assert.Nil(t, l.AdmitSearch("u1", false, later))
}

func TestLimiter_UsersAreIsolated(t *testing.T) {
	l := defaultLimiter()
	now := time.Now()

	// Given one user who exhausted their photo budget
	for i := 0; i < 3; i++ {
		require.Nil(t, l.AdmitSearch("heavy", false, now))
	}
	require.NotNil(t, l.AdmitSearch("heavy", false, now))

	// Then another user is unaffected
	assert.Nil(t, l.AdmitSearch("light", false, now))
}

func TestLimiter_SweepDropsLongIdleUsers(t *testing.T) {
	l := defaultLimiter()
	base := time.Now()

	// Given two users seen half an hour apart
	l.AdmitSearch("old", false, base)
	l.AdmitSearch("fresh", false, base.Add(30*time.Minute))
	require.Equal(t, 2, l.Users())

	// When a later call triggers the sweep
	l.AdmitSearch("fresh", false, base.Add(70*time.Minute))

	// Then only the buckets idle past the TTL are gone
	assert.Equal(t, 1, l.Users())
}
