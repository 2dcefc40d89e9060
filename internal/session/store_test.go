package session

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	s := NewStore(opts...)
	t.Cleanup(s.Close)
	return s
}

func testSession(shortID string) *Session {
	return &Session{
		ShortID:          shortID,
		UserID:           "user-42",
		PhotoFingerprint: "AgACAgIAAxkBAAIB",
		Results: []ResultRef{
			{ItemID: "drill-01", Similarity: 0.91},
			{ItemID: "saw-02", Similarity: 0.73},
			{ItemID: "hammer-03", Similarity: 0.63},
		},
		SearchMethod: "escalation",
		Department:   "ИНСТРУМЕНТЫ",
	}
}

func TestShortID_StableEightHex(t *testing.T) {
	// Given: a transport image handle
	id := ShortID("AgACAgIAAxkBAAIB")

	// Then: the id is 8 hex digits and stable across calls
	assert.Len(t, id, 8)
	assert.Equal(t, id, ShortID("AgACAgIAAxkBAAIB"))
	assert.NotEqual(t, id, ShortID("different-handle"))
	for _, r := range id {
		assert.Contains(t, "0123456789abcdef", string(r))
	}
}

func TestStore_PutAndGet(t *testing.T) {
	// Given: a stored session
	s := newTestStore(t)
	sess := testSession("abc12345")
	s.Put(sess)

	// When: it is fetched
	got, ok := s.Get("abc12345")

	// Then: the same session comes back with a stamped creation time
	require.True(t, ok)
	assert.Equal(t, "user-42", got.UserID)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Len(t, got.Results, 3)
}

func TestStore_Get_Missing(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.Get("nothere1")
	assert.False(t, ok)
}

func TestStore_Put_CollisionOverwrites(t *testing.T) {
	// Given: two sessions under the same short id
	s := newTestStore(t)
	first := testSession("abc12345")
	second := testSession("abc12345")
	second.UserID = "user-99"

	s.Put(first)
	s.Put(second)

	// Then: the later write wins and nothing is duplicated
	got, ok := s.Get("abc12345")
	require.True(t, ok)
	assert.Equal(t, "user-99", got.UserID)
	assert.Equal(t, 1, s.Len())
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	s.Put(testSession("abc12345"))

	s.Delete("abc12345")

	_, ok := s.Get("abc12345")
	assert.False(t, ok)
}

func TestStore_Get_ExpiredBeforeSweep(t *testing.T) {
	// Given: a session older than the TTL that the sweeper has not collected
	s := newTestStore(t, WithTTL(10*time.Millisecond), WithSweepInterval(time.Hour))
	sess := testSession("abc12345")
	sess.CreatedAt = time.Now().Add(-time.Minute)
	s.Put(sess)

	// Then: reads already treat it as gone
	_, ok := s.Get("abc12345")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestStore_Sweep_EvictsOnlyExpired(t *testing.T) {
	// Given: one stale and one fresh session
	s := newTestStore(t, WithSweepInterval(time.Hour))
	stale := testSession("stale000")
	stale.CreatedAt = time.Now().Add(-time.Hour)
	s.Put(stale)
	s.Put(testSession("fresh000"))

	// When: the sweeper runs
	evicted := s.sweep(time.Now())

	// Then: only the stale session goes
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, s.Len())
	_, ok := s.Get("fresh000")
	assert.True(t, ok)
}

func TestStore_SweepLoop_RunsOnInterval(t *testing.T) {
	// Given: a store sweeping every few milliseconds
	s := newTestStore(t, WithTTL(time.Millisecond), WithSweepInterval(5*time.Millisecond))
	s.Put(testSession("abc12345"))

	// Then: the session disappears without an explicit sweep call
	require.Eventually(t, func() bool {
		return s.Len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	// Given: writers and readers hammering the same store
	s := newTestStore(t)
	done := make(chan struct{})

	for w := 0; w < 4; w++ {
		w := w
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("%d-%04d00", w, i%50)
				s.Put(testSession(id))
				s.Get(id)
			}
		}()
	}
	for w := 0; w < 4; w++ {
		<-done
	}

	// Then: the store holds exactly the distinct ids written
	assert.Equal(t, 200, s.Len())
}

func TestSession_Result_BoundsChecked(t *testing.T) {
	sess := testSession("abc12345")

	ref, ok := sess.Result(1)
	require.True(t, ok)
	assert.Equal(t, "saw-02", ref.ItemID)
	assert.InDelta(t, 0.73, ref.Similarity, 1e-9)

	_, ok = sess.Result(3)
	assert.False(t, ok)
	_, ok = sess.Result(-1)
	assert.False(t, ok)
}

func TestStore_Close_Idempotent(t *testing.T) {
	s := NewStore(WithLogger(testLogger()))
	s.Close()
	s.Close()

	// Map stays readable after shutdown
	s.Put(testSession("abc12345"))
	_, ok := s.Get("abc12345")
	assert.True(t, ok)
}
