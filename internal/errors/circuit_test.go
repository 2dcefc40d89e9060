package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker("embedder")

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
	assert.Equal(t, "embedder", cb.Name())
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker("embedder", WithMaxFailures(3))

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker("embedder", WithMaxFailures(3))

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()

	assert.Equal(t, 0, cb.Failures())
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	cb := NewCircuitBreaker("embedder",
		WithMaxFailures(1),
		WithResetTimeout(10*time.Millisecond))

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)

	assert.Equal(t, StateHalfOpen, cb.State())
	assert.True(t, cb.Allow(), "half-open admits a probe request")
}

func TestCircuitBreaker_DoFailsFastWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker("embedder", WithMaxFailures(1), WithResetTimeout(time.Hour))
	cb.RecordFailure()

	calls := 0
	err := cb.Do(func() error {
		calls++
		return nil
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 0, calls, "open circuit must not invoke fn")
}

func TestCircuitBreaker_DoProbeClosesOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker("embedder",
		WithMaxFailures(1),
		WithResetTimeout(5*time.Millisecond))
	cb.RecordFailure()
	time.Sleep(10 * time.Millisecond)

	err := cb.Do(func() error { return nil })

	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_DoProbeReopensOnFailure(t *testing.T) {
	cb := NewCircuitBreaker("embedder",
		WithMaxFailures(1),
		WithResetTimeout(5*time.Millisecond))
	cb.RecordFailure()
	time.Sleep(10 * time.Millisecond)

	err := cb.Do(func() error { return fmt.Errorf("still down") })

	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_DoCountsFailuresWhenClosed(t *testing.T) {
	cb := NewCircuitBreaker("embedder", WithMaxFailures(2))

	_ = cb.Do(func() error { return fmt.Errorf("one") })
	assert.Equal(t, StateClosed, cb.State())

	_ = cb.Do(func() error { return fmt.Errorf("two") })
	assert.Equal(t, StateOpen, cb.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
