package errors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig(retries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   retries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls, "should not retry after success")
}

func TestRetry_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient %d", calls)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAndWrapsLastError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(2), func() error {
		calls++
		return fmt.Errorf("always failing")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls, "1 initial + 2 retries")
	assert.Contains(t, err.Error(), "failed after 2 retries")
	assert.Contains(t, err.Error(), "always failing")
}

func TestRetry_HonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	cfg := RetryConfig{
		MaxRetries:   5,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- Retry(ctx, cfg, func() error {
			calls++
			return fmt.Errorf("failing")
		})
	}()

	// Cancel while the retry loop is sleeping between attempts.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	attempts := 0
	got, err := RetryWithResult(context.Background(), fastRetryConfig(2), func() ([]float32, error) {
		attempts++
		if attempts == 1 {
			return nil, fmt.Errorf("first attempt fails")
		}
		return []float32{0.5, 0.5}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, got)
	assert.Equal(t, 2, attempts)
}

func TestDefaultRetryConfig_SingleRetry(t *testing.T) {
	// Transient image fetch failures get exactly one retry with backoff.
	cfg := DefaultRetryConfig()
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Greater(t, cfg.InitialDelay, time.Duration(0))
}
