package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesKindFromCode(t *testing.T) {
	tests := []struct {
		name string
		code string
		want Kind
	}{
		{"source unreadable", ErrCodeSourceUnreadable, KindSourceUnreadable},
		{"decode maps to source", ErrCodeImageDecode, KindSourceUnreadable},
		{"fetch maps to source", ErrCodeFetchFailed, KindSourceUnreadable},
		{"inference", ErrCodeInferenceFailed, KindInferenceFailed},
		{"backend unavailable", ErrCodeBackendUnavailable, KindInferenceFailed},
		{"rate limited", ErrCodeRateLimited, KindRateLimited},
		{"overloaded", ErrCodeOverloaded, KindOverloaded},
		{"training busy maps to overloaded", ErrCodeTrainingBusy, KindOverloaded},
		{"timeout", ErrCodeTimeout, KindTimeout},
		{"empty result", ErrCodeEmptyResult, KindEmptyResult},
		{"item not found", ErrCodeItemNotFound, KindNotFound},
		{"session not found", ErrCodeSessionNotFound, KindNotFound},
		{"model not found", ErrCodeModelNotFound, KindNotFound},
		{"insufficient data", ErrCodeInsufficientData, KindInsufficientData},
		{"partial promotion", ErrCodePartialPromotion, KindPartialPromotion},
		{"internal", ErrCodeInternal, KindInternal},
		{"unknown code falls back to internal", "ERR_999_UNKNOWN", KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.want, err.Kind)
		})
	}
}

func TestNew_DerivesSeverity(t *testing.T) {
	// Given: codes with different recovery semantics
	corrupt := New(ErrCodeStoreCorrupt, "schema mismatch", nil)
	unresolved := New(ErrCodeRegistryUnresolved, "no active model", nil)
	transient := New(ErrCodeFetchFailed, "connection reset", nil)
	plain := New(ErrCodeItemNotFound, "no such item", nil)

	// Then: corrupt stores and unresolvable registries are fatal
	assert.Equal(t, SeverityFatal, corrupt.Severity)
	assert.Equal(t, SeverityFatal, unresolved.Severity)
	assert.True(t, IsFatal(corrupt))

	// Then: retryable errors are warnings, the rest plain errors
	assert.Equal(t, SeverityWarning, transient.Severity)
	assert.True(t, transient.Retryable)
	assert.Equal(t, SeverityError, plain.Severity)
	assert.False(t, plain.Retryable)
}

func TestError_FormatsCodeAndMessage(t *testing.T) {
	err := New(ErrCodeSourceUnreadable, "cannot fetch image", nil)
	assert.Equal(t, "[ERR_101_SOURCE_UNREADABLE] cannot fetch image", err.Error())
}

func TestWrap_PreservesCause(t *testing.T) {
	// Given: an underlying error
	cause := fmt.Errorf("connection refused")

	// When: wrapping it
	err := Wrap(ErrCodeBackendUnavailable, cause)

	// Then: the chain is intact and the message carried over
	require.NotNil(t, err)
	assert.Equal(t, "connection refused", err.Message)
	assert.True(t, stderrors.Is(err, cause))
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestIs_MatchesByCode(t *testing.T) {
	a := New(ErrCodeItemNotFound, "item A missing", nil)
	b := New(ErrCodeItemNotFound, "item B missing", nil)
	c := New(ErrCodeSessionNotFound, "session missing", nil)

	assert.True(t, stderrors.Is(a, b), "same code should match")
	assert.False(t, stderrors.Is(a, c), "different code should not match")
}

func TestWithDetail_Chains(t *testing.T) {
	err := New(ErrCodeVectorDecode, "bad blob", nil).
		WithDetail("item_id", "A-100").
		WithDetail("bytes", "2047").
		WithSuggestion("re-embed the item")

	assert.Equal(t, "A-100", err.Details["item_id"])
	assert.Equal(t, "2047", err.Details["bytes"])
	assert.Equal(t, "re-embed the item", err.Suggestion)
}

func TestRateLimitedError_CarriesRetryAfter(t *testing.T) {
	// Given: a photo bucket rejection with a 7s reservation delay
	err := RateLimitedError("photo", 7*time.Second)

	// Then: kind, hint, and detail are all present
	assert.Equal(t, KindRateLimited, err.Kind)
	assert.Equal(t, 7*time.Second, err.RetryAfter)
	assert.Equal(t, "photo", err.Details["bucket"])
	assert.Equal(t, 7*time.Second, GetRetryAfter(err))
}

func TestGetRetryAfter_DefaultsForAdmissionErrors(t *testing.T) {
	overloaded := New(ErrCodeOverloaded, "queue full", nil)
	assert.Greater(t, overloaded.RetryAfter, time.Duration(0),
		"admission errors should always carry some retry hint")
	assert.Zero(t, GetRetryAfter(fmt.Errorf("plain")))
}

func TestGetKind_ForeignErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, GetKind(fmt.Errorf("plain error")))
	assert.Equal(t, KindTimeout, GetKind(TimeoutError("embed", 10*time.Second)))
}

func TestIsKind(t *testing.T) {
	err := NotFoundError(ErrCodeSessionNotFound, "session expired")
	assert.True(t, IsKind(err, KindNotFound))
	assert.False(t, IsKind(err, KindTimeout))
	assert.False(t, IsKind(fmt.Errorf("plain"), KindNotFound))
}
