package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// PoiskError is the structured error type for fotopoisk.
// It provides rich context for error handling, logging, and user presentation.
type PoiskError struct {
	// Code is the unique error code (e.g., "ERR_101_SOURCE_UNREADABLE").
	Code string

	// Kind is the reaction class from the closed taxonomy.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// RetryAfter is the suggested wait before retrying.
	// Only meaningful for RATE_LIMITED and OVERLOADED errors.
	RetryAfter time.Duration

	// Suggestion is an actionable suggestion for the operator or user.
	Suggestion string
}

// Error implements the error interface.
func (e *PoiskError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *PoiskError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with PoiskError.
func (e *PoiskError) Is(target error) bool {
	if t, ok := target.(*PoiskError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *PoiskError) WithDetail(key, value string) *PoiskError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion.
// Returns the error for method chaining.
func (e *PoiskError) WithSuggestion(suggestion string) *PoiskError {
	e.Suggestion = suggestion
	return e
}

// WithRetryAfter sets the retry hint and returns the error.
func (e *PoiskError) WithRetryAfter(d time.Duration) *PoiskError {
	e.RetryAfter = d
	return e
}

// New creates a new PoiskError with the given code and message.
// Kind, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *PoiskError {
	e := &PoiskError{
		Code:      code,
		Kind:      kindFromCode(code),
		Message:   message,
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
	if e.Kind == KindRateLimited || e.Kind == KindOverloaded {
		e.RetryAfter = retryAfterDefault
	}
	return e
}

// Wrap creates a PoiskError from an existing error.
// The error's message becomes the PoiskError message.
func Wrap(code string, err error) *PoiskError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// SourceError creates an image-source error (fetch or decode).
func SourceError(message string, cause error) *PoiskError {
	return New(ErrCodeSourceUnreadable, message, cause)
}

// StoreError creates a storage-related error.
func StoreError(message string, cause error) *PoiskError {
	return New(ErrCodeStoreOpen, message, cause)
}

// InferenceError creates an embedding-backend error.
func InferenceError(message string, cause error) *PoiskError {
	return New(ErrCodeInferenceFailed, message, cause)
}

// NotFoundError creates a missing-entity error for the given code.
func NotFoundError(code string, message string) *PoiskError {
	return New(code, message, nil)
}

// InternalError creates an internal invariant-violation error.
func InternalError(message string, cause error) *PoiskError {
	return New(ErrCodeInternal, message, cause)
}

// RateLimitedError creates a RATE_LIMITED error carrying the bucket's
// reservation delay as the retry hint.
func RateLimitedError(bucket string, retryAfter time.Duration) *PoiskError {
	e := New(ErrCodeRateLimited, fmt.Sprintf("%s rate limit exceeded", bucket), nil)
	e.RetryAfter = retryAfter
	return e.WithDetail("bucket", bucket)
}

// TimeoutError creates a TIMEOUT error naming the exceeded stage.
func TimeoutError(stage string, budget time.Duration) *PoiskError {
	e := New(ErrCodeTimeout, fmt.Sprintf("%s stage exceeded %s budget", stage, budget), nil)
	return e.WithDetail("stage", stage)
}

// AsPoiskError extracts a PoiskError from anywhere in the unwrap chain.
func AsPoiskError(err error) (*PoiskError, bool) {
	var pe *PoiskError
	if stderrors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is a PoiskError with Retryable flag set.
func IsRetryable(err error) bool {
	if pe, ok := AsPoiskError(err); ok {
		return pe.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors abort startup or the current operation.
func IsFatal(err error) bool {
	if pe, ok := AsPoiskError(err); ok {
		return pe.Severity == SeverityFatal
	}
	return false
}

// IsKind reports whether err is a PoiskError of the given kind.
func IsKind(err error, kind Kind) bool {
	if pe, ok := AsPoiskError(err); ok {
		return pe.Kind == kind
	}
	return false
}

// GetCode extracts the error code from a PoiskError.
// Returns empty string if not a PoiskError.
func GetCode(err error) string {
	if pe, ok := AsPoiskError(err); ok {
		return pe.Code
	}
	return ""
}

// GetKind extracts the kind from a PoiskError.
// Returns KindInternal for foreign errors.
func GetKind(err error) Kind {
	if pe, ok := AsPoiskError(err); ok {
		return pe.Kind
	}
	return KindInternal
}

// GetRetryAfter extracts the retry hint from a PoiskError.
// Returns zero for foreign errors and errors without a hint.
func GetRetryAfter(err error) time.Duration {
	if pe, ok := AsPoiskError(err); ok {
		return pe.RetryAfter
	}
	return 0
}
