// Package errors provides structured error handling for fotopoisk.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Image source and input errors
//   - 2XX: Storage and registry errors
//   - 3XX: Network and inference errors
//   - 4XX: Admission errors (rate limits, queue, timeouts)
//   - 5XX: Internal and training errors
package errors

import "time"

// Kind classifies an error by how callers should react to it.
// The set is closed; the pipeline and the HTTP layer switch on it.
type Kind string

const (
	// KindSourceUnreadable indicates the image URL/path cannot be fetched or decoded.
	KindSourceUnreadable Kind = "SOURCE_UNREADABLE"
	// KindInferenceFailed indicates the embedding forward pass failed.
	KindInferenceFailed Kind = "INFERENCE_FAILED"
	// KindEmptyResult indicates retrieval produced nothing above the user floor.
	KindEmptyResult Kind = "EMPTY_RESULT"
	// KindRateLimited indicates a per-user token bucket is empty.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindOverloaded indicates the pipeline queue is full.
	KindOverloaded Kind = "OVERLOADED"
	// KindTimeout indicates a per-stage or total budget was exceeded.
	KindTimeout Kind = "TIMEOUT"
	// KindNotFound indicates a session, item, or model is missing.
	KindNotFound Kind = "NOT_FOUND"
	// KindInsufficientData indicates the trainer cannot proceed.
	KindInsufficientData Kind = "INSUFFICIENT_DATA"
	// KindPartialPromotion indicates a model was saved but not activated.
	KindPartialPromotion Kind = "PARTIAL_PROMOTION"
	// KindInternal indicates an invariant violation.
	KindInternal Kind = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Source and input errors (100-199)
	ErrCodeSourceUnreadable = "ERR_101_SOURCE_UNREADABLE"
	ErrCodeImageDecode      = "ERR_102_IMAGE_DECODE"
	ErrCodeImageTooLarge    = "ERR_103_IMAGE_TOO_LARGE"
	ErrCodeInvalidArgument  = "ERR_104_INVALID_ARGUMENT"

	// Storage and registry errors (200-299)
	ErrCodeStoreOpen          = "ERR_201_STORE_OPEN"
	ErrCodeStoreCorrupt       = "ERR_202_STORE_CORRUPT"
	ErrCodeVectorDecode       = "ERR_203_VECTOR_DECODE"
	ErrCodeItemNotFound       = "ERR_204_ITEM_NOT_FOUND"
	ErrCodeSessionNotFound    = "ERR_205_SESSION_NOT_FOUND"
	ErrCodeModelNotFound      = "ERR_206_MODEL_NOT_FOUND"
	ErrCodeRegistryUnresolved = "ERR_207_REGISTRY_UNRESOLVED"
	ErrCodeActiveDelete       = "ERR_208_ACTIVE_DELETE"
	ErrCodeExampleNotFound    = "ERR_209_EXAMPLE_NOT_FOUND"

	// Network and inference errors (300-399)
	ErrCodeFetchFailed        = "ERR_301_FETCH_FAILED"
	ErrCodeBackendUnavailable = "ERR_302_BACKEND_UNAVAILABLE"
	ErrCodeInferenceFailed    = "ERR_303_INFERENCE_FAILED"

	// Admission errors (400-499)
	ErrCodeRateLimited = "ERR_401_RATE_LIMITED"
	ErrCodeOverloaded  = "ERR_402_OVERLOADED"
	ErrCodeTimeout     = "ERR_403_TIMEOUT"
	ErrCodeEmptyResult = "ERR_404_EMPTY_RESULT"

	// Internal and training errors (500-599)
	ErrCodeInternal         = "ERR_501_INTERNAL"
	ErrCodeInsufficientData = "ERR_502_INSUFFICIENT_DATA"
	ErrCodeTrainingFailed   = "ERR_503_TRAINING_FAILED"
	ErrCodePartialPromotion = "ERR_504_PARTIAL_PROMOTION"
	ErrCodeTrainingBusy     = "ERR_505_TRAINING_BUSY"
)

// kindFromCode maps an error code to its Kind.
func kindFromCode(code string) Kind {
	switch code {
	case ErrCodeSourceUnreadable, ErrCodeImageDecode, ErrCodeImageTooLarge, ErrCodeFetchFailed:
		return KindSourceUnreadable
	case ErrCodeBackendUnavailable, ErrCodeInferenceFailed:
		return KindInferenceFailed
	case ErrCodeEmptyResult:
		return KindEmptyResult
	case ErrCodeRateLimited:
		return KindRateLimited
	case ErrCodeOverloaded, ErrCodeTrainingBusy:
		return KindOverloaded
	case ErrCodeTimeout:
		return KindTimeout
	case ErrCodeItemNotFound, ErrCodeSessionNotFound, ErrCodeModelNotFound,
		ErrCodeExampleNotFound:
		return KindNotFound
	case ErrCodeInsufficientData:
		return KindInsufficientData
	case ErrCodePartialPromotion:
		return KindPartialPromotion
	default:
		return KindInternal
	}
}

// severityFromCode determines severity based on error code.
// Corrupt stores and an unresolvable active model abort startup.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeStoreCorrupt, ErrCodeRegistryUnresolved:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeFetchFailed, ErrCodeBackendUnavailable, ErrCodeRateLimited,
		ErrCodeOverloaded, ErrCodeTimeout, ErrCodeTrainingBusy:
		return true
	default:
		return false
	}
}

// retryAfterDefault is the hint attached to admission errors that carry
// no explicit reservation delay.
const retryAfterDefault = 1 * time.Second
