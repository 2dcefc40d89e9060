package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatForCLI formats an error for CLI output.
// Uses a concise format suitable for terminal display.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	pe, ok := err.(*PoiskError)
	if !ok {
		pe = Wrap(ErrCodeInternal, err)
	}

	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Error: %s\n", pe.Message))

	if pe.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("  Hint: %s\n", pe.Suggestion))
	}
	if pe.RetryAfter > 0 {
		sb.WriteString(fmt.Sprintf("  Retry after: %s\n", pe.RetryAfter))
	}

	sb.WriteString(fmt.Sprintf("  Code: %s\n", pe.Code))

	return sb.String()
}

// jsonError is the JSON representation of an error.
// The HTTP layer serializes errors through this shape.
type jsonError struct {
	Code       string            `json:"code"`
	Kind       string            `json:"kind"`
	Message    string            `json:"message"`
	Severity   string            `json:"severity"`
	Details    map[string]string `json:"details,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
	Cause      string            `json:"cause,omitempty"`
	Retryable  bool              `json:"retryable"`
	RetryAfter float64           `json:"retry_after_seconds,omitempty"`
}

// FormatJSON returns a JSON representation of the error.
// Suitable for machine consumption and the HTTP error body.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return json.Marshal(nil)
	}

	pe, ok := err.(*PoiskError)
	if !ok {
		pe = Wrap(ErrCodeInternal, err)
	}

	je := jsonError{
		Code:       pe.Code,
		Kind:       string(pe.Kind),
		Message:    pe.Message,
		Severity:   string(pe.Severity),
		Details:    pe.Details,
		Suggestion: pe.Suggestion,
		Retryable:  pe.Retryable,
		RetryAfter: pe.RetryAfter.Seconds(),
	}

	if pe.Cause != nil {
		je.Cause = pe.Cause.Error()
	}

	return json.Marshal(je)
}

// FormatForLog formats an error for structured logging.
// Returns key-value pairs suitable for slog attributes.
func FormatForLog(err error) map[string]any {
	if err == nil {
		return nil
	}

	pe, ok := err.(*PoiskError)
	if !ok {
		return map[string]any{
			"error": err.Error(),
		}
	}

	result := map[string]any{
		"error_code": pe.Code,
		"kind":       string(pe.Kind),
		"message":    pe.Message,
		"severity":   string(pe.Severity),
		"retryable":  pe.Retryable,
	}

	if pe.Cause != nil {
		result["cause"] = pe.Cause.Error()
	}
	if pe.RetryAfter > 0 {
		result["retry_after"] = pe.RetryAfter.String()
	}

	for k, v := range pe.Details {
		result["detail_"+k] = v
	}

	return result
}
