package errors

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatForCLI_IncludesHintAndCode(t *testing.T) {
	err := New(ErrCodeInsufficientData, "only 7 unconsumed examples", nil).
		WithSuggestion("collect more feedback or lower training.min_examples_manual")

	out := FormatForCLI(err)

	assert.Contains(t, out, "Error: only 7 unconsumed examples")
	assert.Contains(t, out, "Hint: collect more feedback")
	assert.Contains(t, out, "Code: ERR_502_INSUFFICIENT_DATA")
}

func TestFormatForCLI_WrapsForeignErrors(t *testing.T) {
	out := FormatForCLI(fmt.Errorf("disk gremlins"))

	assert.Contains(t, out, "disk gremlins")
	assert.Contains(t, out, ErrCodeInternal)
}

func TestFormatForCLI_ShowsRetryAfter(t *testing.T) {
	out := FormatForCLI(RateLimitedError("photo", 9*time.Second))
	assert.Contains(t, out, "Retry after: 9s")
}

func TestFormatJSON_RoundTrips(t *testing.T) {
	err := RateLimitedError("general", 3*time.Second).
		WithDetail("user_id", "42")

	data, jerr := FormatJSON(err)
	require.NoError(t, jerr)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))

	assert.Equal(t, "ERR_401_RATE_LIMITED", parsed["code"])
	assert.Equal(t, "RATE_LIMITED", parsed["kind"])
	assert.Equal(t, true, parsed["retryable"])
	assert.Equal(t, 3.0, parsed["retry_after_seconds"])
	details, ok := parsed["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "42", details["user_id"])
}

func TestFormatJSON_NilError(t *testing.T) {
	data, err := FormatJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestFormatForLog_StructuredFields(t *testing.T) {
	cause := fmt.Errorf("EOF")
	err := Wrap(ErrCodeVectorDecode, cause).WithDetail("item_id", "B-7")

	fields := FormatForLog(err)

	assert.Equal(t, ErrCodeVectorDecode, fields["error_code"])
	assert.Equal(t, "INTERNAL", fields["kind"])
	assert.Equal(t, "EOF", fields["cause"])
	assert.Equal(t, "B-7", fields["detail_item_id"])
}

func TestFormatForLog_ForeignError(t *testing.T) {
	fields := FormatForLog(fmt.Errorf("plain"))
	assert.Equal(t, map[string]any{"error": "plain"}, fields)
}

func TestFormatForLog_Nil(t *testing.T) {
	assert.Nil(t, FormatForLog(nil))
}
