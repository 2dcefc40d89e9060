package server

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"fotopoisk/internal/errors"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError writes the coded error body and maps the error kind to an
// HTTP status. Retryable errors carry a Retry-After header.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	pe, ok := errors.AsPoiskError(err)
	if !ok {
		pe = errors.Wrap(errors.ErrCodeInternal, err)
	}

	status := statusForError(pe)
	if ra := pe.RetryAfter; ra > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(ra.Seconds()))))
	}

	if status >= http.StatusInternalServerError {
		s.logger.Warn("request_failed",
			"code", pe.Code,
			"status", status,
			"request_id", requestIDFrom(r.Context()),
			"error", pe.Error())
	}

	body, jerr := errors.FormatJSON(pe)
	if jerr != nil {
		http.Error(w, `{"code":"`+errors.ErrCodeInternal+`"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// statusForError maps the reaction taxonomy to HTTP statuses. Two codes
// get more specific statuses than their kind: invalid arguments are the
// caller's fault, and an oversized image has its own status in HTTP.
func statusForError(pe *errors.PoiskError) int {
	switch pe.Code {
	case errors.ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case errors.ErrCodeImageTooLarge:
		return http.StatusRequestEntityTooLarge
	}

	switch pe.Kind {
	case errors.KindSourceUnreadable:
		return http.StatusBadRequest
	case errors.KindInferenceFailed:
		return http.StatusBadGateway
	case errors.KindEmptyResult:
		return http.StatusNotFound
	case errors.KindRateLimited:
		return http.StatusTooManyRequests
	case errors.KindOverloaded:
		return http.StatusServiceUnavailable
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindInsufficientData:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON fills dst from the request body. An empty body leaves dst
// untouched so optional-parameter endpoints accept bare POSTs.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, jsonBodyLimit))
	if err := dec.Decode(dst); err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil
		}
		return errors.New(errors.ErrCodeInvalidArgument,
			"request body is not valid JSON", err)
	}
	return nil
}
