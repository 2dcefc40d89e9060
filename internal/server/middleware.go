package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type requestIDKey struct{}

// requestID tags every request with an id for log correlation. A caller
// supplied X-Request-ID is kept so ids survive proxies.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// logRequests emits one structured line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFrom(r.Context()),
			"principal", principal(r))
	})
}

// requireAdminToken rejects admin calls without the configured token.
// An empty configured token leaves the routes open; authorization is then
// the deployment's problem, per the service contract.
func (s *Server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Server.AdminToken
		if token != "" {
			got := r.Header.Get("X-Admin-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				s.logger.Warn("admin_token_rejected",
					"path", r.URL.Path,
					"principal", principal(r))
				respondJSON(w, http.StatusUnauthorized,
					map[string]string{"error": "missing or invalid admin token"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// principal is the caller identity asserted by the deployment in front of
// this service. The facade trusts it; it never authenticates.
func principal(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Principal"))
}

func principalName(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Principal-Name"))
}
