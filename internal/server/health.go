package server

import (
	"context"
	"net/http"
	"time"

	"fotopoisk/internal/async"
	"fotopoisk/internal/feedback"
	"fotopoisk/internal/registry"
	"fotopoisk/internal/telemetry"
)

const healthProbeTimeout = 2 * time.Second

type healthResponse struct {
	Status        string             `json:"status"`
	ModelVersion  string             `json:"model_version"`
	EmbedderReady bool               `json:"embedder_ready"`
	Pending       int                `json:"pending"`
	Workers       int                `json:"workers"`
	Job           *async.JobSnapshot `json:"job,omitempty"`
}

// handleHealthz answers liveness probes. A reachable process with a dead
// embedding backend reports degraded with 503, so load balancers stop
// routing searches that could only fail.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	out := healthResponse{
		Status:        "ok",
		ModelVersion:  s.embedder.ModelVersion(),
		EmbedderReady: s.embedder.Available(ctx),
		Pending:       s.pipeline.Pending(),
		Workers:       s.pipeline.Workers(),
	}
	if s.runner.IsRunning() {
		if snap, ok := s.runner.Status(); ok {
			out.Job = &snap
		}
	}

	status := http.StatusOK
	if !out.EmbedderReady {
		out.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, out)
}

type statsResponse struct {
	CatalogItems int                 `json:"catalog_items"`
	ActiveModel  *registry.Artifact  `json:"active_model"`
	Feedback     *feedback.Stats     `json:"feedback"`
	Telemetry    *telemetry.Snapshot `json:"telemetry,omitempty"`
}

// handleStats reports the operator view: catalog size, the live model,
// accumulated feedback, and serving telemetry.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.AdmitGeneral(principal(r)); err != nil {
		s.respondError(w, r, err)
		return
	}

	ctx := r.Context()
	count, err := s.catalog.Count(ctx)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	active, err := s.registry.Active()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	fbStats, err := s.store.Stats(ctx)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	out := statsResponse{
		CatalogItems: count,
		ActiveModel:  active,
		Feedback:     fbStats,
	}
	if s.metrics != nil {
		out.Telemetry = s.metrics.Snapshot()
	}
	respondJSON(w, http.StatusOK, out)
}
