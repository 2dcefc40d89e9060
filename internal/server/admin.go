package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"fotopoisk/internal/async"
	"fotopoisk/internal/errors"
	"fotopoisk/internal/feedback"
	"fotopoisk/internal/registry"
	"fotopoisk/internal/training"
)

// jobAccepted acknowledges a background job and tells the caller where to
// watch it.
type jobAccepted struct {
	Job    string `json:"job"`
	Status string `json:"status"`
	Poll   string `json:"poll"`
}

const jobsPath = "/api/v1/admin/jobs"

// startJob hands a closure to the runner. Jobs run on the server's
// lifetime, not the request's: the HTTP exchange ends at 202 while the
// work keeps going, and only runner shutdown cancels it.
func (s *Server) startJob(w http.ResponseWriter, r *http.Request, kind async.JobKind, fn async.JobFunc) {
	if err := s.runner.Start(context.Background(), kind, fn); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.logger.Info("job_accepted",
		"kind", string(kind),
		"principal", principal(r),
		"request_id", requestIDFrom(r.Context()))
	respondJSON(w, http.StatusAccepted, jobAccepted{
		Job:    string(kind),
		Status: string(async.StatusRunning),
		Poll:   jobsPath,
	})
}

// handleTrain starts a fine-tuning run over the unconsumed feedback.
// Body fields override the configured hyperparameters; zero values keep
// them.
func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Epochs       int     `json:"epochs"`
		BatchSize    int     `json:"batch_size"`
		LearningRate float64 `json:"learning_rate"`
		WeightDecay  float64 `json:"weight_decay"`
		MinExamples  int     `json:"min_examples"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	hp := training.HyperparamsFromConfig(s.cfg.Training)
	if body.Epochs > 0 {
		hp.Epochs = body.Epochs
	}
	if body.BatchSize > 0 {
		hp.BatchSize = body.BatchSize
	}
	if body.LearningRate > 0 {
		hp.LearningRate = body.LearningRate
	}
	if body.WeightDecay > 0 {
		hp.WeightDecay = body.WeightDecay
	}
	if body.MinExamples > 0 {
		hp.MinExamples = body.MinExamples
	}

	s.startJob(w, r, async.KindTrain, func(ctx context.Context) error {
		_, err := s.trainer.FineTune(ctx, hp)
		return err
	})
}

// handleReembed recomputes every catalog vector under the active model.
// This is the recovery path after a partial promotion.
func (s *Server) handleReembed(w http.ResponseWriter, r *http.Request) {
	s.startJob(w, r, async.KindReembed, func(ctx context.Context) error {
		_, err := s.trainer.Reembed(ctx)
		return err
	})
}

// handleJobs reports the running job, or the last finished one.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.runner.Status()
	if !ok {
		respondJSON(w, http.StatusOK, map[string]string{"status": "idle"})
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

type modelsResponse struct {
	Active    *registry.Artifact   `json:"active"`
	Artifacts []*registry.Artifact `json:"artifacts"`
}

// handleModels lists registry artifacts, newest first. ?origin=fine_tuned
// or ?origin=backup narrows the list.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	active, err := s.registry.Active()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	artifacts, err := s.registry.List(r.URL.Query().Get("origin"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if artifacts == nil {
		artifacts = []*registry.Artifact{}
	}
	respondJSON(w, http.StatusOK, modelsResponse{Active: active, Artifacts: artifacts})
}

// handlePromote activates a registered version and moves the catalog into
// its space. The target is resolved before the job starts so a typo fails
// with 404 instead of a doomed 202.
func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	s.activateVersion(w, r, async.KindPromote)
}

// handleRestore is promote pointed at a backup: the same snapshot, swap
// and re-embed sequence, reached from the list of saved models.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	s.activateVersion(w, r, async.KindRestore)
}

func (s *Server) activateVersion(w http.ResponseWriter, r *http.Request, kind async.JobKind) {
	version := chi.URLParam(r, "version")
	if _, err := s.registry.Get(version); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.startJob(w, r, kind, func(ctx context.Context) error {
		return s.trainer.RestoreBackup(ctx, version)
	})
}

// handleCleanupBackups deletes all but the newest backups. The body may
// override the configured retention; the active model always survives.
func (s *Server) handleCleanupBackups(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keep *int `json:"keep"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	keep := s.cfg.Models.BackupRetention
	if body.Keep != nil {
		if *body.Keep < 0 {
			s.respondError(w, r, errors.New(errors.ErrCodeInvalidArgument,
				"keep must be non-negative", nil))
			return
		}
		keep = *body.Keep
	}

	removed, err := s.trainer.CleanupBackups(keep)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if removed == nil {
		removed = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"removed": removed,
		"kept":    keep,
	})
}

// handleListAnnotations lists user-proposed products. ?approved=true
// narrows to approved ones.
func (s *Server) handleListAnnotations(w http.ResponseWriter, r *http.Request) {
	approvedOnly := r.URL.Query().Get("approved") == "true"
	annotations, err := s.store.ListNewProducts(r.Context(), approvedOnly)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if annotations == nil {
		annotations = []*feedback.Annotation{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"annotations": annotations})
}

// handleApproveAnnotation marks a proposed product as reviewed, recording
// the approving principal.
func (s *Server) handleApproveAnnotation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, r, errors.New(errors.ErrCodeInvalidArgument,
			"annotation id must be an integer", err))
		return
	}
	if err := s.store.ApproveNewProduct(r.Context(), id, principal(r)); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"approved": id})
}
