package server

import (
	"fmt"
	"net/http"

	"fotopoisk/internal/errors"
	"fotopoisk/internal/feedback"
)

type feedbackRequest struct {
	ShortID string `json:"short_id"`
	Verdict string `json:"verdict"`

	// Verdicts "correct" and "incorrect" point at a served result, by
	// position or by explicit item id.
	ResultIndex int    `json:"result_index"`
	ItemID      string `json:"item_id"`

	// Verdict "new_item" proposes a product the catalog does not carry.
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`

	// Verdict "correction" names the item that should have won.
	Query string `json:"query"`

	Comment string `json:"comment"`
}

// feedbackResponse acks a verdict. Verdict rows are queued for the
// feedback store's writer, so there is no row id to return.
type feedbackResponse struct {
	Accepted bool `json:"accepted"`
	// RetrainHint tells operator tooling that enough fresh signal has
	// accumulated for a training run.
	RetrainHint bool `json:"retrain_hint"`
}

// handleFeedback records a user verdict against a served search. The
// short id may reference an expired session; the verdict is then kept in
// degraded, orphaned form rather than rejected.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	user := principal(r)
	if user == "" {
		s.respondError(w, r, errors.New(errors.ErrCodeInvalidArgument,
			"feedback requires the X-Principal header", nil))
		return
	}
	if err := s.pipeline.AdmitGeneral(user); err != nil {
		s.respondError(w, r, err)
		return
	}

	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.ShortID == "" {
		s.respondError(w, r, errors.New(errors.ErrCodeInvalidArgument,
			"short_id is required", nil))
		return
	}

	ctx := r.Context()
	var err error
	switch req.Verdict {
	case "correct":
		err = s.feedback.MarkCorrect(ctx, feedback.ResultFeedback{
			ShortID:     req.ShortID,
			ResultIndex: req.ResultIndex,
			ItemID:      req.ItemID,
			UserID:      user,
			Username:    principalName(r),
			Comment:     req.Comment,
		})
	case "incorrect":
		err = s.feedback.MarkIncorrect(ctx, feedback.ResultFeedback{
			ShortID:     req.ShortID,
			ResultIndex: req.ResultIndex,
			ItemID:      req.ItemID,
			UserID:      user,
			Username:    principalName(r),
			Comment:     req.Comment,
		})
	case "new_item":
		_, err = s.feedback.ProposeNewItem(ctx, feedback.NewItemFeedback{
			ShortID:     req.ShortID,
			Name:        req.Name,
			Category:    req.Category,
			Description: req.Description,
			UserID:      user,
			Username:    principalName(r),
		})
	case "correction":
		err = s.feedback.SpecifyCorrect(ctx, feedback.CorrectionFeedback{
			ShortID:  req.ShortID,
			ItemID:   req.ItemID,
			Query:    req.Query,
			UserID:   user,
			Username: principalName(r),
			Comment:  req.Comment,
		})
	default:
		err = errors.New(errors.ErrCodeInvalidArgument,
			fmt.Sprintf("unknown verdict %q", req.Verdict), nil).
			WithSuggestion(`Use "correct", "incorrect", "new_item", or "correction"`)
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordFeedback(req.Verdict)
	}

	hint, hintErr := s.feedback.ShouldRetrainHint(ctx)
	if hintErr != nil {
		hint = false
	}
	respondJSON(w, http.StatusOK, feedbackResponse{Accepted: true, RetrainHint: hint})
}
