package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kage/internal/legacy"
	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/service/feedback"
	"github.com/ashita-ai/kage/internal/service/shadow"
	"github.com/ashita-ai/kage/internal/storage"
)

// HandleEvaluate handles POST /v1/tools/{tool}/evaluate. The response is
// always the legacy result; the rule path runs in the background.
func (h *Handlers) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	if err := model.ValidateToolName(tool); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.EvaluateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateEvaluateRequest(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resp, err := h.harness.Evaluate(r.Context(), tool, req)
	if err != nil {
		switch {
		case errors.Is(err, legacy.ErrNoEvaluator):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNoLegacyRoute, "no legacy evaluator registered for "+tool)
		case errors.Is(err, shadow.ErrLegacy):
			h.logger.Warn("server: legacy evaluator failed", "tool", tool, "error", err)
			writeError(w, r, http.StatusBadGateway, model.ErrCodeLegacyFailure, err.Error())
		default:
			h.logger.Error("server: evaluate", "tool", tool, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "evaluation failed")
		}
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleSubmitFeedback handles POST /v1/feedback.
func (h *Handlers) HandleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitFeedbackRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	f, err := h.feedback.Submit(r.Context(), req)
	if err != nil {
		var verr *feedback.ValidationError
		switch {
		case errors.As(err, &verr):
			writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid feedback", verr.Fields)
		case errors.Is(err, feedback.ErrDecisionNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "decision not found")
		default:
			h.logger.Error("server: submit feedback", "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to record feedback")
		}
		return
	}
	writeJSON(w, r, http.StatusCreated, f)
}

// HandleGetDecision handles GET /v1/decisions/{id}.
func (h *Handlers) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "id must be a UUID")
		return
	}
	d, err := h.store.GetDecision(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "decision not found")
			return
		}
		h.logger.Error("server: get decision", "id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load decision")
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleReviewQueue handles GET /v1/review-queue?tool=&limit=.
func (h *Handlers) HandleReviewQueue(w http.ResponseWriter, r *http.Request) {
	tool := r.URL.Query().Get("tool")
	if tool != "" {
		if err := model.ValidateToolName(tool); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}
	items, err := h.store.ListReviewQueue(r.Context(), tool, queryLimit(r, 50))
	if err != nil {
		h.logger.Error("server: list review queue", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list review queue")
		return
	}
	if items == nil {
		items = []model.ReviewItem{}
	}
	writeJSON(w, r, http.StatusOK, items)
}

// HandleAdjustments handles GET /v1/adjustments. With ?tool=&version= it
// returns that pair's factor history instead of the cached current factors.
func (h *Handlers) HandleAdjustments(w http.ResponseWriter, r *http.Request) {
	if h.adjust == nil {
		writeJSON(w, r, http.StatusOK, []model.AdjustmentFactor{})
		return
	}
	q := r.URL.Query()
	tool, version := q.Get("tool"), q.Get("version")
	if tool == "" && version == "" {
		writeJSON(w, r, http.StatusOK, h.adjust.Cache().Snapshot())
		return
	}
	if tool == "" || version == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tool and version must be given together")
		return
	}
	history, err := h.adjust.History(r.Context(), model.ToolVersion{ToolName: tool, RuleVersion: version}, queryLimit(r, 30))
	if err != nil {
		h.logger.Error("server: adjustment history", "tool", tool, "version", version, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load adjustment history")
		return
	}
	if history == nil {
		history = []model.AdjustmentFactor{}
	}
	writeJSON(w, r, http.StatusOK, history)
}
