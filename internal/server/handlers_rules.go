package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/rules"
	"github.com/ashita-ai/kage/internal/service/catalog"
	"github.com/ashita-ai/kage/internal/storage"
)

// writeCatalogError maps catalog and storage errors to responses. It
// reports false when err was not one it recognizes.
func writeCatalogError(w http.ResponseWriter, r *http.Request, err error) bool {
	var defErr *rules.DefinitionError
	switch {
	case errors.As(err, &defErr):
		writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidRule, defErr.Reason,
			map[string]string{"path": defErr.Path})
	case errors.Is(err, catalog.ErrInvalidVersion):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, storage.ErrDuplicate):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "rule version already exists; publish a new version")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "rule version not found")
	case errors.Is(err, catalog.ErrNoActiveRule):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "tool has no active rule")
	default:
		return false
	}
	return true
}

// HandlePublishRule handles POST /v1/rules.
func (h *Handlers) HandlePublishRule(w http.ResponseWriter, r *http.Request) {
	var req model.PublishRuleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if fields := model.ValidateStruct(req); fields != nil {
		writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid rule document", fields)
		return
	}
	if err := model.ValidateToolName(req.ToolName); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	doc, err := h.catalog.Publish(r.Context(), req)
	if err != nil {
		if writeCatalogError(w, r, err) {
			return
		}
		h.logger.Error("server: publish rule", "tool", req.ToolName, "version", req.Version, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to publish rule")
		return
	}
	writeJSON(w, r, http.StatusCreated, doc)
}

// HandleListRules handles GET /v1/rules/{tool}.
func (h *Handlers) HandleListRules(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	if err := model.ValidateToolName(tool); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	docs, err := h.catalog.Versions(r.Context(), tool)
	if err != nil {
		h.logger.Error("server: list rules", "tool", tool, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list rules")
		return
	}
	if docs == nil {
		docs = []model.RuleDocument{}
	}
	writeJSON(w, r, http.StatusOK, docs)
}

// HandleActivateRule handles POST /v1/rules/{tool}/{version}/activate.
func (h *Handlers) HandleActivateRule(w http.ResponseWriter, r *http.Request) {
	tool, version := r.PathValue("tool"), r.PathValue("version")
	if err := h.catalog.Activate(r.Context(), tool, version); err != nil {
		if writeCatalogError(w, r, err) {
			return
		}
		h.logger.Error("server: activate rule", "tool", tool, "version", version, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to activate rule")
		return
	}
	active, _ := h.catalog.ActiveVersion(tool)
	writeJSON(w, r, http.StatusOK, map[string]string{"tool_name": tool, "active_version": active})
}

// HandleExplainRule handles POST /v1/rules/{tool}/{version}/explain. An
// evaluation error is part of a 200 answer.
func (h *Handlers) HandleExplainRule(w http.ResponseWriter, r *http.Request) {
	tool, version := r.PathValue("tool"), r.PathValue("version")
	var req model.ExplainRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Input == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "input is required")
		return
	}

	doc, res, err := h.catalog.Explain(r.Context(), tool, version, req.Input)
	resp := model.ExplainResponse{ToolName: tool, RuleVersion: doc.Version}
	if err != nil {
		var evalErr *rules.EvaluationError
		if !errors.As(err, &evalErr) {
			if writeCatalogError(w, r, err) {
				return
			}
			h.logger.Error("server: explain rule", "tool", tool, "version", version, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to explain rule")
			return
		}
		resp.Error = err.Error()
		writeJSON(w, r, http.StatusOK, resp)
		return
	}

	out := res.Outcome
	resp.Output = &out
	resp.Explanation = res.Explanation
	resp.VariablesUsed = res.VariablesUsed
	resp.Summary = res.Summary
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleSetExperiment handles PUT /v1/experiments/{tool}.
func (h *Handlers) HandleSetExperiment(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	if err := model.ValidateToolName(tool); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.ExperimentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if fields := model.ValidateStruct(req); fields != nil {
		writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid experiment", fields)
		return
	}

	exp, err := h.catalog.SetExperiment(r.Context(), tool, req)
	if err != nil {
		if writeCatalogError(w, r, err) {
			return
		}
		h.logger.Error("server: set experiment", "tool", tool, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to set experiment")
		return
	}
	writeJSON(w, r, http.StatusOK, exp)
}

// HandleEndExperiment handles DELETE /v1/experiments/{tool}.
func (h *Handlers) HandleEndExperiment(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	if err := h.catalog.EndExperiment(r.Context(), tool); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no experiment for "+tool)
			return
		}
		h.logger.Error("server: end experiment", "tool", tool, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to end experiment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
