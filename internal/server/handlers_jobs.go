package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/ashita-ai/kage/internal/jobs"
	"github.com/ashita-ai/kage/internal/model"
)

// HandleRunJob handles POST /v1/jobs/{job}. The run is synchronous: the
// response carries the job summary, 409 if a run is already in progress and
// 504 if it exceeds the job timeout.
func (h *Handlers) HandleRunJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("job")
	runner, ok := h.jobs[name]
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown job "+name)
		return
	}

	// A client disconnect does not abort a batch run; the job timeout bounds it.
	res, err := runner.Run(context.WithoutCancel(r.Context()))
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusOK, res)
	case errors.Is(err, jobs.ErrAlreadyRunning):
		writeError(w, r, http.StatusConflict, model.ErrCodeJobRunning, name+" is already running")
	case errors.Is(err, jobs.ErrJobTimeout):
		writeError(w, r, http.StatusGatewayTimeout, model.ErrCodeJobTimeout, name+" exceeded its timeout")
	default:
		h.logger.Error("server: job failed", "job", name, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, name+" failed")
	}
}

// HandleAlertStream handles GET /v1/alerts/stream (SSE).
func (h *Handlers) HandleAlertStream(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceBusy, "alert stream not enabled")
		return
	}
	h.broker.Serve(w, r)
}
