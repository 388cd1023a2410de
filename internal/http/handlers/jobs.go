package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/apexrad/radsched/internal/intake"
	"github.com/apexrad/radsched/pkg/logging"
)

// JobStatusHandler serves intake job records to webhook callers polling an
// async outcome.
type JobStatusHandler struct {
	recorder intake.JobRecorder
	logger   *logging.Logger
}

// NewJobStatusHandler wires the handler. Recorder is required.
func NewJobStatusHandler(recorder intake.JobRecorder, logger *logging.Logger) *JobStatusHandler {
	if recorder == nil {
		panic("handlers: job status requires a recorder")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &JobStatusHandler{recorder: recorder, logger: logger}
}

// Get returns one job record by ID.
func (h *JobStatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		http.Error(w, "missing job id", http.StatusBadRequest)
		return
	}
	job, err := h.recorder.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, intake.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		h.logger.Error("job lookup failed", "error", err, "job_id", jobID)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
