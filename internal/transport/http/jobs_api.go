package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/SeriousBug/frame-shift-video-sub001/internal/entity"
	"github.com/SeriousBug/frame-shift-video-sub001/internal/repository/postgresql"
	"github.com/SeriousBug/frame-shift-video-sub001/internal/scheduler"
)

type createJobDTO struct {
	Name       string   `json:"name"`
	InputFile  string   `json:"input_file"`
	OutputFile string   `json:"output_file"`
	Command    []string `json:"command"`
}

// CreateJob godoc
// @Summary Enqueue a conversion job
// @Description Inserts a pending job at the back of the queue and nudges the scheduler.
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body createJobDTO true "job payload"
// @Success 201 {object} entity.Job
// @Failure 400 {object} apiError
// @Failure 500 {object} apiError
// @Router /api/jobs [post]
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var dto createJobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	if dto.Name == "" || dto.InputFile == "" || dto.OutputFile == "" || len(dto.Command) == 0 {
		writeErr(w, r, http.StatusBadRequest, "name, input_file, output_file and command are required")
		return
	}

	job, err := h.sched.CreateJob(r.Context(), dto.Name, dto.InputFile, dto.OutputFile, dto.Command)
	if err != nil {
		writeErr(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// ListJobs godoc
// @Summary List all jobs in queue order
// @Tags jobs
// @Produce json
// @Success 200 {array} entity.Job
// @Router /api/jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.List(r.Context())
	if err != nil {
		writeErr(w, r, http.StatusInternalServerError, "listing jobs failed")
		return
	}
	if jobs == nil {
		jobs = []entity.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// GetJob godoc
// @Summary Get job by id
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} entity.Job
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /api/jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, http.StatusBadRequest, "invalid id")
		return
	}

	job, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		writeErr(w, r, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob godoc
// @Summary Cancel a pending or running job
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} entity.Job
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /api/jobs/{id}/cancel [post]
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, http.StatusBadRequest, "invalid id")
		return
	}

	if err := h.sched.CancelJob(r.Context(), id); err != nil {
		if errors.Is(err, postgresql.ErrNotFound) {
			writeErr(w, r, http.StatusNotFound, "job not found")
			return
		}
		writeErr(w, r, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		writeErr(w, r, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// RetryJob godoc
// @Summary Resubmit a finished job as a new pending job
// @Description The original job is marked retried and cannot be resubmitted again.
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 201 {object} entity.Job
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /api/jobs/{id}/retry [post]
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, http.StatusBadRequest, "invalid id")
		return
	}

	job, err := h.sched.RetryJob(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, postgresql.ErrNotFound):
			writeErr(w, r, http.StatusNotFound, "job not found")
		case errors.Is(err, scheduler.ErrAlreadyRetried):
			writeErr(w, r, http.StatusConflict, err.Error())
		default:
			writeErr(w, r, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, job)
}
