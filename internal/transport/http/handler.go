package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/SeriousBug/frame-shift-video-sub001/internal/broadcast"
	"github.com/SeriousBug/frame-shift-video-sub001/internal/entity"
	"github.com/SeriousBug/frame-shift-video-sub001/internal/protocol"
	"github.com/SeriousBug/frame-shift-video-sub001/internal/repository/postgresql"
	"github.com/SeriousBug/frame-shift-video-sub001/internal/scheduler"
)

// JobStore is the slice of the repository the HTTP layer reads and the
// progress-ingest endpoint writes.
type JobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	List(ctx context.Context) ([]entity.Job, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, percent float64, workerID string) error
}

// Follower is the executor surface the worker routes delegate to,
// implemented by worker.Executor.
type Follower interface {
	ExecuteJob(ctx context.Context, req protocol.ExecuteJobRequest) protocol.JobCompleteResult
	CancelJob(jobID string) bool
	Status() protocol.WorkerStatus
}

// Handler serves both roles. On the leader follower is nil and the worker
// routes answer 403; on a follower sched and store are nil and only the
// worker routes are mounted.
type Handler struct {
	sched    *scheduler.Scheduler
	store    JobStore
	sink     broadcast.Sink
	follower Follower
	secret   string
}

func NewLeaderHandler(sched *scheduler.Scheduler, store JobStore, sink broadcast.Sink, secret string) *Handler {
	return &Handler{sched: sched, store: store, sink: sink, secret: secret}
}

func NewFollowerHandler(follower Follower, secret string) *Handler {
	return &Handler{follower: follower, secret: secret}
}

// verifyBody authenticates a signed request and hands back the raw body.
// Nothing downstream runs when verification fails.
func (h *Handler) verifyBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, r, http.StatusBadRequest, "unreadable body")
		return nil, false
	}
	if err := protocol.Verify(h.secret, r.Header.Get(protocol.HeaderSignature), body); err != nil {
		writeErr(w, r, http.StatusUnauthorized, "authentication failed")
		return nil, false
	}
	return body, true
}

// ExecuteJob godoc
// @Summary Execute a job on this follower
// @Description Runs the given command to completion; the response body is the terminal result.
// @Tags worker
// @Accept json
// @Produce json
// @Success 200 {object} protocol.JobCompleteResult
// @Failure 401 {object} apiError
// @Failure 403 {object} apiError
// @Router /worker/execute [post]
func (h *Handler) ExecuteJob(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verifyBody(w, r)
	if !ok {
		return
	}
	if h.follower == nil {
		writeErr(w, r, http.StatusForbidden, "not running in follower mode")
		return
	}

	var req protocol.ExecuteJobRequest
	if err := json.Unmarshal(body, &req); err != nil || req.JobID == "" {
		writeErr(w, r, http.StatusBadRequest, "invalid execute request")
		return
	}

	writeJSON(w, http.StatusOK, h.follower.ExecuteJob(r.Context(), req))
}

// CancelWorkerJob godoc
// @Summary Cancel a job running on this follower
// @Tags worker
// @Produce json
// @Param jobID path string true "job id"
// @Success 200 {object} protocol.CancelResponse
// @Failure 401 {object} apiError
// @Router /worker/cancel/{jobID} [post]
func (h *Handler) CancelWorkerJob(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.verifyBody(w, r); !ok {
		return
	}
	if h.follower == nil {
		writeErr(w, r, http.StatusForbidden, "not running in follower mode")
		return
	}

	cancelled := h.follower.CancelJob(chi.URLParam(r, "jobID"))
	// A job the follower no longer has is not a transport error.
	writeJSON(w, http.StatusOK, protocol.CancelResponse{Success: true, Cancelled: cancelled})
}

// WorkerStatus godoc
// @Summary Follower health snapshot
// @Tags worker
// @Produce json
// @Success 200 {object} protocol.WorkerStatus
// @Failure 401 {object} apiError
// @Router /worker/status [get]
func (h *Handler) WorkerStatus(w http.ResponseWriter, r *http.Request) {
	// GET semantics: the signature covers an empty body.
	if err := protocol.Verify(h.secret, r.Header.Get(protocol.HeaderSignature), nil); err != nil {
		writeErr(w, r, http.StatusUnauthorized, "authentication failed")
		return
	}
	if h.follower == nil {
		writeErr(w, r, http.StatusForbidden, "not running in follower mode")
		return
	}

	writeJSON(w, http.StatusOK, h.follower.Status())
}

type progressAck struct {
	Success bool `json:"success"`
}

// IngestProgress godoc
// @Summary Ingest a progress sample from a follower
// @Description Auth is required only when the leader has a shared secret configured.
// @Tags jobs
// @Accept json
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} progressAck
// @Failure 401 {object} apiError
// @Failure 404 {object} apiError
// @Router /api/jobs/{id}/progress [post]
func (h *Handler) IngestProgress(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, r, http.StatusBadRequest, "unreadable body")
		return
	}
	// Standalone deployments run without a shared secret; with one set,
	// unauthenticated samples are rejected before any state changes.
	if h.secret != "" {
		if err := protocol.Verify(h.secret, r.Header.Get(protocol.HeaderSignature), body); err != nil {
			writeErr(w, r, http.StatusUnauthorized, "authentication failed")
			return
		}
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, http.StatusBadRequest, "invalid id")
		return
	}
	var update protocol.JobProgressUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		writeErr(w, r, http.StatusBadRequest, "invalid progress update")
		return
	}

	workerID := r.Header.Get(protocol.HeaderWorkerID)
	if err := h.store.UpdateProgress(r.Context(), id, update.Progress, workerID); err != nil {
		if errors.Is(err, postgresql.ErrNotFound) {
			writeErr(w, r, http.StatusNotFound, "job not found")
			return
		}
		writeErr(w, r, http.StatusInternalServerError, "progress update failed")
		return
	}

	h.sink.JobProgress(r.Context(), id.String(), update.Progress, entity.ProgressSample{
		Frame:   update.Frame,
		FPS:     update.FPS,
		Speed:   update.Speed,
		Percent: update.Progress,
	})
	writeJSON(w, http.StatusOK, progressAck{Success: true})
}
