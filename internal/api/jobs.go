package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JasSra/henchmen/internal/db"
	"github.com/JasSra/henchmen/internal/dispatcher"
	"github.com/JasSra/henchmen/internal/logbroker"
	"github.com/JasSra/henchmen/internal/store"
)

// JobHandler serves the operator-facing job endpoints.
type JobHandler struct {
	st         *store.Store
	dispatcher *dispatcher.Dispatcher
	broker     *logbroker.Broker
	logger     *zap.Logger
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(st *store.Store, disp *dispatcher.Dispatcher, broker *logbroker.Broker, logger *zap.Logger) *JobHandler {
	return &JobHandler{st: st, dispatcher: disp, broker: broker, logger: logger}
}

// jobResponse is the wire shape of a job across all endpoints.
type jobResponse struct {
	ID              uuid.UUID       `json:"id"`
	Repo            string          `json:"repo"`
	Ref             string          `json:"ref"`
	Host            string          `json:"host"`
	Status          string          `json:"status"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	AssignedAgentID *uuid.UUID      `json:"assigned_agent_id,omitempty"`
	AssignedAt      *time.Time      `json:"assigned_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Result          string          `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func jobView(job *db.Job) jobResponse {
	return jobResponse{
		ID:              job.ID,
		Repo:            job.Repo,
		Ref:             job.Ref,
		Host:            job.Host,
		Status:          job.Status,
		Payload:         json.RawMessage(job.Payload),
		AssignedAgentID: job.AssignedAgentID,
		AssignedAt:      job.AssignedAt,
		CompletedAt:     job.CompletedAt,
		Result:          job.Result,
		Error:           job.Error,
		CreatedAt:       job.CreatedAt,
	}
}

type createJobRequest struct {
	Repo    string          `json:"repo"`
	Ref     string          `json:"ref"`
	Host    string          `json:"host"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Create handles POST /v1/jobs: direct job creation bypassing the webhook
// path. A duplicate idempotency key is a 409 here, unlike webhook fan-out
// where it is silently absorbed.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Repo == "" || req.Ref == "" || req.Host == "" {
		ErrBadRequest(w, "repo, ref and host are required")
		return
	}

	job := &db.Job{
		Repo:    req.Repo,
		Ref:     req.Ref,
		Host:    req.Host,
		Payload: []byte(req.Payload),
	}
	if err := h.dispatcher.Submit(r.Context(), job, "api"); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotency) {
			ErrConflict(w, "an active job already exists for this repo, ref and host", "duplicate_idempotency")
			return
		}
		h.logger.Error("job create failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, jobView(job))
}

// Get handles GET /v1/jobs/{id}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrNotFound(w)
		return
	}

	job, err := h.st.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("job read failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, jobView(job))
}

// List handles GET /v1/jobs with optional status, host, limit and offset
// query parameters.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{
		Limit:  50,
		Status: r.URL.Query().Get("status"),
		Host:   r.URL.Query().Get("host"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}

	jobs, total, err := h.st.ListJobs(r.Context(), opts)
	if err != nil {
		h.logger.Error("job list failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	views := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		views = append(views, jobView(&jobs[i]))
	}
	Ok(w, envelope{"jobs": views, "total": total})
}

// Cancel handles DELETE /v1/jobs/{id}. Cancelling an already-terminal job
// reports the stored status without changing it.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrNotFound(w)
		return
	}

	job, err := h.dispatcher.Cancel(r.Context(), jobID)
	switch {
	case err == nil:
		Ok(w, jobView(job))
	case errors.Is(err, store.ErrAlreadyTerminal):
		Ok(w, envelope{"job": jobView(job), "code": "already_terminal"})
	case errors.Is(err, store.ErrNotFound):
		ErrNotFound(w)
	default:
		h.logger.Error("job cancel failed", zap.Error(err))
		ErrInternal(w)
	}
}

// StreamLogs handles GET /v1/jobs/{id}/logs/stream: a server-sent events
// stream of the job's log, resumable via the from_sequence query
// parameter (also accepted as the Last-Event-ID header).
func (h *JobHandler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrNotFound(w)
		return
	}

	fromSequence := int64(0)
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			fromSequence = n + 1
		}
	}
	if v := r.URL.Query().Get("from_sequence"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			fromSequence = n
		}
	}

	sub, err := h.broker.Subscribe(r.Context(), jobID, fromSequence)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("log subscribe failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	defer sub.Close()

	serveSSE(w, r, sub, h.logger)
}
