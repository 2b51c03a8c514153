package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JasSra/henchmen/internal/db"
	"github.com/JasSra/henchmen/internal/dispatcher"
	"github.com/JasSra/henchmen/internal/logbroker"
	"github.com/JasSra/henchmen/internal/registry"
	"github.com/JasSra/henchmen/internal/store"
)

// AgentHandler serves the agent-facing protocol: registration, heartbeat
// polling, terminal acks, and log ingestion.
type AgentHandler struct {
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	broker     *logbroker.Broker
	logger     *zap.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(reg *registry.Registry, disp *dispatcher.Dispatcher, broker *logbroker.Broker, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{registry: reg, dispatcher: disp, broker: broker, logger: logger}
}

type registerRequest struct {
	Hostname     string            `json:"hostname"`
	Capabilities map[string]string `json:"capabilities"`
}

type registerResponse struct {
	AgentID    uuid.UUID `json:"agent_id"`
	AgentToken string    `json:"agent_token"`
	Hostname   string    `json:"hostname"`
}

// Register handles POST /v1/agents/register. Always issues a fresh
// identity; no authentication is required here, possession of the issued
// token is what authenticates subsequent calls.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Hostname == "" {
		ErrBadRequest(w, "hostname is required")
		return
	}

	agent, token, err := h.registry.Register(r.Context(), req.Hostname, req.Capabilities)
	if err != nil {
		h.logger.Error("agent registration failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, registerResponse{
		AgentID:    agent.ID,
		AgentToken: token,
		Hostname:   agent.Hostname,
	})
}

type heartbeatRequest struct {
	// Status is the agent's self-reported state, recorded in logs only.
	Status string `json:"status,omitempty"`

	// Metrics and Inventory are free-form report payloads the controller
	// accepts but does not interpret.
	Metrics   map[string]any `json:"metrics,omitempty"`
	Inventory map[string]any `json:"inventory,omitempty"`
}

type heartbeatJob struct {
	ID         uuid.UUID       `json:"id"`
	Repo       string          `json:"repo"`
	Ref        string          `json:"ref"`
	Payload    json.RawMessage `json:"payload"`
	AssignedAt *time.Time      `json:"assigned_at"`
}

type heartbeatResponse struct {
	Job *heartbeatJob `json:"job"`
}

// heartbeatDeadline bounds how long a heartbeat may spend touching the
// store and trying to claim a job. On timeout the agent gets an empty
// response and the job stays claimable by the next heartbeat.
const heartbeatDeadline = 15 * time.Second

// Heartbeat handles POST /v1/agents/{id}/heartbeat. Records liveness and
// hands back at most one job for the agent's host. The agent identity
// comes from the verified token claims; AuthenticateAgent has already
// checked they match the {id} path parameter.
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	claims := agentClaimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	agentID, err := uuid.Parse(claims.AgentID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	// The report body is optional and uninterpreted; decode errors on it
	// must not cost the agent its heartbeat.
	var req heartbeatRequest
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req)

	ctx, cancel := context.WithTimeout(r.Context(), heartbeatDeadline)
	defer cancel()

	job, err := h.registry.Heartbeat(ctx, agentID)
	if err != nil {
		if errors.Is(err, registry.ErrAgentUnknown) {
			ErrNotFound(w)
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			Ok(w, heartbeatResponse{})
			return
		}
		h.logger.Error("heartbeat failed", zap.String("agent_id", agentID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := heartbeatResponse{}
	if job != nil {
		resp.Job = &heartbeatJob{
			ID:         job.ID,
			Repo:       job.Repo,
			Ref:        job.Ref,
			Payload:    json.RawMessage(job.Payload),
			AssignedAt: job.AssignedAt,
		}
	}
	Ok(w, resp)
}

type ackRequest struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Ack handles POST /v1/agents/{id}/jobs/{job_id}: the agent reporting a
// terminal status for its assigned job. Re-acks and acks against a
// cancelled job are acknowledged as no-ops with the stored status.
func (h *AgentHandler) Ack(w http.ResponseWriter, r *http.Request) {
	claims := agentClaimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	agentID, err := uuid.Parse(claims.AgentID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		ErrNotFound(w)
		return
	}

	var req ackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status != db.JobStatusSuccess && req.Status != db.JobStatusFailed {
		ErrBadRequest(w, "status must be success or failed")
		return
	}

	job, err := h.dispatcher.OnComplete(r.Context(), jobID, agentID, req.Status, req.Detail)
	switch {
	case err == nil:
		Ok(w, jobView(job))
	case errors.Is(err, store.ErrAlreadyTerminal):
		Ok(w, envelope{"job": jobView(job), "code": "already_terminal"})
	case errors.Is(err, store.ErrNotAssigned):
		ErrConflict(w, "job is not assigned to this agent", "not_assigned")
	case errors.Is(err, store.ErrNotFound):
		ErrNotFound(w)
	default:
		h.logger.Error("ack failed", zap.String("job_id", jobID.String()), zap.Error(err))
		ErrInternal(w)
	}
}

// logLine is one newline-delimited JSON record on the log ingest stream.
type logLine struct {
	Sequence  int64     `json:"sequence"`
	Stream    string    `json:"stream,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Payload   string    `json:"payload"`
}

// PostLogs handles POST /v1/agents/{id}/jobs/{job_id}/logs. The body is a
// stream of newline-delimited JSON chunks, persisted and fanned out as
// they arrive; the agent may hold the request open for the lifetime of
// the job.
func (h *AgentHandler) PostLogs(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		ErrNotFound(w)
		return
	}

	accepted := 0
	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec logLine
		if err := json.Unmarshal(line, &rec); err != nil {
			ErrBadRequest(w, "invalid log line: "+err.Error())
			return
		}

		chunk := db.LogChunk{
			JobID:     jobID,
			Sequence:  rec.Sequence,
			Stream:    rec.Stream,
			Timestamp: rec.Timestamp,
			Payload:   []byte(rec.Payload),
		}
		if chunk.Stream == "" {
			chunk.Stream = db.StreamStdout
		}
		if chunk.Timestamp.IsZero() {
			chunk.Timestamp = time.Now().UTC()
		}

		if err := h.broker.Publish(r.Context(), jobID, []db.LogChunk{chunk}); err != nil {
			h.logger.Error("log publish failed", zap.String("job_id", jobID.String()), zap.Error(err))
			ErrInternal(w)
			return
		}
		accepted++
	}
	if err := scanner.Err(); err != nil {
		ErrBadRequest(w, "reading log stream: "+err.Error())
		return
	}

	Ok(w, envelope{"accepted": accepted})
}
