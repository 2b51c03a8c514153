package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JasSra/henchmen/internal/registry"
)

// HostHandler serves the fleet listing.
type HostHandler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewHostHandler creates a HostHandler.
func NewHostHandler(reg *registry.Registry, logger *zap.Logger) *HostHandler {
	return &HostHandler{registry: reg, logger: logger}
}

type hostResponse struct {
	AgentID         uuid.UUID       `json:"agent_id"`
	Hostname        string          `json:"hostname"`
	Status          string          `json:"status"`
	Capabilities    json.RawMessage `json:"capabilities"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at"`
	RegisteredAt    time.Time       `json:"registered_at"`
}

// List handles GET /v1/hosts: every registered agent with its status
// derived at request time.
func (h *HostHandler) List(w http.ResponseWriter, r *http.Request) {
	views, err := h.registry.List(r.Context())
	if err != nil {
		h.logger.Error("host list failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	hosts := make([]hostResponse, 0, len(views))
	for _, v := range views {
		hosts = append(hosts, hostResponse{
			AgentID:         v.Agent.ID,
			Hostname:        v.Agent.Hostname,
			Status:          v.Status,
			Capabilities:    json.RawMessage(v.Agent.Capabilities),
			LastHeartbeatAt: v.Agent.LastHeartbeatAt,
			RegisteredAt:    v.Agent.CreatedAt,
		})
	}
	Ok(w, envelope{"hosts": hosts})
}
