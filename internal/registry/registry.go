// Package registry tracks the agent fleet. Agents self-register, then
// prove liveness by heartbeating; their status is derived from the last
// heartbeat timestamp on every read and is never stored.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JasSra/henchmen/internal/auth"
	"github.com/JasSra/henchmen/internal/db"
	"github.com/JasSra/henchmen/internal/store"
)

// Liveness thresholds. An agent is online while its last heartbeat is
// younger than StaleAfter, stale until OfflineAfter, offline beyond that.
// An agent that has never heartbeated is offline.
const (
	StaleAfter   = 30 * time.Second
	OfflineAfter = 120 * time.Second
)

// Derived agent statuses.
const (
	StatusOnline  = "online"
	StatusStale   = "stale"
	StatusOffline = "offline"
)

// ErrAgentUnknown is returned when a heartbeat or completion names an
// agent id that was never registered.
var ErrAgentUnknown = errors.New("registry: unknown agent")

// JobOfferer hands out at most one claimable job for a host. Implemented
// by the dispatcher; declared here so the registry does not depend on it.
type JobOfferer interface {
	Offer(ctx context.Context, hostname string, agentID uuid.UUID) (*db.Job, error)
}

// AgentView is an agent record with its derived liveness status attached.
type AgentView struct {
	Agent  db.Agent
	Status string
}

// Registry implements agent registration and heartbeat handling.
type Registry struct {
	st      *store.Store
	tokens  *auth.TokenManager
	offerer JobOfferer
	logger  *zap.Logger
}

// New returns a Registry. The offerer may be nil until SetOfferer is
// called; registration does not need it, only heartbeats do.
func New(st *store.Store, tokens *auth.TokenManager, logger *zap.Logger) *Registry {
	return &Registry{
		st:     st,
		tokens: tokens,
		logger: logger.Named("registry"),
	}
}

// SetOfferer wires the dispatcher in after construction. The registry and
// dispatcher reference each other, so one side has to be set late.
func (r *Registry) SetOfferer(o JobOfferer) {
	r.offerer = o
}

// Register creates a fresh agent record and issues its bearer token.
// Re-registration under an existing hostname is always accepted and
// yields a new identity; earlier registrations for the host simply stop
// heartbeating and age out to offline.
func (r *Registry) Register(ctx context.Context, hostname string, capabilities map[string]string) (*db.Agent, string, error) {
	caps := []byte("{}")
	if len(capabilities) > 0 {
		var err error
		caps, err = json.Marshal(capabilities)
		if err != nil {
			return nil, "", fmt.Errorf("registry: encoding capabilities: %w", err)
		}
	}

	agentID, err := uuid.NewV7()
	if err != nil {
		return nil, "", fmt.Errorf("registry: generating agent id: %w", err)
	}
	token, err := r.tokens.IssueAgentToken(agentID, hostname)
	if err != nil {
		return nil, "", err
	}

	agent := &db.Agent{
		Hostname:     hostname,
		Capabilities: string(caps),
		Token:        token,
	}
	agent.ID = agentID
	if err := r.st.CreateAgent(ctx, agent); err != nil {
		return nil, "", err
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", agent.ID.String()),
		zap.String("hostname", hostname),
	)
	return agent, token, nil
}

// Heartbeat records liveness for the agent and returns at most one job
// for its host. A nil job means nothing is queued; the agent polls again
// on its next interval. Returns ErrAgentUnknown for unregistered ids.
func (r *Registry) Heartbeat(ctx context.Context, agentID uuid.UUID) (*db.Job, error) {
	agent, err := r.st.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAgentUnknown
		}
		return nil, err
	}

	if err := r.st.TouchHeartbeat(ctx, agentID, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAgentUnknown
		}
		return nil, err
	}

	if r.offerer == nil {
		return nil, nil
	}
	return r.offerer.Offer(ctx, agent.Hostname, agentID)
}

// Get returns a single agent with its derived status.
func (r *Registry) Get(ctx context.Context, agentID uuid.UUID) (*AgentView, error) {
	agent, err := r.st.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAgentUnknown
		}
		return nil, err
	}
	return &AgentView{Agent: *agent, Status: DeriveStatus(agent.LastHeartbeatAt, time.Now().UTC())}, nil
}

// List returns all agents with statuses derived at call time.
func (r *Registry) List(ctx context.Context) ([]AgentView, error) {
	agents, err := r.st.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	views := make([]AgentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, AgentView{Agent: a, Status: DeriveStatus(a.LastHeartbeatAt, now)})
	}
	return views, nil
}

// IsOffline reports whether the agent's last heartbeat, as of now, puts
// it past the offline threshold. Used by the orphan reclaim sweep.
func (r *Registry) IsOffline(ctx context.Context, agentID uuid.UUID, now time.Time) (bool, error) {
	agent, err := r.st.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// A purged or unknown agent cannot be reporting progress.
			return true, nil
		}
		return false, err
	}
	return DeriveStatus(agent.LastHeartbeatAt, now) == StatusOffline, nil
}

// DeriveStatus maps a last-heartbeat timestamp to online/stale/offline.
func DeriveStatus(lastHeartbeat *time.Time, now time.Time) string {
	if lastHeartbeat == nil {
		return StatusOffline
	}
	age := now.Sub(*lastHeartbeat)
	switch {
	case age < StaleAfter:
		return StatusOnline
	case age < OfflineAfter:
		return StatusStale
	default:
		return StatusOffline
	}
}
