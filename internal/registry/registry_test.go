package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JasSra/henchmen/internal/auth"
	"github.com/JasSra/henchmen/internal/db"
	"github.com/JasSra/henchmen/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: "error",
	})
	require.NoError(t, err)
	st := store.New(database, zap.NewNop())
	tokens := auth.NewTokenManager("test-secret", "deploybot-controller")
	return New(st, tokens, zap.NewNop()), st
}

// stubOfferer returns a fixed job for every offer.
type stubOfferer struct {
	job *db.Job
}

func (s *stubOfferer) Offer(context.Context, string, uuid.UUID) (*db.Job, error) {
	return s.job, nil
}

func TestDeriveStatus(t *testing.T) {
	now := time.Now().UTC()
	recent := now.Add(-5 * time.Second)
	stale := now.Add(-60 * time.Second)
	gone := now.Add(-10 * time.Minute)

	assert.Equal(t, StatusOffline, DeriveStatus(nil, now))
	assert.Equal(t, StatusOnline, DeriveStatus(&recent, now))
	assert.Equal(t, StatusStale, DeriveStatus(&stale, now))
	assert.Equal(t, StatusOffline, DeriveStatus(&gone, now))
}

func TestDeriveStatusBoundaries(t *testing.T) {
	now := time.Now().UTC()
	atStale := now.Add(-StaleAfter)
	atOffline := now.Add(-OfflineAfter)

	assert.Equal(t, StatusStale, DeriveStatus(&atStale, now))
	assert.Equal(t, StatusOffline, DeriveStatus(&atOffline, now))
}

func TestRegisterIssuesFreshIdentity(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	first, token1, err := reg.Register(ctx, "web-01", map[string]string{"os": "linux"})
	require.NoError(t, err)
	require.NotEmpty(t, token1)
	assert.JSONEq(t, `{"os":"linux"}`, first.Capabilities)

	// Re-registering the same hostname always yields a new identity.
	second, token2, err := reg.Register(ctx, "web-01", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, token1, token2)

	agents, err := st.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 2)
}

func TestHeartbeatTouchesAndOffers(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	agent, _, err := reg.Register(ctx, "web-01", nil)
	require.NoError(t, err)

	offered := &db.Job{Repo: "myorg/web", Ref: "abc123", Host: "web-01"}
	reg.SetOfferer(&stubOfferer{job: offered})

	job, err := reg.Heartbeat(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, offered, job)

	stored, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastHeartbeatAt)
	assert.WithinDuration(t, time.Now().UTC(), *stored.LastHeartbeatAt, 5*time.Second)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Heartbeat(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrAgentUnknown)
}

func TestHeartbeatWithoutOfferer(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, _, err := reg.Register(ctx, "web-01", nil)
	require.NoError(t, err)

	job, err := reg.Heartbeat(ctx, agent.ID)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestListDerivesStatusPerAgent(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	fresh, _, err := reg.Register(ctx, "web-01", nil)
	require.NoError(t, err)
	require.NoError(t, st.TouchHeartbeat(ctx, fresh.ID, time.Now().UTC()))

	silent, _, err := reg.Register(ctx, "web-02", nil)
	require.NoError(t, err)

	views, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)

	byID := make(map[uuid.UUID]string)
	for _, v := range views {
		byID[v.Agent.ID] = v.Status
	}
	assert.Equal(t, StatusOnline, byID[fresh.ID])
	assert.Equal(t, StatusOffline, byID[silent.ID], "an agent that never heartbeated is offline")
}

func TestIsOffline(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()

	agent, _, err := reg.Register(ctx, "web-01", nil)
	require.NoError(t, err)

	offline, err := reg.IsOffline(ctx, agent.ID, now)
	require.NoError(t, err)
	assert.True(t, offline, "no heartbeat yet")

	require.NoError(t, st.TouchHeartbeat(ctx, agent.ID, now))
	offline, err = reg.IsOffline(ctx, agent.ID, now)
	require.NoError(t, err)
	assert.False(t, offline)

	// An id that was never registered cannot be reporting progress.
	offline, err = reg.IsOffline(ctx, uuid.New(), now)
	require.NoError(t, err)
	assert.True(t, offline)
}
