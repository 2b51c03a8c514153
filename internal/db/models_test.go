package db

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := New(Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: "error",
	})
	require.NoError(t, err)
	return database
}

// The shared model fields must live on an exported embedded struct: gorm
// skips fields of unexported embedded structs entirely, which would leave
// id, created_at and updated_at out of every INSERT and trip the NOT NULL
// constraints on all five tables.
func TestCreateWritesSharedBaseColumns(t *testing.T) {
	d := newTestDB(t)

	agent := &Agent{Hostname: "web-01", Capabilities: "{}"}
	require.NoError(t, d.Create(agent).Error)
	assert.NotEqual(t, uuid.UUID{}, agent.ID, "BeforeCreate assigns a UUIDv7")
	assert.False(t, agent.CreatedAt.IsZero())
	assert.False(t, agent.UpdatedAt.IsZero())

	var reloadedAgent Agent
	require.NoError(t, d.First(&reloadedAgent, "id = ?", agent.ID).Error)
	assert.Equal(t, agent.ID, reloadedAgent.ID)
	assert.Equal(t, "web-01", reloadedAgent.Hostname)

	job := &Job{Repo: "myorg/web", Ref: "abc123", Host: "web-01"}
	require.NoError(t, d.Create(job).Error)
	assert.NotEqual(t, uuid.UUID{}, job.ID)

	var reloadedJob Job
	require.NoError(t, d.First(&reloadedJob, "id = ?", job.ID).Error)
	assert.Equal(t, JobStatusPending, reloadedJob.Status)
	assert.False(t, reloadedJob.CreatedAt.IsZero())
}

func TestBeforeCreateKeepsPresetID(t *testing.T) {
	d := newTestDB(t)

	id, err := uuid.NewV7()
	require.NoError(t, err)
	agent := &Agent{Hostname: "web-02", Capabilities: "{}"}
	agent.ID = id
	require.NoError(t, d.Create(agent).Error)
	assert.Equal(t, id, agent.ID)
}
