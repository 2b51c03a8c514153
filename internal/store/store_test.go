package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JasSra/henchmen/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: "error",
	})
	require.NoError(t, err)
	return New(database, zap.NewNop())
}

func newTestAgent(t *testing.T, s *Store, hostname string) *db.Agent {
	t.Helper()
	agent := &db.Agent{Hostname: hostname, Capabilities: "{}"}
	require.NoError(t, s.CreateAgent(context.Background(), agent))
	return agent
}

func newTestJob(t *testing.T, s *Store, repo, ref, host string) *db.Job {
	t.Helper()
	job := &db.Job{Repo: repo, Ref: ref, Host: host, Status: db.JobStatusPending}
	require.NoError(t, s.InsertJob(context.Background(), job))
	return job
}

func TestInsertJobDuplicateIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newTestJob(t, s, "myorg/web", "abc123", "web-01")

	dup := &db.Job{Repo: "myorg/web", Ref: "abc123", Host: "web-01", Status: db.JobStatusPending}
	err := s.InsertJob(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateIdempotency)

	// A different host is a different key.
	other := &db.Job{Repo: "myorg/web", Ref: "abc123", Host: "web-02", Status: db.JobStatusPending}
	assert.NoError(t, s.InsertJob(ctx, other))
}

func TestInsertJobKeyFreeAfterTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := newTestAgent(t, s, "web-01")

	job := newTestJob(t, s, "myorg/web", "abc123", "web-01")
	_, err := s.ClaimJob(ctx, job.ID, agent.ID, time.Now().UTC())
	require.NoError(t, err)
	_, err = s.CompleteJob(ctx, job.ID, agent.ID, db.JobStatusSuccess, "done", time.Now().UTC())
	require.NoError(t, err)

	// The same triple is enqueueable again once the first job is terminal.
	again := &db.Job{Repo: "myorg/web", Ref: "abc123", Host: "web-01", Status: db.JobStatusPending}
	assert.NoError(t, s.InsertJob(ctx, again))
}

func TestClaimJobExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	winner := newTestAgent(t, s, "web-01")
	loser := newTestAgent(t, s, "web-01")
	job := newTestJob(t, s, "myorg/web", "abc123", "web-01")

	claimed, err := s.ClaimJob(ctx, job.ID, winner.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusRunning, claimed.Status)
	require.NotNil(t, claimed.AssignedAgentID)
	assert.Equal(t, winner.ID, *claimed.AssignedAgentID)

	_, err = s.ClaimJob(ctx, job.ID, loser.ID, time.Now().UTC())
	assert.ErrorIs(t, err, ErrNotClaimable)
}

func TestClaimJobUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ClaimJob(context.Background(), uuid.New(), uuid.New(), time.Now().UTC())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := newTestAgent(t, s, "web-01")
	job := newTestJob(t, s, "myorg/web", "abc123", "web-01")

	_, err := s.ClaimJob(ctx, job.ID, agent.ID, time.Now().UTC())
	require.NoError(t, err)

	done, err := s.CompleteJob(ctx, job.ID, agent.ID, db.JobStatusFailed, "git pull failed", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusFailed, done.Status)
	assert.Equal(t, "git pull failed", done.Error)
	assert.NotNil(t, done.CompletedAt)
}

func TestCompleteJobDuplicateAckIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := newTestAgent(t, s, "web-01")
	job := newTestJob(t, s, "myorg/web", "abc123", "web-01")

	_, err := s.ClaimJob(ctx, job.ID, agent.ID, time.Now().UTC())
	require.NoError(t, err)
	first, err := s.CompleteJob(ctx, job.ID, agent.ID, db.JobStatusSuccess, "done", time.Now().UTC())
	require.NoError(t, err)

	second, err := s.CompleteJob(ctx, job.ID, agent.ID, db.JobStatusSuccess, "done", time.Now().UTC())
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	require.NotNil(t, second)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Result, second.Result)
}

func TestCompleteJobWrongAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	assigned := newTestAgent(t, s, "web-01")
	imposter := newTestAgent(t, s, "web-01")
	job := newTestJob(t, s, "myorg/web", "abc123", "web-01")

	_, err := s.ClaimJob(ctx, job.ID, assigned.ID, time.Now().UTC())
	require.NoError(t, err)

	_, err = s.CompleteJob(ctx, job.ID, imposter.ID, db.JobStatusSuccess, "done", time.Now().UTC())
	assert.ErrorIs(t, err, ErrNotAssigned)
}

func TestCancelJobPendingAndRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := newTestAgent(t, s, "web-01")

	pending := newTestJob(t, s, "myorg/web", "abc123", "web-01")
	cancelled, err := s.CancelJob(ctx, pending.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCancelled, cancelled.Status)

	running := newTestJob(t, s, "myorg/web", "def456", "web-01")
	_, err = s.ClaimJob(ctx, running.ID, agent.ID, time.Now().UTC())
	require.NoError(t, err)
	cancelled, err = s.CancelJob(ctx, running.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCancelled, cancelled.Status)
}

func TestCancelJobAlreadyTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s, "myorg/web", "abc123", "web-01")

	_, err := s.CancelJob(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)

	again, err := s.CancelJob(ctx, job.ID, time.Now().UTC())
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	require.NotNil(t, again)
	assert.Equal(t, db.JobStatusCancelled, again.Status)
}

func TestAckAfterCancelKeepsCancelled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := newTestAgent(t, s, "web-01")
	job := newTestJob(t, s, "myorg/web", "abc123", "web-01")

	_, err := s.ClaimJob(ctx, job.ID, agent.ID, time.Now().UTC())
	require.NoError(t, err)
	_, err = s.CancelJob(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)

	stored, err := s.CompleteJob(ctx, job.ID, agent.ID, db.JobStatusSuccess, "done", time.Now().UTC())
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	require.NotNil(t, stored)
	assert.Equal(t, db.JobStatusCancelled, stored.Status)
}

func TestRequeueJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := newTestAgent(t, s, "web-01")
	job := newTestJob(t, s, "myorg/web", "abc123", "web-01")

	_, err := s.ClaimJob(ctx, job.ID, agent.ID, time.Now().UTC())
	require.NoError(t, err)

	requeued, err := s.RequeueJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusPending, requeued.Status)
	assert.Nil(t, requeued.AssignedAgentID)
	assert.Nil(t, requeued.AssignedAt)

	// Only running jobs requeue.
	_, err = s.RequeueJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotClaimable)
}

func TestTouchHeartbeat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := newTestAgent(t, s, "web-01")

	ts := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.TouchHeartbeat(ctx, agent.ID, ts))

	got, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeatAt)
	assert.WithinDuration(t, ts, *got.LastHeartbeatAt, time.Second)

	assert.ErrorIs(t, s.TouchHeartbeat(ctx, uuid.New(), ts), ErrNotFound)
}

func TestLogChunkAppendIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s, "myorg/web", "abc123", "web-01")

	chunk := &db.LogChunk{
		JobID:     job.ID,
		Sequence:  1,
		Timestamp: time.Now().UTC(),
		Stream:    db.StreamStdout,
		Payload:   []byte("cloning repository"),
	}
	require.NoError(t, s.AppendLogChunk(ctx, chunk))

	// A retried send of the same sequence is absorbed.
	retry := *chunk
	retry.Payload = []byte("different body, same sequence")
	require.NoError(t, s.AppendLogChunk(ctx, &retry))

	chunks, err := s.ReadLogChunks(ctx, job.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte("cloning repository"), chunks[0].Payload)
}

func TestReadLogChunksFromSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s, "myorg/web", "abc123", "web-01")

	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, s.AppendLogChunk(ctx, &db.LogChunk{
			JobID:     job.ID,
			Sequence:  seq,
			Timestamp: time.Now().UTC(),
			Stream:    db.StreamStdout,
			Payload:   []byte{byte(seq)},
		}))
	}

	chunks, err := s.ReadLogChunks(ctx, job.ID, 3, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, int64(3), chunks[0].Sequence)
	assert.Equal(t, int64(5), chunks[2].Sequence)

	max, err := s.MaxLogSequence(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), max)
}

func TestPruneLogChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s, "myorg/web", "abc123", "web-01")

	for seq := int64(1); seq <= 10; seq++ {
		require.NoError(t, s.AppendLogChunk(ctx, &db.LogChunk{
			JobID:     job.ID,
			Sequence:  seq,
			Timestamp: time.Now().UTC(),
			Stream:    db.StreamStdout,
			Payload:   []byte{byte(seq)},
		}))
	}

	require.NoError(t, s.PruneLogChunks(ctx, job.ID, 4))

	chunks, err := s.ReadLogChunks(ctx, job.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	assert.Equal(t, int64(7), chunks[0].Sequence)
}

func TestRecoverRequeuesStaleRunningJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := newTestAgent(t, s, "web-01")

	queued := newTestJob(t, s, "myorg/web", "abc123", "web-01")

	stale := newTestJob(t, s, "myorg/web", "def456", "web-01")
	_, err := s.ClaimJob(ctx, stale.ID, agent.ID, time.Now().UTC().Add(-2*time.Hour))
	require.NoError(t, err)

	fresh := newTestJob(t, s, "myorg/web", "aaa999", "web-01")
	_, err = s.ClaimJob(ctx, fresh.ID, agent.ID, time.Now().UTC())
	require.NoError(t, err)

	pending, err := s.Recover(ctx, time.Hour, time.Now().UTC())
	require.NoError(t, err)

	ids := make(map[uuid.UUID]bool, len(pending))
	for _, j := range pending {
		ids[j.ID] = true
	}
	assert.True(t, ids[queued.ID])
	assert.True(t, ids[stale.ID], "stale running job should be requeued")
	assert.False(t, ids[fresh.ID], "fresh running job must be left alone")

	got, err := s.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusRunning, got.Status)
}
