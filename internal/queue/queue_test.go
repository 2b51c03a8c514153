package queue

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
	"github.com/JasSra/henchmen/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: "error",
	})
	require.NoError(t, err)
	st := store.New(database, zap.NewNop())
	return New(st, zap.NewNop()), st
}

func enqueue(t *testing.T, q *Queue, repo, ref, host string) *db.Job {
	t.Helper()
	job := &db.Job{Repo: repo, Ref: ref, Host: host}
	require.NoError(t, q.Enqueue(context.Background(), job))
	return job
}

func TestEnqueueRejectsDuplicateKey(t *testing.T) {
	q, _ := newTestQueue(t)

	enqueue(t, q, "myorg/web", "abc123", "web-01")

	err := q.Enqueue(context.Background(), &db.Job{Repo: "myorg/web", Ref: "abc123", Host: "web-01"})
	assert.ErrorIs(t, err, store.ErrDuplicateIdempotency)
	assert.Equal(t, 1, q.Depth())
}

func TestTryClaimFIFOWithinHost(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	agentID := uuid.New()

	first := enqueue(t, q, "myorg/web", "abc123", "web-01")
	second := enqueue(t, q, "myorg/web", "def456", "web-01")
	enqueue(t, q, "myorg/api", "abc123", "api-01")

	got, err := q.TryClaim(ctx, "web-01", agentID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, db.JobStatusRunning, got.Status)

	got, err = q.TryClaim(ctx, "web-01", agentID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)

	got, err = q.TryClaim(ctx, "web-01", agentID)
	require.NoError(t, err)
	assert.Nil(t, got, "empty partition yields no job")
}

func TestTryClaimUnknownHost(t *testing.T) {
	q, _ := newTestQueue(t)
	got, err := q.TryClaim(context.Background(), "no-such-host", uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTryClaimSkipsCancelledHead(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	head := enqueue(t, q, "myorg/web", "abc123", "web-01")
	tail := enqueue(t, q, "myorg/web", "def456", "web-01")

	// Cancel the head directly in the store; the queue still has it at the
	// front and must fall through to the next claimable job.
	_, err := st.CancelJob(ctx, head.ID, time.Now().UTC())
	require.NoError(t, err)

	got, err := q.TryClaim(ctx, "web-01", uuid.New())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tail.ID, got.ID)
}

func TestKeyReleasedOnTerminal(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()
	agentID := uuid.New()

	job := enqueue(t, q, "myorg/web", "abc123", "web-01")

	claimed, err := q.TryClaim(ctx, "web-01", agentID)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// While running the key stays reserved.
	err = q.Enqueue(ctx, &db.Job{Repo: "myorg/web", Ref: "abc123", Host: "web-01"})
	assert.ErrorIs(t, err, store.ErrDuplicateIdempotency)

	_, err = st.CancelJob(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	q.OnTerminal(job.ID)

	assert.NoError(t, q.Enqueue(ctx, &db.Job{Repo: "myorg/web", Ref: "abc123", Host: "web-01"}))
}

func TestCancelRemovesPendingJob(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	job := enqueue(t, q, "myorg/web", "abc123", "web-01")
	_, err := st.CancelJob(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	q.Cancel(job.ID)

	assert.Equal(t, 0, q.Depth())

	got, err := q.TryClaim(ctx, "web-01", uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRebuildRestoresPartitionsInOrder(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	first := enqueue(t, q, "myorg/web", "abc123", "web-01")
	second := enqueue(t, q, "myorg/web", "def456", "web-01")

	// Simulate a restart: a fresh queue rebuilt from the recovery scan.
	fresh := New(st, zap.NewNop())
	pending, err := st.Recover(ctx, time.Hour, time.Now().UTC())
	require.NoError(t, err)
	fresh.Rebuild(pending, nil)

	assert.Equal(t, 2, fresh.Depth())

	got, err := fresh.TryClaim(ctx, "web-01", uuid.New())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)

	got, err = fresh.TryClaim(ctx, "web-01", uuid.New())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)
}

func TestRebuildReservesRunningJobKeys(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()
	agentID := uuid.New()

	job := enqueue(t, q, "myorg/web", "abc123", "web-01")
	claimed, err := q.TryClaim(ctx, "web-01", agentID)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Restart while the job is running: the rebuilt queue holds no pending
	// work but must still reject a duplicate of the running job's key on
	// the fast path.
	fresh := New(st, zap.NewNop())
	pending, err := st.Recover(ctx, time.Hour, time.Now().UTC())
	require.NoError(t, err)
	running, err := st.ListJobsByStatus(ctx, db.JobStatusRunning)
	require.NoError(t, err)
	fresh.Rebuild(pending, running)

	assert.Equal(t, 0, fresh.Depth())
	err = fresh.Enqueue(ctx, &db.Job{Repo: "myorg/web", Ref: "abc123", Host: "web-01"})
	assert.ErrorIs(t, err, store.ErrDuplicateIdempotency)

	// Terminalization releases the reserved key as usual.
	_, err = st.CancelJob(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	fresh.OnTerminal(job.ID)
	assert.NoError(t, fresh.Enqueue(ctx, &db.Job{Repo: "myorg/web", Ref: "abc123", Host: "web-01"}))
}

func TestRequeuePlacesJobAtTail(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()
	agentID := uuid.New()

	orphan := enqueue(t, q, "myorg/web", "abc123", "web-01")
	claimed, err := q.TryClaim(ctx, "web-01", agentID)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	waiting := enqueue(t, q, "myorg/web", "def456", "web-01")

	requeued, err := st.RequeueJob(ctx, orphan.ID)
	require.NoError(t, err)
	q.Requeue(requeued)

	got, err := q.TryClaim(ctx, "web-01", agentID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, waiting.ID, got.ID)

	got, err = q.TryClaim(ctx, "web-01", agentID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, orphan.ID, got.ID)
}
