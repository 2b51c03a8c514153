// Package queue implements the in-memory dispatch queue: pending jobs
// partitioned by target host, FIFO within each partition, plus an
// idempotency index keyed by (repo, ref, host).
//
// The queue is a rebuildable cache — the store is the source of truth.
// Enqueue persists through the store first; the in-memory structures are
// only updated once the durable write succeeds. On startup Rebuild
// reloads every pending job from the store's recovery scan and reserves
// the idempotency keys of jobs still running.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JasSra/henchmen/internal/db"
	"github.com/JasSra/henchmen/internal/store"
)

// Key is the idempotency key: at most one non-terminal job may exist per
// (repo, ref, host) triple.
type Key struct {
	Repo string
	Ref  string
	Host string
}

// KeyOf returns the idempotency key of a job.
func KeyOf(job *db.Job) Key {
	return Key{Repo: job.Repo, Ref: job.Ref, Host: job.Host}
}

// Queue is the host-partitioned FIFO of pending jobs. Safe for concurrent
// use; a single mutex guards the partition map and the idempotency index,
// and is never held across store I/O.
type Queue struct {
	st     *store.Store
	logger *zap.Logger

	mu sync.Mutex
	// partitions maps host -> ordered pending job IDs (FIFO by created_at).
	partitions map[string][]uuid.UUID
	// index maps idempotency key -> job ID for every non-terminal job the
	// queue knows about. Fast-path duplicate rejection; the store's partial
	// unique index is the authoritative constraint.
	index map[Key]uuid.UUID
	// jobs caches the pending job records for claim responses.
	jobs map[uuid.UUID]*db.Job
}

// New returns an empty Queue bound to the given store.
func New(st *store.Store, logger *zap.Logger) *Queue {
	return &Queue{
		st:         st,
		logger:     logger.Named("queue"),
		partitions: make(map[string][]uuid.UUID),
		index:      make(map[Key]uuid.UUID),
		jobs:       make(map[uuid.UUID]*db.Job),
	}
}

// Rebuild replaces the in-memory state from a startup snapshot. Pending
// jobs are ordered FIFO per host partition by creation time; running jobs
// are not claimable, but their idempotency keys are reserved so the
// fast-path duplicate check covers them until they terminalize. Called
// once at startup with the result of the store recovery scan.
func (q *Queue) Rebuild(pending, running []db.Job) {
	sorted := make([]db.Job, len(pending))
	copy(sorted, pending)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	q.mu.Lock()
	defer q.mu.Unlock()

	q.partitions = make(map[string][]uuid.UUID)
	q.index = make(map[Key]uuid.UUID)
	q.jobs = make(map[uuid.UUID]*db.Job)

	for i := range sorted {
		job := sorted[i]
		q.partitions[job.Host] = append(q.partitions[job.Host], job.ID)
		q.index[KeyOf(&job)] = job.ID
		q.jobs[job.ID] = &job
	}
	for i := range running {
		job := running[i]
		q.index[KeyOf(&job)] = job.ID
	}

	q.logger.Info("queue rebuilt from store",
		zap.Int("pending_jobs", len(sorted)),
		zap.Int("running_keys", len(running)),
	)
}

// Enqueue persists the job and adds it to its host partition. The job
// must carry repo, ref and host; ID and timestamps are assigned by the
// store on insert. Returns store.ErrDuplicateIdempotency when a
// non-terminal job already exists for the same key — detected on the
// in-memory index first, and authoritatively by the store's unique
// constraint.
func (q *Queue) Enqueue(ctx context.Context, job *db.Job) error {
	key := KeyOf(job)

	q.mu.Lock()
	if _, dup := q.index[key]; dup {
		q.mu.Unlock()
		return store.ErrDuplicateIdempotency
	}
	q.mu.Unlock()

	// Durable write outside the lock. The store constraint closes the race
	// window between the check above and this insert.
	job.Status = db.JobStatusPending
	if err := q.st.InsertJob(ctx, job); err != nil {
		return err
	}

	q.mu.Lock()
	q.partitions[job.Host] = append(q.partitions[job.Host], job.ID)
	q.index[key] = job.ID
	q.jobs[job.ID] = job
	q.mu.Unlock()

	q.logger.Info("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("repo", job.Repo),
		zap.String("ref", job.Ref),
		zap.String("host", job.Host),
	)
	return nil
}

// TryClaim pops the head of the host's partition and attempts the store
// claim CAS on behalf of agentID. On a lost race (ErrNotClaimable) the
// next head is tried. Returns (nil, nil) when no pending job exists for
// the host — the O(1) empty-partition case.
//
// The mutex is released before every store call and re-acquired after,
// per the shared-resource policy: no lock is ever held across I/O.
func (q *Queue) TryClaim(ctx context.Context, host string, agentID uuid.UUID) (*db.Job, error) {
	for {
		q.mu.Lock()
		partition := q.partitions[host]
		if len(partition) == 0 {
			q.mu.Unlock()
			return nil, nil
		}
		jobID := partition[0]
		q.partitions[host] = partition[1:]
		q.mu.Unlock()

		claimed, err := q.st.ClaimJob(ctx, jobID, agentID, time.Now().UTC())
		if err == nil {
			q.forget(jobID, false)
			return claimed, nil
		}
		if errors.Is(err, store.ErrNotClaimable) || errors.Is(err, store.ErrNotFound) {
			// Another agent won this job, or it was cancelled while queued.
			// Drop it from our cache and try the next head.
			q.forget(jobID, true)
			continue
		}
		// Transient store failure: put the job back at the head so it stays
		// claimable by the next heartbeat, and surface the error.
		q.mu.Lock()
		q.partitions[host] = append([]uuid.UUID{jobID}, q.partitions[host]...)
		q.mu.Unlock()
		return nil, fmt.Errorf("queue: try claim: %w", err)
	}
}

// Cancel removes a job from its partition and the idempotency index.
// Called by the dispatcher after a pending job is cancelled in the store.
func (q *Queue) Cancel(jobID uuid.UUID) {
	q.removeFromPartition(jobID)
	q.forget(jobID, true)
}

// OnTerminal releases the idempotency key of a job that reached a
// terminal state, making the (repo, ref, host) triple enqueueable again.
func (q *Queue) OnTerminal(jobID uuid.UUID) {
	q.forget(jobID, true)
}

// Depth returns the total number of pending jobs across all partitions.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, p := range q.partitions {
		n += len(p)
	}
	return n
}

// forget drops the cached record for jobID; when releaseKey is set the
// idempotency index entry is removed as well. A claimed-but-running job
// keeps its key reserved until OnTerminal.
func (q *Queue) forget(jobID uuid.UUID, releaseKey bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if releaseKey {
		for key, id := range q.index {
			if id == jobID {
				delete(q.index, key)
				break
			}
		}
	}
	delete(q.jobs, jobID)
}

// removeFromPartition deletes jobID from its host partition, if present.
func (q *Queue) removeFromPartition(jobID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return
	}
	partition := q.partitions[job.Host]
	for i, id := range partition {
		if id == jobID {
			q.partitions[job.Host] = append(partition[:i:i], partition[i+1:]...)
			break
		}
	}
}

// Requeue re-adds an orphan-reclaimed job to the tail of its host
// partition and restores its idempotency key. Called by the dispatcher's
// orphan sweep after store.RequeueJob succeeds.
func (q *Queue) Requeue(job *db.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.partitions[job.Host] = append(q.partitions[job.Host], job.ID)
	q.index[KeyOf(job)] = job.ID
	q.jobs[job.ID] = job
}
