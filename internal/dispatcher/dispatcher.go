// Package dispatcher coordinates the job lifecycle between the queue, the
// store, the agent fleet and the log broker. It is the only component
// that drives jobs across state transitions; everything else goes
// through it.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JasSra/henchmen/internal/db"
	"github.com/JasSra/henchmen/internal/metrics"
	"github.com/JasSra/henchmen/internal/queue"
	"github.com/JasSra/henchmen/internal/store"
)

// DefaultOrphanTimeout is how long a running job may go without its agent
// heartbeating before the reclaim sweep resets it to pending.
const DefaultOrphanTimeout = time.Hour

// DefaultLogRetention is how many log chunks are kept per job after it
// reaches a terminal state. Older chunks are pruned in the background.
const DefaultLogRetention = 100_000

// Liveness answers whether an agent has gone offline. Implemented by the
// registry.
type Liveness interface {
	IsOffline(ctx context.Context, agentID uuid.UUID, now time.Time) (bool, error)
}

// LogFinisher is notified when a job reaches a terminal state so open log
// subscriptions can be closed. Implemented by the log broker.
type LogFinisher interface {
	CloseJob(jobID uuid.UUID)
}

// Config holds the tunables for a Dispatcher. Zero values select the
// defaults.
type Config struct {
	// OrphanTimeout is the minimum assignment age before a running job on
	// an offline agent is reclaimed.
	OrphanTimeout time.Duration

	// LogRetention is the per-job log chunk cap applied after terminal
	// transitions.
	LogRetention int
}

// Dispatcher owns job state transitions.
type Dispatcher struct {
	st       *store.Store
	queue    *queue.Queue
	liveness Liveness
	logs     LogFinisher
	logger   *zap.Logger

	orphanTimeout time.Duration
	logRetention  int
}

// New creates a Dispatcher.
func New(st *store.Store, q *queue.Queue, liveness Liveness, logs LogFinisher, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.OrphanTimeout <= 0 {
		cfg.OrphanTimeout = DefaultOrphanTimeout
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = DefaultLogRetention
	}
	return &Dispatcher{
		st:            st,
		queue:         q,
		liveness:      liveness,
		logs:          logs,
		logger:        logger.Named("dispatcher"),
		orphanTimeout: cfg.OrphanTimeout,
		logRetention:  cfg.LogRetention,
	}
}

// Submit enqueues a new job. The trigger label ("webhook" or "api") is
// used for metrics only. Returns store.ErrDuplicateIdempotency when an
// active job already covers the same repo, ref and host.
func (d *Dispatcher) Submit(ctx context.Context, job *db.Job, trigger string) error {
	if err := d.queue.Enqueue(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotency) {
			metrics.JobsDuplicate.Inc()
		}
		return err
	}
	metrics.JobsCreated.WithLabelValues(trigger).Inc()
	metrics.QueueDepth.Set(float64(d.queue.Depth()))
	return nil
}

// Offer hands at most one pending job for the host to the given agent.
// Returns (nil, nil) when nothing is queued. Called from the registry on
// every heartbeat.
func (d *Dispatcher) Offer(ctx context.Context, hostname string, agentID uuid.UUID) (*db.Job, error) {
	job, err := d.queue.TryClaim(ctx, hostname, agentID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	metrics.JobsClaimed.Inc()
	metrics.QueueDepth.Set(float64(d.queue.Depth()))
	d.logger.Info("job assigned",
		zap.String("job_id", job.ID.String()),
		zap.String("host", hostname),
		zap.String("agent_id", agentID.String()),
	)
	return job, nil
}

// OnComplete records a terminal status reported by the assigned agent.
// terminalStatus must be success or failed; detail carries the result
// summary or the error message. A report against an already-terminal job
// returns the stored job together with store.ErrAlreadyTerminal so the
// caller can acknowledge it as a no-op.
func (d *Dispatcher) OnComplete(ctx context.Context, jobID, agentID uuid.UUID, terminalStatus, detail string) (*db.Job, error) {
	job, err := d.st.CompleteJob(ctx, jobID, agentID, terminalStatus, detail, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			// Duplicate or post-cancel report. The first transition already
			// released the key and closed the stream; nothing more to do.
			return job, err
		}
		return nil, err
	}

	d.finish(job)
	d.logger.Info("job completed",
		zap.String("job_id", job.ID.String()),
		zap.String("agent_id", agentID.String()),
		zap.String("status", job.Status),
	)
	return job, nil
}

// Cancel moves a pending or running job to cancelled. Cancelling a
// running job does not interrupt the agent; a later completion report is
// acknowledged as AlreadyTerminal. Returns the stored job with
// store.ErrAlreadyTerminal when the job was terminal before the call.
func (d *Dispatcher) Cancel(ctx context.Context, jobID uuid.UUID) (*db.Job, error) {
	wasPending := false
	if current, err := d.st.GetJob(ctx, jobID); err == nil {
		wasPending = current.Status == db.JobStatusPending
	}

	job, err := d.st.CancelJob(ctx, jobID, time.Now().UTC())
	if err != nil {
		return job, err
	}

	if wasPending {
		d.queue.Cancel(job.ID)
		metrics.QueueDepth.Set(float64(d.queue.Depth()))
	}
	d.finish(job)
	d.logger.Info("job cancelled",
		zap.String("job_id", job.ID.String()),
		zap.String("host", job.Host),
	)
	return job, nil
}

// finish releases the idempotency key, records the terminal metric,
// closes any open log subscriptions, and prunes the job's log history
// down to the retention cap in the background.
func (d *Dispatcher) finish(job *db.Job) {
	d.queue.OnTerminal(job.ID)
	metrics.JobsTerminal.WithLabelValues(job.Status).Inc()
	if d.logs != nil {
		d.logs.CloseJob(job.ID)
	}

	jobID := job.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.st.PruneLogChunks(ctx, jobID, d.logRetention); err != nil {
			d.logger.Warn("log prune failed",
				zap.String("job_id", jobID.String()),
				zap.Error(err),
			)
		}
	}()
}
