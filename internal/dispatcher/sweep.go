package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/JasSra/henchmen/internal/db"
	"github.com/JasSra/henchmen/internal/metrics"
	"github.com/JasSra/henchmen/internal/store"
)

// reclaimInterval is how often the orphan sweep scans running jobs.
const reclaimInterval = time.Minute

// Sweeper runs the orphan reclaim pass: running jobs whose assignment is
// older than the orphan timeout and whose agent has gone offline are
// reset to pending and put back on the queue.
type Sweeper struct {
	cron       gocron.Scheduler
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewSweeper creates the reclaim sweeper. Call Start to begin sweeping.
func NewSweeper(d *Dispatcher, logger *zap.Logger) (*Sweeper, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: creating reclaim scheduler: %w", err)
	}
	return &Sweeper{
		cron:       cron,
		dispatcher: d,
		logger:     logger.Named("reclaim"),
	}, nil
}

// Start schedules the recurring reclaim pass and starts the scheduler.
func (s *Sweeper) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(reclaimInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.dispatcher.ReclaimOrphans(ctx, time.Now().UTC()); err != nil {
				s.logger.Error("orphan reclaim pass failed", zap.Error(err))
			}
		}),
		gocron.WithTags("orphan-reclaim"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("dispatcher: scheduling orphan reclaim: %w", err)
	}
	s.cron.Start()
	s.logger.Info("orphan reclaim started",
		zap.Duration("interval", reclaimInterval),
		zap.Duration("orphan_timeout", s.dispatcher.orphanTimeout),
	)
	return nil
}

// Stop shuts down the scheduler, waiting for an in-flight pass to finish.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("dispatcher: sweeper shutdown: %w", err)
	}
	return nil
}

// ReclaimOrphans scans running jobs and requeues those abandoned by
// unresponsive agents. Both conditions must hold: the assignment is older
// than the orphan timeout AND the assigned agent derives offline. A slow
// job on a healthy agent is never reclaimed.
func (d *Dispatcher) ReclaimOrphans(ctx context.Context, now time.Time) error {
	running, err := d.st.ListJobsByStatus(ctx, db.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("dispatcher: listing running jobs: %w", err)
	}

	for i := range running {
		job := &running[i]
		if job.AssignedAt == nil || now.Sub(*job.AssignedAt) < d.orphanTimeout {
			continue
		}
		if job.AssignedAgentID != nil {
			offline, err := d.liveness.IsOffline(ctx, *job.AssignedAgentID, now)
			if err != nil {
				d.logger.Warn("liveness check failed during reclaim",
					zap.String("job_id", job.ID.String()),
					zap.Error(err),
				)
				continue
			}
			if !offline {
				continue
			}
		}

		requeued, err := d.st.RequeueJob(ctx, job.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotClaimable) {
				// The job reached a terminal state between the scan and the
				// requeue. Leave it alone.
				continue
			}
			return fmt.Errorf("dispatcher: requeue %s: %w", job.ID, err)
		}

		d.queue.Requeue(requeued)
		metrics.JobsRequeued.Inc()
		metrics.QueueDepth.Set(float64(d.queue.Depth()))
		d.logger.Warn("requeued orphaned job",
			zap.String("job_id", job.ID.String()),
			zap.String("host", job.Host),
			zap.Timep("assigned_at", job.AssignedAt),
		)
	}
	return nil
}
