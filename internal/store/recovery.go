package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JasSra/henchmen/internal/db"
)

// Recover scans non-terminal jobs at startup and returns the pending set,
// in created_at order, for reinjection into the in-memory queue.
//
// Running jobs whose assignment is older than orphanTimeout are presumed
// abandoned (their worker died while the controller was down) and are
// reset to pending with the assignment cleared; they are included in the
// returned slice. Running jobs within the timeout are left untouched —
// their worker may still ack.
func (s *Store) Recover(ctx context.Context, orphanTimeout time.Duration, now time.Time) ([]db.Job, error) {
	pending, err := s.ListJobsByStatus(ctx, db.JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("store: recover pending: %w", err)
	}

	running, err := s.ListJobsByStatus(ctx, db.JobStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("store: recover running: %w", err)
	}

	for i := range running {
		job := &running[i]
		if job.AssignedAt == nil || now.Sub(*job.AssignedAt) < orphanTimeout {
			continue
		}
		requeued, err := s.RequeueJob(ctx, job.ID)
		if err != nil {
			if errors.Is(err, ErrNotClaimable) {
				// The job moved on concurrently; nothing to reclaim.
				continue
			}
			return nil, fmt.Errorf("store: recover requeue %s: %w", job.ID, err)
		}
		s.logger.Warn("reassigned orphaned running job during recovery",
			zap.String("job_id", job.ID.String()),
			zap.String("host", job.Host),
			zap.Timep("assigned_at", job.AssignedAt),
		)
		pending = append(pending, *requeued)
	}

	return pending, nil
}
