package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JasSra/henchmen/internal/metrics"
)

// sweepInterval is how often the liveness sweep re-derives fleet statuses.
const sweepInterval = 10 * time.Second

// Sweeper periodically derives the status of every agent, logs
// transitions, and refreshes the fleet gauges. It never writes status
// anywhere: the sweep exists for observability, reads always derive.
type Sweeper struct {
	cron     gocron.Scheduler
	registry *Registry
	logger   *zap.Logger

	// previous holds the status seen for each agent on the last sweep,
	// used to detect and log transitions. Accessed only from the sweep
	// task, which runs in singleton mode.
	previous map[uuid.UUID]string
}

// NewSweeper creates the liveness sweeper. Call Start to begin sweeping.
func NewSweeper(registry *Registry, logger *zap.Logger) (*Sweeper, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("registry: creating sweep scheduler: %w", err)
	}
	return &Sweeper{
		cron:     cron,
		registry: registry,
		logger:   logger.Named("liveness"),
		previous: make(map[uuid.UUID]string),
	}, nil
}

// Start schedules the recurring sweep and starts the scheduler.
func (s *Sweeper) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.sweep(ctx)
		}),
		gocron.WithTags("liveness-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("registry: scheduling liveness sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("liveness sweeper started", zap.Duration("interval", sweepInterval))
	return nil
}

// Stop shuts down the scheduler, waiting for an in-flight sweep to finish.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("registry: sweeper shutdown: %w", err)
	}
	return nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	views, err := s.registry.List(ctx)
	if err != nil {
		s.logger.Error("liveness sweep failed", zap.Error(err))
		return
	}

	counts := map[string]int{StatusOnline: 0, StatusStale: 0, StatusOffline: 0}
	seen := make(map[uuid.UUID]string, len(views))

	for _, v := range views {
		counts[v.Status]++
		seen[v.Agent.ID] = v.Status

		prev, known := s.previous[v.Agent.ID]
		if known && prev != v.Status {
			s.logger.Info("agent status changed",
				zap.String("agent_id", v.Agent.ID.String()),
				zap.String("hostname", v.Agent.Hostname),
				zap.String("from", prev),
				zap.String("to", v.Status),
			)
		}
	}
	s.previous = seen

	for status, n := range counts {
		metrics.AgentsByStatus.WithLabelValues(status).Set(float64(n))
	}
}
