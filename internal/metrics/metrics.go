// Package metrics declares the Prometheus collectors exported on /metrics.
// Collectors are package-level and registered with the default registry,
// so any package can record without plumbing a handle through constructors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsCreated counts jobs accepted into the queue, labelled by trigger
	// ("webhook" or "api").
	JobsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deploybot",
		Name:      "jobs_created_total",
		Help:      "Jobs accepted into the dispatch queue.",
	}, []string{"trigger"})

	// JobsDuplicate counts enqueue attempts rejected by the idempotency key.
	JobsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deploybot",
		Name:      "jobs_duplicate_total",
		Help:      "Enqueue attempts rejected because an active job already covered the same repo, ref and host.",
	})

	// JobsClaimed counts successful job assignments to agents.
	JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deploybot",
		Name:      "jobs_claimed_total",
		Help:      "Jobs handed to an agent via heartbeat.",
	})

	// JobsTerminal counts jobs reaching a terminal status, labelled by the
	// status reached.
	JobsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deploybot",
		Name:      "jobs_terminal_total",
		Help:      "Jobs that reached a terminal status.",
	}, []string{"status"})

	// JobsRequeued counts orphaned running jobs reset to pending.
	JobsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deploybot",
		Name:      "jobs_requeued_total",
		Help:      "Running jobs reclaimed from unresponsive agents and requeued.",
	})

	// QueueDepth is the number of pending jobs across all host partitions.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "deploybot",
		Name:      "queue_depth",
		Help:      "Pending jobs waiting for an agent.",
	})

	// AgentsByStatus tracks the fleet split by derived liveness status.
	AgentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "deploybot",
		Name:      "agents",
		Help:      "Registered agents by derived liveness status.",
	}, []string{"status"})

	// WebhookDeliveries counts webhook requests, labelled by outcome
	// ("accepted", "ignored", "invalid_signature", "malformed").
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deploybot",
		Name:      "webhook_deliveries_total",
		Help:      "GitHub webhook deliveries by outcome.",
	}, []string{"outcome"})

	// LogChunks counts log chunks persisted, labelled by stream.
	LogChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deploybot",
		Name:      "log_chunks_total",
		Help:      "Log chunks persisted and fanned out.",
	}, []string{"stream"})

	// LogSubscribersDropped counts SSE subscribers disconnected for falling
	// too far behind the live stream.
	LogSubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deploybot",
		Name:      "log_subscribers_dropped_total",
		Help:      "Log stream subscribers dropped for exceeding the backpressure limit.",
	})
)
