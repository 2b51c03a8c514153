// Package logbroker fans job log chunks out to live subscribers. Chunks
// are persisted first, then appended to a bounded per-job ring and pushed
// to every subscriber of that job. Subscribers that fall behind the
// backpressure limit are dropped without affecting the writer or other
// subscribers.
package logbroker

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JasSra/henchmen/internal/db"
	"github.com/JasSra/henchmen/internal/metrics"
	"github.com/JasSra/henchmen/internal/store"
)

const (
	// RingSize is how many recent chunks are kept in memory per active
	// job. Subscribers resuming from older sequences fall back to the
	// persisted log.
	RingSize = 4096

	// SubscriberBuffer is the per-subscriber channel capacity. A
	// subscriber whose buffer fills is dropped.
	SubscriberBuffer = 1024
)

// Event is one item on a subscriber's stream. Exactly one field is set.
type Event struct {
	// Chunk is a live log chunk.
	Chunk *db.LogChunk

	// Closed marks the end of the stream: the job reached a terminal
	// state. No further events follow.
	Closed bool
}

// Subscription is one attached log reader.
type Subscription struct {
	// Backlog holds the chunks recorded before the subscription attached,
	// starting at the requested sequence. Consume it before Events.
	Backlog []db.LogChunk

	// Events delivers live chunks and the terminal Closed event. The
	// channel is closed when the stream ends or the subscriber is dropped.
	Events <-chan Event

	// Dropped is closed if the subscriber fell behind and was detached.
	// The chunks it missed remain readable from the persisted log.
	Dropped <-chan struct{}

	broker *Broker
	jobID  uuid.UUID
	sub    *subscriber
}

type subscriber struct {
	events  chan Event
	dropped chan struct{}
	once    sync.Once
}

// jobStream is the live state for one active job.
type jobStream struct {
	mu          sync.Mutex
	ring        []db.LogChunk
	subscribers map[*subscriber]struct{}
	closed      bool
}

// Broker owns the per-job streams.
type Broker struct {
	st     *store.Store
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[uuid.UUID]*jobStream
}

// New returns an empty Broker backed by the given store.
func New(st *store.Store, logger *zap.Logger) *Broker {
	return &Broker{
		st:     st,
		logger: logger.Named("logbroker"),
		jobs:   make(map[uuid.UUID]*jobStream),
	}
}

// Publish persists the chunks and fans them out to the job's subscribers.
// Chunks must arrive in ascending sequence order per job; re-sent
// sequences are absorbed by the persisted log's primary key and skipped
// on the ring. Publish never blocks on a slow subscriber.
func (b *Broker) Publish(ctx context.Context, jobID uuid.UUID, chunks []db.LogChunk) error {
	for i := range chunks {
		chunk := &chunks[i]
		chunk.JobID = jobID
		if err := b.st.AppendLogChunk(ctx, chunk); err != nil {
			return err
		}
		metrics.LogChunks.WithLabelValues(chunk.Stream).Inc()
	}

	stream := b.stream(jobID)

	stream.mu.Lock()
	defer stream.mu.Unlock()
	if stream.closed {
		return nil
	}

	for i := range chunks {
		chunk := chunks[i]
		if n := len(stream.ring); n > 0 && chunk.Sequence <= stream.ring[n-1].Sequence {
			continue
		}
		stream.ring = append(stream.ring, chunk)
		if len(stream.ring) > RingSize {
			stream.ring = stream.ring[len(stream.ring)-RingSize:]
		}

		for sub := range stream.subscribers {
			select {
			case sub.events <- Event{Chunk: &chunk}:
			default:
				// Buffer full: this subscriber is too slow for the live
				// stream. Detach it; the others keep receiving.
				delete(stream.subscribers, sub)
				sub.drop()
				metrics.LogSubscribersDropped.Inc()
				b.logger.Warn("dropped slow log subscriber",
					zap.String("job_id", jobID.String()),
					zap.Int64("sequence", chunk.Sequence),
				)
			}
		}
	}
	return nil
}

// Subscribe attaches a reader to the job's log starting at fromSequence.
// Persisted chunks older than the in-memory ring are read back from the
// store into the backlog, so a reconnecting subscriber never sees a gap.
// For a job already in a terminal state the subscription carries the
// backlog and an immediately-closed event stream.
func (b *Broker) Subscribe(ctx context.Context, jobID uuid.UUID, fromSequence int64) (*Subscription, error) {
	job, err := b.st.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	// Persisted history first, outside any broker lock.
	backlog, err := b.st.ReadLogChunks(ctx, jobID, fromSequence, 0)
	if err != nil {
		return nil, err
	}

	if db.TerminalStatus(job.Status) {
		events := make(chan Event, 1)
		events <- Event{Closed: true}
		close(events)
		return &Subscription{
			Backlog: backlog,
			Events:  events,
			Dropped: make(chan struct{}),
			broker:  b,
			jobID:   jobID,
		}, nil
	}

	sub := &subscriber{
		events:  make(chan Event, SubscriberBuffer),
		dropped: make(chan struct{}),
	}

	stream := b.stream(jobID)
	stream.mu.Lock()
	if stream.closed {
		stream.mu.Unlock()
		events := make(chan Event, 1)
		events <- Event{Closed: true}
		close(events)
		return &Subscription{
			Backlog: backlog,
			Events:  events,
			Dropped: make(chan struct{}),
			broker:  b,
			jobID:   jobID,
		}, nil
	}

	// Chunks published between the store read and this point are on the
	// ring; fold the missing tail into the backlog by sequence.
	last := fromSequence - 1
	if n := len(backlog); n > 0 {
		last = backlog[n-1].Sequence
	}
	for i := range stream.ring {
		if stream.ring[i].Sequence > last {
			backlog = append(backlog, stream.ring[i])
		}
	}

	stream.subscribers[sub] = struct{}{}
	stream.mu.Unlock()

	return &Subscription{
		Backlog: backlog,
		Events:  sub.events,
		Dropped: sub.dropped,
		broker:  b,
		jobID:   jobID,
		sub:     sub,
	}, nil
}

// Close detaches the subscription. Safe to call after the stream ended.
func (s *Subscription) Close() {
	if s.sub == nil {
		return
	}
	s.broker.mu.Lock()
	stream, ok := s.broker.jobs[s.jobID]
	s.broker.mu.Unlock()
	if !ok {
		return
	}

	stream.mu.Lock()
	if _, attached := stream.subscribers[s.sub]; attached {
		delete(stream.subscribers, s.sub)
		close(s.sub.events)
	}
	stream.mu.Unlock()
}

// CloseJob ends the job's live stream: every subscriber receives the
// terminal Closed event, the ring is freed, and the persisted log is left
// intact. Called by the dispatcher on terminal transitions.
func (b *Broker) CloseJob(jobID uuid.UUID) {
	b.mu.Lock()
	stream, ok := b.jobs[jobID]
	delete(b.jobs, jobID)
	b.mu.Unlock()
	if !ok {
		return
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()
	stream.closed = true
	stream.ring = nil

	for sub := range stream.subscribers {
		select {
		case sub.events <- Event{Closed: true}:
		default:
			sub.drop()
		}
		close(sub.events)
		delete(stream.subscribers, sub)
	}
}

// stream returns the live state for jobID, creating it on first use.
func (b *Broker) stream(jobID uuid.UUID) *jobStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	stream, ok := b.jobs[jobID]
	if !ok {
		stream = &jobStream{subscribers: make(map[*subscriber]struct{})}
		b.jobs[jobID] = stream
	}
	return stream
}

// drop signals the subscriber that it was detached for falling behind.
func (s *subscriber) drop() {
	s.once.Do(func() { close(s.dropped) })
}
