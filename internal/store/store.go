// Package store provides the durable persistence layer for agents, jobs,
// log chunks and chat sessions. Every exported operation is individually
// atomic: state-machine guards (claim CAS, terminal transitions, the
// idempotency constraint) are enforced inside single statements or
// transactions here, never composed by callers. The in-memory queue and
// log broker hold only rebuildable caches over this store.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"modernc.org/sqlite"

	"github.com/JasSra/henchmen/internal/db"
)

// SQLite extended result codes for unique-constraint violations.
const (
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

// isDuplicateKey reports whether err is a unique-constraint violation.
// GORM's TranslateError covers postgres, but the modernc sqlite driver's
// errors carry their code in unexported fields that the gorm sqlite
// dialector cannot read, so they are mapped here directly.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqliteConstraintUnique || serr.Code() == sqliteConstraintPrimaryKey
	}
	return false
}

// ListOptions contains pagination and filter options for job listings.
// Empty filter fields match everything.
type ListOptions struct {
	Limit  int
	Offset int
	Status string
	Host   string
}

// Store wraps a *gorm.DB with the controller's atomic operations.
// The zero value is not usable — create instances with New.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New returns a Store backed by the provided *gorm.DB.
func New(database *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: database, logger: logger.Named("store")}
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// CreateAgent inserts a new agent record. Registration always creates a
// fresh row — older agents with the same hostname are kept and simply age
// out of liveness.
func (s *Store) CreateAgent(ctx context.Context, agent *db.Agent) error {
	if err := s.db.WithContext(ctx).Create(agent).Error; err != nil {
		return fmt.Errorf("store: create agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID. Returns ErrNotFound if no record exists.
func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := s.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get agent: %w", err)
	}
	return &agent, nil
}

// TouchHeartbeat updates only the agent's last_heartbeat_at timestamp.
// Returns ErrNotFound when the agent row does not exist (e.g. the store
// was wiped) so the caller can tell the worker to re-register.
func (s *Store) TouchHeartbeat(ctx context.Context, id uuid.UUID, ts time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Update("last_heartbeat_at", ts)
	if result.Error != nil {
		return fmt.Errorf("store: touch heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAgents returns all agents ordered by hostname, then registration time.
func (s *Store) ListAgents(ctx context.Context) ([]db.Agent, error) {
	var agents []db.Agent
	if err := s.db.WithContext(ctx).
		Order("hostname ASC, created_at ASC").
		Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	return agents, nil
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// InsertJob persists a new job in pending state. The partial unique index
// on (repo, ref, host) over non-terminal rows rejects duplicates; such
// violations surface as ErrDuplicateIdempotency.
func (s *Store) InsertJob(ctx context.Context, job *db.Job) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateIdempotency
		}
		return fmt.Errorf("store: insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID. Returns ErrNotFound if no record exists.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	return &job, nil
}

// ListJobs returns a paginated list of jobs and the total count, ordered
// by creation time descending (most recent first).
func (s *Store) ListJobs(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	filter := func(tx *gorm.DB) *gorm.DB {
		if opts.Status != "" {
			tx = tx.Where("status = ?", opts.Status)
		}
		if opts.Host != "" {
			tx = tx.Where("host = ?", opts.Host)
		}
		return tx
	}

	if err := filter(s.db.WithContext(ctx).Model(&db.Job{})).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list jobs count: %w", err)
	}

	if err := filter(s.db.WithContext(ctx)).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list jobs: %w", err)
	}

	return jobs, total, nil
}

// ListJobsByStatus returns all jobs with the given status ordered by
// creation time ascending. The recovery scan uses this ordering to
// preserve FIFO when re-queueing pending jobs after a restart.
func (s *Store) ListJobsByStatus(ctx context.Context, status string) ([]db.Job, error) {
	var jobs []db.Job
	if err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("store: list jobs by status: %w", err)
	}
	return jobs, nil
}

// ClaimJob atomically transitions a pending job to running and records the
// winning agent. The conditional UPDATE is the linearization point for
// racing heartbeats: exactly one caller sees RowsAffected == 1; losers get
// ErrNotClaimable (or ErrNotFound if the job vanished entirely).
func (s *Store) ClaimJob(ctx context.Context, jobID, agentID uuid.UUID, ts time.Time) (*db.Job, error) {
	result := s.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status = ?", jobID, db.JobStatusPending).
		Updates(map[string]interface{}{
			"status":            db.JobStatusRunning,
			"assigned_agent_id": agentID,
			"assigned_at":       ts,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("store: claim job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetJob(ctx, jobID); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrNotClaimable
	}
	return s.GetJob(ctx, jobID)
}

// CompleteJob transitions a running job to the given terminal status on
// behalf of the agent it was assigned to. Re-acking a job that is already
// terminal is a harmless no-op: the stored job is returned together with
// ErrAlreadyTerminal and no state changes or events are emitted. An ack
// from an agent the job was never assigned to returns ErrNotAssigned.
func (s *Store) CompleteJob(ctx context.Context, jobID, agentID uuid.UUID, terminalStatus, detail string, ts time.Time) (*db.Job, error) {
	if !db.TerminalStatus(terminalStatus) || terminalStatus == db.JobStatusCancelled {
		return nil, fmt.Errorf("store: complete job: invalid terminal status %q", terminalStatus)
	}

	update := map[string]interface{}{
		"status":       terminalStatus,
		"completed_at": ts,
	}
	if terminalStatus == db.JobStatusFailed {
		update["error"] = detail
	} else {
		update["result"] = detail
	}

	result := s.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status = ? AND assigned_agent_id = ?", jobID, db.JobStatusRunning, agentID).
		Updates(update)
	if result.Error != nil {
		return nil, fmt.Errorf("store: complete job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Classify the refusal from the current row state.
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if db.TerminalStatus(job.Status) {
			return job, ErrAlreadyTerminal
		}
		if job.AssignedAgentID == nil || *job.AssignedAgentID != agentID {
			return nil, ErrNotAssigned
		}
		return nil, ErrNotClaimable
	}
	return s.GetJob(ctx, jobID)
}

// CancelJob transitions a pending or running job to cancelled. Returns the
// stored job with ErrAlreadyTerminal when the job already reached a
// terminal state. Cancel does not preempt a worker that is mid-deploy;
// the worker's eventual ack discovers the terminal state.
func (s *Store) CancelJob(ctx context.Context, jobID uuid.UUID, ts time.Time) (*db.Job, error) {
	result := s.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status IN ?", jobID, []string{db.JobStatusPending, db.JobStatusRunning}).
		Updates(map[string]interface{}{
			"status":       db.JobStatusCancelled,
			"completed_at": ts,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("store: cancel job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return job, ErrAlreadyTerminal
	}
	return s.GetJob(ctx, jobID)
}

// RequeueJob returns an orphaned running job to pending with its
// assignment cleared, making it claimable again. Conditional on the job
// still being in running state so a concurrent worker ack wins cleanly.
func (s *Store) RequeueJob(ctx context.Context, jobID uuid.UUID) (*db.Job, error) {
	result := s.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status = ?", jobID, db.JobStatusRunning).
		Updates(map[string]interface{}{
			"status":            db.JobStatusPending,
			"assigned_agent_id": nil,
			"assigned_at":       nil,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("store: requeue job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotClaimable
	}
	return s.GetJob(ctx, jobID)
}

// -----------------------------------------------------------------------------
// Log chunks
// -----------------------------------------------------------------------------

// AppendLogChunk persists one log chunk. Re-appending an existing
// (job_id, sequence) pair is a no-op so that agent retries after a
// network failure cannot duplicate chunks.
func (s *Store) AppendLogChunk(ctx context.Context, chunk *db.LogChunk) error {
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(chunk).Error; err != nil {
		return fmt.Errorf("store: append log chunk: %w", err)
	}
	return nil
}

// ReadLogChunks returns up to limit chunks for a job starting at
// fromSequence (inclusive), in sequence order. A limit of 0 means no limit.
func (s *Store) ReadLogChunks(ctx context.Context, jobID uuid.UUID, fromSequence int64, limit int) ([]db.LogChunk, error) {
	q := s.db.WithContext(ctx).
		Where("job_id = ? AND sequence >= ?", jobID, fromSequence).
		Order("sequence ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var chunks []db.LogChunk
	if err := q.Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("store: read log chunks: %w", err)
	}
	return chunks, nil
}

// MaxLogSequence returns the highest persisted sequence for a job, or 0
// when no chunks exist yet.
func (s *Store) MaxLogSequence(ctx context.Context, jobID uuid.UUID) (int64, error) {
	var max *int64
	if err := s.db.WithContext(ctx).
		Model(&db.LogChunk{}).
		Where("job_id = ?", jobID).
		Select("MAX(sequence)").
		Scan(&max).Error; err != nil {
		return 0, fmt.Errorf("store: max log sequence: %w", err)
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

// PruneLogChunks deletes the oldest chunks of a job so that at most keep
// chunks remain. Retention policy: per-job cap applied by the background
// sweep; cross-job totals are unbounded by design.
func (s *Store) PruneLogChunks(ctx context.Context, jobID uuid.UUID, keep int) error {
	maxSeq, err := s.MaxLogSequence(ctx, jobID)
	if err != nil {
		return err
	}
	cutoff := maxSeq - int64(keep)
	if cutoff <= 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).
		Where("job_id = ? AND sequence <= ?", jobID, cutoff).
		Delete(&db.LogChunk{}).Error; err != nil {
		return fmt.Errorf("store: prune log chunks: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Chat sessions (opaque to the dispatch plane)
// -----------------------------------------------------------------------------

// CreateChatSession inserts a new chat session record.
func (s *Store) CreateChatSession(ctx context.Context, session *db.ChatSession) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("store: create chat session: %w", err)
	}
	return nil
}

// GetChatSession retrieves a chat session by ID.
func (s *Store) GetChatSession(ctx context.Context, id uuid.UUID) (*db.ChatSession, error) {
	var session db.ChatSession
	err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get chat session: %w", err)
	}
	return &session, nil
}

// ListChatSessions returns sessions newest first, optionally filtered to
// one user. Archived sessions are excluded unless includeArchived is set.
func (s *Store) ListChatSessions(ctx context.Context, userID string, includeArchived bool) ([]db.ChatSession, error) {
	q := s.db.WithContext(ctx)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if !includeArchived {
		q = q.Where("archived_at IS NULL")
	}
	var sessions []db.ChatSession
	if err := q.Order("created_at DESC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("store: list chat sessions: %w", err)
	}
	return sessions, nil
}

// SetChatSessionArchived archives or unarchives a session.
func (s *Store) SetChatSessionArchived(ctx context.Context, id uuid.UUID, archived bool, ts time.Time) error {
	var value interface{}
	if archived {
		value = ts
	}
	result := s.db.WithContext(ctx).
		Model(&db.ChatSession{}).
		Where("id = ?", id).
		Update("archived_at", value)
	if result.Error != nil {
		return fmt.Errorf("store: set chat session archived: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteChatSession removes a session and all of its messages in one
// transaction.
func (s *Store) DeleteChatSession(ctx context.Context, id uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&db.ChatMessage{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&db.ChatSession{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("store: delete chat session: %w", err)
	}
	return nil
}

// AppendChatMessage inserts a message into a session.
func (s *Store) AppendChatMessage(ctx context.Context, msg *db.ChatMessage) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("store: append chat message: %w", err)
	}
	return nil
}

// ListChatMessages returns messages for a session in chronological order.
// A limit of 0 means no limit.
func (s *Store) ListChatMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]db.ChatMessage, error) {
	q := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var messages []db.ChatMessage
	if err := q.Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("store: list chat messages: %w", err)
	}
	return messages, nil
}
