package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Job status values. Transitions form a DAG:
// pending -> running | cancelled; running -> success | failed | cancelled.
// Terminal states are absorbing.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusSuccess   = "success"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// TerminalStatus reports whether status is one of the absorbing job states.
func TerminalStatus(status string) bool {
	switch status {
	case JobStatusSuccess, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Log chunk stream labels.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamEvent  = "event"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Agent is the persistent record of a registered worker. Agents poll the
// controller via heartbeat; they expose no ports of their own. The row is
// never deleted — an agent that stops heartbeating simply ages into the
// derived offline state. CreatedAt doubles as the registration timestamp.
//
// Status is intentionally not a column: it is derived from LastHeartbeatAt
// on read (see registry.DeriveStatus) to avoid write amplification from
// the liveness sweeper.
type Agent struct {
	Base
	Hostname        string     `gorm:"not null;index" json:"hostname"`
	Capabilities    string     `gorm:"type:text;not null;default:'{}'" json:"capabilities"` // JSON object
	Token           string     `gorm:"type:text;default:''" json:"-"`                       // bearer credential issued at registration
	LastHeartbeatAt *time.Time `gorm:"index" json:"last_heartbeat_at"`
}

// Job is a single deployment execution targeted at one host. The
// (Repo, Ref, Host) triple is the idempotency key: a partial unique index
// (see migrations) guarantees at most one non-terminal job per triple.
//
// Payload is opaque to the controller — it is stored and forwarded to the
// agent verbatim.
type Job struct {
	Base
	Repo            string     `gorm:"not null;default:''" json:"repo"`
	Ref             string     `gorm:"not null;default:''" json:"ref"`
	Host            string     `gorm:"not null;index" json:"host"`
	Payload         []byte     `gorm:"type:text" json:"payload"`
	Status          string     `gorm:"not null;default:'pending';index" json:"status"`
	AssignedAgentID *uuid.UUID `gorm:"type:text;index" json:"assigned_agent_id"`
	AssignedAt      *time.Time `json:"assigned_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	Result          string     `gorm:"type:text;default:''" json:"result"`
	Error           string     `gorm:"type:text;default:''" json:"error"`
}

// LogChunk is one ordered piece of a job's log output. Sequence is
// monotonic and gap-free per job; the pair (JobID, Sequence) is the
// primary key so replays and idempotent re-appends cannot duplicate rows.
type LogChunk struct {
	JobID     uuid.UUID `gorm:"type:text;primaryKey" json:"job_id"`
	Sequence  int64     `gorm:"primaryKey;autoIncrement:false" json:"sequence"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
	Stream    string    `gorm:"not null;default:'stdout'" json:"stream"`
	Payload   []byte    `gorm:"type:blob" json:"payload"`
}

// ChatSession groups assistant conversation messages. The dispatch plane
// never reads these — they exist so the optional chat frontend survives
// controller restarts.
type ChatSession struct {
	Base
	UserID     string     `gorm:"not null;default:'default';index" json:"user_id"`
	Name       string     `gorm:"not null;default:''" json:"name"`
	ArchivedAt *time.Time `json:"archived_at"`
}

// ChatMessage is a single utterance within a chat session.
type ChatMessage struct {
	Base
	SessionID uuid.UUID `gorm:"type:text;not null;index" json:"session_id"`
	Role      string    `gorm:"not null" json:"role"` // "user" or "assistant"
	Content   string    `gorm:"type:text;not null" json:"content"`
	Metadata  string    `gorm:"type:text;default:'{}'" json:"metadata"` // JSON object
}
