// ABOUTME: Store interface and data types for dexagents persistence.
// ABOUTME: Defines agent, job, task, and command history records.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// AgentRecord is the durable record of a fleet agent, distinct from its live
// session. Status mirrors the liveness monitor's last known state.
type AgentRecord struct {
	ID        string
	Hostname  string
	OS        string
	Version   string
	Status    string
	LastSeen  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Installation job statuses.
const (
	JobStatusPending     = "pending"
	JobStatusDownloading = "downloading"
	JobStatusInstalling  = "installing"
	JobStatusCompleted   = "completed"
	JobStatusFailed      = "failed"
	JobStatusCancelled   = "cancelled"
	JobStatusRollback    = "rollback"
)

// InstallationJob is the durable record of a multi-phase install operation.
// The in-memory orchestrator state machine is the authority for what happens
// next; this record exists for durability and operator visibility.
type InstallationJob struct {
	ID                string
	AgentID           string
	PackageRef        string
	Status            string
	Progress          int
	CurrentStep       string
	RetryCount        int
	MaxRetries        int
	RollbackPerformed bool
	Error             string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// Scheduled task types.
const (
	TaskTypeCommand = "command"
	TaskTypeInstall = "install"
)

// ScheduledTask binds a cron recurrence to a command or an installation.
// NextRun is nil when there are no further occurrences or the expression is
// invalid; such tasks are skipped by the sweep until corrected.
type ScheduledTask struct {
	ID         string
	Name       string
	AgentID    string
	Type       string
	Command    string
	PackageRef string
	Expression string
	LastRun    *time.Time
	NextRun    *time.Time
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CommandRecord is one audit entry per resolved dispatch.
type CommandRecord struct {
	ID            string
	AgentID       string
	CorrelationID string
	Command       string
	Success       bool
	Output        string
	Error         string
	DurationMS    int64
	CreatedAt     time.Time
}

// CommandHistoryAppender is the narrow sink the dispatcher needs for audit.
type CommandHistoryAppender interface {
	AppendCommandHistory(ctx context.Context, rec *CommandRecord) error
}

// Store defines the persistence interface consumed by the orchestration core.
// Calls may fail transiently; callers wrap them with WithRetry.
type Store interface {
	CommandHistoryAppender

	// Agents
	UpsertAgent(ctx context.Context, rec *AgentRecord) error
	GetAgent(ctx context.Context, id string) (*AgentRecord, error)
	ListAgents(ctx context.Context) ([]*AgentRecord, error)
	UpdateAgentStatus(ctx context.Context, id, status string, lastSeen time.Time) error

	// Installation jobs
	SaveInstallationJob(ctx context.Context, job *InstallationJob) error
	GetInstallationJob(ctx context.Context, id string) (*InstallationJob, error)
	ListInstallationJobs(ctx context.Context, agentID string) ([]*InstallationJob, error)

	// Scheduled tasks
	UpsertScheduledTask(ctx context.Context, task *ScheduledTask) error
	GetScheduledTask(ctx context.Context, id string) (*ScheduledTask, error)
	ListScheduledTasks(ctx context.Context, activeOnly bool) ([]*ScheduledTask, error)

	// Command history
	ListCommandHistory(ctx context.Context, agentID string, limit int) ([]*CommandRecord, error)

	Close() error
}
