// Package task defines the durable task model: status state machine,
// priority levels, and the record persisted by the store.
package task

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
//
// Valid transitions:
//
//	pending → running → {completed, failed, stopped}
//	pending → stopped   (cancel before start)
//
// No other edges exist.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Known reports whether s is a recognized status value.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusStopped
	case StatusRunning:
		return to.IsTerminal()
	}
	return false
}

// Priority classifies urgency. Smaller value = more urgent, everywhere.
type Priority int

const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) Valid() bool { return p >= PriorityUrgent && p <= PriorityLow }

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// AgentType names which external agent profile a task runs under.
type AgentType string

const (
	AgentCoder    AgentType = "coder"
	AgentReviewer AgentType = "reviewer"
	AgentPlanner  AgentType = "planner"
)

func (a AgentType) Known() bool {
	switch a {
	case AgentCoder, AgentReviewer, AgentPlanner:
		return true
	}
	return false
}

// ActivityEntry is one timestamped progress note on a task.
type ActivityEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Task is one unit of schedulable work. The store is the source of truth;
// in-memory copies are snapshots.
//
// ProcessID is set if and only if the task is or was running.
// Correlation locates the execution-session logs for this task.
type Task struct {
	ID          string          `json:"id"`
	ActorID     int64           `json:"actor_id"`
	Description string          `json:"description"`
	Workspace   string          `json:"workspace"`
	Model       string          `json:"model"`
	AgentType   AgentType       `json:"agent_type"`
	Workflow    string          `json:"workflow,omitempty"`
	Context     string          `json:"context,omitempty"`
	Status      Status          `json:"status"`
	ProcessID   int             `json:"process_id,omitempty"`
	Correlation string          `json:"correlation"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Activity    []ActivityEntry `json:"activity,omitempty"`
}

// NewID returns a short, globally unique task identifier.
func NewID() string {
	return "tsk-" + strings.Split(uuid.NewString(), "-")[0]
}

// NewCorrelation returns a fresh correlation token for session logs.
func NewCorrelation() string { return uuid.NewString() }
