package storage

import (
	"context"
	"time"

	"agentbot/internal/task"
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store persists task records and activity entries.
//
// List operations return tasks without their activity log; Get loads the
// full record including activity.
type Store interface {
	CreateTask(ctx context.Context, t task.Task) error
	GetTask(ctx context.Context, id string) (task.Task, error)
	UpdateTask(ctx context.Context, t task.Task) error
	AppendActivity(ctx context.Context, id string, e task.ActivityEntry) error

	// ListTasks filters by actor and/or status; actorID 0 means any actor,
	// empty status means any status. limit <= 0 means no limit.
	ListTasks(ctx context.Context, actorID int64, status task.Status, limit int) ([]task.Task, error)

	Close() error
}
