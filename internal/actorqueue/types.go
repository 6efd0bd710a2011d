// Package actorqueue serializes work submitted on behalf of the same
// actor (one chat user): for a fixed actor, entry i always finishes (or
// is discarded unstarted) before entry i+1 begins. Different actors
// proceed fully in parallel.
package actorqueue

import (
	"context"

	"agentbot/internal/task"
)

// Kind tags a command variant. Commands are a closed set; each kind
// carries its own typed argument struct and is dispatched via switch,
// never dynamic invocation.
type Kind string

const (
	KindSubmit  Kind = "submit"
	KindStop    Kind = "stop"
	KindStopAll Kind = "stop_all"
	KindRetry   Kind = "retry"
)

// Command is one queued unit for an actor. Exactly one argument field is
// set, matching Kind.
type Command struct {
	Kind     Kind
	Label    string        // short description for status output
	Priority task.Priority // urgent/high commands jump the actor's normal list

	Submit  *SubmitArgs
	Stop    *StopArgs
	StopAll *StopAllArgs
	Retry   *RetryArgs
}

type SubmitArgs struct {
	Description string
	Workspace   string
	Model       string
	AgentType   task.AgentType
	Context     string
}

type StopArgs struct {
	TaskID string
}

type StopAllArgs struct{}

type RetryArgs struct {
	TaskID string
}

// Runner executes one command for an actor. Implementations dispatch on
// Command.Kind. Errors are the runner's to report (typically back to the
// actor); the queue only guarantees ordering.
type Runner interface {
	Run(ctx context.Context, actorID int64, cmd Command)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, actorID int64, cmd Command)

func (f RunnerFunc) Run(ctx context.Context, actorID int64, cmd Command) { f(ctx, actorID, cmd) }

// Status is a point-in-time view of one actor's queue.
type Status struct {
	Queued     int
	InProgress bool
	Label      string
	Processed  uint64
}
