// Package session bounds concurrent invocations of the external agent
// tool, separately from worker-pool concurrency. Worker-pool size governs
// logical task concurrency; session capacity governs the more expensive
// resource of live agent processes. Effective external-process
// concurrency is the minimum of the two.
package session

import (
	"time"
)

// Config controls the session pool.
type Config struct {
	// Capacity is the maximum number of live agent processes.
	Capacity int

	// Command is the agent CLI binary.
	Command string

	// ProgressEvery is how often a coarse progress event is emitted while
	// the process runs.
	ProgressEvery time.Duration

	// ResultTailLines bounds how much trailing output is captured as the
	// task's result text.
	ResultTailLines int
}

// Request describes one agent run.
type Request struct {
	TaskID      string
	Description string
	Workspace   string
	Model       string
	Context     string
	Correlation string // names the execution-session logs
}

// EventKind tags a stream event.
type EventKind int

const (
	// EventStarted carries the process id, emitted as soon as the process
	// is launched.
	EventStarted EventKind = iota
	// EventOutput carries one line of process output. Best-effort: lines
	// may be dropped for slow consumers.
	EventOutput
	// EventProgress is a coarse periodic heartbeat with elapsed time.
	EventProgress
	// EventDone is the final event; the channel closes after it.
	EventDone
)

// Event is one item in the stream returned by Execute.
type Event struct {
	Kind     EventKind
	PID      int           // EventStarted
	Workflow string        // EventStarted: workflow the run uses
	Line     string        // EventOutput
	Status   string        // EventProgress
	Elapsed  time.Duration // EventProgress
	Result   Result        // EventDone
}

// Result is the outcome of one agent run.
type Result struct {
	Success  bool
	Output   string // trailing output lines
	Err      string // human-readable failure text, empty on success
	PID      int
	Workflow string
}

// Snapshot is a diagnostics view of the pool.
type Snapshot struct {
	Capacity int
	Held     int
}
