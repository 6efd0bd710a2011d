// Package pool is the agent worker pool: a fixed set of workers draining
// one shared priority queue. Popping the minimum (priority, sequence)
// entry is the single scheduling decision point in the system.
package pool

import (
	"context"
	"time"

	"agentbot/internal/task"
)

// Config controls the worker pool.
type Config struct {
	Workers int
}

// Entry is a deferred unit of executable work.
//
// ID is a label for observability and pre-claim cancellation, not a
// scheduling input.
type Entry struct {
	ID       string
	Priority task.Priority
	Run      func(ctx context.Context)
}

// queued wraps an Entry with its insertion sequence number.
// The sequence is strictly increasing process-wide and is used only as a
// tie-break within a priority class, never on its own.
type queued struct {
	entry      Entry
	seq        uint64
	enqueuedAt time.Time
}

// entryHeap orders by (priority, seq) ascending: smaller priority value is
// more urgent, and within a class earlier submissions pop first.
type entryHeap []queued

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].entry.Priority != h[j].entry.Priority {
		return h[i].entry.Priority < h[j].entry.Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = queued{}
	*h = old[:n-1]
	return it
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers int
	Active  int
	Queued  int
}
