package task

import (
	"strings"
	"testing"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{name: "pending to running", from: StatusPending, to: StatusRunning, want: true},
		{name: "pending to stopped", from: StatusPending, to: StatusStopped, want: true},
		{name: "pending to completed", from: StatusPending, to: StatusCompleted, want: false},
		{name: "pending to failed", from: StatusPending, to: StatusFailed, want: false},
		{name: "running to completed", from: StatusRunning, to: StatusCompleted, want: true},
		{name: "running to failed", from: StatusRunning, to: StatusFailed, want: true},
		{name: "running to stopped", from: StatusRunning, to: StatusStopped, want: true},
		{name: "running to pending", from: StatusRunning, to: StatusPending, want: false},
		{name: "completed to running", from: StatusCompleted, to: StatusRunning, want: false},
		{name: "completed to failed", from: StatusCompleted, to: StatusFailed, want: false},
		{name: "failed to running", from: StatusFailed, to: StatusRunning, want: false},
		{name: "stopped to running", from: StatusStopped, to: StatusRunning, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusStopped} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning, Status("bogus")} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()
	// Smaller value means more urgent.
	if !(PriorityUrgent < PriorityHigh && PriorityHigh < PriorityNormal && PriorityNormal < PriorityLow) {
		t.Fatal("priority levels out of order")
	}
	for _, p := range []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow} {
		if !p.Valid() {
			t.Errorf("%s should be valid", p)
		}
	}
	if Priority(-1).Valid() || Priority(4).Valid() {
		t.Error("out-of-range priorities should be invalid")
	}
}

func TestNewID(t *testing.T) {
	t.Parallel()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if !strings.HasPrefix(id, "tsk-") {
			t.Fatalf("NewID() = %q, want tsk- prefix", id)
		}
		if len(id) != len("tsk-")+8 {
			t.Fatalf("NewID() = %q, unexpected length", id)
		}
		if seen[id] {
			t.Fatalf("NewID() repeated %q", id)
		}
		seen[id] = true
	}
}

func TestAgentTypeKnown(t *testing.T) {
	t.Parallel()
	for _, a := range []AgentType{AgentCoder, AgentReviewer, AgentPlanner} {
		if !a.Known() {
			t.Errorf("%s should be known", a)
		}
	}
	if AgentType("wizard").Known() {
		t.Error("unknown agent type accepted")
	}
}
