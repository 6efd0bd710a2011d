package manager

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"agentbot/internal/storage"
	"agentbot/internal/task"
	logx "agentbot/pkg/logx"
)

func newTestService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, logx.Nop(), nil), st
}

func validParams(actorID int64) CreateParams {
	return CreateParams{
		ActorID:     actorID,
		Description: "summarize the changelog",
		Workspace:   "/srv/repo",
		AgentType:   task.AgentCoder,
	}
}

type fakeProber struct{ alive map[int]bool }

func (p *fakeProber) Alive(pid int) bool { return p.alive[pid] }

type captureNotifier struct {
	mu   sync.Mutex
	sent map[int64][]string
}

func (n *captureNotifier) Notify(_ context.Context, actorID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[int64][]string)
	}
	n.sent[actorID] = append(n.sent[actorID], text)
	return nil
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateParams)
		field  string
	}{
		{name: "missing actor", mutate: func(p *CreateParams) { p.ActorID = 0 }, field: "actor_id"},
		{name: "empty description", mutate: func(p *CreateParams) { p.Description = "   " }, field: "description"},
		{name: "unknown agent type", mutate: func(p *CreateParams) { p.AgentType = "wizard" }, field: "agent_type"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p := validParams(1)
			tt.mutate(&p)
			_, err := s.Create(ctx, p)
			var verr *task.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Create = %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Fatalf("field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestCreateWritesPending(t *testing.T) {
	t.Parallel()
	s, st := newTestService(t)
	ctx := context.Background()

	created, err := s.Create(ctx, validParams(5))
	if err != nil {
		t.Fatal(err)
	}
	if created.Status != task.StatusPending {
		t.Fatalf("status = %s, want pending", created.Status)
	}
	if created.ID == "" || created.Correlation == "" {
		t.Fatalf("missing identity fields: %+v", created)
	}

	stored, err := st.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != task.StatusPending || stored.ActorID != 5 {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestMarkRunning(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	created, err := s.Create(ctx, validParams(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRunning(ctx, created.ID, 1234, "implement"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusRunning || got.ProcessID != 1234 || got.Workflow != "implement" {
		t.Fatalf("got %+v", got)
	}

	// Running → Running is not an edge.
	err = s.MarkRunning(ctx, created.ID, 1234, "")
	if !task.IsInvalidTransition(err) {
		t.Fatalf("second MarkRunning = %v, want InvalidTransitionError", err)
	}

	if err := s.MarkRunning(ctx, created.ID, 0, ""); err == nil {
		t.Fatal("zero pid accepted")
	}
}

func TestMarkTerminalIdempotent(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	created, _ := s.Create(ctx, validParams(1))
	_ = s.MarkRunning(ctx, created.ID, 99, "")

	if err := s.MarkTerminal(ctx, created.ID, task.StatusCompleted, "all done"); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	// Same outcome again: no-op.
	if err := s.MarkTerminal(ctx, created.ID, task.StatusCompleted, "all done"); err != nil {
		t.Fatalf("repeat MarkTerminal = %v, want nil", err)
	}
	// Different outcome: rejected.
	err := s.MarkTerminal(ctx, created.ID, task.StatusFailed, "oops")
	if !errors.Is(err, task.ErrAlreadyTerminal) {
		t.Fatalf("conflicting MarkTerminal = %v, want ErrAlreadyTerminal", err)
	}

	got, _ := s.Get(ctx, created.ID)
	if got.Status != task.StatusCompleted || got.Result != "all done" || got.Error != "" {
		t.Fatalf("got %+v", got)
	}
}

func TestMarkTerminalEdges(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	// Pending → Stopped is the pre-start cancel edge.
	created, _ := s.Create(ctx, validParams(1))
	if err := s.MarkTerminal(ctx, created.ID, task.StatusStopped, "stopped by user"); err != nil {
		t.Fatalf("pre-start stop: %v", err)
	}

	// Pending → Completed is not an edge.
	other, _ := s.Create(ctx, validParams(1))
	err := s.MarkTerminal(ctx, other.ID, task.StatusCompleted, "done")
	if !task.IsInvalidTransition(err) {
		t.Fatalf("pending→completed = %v, want InvalidTransitionError", err)
	}

	// Non-terminal outcome is rejected outright.
	if err := s.MarkTerminal(ctx, other.ID, task.StatusRunning, ""); err == nil {
		t.Fatal("non-terminal outcome accepted")
	}
}

func TestMarkTerminalFailureDefaultsReason(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	created, _ := s.Create(ctx, validParams(1))
	_ = s.MarkRunning(ctx, created.ID, 7, "")
	if err := s.MarkTerminal(ctx, created.ID, task.StatusFailed, "  "); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, created.ID)
	if got.Error != "no reason recorded" {
		t.Fatalf("error = %q", got.Error)
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	src, _ := s.Create(ctx, validParams(3))
	_ = s.MarkRunning(ctx, src.ID, 11, "review")
	_ = s.MarkTerminal(ctx, src.ID, task.StatusFailed, "agent crashed")

	fresh, err := s.Retry(ctx, src.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if fresh.ID == src.ID {
		t.Fatal("retry must mint a new id")
	}
	if fresh.Status != task.StatusPending || fresh.Description != src.Description {
		t.Fatalf("fresh = %+v", fresh)
	}
	if fresh.ProcessID != 0 || fresh.Error != "" {
		t.Fatalf("fresh carries run state: %+v", fresh)
	}

	// Original record untouched.
	orig, _ := s.Get(ctx, src.ID)
	if orig.Status != task.StatusFailed || orig.Error != "agent crashed" || orig.ProcessID != 11 {
		t.Fatalf("original mutated: %+v", orig)
	}

	// Only Failed and Stopped are retryable.
	pending, _ := s.Create(ctx, validParams(3))
	if _, err := s.Retry(ctx, pending.ID); !errors.Is(err, task.ErrNotRetryable) {
		t.Fatalf("retry pending = %v, want ErrNotRetryable", err)
	}
	if _, err := s.Retry(ctx, "tsk-none"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("retry missing = %v, want ErrNotFound", err)
	}
}

func TestRecoverOnStartup(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	// Two actors, three running tasks; pid 100 survived the restart.
	mk := func(actorID int64, pid int) task.Task {
		created, err := s.Create(ctx, validParams(actorID))
		if err != nil {
			t.Fatal(err)
		}
		if err := s.MarkRunning(ctx, created.ID, pid, ""); err != nil {
			t.Fatal(err)
		}
		return created
	}
	dead1 := mk(1, 101)
	dead2 := mk(1, 102)
	alive := mk(2, 100)
	deadOther := mk(2, 103)

	prober := &fakeProber{alive: map[int]bool{100: true}}
	notif := &captureNotifier{}

	recovered, err := s.RecoverOnStartup(ctx, prober, notif)
	if err != nil {
		t.Fatalf("RecoverOnStartup: %v", err)
	}
	if len(recovered) != 3 {
		t.Fatalf("recovered %d tasks, want 3", len(recovered))
	}

	for _, id := range []string{dead1.ID, dead2.ID, deadOther.ID} {
		got, _ := s.Get(ctx, id)
		if got.Status != task.StatusStopped || got.Error != ReasonInterruptedByRestart {
			t.Fatalf("task %s = %+v", id, got)
		}
	}
	got, _ := s.Get(ctx, alive.ID)
	if got.Status != task.StatusRunning {
		t.Fatalf("surviving task = %+v", got)
	}

	// One batched message per affected actor.
	if len(notif.sent[1]) != 1 || len(notif.sent[2]) != 1 {
		t.Fatalf("notifications = %+v", notif.sent)
	}
	msg := notif.sent[1][0]
	if !strings.Contains(msg, dead1.ID) || !strings.Contains(msg, dead2.ID) || !strings.Contains(msg, "/retry") {
		t.Fatalf("actor 1 message = %q", msg)
	}
}

func TestMarkStalePendingAsFailed(t *testing.T) {
	t.Parallel()
	s, st := newTestService(t)
	ctx := context.Background()

	fresh, _ := s.Create(ctx, validParams(1))
	running, _ := s.Create(ctx, validParams(1))
	_ = s.MarkRunning(ctx, running.ID, 55, "")

	// Inserted directly so its creation time predates the cutoff.
	stale := task.Task{
		ID:          task.NewID(),
		ActorID:     1,
		Description: "forgotten work",
		AgentType:   task.AgentCoder,
		Status:      task.StatusPending,
		Correlation: task.NewCorrelation(),
		CreatedAt:   time.Now().Add(-2 * time.Hour),
		UpdatedAt:   time.Now().Add(-2 * time.Hour),
	}
	if err := st.CreateTask(ctx, stale); err != nil {
		t.Fatal(err)
	}

	swept, err := s.MarkStalePendingAsFailed(ctx, time.Hour)
	if err != nil {
		t.Fatalf("MarkStalePendingAsFailed: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	got, _ := s.Get(ctx, stale.ID)
	if got.Status != task.StatusFailed || !strings.Contains(got.Error, "stale") {
		t.Fatalf("stale task = %+v", got)
	}
	for _, id := range []string{fresh.ID, running.ID} {
		got, _ := s.Get(ctx, id)
		if got.Status == task.StatusFailed {
			t.Fatalf("task %s swept but should not be", id)
		}
	}

	// Disabled sweep is a no-op.
	if n, err := s.MarkStalePendingAsFailed(ctx, 0); err != nil || n != 0 {
		t.Fatalf("disabled sweep = (%d, %v)", n, err)
	}
}

func TestAppendActivity(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	created, _ := s.Create(ctx, validParams(1))
	for _, msg := range []string{"cloning repo", "running checks"} {
		if err := s.AppendActivity(ctx, created.ID, msg); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := s.Get(ctx, created.ID)
	if len(got.Activity) != 2 || got.Activity[1].Message != "running checks" {
		t.Fatalf("activity = %+v", got.Activity)
	}
}
