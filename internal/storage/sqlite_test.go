package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"agentbot/internal/task"
	logx "agentbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleTask(actorID int64) task.Task {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return task.Task{
		ID:          task.NewID(),
		ActorID:     actorID,
		Description: "refactor the widget",
		Workspace:   "/srv/repo",
		Model:       "large",
		AgentType:   task.AgentCoder,
		Status:      task.StatusPending,
		Correlation: task.NewCorrelation(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	want := sampleTask(42)
	if err := st.CreateTask(ctx, want); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := st.GetTask(ctx, want.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.ID != want.ID || got.ActorID != want.ActorID || got.Description != want.Description {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if got.Status != task.StatusPending || got.AgentType != task.AgentCoder {
		t.Fatalf("got %+v", got)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	if _, err := st.GetTask(context.Background(), "tsk-nothing"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("GetTask = %v, want ErrNotFound", err)
	}
}

func TestUpdateTask(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	rec := sampleTask(1)
	if err := st.CreateTask(ctx, rec); err != nil {
		t.Fatal(err)
	}

	rec.Status = task.StatusRunning
	rec.ProcessID = 4321
	rec.Workflow = "implement"
	rec.UpdatedAt = time.Now().UTC()
	if err := st.UpdateTask(ctx, rec); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	got, err := st.GetTask(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusRunning || got.ProcessID != 4321 || got.Workflow != "implement" {
		t.Fatalf("got %+v", got)
	}

	missing := sampleTask(1)
	if err := st.UpdateTask(ctx, missing); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("UpdateTask missing = %v, want ErrNotFound", err)
	}
}

func TestAppendActivityOrdered(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	rec := sampleTask(1)
	if err := st.CreateTask(ctx, rec); err != nil {
		t.Fatal(err)
	}
	for _, msg := range []string{"first", "second", "third"} {
		if err := st.AppendActivity(ctx, rec.ID, task.ActivityEntry{At: time.Now().UTC(), Message: msg}); err != nil {
			t.Fatalf("AppendActivity: %v", err)
		}
	}

	got, err := st.GetTask(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Activity) != 3 {
		t.Fatalf("activity count = %d, want 3", len(got.Activity))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got.Activity[i].Message != want {
			t.Fatalf("activity[%d] = %q, want %q", i, got.Activity[i].Message, want)
		}
	}
}

func TestListFilters(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	a1 := sampleTask(10)
	a2 := sampleTask(10)
	a2.Status = task.StatusRunning
	b1 := sampleTask(20)
	for _, rec := range []task.Task{a1, a2, b1} {
		if err := st.CreateTask(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name    string
		actorID int64
		status  task.Status
		limit   int
		wantLen int
	}{
		{name: "all", wantLen: 3},
		{name: "by actor", actorID: 10, wantLen: 2},
		{name: "by status", status: task.StatusRunning, wantLen: 1},
		{name: "actor and status", actorID: 10, status: task.StatusPending, wantLen: 1},
		{name: "no match", actorID: 20, status: task.StatusRunning, wantLen: 0},
		{name: "limited", limit: 2, wantLen: 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := st.ListTasks(ctx, tt.actorID, tt.status, tt.limit)
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			if len(got) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}
