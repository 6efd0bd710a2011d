package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"agentbot/internal/proc"
	"agentbot/internal/session"
	"agentbot/internal/storage"
	"agentbot/internal/task"
	"agentbot/internal/task/manager"
	"agentbot/internal/task/pool"
	"agentbot/internal/workflow"
	logx "agentbot/pkg/logx"
)

type fakeHandle struct {
	pid int
	out chan string

	mu       sync.Mutex
	waitErr  error
	done     chan struct{}
	finished bool
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Output() <-chan string { return h.out }
func (h *fakeHandle) Wait() error {
	<-h.done
	return h.waitErr
}

func (h *fakeHandle) Terminate() error {
	h.exit(errors.New("signal: terminated"))
	return nil
}

func (h *fakeHandle) exit(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	h.finished = true
	h.waitErr = err
	close(h.out)
	close(h.done)
}

type fakeLauncher struct {
	mu      sync.Mutex
	nextPID int
	handles []*fakeHandle
	fail    error
}

func (l *fakeLauncher) Launch(spec proc.Spec) (proc.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	l.nextPID++
	h := &fakeHandle{pid: l.nextPID, out: make(chan string, 16), done: make(chan struct{})}
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) Alive(pid int) bool { return false }

// handle blocks until the n-th launch happened.
func (l *fakeLauncher) handle(t *testing.T, n int) *fakeHandle {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		if len(l.handles) >= n {
			h := l.handles[n-1]
			l.mu.Unlock()
			return h
		}
		l.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("launch %d never happened", n)
	return nil
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *captureNotifier) Notify(_ context.Context, _ int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, text)
	return nil
}

func (n *captureNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	copy(out, n.sent)
	return out
}

type fixture struct {
	svc      *Service
	mgr      *manager.Service
	launcher *fakeLauncher
	notify   *captureNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mgr := manager.New(st, logx.Nop(), nil)
	workers := pool.New(pool.Config{Workers: 2}, logx.Nop())
	launcher := &fakeLauncher{}
	sessions := session.New(session.Config{Capacity: 2, Command: "agent"},
		launcher, workflow.NewKeywordSelector(), logx.Nop())
	notify := &captureNotifier{}

	svc := New(Config{
		DefaultWorkspace: "/srv/repo",
		DefaultAgentType: task.AgentCoder,
	}, mgr, workers, sessions, launcher, notify, logx.Nop())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Stop(context.Background()) })

	return &fixture{svc: svc, mgr: mgr, launcher: launcher, notify: notify}
}

func (f *fixture) waitStatus(t *testing.T, id string, want task.Status) task.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last task.Task
	for time.Now().Before(deadline) {
		got, err := f.mgr.Get(context.Background(), id)
		if err == nil {
			last = got
			if got.Status == want {
				return got
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s stuck at %s, want %s", id, last.Status, want)
	return task.Task{}
}

func TestSubmitWorkRunsToCompletion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.SubmitWork(ctx, 42, "summarize the release notes", task.PriorityNormal)
	if err != nil {
		t.Fatalf("SubmitWork: %v", err)
	}

	running := f.waitStatus(t, id, task.StatusRunning)
	if running.ProcessID == 0 {
		t.Fatalf("running task has no pid: %+v", running)
	}

	h := f.launcher.handle(t, 1)
	h.out <- "reading notes"
	h.out <- "done summarizing"
	h.exit(nil)

	done := f.waitStatus(t, id, task.StatusCompleted)
	if !strings.Contains(done.Result, "done summarizing") {
		t.Fatalf("result = %q", done.Result)
	}

	// Completion is announced to the actor.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range f.notify.all() {
			if strings.Contains(msg, id) && strings.Contains(msg, "completed") {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no completion notification, got %v", f.notify.all())
}

func TestFailedRunRecordsError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.SubmitWork(ctx, 42, "do a thing", task.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	f.waitStatus(t, id, task.StatusRunning)

	h := f.launcher.handle(t, 1)
	h.out <- "fatal: broken"
	h.exit(errors.New("exit status 2"))

	failed := f.waitStatus(t, id, task.StatusFailed)
	if !strings.Contains(failed.Error, "exit status 2") {
		t.Fatalf("error = %q", failed.Error)
	}
}

func TestStopRunningTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.SubmitWork(ctx, 42, "long running job", task.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	f.waitStatus(t, id, task.StatusRunning)

	if err := f.svc.StopTask(ctx, id); err != nil {
		t.Fatalf("StopTask: %v", err)
	}
	stopped := f.waitStatus(t, id, task.StatusStopped)
	if stopped.Error != "stopped by user" {
		t.Fatalf("error = %q", stopped.Error)
	}

	// The stop outcome must stick even after the terminated process's
	// failure result arrives.
	time.Sleep(50 * time.Millisecond)
	again, _ := f.mgr.Get(ctx, id)
	if again.Status != task.StatusStopped {
		t.Fatalf("status drifted to %s", again.Status)
	}

	// A second stop reports there is nothing left to stop.
	if err := f.svc.StopTask(ctx, id); !errors.Is(err, task.ErrAlreadyTerminal) {
		t.Fatalf("second StopTask = %v, want ErrAlreadyTerminal", err)
	}
}

func TestRetryFailedTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.SubmitWork(ctx, 42, "flaky job", task.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	f.waitStatus(t, id, task.StatusRunning)
	f.launcher.handle(t, 1).exit(errors.New("exit status 1"))
	f.waitStatus(t, id, task.StatusFailed)

	newID, err := f.svc.RetryTask(ctx, id)
	if err != nil {
		t.Fatalf("RetryTask: %v", err)
	}
	if newID == id {
		t.Fatal("retry reused the original id")
	}

	f.waitStatus(t, newID, task.StatusRunning)
	f.launcher.handle(t, 2).exit(nil)
	f.waitStatus(t, newID, task.StatusCompleted)

	// Original record stays failed.
	orig, _ := f.mgr.Get(ctx, id)
	if orig.Status != task.StatusFailed {
		t.Fatalf("original = %+v", orig)
	}
}

func TestSubmitWorkValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.SubmitWork(ctx, 42, "ok", task.Priority(9)); !task.IsValidation(err) {
		t.Fatalf("bad priority = %v, want ValidationError", err)
	}
	if _, err := f.svc.SubmitWork(ctx, 42, "  ", task.PriorityNormal); !task.IsValidation(err) {
		t.Fatalf("empty description = %v, want ValidationError", err)
	}
}

func TestLaunchFailureFailsTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.launcher.mu.Lock()
	f.launcher.fail = errors.New("agent binary missing")
	f.launcher.mu.Unlock()

	id, err := f.svc.SubmitWork(ctx, 42, "cannot even start", task.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	failed := f.waitStatus(t, id, task.StatusFailed)
	if !strings.Contains(failed.Error, "agent binary missing") {
		t.Fatalf("error = %q", failed.Error)
	}
}
