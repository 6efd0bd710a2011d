package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentbot/internal/task"
	logx "agentbot/pkg/logx"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPriorityOrder(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop())

	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})

	// Block the single worker so the rest of the queue builds up.
	if err := s.Submit(Entry{ID: "gate", Priority: task.PriorityUrgent, Run: func(ctx context.Context) {
		<-gate
	}}); err != nil {
		t.Fatal(err)
	}

	record := func(id string) Entry {
		var prio task.Priority
		switch id[0] {
		case 'u':
			prio = task.PriorityUrgent
		case 'h':
			prio = task.PriorityHigh
		case 'n':
			prio = task.PriorityNormal
		default:
			prio = task.PriorityLow
		}
		return Entry{ID: id, Priority: prio, Run: func(ctx context.Context) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}}
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())

	// Submitted out of order; claimed most-urgent first, FIFO within a level.
	for _, id := range []string{"n1", "l1", "u1", "h1", "n2", "u2"} {
		if err := s.Submit(record(id)); err != nil {
			t.Fatal(err)
		}
	}
	close(gate)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 6
	})

	want := []string{"u1", "u2", "h1", "n1", "n2", "l1"}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()
	const workers = 2
	s := New(Config{Workers: workers}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	var running, peak int32
	release := make(chan struct{})
	var done sync.WaitGroup
	done.Add(5)

	for i := 0; i < 5; i++ {
		err := s.Submit(Entry{ID: "e", Priority: task.PriorityNormal, Run: func(ctx context.Context) {
			defer done.Done()
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&running, -1)
		}})
		if err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&running) == workers })
	close(release)
	done.Wait()

	if p := atomic.LoadInt32(&peak); p > workers {
		t.Fatalf("peak concurrency = %d, want <= %d", p, workers)
	}
}

func TestRemoveQueuedEntry(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	gate := make(chan struct{})
	ran := make(chan string, 3)

	_ = s.Submit(Entry{ID: "busy", Priority: task.PriorityUrgent, Run: func(ctx context.Context) {
		<-gate
		ran <- "busy"
	}})
	// Let the worker claim "busy" before queuing the rest.
	waitFor(t, time.Second, func() bool { return s.Snapshot().Active == 1 })

	_ = s.Submit(Entry{ID: "victim", Priority: task.PriorityNormal, Run: func(ctx context.Context) {
		ran <- "victim"
	}})
	_ = s.Submit(Entry{ID: "survivor", Priority: task.PriorityNormal, Run: func(ctx context.Context) {
		ran <- "survivor"
	}})

	if !s.Remove("victim") {
		t.Fatal("Remove should find the queued entry")
	}
	if s.Remove("victim") {
		t.Fatal("second Remove should report absence")
	}
	if s.Remove("busy") {
		t.Fatal("claimed entry should not be removable")
	}

	close(gate)
	waitFor(t, 2*time.Second, func() bool { return len(ran) == 2 })

	close(ran)
	for id := range ran {
		if id == "victim" {
			t.Fatal("removed entry still ran")
		}
	}
}

func TestSubmitAfterStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop())
	s.Start(context.Background())
	s.Stop(context.Background())

	err := s.Submit(Entry{ID: "late", Priority: task.PriorityNormal, Run: func(ctx context.Context) {}})
	if err != ErrStopped {
		t.Fatalf("Submit after stop = %v, want ErrStopped", err)
	}
}

func TestSubmitBeforeStartQueues(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop())

	done := make(chan struct{})
	if err := s.Submit(Entry{ID: "early", Priority: task.PriorityNormal, Run: func(ctx context.Context) {
		close(done)
	}}); err != nil {
		t.Fatalf("Submit before start: %v", err)
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pre-start submission never ran")
	}
}
