package pool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	rtsup "agentbot/internal/runtime/supervisor"
	logx "agentbot/pkg/logx"
)

var (
	ErrStopped = errors.New("worker pool stopped")
)

// Service is the priority work queue plus its workers.
//
// The queue is unbounded in depth: Submit never rejects. Backpressure on
// the expensive resource is the session pool's job, not the queue's.
type Service struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg Config
	log logx.Logger

	q        entryHeap
	seq      uint64
	running  bool
	stopping bool

	active int32

	sup *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	s := &Service{cfg: cfg, log: log}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start spawns the configured number of workers. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopping = false
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "pool"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c)
			return nil
		})
	}

	// Wake sleeping workers if the parent context dies so they can exit.
	sup.Go0("wakeup", func(c context.Context) {
		<-c.Done()
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()
		s.cond.Broadcast()
	})

	s.log.Info("worker pool started", logx.Int("workers", workers))
}

// Stop signals workers to exit after their current unit of work completes.
// In-flight work is not aborted.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	sup := s.sup
	s.mu.Unlock()

	s.cond.Broadcast()
	if sup != nil {
		sup.Cancel()
		if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("worker pool stop", logx.Err(err))
		}
	}

	s.mu.Lock()
	s.running = false
	s.sup = nil
	s.mu.Unlock()
	s.log.Info("worker pool stopped")
}

// Submit pushes work onto the priority queue. Non-blocking; always
// succeeds while the pool accepts work.
func (s *Service) Submit(e Entry) error {
	if e.Run == nil {
		return errors.New("pool: entry Run is nil")
	}
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrStopped
	}
	s.seq++
	heap.Push(&s.q, queued{entry: e, seq: s.seq, enqueuedAt: time.Now()})
	s.mu.Unlock()
	s.cond.Signal()
	return nil
}

// Remove cancels a queued-not-claimed entry by id. Returns false if no
// such entry is waiting (it may already be running or finished).
func (s *Service) Remove(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.q {
		if s.q[i].entry.ID == id {
			heap.Remove(&s.q, i)
			return true
		}
	}
	return false
}

// Snapshot reports pool diagnostics.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	queued := len(s.q)
	workers := s.cfg.Workers
	s.mu.Unlock()
	return Snapshot{
		Workers: workers,
		Active:  int(atomic.LoadInt32(&s.active)),
		Queued:  queued,
	}
}

func (s *Service) worker(ctx context.Context) {
	for {
		s.mu.Lock()
		for len(s.q) == 0 && !s.stopping && ctx.Err() == nil {
			s.cond.Wait()
		}
		if s.stopping || ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		qe := heap.Pop(&s.q).(queued)
		s.mu.Unlock()

		atomic.AddInt32(&s.active, 1)
		s.execOne(ctx, qe)
		atomic.AddInt32(&s.active, -1)
	}
}

func (s *Service) execOne(ctx context.Context, qe queued) {
	start := time.Now()
	queueDelay := start.Sub(qe.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	s.log.Debug("entry claimed",
		logx.String("id", qe.entry.ID),
		logx.String("priority", qe.entry.Priority.String()),
		logx.Duration("queue_delay", queueDelay),
	)

	// One misbehaving entry must never kill the worker loop.
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("entry panicked",
				logx.String("id", qe.entry.ID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	qe.entry.Run(ctx)

	s.log.Debug("entry finished",
		logx.String("id", qe.entry.ID),
		logx.Duration("dur", time.Since(start)),
	)
}
