package actorqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	rtsup "agentbot/internal/runtime/supervisor"
	"agentbot/internal/task"
	logx "agentbot/pkg/logx"
)

var ErrStopped = errors.New("actor queue stopped")

// Service owns one lazily started processing loop per actor with pending
// work. At most one command per actor is in flight at any time.
type Service struct {
	mu     sync.Mutex
	actors map[int64]*actorState

	runner  Runner
	log     logx.Logger
	sup     *rtsup.Supervisor
	running bool
}

type actorState struct {
	normal    []Command
	expedited []Command
	// processing is true while a loop owns this actor. The owning loop is
	// the only goroutine that may clear it.
	processing bool
	inProgress string
	processed  uint64
}

func New(runner Runner, log logx.Logger) *Service {
	return &Service{
		actors: make(map[int64]*actorState),
		runner: runner,
		log:    log,
	}
}

// Start makes the queue accept work. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "actorqueue"))),
		rtsup.WithCancelOnError(false),
	)
}

// Stop discards all queued entries and waits for in-flight commands.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	sup := s.sup
	s.sup = nil
	for _, st := range s.actors {
		st.normal = nil
		st.expedited = nil
	}
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

// Enqueue appends cmd for the actor and returns immediately. Urgent and
// high priority commands go to the actor's expedited sub-list, which the
// loop drains first. A processing loop is started lazily if none is
// active for this actor.
func (s *Service) Enqueue(actorID int64, cmd Command) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrStopped
	}
	st := s.actors[actorID]
	if st == nil {
		st = &actorState{}
		s.actors[actorID] = st
	}
	if cmd.Priority <= task.PriorityHigh {
		st.expedited = append(st.expedited, cmd)
	} else {
		st.normal = append(st.normal, cmd)
	}
	startLoop := !st.processing
	if startLoop {
		st.processing = true
	}
	sup := s.sup
	s.mu.Unlock()

	if startLoop {
		name := fmt.Sprintf("actor.%d", actorID)
		sup.Go0(name, func(ctx context.Context) {
			s.loop(ctx, actorID)
		})
	}
	return nil
}

// Status reports queue depth and the in-flight entry for an actor.
func (s *Service) Status(actorID int64) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.actors[actorID]
	if st == nil {
		return Status{}
	}
	return Status{
		Queued:     len(st.expedited) + len(st.normal),
		InProgress: st.inProgress != "",
		Label:      st.inProgress,
		Processed:  st.processed,
	}
}

// Cleanup drains and discards an actor's queued entries. The in-flight
// command (if any) finishes; nothing queued after it runs.
func (s *Service) Cleanup(actorID int64) {
	s.mu.Lock()
	if st := s.actors[actorID]; st != nil {
		st.normal = nil
		st.expedited = nil
	}
	s.mu.Unlock()
}

// CleanupAll drains every actor's queue. Used at shutdown.
func (s *Service) CleanupAll() {
	s.mu.Lock()
	for _, st := range s.actors {
		st.normal = nil
		st.expedited = nil
	}
	s.mu.Unlock()
}

// loop processes one actor's entries: expedited first, then normal, in
// submission order. Exits (and marks the actor idle) when both lists are
// empty or the context dies.
func (s *Service) loop(ctx context.Context, actorID int64) {
	for {
		s.mu.Lock()
		st := s.actors[actorID]
		if st == nil || ctx.Err() != nil || (len(st.expedited) == 0 && len(st.normal) == 0) {
			if st != nil {
				st.processing = false
				st.inProgress = ""
			}
			s.mu.Unlock()
			return
		}
		var cmd Command
		if len(st.expedited) > 0 {
			cmd, st.expedited = st.expedited[0], st.expedited[1:]
		} else {
			cmd, st.normal = st.normal[0], st.normal[1:]
		}
		st.inProgress = cmd.Label
		s.mu.Unlock()

		s.runOne(ctx, actorID, cmd)

		s.mu.Lock()
		st.inProgress = ""
		st.processed++
		s.mu.Unlock()
	}
}

func (s *Service) runOne(ctx context.Context, actorID int64, cmd Command) {
	// A panicking handler must not kill the actor's loop.
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("actor command panicked",
				logx.Int64("actor", actorID),
				logx.String("kind", string(cmd.Kind)),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	s.runner.Run(ctx, actorID, cmd)
}
