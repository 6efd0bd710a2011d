// Package manager owns the task state machine. Every status mutation in
// the system goes through it; workers never touch the store directly.
// Writes are serialized per task id, so no two mutations of the same
// task interleave.
package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"agentbot/internal/eventbus"
	"agentbot/internal/storage"
	"agentbot/internal/task"
	logx "agentbot/pkg/logx"
)

// ReasonInterruptedByRestart annotates tasks recovered after a crash. It
// is distinguishable from user-initiated stops and from genuine process
// failures.
const ReasonInterruptedByRestart = "interrupted by restart"

// LivenessProber checks whether a recorded process id still denotes a
// running process.
type LivenessProber interface {
	Alive(pid int) bool
}

// Notifier delivers a text message to an actor. The manager uses it for
// recovery batches.
type Notifier interface {
	Notify(ctx context.Context, actorID int64, text string) error
}

// Service is the task lifecycle manager.
type Service struct {
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus

	// Per-task-id write locks: single logical writer per task.
	lmu   sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		store: store,
		log:   log,
		bus:   bus,
		locks: make(map[string]*sync.Mutex),
	}
}

// CreateParams is the validated input for a new task.
type CreateParams struct {
	ActorID      int64
	Description  string
	Workspace    string
	Model        string
	AgentType    task.AgentType
	WorkflowHint string
	Context      string
}

// Create validates params, writes a new Pending record, and returns it.
// It never blocks on scheduling.
func (s *Service) Create(ctx context.Context, p CreateParams) (task.Task, error) {
	if p.ActorID == 0 {
		return task.Task{}, &task.ValidationError{Field: "actor_id", Reason: "required"}
	}
	if strings.TrimSpace(p.Description) == "" {
		return task.Task{}, &task.ValidationError{Field: "description", Reason: "must not be empty"}
	}
	if !p.AgentType.Known() {
		return task.Task{}, &task.ValidationError{Field: "agent_type", Reason: fmt.Sprintf("unknown agent type %q", p.AgentType)}
	}

	now := time.Now()
	t := task.Task{
		ID:          task.NewID(),
		ActorID:     p.ActorID,
		Description: strings.TrimSpace(p.Description),
		Workspace:   p.Workspace,
		Model:       p.Model,
		AgentType:   p.AgentType,
		Workflow:    p.WorkflowHint,
		Context:     p.Context,
		Status:      task.StatusPending,
		Correlation: task.NewCorrelation(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.persist(ctx, func(c context.Context) error {
		return s.store.CreateTask(c, t)
	}); err != nil {
		return task.Task{}, err
	}

	s.publish(eventbus.TypeTaskCreated, t)
	s.log.Info("task created",
		logx.String("task", t.ID),
		logx.Int64("actor", t.ActorID),
		logx.String("agent", string(t.AgentType)),
	)
	return t, nil
}

// MarkRunning transitions Pending → Running, recording the process id
// and the workflow the run uses (empty keeps the stored hint).
func (s *Service) MarkRunning(ctx context.Context, id string, pid int, workflow string) error {
	if pid <= 0 {
		return &task.ValidationError{Field: "process_id", Reason: "must be positive"}
	}
	unlock := s.lockTask(id)
	defer unlock()

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !task.CanTransition(t.Status, task.StatusRunning) {
		return s.rejectTransition(&t, task.StatusRunning)
	}
	t.Status = task.StatusRunning
	t.ProcessID = pid
	if workflow != "" {
		t.Workflow = workflow
	}
	t.UpdatedAt = time.Now()
	if err := s.persist(ctx, func(c context.Context) error {
		return s.store.UpdateTask(c, t)
	}); err != nil {
		return err
	}
	s.publish(eventbus.TypeTaskRunning, t)
	return nil
}

// MarkTerminal transitions Running (or Pending, for Stopped) to a final
// state. Idempotent: a repeated call with the same outcome is a no-op; a
// different outcome on an already-terminal task is rejected.
func (s *Service) MarkTerminal(ctx context.Context, id string, outcome task.Status, resultOrError string) error {
	if !outcome.IsTerminal() {
		return &task.ValidationError{Field: "outcome", Reason: fmt.Sprintf("%q is not terminal", outcome)}
	}
	unlock := s.lockTask(id)
	defer unlock()

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == outcome {
		return nil
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is already %s", task.ErrAlreadyTerminal, id, t.Status)
	}
	if !task.CanTransition(t.Status, outcome) {
		return s.rejectTransition(&t, outcome)
	}

	t.Status = outcome
	t.UpdatedAt = time.Now()
	switch outcome {
	case task.StatusCompleted:
		t.Result = resultOrError
	default:
		// Failed and Stopped always carry a human-readable reason.
		if strings.TrimSpace(resultOrError) == "" {
			resultOrError = "no reason recorded"
		}
		t.Error = resultOrError
	}
	if err := s.persist(ctx, func(c context.Context) error {
		return s.store.UpdateTask(c, t)
	}); err != nil {
		return err
	}

	s.publish(terminalEventType(outcome), t)
	s.log.Info("task finished",
		logx.String("task", t.ID),
		logx.String("status", string(outcome)),
	)
	return nil
}

// AppendActivity appends a progress note. Valid in any status.
func (s *Service) AppendActivity(ctx context.Context, id, message string) error {
	return s.persist(ctx, func(c context.Context) error {
		return s.store.AppendActivity(c, id, task.ActivityEntry{At: time.Now(), Message: message})
	})
}

// Get returns the full task record including its activity log.
func (s *Service) Get(ctx context.Context, id string) (task.Task, error) {
	return s.store.GetTask(ctx, id)
}

// List filters tasks by actor and/or status.
func (s *Service) List(ctx context.Context, actorID int64, status task.Status, limit int) ([]task.Task, error) {
	return s.store.ListTasks(ctx, actorID, status, limit)
}

// Retry creates a brand-new Pending task from a Failed or Stopped one.
// The source record is left untouched; no activity is carried over.
func (s *Service) Retry(ctx context.Context, id string) (task.Task, error) {
	src, err := s.store.GetTask(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	if src.Status != task.StatusFailed && src.Status != task.StatusStopped {
		return task.Task{}, fmt.Errorf("%w: %s is %s", task.ErrNotRetryable, id, src.Status)
	}
	return s.Create(ctx, CreateParams{
		ActorID:      src.ActorID,
		Description:  src.Description,
		Workspace:    src.Workspace,
		Model:        src.Model,
		AgentType:    src.AgentType,
		WorkflowHint: src.Workflow,
		Context:      src.Context,
	})
}

func (s *Service) rejectTransition(t *task.Task, to task.Status) error {
	err := &task.InvalidTransitionError{ID: t.ID, From: t.Status, To: to}
	// Illegal edges are rejected and logged, never silently applied.
	s.log.Warn("invalid transition rejected",
		logx.String("task", t.ID),
		logx.String("from", string(t.Status)),
		logx.String("to", string(to)),
	)
	return err
}

// persist runs one store mutation, retrying once on failure before
// surfacing the error to the caller.
func (s *Service) persist(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	s.log.Warn("store write failed, retrying once", logx.Err(err))
	if err2 := fn(ctx); err2 == nil {
		return nil
	}
	return fmt.Errorf("persist: %w", err)
}

func (s *Service) publish(typ string, t task.Task) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: t})
}

func terminalEventType(outcome task.Status) string {
	switch outcome {
	case task.StatusCompleted:
		return eventbus.TypeTaskCompleted
	case task.StatusFailed:
		return eventbus.TypeTaskFailed
	default:
		return eventbus.TypeTaskStopped
	}
}

// lockTask serializes writers of one task id.
func (s *Service) lockTask(id string) (unlock func()) {
	s.lmu.Lock()
	m := s.locks[id]
	if m == nil {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	s.lmu.Unlock()
	m.Lock()
	return m.Unlock
}
