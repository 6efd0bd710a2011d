package orchestrator

import (
	"context"
	"fmt"

	"agentbot/internal/actorqueue"
	"agentbot/internal/session"
	"agentbot/internal/task"
	"agentbot/internal/task/manager"
	"agentbot/internal/task/pool"
	logx "agentbot/pkg/logx"
)

// SubmitWork validates and creates a Pending task, then pushes it onto
// the priority work queue. Non-blocking: scheduling happens when a
// worker claims the entry.
func (s *Service) SubmitWork(ctx context.Context, actorID int64, description string, priority task.Priority) (string, error) {
	return s.submit(ctx, actorID, actorqueue.SubmitArgs{Description: description}, priority)
}

func (s *Service) submit(ctx context.Context, actorID int64, args actorqueue.SubmitArgs, priority task.Priority) (string, error) {
	if !priority.Valid() {
		return "", &task.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown level %d", priority)}
	}
	p := manager.CreateParams{
		ActorID:     actorID,
		Description: args.Description,
		Workspace:   args.Workspace,
		Model:       args.Model,
		AgentType:   args.AgentType,
		Context:     args.Context,
	}
	if p.Workspace == "" {
		p.Workspace = s.cfg.DefaultWorkspace
	}
	if p.Model == "" {
		p.Model = s.cfg.DefaultModel
	}
	if p.AgentType == "" {
		p.AgentType = s.cfg.DefaultAgentType
	}

	t, err := s.mgr.Create(ctx, p)
	if err != nil {
		return "", err
	}
	if err := s.schedule(t, priority); err != nil {
		return "", err
	}
	return t.ID, nil
}

// schedule puts an existing Pending task onto the work queue.
func (s *Service) schedule(t task.Task, priority task.Priority) error {
	return s.pool.Submit(pool.Entry{
		ID:       t.ID,
		Priority: priority,
		Run: func(ctx context.Context) {
			s.runTask(ctx, t.ID)
		},
	})
}

// GetTask returns the full record or task.ErrNotFound.
func (s *Service) GetTask(ctx context.Context, id string) (task.Task, error) {
	return s.mgr.Get(ctx, id)
}

// ListTasks filters by actor and optional status.
func (s *Service) ListTasks(ctx context.Context, actorID int64, status task.Status, limit int) ([]task.Task, error) {
	return s.mgr.List(ctx, actorID, status, limit)
}

// StopTask cancels a task: a queued-not-claimed entry is removed from
// the work queue; a running task has its process terminated. Returns
// task.ErrAlreadyTerminal when there is nothing left to stop.
func (s *Service) StopTask(ctx context.Context, id string) error {
	t, err := s.mgr.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is already %s", task.ErrAlreadyTerminal, id, t.Status)
	}

	// Best-effort dequeue; if a worker already claimed the entry the
	// termination below handles the live process.
	s.pool.Remove(id)

	if err := s.mgr.MarkTerminal(ctx, id, task.StatusStopped, "stopped by user"); err != nil {
		return err
	}
	return s.sessions.Terminate(id)
}

// StopAll stops every non-terminal task of the actor. Returns how many
// stops succeeded and how many failed.
func (s *Service) StopAll(ctx context.Context, actorID int64) (stopped, failed int) {
	for _, status := range []task.Status{task.StatusPending, task.StatusRunning} {
		tasks, err := s.mgr.List(ctx, actorID, status, 0)
		if err != nil {
			s.log.Error("stop all: list failed", logx.Int64("actor", actorID), logx.Err(err))
			failed++
			continue
		}
		for _, t := range tasks {
			if err := s.StopTask(ctx, t.ID); err != nil {
				failed++
			} else {
				stopped++
			}
		}
	}
	return stopped, failed
}

// RetryTask clones a Failed or Stopped task into a fresh Pending one and
// schedules it at normal priority. Returns the new task id.
func (s *Service) RetryTask(ctx context.Context, id string) (string, error) {
	t, err := s.mgr.Retry(ctx, id)
	if err != nil {
		return "", err
	}
	if err := s.schedule(t, task.PriorityNormal); err != nil {
		return "", err
	}
	return t.ID, nil
}

// PoolStatus reports worker-pool diagnostics.
func (s *Service) PoolStatus() pool.Snapshot { return s.pool.Snapshot() }

// SessionStatus reports session-pool diagnostics.
func (s *Service) SessionStatus() session.Snapshot { return s.sessions.Snapshot() }

// ActorQueueStatus reports one actor's queue state.
func (s *Service) ActorQueueStatus(actorID int64) actorqueue.Status {
	return s.queue.Status(actorID)
}
