package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentbot/internal/session"
	"agentbot/internal/task"
	logx "agentbot/pkg/logx"
)

// activityEvery throttles how often streamed output lines are persisted
// to the activity log. Output between ticks is dropped from the log (the
// session keeps the result tail regardless).
const activityEvery = 10 * time.Second

// runTask is the body a pool worker executes for one claimed task: it
// occupies a session slot, streams the agent run, and drives the task to
// its terminal state.
func (s *Service) runTask(ctx context.Context, id string) {
	t, err := s.mgr.Get(ctx, id)
	if err != nil {
		s.log.Error("claimed task vanished", logx.String("task", id), logx.Err(err))
		return
	}
	// Stopped while queued: nothing to run.
	if t.Status != task.StatusPending {
		s.log.Debug("skipping claimed task",
			logx.String("task", id),
			logx.String("status", string(t.Status)),
		)
		return
	}

	events, err := s.sessions.Execute(ctx, session.Request{
		TaskID:      t.ID,
		Description: t.Description,
		Workspace:   t.Workspace,
		Model:       t.Model,
		Context:     t.Context,
		Correlation: t.Correlation,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, session.ErrStopped) {
			// Shutdown while waiting for a slot; recovery sorts it out on the
			// next start.
			return
		}
		s.finish(ctx, t, task.StatusFailed, "launch failed: "+err.Error())
		return
	}

	var (
		lastActivity time.Time
		interrupted  bool
	)
	for ev := range events {
		switch ev.Kind {
		case session.EventStarted:
			if err := s.mgr.MarkRunning(ctx, id, ev.PID, ev.Workflow); err != nil {
				// The actor stopped the task between claim and launch. Kill
				// the process; the Done handler sees the terminal state.
				s.log.Info("task stopped before launch completed",
					logx.String("task", id),
					logx.Err(err),
				)
				_ = s.sessions.Terminate(id)
				interrupted = true
			}
		case session.EventOutput:
			if interrupted || time.Since(lastActivity) < activityEvery {
				continue
			}
			lastActivity = time.Now()
			if err := s.mgr.AppendActivity(ctx, id, ev.Line); err != nil {
				s.log.Warn("activity append failed", logx.String("task", id), logx.Err(err))
			}
		case session.EventProgress:
			if interrupted {
				continue
			}
			note := fmt.Sprintf("%s for %s", ev.Status, ev.Elapsed.Round(time.Second))
			if err := s.mgr.AppendActivity(ctx, id, note); err != nil {
				s.log.Warn("activity append failed", logx.String("task", id), logx.Err(err))
			}
		case session.EventDone:
			if interrupted {
				continue
			}
			if ev.Result.Success {
				s.finish(ctx, t, task.StatusCompleted, ev.Result.Output)
			} else {
				s.finish(ctx, t, task.StatusFailed, ev.Result.Err)
			}
		}
	}
}

// finish records the terminal state and notifies the actor. A concurrent
// stop winning the race is benign; any other marking error leaves the
// task to the stale sweep or recovery.
func (s *Service) finish(ctx context.Context, t task.Task, outcome task.Status, resultOrError string) {
	if err := s.mgr.MarkTerminal(ctx, t.ID, outcome, resultOrError); err != nil {
		if errors.Is(err, task.ErrAlreadyTerminal) {
			return
		}
		s.log.Error("terminal marking failed",
			logx.String("task", t.ID),
			logx.String("outcome", string(outcome)),
			logx.Err(err),
		)
		return
	}
	s.tell(ctx, t.ActorID, terminalText(t.ID, outcome, resultOrError))
}

func terminalText(id string, outcome task.Status, detail string) string {
	switch outcome {
	case task.StatusCompleted:
		text := fmt.Sprintf("Task %s completed.", id)
		if detail != "" {
			text += "\n\n" + clip(detail, 1500)
		}
		return text
	case task.StatusFailed:
		return fmt.Sprintf("Task %s failed: %s\nUse /retry %s to run it again.", id, clip(detail, 500), id)
	default:
		return fmt.Sprintf("Task %s stopped.", id)
	}
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
