package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"agentbot/internal/actorqueue"
	"agentbot/internal/task"
	logx "agentbot/pkg/logx"
)

// Run dispatches one actor command. It is invoked by the actor queue,
// which guarantees at most one command per actor is in flight, so the
// handlers here never race each other for the same actor.
func (s *Service) Run(ctx context.Context, actorID int64, cmd actorqueue.Command) {
	switch cmd.Kind {
	case actorqueue.KindSubmit:
		s.runSubmit(ctx, actorID, cmd)
	case actorqueue.KindStop:
		s.runStop(ctx, actorID, cmd)
	case actorqueue.KindStopAll:
		s.runStopAll(ctx, actorID)
	case actorqueue.KindRetry:
		s.runRetry(ctx, actorID, cmd)
	default:
		s.log.Warn("unknown actor command",
			logx.Int64("actor", actorID),
			logx.String("kind", string(cmd.Kind)),
		)
	}
}

func (s *Service) runSubmit(ctx context.Context, actorID int64, cmd actorqueue.Command) {
	if cmd.Submit == nil {
		s.log.Warn("submit command without args", logx.Int64("actor", actorID))
		return
	}
	id, err := s.submit(ctx, actorID, *cmd.Submit, cmd.Priority)
	if err != nil {
		s.tell(ctx, actorID, "Could not accept the task: "+userError(err))
		return
	}
	s.tell(ctx, actorID, fmt.Sprintf("Task %s queued (%s priority).", id, cmd.Priority))
}

func (s *Service) runStop(ctx context.Context, actorID int64, cmd actorqueue.Command) {
	if cmd.Stop == nil {
		s.log.Warn("stop command without args", logx.Int64("actor", actorID))
		return
	}
	id := cmd.Stop.TaskID
	switch err := s.StopTask(ctx, id); {
	case err == nil:
		s.tell(ctx, actorID, fmt.Sprintf("Task %s stopped.", id))
	case errors.Is(err, task.ErrAlreadyTerminal):
		s.tell(ctx, actorID, fmt.Sprintf("Task %s already finished.", id))
	case errors.Is(err, task.ErrNotFound):
		s.tell(ctx, actorID, fmt.Sprintf("No task %s.", id))
	default:
		s.tell(ctx, actorID, fmt.Sprintf("Could not stop %s: %s", id, userError(err)))
	}
}

func (s *Service) runStopAll(ctx context.Context, actorID int64) {
	stopped, failed := s.StopAll(ctx, actorID)
	switch {
	case stopped == 0 && failed == 0:
		s.tell(ctx, actorID, "Nothing to stop.")
	case failed == 0:
		s.tell(ctx, actorID, fmt.Sprintf("Stopped %d task(s).", stopped))
	default:
		s.tell(ctx, actorID, fmt.Sprintf("Stopped %d task(s), %d failed.", stopped, failed))
	}
}

func (s *Service) runRetry(ctx context.Context, actorID int64, cmd actorqueue.Command) {
	if cmd.Retry == nil {
		s.log.Warn("retry command without args", logx.Int64("actor", actorID))
		return
	}
	id := cmd.Retry.TaskID
	newID, err := s.RetryTask(ctx, id)
	switch {
	case err == nil:
		s.tell(ctx, actorID, fmt.Sprintf("Task %s retried as %s.", id, newID))
	case errors.Is(err, task.ErrNotRetryable):
		s.tell(ctx, actorID, fmt.Sprintf("Task %s is not in a retryable state.", id))
	case errors.Is(err, task.ErrNotFound):
		s.tell(ctx, actorID, fmt.Sprintf("No task %s.", id))
	default:
		s.tell(ctx, actorID, fmt.Sprintf("Could not retry %s: %s", id, userError(err)))
	}
}

// tell delivers a best-effort message to the actor. Delivery failures
// are logged; command handling never fails on a notification.
func (s *Service) tell(ctx context.Context, actorID int64, text string) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Notify(ctx, actorID, text); err != nil {
		s.log.Warn("actor notification failed",
			logx.Int64("actor", actorID),
			logx.Err(err),
		)
	}
}

// userError flattens an error into text fit for a chat message.
func userError(err error) string {
	var verr *task.ValidationError
	if errors.As(err, &verr) {
		return verr.Field + " " + verr.Reason
	}
	return err.Error()
}
