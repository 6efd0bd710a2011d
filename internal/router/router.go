// Package router consumes incoming chat messages and translates slash
// commands into orchestrator calls. Mutating commands go through the
// per-actor queue so one user's commands apply in the order they were
// sent; read-only commands are answered immediately.
package router

import (
	"context"
	"fmt"
	"strings"

	"agentbot/internal/actorqueue"
	"agentbot/internal/orchestrator"
	"agentbot/internal/task"
	"agentbot/internal/transport"
	logx "agentbot/pkg/logx"
)

type Router struct {
	orch    *orchestrator.Service
	adapter transport.Adapter
	log     logx.Logger
}

func New(orch *orchestrator.Service, adapter transport.Adapter, log logx.Logger) *Router {
	return &Router{orch: orch, adapter: adapter, log: log}
}

// Handle processes one incoming message. Errors are reported to the
// user; Handle itself never fails the consuming loop.
func (r *Router) Handle(ctx context.Context, msg transport.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	cmd, args := splitCommand(text)

	switch cmd {
	case "/start", "/help":
		r.reply(ctx, msg, helpText)
	case "/task":
		r.submit(ctx, msg, args, task.PriorityNormal)
	case "/urgent":
		r.submit(ctx, msg, args, task.PriorityUrgent)
	case "/stop":
		r.stop(ctx, msg, args)
	case "/stopall":
		r.enqueue(ctx, msg, actorqueue.Command{
			Kind:     actorqueue.KindStopAll,
			Label:    "stop all",
			Priority: task.PriorityUrgent,
			StopAll:  &actorqueue.StopAllArgs{},
		})
	case "/retry":
		r.retry(ctx, msg, args)
	case "/status":
		r.status(ctx, msg, args)
	case "/tasks":
		r.tasks(ctx, msg)
	default:
		r.reply(ctx, msg, "Unknown command. Try /help.")
	}
}

const helpText = `Commands:
/task <description> - queue a task
/urgent <description> - queue a task ahead of everything else
/tasks - your recent tasks
/status <id> - one task in detail
/stop <id> - stop a queued or running task
/stopall - stop everything of yours
/retry <id> - re-run a failed or stopped task`

func (r *Router) submit(ctx context.Context, msg transport.Message, args string, prio task.Priority) {
	if strings.TrimSpace(args) == "" {
		r.reply(ctx, msg, "Usage: /task <description>")
		return
	}
	r.enqueue(ctx, msg, actorqueue.Command{
		Kind:     actorqueue.KindSubmit,
		Label:    clip(args, 48),
		Priority: prio,
		Submit:   &actorqueue.SubmitArgs{Description: args},
	})
}

func (r *Router) stop(ctx context.Context, msg transport.Message, args string) {
	id := strings.TrimSpace(args)
	if id == "" {
		r.reply(ctx, msg, "Usage: /stop <task id>")
		return
	}
	// Stops jump the actor's queue so a misbehaving task dies before
	// queued submissions run.
	r.enqueue(ctx, msg, actorqueue.Command{
		Kind:     actorqueue.KindStop,
		Label:    "stop " + id,
		Priority: task.PriorityUrgent,
		Stop:     &actorqueue.StopArgs{TaskID: id},
	})
}

func (r *Router) retry(ctx context.Context, msg transport.Message, args string) {
	id := strings.TrimSpace(args)
	if id == "" {
		r.reply(ctx, msg, "Usage: /retry <task id>")
		return
	}
	r.enqueue(ctx, msg, actorqueue.Command{
		Kind:     actorqueue.KindRetry,
		Label:    "retry " + id,
		Priority: task.PriorityNormal,
		Retry:    &actorqueue.RetryArgs{TaskID: id},
	})
}

func (r *Router) enqueue(ctx context.Context, msg transport.Message, cmd actorqueue.Command) {
	if err := r.orch.Queue().Enqueue(msg.FromID, cmd); err != nil {
		r.log.Warn("enqueue failed",
			logx.Int64("actor", msg.FromID),
			logx.String("kind", string(cmd.Kind)),
			logx.Err(err),
		)
		r.reply(ctx, msg, "The bot is shutting down; try again later.")
	}
}

// status without an id reports the queues; with an id, one task.
func (r *Router) status(ctx context.Context, msg transport.Message, args string) {
	if id := strings.TrimSpace(args); id != "" {
		r.taskDetail(ctx, msg, id)
		return
	}
	pool := r.orch.PoolStatus()
	sess := r.orch.SessionStatus()
	aq := r.orch.ActorQueueStatus(msg.FromID)

	var b strings.Builder
	fmt.Fprintf(&b, "Workers: %d/%d busy, %d queued\n", pool.Active, pool.Workers, pool.Queued)
	fmt.Fprintf(&b, "Agent sessions: %d/%d\n", sess.Held, sess.Capacity)
	fmt.Fprintf(&b, "Your queue: %d waiting", aq.Queued)
	if aq.InProgress {
		fmt.Fprintf(&b, ", running %q", aq.Label)
	}
	r.reply(ctx, msg, b.String())
}

func (r *Router) taskDetail(ctx context.Context, msg transport.Message, id string) {
	t, err := r.orch.GetTask(ctx, id)
	if err != nil {
		r.reply(ctx, msg, "No task "+id+".")
		return
	}
	if t.ActorID != msg.FromID {
		// Task ids are guessable; don't leak other users' work.
		r.reply(ctx, msg, "No task "+id+".")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n%s\n", t.ID, t.Status, t.Description)
	if t.Workflow != "" {
		fmt.Fprintf(&b, "Workflow: %s\n", t.Workflow)
	}
	switch {
	case t.Error != "":
		fmt.Fprintf(&b, "Error: %s\n", clip(t.Error, 500))
	case t.Result != "":
		fmt.Fprintf(&b, "Result:\n%s\n", clip(t.Result, 1500))
	}
	if n := len(t.Activity); n > 0 {
		last := t.Activity[n-1]
		fmt.Fprintf(&b, "Last activity (%s): %s", last.At.Format("15:04:05"), clip(last.Message, 200))
	}
	r.reply(ctx, msg, b.String())
}

func (r *Router) tasks(ctx context.Context, msg transport.Message) {
	list, err := r.orch.ListTasks(ctx, msg.FromID, "", 10)
	if err != nil {
		r.log.Error("task list failed", logx.Int64("actor", msg.FromID), logx.Err(err))
		r.reply(ctx, msg, "Could not list tasks.")
		return
	}
	if len(list) == 0 {
		r.reply(ctx, msg, "No tasks yet. Queue one with /task.")
		return
	}
	var b strings.Builder
	b.WriteString("Your recent tasks:\n")
	for _, t := range list {
		fmt.Fprintf(&b, "%s  %-9s  %s\n", t.ID, t.Status, clip(t.Description, 48))
	}
	r.reply(ctx, msg, b.String())
}

func (r *Router) reply(ctx context.Context, msg transport.Message, text string) {
	err := r.adapter.SendText(ctx, transport.ChatTarget{ChatID: msg.ChatID}, text, nil)
	if err != nil {
		r.log.Warn("reply failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
	}
}

func splitCommand(text string) (cmd, args string) {
	cmd, args, _ = strings.Cut(text, " ")
	// Strip the @botname suffix groups add to commands.
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), strings.TrimSpace(args)
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
