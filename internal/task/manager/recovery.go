package manager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"agentbot/internal/eventbus"
	"agentbot/internal/task"
	logx "agentbot/pkg/logx"
)

// RecoverOnStartup finds tasks the store says are Running, probes
// liveness of their recorded process ids, and stops the ones whose
// process is gone. Recoveries are announced once per actor, not once per
// task.
//
// The probe is best-effort: a dead pid reused by an unrelated process
// reads as alive, and that task is left Running. Accepted limitation.
func (s *Service) RecoverOnStartup(ctx context.Context, prober LivenessProber, notifier Notifier) ([]task.Task, error) {
	running, err := s.store.ListTasks(ctx, 0, task.StatusRunning, 0)
	if err != nil {
		return nil, fmt.Errorf("recover: list running: %w", err)
	}

	var recovered []task.Task
	for _, t := range running {
		if prober.Alive(t.ProcessID) {
			s.log.Info("task survived restart, leaving running",
				logx.String("task", t.ID),
				logx.Int("pid", t.ProcessID),
			)
			continue
		}
		if err := s.MarkTerminal(ctx, t.ID, task.StatusStopped, ReasonInterruptedByRestart); err != nil {
			s.log.Error("recovery transition failed", logx.String("task", t.ID), logx.Err(err))
			continue
		}
		t.Status = task.StatusStopped
		t.Error = ReasonInterruptedByRestart
		recovered = append(recovered, t)
		s.publish(eventbus.TypeTaskRecovered, t)
	}

	if len(recovered) > 0 {
		s.log.Warn("recovered interrupted tasks", logx.Int("count", len(recovered)))
		s.notifyRecovered(ctx, notifier, recovered)
	}
	return recovered, nil
}

// notifyRecovered sends one batched message per actor.
func (s *Service) notifyRecovered(ctx context.Context, notifier Notifier, recovered []task.Task) {
	if notifier == nil {
		return
	}
	byActor := make(map[int64][]task.Task)
	for _, t := range recovered {
		byActor[t.ActorID] = append(byActor[t.ActorID], t)
	}
	actors := make([]int64, 0, len(byActor))
	for a := range byActor {
		actors = append(actors, a)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })

	for _, actor := range actors {
		tasks := byActor[actor]
		var b strings.Builder
		fmt.Fprintf(&b, "%d task(s) were interrupted by a restart and marked stopped:\n", len(tasks))
		for _, t := range tasks {
			fmt.Fprintf(&b, "• %s — %s\n", t.ID, truncate(t.Description, 80))
		}
		b.WriteString("Use /retry <id> to run them again.")
		if err := notifier.Notify(ctx, actor, b.String()); err != nil {
			s.log.Warn("recovery notification failed", logx.Int64("actor", actor), logx.Err(err))
		}
	}
}

// MarkStalePendingAsFailed fails tasks stuck in Pending longer than
// maxAge. This is backlog hygiene for tasks that were never dequeued,
// not an execution timeout. Returns how many tasks were swept.
func (s *Service) MarkStalePendingAsFailed(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	pending, err := s.store.ListTasks(ctx, 0, task.StatusPending, 0)
	if err != nil {
		return 0, fmt.Errorf("stale sweep: list pending: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	swept := 0
	for _, t := range pending {
		if t.CreatedAt.After(cutoff) {
			continue
		}
		reason := fmt.Sprintf("stale: pending for more than %s", maxAge)
		changed, err := s.markStaleFailed(ctx, t.ID, reason)
		if err != nil {
			s.log.Error("stale sweep transition failed", logx.String("task", t.ID), logx.Err(err))
			continue
		}
		if !changed {
			continue
		}
		t.Status = task.StatusFailed
		s.publish(eventbus.TypeTaskStale, t)
		swept++
	}
	if swept > 0 {
		s.log.Warn("stale pending tasks failed", logx.Int("count", swept), logx.Duration("max_age", maxAge))
	}
	return swept, nil
}

// markStaleFailed fails a still-Pending task. The Pending → Failed edge
// exists only here: it represents work that was never dequeued, which
// MarkTerminal (built for runs that started) does not allow. A task
// claimed or finished between listing and locking is skipped silently.
func (s *Service) markStaleFailed(ctx context.Context, id, reason string) (bool, error) {
	unlock := s.lockTask(id)
	defer unlock()

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status != task.StatusPending {
		return false, nil
	}
	t.Status = task.StatusFailed
	t.Error = reason
	t.UpdatedAt = time.Now()
	err = s.persist(ctx, func(c context.Context) error {
		return s.store.UpdateTask(c, t)
	})
	return err == nil, err
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 4 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
