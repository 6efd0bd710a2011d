// Package orchestrator wires the scheduling core together and exposes
// the task API the transport layer consumes.
//
// Control flow: actor command → actor queue (per-actor ordering) →
// lifecycle manager (Pending record) → priority work queue → worker pool
// → session pool (agent process) → lifecycle manager (terminal state).
package orchestrator

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"agentbot/internal/actorqueue"
	"agentbot/internal/proc"
	"agentbot/internal/session"
	"agentbot/internal/task"
	"agentbot/internal/task/manager"
	"agentbot/internal/task/pool"
	logx "agentbot/pkg/logx"
)

// Config carries orchestration policy and submission defaults.
type Config struct {
	DefaultWorkspace string
	DefaultModel     string
	DefaultAgentType task.AgentType

	// StalePendingAge bounds how long a task may sit Pending before the
	// hygiene sweep fails it. 0 disables the sweep.
	StalePendingAge time.Duration
	// StaleSweepEvery is the sweep cadence.
	StaleSweepEvery time.Duration
}

// Service is the orchestration facade.
type Service struct {
	cfg Config
	log logx.Logger

	mgr      *manager.Service
	pool     *pool.Service
	sessions *session.Pool
	queue    *actorqueue.Service
	prober   proc.Launcher
	notify   manager.Notifier

	cron *cron.Cron
}

func New(cfg Config, mgr *manager.Service, workers *pool.Service, sessions *session.Pool, prober proc.Launcher, notify manager.Notifier, log logx.Logger) *Service {
	if cfg.DefaultAgentType == "" {
		cfg.DefaultAgentType = task.AgentCoder
	}
	if cfg.StaleSweepEvery <= 0 {
		cfg.StaleSweepEvery = 10 * time.Minute
	}
	s := &Service{
		cfg:      cfg,
		log:      log,
		mgr:      mgr,
		pool:     workers,
		sessions: sessions,
		prober:   prober,
		notify:   notify,
	}
	s.queue = actorqueue.New(s, log)
	return s
}

// Queue exposes the per-actor queue for the transport router.
func (s *Service) Queue() *actorqueue.Service { return s.queue }

// Start brings up the workers and the actor queue, recovers interrupted
// tasks from the store, and schedules the stale-pending sweep.
func (s *Service) Start(ctx context.Context) error {
	s.pool.Start(ctx)
	s.queue.Start(ctx)

	// Store-backed ground truth first: anything Running with a dead pid
	// becomes Stopped before new work is accepted.
	if _, err := s.mgr.RecoverOnStartup(ctx, s.prober, s.notify); err != nil {
		return err
	}

	if s.cfg.StalePendingAge > 0 {
		s.cron = cron.New()
		_, err := s.cron.AddFunc("@every "+s.cfg.StaleSweepEvery.String(), func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := s.mgr.MarkStalePendingAsFailed(sctx, s.cfg.StalePendingAge); err != nil {
				s.log.Error("stale sweep failed", logx.Err(err))
			}
		})
		if err != nil {
			return err
		}
		s.cron.Start()
	}

	s.log.Info("orchestrator started",
		logx.Duration("stale_age", s.cfg.StalePendingAge),
		logx.Duration("sweep_every", s.cfg.StaleSweepEvery),
	)
	return nil
}

// Stop drains: no new actor commands, workers finish their current unit,
// live agent processes are terminated.
func (s *Service) Stop(ctx context.Context) {
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
	s.queue.CleanupAll()
	s.queue.Stop(ctx)
	s.sessions.Stop(ctx)
	s.pool.Stop(ctx)
	s.log.Info("orchestrator stopped")
}
