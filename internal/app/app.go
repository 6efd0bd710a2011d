// Package app is the composition root: it maps the config file onto the
// concrete services, owns their start/stop order, and runs the incoming
// message dispatch loop.
package app

import (
	"context"
	"strings"
	"time"

	"agentbot/internal/config"
	"agentbot/internal/eventbus"
	"agentbot/internal/notifier"
	"agentbot/internal/orchestrator"
	"agentbot/internal/proc"
	"agentbot/internal/router"
	rtsup "agentbot/internal/runtime/supervisor"
	"agentbot/internal/session"
	"agentbot/internal/storage"
	"agentbot/internal/task"
	"agentbot/internal/task/manager"
	"agentbot/internal/task/pool"
	kit "agentbot/internal/transport"
	"agentbot/internal/transport/telegram"
	"agentbot/internal/workflow"
	logx "agentbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	notif   *notifier.Service
	orch    *orchestrator.Service
	router  *router.Router

	messages chan kit.Message
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	durs := cfg.ParseDurations()

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	adapter, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		AllowedUserIDs: cfg.Telegram.AllowedUserIDs,
		PollTimeout:    durs.PollTimeout,
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: durs.BusyTimeout,
	}, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	mgr := manager.New(store, logSvc.Logger().With(logx.String("comp", "manager")), bus)

	workers := pool.New(pool.Config{Workers: cfg.Pool.Workers},
		logSvc.Logger().With(logx.String("comp", "pool")))

	launcher := proc.NewExecLauncher()
	sessions := session.New(session.Config{
		Capacity:        cfg.Session.Capacity,
		Command:         cfg.Session.Command,
		ProgressEvery:   durs.ProgressEvery,
		ResultTailLines: cfg.Session.ResultTailLines,
	}, launcher, workflow.NewKeywordSelector(),
		logSvc.Logger().With(logx.String("comp", "session")))

	ncfg := notifier.Config{
		RetryBase:     durs.RetryBase,
		RetryMaxDelay: durs.RetryMaxDelay,
	}
	if n := cfg.Notifier; n != nil {
		ncfg.Workers = n.Workers
		ncfg.QueueSize = n.QueueSize
		ncfg.RatePerSec = n.RatePerSec
		ncfg.RetryMax = n.RetryMax
	}
	notif := notifier.New(ncfg, adapter, logSvc.Logger().With(logx.String("comp", "notifier")))

	orch := orchestrator.New(orchestrator.Config{
		DefaultWorkspace: cfg.Orchestrator.DefaultWorkspace,
		DefaultModel:     cfg.Orchestrator.DefaultModel,
		DefaultAgentType: task.AgentType(cfg.Orchestrator.DefaultAgentType),
		StalePendingAge:  durs.StalePendingAge,
		StaleSweepEvery:  durs.StaleSweepEvery,
	}, mgr, workers, sessions, launcher, notif,
		logSvc.Logger().With(logx.String("comp", "orchestrator")))

	rt := router.New(orch, adapter, logSvc.Logger().With(logx.String("comp", "router")))

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  adapter,
		notif:    notif,
		orch:     orch,
		router:   rt,
		messages: make(chan kit.Message, 256),
	}, nil
}

// Done is closed when the app supervisor dies (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	// Notifier before orchestrator: recovery messages go out on startup.
	a.notif.Start(a.sup.Context())
	if err := a.orch.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.adapter.Start(a.sup.Context(), a.messages); err != nil {
		return err
	}

	a.sup.Go0("router.dispatch", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case msg := <-a.messages:
				a.router.Handle(c, msg)
			}
		}
	})

	// Lifecycle events at debug for operational tracing.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.log.Info("started")
	return nil
}

// reloadLoop applies committed config updates. Logging changes take
// effect live; everything else needs a restart and is called out.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the latest snapshot matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto apply
				}
			}
		apply:
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, no effective changes")
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config changed", fields...)

			for _, s := range sections {
				switch s {
				case "logging":
					a.logs.Apply(logx.Config{
						Level:   newCfg.Logging.Level,
						Console: newCfg.Logging.Console,
						File: logx.FileConfig{
							Enabled: newCfg.Logging.File.Enabled,
							Path:    newCfg.Logging.File.Path,
						},
					})
				default:
					a.log.Warn("config section needs restart to take effect",
						logx.String("section", s))
				}
			}
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
	}

	// Inbound first so no new commands arrive while draining.
	_ = a.adapter.Stop(ctx)
	a.orch.Stop(ctx)
	a.notif.Stop(ctx)

	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
