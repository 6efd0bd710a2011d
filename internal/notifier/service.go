// Package notifier is the async notification dispatcher: bounded queue,
// worker, rate limit, bounded retry. Used for recovery batches and
// terminal-state announcements. Delivery is best-effort; the task record
// in the store is the durable truth.
package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	rtsup "agentbot/internal/runtime/supervisor"
	kit "agentbot/internal/transport"
	logx "agentbot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Config controls the notification pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

type job struct {
	actorID int64
	text    string
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter

	cfg     Config
	limiter *rate.Limiter

	queue   chan job
	sup     *rtsup.Supervisor
	running bool
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 15 * time.Second
	}
	return &Service{
		log:     log,
		adapter: adapter,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

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
	s.queue = make(chan job, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	queue := s.queue
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart("notify.worker", func(c context.Context) error {
			s.worker(c, queue)
			return nil
		})
	}
}

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
	s.queue = nil
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

// Notify enqueues a message for the actor. Non-blocking; drops with
// ErrQueueFull when the queue is saturated.
func (s *Service) Notify(_ context.Context, actorID int64, text string) error {
	s.mu.Lock()
	queue := s.queue
	running := s.running
	s.mu.Unlock()

	if !running || queue == nil {
		return ErrStopped
	}
	select {
	case queue <- job{actorID: actorID, text: text}:
		return nil
	default:
		s.log.Warn("notification dropped: queue full", logx.Int64("actor", actorID))
		return ErrQueueFull
	}
}

func (s *Service) worker(ctx context.Context, queue chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	// For direct chats the actor id is the chat id.
	to := kit.ChatTarget{ChatID: j.actorID}

	var err error
	delay := s.cfg.RetryBase
	for attempt := 0; attempt <= s.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > s.cfg.RetryMaxDelay {
				delay = s.cfg.RetryMaxDelay
			}
		}
		err = s.adapter.SendText(ctx, to, j.text, &kit.SendOptions{DisablePreview: true})
		if err == nil {
			return
		}
	}
	s.log.Warn("notification delivery failed",
		logx.Int64("actor", j.actorID),
		logx.Int("attempts", s.cfg.RetryMax+1),
		logx.Err(err),
	)
}
