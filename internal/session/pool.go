package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"agentbot/internal/proc"
	"agentbot/internal/workflow"
	logx "agentbot/pkg/logx"
)

var ErrStopped = errors.New("session pool stopped")

// Pool hands out slots bounding live agent processes. A task occupies
// exactly one slot from launch to process exit.
type Pool struct {
	cfg      cfgNorm
	launcher proc.Launcher
	selector workflow.Selector
	log      logx.Logger

	// slots is a channel semaphore pre-filled to capacity. Acquisition is
	// immediate upon release, never bounded by a poll interval.
	slots chan struct{}

	mu      sync.Mutex
	live    map[string]proc.Handle // task id → running process
	stopped bool
}

type cfgNorm struct {
	capacity        int
	command         string
	progressEvery   time.Duration
	resultTailLines int
}

func New(cfg Config, launcher proc.Launcher, selector workflow.Selector, log logx.Logger) *Pool {
	n := cfgNorm{
		capacity:        cfg.Capacity,
		command:         strings.TrimSpace(cfg.Command),
		progressEvery:   cfg.ProgressEvery,
		resultTailLines: cfg.ResultTailLines,
	}
	if n.capacity <= 0 {
		n.capacity = 2
	}
	if n.command == "" {
		n.command = "agent"
	}
	if n.progressEvery <= 0 {
		n.progressEvery = 30 * time.Second
	}
	if n.resultTailLines <= 0 {
		n.resultTailLines = 100
	}

	p := &Pool{
		cfg:      n,
		launcher: launcher,
		selector: selector,
		log:      log,
		slots:    make(chan struct{}, n.capacity),
		live:     make(map[string]proc.Handle),
	}
	for i := 0; i < n.capacity; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// Execute acquires a slot (blocking while the pool is at capacity),
// launches the agent process, and returns a stream of events:
// Started, then Output/Progress interleaved, then exactly one Done,
// after which the channel closes. The slot is held for the whole run.
func (p *Pool) Execute(ctx context.Context, req Request) (<-chan Event, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrStopped
	}
	p.mu.Unlock()

	select {
	case <-p.slots:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	wf := workflow.Default
	if p.selector != nil {
		wf = p.selector.Select(req.Description, req.Context)
	}

	spec := proc.Spec{
		Command:   p.cfg.command,
		Args:      buildArgs(req, wf),
		Workspace: req.Workspace,
		Env:       buildEnv(req),
	}
	h, err := p.launcher.Launch(spec)
	if err != nil {
		p.release(req.TaskID)
		return nil, fmt.Errorf("session: launch: %w", err)
	}

	p.mu.Lock()
	p.live[req.TaskID] = h
	p.mu.Unlock()

	events := make(chan Event, 64)
	go p.run(ctx, req, h, wf, events)
	return events, nil
}

// Terminate signals the task's live process if present. No-op (and nil)
// when the task has no active process.
func (p *Pool) Terminate(taskID string) error {
	p.mu.Lock()
	h := p.live[taskID]
	p.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Terminate()
}

// Stop terminates all live processes. Running Execute streams still
// drain to their Done event.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	p.stopped = true
	handles := make([]proc.Handle, 0, len(p.live))
	for _, h := range p.live {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		_ = h.Terminate()
	}
}

// Snapshot reports capacity and held slot count.
func (p *Pool) Snapshot() Snapshot {
	return Snapshot{
		Capacity: p.cfg.capacity,
		Held:     p.cfg.capacity - len(p.slots),
	}
}

func (p *Pool) run(ctx context.Context, req Request, h proc.Handle, wf string, events chan<- Event) {
	defer close(events)
	defer p.release(req.TaskID)

	start := time.Now()
	pid := h.PID()
	events <- Event{Kind: EventStarted, PID: pid, Workflow: wf}
	p.log.Info("agent session started",
		logx.String("task", req.TaskID),
		logx.Int("pid", pid),
		logx.String("workflow", wf),
		logx.String("correlation", req.Correlation),
	)

	tail := make([]string, 0, p.cfg.resultTailLines)
	ticker := time.NewTicker(p.cfg.progressEvery)
	defer ticker.Stop()

	out := h.Output()
	for out != nil {
		select {
		case line, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			tail = appendTail(tail, line, p.cfg.resultTailLines)
			// Best-effort: a slow consumer loses output lines, not the run.
			select {
			case events <- Event{Kind: EventOutput, Line: line}:
			default:
			}
		case <-ticker.C:
			select {
			case events <- Event{Kind: EventProgress, Status: "working", Elapsed: time.Since(start)}:
			default:
			}
		}
	}

	waitErr := h.Wait()

	res := Result{
		Success:  waitErr == nil,
		Output:   strings.Join(tail, "\n"),
		PID:      pid,
		Workflow: wf,
	}
	if waitErr != nil {
		res.Err = failureText(waitErr, tail)
	}
	p.log.Info("agent session finished",
		logx.String("task", req.TaskID),
		logx.Int("pid", pid),
		logx.Bool("success", res.Success),
		logx.Duration("dur", time.Since(start)),
	)
	events <- Event{Kind: EventDone, Result: res}
}

func (p *Pool) release(taskID string) {
	p.mu.Lock()
	delete(p.live, taskID)
	p.mu.Unlock()
	// Never block on release.
	select {
	case p.slots <- struct{}{}:
	default:
	}
}

func buildArgs(req Request, wf string) []string {
	args := []string{
		"--workflow", wf,
		"--session", req.Correlation,
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, req.Description)
	return args
}

func buildEnv(req Request) []string {
	env := []string{"AGENT_SESSION=" + req.Correlation}
	if req.Context != "" {
		env = append(env, "AGENT_CONTEXT="+req.Context)
	}
	return env
}

func appendTail(tail []string, line string, maxLines int) []string {
	tail = append(tail, line)
	if len(tail) > maxLines {
		tail = tail[len(tail)-maxLines:]
	}
	return tail
}

func failureText(waitErr error, tail []string) string {
	msg := waitErr.Error()
	if n := len(tail); n > 0 {
		// The last few output lines usually name the real failure.
		from := n - 5
		if from < 0 {
			from = 0
		}
		msg += ": " + strings.Join(tail[from:], " | ")
	}
	return msg
}
