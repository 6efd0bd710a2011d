// Package proc launches and supervises external agent processes.
//
// The agent binary itself is opaque: it is started in a workspace
// directory, streams text on stdout/stderr, and reports success via its
// exit status.
package proc

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Spec describes one external process invocation.
type Spec struct {
	Command   string
	Args      []string
	Workspace string   // working directory for the process
	Env       []string // extra environment entries ("KEY=VALUE")
}

// Handle is a live external process.
type Handle interface {
	// PID returns the operating-system process identifier.
	PID() int
	// Output streams merged stdout/stderr lines; closed when the process exits.
	Output() <-chan string
	// Wait blocks until the process exits. Non-nil on non-zero exit or kill.
	Wait() error
	// Terminate asks the process to stop (SIGTERM), escalating to SIGKILL
	// if it does not exit within a grace period. Idempotent.
	Terminate() error
}

// Launcher spawns external processes and probes liveness of recorded pids.
type Launcher interface {
	Launch(spec Spec) (Handle, error)
	// Alive reports whether pid denotes a running process. The probe is
	// inherently racy: a dead pid could have been reused by an unrelated
	// process started later. Callers treat the answer as best-effort.
	Alive(pid int) bool
}

const terminateGrace = 5 * time.Second

// ExecLauncher runs processes via os/exec.
type ExecLauncher struct{}

func NewExecLauncher() *ExecLauncher { return &ExecLauncher{} }

func (l *ExecLauncher) Launch(spec Spec) (Handle, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, errors.New("proc: command is required")
	}
	if spec.Workspace != "" {
		if _, err := os.Stat(spec.Workspace); err != nil {
			return nil, fmt.Errorf("proc: workspace: %w", err)
		}
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Workspace
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proc: start %s: %w", spec.Command, err)
	}

	h := &execHandle{
		cmd:  cmd,
		out:  make(chan string, 64),
		done: make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	scan := func(r *bufio.Scanner) {
		defer readers.Done()
		// Agent output lines can be long.
		r.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for r.Scan() {
			select {
			case h.out <- r.Text():
			default:
				// Slow consumer: drop rather than stall the process pipes.
			}
		}
	}
	go scan(bufio.NewScanner(stdout))
	go scan(bufio.NewScanner(stderr))

	go func() {
		readers.Wait()
		h.waitErr = cmd.Wait()
		close(h.out)
		close(h.done)
	}()

	return h, nil
}

type execHandle struct {
	cmd     *exec.Cmd
	out     chan string
	done    chan struct{}
	waitErr error

	termOnce sync.Once
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Output() <-chan string { return h.out }

func (h *execHandle) Wait() error {
	<-h.done
	return h.waitErr
}

func (h *execHandle) Terminate() error {
	h.termOnce.Do(func() {
		if h.cmd.Process == nil {
			return
		}
		_ = signalTerm(h.cmd.Process)
		go func() {
			select {
			case <-h.done:
			case <-time.After(terminateGrace):
				_ = h.cmd.Process.Kill()
			}
		}()
	})
	return nil
}
