//go:build !windows

package proc

import (
	"os"
	"os/exec"
	"syscall"
)

func setProcAttr(cmd *exec.Cmd) {
	// Own process group so termination doesn't hit the bot itself.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalTerm(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// Alive probes liveness with signal 0. The pid-reuse race is accepted:
// a recycled pid reads as alive.
func (l *ExecLauncher) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// FindProcess never fails on unix.
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
