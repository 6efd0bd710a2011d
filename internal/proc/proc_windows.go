//go:build windows

package proc

import (
	"os"
	"os/exec"
)

func setProcAttr(_ *exec.Cmd) {}

func signalTerm(p *os.Process) error {
	// Windows has no SIGTERM; Kill is the only portable option.
	return p.Kill()
}

// Alive reports whether pid denotes a running process.
func (l *ExecLauncher) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// On Windows FindProcess opens a handle and fails for dead pids.
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
