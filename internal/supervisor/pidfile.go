package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning means another live supervisor owns the PID file.
var ErrAlreadyRunning = errors.New("supervisor already running")

// PIDFile is the startup lock. Holding it means being the one supervisor
// for this config directory.
type PIDFile struct {
	path string
}

// AcquirePIDFile claims the lock. A file recording a still-alive PID fails
// with ErrAlreadyRunning; a stale file is replaced.
func AcquirePIDFile(path string) (*PIDFile, error) {
	if b, err := os.ReadFile(path); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(b)))
		if perr == nil && pidAlive(pid) {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, err
	}
	return &PIDFile{path: path}, nil
}

// Release removes the PID file. Idempotent.
func (p *PIDFile) Release() {
	os.Remove(p.path)
}

// pidAlive probes a PID with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
