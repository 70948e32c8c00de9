package tunnel

import (
	"bufio"
	"fmt"
	"os/exec"
	"syscall"
)

// ExecLauncher runs the real tunnel binary. Quick mode asks for an ephemeral
// URL; named mode runs a pre-configured tunnel whose hostname is stable.
func ExecLauncher(cfg Config) (*Proc, error) {
	var args []string
	local := fmt.Sprintf("http://localhost:%d", cfg.Port)
	switch cfg.Mode {
	case ModeQuick:
		args = []string{"tunnel", "--url", local}
	case ModeNamed:
		args = []string{"tunnel", "run", "--url", local, cfg.Name}
	}

	cmd := exec.Command(cfg.Binary, args...)
	// The binary logs its URL and connection registrations to stderr.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	output := make(chan string, 64)
	done := make(chan ExitStatus, 1)

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			select {
			case output <- scanner.Text():
			default: // reader fell behind; log lines are expendable
			}
		}
		close(output)

		st := ExitStatus{}
		err := cmd.Wait()
		if exitErr, ok := err.(*exec.ExitError); ok {
			st.Code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				st.Signal = ws.Signal().String()
			}
		} else if err != nil {
			st.Code = -1
		}
		done <- st
	}()

	return &Proc{
		Output: output,
		Done:   done,
		Kill: func() {
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
		},
	}, nil
}
