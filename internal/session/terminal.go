package session

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// termProcess drives a terminal-kind session: a shell (or an attachment to
// an existing tmux session) running under a PTY. All output is emitted as
// raw events; the broker forwards those only to foreground terminal-mode
// clients.
type termProcess struct {
	spec SpawnSpec
	emit EmitFunc

	mu       sync.Mutex
	cmd      *exec.Cmd
	ptmx     *os.File
	stopped  bool
	procDone chan struct{}
}

func newTermProcess(spec SpawnSpec, emit EmitFunc) *termProcess {
	return &termProcess{spec: spec, emit: emit, procDone: make(chan struct{})}
}

// Start allocates the PTY and begins relaying output.
func (t *termProcess) Start() error {
	var cmd *exec.Cmd
	if t.spec.Source != "" {
		cmd = exec.Command("tmux", "attach-session", "-t", t.spec.Source)
	} else {
		shell := t.spec.Shell
		if shell == "" {
			shell = "/bin/sh"
		}
		cmd = exec.Command(shell)
	}
	cmd.Dir = t.spec.Cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 80, Rows: 24})
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.ptmx = ptmx
	t.mu.Unlock()

	t.emit("agent_spawned", jsonObj(map[string]interface{}{"pid": cmd.Process.Pid}))
	go t.readLoop()
	return nil
}

func (t *termProcess) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			payload, _ := json.Marshal(map[string]string{"data": string(buf[:n])})
			t.emit("raw", payload)
		}
		if err != nil {
			break
		}
	}
	t.cmd.Wait()
	close(t.procDone)
	t.emit("agent_completed", nil)
}

// SendInput writes keystrokes to the PTY verbatim.
func (t *termProcess) SendInput(text string) error {
	t.mu.Lock()
	ptmx := t.ptmx
	t.mu.Unlock()
	if ptmx == nil {
		return fmt.Errorf("terminal not started")
	}
	_, err := ptmx.Write([]byte(text))
	return err
}

// Interrupt sends ^C through the PTY so the foreground process group gets it.
func (t *termProcess) Interrupt() error { return t.SendInput("\x03") }

// RespondPermission is meaningless for terminals.
func (t *termProcess) RespondPermission(requestID, decision string) error { return nil }

// RespondQuestion is meaningless for terminals; the broker already filters
// user_question_response by session kind.
func (t *termProcess) RespondQuestion(answer string) error { return nil }

// Resize adjusts the PTY window.
func (t *termProcess) Resize(cols, rows uint16) error {
	t.mu.Lock()
	ptmx := t.ptmx
	t.mu.Unlock()
	if ptmx == nil {
		return fmt.Errorf("terminal not started")
	}
	return pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// ResumeToken: terminal sessions resume by tmux source name, not a token.
func (t *termProcess) ResumeToken() string { return "" }

// Destroy closes the PTY and terminates the process.
func (t *termProcess) Destroy() error {
	t.mu.Lock()
	cmd := t.cmd
	ptmx := t.ptmx
	t.stopped = true
	t.mu.Unlock()
	if ptmx != nil {
		ptmx.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-t.procDone:
	case <-time.After(3 * time.Second):
		cmd.Process.Kill()
	}
	return nil
}

// defaultSpawn builds the production driver for a spec.
func defaultSpawn(spec SpawnSpec, emit EmitFunc) (Driver, error) {
	switch spec.Kind {
	case KindTerminal:
		return newTermProcess(spec, emit), nil
	case KindInteractiveAgent:
		return newAgentProcess(spec, emit), nil
	default:
		return nil, fmt.Errorf("unknown session kind %q", spec.Kind)
	}
}
