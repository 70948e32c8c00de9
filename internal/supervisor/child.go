package supervisor

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// ExitStatus reports how a child died.
type ExitStatus struct {
	Code   int
	Signal string
}

// ChildHandle is the supervisor's view of one server instance. Tests inject
// fakes; production uses ExecChildLauncher.
type ChildHandle interface {
	Pid() int
	// Send writes a control message to the child (drain, shutdown).
	Send(msg IPCMessage) error
	// Messages yields child→parent control messages (ready, drain_complete).
	// Closed when the IPC channel breaks.
	Messages() <-chan IPCMessage
	// Done fires exactly once when the process exits.
	Done() <-chan ExitStatus
	Signal(sig os.Signal) error
	Kill() error
}

// ChildLauncher spawns a server instance listening on port.
type ChildLauncher func(port int) (ChildHandle, error)

// Child IPC pipe placement: fd 3 carries parent→child commands, fd 4 carries
// child→parent events. Stdout/stderr stay free for logs.
const (
	ChildCommandFD = 3
	ChildEventFD   = 4
)

type execChild struct {
	cmd    *exec.Cmd
	writer *IPCWriter
	msgs   chan IPCMessage
	done   chan ExitStatus
}

// ExecChildLauncher re-executes the current binary in `serve` mode with the
// IPC pipes attached as fds 3 and 4.
func ExecChildLauncher(port int) (ChildHandle, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}

	cmdR, cmdW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	evR, evW, err := os.Pipe()
	if err != nil {
		cmdR.Close()
		cmdW.Close()
		return nil, err
	}

	cmd := exec.Command(self, "serve", "--port", strconv.Itoa(port))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	cmd.ExtraFiles = []*os.File{cmdR, evW} // fd 3, fd 4 in the child

	if err := cmd.Start(); err != nil {
		cmdR.Close()
		cmdW.Close()
		evR.Close()
		evW.Close()
		return nil, fmt.Errorf("spawn child: %w", err)
	}
	// Parent keeps the far ends only.
	cmdR.Close()
	evW.Close()

	c := &execChild{
		cmd:    cmd,
		writer: NewIPCWriter(cmdW),
		msgs:   make(chan IPCMessage, 8),
		done:   make(chan ExitStatus, 1),
	}

	go func() {
		reader := NewIPCReader(evR)
		for {
			msg, err := reader.Next()
			if err != nil {
				if err != io.EOF {
					log.Printf("[supervisor] child ipc: %v", err)
				}
				close(c.msgs)
				evR.Close()
				return
			}
			c.msgs <- msg
		}
	}()

	go func() {
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
		cmdW.Close()
		c.done <- st
	}()

	return c, nil
}

func (c *execChild) Pid() int                      { return c.cmd.Process.Pid }
func (c *execChild) Send(msg IPCMessage) error     { return c.writer.Send(msg) }
func (c *execChild) Messages() <-chan IPCMessage   { return c.msgs }
func (c *execChild) Done() <-chan ExitStatus       { return c.done }
func (c *execChild) Signal(sig os.Signal) error    { return c.cmd.Process.Signal(sig) }
func (c *execChild) Kill() error                   { return c.cmd.Process.Kill() }

// ChildIPC opens the child side of the supervisor IPC pipes. Returns nil
// reader/writer when the fds are absent (running without a supervisor).
func ChildIPC() (*IPCReader, *IPCWriter) {
	cmdFile := os.NewFile(ChildCommandFD, "supervisor-commands")
	evFile := os.NewFile(ChildEventFD, "supervisor-events")
	if cmdFile == nil || evFile == nil {
		return nil, nil
	}
	return NewIPCReader(cmdFile), NewIPCWriter(evFile)
}
