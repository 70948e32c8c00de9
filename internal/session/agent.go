package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// streamEvent is one NDJSON line from the agent's stream-json output.
type streamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Status    string          `json:"status,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
}

// stdinUserMessage is the frame format for feeding user turns to the agent.
type stdinUserMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// controlResponse resolves a pending control_request (permission prompt).
type controlResponse struct {
	Type     string `json:"type"`
	Response struct {
		RequestID string          `json:"request_id"`
		Response  json.RawMessage `json:"response"`
	} `json:"response"`
}

// agentProcess drives one long-running agent subprocess speaking stream-JSON
// on stdin/stdout. The resume token it reports is the vendor's opaque session
// identifier; restoration with it is best-effort.
type agentProcess struct {
	spec SpawnSpec
	emit EmitFunc

	mu       sync.Mutex
	stdinMu  sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	token    string
	stopped  bool
	procDone chan struct{}
}

func newAgentProcess(spec SpawnSpec, emit EmitFunc) *agentProcess {
	return &agentProcess{spec: spec, emit: emit, procDone: make(chan struct{})}
}

// Start launches the agent binary and begins the read loop.
func (a *agentProcess) Start() error {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
		"--verbose",
	}
	if a.spec.Model != "" {
		args = append(args, "--model", a.spec.Model)
	}
	if a.spec.PermMode != "" {
		args = append(args, "--permission-mode", a.spec.PermMode)
	}
	if a.spec.ResumeToken != "" {
		args = append(args, "--resume", a.spec.ResumeToken)
	}

	cmd := exec.Command(a.spec.AgentBinary, args...)
	cmd.Dir = a.spec.Cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", a.spec.AgentBinary, err)
	}

	a.mu.Lock()
	a.cmd = cmd
	a.stdin = stdin
	a.token = a.spec.ResumeToken
	a.mu.Unlock()

	a.emit("agent_spawned", jsonObj(map[string]interface{}{"pid": cmd.Process.Pid}))

	go a.readLoop(stdout)
	return nil
}

// readLoop parses NDJSON from the agent and translates it into session
// events. Runs until the agent's stdout closes.
func (a *agentProcess) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// Not stream-json; surface as raw output rather than losing it.
			a.emit("raw", jsonObj(map[string]interface{}{"data": string(line)}))
			continue
		}
		a.handleEvent(&ev, line)
	}

	a.mu.Lock()
	cmd := a.cmd
	stopped := a.stopped
	a.mu.Unlock()
	if cmd != nil {
		err := cmd.Wait()
		if err != nil && !stopped {
			log.Printf("[agent] process exited: %v", err)
		}
	}
	close(a.procDone)
	a.emit("agent_idle", nil)
	a.emit("agent_completed", nil)
}

func (a *agentProcess) handleEvent(ev *streamEvent, line []byte) {
	switch ev.Type {
	case "system":
		switch ev.Subtype {
		case "init":
			if ev.SessionID != "" {
				a.mu.Lock()
				a.token = ev.SessionID
				a.mu.Unlock()
			}
			a.emit("claude_ready", nil)
		default:
			a.emit("status_update", jsonObj(map[string]interface{}{"status": ev.Status}))
		}
	case "assistant":
		a.emit("message", ev.Message)
	case "user":
		// Tool results come back as user-role messages.
		a.emit("tool_result", ev.Message)
	case "stream_event":
		a.emitStream(ev.Event)
	case "control_request":
		a.emit("permission_request", json.RawMessage(line))
	case "result":
		a.emit("agent_idle", nil)
		if ev.IsError {
			a.emit("error", jsonObj(map[string]interface{}{"message": ev.Result}))
			return
		}
		a.emit("result", jsonObj(map[string]interface{}{"result": ev.Result}))
	default:
		// Unknown event types are forwarded verbatim; the client handler
		// skips what it does not know.
		a.emit("status_update", json.RawMessage(line))
	}
}

// emitStream maps the inner partial-message event to the stream_* family.
func (a *agentProcess) emitStream(inner json.RawMessage) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(inner, &head); err != nil {
		return
	}
	switch head.Type {
	case "message_start", "content_block_start":
		a.emit("stream_start", inner)
	case "content_block_delta":
		a.emit("stream_delta", inner)
	case "content_block_stop", "message_stop":
		a.emit("stream_end", inner)
	case "message_delta":
		a.emit("stream_delta", inner)
	}
}

// SendInput feeds one user turn to the agent and marks the session busy.
func (a *agentProcess) SendInput(text string) error {
	var msg stdinUserMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = text
	b, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	a.emit("agent_busy", nil)
	return a.writeLine(b)
}

// Interrupt asks the agent to abandon the current turn.
func (a *agentProcess) Interrupt() error {
	frame := map[string]interface{}{
		"type":       "control_request",
		"request_id": fmt.Sprintf("interrupt-%d", time.Now().UnixNano()),
		"request":    map[string]string{"subtype": "interrupt"},
	}
	b, _ := json.Marshal(frame)
	if err := a.writeLine(b); err != nil {
		// Stdin gone; fall back to a signal.
		a.mu.Lock()
		cmd := a.cmd
		a.mu.Unlock()
		if cmd != nil && cmd.Process != nil {
			return cmd.Process.Signal(syscall.SIGINT)
		}
		return err
	}
	return nil
}

// RespondPermission resolves a pending control_request.
func (a *agentProcess) RespondPermission(requestID, decision string) error {
	behavior := "deny"
	if decision == "allow" {
		behavior = "allow"
	}
	var resp controlResponse
	resp.Type = "control_response"
	resp.Response.RequestID = requestID
	resp.Response.Response = jsonObj(map[string]interface{}{"behavior": behavior})
	b, err := json.Marshal(&resp)
	if err != nil {
		return err
	}
	return a.writeLine(b)
}

// RespondQuestion answers a pending user question as a normal user turn.
func (a *agentProcess) RespondQuestion(answer string) error { return a.SendInput(answer) }

// Resize is meaningless for an agent subprocess.
func (a *agentProcess) Resize(cols, rows uint16) error { return nil }

// ResumeToken returns the vendor session identifier captured from init.
func (a *agentProcess) ResumeToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

// Destroy terminates the agent: SIGTERM to the process group, then SIGKILL
// after a short grace period.
func (a *agentProcess) Destroy() error {
	a.mu.Lock()
	cmd := a.cmd
	a.stopped = true
	a.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid := -cmd.Process.Pid
	syscall.Kill(pgid, syscall.SIGTERM)

	// The read loop owns Wait; give the process a grace period before
	// escalating.
	select {
	case <-a.procDone:
	case <-time.After(3 * time.Second):
		syscall.Kill(pgid, syscall.SIGKILL)
	}
	return nil
}

func (a *agentProcess) writeLine(b []byte) error {
	a.stdinMu.Lock()
	defer a.stdinMu.Unlock()
	a.mu.Lock()
	stdin := a.stdin
	a.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("agent not started")
	}
	if _, err := stdin.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

func jsonObj(m map[string]interface{}) json.RawMessage {
	b, _ := json.Marshal(m)
	return b
}
