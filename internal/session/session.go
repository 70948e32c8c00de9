// Package session creates, tracks, and destroys agent sessions, and forwards
// their events to the broker tagged with the originating session ID.
package session

import (
	"encoding/json"
	"sync"
	"time"
)

// Kind distinguishes what drives a session.
type Kind string

const (
	// KindInteractiveAgent is an AI agent subprocess speaking stream-JSON.
	KindInteractiveAgent Kind = "interactive-agent"
	// KindTerminal is a PTY-backed shell or tmux attachment.
	KindTerminal Kind = "terminal"
)

// Event is one agent event tagged with its session. Order within a session
// is the order the agent emitted.
type Event struct {
	SessionID string
	Name      string
	Payload   json.RawMessage
}

// eventChanSize bounds the per-session event channel. When the channel is
// full, raw events are dropped; message-family events block until there is
// room so they are never lost.
const eventChanSize = 256

// historySize bounds the per-session replay ring.
const historySize = 200

// Driver is the process behind a session. Implemented by agentProcess
// (interactive-agent) and termProcess (terminal); tests inject fakes.
type Driver interface {
	Start() error
	SendInput(text string) error
	Interrupt() error
	RespondPermission(requestID, decision string) error
	RespondQuestion(answer string) error
	Resize(cols, rows uint16) error
	ResumeToken() string
	Destroy() error
}

// Session is one logical workspace exposed to clients.
type Session struct {
	ID     string
	Name   string
	Cwd    string
	Kind   Kind
	Source string // external source (tmux session name), empty for spawned agents

	mu              sync.Mutex
	busy            bool
	model           string
	permissionMode  string
	primaryClientID string
	createdAt       time.Time

	drv    Driver
	events chan Event
	done   chan struct{}

	histMu  sync.Mutex
	history []Event
	histPos int
}

// IsBusy reports whether the session's agent is mid-turn.
func (s *Session) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Model returns the session's current model selection.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// PermissionMode returns the session's current permission mode.
func (s *Session) PermissionMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissionMode
}

// SetModel updates the model. No-ops while the agent is busy.
func (s *Session) SetModel(model string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.model = model
	return true
}

// SetPermissionMode updates the permission mode. No-ops while busy.
func (s *Session) SetPermissionMode(mode string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.permissionMode = mode
	return true
}

// PrimaryClientID returns the client currently driving this session, or "".
func (s *Session) PrimaryClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primaryClientID
}

// SetPrimaryClientID updates ownership. Empty clears the primary.
func (s *Session) SetPrimaryClientID(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primaryClientID = clientID
}

// emit queues an event for dispatch. Raw events are dropped when the channel
// is full; everything else blocks to preserve delivery.
func (s *Session) emit(name string, payload json.RawMessage) {
	ev := Event{SessionID: s.ID, Name: name, Payload: payload}
	select {
	case <-s.done:
		return
	default:
	}
	if name == "raw" {
		select {
		case s.events <- ev:
		default: // back-pressure: background raw is expendable
		}
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// record appends an event to the bounded replay ring. Raw events are not
// recorded; replaying stale terminal bytes confuses the UI more than a gap.
func (s *Session) record(ev Event) {
	if ev.Name == "raw" {
		return
	}
	s.histMu.Lock()
	defer s.histMu.Unlock()
	if len(s.history) < historySize {
		s.history = append(s.history, ev)
		return
	}
	s.history[s.histPos] = ev
	s.histPos = (s.histPos + 1) % historySize
}

// Replay returns recent events in emission order.
func (s *Session) Replay() []Event {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	out := make([]Event, 0, len(s.history))
	if len(s.history) < historySize {
		out = append(out, s.history...)
		return out
	}
	out = append(out, s.history[s.histPos:]...)
	out = append(out, s.history[:s.histPos]...)
	return out
}

// SendInput forwards user input to the session's driver.
func (s *Session) SendInput(text string) error { return s.drv.SendInput(text) }

// Interrupt forwards an interrupt to the driver.
func (s *Session) Interrupt() error { return s.drv.Interrupt() }

// RespondPermission resolves a pending permission request.
func (s *Session) RespondPermission(requestID, decision string) error {
	return s.drv.RespondPermission(requestID, decision)
}

// RespondQuestion resolves a pending user question. Terminal-kind sessions
// have no questions; callers check Kind first.
func (s *Session) RespondQuestion(answer string) error { return s.drv.RespondQuestion(answer) }

// Resize forwards a terminal resize. Ignored by agent drivers.
func (s *Session) Resize(cols, rows uint16) error { return s.drv.Resize(cols, rows) }
