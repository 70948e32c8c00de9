package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Attachment error taxonomy. All of these surface to the requesting client
// as a session_error frame and are never fatal to the broker.
var (
	ErrSessionLimit  = errors.New("session limit reached")
	ErrSessionExists = errors.New("session already attached for this source")
	ErrSessionSpawn  = errors.New("session spawn failed")
	ErrNotFound      = errors.New("session not found")
)

// EmitFunc is how drivers hand events back to their session.
type EmitFunc func(name string, payload json.RawMessage)

// SpawnSpec describes the process a new session should run.
type SpawnSpec struct {
	Kind        Kind
	Cwd         string
	Source      string // tmux session name for attachments
	Shell       string
	AgentBinary string
	Model       string
	PermMode    string
	ResumeToken string
}

// SpawnFunc creates the driver for a spec. Production uses defaultSpawn;
// tests inject fakes.
type SpawnFunc func(spec SpawnSpec, emit EmitFunc) (Driver, error)

// Config carries the manager's tunables.
type Config struct {
	MaxSessions    int
	WorkDir        string
	Shell          string
	AgentBinary    string
	Model          string
	PermissionMode string
}

// Manager owns all sessions. Events flow out through the sink in per-session
// order; the sink must not block for long (the broker hands frames to
// per-client writers immediately).
type Manager struct {
	cfg   Config
	sink  func(Event)
	spawn SpawnFunc

	mu       sync.RWMutex
	sessions map[string]*Session

	discMu  sync.Mutex
	discSub []func([]Candidate)
}

// NewManager creates a Manager delivering events to sink.
func NewManager(cfg Config, sink func(Event)) *Manager {
	m := &Manager{
		cfg:      cfg,
		sink:     sink,
		sessions: make(map[string]*Session),
	}
	m.spawn = defaultSpawn
	return m
}

// SetSpawnFunc replaces the driver factory. Test hook.
func (m *Manager) SetSpawnFunc(fn SpawnFunc) { m.spawn = fn }

// AttachRequest asks for a new session.
type AttachRequest struct {
	Source      string // external tmux source; empty spawns a fresh agent
	Name        string
	Kind        Kind
	Cwd         string
	ResumeToken string
}

// Attach creates a session and starts its driver. Returns the session ID.
func (m *Manager) Attach(req AttachRequest) (string, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return "", ErrSessionLimit
	}
	if req.Source != "" {
		for _, s := range m.sessions {
			if s.Source == req.Source {
				m.mu.Unlock()
				return "", ErrSessionExists
			}
		}
	}
	m.mu.Unlock()

	kind := req.Kind
	if kind == "" {
		kind = KindInteractiveAgent
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = m.cfg.WorkDir
	}
	name := req.Name
	if name == "" {
		if req.Source != "" {
			name = req.Source
		} else {
			name = "session"
		}
	}

	s := &Session{
		ID:             uuid.New().String(),
		Name:           name,
		Cwd:            cwd,
		Kind:           kind,
		Source:         req.Source,
		model:          m.cfg.Model,
		permissionMode: m.cfg.PermissionMode,
		createdAt:      time.Now(),
		events:         make(chan Event, eventChanSize),
		done:           make(chan struct{}),
	}

	drv, err := m.spawn(SpawnSpec{
		Kind:        kind,
		Cwd:         cwd,
		Source:      req.Source,
		Shell:       m.cfg.Shell,
		AgentBinary: m.cfg.AgentBinary,
		Model:       m.cfg.Model,
		PermMode:    m.cfg.PermissionMode,
		ResumeToken: req.ResumeToken,
	}, s.emit)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionSpawn, err)
	}
	s.drv = drv
	if err := drv.Start(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionSpawn, err)
	}

	m.mu.Lock()
	// Re-check the cap; a concurrent Attach may have raced us past it.
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		drv.Destroy()
		return "", ErrSessionLimit
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	go m.dispatch(s)

	log.Printf("[session-mgr] attached session %s (kind=%s source=%q cwd=%s)", s.ID, kind, req.Source, cwd)
	return s.ID, nil
}

// dispatch is the single per-session goroutine that preserves event order.
// Busy transitions are folded into session state here so the broker sees a
// consistent snapshot when it rebroadcasts the session list.
func (m *Manager) dispatch(s *Session) {
	for {
		select {
		case ev := <-s.events:
			switch ev.Name {
			case "agent_busy":
				s.mu.Lock()
				s.busy = true
				s.mu.Unlock()
			case "agent_idle":
				s.mu.Lock()
				s.busy = false
				s.mu.Unlock()
			}
			s.record(ev)
			if m.sink != nil {
				m.sink(ev)
			}
		case <-s.done:
			// Drain what the driver managed to queue before teardown.
			for {
				select {
				case ev := <-s.events:
					s.record(ev)
					if m.sink != nil {
						m.sink(ev)
					}
				default:
					return
				}
			}
		}
	}
}

// Get returns a session by ID.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Snapshot is the per-session view handed to clients.
type Snapshot struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Cwd    string `json:"cwd"`
	Kind   string `json:"kind"`
	IsBusy bool   `json:"isBusy"`
}

// List returns a stable snapshot of all sessions.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Snapshot{
			ID:     s.ID,
			Name:   s.Name,
			Cwd:    s.Cwd,
			Kind:   string(s.Kind),
			IsBusy: s.IsBusy(),
		})
	}
	return out
}

// Destroy tears down one session.
func (m *Manager) Destroy(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if err := s.drv.Destroy(); err != nil {
		log.Printf("[session-mgr] destroy %s: %v", sessionID, err)
	}
	close(s.done)
	log.Printf("[session-mgr] destroyed session %s", sessionID)
	return nil
}

// DestroyAll tears down every session. Used at shutdown.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		if err := s.drv.Destroy(); err != nil {
			log.Printf("[session-mgr] destroy %s: %v", s.ID, err)
		}
		close(s.done)
	}
}

// AllIdle reports whether no session is busy. The supervisor uses this to
// decide when draining is safe.
func (m *Manager) AllIdle() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.IsBusy() {
			return false
		}
	}
	return true
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
