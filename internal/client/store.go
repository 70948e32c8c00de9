package client

import (
	"sync"
)

// Phase is the connection state machine position.
type Phase string

const (
	PhaseDisconnected     Phase = "disconnected"
	PhaseConnecting       Phase = "connecting"
	PhaseConnected        Phase = "connected"
	PhaseReconnecting     Phase = "reconnecting"
	PhaseServerRestarting Phase = "server_restarting"
)

// PeerInfo mirrors a client_joined announcement from the server.
type PeerInfo struct {
	ClientID   string
	DeviceName string
	DeviceType string
	Platform   string
}

// SessionEntry mirrors one session_list row.
type SessionEntry struct {
	ID     string
	Name   string
	Cwd    string
	Kind   string
	IsBusy bool
}

// DirListing is the payload handed to a one-shot directory callback.
type DirListing struct {
	Path    string
	Entries []DirEntry
	Err     string
}

// DirEntry is one row of a directory listing.
type DirEntry struct {
	Name  string
	IsDir bool
}

// Store is the headless client state container. The UI reads snapshots; all
// mutation goes through explicit actions so tests can drive it directly.
type Store struct {
	mu sync.Mutex

	phase           Phase
	clientID        string
	serverMode      string
	serverVersion   string
	cwd             string
	activeSessionID string

	sessions []SessionEntry
	peers    map[string]PeerInfo

	// primaries maps sessionId → primary clientId. The legacy flat field
	// serves single-session frontends that predate session ids.
	primaries     map[string]string
	legacyPrimary string

	models          []string
	permissionModes []string
	lastError       string

	dirCallback func(DirListing)
}

// NewStore returns a Store in the disconnected phase.
func NewStore() *Store {
	return &Store{
		phase:     PhaseDisconnected,
		peers:     make(map[string]PeerInfo),
		primaries: make(map[string]string),
	}
}

// SetPhase moves the state machine.
func (s *Store) SetPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// CurrentPhase returns the state machine position.
func (s *Store) CurrentPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// ShowSession is the UI gate: the session screen stays mounted in every
// phase except disconnected, so restarts never flash the connect screen.
func (s *Store) ShowSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase != PhaseDisconnected
}

// ClientID returns the id assigned by the last auth_ok.
func (s *Store) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// ActiveSessionID returns the session the client currently views.
func (s *Store) ActiveSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeSessionID
}

// Sessions returns a copy of the last session list.
func (s *Store) Sessions() []SessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionEntry, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// Peers returns the other connected clients.
func (s *Store) Peers() []PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// PrimaryFor returns the primary client for a session, or "".
func (s *Store) PrimaryFor(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primaries[sessionID]
}

// LegacyPrimary returns the flat single-session primary field.
func (s *Store) LegacyPrimary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.legacyPrimary
}

// LastError returns the most recent error or session_error message.
func (s *Store) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// OnDirectoryListing registers a one-shot callback for the next
// directory_listing frame. A new registration replaces the old one.
func (s *Store) OnDirectoryListing(fn func(DirListing)) {
	s.mu.Lock()
	s.dirCallback = fn
	s.mu.Unlock()
}

// Reset clears session-scoped state. Used on explicit disconnect.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseDisconnected
	s.clientID = ""
	s.activeSessionID = ""
	s.sessions = nil
	s.peers = make(map[string]PeerInfo)
	s.primaries = make(map[string]string)
	s.legacyPrimary = ""
	s.lastError = ""
	s.dirCallback = nil
}

func (s *Store) takeDirCallback() func(DirListing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn := s.dirCallback
	s.dirCallback = nil
	return fn
}
