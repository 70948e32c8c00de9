// Package broker accepts authenticated WebSocket clients, routes their
// commands to sessions, and fans agent events back out according to each
// client's active session and mode.
package broker

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/clawdeck/clawdeck/internal/protocol"
	"github.com/clawdeck/clawdeck/internal/session"
)

// readLimit bounds a single inbound frame.
const readLimit = 1024 * 1024

// DefaultPermissionTimeout is how long a POST /permission blocks waiting for
// a client decision before answering deny. Matches the settings hook timeout.
const DefaultPermissionTimeout = 300 * time.Second

// externalSourceRe validates tmux session names arriving in attach_session.
// Anything else is rejected before it reaches a shell.
var externalSourceRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// SessionHub is the broker's view of the session manager.
type SessionHub interface {
	Attach(req session.AttachRequest) (string, error)
	Get(sessionID string) (*session.Session, error)
	List() []session.Snapshot
	AllIdle() bool
	DestroyAll()
}

// Config carries the broker's tunables.
type Config struct {
	AuthRequired  bool
	Token         string
	ServerMode    string // cli | terminal
	ServerVersion string
	Cwd           string

	Models            []string
	PermissionModes   []string
	PermissionTimeout time.Duration
}

// Broker is the fan-out layer between sessions and clients.
type Broker struct {
	cfg Config
	hub SessionHub

	mu       sync.RWMutex
	clients  map[string]*client
	draining bool

	pendMu  sync.Mutex
	pending map[string]chan string // permission requestId → decision

	readyMu sync.Mutex
	ready   bool

	startedAt time.Time
}

// New builds a Broker over the given session hub.
func New(cfg Config, hub SessionHub) *Broker {
	if cfg.ServerMode == "" {
		cfg.ServerMode = "cli"
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []string{"default", "sonnet", "opus"}
	}
	if len(cfg.PermissionModes) == 0 {
		cfg.PermissionModes = []string{"default", "acceptEdits", "plan", "bypassPermissions"}
	}
	if cfg.PermissionTimeout == 0 {
		cfg.PermissionTimeout = DefaultPermissionTimeout
	}
	return &Broker{
		cfg:       cfg,
		hub:       hub,
		clients:   make(map[string]*client),
		pending:   make(map[string]chan string),
		startedAt: time.Now(),
	}
}

// MarkReady flips the health endpoint to 200. Called once the WS listener is
// accepting.
func (b *Broker) MarkReady() {
	b.readyMu.Lock()
	b.ready = true
	b.readyMu.Unlock()
}

func (b *Broker) isReady() bool {
	b.readyMu.Lock()
	defer b.readyMu.Unlock()
	return b.ready
}

// ClientCount returns the number of connected sockets.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleWS upgrades and serves one client socket for its whole life.
func (b *Broker) HandleWS(w http.ResponseWriter, r *http.Request) {
	b.mu.RLock()
	draining := b.draining
	b.mu.RUnlock()
	if draining {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[broker] websocket accept: %v", err)
		return
	}
	conn.SetReadLimit(readLimit)
	b.ServeConn(r.Context(), conn)
}

// ServeConn runs the client loop over an already-accepted connection.
// Separated from HandleWS so tests can drive it with in-memory pipes.
func (b *Broker) ServeConn(ctx context.Context, conn wsConn) {
	c := newClient(conn)
	go c.writeLoop(ctx)
	defer b.dropClient(c)

	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()

	// Open posture: without required auth the handshake is implicit.
	if !b.cfg.AuthRequired {
		c.authenticate("", "", "")
		b.welcome(c)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("[broker] malformed frame from %s: %v", c.id, err)
			continue
		}
		if frame.Type == "" {
			continue
		}
		if !c.isAuthenticated() {
			if !b.handleAuth(c, frame) {
				return
			}
			continue
		}
		b.route(c, frame)
	}
}

// handleAuth processes the first frame of a client under authRequired. False
// means the socket was closed.
func (b *Broker) handleAuth(c *client, frame protocol.ClientFrame) bool {
	if frame.Type != protocol.TypeAuth {
		// Anything before auth is dropped, not answered.
		return true
	}
	if frame.Token != b.cfg.Token {
		c.enqueue(protocol.Marshal(protocol.AuthFail{
			Type:   protocol.TypeAuthFail,
			Reason: "invalid_token",
		}))
		// Give the writer a moment to flush the frame before the close.
		time.Sleep(50 * time.Millisecond)
		c.closeWith(protocol.CloseAuthFailed, "invalid token")
		return false
	}
	c.authenticate(frame.DeviceName, frame.DeviceType, frame.Platform)
	b.welcome(c)
	return true
}

// welcome sends the post-auth sequence and announces the client to its peers.
func (b *Broker) welcome(c *client) {
	sessions := b.hub.List()
	if c.activeSessionID() == "" && len(sessions) > 0 {
		c.setActiveSession(sessions[0].ID)
	}

	c.enqueue(protocol.Marshal(protocol.AuthOK{
		Type:             protocol.TypeAuthOK,
		ClientID:         c.id,
		ServerMode:       b.cfg.ServerMode,
		ServerVersion:    b.cfg.ServerVersion,
		Cwd:              b.cfg.Cwd,
		ConnectedClients: b.peerInfos(c.id),
		ProtocolVersion:  protocol.ProtocolVersion,
	}))
	c.enqueue(protocol.Marshal(serverModeFrame{Type: protocol.TypeServerMode, Mode: b.cfg.ServerMode}))
	c.enqueue(protocol.Marshal(protocol.Status{
		Type:      protocol.TypeStatus,
		State:     "running",
		StartedAt: b.startedAt,
		Sessions:  len(sessions),
	}))
	if len(sessions) > 0 {
		c.enqueue(b.sessionListFrame(sessions))
		c.enqueue(protocol.Marshal(sessionSwitchedFrame{
			Type:      protocol.TypeSessionSwitched,
			SessionID: c.activeSessionID(),
		}))
	}
	c.enqueue(protocol.Marshal(listFrame{Type: protocol.TypeAvailableModels, Models: b.cfg.Models}))
	c.enqueue(protocol.Marshal(listFrame{Type: protocol.TypeAvailablePermissionModes, Modes: b.cfg.PermissionModes}))

	b.broadcastExcept(c.id, protocol.Marshal(clientEventFrame{
		Type:   protocol.TypeClientJoined,
		Client: c.info(),
	}))
	log.Printf("[broker] client %s authenticated", c.id)
}

// dropClient unregisters a socket and releases any primaries it held.
func (b *Broker) dropClient(c *client) {
	c.shutdown()
	b.mu.Lock()
	if _, ok := b.clients[c.id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.clients, c.id)
	b.mu.Unlock()

	for _, snap := range b.hub.List() {
		s, err := b.hub.Get(snap.ID)
		if err != nil {
			continue
		}
		if s.PrimaryClientID() == c.id {
			s.SetPrimaryClientID("")
			b.broadcast(protocol.Marshal(protocol.PrimaryChanged{
				Type:      protocol.TypePrimaryChanged,
				SessionID: s.ID,
				ClientID:  nil,
			}))
		}
	}

	if c.isAuthenticated() {
		b.broadcast(protocol.Marshal(clientLeftFrame{
			Type:     protocol.TypeClientLeft,
			ClientID: c.id,
		}))
	}
	log.Printf("[broker] client %s disconnected", c.id)
}

// route dispatches one authenticated inbound frame. Unknown types are
// dropped silently.
func (b *Broker) route(c *client, f protocol.ClientFrame) {
	switch f.Type {
	case protocol.TypeAuth:
		// Already authenticated; repeated auth is harmless noise.
	case protocol.TypeInput:
		b.handleInput(c, f)
	case protocol.TypeInterrupt:
		b.handleInterrupt(c, f)
	case protocol.TypePermissionResponse:
		b.handlePermissionResponse(c, f)
	case protocol.TypeUserQuestionResponse:
		b.handleQuestionResponse(c, f)
	case protocol.TypeSetModel:
		if s := b.target(c, f); s != nil {
			s.SetModel(f.Model)
		}
	case protocol.TypeSetPermissionMode:
		if s := b.target(c, f); s != nil {
			s.SetPermissionMode(f.PermissionMode)
		}
	case protocol.TypeSwitchSession:
		b.handleSwitch(c, f)
	case protocol.TypeAttachSession:
		b.handleAttach(c, f)
	case protocol.TypeResize:
		if s := b.target(c, f); s != nil && s.Kind == session.KindTerminal {
			s.Resize(f.Cols, f.Rows)
		}
	case protocol.TypeMode:
		if f.Mode == ModeChat || f.Mode == ModeTerminal {
			c.setMode(f.Mode)
		}
	case protocol.TypeSetPrimary:
		b.handleSetPrimary(c, f)
	case protocol.TypeListDirectory:
		b.handleListDirectory(c, f)
	default:
		log.Printf("[broker] dropping unknown frame type %q from %s", f.Type, c.id)
	}
}

// target resolves the session a frame addresses: an explicit sessionId wins,
// otherwise the client's active session. Nil plus an error frame on miss.
func (b *Broker) target(c *client, f protocol.ClientFrame) *session.Session {
	id := f.SessionID
	if id == "" {
		id = c.activeSessionID()
	}
	if id == "" {
		c.enqueue(protocol.Marshal(protocol.ErrorFrame{Type: protocol.TypeError, Message: "no active session"}))
		return nil
	}
	s, err := b.hub.Get(id)
	if err != nil {
		c.enqueue(protocol.Marshal(protocol.ErrorFrame{Type: protocol.TypeError, Message: "unknown session"}))
		return nil
	}
	return s
}

func (b *Broker) handleInput(c *client, f protocol.ClientFrame) {
	s := b.target(c, f)
	if s == nil {
		return
	}
	if s.PrimaryClientID() != c.id {
		c.enqueue(protocol.Marshal(protocol.ErrorFrame{Type: protocol.TypeError, Message: "not_primary"}))
		return
	}
	if err := s.SendInput(f.Content); err != nil {
		c.enqueue(protocol.Marshal(protocol.ErrorFrame{Type: protocol.TypeError, Message: "input failed"}))
	}
}

func (b *Broker) handleInterrupt(c *client, f protocol.ClientFrame) {
	s := b.target(c, f)
	if s == nil {
		return
	}
	if s.PrimaryClientID() != c.id {
		c.enqueue(protocol.Marshal(protocol.ErrorFrame{Type: protocol.TypeError, Message: "not_primary"}))
		return
	}
	s.Interrupt()
}

func (b *Broker) handlePermissionResponse(c *client, f protocol.ClientFrame) {
	if f.RequestID == "" {
		return
	}
	// HTTP bridge waiters take precedence; everything else goes to the agent.
	if b.resolvePermission(f.RequestID, f.Decision) {
		return
	}
	if s := b.target(c, f); s != nil {
		s.RespondPermission(f.RequestID, f.Decision)
	}
}

func (b *Broker) handleQuestionResponse(c *client, f protocol.ClientFrame) {
	s := b.target(c, f)
	if s == nil || s.Kind != session.KindInteractiveAgent {
		return
	}
	s.RespondQuestion(f.Answer)
}

func (b *Broker) handleSwitch(c *client, f protocol.ClientFrame) {
	s, err := b.hub.Get(f.SessionID)
	if err != nil {
		c.enqueue(protocol.Marshal(protocol.ErrorFrame{Type: protocol.TypeError, Message: "unknown session"}))
		return
	}
	c.setActiveSession(s.ID)
	c.enqueue(protocol.Marshal(sessionSwitchedFrame{Type: protocol.TypeSessionSwitched, SessionID: s.ID}))
	// Replay recent history so the newly focused view is not blank.
	for _, ev := range s.Replay() {
		c.enqueue(protocol.Marshal(protocol.Event{Type: ev.Name, SessionID: ev.SessionID, Payload: ev.Payload}))
	}
}

func (b *Broker) handleAttach(c *client, f protocol.ClientFrame) {
	if f.ExternalSource != "" && !externalSourceRe.MatchString(f.ExternalSource) {
		c.enqueue(protocol.Marshal(protocol.ErrorFrame{
			Type:    protocol.TypeSessionError,
			Message: "Invalid tmux session name",
		}))
		return
	}
	kind := session.KindInteractiveAgent
	if f.ExternalSource != "" {
		kind = session.KindTerminal
	}
	id, err := b.hub.Attach(session.AttachRequest{
		Source: f.ExternalSource,
		Name:   f.Name,
		Kind:   kind,
	})
	if err != nil {
		c.enqueue(protocol.Marshal(protocol.ErrorFrame{Type: protocol.TypeSessionError, Message: err.Error()}))
		return
	}
	c.setActiveSession(id)
	b.broadcast(b.sessionListFrame(b.hub.List()))
	c.enqueue(protocol.Marshal(sessionSwitchedFrame{Type: protocol.TypeSessionSwitched, SessionID: id}))
}

func (b *Broker) handleSetPrimary(c *client, f protocol.ClientFrame) {
	s := b.target(c, f)
	if s == nil {
		return
	}
	s.SetPrimaryClientID(c.id)
	id := c.id
	b.broadcast(protocol.Marshal(protocol.PrimaryChanged{
		Type:      protocol.TypePrimaryChanged,
		SessionID: s.ID,
		ClientID:  &id,
	}))
}

func (b *Broker) handleListDirectory(c *client, f protocol.ClientFrame) {
	dir := f.Path
	if dir == "" {
		dir = b.cfg.Cwd
	}
	dir = filepath.Clean(dir)

	reply := directoryListingFrame{Type: protocol.TypeDirectoryListing, Path: dir}
	entries, err := os.ReadDir(dir)
	if err != nil {
		reply.Error = err.Error()
		c.enqueue(protocol.Marshal(reply))
		return
	}
	for _, e := range entries {
		reply.Entries = append(reply.Entries, dirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	c.enqueue(protocol.Marshal(reply))
}

// HandleEvent is the session manager's sink. It applies the fan-out policy
// for one tagged agent event.
func (b *Broker) HandleEvent(ev session.Event) {
	frame := protocol.Marshal(protocol.Event{Type: ev.Name, SessionID: ev.SessionID, Payload: ev.Payload})

	switch ev.Name {
	case protocol.EventRaw:
		// Raw PTY bytes only reach the client actually looking at this
		// session in terminal mode; background raw is bandwidth waste.
		b.mu.RLock()
		for _, c := range b.clients {
			if !c.isAuthenticated() {
				continue
			}
			if c.activeSessionID() == ev.SessionID && c.getMode() == ModeTerminal {
				c.tryEnqueue(frame)
			}
		}
		b.mu.RUnlock()

	case protocol.EventAgentBusy, protocol.EventAgentIdle:
		b.broadcast(frame)
		// Busy transitions repaint the session list immediately.
		b.broadcast(b.sessionListFrame(b.hub.List()))

	default:
		b.broadcast(frame)
	}
}

// BroadcastServerError surfaces an infrastructure failure to every client.
func (b *Broker) BroadcastServerError(category, message string, recoverable bool) {
	b.broadcast(protocol.Marshal(protocol.ServerError{
		Type:        protocol.TypeServerError,
		Category:    category,
		Message:     message,
		Recoverable: recoverable,
	}))
}

// Drain announces shutdown and closes every socket with the restart close
// code so clients keep their session screens mounted.
func (b *Broker) Drain() {
	b.mu.Lock()
	b.draining = true
	all := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		all = append(all, c)
	}
	b.mu.Unlock()

	notice := protocol.Marshal(shuttingDownFrame{Type: protocol.TypeServerShuttingDown})
	for _, c := range all {
		if c.isAuthenticated() {
			c.enqueue(notice)
		}
	}
	// Let writers flush the notice before the close frames go out.
	time.Sleep(100 * time.Millisecond)
	for _, c := range all {
		c.closeWith(protocol.CloseServerRestart, "server restarting")
	}
	log.Printf("[broker] drained %d clients", len(all))
}

// RequestPermission runs the out-of-band permission flow: broadcast the
// request, block until a client answers or the timeout denies it.
func (b *Broker) RequestPermission(ctx context.Context, toolName string, toolInput json.RawMessage) string {
	requestID := uuid.New().String()
	ch := make(chan string, 1)

	b.pendMu.Lock()
	b.pending[requestID] = ch
	b.pendMu.Unlock()
	defer func() {
		b.pendMu.Lock()
		delete(b.pending, requestID)
		b.pendMu.Unlock()
	}()

	b.broadcast(protocol.Marshal(protocol.PermissionRequest{
		Type:      protocol.TypePermissionRequest,
		RequestID: requestID,
		ToolName:  toolName,
		ToolInput: toolInput,
	}))

	select {
	case decision := <-ch:
		if decision != "allow" {
			return "deny"
		}
		return "allow"
	case <-time.After(b.cfg.PermissionTimeout):
		return "deny"
	case <-ctx.Done():
		return "deny"
	}
}

// resolvePermission completes a pending HTTP bridge request. False when the
// id has no waiter.
func (b *Broker) resolvePermission(requestID, decision string) bool {
	b.pendMu.Lock()
	ch, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.pendMu.Unlock()
	if !ok {
		return false
	}
	ch <- decision
	return true
}

func (b *Broker) broadcast(frame []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		if c.isAuthenticated() {
			c.enqueue(frame)
		}
	}
}

func (b *Broker) broadcastExcept(clientID string, frame []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, c := range b.clients {
		if id == clientID || !c.isAuthenticated() {
			continue
		}
		c.enqueue(frame)
	}
}

func (b *Broker) peerInfos(exceptID string) []protocol.ClientInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]protocol.ClientInfo, 0, len(b.clients))
	for id, c := range b.clients {
		if id == exceptID || !c.isAuthenticated() {
			continue
		}
		out = append(out, c.info())
	}
	return out
}

func (b *Broker) sessionListFrame(sessions []session.Snapshot) []byte {
	infos := make([]protocol.SessionInfo, len(sessions))
	for i, s := range sessions {
		infos[i] = protocol.SessionInfo(s)
	}
	return protocol.Marshal(sessionListFrameT{Type: protocol.TypeSessionList, Sessions: infos})
}

// Outbound frame shapes that only the broker builds.

type serverModeFrame struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

type sessionSwitchedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type sessionListFrameT struct {
	Type     string                 `json:"type"`
	Sessions []protocol.SessionInfo `json:"sessions"`
}

type listFrame struct {
	Type   string   `json:"type"`
	Models []string `json:"models,omitempty"`
	Modes  []string `json:"modes,omitempty"`
}

type clientEventFrame struct {
	Type   string              `json:"type"`
	Client protocol.ClientInfo `json:"client"`
}

type clientLeftFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

type shuttingDownFrame struct {
	Type string `json:"type"`
}

type dirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
}

type directoryListingFrame struct {
	Type    string     `json:"type"`
	Path    string     `json:"path"`
	Entries []dirEntry `json:"entries"`
	Error   string     `json:"error,omitempty"`
}
