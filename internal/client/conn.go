package client

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/clawdeck/clawdeck/internal/protocol"
)

// DialTimeout is the hard deadline for one connection attempt.
const DialTimeout = 5 * time.Second

// reconnectBackoff spaces retry attempts; the last value repeats.
var reconnectBackoff = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 15 * time.Second,
}

// maxReconnectAttempts is how many consecutive failures drop the client to
// disconnected. Saved credentials survive; only the user or an auth failure
// clears them.
const maxReconnectAttempts = 5

// Socket is the transport a Conn runs over. Production wraps
// *websocket.Conn; tests inject in-memory fakes.
type Socket interface {
	ReadText(ctx context.Context) ([]byte, error)
	WriteText(ctx context.Context, b []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a Socket to a server URL.
type DialFunc func(ctx context.Context, url string) (Socket, error)

// CloseError carries the close code off a dead socket so the state machine
// can tell an intentional restart (4000) from a network failure.
type CloseError struct {
	Code int
}

func (e *CloseError) Error() string { return "connection closed" }

// closeCode extracts a close code from a read error. -1 when unknown.
func closeCode(err error) int {
	if st := websocket.CloseStatus(err); st != -1 {
		return int(st)
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return -1
}

// wsSocket adapts *websocket.Conn to Socket.
type wsSocket struct{ conn *websocket.Conn }

func (s *wsSocket) ReadText(ctx context.Context) ([]byte, error) {
	_, b, err := s.conn.Read(ctx)
	return b, err
}

func (s *wsSocket) WriteText(ctx context.Context, b []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, b)
}

func (s *wsSocket) Close(code websocket.StatusCode, reason string) error {
	return s.conn.Close(code, reason)
}

// WebSocketDial is the production DialFunc.
func WebSocketDial(ctx context.Context, url string) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1024 * 1024)
	return &wsSocket{conn: conn}, nil
}

// Credentials is what survives across reconnect attempts.
type Credentials struct {
	URL        string
	Token      string
	DeviceName string
	DeviceType string
	Platform   string
}

// SendResult classifies the outcome of a Send while possibly offline.
type SendResult int

const (
	// SendSent went straight to the socket.
	SendSent SendResult = iota
	// SendQueued is buffered and will ride the next drain.
	SendQueued
	// SendDropped was rejected: queue full, or a type that never queues.
	SendDropped
)

// Conn is the client connection core. It owns the socket, the outbound
// queue, and the phase transitions in the Store.
type Conn struct {
	store   *Store
	queue   *Queue
	handler *Handler
	dial    DialFunc

	backoff     []time.Duration
	maxAttempts int
	sleep       func(time.Duration)

	mu     sync.Mutex
	creds  *Credentials
	sock   Socket
	gen    int // increments per connect/disconnect; stale read loops exit
	closed bool
}

// NewConn builds a connection core over store. A nil dial uses the real
// WebSocket dialer.
func NewConn(store *Store, dial DialFunc) *Conn {
	if dial == nil {
		dial = WebSocketDial
	}
	return &Conn{
		store:       store,
		queue:       NewQueue(),
		handler:     NewHandler(store),
		dial:        dial,
		backoff:     reconnectBackoff,
		maxAttempts: maxReconnectAttempts,
		sleep:       time.Sleep,
	}
}

// Queue exposes the outbound queue for inspection.
func (c *Conn) Queue() *Queue { return c.queue }

// HasCredentials reports whether saved credentials exist. They survive retry
// exhaustion; only Disconnect or an auth failure clears them.
func (c *Conn) HasCredentials() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds != nil
}

// SetSleepFunc overrides the backoff sleeper. Test hook.
func (c *Conn) SetSleepFunc(fn func(time.Duration)) { c.sleep = fn }

// Connect saves credentials and starts the first attempt. The read loop runs
// until the socket dies or Disconnect is called.
func (c *Conn) Connect(creds Credentials) error {
	c.mu.Lock()
	c.creds = &creds
	c.closed = false
	c.mu.Unlock()

	c.store.SetPhase(PhaseConnecting)
	return c.attempt()
}

// attempt dials once and, on success, authenticates and starts the reader.
func (c *Conn) attempt() error {
	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()
	if creds == nil {
		return errors.New("no saved credentials")
	}

	ctx, cancel := context.WithTimeout(context.Background(), DialTimeout)
	sock, err := c.dial(ctx, creds.URL)
	cancel()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sock = sock
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	if creds.Token != "" {
		frame := protocol.Marshal(protocol.ClientFrame{
			Type:       protocol.TypeAuth,
			Token:      creds.Token,
			DeviceName: creds.DeviceName,
			DeviceType: creds.DeviceType,
			Platform:   creds.Platform,
		})
		if err := sock.WriteText(context.Background(), frame); err != nil {
			sock.Close(websocket.StatusInternalError, "")
			return err
		}
	}

	go c.readLoop(sock, gen)
	return nil
}

// readLoop pumps inbound frames into the handler and owns the phase
// transitions for this socket's lifetime.
func (c *Conn) readLoop(sock Socket, gen int) {
	for {
		b, err := sock.ReadText(context.Background())
		if err != nil {
			c.onSocketClosed(gen, err)
			return
		}

		typ := frameType(b)
		switch typ {
		case protocol.TypeAuthOK:
			c.handler.Handle(b)
			c.store.SetPhase(PhaseConnected)
			c.queue.Drain(func(frame []byte) error {
				return sock.WriteText(context.Background(), frame)
			})
		case protocol.TypeAuthFail:
			// The server rejected our token: retrying is pointless and the
			// saved credentials are wrong.
			c.handler.Handle(b)
			c.mu.Lock()
			c.creds = nil
			c.closed = true
			c.mu.Unlock()
			c.store.Reset()
			return
		default:
			c.handler.Handle(b)
		}
	}
}

// onSocketClosed classifies the close and runs the reconnect loop. A stale
// generation (Disconnect already ran, or a newer socket exists) is ignored.
func (c *Conn) onSocketClosed(gen int, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.sock = nil
	c.mu.Unlock()

	if closeCode(err) == protocol.CloseServerRestart {
		c.store.SetPhase(PhaseServerRestarting)
	} else {
		c.store.SetPhase(PhaseReconnecting)
	}
	c.reconnect()
}

// reconnect retries with backoff until success or attempt exhaustion.
// Exhaustion drops to disconnected but keeps the saved credentials.
func (c *Conn) reconnect() {
	for i := 0; i < c.maxAttempts; i++ {
		idx := i
		if idx >= len(c.backoff) {
			idx = len(c.backoff) - 1
		}
		c.sleep(c.backoff[idx])

		c.mu.Lock()
		stop := c.closed
		c.mu.Unlock()
		if stop {
			return
		}

		c.store.SetPhase(PhaseConnecting)
		if err := c.attempt(); err == nil {
			return
		}
		log.Printf("[client] reconnect attempt %d failed", i+1)
		c.store.SetPhase(PhaseReconnecting)
	}
	c.store.SetPhase(PhaseDisconnected)
}

// Send writes a typed frame, queueing it when offline. Types outside the
// queueable set are dropped when no socket is open.
func (c *Conn) Send(msgType string, frame []byte) SendResult {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()

	if sock != nil && c.store.CurrentPhase() == PhaseConnected {
		if err := sock.WriteText(context.Background(), frame); err == nil {
			return SendSent
		}
	}
	if c.queue.Offer(msgType, frame) {
		return SendQueued
	}
	return SendDropped
}

// Disconnect is the explicit user action: close the socket, clear the queue
// and session state, and forget credentials.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	sock := c.sock
	c.sock = nil
	c.creds = nil
	c.mu.Unlock()

	if sock != nil {
		sock.Close(websocket.StatusNormalClosure, "user disconnect")
	}
	c.queue.Clear()
	c.store.Reset()
}

// frameType peeks at the type field without a full decode.
func frameType(b []byte) string {
	var t struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &t); err != nil {
		return ""
	}
	return t.Type
}
