package broker

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/clawdeck/clawdeck/internal/protocol"
)

// wsConn is the slice of *websocket.Conn the broker uses. Tests inject pipes.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, b []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// sendQueueSize bounds the per-client outbound buffer. Message-family frames
// block when it fills; raw frames are dropped instead.
const sendQueueSize = 64

// writeTimeout bounds a single socket write so one stuck client cannot wedge
// its writer goroutine forever.
const writeTimeout = 10 * time.Second

// ModeChat and ModeTerminal control whether a client receives raw PTY bytes.
const (
	ModeChat     = "chat"
	ModeTerminal = "terminal"
)

// client is one connected socket. All writes go through the send channel so
// frames to a client are serialized through exactly one writer.
type client struct {
	id   string
	conn wsConn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	authenticated bool
	deviceName    string
	deviceType    string
	platform      string
	activeSession string
	mode          string
}

func newClient(conn wsConn) *client {
	return &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
		mode: ModeChat,
	}
}

// writeLoop drains the send channel onto the socket. Exits on write failure
// or client shutdown.
func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case b := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// enqueue queues a frame, blocking while the buffer is full. Used for the
// message family, which must never be dropped.
func (c *client) enqueue(b []byte) {
	select {
	case c.send <- b:
	case <-c.done:
	}
}

// tryEnqueue queues a frame only if there is room. Used for raw PTY output:
// a slow client loses terminal bytes before it loses chat messages.
func (c *client) tryEnqueue(b []byte) bool {
	select {
	case c.send <- b:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// shutdown stops the writer. Idempotent; safe from any goroutine.
func (c *client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// closeWith sends a close frame and stops the writer.
func (c *client) closeWith(code websocket.StatusCode, reason string) {
	c.conn.Close(code, reason)
	c.shutdown()
}

func (c *client) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *client) authenticate(deviceName, deviceType, platform string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.deviceName = deviceName
	if deviceType == "" {
		deviceType = "unknown"
	}
	c.deviceType = deviceType
	c.platform = platform
}

func (c *client) activeSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSession
}

func (c *client) setActiveSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeSession = sessionID
}

func (c *client) getMode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *client) setMode(mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

func (c *client) info() protocol.ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.ClientInfo{
		ClientID:   c.id,
		DeviceName: c.deviceName,
		DeviceType: c.deviceType,
		Platform:   c.platform,
	}
}
