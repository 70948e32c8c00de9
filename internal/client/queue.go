// Package client is the connection core a mobile frontend embeds: a
// reconnecting socket state machine, a TTL-tagged outbound queue, and a
// resilient inbound message handler over a headless state store.
package client

import (
	"sync"
	"time"

	"github.com/clawdeck/clawdeck/internal/protocol"
)

// QueueCap is the most messages held while the socket is down. Overflow
// rejects the new message; older entries are never silently dropped.
const QueueCap = 10

// queueTTLs assigns each queueable type its shelf life. A stale interrupt is
// worse than no interrupt, so it expires fastest.
var queueTTLs = map[string]time.Duration{
	protocol.TypeInput:                60 * time.Second,
	protocol.TypePermissionResponse:   30 * time.Second,
	protocol.TypeUserQuestionResponse: 30 * time.Second,
	protocol.TypeInterrupt:            5 * time.Second,
}

// Queueable reports whether a type may occupy a queue slot. Setting a model
// or resizing a dead socket is meaningless; those silently no-op offline.
func Queueable(msgType string) bool {
	_, ok := queueTTLs[msgType]
	return ok
}

// QueuedMessage is one buffered outbound frame.
type QueuedMessage struct {
	Type       string
	Frame      []byte
	EnqueuedAt time.Time
	TTL        time.Duration
}

// Queue buffers outbound frames while the socket is closed.
type Queue struct {
	mu    sync.Mutex
	items []QueuedMessage
	now   func() time.Time
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{now: time.Now}
}

// SetNowFunc overrides the clock. Test hook.
func (q *Queue) SetNowFunc(now func() time.Time) { q.now = now }

// Offer appends a frame. False when the type is not queueable or the queue
// is full.
func (q *Queue) Offer(msgType string, frame []byte) bool {
	ttl, ok := queueTTLs[msgType]
	if !ok {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= QueueCap {
		return false
	}
	q.items = append(q.items, QueuedMessage{
		Type:       msgType,
		Frame:      frame,
		EnqueuedAt: q.now(),
		TTL:        ttl,
	})
	return true
}

// Len returns the number of buffered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain sends every unexpired message in FIFO order and empties the queue.
// Expired messages are dropped; the queue is empty afterward even if send
// fails partway.
func (q *Queue) Drain(send func(frame []byte) error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	now := q.now()
	for _, m := range items {
		if m.EnqueuedAt.Add(m.TTL).Before(now) {
			continue
		}
		if err := send(m.Frame); err != nil {
			return
		}
	}
}

// Clear discards everything. Used on explicit disconnect.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
