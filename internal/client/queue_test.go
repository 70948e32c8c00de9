package client

import (
	"testing"
	"time"

	"github.com/clawdeck/clawdeck/internal/protocol"
)

func TestQueueDrainRespectsTTLAndOrder(t *testing.T) {
	q := NewQueue()
	base := time.Now()
	now := base
	q.SetNowFunc(func() time.Time { return now })

	// input at t=0, interrupt at t=0, input at t=6s.
	if !q.Offer(protocol.TypeInput, []byte(`{"type":"input","content":"hello"}`)) {
		t.Fatal("first input rejected")
	}
	if !q.Offer(protocol.TypeInterrupt, []byte(`{"type":"interrupt"}`)) {
		t.Fatal("interrupt rejected")
	}
	now = base.Add(6 * time.Second)
	if !q.Offer(protocol.TypeInput, []byte(`{"type":"input","content":"world"}`)) {
		t.Fatal("second input rejected")
	}

	// Drain at t=7s: the interrupt's 5s TTL has expired.
	now = base.Add(7 * time.Second)
	var sent []string
	q.Drain(func(frame []byte) error {
		sent = append(sent, string(frame))
		return nil
	})

	if len(sent) != 2 {
		t.Fatalf("drained %d messages, want 2: %v", len(sent), sent)
	}
	if sent[0] != `{"type":"input","content":"hello"}` || sent[1] != `{"type":"input","content":"world"}` {
		t.Fatalf("wrong drain order: %v", sent)
	}
	if q.Len() != 0 {
		t.Fatalf("queue not empty after drain: %d", q.Len())
	}
}

func TestQueueCap(t *testing.T) {
	q := NewQueue()
	for i := 0; i < QueueCap; i++ {
		if !q.Offer(protocol.TypeInput, []byte("x")) {
			t.Fatalf("enqueue %d rejected below cap", i)
		}
	}
	if q.Offer(protocol.TypeInput, []byte("overflow")) {
		t.Fatal("11th enqueue accepted")
	}
	if q.Len() != QueueCap {
		t.Fatalf("queue length %d after overflow, want %d", q.Len(), QueueCap)
	}
}

func TestQueueExcludedTypesNeverConsumeSlots(t *testing.T) {
	q := NewQueue()
	for _, typ := range []string{protocol.TypeSetModel, protocol.TypeSetPermissionMode, protocol.TypeResize} {
		if q.Offer(typ, []byte("x")) {
			t.Fatalf("%s was queued", typ)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("excluded types consumed %d slots", q.Len())
	}
}

func TestQueueEmptyEvenAfterSendFailure(t *testing.T) {
	q := NewQueue()
	q.Offer(protocol.TypeInput, []byte("a"))
	q.Offer(protocol.TypeInput, []byte("b"))

	calls := 0
	q.Drain(func([]byte) error {
		calls++
		return errBoom
	})
	if calls != 1 {
		t.Fatalf("send called %d times after failure, want 1", calls)
	}
	if q.Len() != 0 {
		t.Fatal("queue kept messages after failed drain")
	}
}

var errBoom = &CloseError{Code: 1006}
