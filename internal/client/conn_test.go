package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/clawdeck/clawdeck/internal/protocol"
)

type fakeSocket struct {
	in   chan []byte
	errC chan error

	mu     sync.Mutex
	writes [][]byte
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan []byte, 16), errC: make(chan error, 1)}
}

func (f *fakeSocket) ReadText(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case err := <-f.errC:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSocket) WriteText(ctx context.Context, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, b)
	return nil
}

func (f *fakeSocket) Close(code websocket.StatusCode, reason string) error { return nil }

func (f *fakeSocket) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func waitPhase(t *testing.T, s *Store, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.CurrentPhase() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase %q never reached (at %q)", want, s.CurrentPhase())
}

func TestRestartCloseKeepsSessionMounted(t *testing.T) {
	dials := make(chan *fakeSocket, 4)
	dial := func(ctx context.Context, url string) (Socket, error) {
		s := newFakeSocket()
		dials <- s
		return s, nil
	}

	store := NewStore()
	c := NewConn(store, dial)

	var phasesMu sync.Mutex
	var phasesAtSleep []Phase
	c.SetSleepFunc(func(time.Duration) {
		phasesMu.Lock()
		phasesAtSleep = append(phasesAtSleep, store.CurrentPhase())
		phasesMu.Unlock()
	})

	if err := c.Connect(Credentials{URL: "ws://example", Token: "tok"}); err != nil {
		t.Fatal(err)
	}
	s1 := <-dials
	s1.in <- []byte(`{"type":"auth_ok","clientId":"c1","serverVersion":"1.0.0"}`)
	waitPhase(t, store, PhaseConnected)

	// Intentional restart close.
	s1.errC <- &CloseError{Code: protocol.CloseServerRestart}

	s2 := <-dials
	s2.in <- []byte(`{"type":"auth_ok","clientId":"c2"}`)
	waitPhase(t, store, PhaseConnected)

	phasesMu.Lock()
	first := phasesAtSleep[0]
	phasesMu.Unlock()
	if first != PhaseServerRestarting {
		t.Fatalf("phase during restart backoff = %q, want server_restarting", first)
	}
	if store.ClientID() != "c2" {
		t.Fatalf("clientID after reconnect = %q", store.ClientID())
	}
	if !store.ShowSession() {
		t.Fatal("session screen unmounted during restart")
	}
}

func TestUnexpectedCloseGoesReconnecting(t *testing.T) {
	dials := make(chan *fakeSocket, 4)
	dial := func(ctx context.Context, url string) (Socket, error) {
		s := newFakeSocket()
		dials <- s
		return s, nil
	}
	store := NewStore()
	c := NewConn(store, dial)

	var phasesMu sync.Mutex
	var atSleep []Phase
	c.SetSleepFunc(func(time.Duration) {
		phasesMu.Lock()
		atSleep = append(atSleep, store.CurrentPhase())
		phasesMu.Unlock()
	})

	c.Connect(Credentials{URL: "ws://example", Token: "tok"})
	s1 := <-dials
	s1.in <- []byte(`{"type":"auth_ok","clientId":"c1"}`)
	waitPhase(t, store, PhaseConnected)

	s1.errC <- errors.New("read tcp: connection reset")
	s2 := <-dials
	s2.in <- []byte(`{"type":"auth_ok","clientId":"c2"}`)
	waitPhase(t, store, PhaseConnected)

	phasesMu.Lock()
	first := atSleep[0]
	phasesMu.Unlock()
	if first != PhaseReconnecting {
		t.Fatalf("phase during backoff = %q, want reconnecting", first)
	}
}

func TestRetryExhaustionKeepsCredentials(t *testing.T) {
	var mu sync.Mutex
	dialCount := 0
	firstSock := newFakeSocket()
	dial := func(ctx context.Context, url string) (Socket, error) {
		mu.Lock()
		dialCount++
		n := dialCount
		mu.Unlock()
		if n == 1 {
			return firstSock, nil
		}
		return nil, errors.New("dial refused")
	}

	store := NewStore()
	c := NewConn(store, dial)
	c.SetSleepFunc(func(time.Duration) {})

	c.Connect(Credentials{URL: "ws://example", Token: "tok"})
	firstSock.in <- []byte(`{"type":"auth_ok","clientId":"c1"}`)
	waitPhase(t, store, PhaseConnected)

	firstSock.errC <- errors.New("gone")
	waitPhase(t, store, PhaseDisconnected)

	mu.Lock()
	attempts := dialCount - 1
	mu.Unlock()
	if attempts != maxReconnectAttempts {
		t.Fatalf("made %d reconnect attempts, want %d", attempts, maxReconnectAttempts)
	}
	if !c.HasCredentials() {
		t.Fatal("credentials cleared by retry exhaustion")
	}
}

func TestAuthFailClearsCredentials(t *testing.T) {
	sock := newFakeSocket()
	dial := func(ctx context.Context, url string) (Socket, error) { return sock, nil }

	store := NewStore()
	c := NewConn(store, dial)
	c.SetSleepFunc(func(time.Duration) {})

	c.Connect(Credentials{URL: "ws://example", Token: "wrong"})
	sock.in <- []byte(`{"type":"auth_fail","reason":"invalid_token"}`)
	waitPhase(t, store, PhaseDisconnected)

	if c.HasCredentials() {
		t.Fatal("credentials kept after auth failure")
	}
}

func TestSendQueuesWhileOffline(t *testing.T) {
	store := NewStore()
	c := NewConn(store, func(ctx context.Context, url string) (Socket, error) {
		return nil, errors.New("offline")
	})

	frame := protocol.Marshal(protocol.ClientFrame{Type: protocol.TypeInput, Content: "hi"})
	if got := c.Send(protocol.TypeInput, frame); got != SendQueued {
		t.Fatalf("Send = %v, want SendQueued", got)
	}
	if got := c.Send(protocol.TypeSetModel, []byte(`{"type":"set_model"}`)); got != SendDropped {
		t.Fatalf("set_model offline = %v, want SendDropped", got)
	}
	if c.Queue().Len() != 1 {
		t.Fatalf("queue length = %d", c.Queue().Len())
	}
}

func TestDisconnectClearsEverything(t *testing.T) {
	sock := newFakeSocket()
	store := NewStore()
	c := NewConn(store, func(ctx context.Context, url string) (Socket, error) { return sock, nil })
	c.SetSleepFunc(func(time.Duration) {})

	c.Connect(Credentials{URL: "ws://example", Token: "tok"})
	sock.in <- []byte(`{"type":"auth_ok","clientId":"c1"}`)
	waitPhase(t, store, PhaseConnected)

	c.Send(protocol.TypeInput, []byte(`x`)) // goes straight out
	c.Disconnect()

	if store.CurrentPhase() != PhaseDisconnected {
		t.Fatalf("phase after disconnect = %q", store.CurrentPhase())
	}
	if c.HasCredentials() {
		t.Fatal("credentials survived explicit disconnect")
	}
	if c.Queue().Len() != 0 {
		t.Fatal("queue survived explicit disconnect")
	}
}
