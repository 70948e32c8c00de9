package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type stubDriver struct {
	emit EmitFunc

	mu        sync.Mutex
	inputs    []string
	destroyed bool
	token     string
}

func (d *stubDriver) Start() error { return nil }
func (d *stubDriver) SendInput(text string) error {
	d.mu.Lock()
	d.inputs = append(d.inputs, text)
	d.mu.Unlock()
	return nil
}
func (d *stubDriver) Interrupt() error                                  { return nil }
func (d *stubDriver) RespondPermission(requestID, decision string) error { return nil }
func (d *stubDriver) RespondQuestion(answer string) error                { return nil }
func (d *stubDriver) Resize(cols, rows uint16) error                     { return nil }
func (d *stubDriver) ResumeToken() string                                { return d.token }
func (d *stubDriver) Destroy() error {
	d.mu.Lock()
	d.destroyed = true
	d.mu.Unlock()
	return nil
}

type testHarness struct {
	mgr     *Manager
	drivers chan *stubDriver

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, max int) *testHarness {
	t.Helper()
	h := &testHarness{drivers: make(chan *stubDriver, 16)}
	h.mgr = NewManager(Config{
		MaxSessions: max,
		WorkDir:     t.TempDir(),
		AgentBinary: "claude",
	}, func(ev Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	h.mgr.SetSpawnFunc(func(spec SpawnSpec, emit EmitFunc) (Driver, error) {
		d := &stubDriver{emit: emit, token: spec.ResumeToken}
		h.drivers <- d
		return d, nil
	})
	return h
}

func (h *testHarness) eventNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Name
	}
	return out
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func TestAttachEnforcesSessionLimit(t *testing.T) {
	h := newHarness(t, 2)

	if _, err := h.mgr.Attach(AttachRequest{Name: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.mgr.Attach(AttachRequest{Name: "b"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.mgr.Attach(AttachRequest{Name: "c"}); err != ErrSessionLimit {
		t.Fatalf("third attach err = %v, want ErrSessionLimit", err)
	}
	if h.mgr.Count() != 2 {
		t.Fatalf("count = %d", h.mgr.Count())
	}
}

func TestAttachRejectsDuplicateSource(t *testing.T) {
	h := newHarness(t, 5)

	if _, err := h.mgr.Attach(AttachRequest{Source: "work", Kind: KindTerminal}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.mgr.Attach(AttachRequest{Source: "work", Kind: KindTerminal}); err != ErrSessionExists {
		t.Fatalf("duplicate attach err = %v, want ErrSessionExists", err)
	}
}

func TestBusyFoldingAndAllIdle(t *testing.T) {
	h := newHarness(t, 5)
	id, err := h.mgr.Attach(AttachRequest{Name: "a"})
	if err != nil {
		t.Fatal(err)
	}
	d := <-h.drivers

	if !h.mgr.AllIdle() {
		t.Fatal("fresh session reported busy")
	}

	d.emit("agent_busy", nil)
	waitUntil(t, func() bool { return !h.mgr.AllIdle() })

	s, _ := h.mgr.Get(id)
	if !s.IsBusy() {
		t.Fatal("session not busy after agent_busy")
	}
	// Mutations are refused mid-turn.
	if s.SetModel("opus") {
		t.Fatal("SetModel succeeded while busy")
	}

	d.emit("agent_idle", nil)
	waitUntil(t, func() bool { return h.mgr.AllIdle() })
	if !s.SetModel("opus") {
		t.Fatal("SetModel refused while idle")
	}
}

func TestEventOrderPreservedPerSession(t *testing.T) {
	h := newHarness(t, 5)
	if _, err := h.mgr.Attach(AttachRequest{Name: "a"}); err != nil {
		t.Fatal(err)
	}
	d := <-h.drivers

	for i := 0; i < 50; i++ {
		d.emit("message", json.RawMessage(`{"n":`+string(rune('0'+i%10))+`}`))
	}
	waitUntil(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.events) >= 50
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, ev := range h.events[:50] {
		want := `{"n":` + string(rune('0'+i%10)) + `}`
		if string(ev.Payload) != want {
			t.Fatalf("event %d payload = %s, want %s", i, ev.Payload, want)
		}
	}
}

func TestReplaySkipsRaw(t *testing.T) {
	h := newHarness(t, 5)
	id, err := h.mgr.Attach(AttachRequest{Name: "a"})
	if err != nil {
		t.Fatal(err)
	}
	d := <-h.drivers

	d.emit("raw", json.RawMessage(`{"data":"x"}`))
	d.emit("message", json.RawMessage(`{"content":"hi"}`))
	waitUntil(t, func() bool {
		names := h.eventNames()
		return len(names) >= 2
	})

	s, _ := h.mgr.Get(id)
	replay := s.Replay()
	if len(replay) != 1 || replay[0].Name != "message" {
		t.Fatalf("replay = %+v, want just the message", replay)
	}
}

func TestDestroyAllTearsDownDrivers(t *testing.T) {
	h := newHarness(t, 5)
	h.mgr.Attach(AttachRequest{Name: "a"})
	h.mgr.Attach(AttachRequest{Name: "b"})
	d1, d2 := <-h.drivers, <-h.drivers

	h.mgr.DestroyAll()
	if h.mgr.Count() != 0 {
		t.Fatalf("count = %d after DestroyAll", h.mgr.Count())
	}
	for _, d := range []*stubDriver{d1, d2} {
		d.mu.Lock()
		destroyed := d.destroyed
		d.mu.Unlock()
		if !destroyed {
			t.Fatal("driver not destroyed")
		}
	}
}
