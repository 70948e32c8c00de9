package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newPersister(t *testing.T) (*StatePersister, string) {
	t.Helper()
	dir := t.TempDir()
	p, err := NewStatePersister(filepath.Join(dir, "session-state.json"), filepath.Join(dir, "state.key"))
	if err != nil {
		t.Fatal(err)
	}
	return p, dir
}

func TestStateRoundTripEncryptsTokens(t *testing.T) {
	p, _ := newPersister(t)
	h := newHarness(t, 5)
	if _, err := h.mgr.Attach(AttachRequest{Name: "a", ResumeToken: "resume-secret"}); err != nil {
		t.Fatal(err)
	}
	<-h.drivers

	if err := p.Save(h.mgr); err != nil {
		t.Fatal(err)
	}

	// The token never hits disk in the clear.
	raw, err := os.ReadFile(p.path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "resume-secret") {
		t.Fatal("resume token persisted in plaintext")
	}

	restored, err := p.Restore()
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 1 {
		t.Fatalf("restored %d sessions, want 1", len(restored))
	}
	if restored[0].ExternalResumeToken != "resume-secret" {
		t.Fatalf("token = %q after decrypt", restored[0].ExternalResumeToken)
	}
}

func TestStateConsumedExactlyOnce(t *testing.T) {
	p, _ := newPersister(t)
	h := newHarness(t, 5)
	h.mgr.Attach(AttachRequest{Name: "a"})
	<-h.drivers

	if err := p.Save(h.mgr); err != nil {
		t.Fatal(err)
	}
	first, _ := p.Restore()
	if len(first) != 1 {
		t.Fatalf("first restore = %d sessions", len(first))
	}
	if _, err := os.Stat(p.path); !os.IsNotExist(err) {
		t.Fatal("state file survived restoration")
	}
	second, err := p.Restore()
	if err != nil || second != nil {
		t.Fatalf("second restore = %v, %v; want nil, nil", second, err)
	}
}

func TestStaleStateDiscarded(t *testing.T) {
	p, _ := newPersister(t)

	state := persistedState{
		Timestamp: time.Now().Add(-10 * time.Minute),
		Sessions:  []PersistedSession{{Name: "old"}},
	}
	b, _ := json.Marshal(&state)
	if err := os.WriteFile(p.path, b, 0o600); err != nil {
		t.Fatal(err)
	}

	restored, err := p.Restore()
	if err != nil {
		t.Fatal(err)
	}
	if restored != nil {
		t.Fatalf("stale state restored: %+v", restored)
	}
}

func TestUnparseableStateRemoved(t *testing.T) {
	p, _ := newPersister(t)
	if err := os.WriteFile(p.path, []byte("{broken"), 0o600); err != nil {
		t.Fatal(err)
	}

	restored, err := p.Restore()
	if err != nil || restored != nil {
		t.Fatalf("restore = %v, %v", restored, err)
	}
	if _, err := os.Stat(p.path); !os.IsNotExist(err) {
		t.Fatal("unparseable state file not removed")
	}
}

func TestRestoreIntoReattaches(t *testing.T) {
	p, _ := newPersister(t)
	h := newHarness(t, 5)
	h.mgr.Attach(AttachRequest{Name: "a", ResumeToken: "tok"})
	<-h.drivers
	if err := p.Save(h.mgr); err != nil {
		t.Fatal(err)
	}

	h2 := newHarness(t, 5)
	if n := p.RestoreInto(h2.mgr); n != 1 {
		t.Fatalf("restored %d sessions, want 1", n)
	}
	d := <-h2.drivers
	if d.token != "tok" {
		t.Fatalf("resumed driver token = %q", d.token)
	}
}
