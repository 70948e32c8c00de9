package tunnel

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeProc is a scripted tunnel child.
type fakeProc struct {
	output chan string
	done   chan ExitStatus
	once   sync.Once
}

func newFakeProc() *fakeProc {
	return &fakeProc{output: make(chan string, 8), done: make(chan ExitStatus, 1)}
}

func (p *fakeProc) proc() *Proc {
	return &Proc{
		Output: p.output,
		Done:   p.done,
		Kill:   func() { p.exit(ExitStatus{Code: -1, Signal: "killed"}) },
	}
}

func (p *fakeProc) exit(st ExitStatus) {
	p.once.Do(func() { p.done <- st })
}

type procScript struct {
	mu    sync.Mutex
	procs []*fakeProc
	errs  []error
	calls int
}

func (s *procScript) launcher(cfg Config) (*Proc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return s.procs[i].proc(), nil
}

func newQuickManager(t *testing.T, script *procScript) *Manager {
	t.Helper()
	m, err := NewManager(Config{Mode: ModeQuick, Port: 8765}, script.launcher)
	if err != nil {
		t.Fatal(err)
	}
	m.sleep = func(time.Duration) {}
	m.startTimeout = 2 * time.Second
	return m
}

func collectEvents(m *Manager) (func() []Event, func(string) Event) {
	var mu sync.Mutex
	var events []Event
	m.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	all := func() []Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]Event{}, events...)
	}
	await := func(typ string) Event {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			for _, ev := range all() {
				if ev.Type == typ {
					return ev
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
		return Event{}
	}
	return all, await
}

func TestQuickModeHarvestsURL(t *testing.T) {
	p := newFakeProc()
	script := &procScript{procs: []*fakeProc{p}}
	m := newQuickManager(t, script)

	p.output <- "2026-08-25 INF Starting tunnel"
	p.output <- "2026-08-25 INF +  https://witty-otter-1234.trycloudflare.com  +"

	urls, err := m.Start()
	if err != nil {
		t.Fatal(err)
	}
	if urls.HTTPURL != "https://witty-otter-1234.trycloudflare.com" {
		t.Fatalf("httpURL = %q", urls.HTTPURL)
	}
	if urls.WSURL != "wss://witty-otter-1234.trycloudflare.com" {
		t.Fatalf("wsURL = %q", urls.WSURL)
	}
	m.Stop()
}

func TestNamedModeWaitsForRegistration(t *testing.T) {
	p := newFakeProc()
	script := &procScript{procs: []*fakeProc{p}}
	m, err := NewManager(Config{Mode: ModeNamed, Port: 8765, Hostname: "dev.example.com", Name: "dev"}, script.launcher)
	if err != nil {
		t.Fatal(err)
	}
	m.startTimeout = 2 * time.Second

	p.output <- "2026-08-25 INF Starting tunnel tunnelID=abc"
	p.output <- "2026-08-25 INF Registered tunnel connection connIndex=0"

	urls, err := m.Start()
	if err != nil {
		t.Fatal(err)
	}
	if urls.HTTPURL != "https://dev.example.com" {
		t.Fatalf("httpURL = %q", urls.HTTPURL)
	}
	m.Stop()
}

func TestNamedModeRequiresHostname(t *testing.T) {
	_, err := NewManager(Config{Mode: ModeNamed, Port: 8765}, nil)
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestStartFailsWhenChildExitsEarly(t *testing.T) {
	p := newFakeProc()
	script := &procScript{procs: []*fakeProc{p}}
	m := newQuickManager(t, script)

	p.exit(ExitStatus{Code: 1})
	if _, err := m.Start(); !errors.Is(err, ErrStart) {
		t.Fatalf("err = %v, want ErrStart", err)
	}
}

func TestRecoveryAfterUnexpectedExit(t *testing.T) {
	p1, p2 := newFakeProc(), newFakeProc()
	script := &procScript{procs: []*fakeProc{p1, p2}}
	m := newQuickManager(t, script)
	_, await := collectEvents(m)

	p1.output <- "https://first-0000.trycloudflare.com"
	if _, err := m.Start(); err != nil {
		t.Fatal(err)
	}

	// Child dies; the replacement publishes a different URL.
	p2.output <- "https://second-1111.trycloudflare.com"
	p1.exit(ExitStatus{Code: 1})

	rec := await(EventRecovered)
	if rec.Type == "" {
		t.Fatal("tunnel never recovered")
	}
	if rec.HTTPURL != "https://second-1111.trycloudflare.com" {
		t.Fatalf("recovered URL = %q", rec.HTTPURL)
	}
	changed := await(EventURLChanged)
	if changed.OldURL != "https://first-0000.trycloudflare.com" || changed.NewURL != "https://second-1111.trycloudflare.com" {
		t.Fatalf("url_changed = %+v", changed)
	}
	m.Stop()
}

func TestRecoveryExhaustionPublishesFailure(t *testing.T) {
	p1 := newFakeProc()
	script := &procScript{
		procs: []*fakeProc{p1, nil, nil, nil},
		errs:  []error{nil, errors.New("no binary"), errors.New("no binary"), errors.New("no binary")},
	}
	m := newQuickManager(t, script)
	all, await := collectEvents(m)

	p1.output <- "https://first-0000.trycloudflare.com"
	if _, err := m.Start(); err != nil {
		t.Fatal(err)
	}
	p1.exit(ExitStatus{Code: 9})

	failed := await(EventFailed)
	if failed.Type == "" {
		t.Fatal("tunnel_failed never published")
	}

	recovering := 0
	for _, ev := range all() {
		if ev.Type == EventRecovering {
			recovering++
		}
	}
	if recovering != 3 {
		t.Fatalf("recovery attempts = %d, want 3", recovering)
	}
}

func TestIntentionalStopSuppressesRecovery(t *testing.T) {
	p1 := newFakeProc()
	script := &procScript{procs: []*fakeProc{p1}}
	m := newQuickManager(t, script)
	all, _ := collectEvents(m)

	p1.output <- "https://first-0000.trycloudflare.com"
	if _, err := m.Start(); err != nil {
		t.Fatal(err)
	}

	m.Stop()
	time.Sleep(50 * time.Millisecond)

	for _, ev := range all() {
		if ev.Type == EventLost || ev.Type == EventRecovering {
			t.Fatalf("event %q after intentional stop", ev.Type)
		}
	}
}
