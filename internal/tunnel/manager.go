// Package tunnel owns the child process that publishes the local server at a
// stable external URL, and recovers transparently when that child dies.
package tunnel

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Modes.
const (
	ModeQuick = "quick" // URL harvested from child output; changes per restart
	ModeNamed = "named" // URL fixed by configuration
)

var (
	// ErrConfig covers invalid tunnel configuration (named mode without a
	// hostname). Fatal at startup.
	ErrConfig = errors.New("tunnel: invalid configuration")
	// ErrStart means the child exited before publishing a URL.
	ErrStart = errors.New("tunnel: child exited before publishing a URL")
)

// Event types emitted to subscribers.
const (
	EventLost       = "tunnel_lost"
	EventRecovering = "tunnel_recovering"
	EventRecovered  = "tunnel_recovered"
	EventURLChanged = "tunnel_url_changed"
	EventFailed     = "tunnel_failed"
)

// Event describes a tunnel lifecycle transition.
type Event struct {
	Type         string `json:"type"`
	Attempt      int    `json:"attempt,omitempty"`
	DelayMs      int64  `json:"delayMs,omitempty"`
	HTTPURL      string `json:"httpUrl,omitempty"`
	WSURL        string `json:"wsUrl,omitempty"`
	OldURL       string `json:"oldUrl,omitempty"`
	NewURL       string `json:"newUrl,omitempty"`
	Code         int    `json:"code,omitempty"`
	Signal       string `json:"signal,omitempty"`
	Message      string `json:"message,omitempty"`
	LastExitCode int    `json:"lastExitCode,omitempty"`
}

// ExitStatus reports how the child died.
type ExitStatus struct {
	Code   int
	Signal string
}

// Proc is a handle to a running tunnel child. Output carries stderr lines;
// Done fires once on exit.
type Proc struct {
	Output <-chan string
	Done   <-chan ExitStatus
	Kill   func()
}

// Launcher starts the tunnel binary. Production uses ExecLauncher; tests
// inject fakes.
type Launcher func(cfg Config) (*Proc, error)

// Config describes the tunnel to run.
type Config struct {
	Mode     string
	Port     int
	Hostname string // named mode external hostname
	Name     string // named mode tunnel name
	Binary   string // defaults to "cloudflared"
}

// URLs is the pair of external endpoints the tunnel publishes.
type URLs struct {
	HTTPURL string
	WSURL   string
}

// recoverySchedule is the per-attempt delay before a respawn. After the last
// attempt fails the tunnel is declared dead.
var recoverySchedule = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}

// quickURLPattern matches the published URL in quick-mode child output.
var quickURLPattern = regexp.MustCompile(`https://[a-zA-Z0-9-]+\.trycloudflare\.com`)

// namedReadyMarker is the child output line gating named-mode readiness.
const namedReadyMarker = "Registered tunnel connection"

// Manager supervises one tunnel child.
type Manager struct {
	cfg    Config
	launch Launcher

	startTimeout time.Duration
	schedule     []time.Duration
	sleep        func(time.Duration) // test hook

	mu          sync.Mutex
	proc        *Proc
	urls        URLs
	intentional bool

	subMu sync.Mutex
	subs  []func(Event)
}

// NewManager validates cfg and returns a Manager. launch may be nil, in
// which case the cloudflared ExecLauncher is used.
func NewManager(cfg Config, launch Launcher) (*Manager, error) {
	if cfg.Mode != ModeQuick && cfg.Mode != ModeNamed {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrConfig, cfg.Mode)
	}
	if cfg.Mode == ModeNamed && cfg.Hostname == "" {
		return nil, fmt.Errorf("%w: named mode requires a hostname", ErrConfig)
	}
	if cfg.Binary == "" {
		cfg.Binary = "cloudflared"
	}
	if launch == nil {
		launch = ExecLauncher
	}
	return &Manager{
		cfg:          cfg,
		launch:       launch,
		startTimeout: 30 * time.Second,
		schedule:     recoverySchedule,
		sleep:        time.Sleep,
	}, nil
}

// Subscribe registers an event callback. Callbacks run on the manager's
// monitor goroutine and must not block.
func (m *Manager) Subscribe(fn func(Event)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subs = append(m.subs, fn)
}

func (m *Manager) publish(ev Event) {
	m.subMu.Lock()
	subs := append([]func(Event){}, m.subs...)
	m.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Start launches the tunnel and blocks until the external URL is known.
func (m *Manager) Start() (URLs, error) {
	proc, urls, err := m.spawn()
	if err != nil {
		return URLs{}, err
	}

	m.mu.Lock()
	m.proc = proc
	m.urls = urls
	m.mu.Unlock()

	log.Printf("[tunnel] up at %s", urls.HTTPURL)
	go m.monitor(proc)
	return urls, nil
}

// spawn launches one child and waits for it to publish a URL.
func (m *Manager) spawn() (*Proc, URLs, error) {
	proc, err := m.launch(m.cfg)
	if err != nil {
		return nil, URLs{}, fmt.Errorf("%w: %v", ErrStart, err)
	}

	deadline := time.After(m.startTimeout)
	for {
		select {
		case line, ok := <-proc.Output:
			if !ok {
				proc.Output = nil
				continue
			}
			if urls, ok := m.matchURL(line); ok {
				go drainOutput(proc.Output)
				return proc, urls, nil
			}
		case st := <-proc.Done:
			return nil, URLs{}, fmt.Errorf("%w (exit code %d)", ErrStart, st.Code)
		case <-deadline:
			proc.Kill()
			return nil, URLs{}, fmt.Errorf("%w (timed out)", ErrStart)
		}
	}
}

// matchURL decides whether a child output line makes the tunnel "up".
func (m *Manager) matchURL(line string) (URLs, bool) {
	if m.cfg.Mode == ModeNamed {
		if !strings.Contains(line, namedReadyMarker) {
			return URLs{}, false
		}
		httpURL := "https://" + m.cfg.Hostname
		return URLs{HTTPURL: httpURL, WSURL: toWS(httpURL)}, true
	}
	match := quickURLPattern.FindString(line)
	if match == "" {
		return URLs{}, false
	}
	return URLs{HTTPURL: match, WSURL: toWS(match)}, true
}

// monitor watches the child and runs the recovery schedule on unexpected
// exit. Tunnel failures never escalate to the supervisor until the schedule
// is exhausted.
func (m *Manager) monitor(proc *Proc) {
	st := <-proc.Done

	m.mu.Lock()
	intentional := m.intentional
	oldURLs := m.urls
	m.mu.Unlock()
	if intentional {
		return
	}

	log.Printf("[tunnel] lost (code=%d signal=%s)", st.Code, st.Signal)
	m.publish(Event{Type: EventLost, Code: st.Code, Signal: st.Signal})

	lastExit := st.Code
	for attempt := 1; attempt <= len(m.schedule); attempt++ {
		delay := m.schedule[attempt-1]
		m.publish(Event{Type: EventRecovering, Attempt: attempt, DelayMs: delay.Milliseconds()})
		m.sleep(delay)

		m.mu.Lock()
		intentional = m.intentional
		m.mu.Unlock()
		if intentional {
			return
		}

		next, urls, err := m.spawn()
		if err != nil {
			log.Printf("[tunnel] recovery attempt %d failed: %v", attempt, err)
			continue
		}

		m.mu.Lock()
		m.proc = next
		m.urls = urls
		m.mu.Unlock()

		m.publish(Event{Type: EventRecovered, Attempt: attempt, HTTPURL: urls.HTTPURL, WSURL: urls.WSURL})
		if urls.HTTPURL != oldURLs.HTTPURL {
			m.publish(Event{Type: EventURLChanged, OldURL: oldURLs.HTTPURL, NewURL: urls.HTTPURL})
		}
		log.Printf("[tunnel] recovered at %s (attempt %d)", urls.HTTPURL, attempt)
		go m.monitor(next)
		return
	}

	m.publish(Event{Type: EventFailed, Message: "tunnel recovery exhausted", LastExitCode: lastExit})
	log.Printf("[tunnel] recovery exhausted")
}

// CurrentURLs returns the last observed external endpoints.
func (m *Manager) CurrentURLs() URLs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.urls
}

// Stop kills the child and suppresses recovery.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.intentional = true
	proc := m.proc
	m.mu.Unlock()
	if proc != nil {
		proc.Kill()
	}
}

func toWS(httpURL string) string {
	if strings.HasPrefix(httpURL, "https://") {
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	}
	return "ws://" + strings.TrimPrefix(httpURL, "http://")
}

func drainOutput(ch <-chan string) {
	if ch == nil {
		return
	}
	for range ch {
	}
}
