package session

import (
	"log"
	"os/exec"
	"strings"
)

// Candidate is an external source that could be attached as a session.
type Candidate struct {
	Source  string `json:"source"`  // tmux session name
	Command string `json:"command"` // what its active pane runs
}

// DiscoveryInterval is how often the server probes for candidates.
const DiscoveryInterval = 45 // seconds

// SubscribeDiscovery registers a callback for candidate announcements.
// Candidates are reported, never auto-attached.
func (m *Manager) SubscribeDiscovery(fn func([]Candidate)) {
	m.discMu.Lock()
	defer m.discMu.Unlock()
	m.discSub = append(m.discSub, fn)
}

// ProbeDiscovery scans the host once for tmux sessions running the agent
// binary and announces new findings to subscribers. Already-attached sources
// are filtered out.
func (m *Manager) ProbeDiscovery() {
	candidates, err := m.probeTmux()
	if err != nil {
		// tmux absent or no server running; both are normal.
		return
	}

	m.mu.RLock()
	attached := make(map[string]bool, len(m.sessions))
	for _, s := range m.sessions {
		if s.Source != "" {
			attached[s.Source] = true
		}
	}
	m.mu.RUnlock()

	fresh := candidates[:0]
	for _, c := range candidates {
		if !attached[c.Source] {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		return
	}

	log.Printf("[session-mgr] discovered %d candidate source(s)", len(fresh))
	m.discMu.Lock()
	subs := append([]func([]Candidate){}, m.discSub...)
	m.discMu.Unlock()
	for _, fn := range subs {
		fn(fresh)
	}
}

// probeTmux lists tmux panes and keeps sessions whose active pane runs the
// agent binary.
func (m *Manager) probeTmux() ([]Candidate, error) {
	out, err := exec.Command("tmux", "list-panes", "-a", "-F", "#{session_name}\t#{pane_current_command}").Output()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var candidates []Candidate
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		name, command := parts[0], parts[1]
		if seen[name] || !strings.Contains(command, m.cfg.AgentBinary) {
			continue
		}
		seen[name] = true
		candidates = append(candidates, Candidate{Source: name, Command: command})
	}
	return candidates, nil
}
