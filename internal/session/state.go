package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fernet/fernet-go"
)

// StateMaxAge is how old a persisted snapshot may be before restoration
// rejects it. A restart that takes longer than this is not a restart any
// more; resuming stale agent sessions would be confusing.
const StateMaxAge = 5 * time.Minute

// PersistedSession is the minimum needed to resume one session.
type PersistedSession struct {
	Name           string `json:"name"`
	Cwd            string `json:"cwd"`
	Kind           string `json:"kind"`
	Source         string `json:"source,omitempty"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	// ExternalResumeToken is fernet-encrypted at rest.
	ExternalResumeToken string `json:"externalResumeToken,omitempty"`
}

type persistedState struct {
	Timestamp time.Time          `json:"timestamp"`
	Sessions  []PersistedSession `json:"sessions"`
}

// StatePersister writes and restores the session snapshot across a restart.
// Resume tokens are encrypted with a fernet key kept next to the state file.
type StatePersister struct {
	path string
	key  *fernet.Key
}

// NewStatePersister loads (or creates) the encryption key and returns a
// persister for the given state file path.
func NewStatePersister(statePath, keyPath string) (*StatePersister, error) {
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}
	return &StatePersister{path: statePath, key: key}, nil
}

func loadOrCreateKey(path string) (*fernet.Key, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		keys, derr := fernet.DecodeKeys(string(b))
		if derr != nil {
			return nil, fmt.Errorf("decode state key: %w", derr)
		}
		return keys[0], nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	var key fernet.Key
	if err := key.Generate(); err != nil {
		return nil, fmt.Errorf("generate state key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(key.Encode()), 0o600); err != nil {
		return nil, fmt.Errorf("write state key: %w", err)
	}
	return &key, nil
}

// Save snapshots every live session to disk atomically (temp + rename).
// Called by the child server when it receives a drain request.
func (p *StatePersister) Save(m *Manager) error {
	m.mu.RLock()
	state := persistedState{Timestamp: time.Now()}
	for _, s := range m.sessions {
		ps := PersistedSession{
			Name:           s.Name,
			Cwd:            s.Cwd,
			Kind:           string(s.Kind),
			Source:         s.Source,
			Model:          s.Model(),
			PermissionMode: s.PermissionMode(),
		}
		if token := s.drv.ResumeToken(); token != "" {
			enc, err := fernet.EncryptAndSign([]byte(token), p.key)
			if err == nil {
				ps.ExternalResumeToken = string(enc)
			}
		}
		state.Sessions = append(state.Sessions, ps)
	}
	m.mu.RUnlock()

	b, err := json.MarshalIndent(&state, "", "  ")
	if err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}

// Restore reads the snapshot, deletes the file (consume once), and returns
// the sessions worth resuming. Stale snapshots are discarded; unparseable
// files are removed.
func (p *StatePersister) Restore() ([]PersistedSession, error) {
	b, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	// Consumed exactly once, valid or not.
	os.Remove(p.path)

	var state persistedState
	if err := json.Unmarshal(b, &state); err != nil {
		log.Printf("[session-mgr] discarding unparseable session state: %v", err)
		return nil, nil
	}
	if time.Since(state.Timestamp) > StateMaxAge {
		log.Printf("[session-mgr] discarding stale session state (%s old)", time.Since(state.Timestamp).Round(time.Second))
		return nil, nil
	}

	for i := range state.Sessions {
		ps := &state.Sessions[i]
		if ps.ExternalResumeToken == "" {
			continue
		}
		plain := fernet.VerifyAndDecrypt([]byte(ps.ExternalResumeToken), 0, []*fernet.Key{p.key})
		if plain == nil {
			// Undecryptable token: resume without it rather than fail.
			ps.ExternalResumeToken = ""
			continue
		}
		ps.ExternalResumeToken = string(plain)
	}
	return state.Sessions, nil
}

// RestoreInto re-attaches persisted sessions through the manager. Failures
// are logged and skipped; restoration is best-effort by design.
func (p *StatePersister) RestoreInto(m *Manager) int {
	persisted, err := p.Restore()
	if err != nil {
		log.Printf("[session-mgr] restore state: %v", err)
		return 0
	}
	restored := 0
	for _, ps := range persisted {
		_, err := m.Attach(AttachRequest{
			Source:      ps.Source,
			Name:        ps.Name,
			Kind:        Kind(ps.Kind),
			Cwd:         ps.Cwd,
			ResumeToken: ps.ExternalResumeToken,
		})
		if err != nil {
			log.Printf("[session-mgr] resume %q: %v", ps.Name, err)
			continue
		}
		restored++
	}
	if restored > 0 {
		log.Printf("[session-mgr] restored %d session(s)", restored)
	}
	return restored
}
