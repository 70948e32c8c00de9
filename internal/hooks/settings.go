// Package hooks manages the permission hook entry in the host agent's shared
// settings file.
//
// The settings file is read and written by every session as well as by the
// agent binary itself, so every read-modify-write cycle runs under a single
// process-wide mutex. All sessions funnel their registration through one
// Manager instance; per-session writes are the race this package exists to
// close.
package hooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// managedKey marks hook entries owned by this server. Unregister removes
// every entry carrying it, regardless of how many registrations happened.
const managedKey = "clawdeckManaged"

// HookTimeoutSeconds is the timeout recorded in the hook entry. The
// permission HTTP bridge uses the same bound for its blocking wait.
const HookTimeoutSeconds = 300

// settingsMu serializes all settings-file mutations in this process.
var settingsMu sync.Mutex

// Manager registers and removes the permission-prompt hook in a settings
// file. Safe for concurrent use.
type Manager struct {
	path    string
	command string
}

// NewManager returns a Manager for the settings file at path. command is the
// hook command line the agent invokes on tool use.
func NewManager(path, command string) *Manager {
	return &Manager{path: path, command: command}
}

// withSettingsLock runs fn while holding the process-wide settings lock.
func withSettingsLock(fn func() error) error {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	return fn()
}

// Register installs the permission hook. Idempotent: any number of calls
// leaves exactly one managed entry.
func (m *Manager) Register() error {
	return withSettingsLock(func() error {
		settings, err := m.read()
		if errors.Is(err, os.ErrNotExist) {
			settings = map[string]interface{}{}
		} else if err != nil {
			return err
		}

		entries := hookEntries(settings)
		entries = removeManaged(entries)
		entries = append(entries, map[string]interface{}{
			"matcher": "*",
			"hooks": []interface{}{
				map[string]interface{}{
					"type":    "command",
					"command": m.command,
					"timeout": HookTimeoutSeconds,
				},
			},
			managedKey: true,
		})
		setHookEntries(settings, entries)

		return m.write(settings)
	})
}

// Unregister removes every managed hook entry. Entries written by the user
// or other tools are left alone.
func (m *Manager) Unregister() error {
	return withSettingsLock(func() error {
		settings, err := m.read()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}

		entries := removeManaged(hookEntries(settings))
		setHookEntries(settings, entries)

		return m.write(settings)
	})
}

// ManagedCount reports how many managed entries the file currently holds.
func (m *Manager) ManagedCount() (int, error) {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	settings, err := m.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, e := range hookEntries(settings) {
		if isManaged(e) {
			n++
		}
	}
	return n, nil
}

// read parses the settings file, preserving unknown fields. A missing file
// surfaces os.ErrNotExist; Register treats that as an empty settings object,
// Unregister as nothing to do.
func (m *Manager) read() (map[string]interface{}, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	var settings map[string]interface{}
	if err := json.Unmarshal(b, &settings); err != nil {
		return nil, fmt.Errorf("parse settings file: %w", err)
	}
	if settings == nil {
		settings = map[string]interface{}{}
	}
	return settings, nil
}

// write persists the settings atomically (temp file + rename).
func (m *Manager) write(settings map[string]interface{}) error {
	b, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

func hookEntries(settings map[string]interface{}) []interface{} {
	hooks, _ := settings["hooks"].(map[string]interface{})
	entries, _ := hooks["PreToolUse"].([]interface{})
	return entries
}

func setHookEntries(settings map[string]interface{}, entries []interface{}) {
	hooks, ok := settings["hooks"].(map[string]interface{})
	if !ok {
		hooks = map[string]interface{}{}
		settings["hooks"] = hooks
	}
	hooks["PreToolUse"] = entries
}

func removeManaged(entries []interface{}) []interface{} {
	out := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		if !isManaged(e) {
			out = append(out, e)
		}
	}
	return out
}

func isManaged(entry interface{}) bool {
	obj, ok := entry.(map[string]interface{})
	if !ok {
		return false
	}
	flag, _ := obj[managedKey].(bool)
	return flag
}
