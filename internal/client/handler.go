package client

import (
	"encoding/json"

	"github.com/clawdeck/clawdeck/internal/protocol"
)

// Handler applies inbound frames to a Store. It never panics on malformed
// input: frames without a type, unknown types, and wrongly-typed fields all
// degrade to no-ops.
type Handler struct {
	store    *Store
	handlers map[string]func(map[string]interface{})
}

// NewHandler builds the dispatcher table over store.
func NewHandler(store *Store) *Handler {
	h := &Handler{store: store}
	h.handlers = map[string]func(map[string]interface{}){
		protocol.TypeAuthOK:                   h.onAuthOK,
		protocol.TypeServerMode:               h.onServerMode,
		protocol.TypeSessionList:              h.onSessionList,
		protocol.TypeSessionSwitched:          h.onSessionSwitched,
		protocol.TypePrimaryChanged:           h.onPrimaryChanged,
		protocol.TypeClientJoined:             h.onClientJoined,
		protocol.TypeClientLeft:               h.onClientLeft,
		protocol.TypeDirectoryListing:         h.onDirectoryListing,
		protocol.TypeAvailableModels:          h.onAvailableModels,
		protocol.TypeAvailablePermissionModes: h.onAvailablePermissionModes,
		protocol.TypeError:                    h.onError,
		protocol.TypeSessionError:             h.onError,
		protocol.TypeServerError:              h.onServerError,
	}
	return h
}

// Handle decodes and dispatches one raw frame. Returns true when a handler
// ran; false frames were skipped (malformed, typeless, or unknown type).
func (h *Handler) Handle(raw []byte) bool {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	typ, ok := asString(m["type"])
	if !ok || typ == "" {
		return false
	}
	fn, ok := h.handlers[typ]
	if !ok {
		return false
	}
	fn(m)
	return true
}

func (h *Handler) onAuthOK(m map[string]interface{}) {
	s := h.store
	s.mu.Lock()
	if id, ok := asString(m["clientId"]); ok {
		s.clientID = id
	}
	if v, ok := asString(m["serverMode"]); ok {
		s.serverMode = v
	}
	if v, ok := asString(m["serverVersion"]); ok {
		s.serverVersion = v
	}
	if v, ok := asString(m["cwd"]); ok {
		s.cwd = v
	}
	if peers, ok := m["connectedClients"].([]interface{}); ok {
		for _, p := range peers {
			if info, ok := peerFrom(p); ok {
				s.peers[info.ClientID] = info
			}
		}
	}
	s.mu.Unlock()
}

func (h *Handler) onServerMode(m map[string]interface{}) {
	if v, ok := asString(m["mode"]); ok {
		h.store.mu.Lock()
		h.store.serverMode = v
		h.store.mu.Unlock()
	}
}

func (h *Handler) onSessionList(m map[string]interface{}) {
	raw, ok := m["sessions"].([]interface{})
	if !ok {
		return
	}
	entries := make([]SessionEntry, 0, len(raw))
	for _, r := range raw {
		sm, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		var e SessionEntry
		e.ID, _ = asString(sm["id"])
		e.Name, _ = asString(sm["name"])
		e.Cwd, _ = asString(sm["cwd"])
		e.Kind, _ = asString(sm["kind"])
		e.IsBusy, _ = sm["isBusy"].(bool)
		if e.ID == "" {
			continue
		}
		entries = append(entries, e)
	}
	h.store.mu.Lock()
	h.store.sessions = entries
	h.store.mu.Unlock()
}

func (h *Handler) onSessionSwitched(m map[string]interface{}) {
	if id, ok := asString(m["sessionId"]); ok {
		h.store.mu.Lock()
		h.store.activeSessionID = id
		h.store.mu.Unlock()
	}
}

// onPrimaryChanged tracks ownership per session. Only the "default" session
// (or an absent id) touches the legacy flat field; an unknown multi-session
// id must never clobber single-session state.
func (h *Handler) onPrimaryChanged(m map[string]interface{}) {
	sessionID, _ := asString(m["sessionId"])
	clientID, hasClient := asString(m["clientId"])

	s := h.store
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionID
	if key == "" {
		key = "default"
	}
	if hasClient && clientID != "" {
		s.primaries[key] = clientID
	} else {
		delete(s.primaries, key)
	}
	if sessionID == "" || sessionID == "default" {
		if hasClient {
			s.legacyPrimary = clientID
		} else {
			s.legacyPrimary = ""
		}
	}
}

// onClientJoined dedupes by clientId: a rejoining peer replaces its old
// record instead of appearing twice.
func (h *Handler) onClientJoined(m map[string]interface{}) {
	info, ok := peerFrom(m["client"])
	if !ok {
		// Flat form used by older servers.
		info, ok = peerFrom(m)
	}
	if !ok {
		return
	}
	h.store.mu.Lock()
	h.store.peers[info.ClientID] = info
	h.store.mu.Unlock()
}

func (h *Handler) onClientLeft(m map[string]interface{}) {
	id, ok := asString(m["clientId"])
	if !ok || id == "" {
		return
	}
	h.store.mu.Lock()
	delete(h.store.peers, id)
	h.store.mu.Unlock()
}

func (h *Handler) onDirectoryListing(m map[string]interface{}) {
	fn := h.store.takeDirCallback()
	if fn == nil {
		return
	}
	var listing DirListing
	listing.Path, _ = asString(m["path"])
	listing.Err, _ = asString(m["error"])
	if entries, ok := m["entries"].([]interface{}); ok {
		for _, e := range entries {
			em, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			var de DirEntry
			de.Name, _ = asString(em["name"])
			de.IsDir, _ = em["isDir"].(bool)
			if de.Name != "" {
				listing.Entries = append(listing.Entries, de)
			}
		}
	}
	fn(listing)
}

func (h *Handler) onAvailableModels(m map[string]interface{}) {
	if models, ok := asStrings(m["models"]); ok {
		h.store.mu.Lock()
		h.store.models = models
		h.store.mu.Unlock()
	}
}

func (h *Handler) onAvailablePermissionModes(m map[string]interface{}) {
	if modes, ok := asStrings(m["modes"]); ok {
		h.store.mu.Lock()
		h.store.permissionModes = modes
		h.store.mu.Unlock()
	}
}

func (h *Handler) onError(m map[string]interface{}) {
	if msg, ok := asString(m["message"]); ok {
		h.store.mu.Lock()
		h.store.lastError = msg
		h.store.mu.Unlock()
	}
}

func (h *Handler) onServerError(m map[string]interface{}) {
	msg, _ := asString(m["message"])
	cat, _ := asString(m["category"])
	h.store.mu.Lock()
	if cat != "" {
		h.store.lastError = cat + ": " + msg
	} else {
		h.store.lastError = msg
	}
	h.store.mu.Unlock()
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asStrings(v interface{}) ([]string, bool) {
	raw, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

func peerFrom(v interface{}) (PeerInfo, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return PeerInfo{}, false
	}
	var p PeerInfo
	p.ClientID, _ = asString(m["clientId"])
	if p.ClientID == "" {
		return PeerInfo{}, false
	}
	p.DeviceName, _ = asString(m["deviceName"])
	p.DeviceType, _ = asString(m["deviceType"])
	p.Platform, _ = asString(m["platform"])
	return p, true
}
