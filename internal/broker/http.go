package broker

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Router builds the HTTP surface served on the external port.
func (b *Broker) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/", b.handleRoot)
	r.Get("/health", b.handleHealth)
	r.Post("/permission", b.handlePermission)
	r.Get("/ws", b.HandleWS)

	return r
}

func (b *Broker) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"metrics": map[string]interface{}{
			"clients":   b.ClientCount(),
			"sessions":  len(b.hub.List()),
			"startedAt": b.startedAt.UTC().Format(time.RFC3339),
		},
	})
}

func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !b.isReady() {
		writeError(w, http.StatusServiceUnavailable, "websocket listener not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// permissionBody is the hook-side request for a tool approval.
type permissionBody struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
}

// handlePermission is the out-of-band permission bridge. The HTTP call blocks
// until a connected client decides or the timeout denies.
func (b *Broker) handlePermission(w http.ResponseWriter, r *http.Request) {
	if b.cfg.AuthRequired && !b.authorized(r) {
		writeError(w, http.StatusForbidden, "invalid or missing token")
		return
	}

	var body permissionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.ToolName == "" {
		writeError(w, http.StatusBadRequest, "tool_name is required")
		return
	}

	decision := b.RequestPermission(r.Context(), body.ToolName, body.ToolInput)
	resp := map[string]string{"decision": decision}
	if decision == "deny" {
		resp["message"] = "request denied"
	}
	writeJSON(w, http.StatusOK, resp)
}

// authorized checks the permission bridge's token, which mirrors the WS auth
// posture. Accepts a bearer header or a token query parameter (hooks run
// from shell one-liners).
func (b *Broker) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == b.cfg.Token
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok == b.cfg.Token
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[broker] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
