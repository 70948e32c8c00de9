// Package protocol defines the JSON wire protocol spoken between the server
// and mobile clients, plus the close codes used to signal restart intent.
//
// Every frame is a JSON object with a "type" field. Inbound frames are
// decoded into ClientFrame (a tagged union over Type); outbound frames are
// concrete structs serialized per message. Unknown inbound types are dropped
// by the router, never answered.
package protocol

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is bumped when the frame set changes incompatibly.
const ProtocolVersion = 2

// Close codes in the application-reserved range. Clients key their reconnect
// UX on these: 4000 means the server is restarting on purpose and the session
// screen should stay mounted.
const (
	CloseServerRestart = 4000
	CloseAuthFailed    = 4401
)

// Inbound frame types (client → server).
const (
	TypeAuth                 = "auth"
	TypeInput                = "input"
	TypeInterrupt            = "interrupt"
	TypePermissionResponse   = "permission_response"
	TypeUserQuestionResponse = "user_question_response"
	TypeSetModel             = "set_model"
	TypeSetPermissionMode    = "set_permission_mode"
	TypeSwitchSession        = "switch_session"
	TypeAttachSession        = "attach_session"
	TypeResize               = "resize"
	TypeMode                 = "mode"
	TypeSetPrimary           = "set_primary"
	TypeListDirectory        = "list_directory"
)

// Outbound frame types (server → client).
const (
	TypeAuthOK                   = "auth_ok"
	TypePermissionRequest        = "permission_request"
	TypeAuthFail                 = "auth_fail"
	TypeServerMode               = "server_mode"
	TypeStatus                   = "status"
	TypeSessionList              = "session_list"
	TypeSessionSwitched          = "session_switched"
	TypeSessionError             = "session_error"
	TypeAvailableModels          = "available_models"
	TypeAvailablePermissionModes = "available_permission_modes"
	TypePrimaryChanged           = "primary_changed"
	TypeClientJoined             = "client_joined"
	TypeClientLeft               = "client_left"
	TypeServerShuttingDown       = "server_shutting_down"
	TypeServerError              = "server_error"
	TypeError                    = "error"
	TypeDirectoryListing         = "directory_listing"
)

// Agent event types forwarded through the broker. These arrive tagged with
// the originating sessionId.
const (
	EventMessage           = "message"
	EventRaw               = "raw"
	EventStreamStart       = "stream_start"
	EventStreamDelta       = "stream_delta"
	EventStreamEnd         = "stream_end"
	EventToolStart         = "tool_start"
	EventToolResult        = "tool_result"
	EventAgentSpawned      = "agent_spawned"
	EventAgentCompleted    = "agent_completed"
	EventPermissionRequest = "permission_request"
	EventUserQuestion      = "user_question"
	EventResult            = "result"
	EventError             = "error"
	EventStatusUpdate      = "status_update"
	EventClaudeReady       = "claude_ready"
	EventAgentBusy         = "agent_busy"
	EventAgentIdle         = "agent_idle"
)

// ClientFrame is the tagged union for all inbound messages. Only the fields
// relevant to a given Type are populated; everything else stays zero.
type ClientFrame struct {
	Type string `json:"type"`

	// auth
	Token      string `json:"token,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
	Platform   string `json:"platform,omitempty"`

	// input / user_question_response
	Content string `json:"content,omitempty"`
	Answer  string `json:"answer,omitempty"`

	// permission_response
	RequestID string `json:"requestId,omitempty"`
	Decision  string `json:"decision,omitempty"`

	// set_model / set_permission_mode
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`

	// switch_session / set_primary, and the session an input targets
	SessionID string `json:"sessionId,omitempty"`

	// attach_session
	ExternalSource string `json:"externalSource,omitempty"`
	Name           string `json:"name,omitempty"`

	// resize
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`

	// mode
	Mode string `json:"mode,omitempty"`

	// list_directory
	Path string `json:"path,omitempty"`
}

// ClientInfo describes a connected peer, included in auth_ok and
// client_joined broadcasts.
type ClientInfo struct {
	ClientID   string `json:"clientId"`
	DeviceName string `json:"deviceName,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
	Platform   string `json:"platform,omitempty"`
}

// AuthOK is the stable post-authentication contract.
type AuthOK struct {
	Type             string       `json:"type"`
	ClientID         string       `json:"clientId"`
	ServerMode       string       `json:"serverMode"`
	ServerVersion    string       `json:"serverVersion"`
	Cwd              string       `json:"cwd"`
	ConnectedClients []ClientInfo `json:"connectedClients"`
	ProtocolVersion  int          `json:"protocolVersion"`
}

// AuthFail is sent before closing an unauthenticated socket.
type AuthFail struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// SessionInfo is the per-session snapshot sent in session_list frames.
type SessionInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Cwd    string `json:"cwd"`
	Kind   string `json:"kind"`
	IsBusy bool   `json:"isBusy"`
}

// Event is an agent event tagged with its originating session. Events without
// an explicit session implicitly use the receiving client's active session.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PermissionRequest asks clients to approve or deny a tool invocation.
type PermissionRequest struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	SessionID string          `json:"sessionId,omitempty"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
}

// PrimaryChanged broadcasts a change of driving-input ownership for a
// session. ClientID is null when the primary disconnected.
type PrimaryChanged struct {
	Type      string  `json:"type"`
	SessionID string  `json:"sessionId"`
	ClientID  *string `json:"clientId"`
}

// ErrorFrame is the generic reply for rejected or invalid requests. The
// connection stays open.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ServerError is broadcast for infrastructure failures (tunnel loss etc.).
type ServerError struct {
	Type        string `json:"type"`
	Category    string `json:"category"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Status carries coarse server state after auth and on transitions.
type Status struct {
	Type      string    `json:"type"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"startedAt"`
	Sessions  int       `json:"sessions"`
}

// Marshal serializes any frame, panicking on programmer error. Outbound
// frames are all plain data structs, so a marshal failure here is a bug.
func Marshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("protocol: marshal: " + err.Error())
	}
	return b
}
