// Package wsproto implements the websocket wire protocol the terminal core
// exposes to clients (spec.md §6.1): JSON text frames over
// github.com/gorilla/websocket, with a bounded outbound queue per
// connection (internal/flowctl) draining on a fixed-interval flush loop.
//
// gorilla/websocket is grounded on the pack's other terminal-over-websocket
// examples (server-terminal in the mobile-coding-connector repo and the
// termbrowser repo), since the teacher's own daemon speaks a length-prefixed
// frame protocol over a Unix socket instead of HTTP/websocket.
package wsproto

import "encoding/json"

// Incoming message types, sent client -> server.
const (
	TypeAttach = "attach"
	TypeInput  = "input"
	TypeResize = "resize"
	TypeClose  = "close"
	TypeList   = "list"
	TypePing   = "ping"
)

// Outgoing message types, sent server -> client.
const (
	TypeReady    = "ready"
	TypeOutput   = "output"
	TypeExit     = "exit"
	TypeState    = "state"
	TypeSessions = "sessions"
	TypePong     = "pong"
	TypeError    = "error"
)

// Envelope is the common shape of every frame: a type tag plus a
// type-specific payload decoded lazily by the dispatcher.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AttachRequest opens or reattaches a session.
type AttachRequest struct {
	SessionID  string            `json:"session_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	Persistent bool              `json:"persistent,omitempty"`
	Shell      string            `json:"shell,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Cols       uint16            `json:"cols,omitempty"`
	Rows       uint16            `json:"rows,omitempty"`
	ReplayTail int               `json:"replay_tail,omitempty"`
}

// InputRequest sends raw bytes (as text) to a session's stdin.
type InputRequest struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// ResizeRequest updates a session's PTY window size.
type ResizeRequest struct {
	SessionID string `json:"session_id"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// CloseRequest asks the server to terminate a session.
type CloseRequest struct {
	SessionID string `json:"session_id"`
}

// ReadyResponse confirms a session is attached and ready for input. When
// sent immediately after connect (before any attach), only
// ConnectionID/ClientID/Timestamp are populated. On a successful attach,
// Session carries the full session-metadata payload spec.md §4.5 defines
// and Replay carries the scrollback tail.
type ReadyResponse struct {
	ConnectionID string       `json:"connection_id,omitempty"`
	ClientID     string       `json:"client_id,omitempty"`
	Timestamp    string       `json:"timestamp,omitempty"`
	Session      *SessionInfo `json:"session,omitempty"`
	SessionID    string       `json:"session_id,omitempty"`
	Cols         uint16       `json:"cols,omitempty"`
	Rows         uint16       `json:"rows,omitempty"`
	Replay       string       `json:"replay,omitempty"`
}

// PongResponse answers a ping with the server's current time.
type PongResponse struct {
	Timestamp string `json:"timestamp"`
}

// OutputResponse carries a chunk of a session's PTY output.
type OutputResponse struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
	Ts        string `json:"ts"`
}

// ExitResponse reports how a session's child process ended.
type ExitResponse struct {
	SessionID string  `json:"session_id"`
	ExitCode  *int    `json:"exit_code,omitempty"`
	Signal    *string `json:"signal,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Ts        string  `json:"ts"`
}

// StateResponse reports a session's lifecycle state transition, carrying
// the full session-metadata payload (spec.md §4.5: `state` (`session`
// metadata)). Session.Reason is set for sweep-driven transitions (e.g.
// "idle-timeout", spec.md §8 scenario 8); it is empty for an ordinary
// client-requested close.
type StateResponse struct {
	Session SessionInfo `json:"session"`
}

// SessionInfo is one entry in a SessionsResponse listing, and doubles as
// the session-metadata payload spec.md §4.5 defines for `ready`/`state`
// frames carrying a full session snapshot.
type SessionInfo struct {
	SessionID           string  `json:"session_id"`
	ClientID            string  `json:"client_id"`
	Name                string  `json:"name,omitempty"`
	Shell               string  `json:"shell,omitempty"`
	ShellType           string  `json:"shell_type,omitempty"`
	Cwd                 string  `json:"cwd,omitempty"`
	Persistent          bool    `json:"persistent"`
	State               string  `json:"state"`
	Reason              string  `json:"reason,omitempty"`
	Cols                uint16  `json:"cols"`
	Rows                uint16  `json:"rows"`
	CreatedAt           string  `json:"created_at"`
	LastActive          string  `json:"last_active_at"`
	ExitCode            *int    `json:"exit_code,omitempty"`
	Signal              *string `json:"signal,omitempty"`
	AttachedConnections int     `json:"attached_connections"`
	FlowPaused          bool    `json:"flow_paused"`
	BufferBytes         int     `json:"buffer_bytes"`
	IdleHint            bool    `json:"idle_hint"`
}

// SessionsResponse answers a list request.
type SessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// ErrorResponse reports a typed failure back to the client.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
