// Package stemmgpt defines the shared message types and the socket wire
// types for the stemmgpt relay.
// Socket messages are JSON-encoded and sent over a Unix domain socket, one per line.
package stemmgpt

// Role tags a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single role-tagged turn handed to the inference collaborator.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Sampling holds the generation-control values passed unchanged on every call.
type Sampling struct {
	MaxNewTokens int     `json:"max_new_tokens"`
	DoSample     bool    `json:"do_sample"`
	Temperature  float64 `json:"temperature"`
	TopK         int     `json:"top_k"`
	TopP         float64 `json:"top_p"`
}

// DefaultSampling returns the fixed sampling parameters used by the relay.
func DefaultSampling() Sampling {
	return Sampling{
		MaxNewTokens: 256,
		DoSample:     true,
		Temperature:  0.7,
		TopK:         50,
		TopP:         0.95,
	}
}

// Request is sent from a socket client to the relay daemon.
type Request struct {
	// RequestID is a client-assigned identifier echoed back in the response.
	RequestID int `json:"request_id"`
	// SessionID selects the conversation. Empty means the shared file session.
	SessionID string `json:"session_id,omitempty"`
	// Input is the raw user text.
	Input string `json:"input"`
}

// Response is sent from the daemon back to the socket client.
type Response struct {
	// RequestID is echoed from the request.
	RequestID int `json:"request_id"`
	// Reply is the generated assistant text.
	Reply string `json:"reply"`
	// Error is set when the daemon cannot fulfill the request.
	Error *Error `json:"error,omitempty"`
}

// Error describes a daemon-side error returned to the socket client.
type Error struct {
	// Code is a machine-readable error identifier (e.g. "busy", "generation_error").
	Code string `json:"code"`
	// Message is a human-readable error description.
	Message string `json:"message"`
}

// ControlRequest is sent from a socket client for session and daemon operations.
type ControlRequest struct {
	// Action is "reset", "history" or "status".
	Action string `json:"action"`
	// SessionID selects the session for "reset" and "history".
	SessionID string `json:"session_id,omitempty"`
}

// ControlResponse is sent from the daemon in response to a ControlRequest.
type ControlResponse struct {
	// OK is true when the action was carried out.
	OK bool `json:"ok"`
	// Messages is the session transcript (for "history").
	Messages []Message `json:"messages,omitempty"`
	// State is the file loop state (for "status").
	State string `json:"state,omitempty"`
	// Sessions is the number of live sessions (for "status").
	Sessions int `json:"sessions,omitempty"`
	// Busy reports a generation in flight (for "status").
	Busy bool `json:"busy,omitempty"`
	// Error is set when the operation fails.
	Error *Error `json:"error,omitempty"`
}
