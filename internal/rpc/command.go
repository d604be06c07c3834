// Package rpc implements the transport-agnostic command plane: typed
// commands in, one response out, session events delivered separately through
// the event bus.
package rpc

import "encoding/json"

// Command is one request to the session. Type discriminates; the remaining
// fields are command-specific and ignored elsewhere.
type Command struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`

	// prompt / steer / follow_up
	Message           string `json:"message,omitempty"`
	StreamingBehavior string `json:"streamingBehavior,omitempty"`

	// set_model
	Model string `json:"model,omitempty"`
	// set_thinking_level
	Level string `json:"level,omitempty"`

	// toggles
	Enabled *bool `json:"enabled,omitempty"`

	// compact
	Instructions string `json:"instructions,omitempty"`

	// bash
	Command string `json:"command,omitempty"`

	// session navigation
	SessionID string `json:"sessionId,omitempty"`
	EntryID   string `json:"entryId,omitempty"`
	// Summary, when set on switch_session, records a branch summary of the
	// abandoned branch before switching.
	Summary string `json:"summary,omitempty"`

	// export_html
	Path string `json:"path,omitempty"`

	// set_session_name
	Name string `json:"name,omitempty"`

	// extension_ui_response (transport-level, resolved before dispatch)
	RequestID string          `json:"requestId,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// Response is the uniform command reply envelope.
type Response struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"` // always "response"
	Command string `json:"command"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(cmd *Command, data any) Response {
	return Response{ID: cmd.ID, Type: "response", Command: cmd.Type, Success: true, Data: data}
}

func fail(cmd *Command, err error) Response {
	return Response{ID: cmd.ID, Type: "response", Command: cmd.Type, Success: false, Error: err.Error()}
}

func failMsg(cmd *Command, msg string) Response {
	return Response{ID: cmd.ID, Type: "response", Command: cmd.Type, Success: false, Error: msg}
}
