package event

import "github.com/agentd-ai/agentd/pkg/types"

// EventType is the outer event name as delivered to subscribers.
type EventType string

const (
	// AgentEvent carries every scheduler-originated lifecycle, delta, or
	// tool update.
	AgentEvent EventType = "agent_event"
	// ExtensionUIRequest is a UI round-trip request from an extension.
	ExtensionUIRequest EventType = "extension_ui_request"
	// ExtensionError reports a faulted extension handler.
	ExtensionError EventType = "extension_error"
)

// Agent event kinds, the inner discriminator of AgentEventData.
const (
	AgentStart      = "agent_start"
	AgentEnd        = "agent_end"
	TurnStart       = "turn_start"
	TurnEnd         = "turn_end"
	MessageStart    = "message_start"
	MessageEnd      = "message_end"
	TextDelta       = "text_delta"
	ReasoningDelta  = "reasoning_delta"
	ToolCallStart   = "tool_call_start"
	ToolCallDelta   = "tool_call_delta"
	ToolUpdate      = "tool_update"
	ToolResult      = "tool_result"
	UsageUpdate     = "usage_update"
	Retry           = "retry"
	CompactionStart = "compaction_start"
	CompactionEnd   = "compaction_end"
	EntryAppended   = "entry_appended"
	StateChange     = "state_change"
	TurnError       = "error"
)

// Event is one bus message.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// AgentEventData is the payload of every AgentEvent.
type AgentEventData struct {
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"`

	EntryID    string `json:"entryId,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`

	// Delta carries streamed text/reasoning/argument fragments.
	Delta string `json:"delta,omitempty"`
	// Content carries tool update/result text.
	Content string         `json:"content,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	IsError bool           `json:"isError,omitempty"`

	Usage   *types.TokenUsage `json:"usage,omitempty"`
	Attempt int               `json:"attempt,omitempty"`
	State   string            `json:"state,omitempty"`
	Error   string            `json:"error,omitempty"`

	Entry *types.Entry `json:"entry,omitempty"`
}

// UIRequestData is the payload of an ExtensionUIRequest.
type UIRequestData struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId,omitempty"` // empty for fire-and-forget
	Method    string `json:"method"`
	Payload   any    `json:"payload,omitempty"`
}

// ExtensionErrorData is the payload of an ExtensionError.
type ExtensionErrorData struct {
	SessionID string `json:"sessionId"`
	Extension string `json:"extension"`
	Event     string `json:"event"`
	Error     string `json:"error"`
}
