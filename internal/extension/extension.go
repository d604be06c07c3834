// Package extension implements the extension bus: ordered, sequential
// dispatch of session lifecycle events to registered handlers, with
// block/modify/cancel decision merging, plus the UI bridge for extension
// dialogs.
//
// Extensions register at session start. Two populations exist: compiled-in
// extensions (Go values linked into the binary) and MCP servers contributing
// tools over a local transport. Both preserve the same dispatch contract.
package extension

import (
	"context"
	"encoding/json"

	"github.com/cloudwego/eino/schema"

	"github.com/agentd-ai/agentd/internal/tool"
	"github.com/agentd-ai/agentd/pkg/types"
)

// Event names dispatched on the bus.
type Event string

const (
	EventToolCall             Event = "tool_call"
	EventToolResult           Event = "tool_result"
	EventBeforeAgentStart     Event = "before_agent_start"
	EventAgentStart           Event = "agent_start"
	EventAgentEnd             Event = "agent_end"
	EventTurnStart            Event = "turn_start"
	EventTurnEnd              Event = "turn_end"
	EventContext              Event = "context"
	EventInput                Event = "input"
	EventSessionBeforeCompact Event = "session_before_compact"
	EventSessionBeforeSwitch  Event = "session_before_switch"
	EventSessionBeforeFork    Event = "session_before_fork"
	EventSessionShutdown      Event = "session_shutdown"
)

// Payload carries the event-specific data. Handlers for tool_result and
// context see the running merge state: a previous handler's replacement is
// visible to the next.
type Payload struct {
	SessionID string
	Event     Event

	// tool_call / tool_result
	ToolCall   *ToolCallPayload
	ToolResult *ToolResultPayload

	// before_agent_start
	Prompt       string
	SystemPrompt string

	// context: a deep copy of the outgoing message list.
	Messages []*schema.Message

	// input
	Input *InputPayload

	// session_before_compact
	Compact *CompactPayload

	// session_before_switch / session_before_fork
	TargetSessionID string
	TargetEntryID   string
}

// ToolCallPayload describes a tool invocation about to execute.
type ToolCallPayload struct {
	CallID string
	Name   string
	Input  json.RawMessage
}

// ToolResultPayload describes a completed tool invocation.
type ToolResultPayload struct {
	CallID  string
	Name    string
	Content string
	Details map[string]any
	IsError bool
}

// InputPayload is user input before it reaches the agent.
type InputPayload struct {
	Text   string
	Images []types.ContentPart
}

// CompactPayload describes a pending compaction.
type CompactPayload struct {
	LeafID       string
	Instructions string
}

// Decision is the optional return of a handler; the bus merges its fields
// according to the event kind.
type Decision struct {
	// Block skips tool execution; Reason becomes the synthetic error result.
	Block  bool
	Reason string

	// Cancel aborts a before_* operation.
	Cancel bool

	// Message is appended as a user message before the agent starts.
	Message *types.Message
	// SystemPrompt replaces the effective system prompt; chains.
	SystemPrompt *string

	// ToolResult supersedes the original tool result; chains.
	ToolResult *ToolResultPayload

	// Messages replaces the outgoing context; chains.
	Messages []*schema.Message

	// Input is the terminal action for input events.
	Input *InputDecision

	// Compaction supplies a summary directly, skipping the LLM call.
	Compaction *CompactionOverride
}

// InputDecision is a handler's verdict on user input.
type InputDecision struct {
	Action string // "handled" | "transform" | "continue"
	Text   string
	Images []types.ContentPart
}

// CompactionOverride is an extension-supplied compaction summary.
type CompactionOverride struct {
	Summary          string
	FirstKeptEntryID string
}

// Handler processes one event. A nil decision means "no opinion".
type Handler func(ctx context.Context, p *Payload, hctx *HandlerContext) (*Decision, error)

// HandlerContext gives handlers UI primitives and action capabilities.
type HandlerContext struct {
	UI      *UIBridge
	Actions *Actions
}

// Actions are the capabilities the host grants extensions.
type Actions struct {
	// SendMessage enqueues text as a user prompt for the next turn.
	SendMessage func(text string)
	// AppendEntry appends a custom entry to the session log. Only
	// EntryCustom kinds are accepted.
	AppendEntry func(e *types.Entry) (string, error)
	// SetTools restricts the active tool set to the given ids.
	SetTools func(ids []string)
	// SetModel switches the session model.
	SetModel func(ref types.ModelRef) error
}

// CommandHandler executes a slash-prefixed command from user input.
type CommandHandler func(ctx context.Context, args string, hctx *HandlerContext) (string, error)

// Extension is one registered module.
type Extension struct {
	Name     string
	Handlers map[Event]Handler
	Tools    []tool.Tool
	Commands map[string]CommandHandler
	// Shutdown is called during session teardown, after the
	// session_shutdown event.
	Shutdown func()
}
