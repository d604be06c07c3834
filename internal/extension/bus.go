package extension

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/agentd-ai/agentd/internal/event"
	"github.com/agentd-ai/agentd/internal/logging"
	"github.com/agentd-ai/agentd/internal/tool"
	"github.com/agentd-ai/agentd/pkg/types"
)

// Bus dispatches session events to extensions in registration order,
// sequentially: one handler completes before the next begins. Handler errors
// and panics are isolated, logged, and reported as extension_error events;
// they never abort the session.
type Bus struct {
	sessionID  string
	extensions []*Extension
	events     *event.Bus
	ui         *UIBridge
	actions    *Actions
}

// NewBus creates an extension bus for one session.
func NewBus(sessionID string, events *event.Bus, ui *UIBridge, actions *Actions) *Bus {
	if actions == nil {
		actions = &Actions{}
	}
	return &Bus{
		sessionID: sessionID,
		events:    events,
		ui:        ui,
		actions:   actions,
	}
}

// Register adds an extension. Registration order is dispatch order.
func (b *Bus) Register(ext *Extension) {
	b.extensions = append(b.extensions, ext)
}

// Extensions returns the registered extensions in order.
func (b *Bus) Extensions() []*Extension {
	return b.extensions
}

// Tools returns all extension-contributed tools in registration order.
func (b *Bus) Tools() []tool.Tool {
	var out []tool.Tool
	for _, ext := range b.extensions {
		out = append(out, ext.Tools...)
	}
	return out
}

// Command looks up a slash command across extensions; first registration
// wins.
func (b *Bus) Command(name string) (CommandHandler, bool) {
	for _, ext := range b.extensions {
		if h, ok := ext.Commands[name]; ok {
			return h, true
		}
	}
	return nil, false
}

// UI returns the bus's UI bridge.
func (b *Bus) UI() *UIBridge { return b.ui }

// RunCommand executes a registered slash command. handled is false when no
// extension owns the name; the command's output goes to the UI channel.
func (b *Bus) RunCommand(ctx context.Context, name, args string) (handled bool, err error) {
	h, ok := b.Command(name)
	if !ok {
		return false, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command panic: %v", r)
			b.reportError("command:"+name, EventInput, err)
		}
	}()
	out, err := h(ctx, args, &HandlerContext{UI: b.ui, Actions: b.actions})
	if err != nil {
		b.reportError("command:"+name, EventInput, err)
		return true, err
	}
	if out != "" && b.ui != nil {
		b.ui.Notify("notify", map[string]any{"text": out})
	}
	return true, nil
}

// Outcome is the merged result of dispatching one event.
type Outcome struct {
	Block  bool
	Reason string
	Cancel bool

	// Messages are accumulated before_agent_start injections.
	Messages []*types.Message
	// SystemPrompt is the chained replacement, "" when untouched.
	SystemPrompt string

	// ToolResult is the final replacement, nil when untouched.
	ToolResult *ToolResultPayload

	// Context is the replacement message list, nil when untouched.
	Context []*schema.Message

	// Input is the terminal input verdict.
	Input *InputDecision

	// Compaction is an extension-supplied summary, nil when none.
	Compaction *CompactionOverride
}

// Dispatch delivers an event to every registered handler and merges the
// decisions per the event kind's documented rules.
func (b *Bus) Dispatch(ctx context.Context, p *Payload) *Outcome {
	p.SessionID = b.sessionID
	out := &Outcome{SystemPrompt: p.SystemPrompt}
	hctx := &HandlerContext{UI: b.ui, Actions: b.actions}

	for _, ext := range b.extensions {
		handler, ok := ext.Handlers[p.Event]
		if !ok {
			continue
		}

		decision, err := b.run(ctx, ext, handler, p, hctx)
		if err != nil {
			b.reportError(ext.Name, p.Event, err)
			continue
		}
		if decision == nil {
			continue
		}

		switch p.Event {
		case EventToolCall:
			// First block wins; remaining handlers still run for
			// observation.
			if decision.Block && !out.Block {
				out.Block = true
				out.Reason = decision.Reason
			}

		case EventToolResult:
			// Later handlers see and can further modify the result.
			if decision.ToolResult != nil {
				out.ToolResult = decision.ToolResult
				p.ToolResult = decision.ToolResult
			}

		case EventSessionBeforeCompact:
			if decision.Cancel {
				out.Cancel = true
				return out
			}
			if decision.Compaction != nil && out.Compaction == nil {
				out.Compaction = decision.Compaction
			}

		case EventSessionBeforeSwitch, EventSessionBeforeFork:
			if decision.Cancel {
				out.Cancel = true
				return out
			}

		case EventBeforeAgentStart:
			if decision.Message != nil {
				out.Messages = append(out.Messages, decision.Message)
			}
			if decision.SystemPrompt != nil {
				out.SystemPrompt = *decision.SystemPrompt
				p.SystemPrompt = *decision.SystemPrompt
			}

		case EventContext:
			if decision.Messages != nil {
				out.Context = decision.Messages
				p.Messages = decision.Messages
			}

		case EventInput:
			if decision.Input == nil {
				break
			}
			switch decision.Input.Action {
			case "handled":
				// First handled wins; skip the agent entirely.
				out.Input = decision.Input
				return out
			case "transform":
				p.Input = &InputPayload{Text: decision.Input.Text, Images: decision.Input.Images}
				out.Input = decision.Input
			}
		}
	}
	return out
}

// run executes one handler with panic isolation.
func (b *Bus) run(ctx context.Context, ext *Extension, h Handler, p *Payload, hctx *HandlerContext) (d *Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			d = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, p, hctx)
}

func (b *Bus) reportError(ext string, ev Event, err error) {
	logging.Error().
		Str("extension", ext).
		Str("event", string(ev)).
		Err(err).
		Msg("extension handler failed")
	b.events.Publish(event.Event{
		Type: event.ExtensionError,
		Data: event.ExtensionErrorData{
			SessionID: b.sessionID,
			Extension: ext,
			Event:     string(ev),
			Error:     err.Error(),
		},
	})
}

// Shutdown dispatches session_shutdown, runs extension teardown, and rejects
// pending UI round-trips.
func (b *Bus) Shutdown(ctx context.Context) {
	b.Dispatch(ctx, &Payload{Event: EventSessionShutdown})
	for _, ext := range b.extensions {
		if ext.Shutdown != nil {
			ext.Shutdown()
		}
	}
	if b.ui != nil {
		b.ui.Shutdown()
	}
}

// CloneMessages deep-copies an outgoing message list so context handlers
// cannot mutate the scheduler's copy.
func CloneMessages(messages []*schema.Message) []*schema.Message {
	out := make([]*schema.Message, len(messages))
	for i, m := range messages {
		c := *m
		if m.ToolCalls != nil {
			c.ToolCalls = make([]schema.ToolCall, len(m.ToolCalls))
			copy(c.ToolCalls, m.ToolCalls)
		}
		out[i] = &c
	}
	return out
}
