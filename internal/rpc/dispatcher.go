package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/agentd-ai/agentd/internal/export"
	"github.com/agentd-ai/agentd/internal/session"
	"github.com/agentd-ai/agentd/pkg/types"
)

// RPCTimeout bounds long-running command types.
const RPCTimeout = 5 * time.Minute

// Dispatcher maps typed commands to handlers over the host. Handlers are
// pure functions over the session; asynchronous effects (prompt) acknowledge
// synchronously and deliver outcomes via the event plane.
type Dispatcher struct {
	host *Host
}

// NewDispatcher creates a dispatcher for a host.
func NewDispatcher(host *Host) *Dispatcher {
	return &Dispatcher{host: host}
}

// DispatchRaw parses one JSON command and dispatches it.
func (d *Dispatcher) DispatchRaw(ctx context.Context, raw []byte) Response {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Response{Type: "response", Success: false, Error: "malformed command: " + err.Error()}
	}
	if cmd.Type == "" {
		return Response{Type: "response", Success: false, Error: "missing command type"}
	}
	return d.Dispatch(ctx, &cmd)
}

// Dispatch executes one command and returns its response.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *Command) Response {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	sched := d.host.Scheduler()

	switch cmd.Type {

	// Prompting
	case "prompt":
		behavior := session.StreamingBehavior(cmd.StreamingBehavior)
		if err := sched.Prompt(cmd.Message, session.PromptOptions{Behavior: behavior}); err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, nil)
	case "steer":
		if err := sched.Prompt(cmd.Message, session.PromptOptions{Behavior: session.BehaviorSteer}); err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, nil)
	case "follow_up":
		if err := sched.Prompt(cmd.Message, session.PromptOptions{Behavior: session.BehaviorFollowUp}); err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, nil)
	case "abort":
		sched.Abort()
		return ok(cmd, nil)
	case "new_session":
		id, err := d.host.NewSession(ctx)
		if err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, map[string]any{"sessionId": id})

	// State
	case "get_state":
		return ok(cmd, sched.GetState())
	case "get_messages":
		entries, err := sched.Log().Materialize(sched.Log().Leaf())
		if err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, map[string]any{"entries": entries})
	case "get_session_stats":
		return d.sessionStats(cmd)

	// Model
	case "set_model":
		ref, err := types.ParseModelRef(cmd.Model)
		if err != nil {
			return fail(cmd, err)
		}
		if err := sched.SetModel(ref); err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, map[string]any{"model": ref})
	case "cycle_model":
		ref, err := sched.CycleModel()
		if err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, map[string]any{"model": ref})
	case "get_available_models":
		return ok(cmd, map[string]any{"models": d.host.providers.AllModels()})

	// Thinking
	case "set_thinking_level":
		if err := sched.SetThinking(cmd.Level); err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, map[string]any{"thinkingLevel": cmd.Level})
	case "cycle_thinking_level":
		return ok(cmd, map[string]any{"thinkingLevel": sched.CycleThinking()})

	// Queuing
	case "set_steering_mode":
		sched.SetSteeringMode(boolArg(cmd, true))
		return ok(cmd, nil)
	case "set_follow_up_mode":
		sched.SetFollowUpMode(boolArg(cmd, true))
		return ok(cmd, nil)

	// Compaction
	case "compact":
		entryID, err := sched.Compact(ctx, session.CompactOptions{Instructions: cmd.Instructions})
		if err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, map[string]any{"entryId": entryID})
	case "set_auto_compaction":
		sched.SetAutoCompaction(boolArg(cmd, true))
		return ok(cmd, nil)

	// Retry
	case "set_auto_retry":
		sched.SetAutoRetry(boolArg(cmd, true))
		return ok(cmd, nil)
	case "abort_retry":
		sched.AbortRetry()
		return ok(cmd, nil)

	// Bash
	case "bash":
		result, err := d.host.RunBash(ctx, cmd.Command)
		if err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, result)
	case "abort_bash":
		return ok(cmd, map[string]any{"aborted": d.host.AbortBash()})

	// Session
	case "switch_session":
		if err := d.host.SwitchSession(ctx, cmd.SessionID, cmd.Summary); err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, map[string]any{"sessionId": cmd.SessionID})
	case "fork":
		id, err := d.host.Fork(ctx, cmd.EntryID)
		if err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, map[string]any{"sessionId": id})
	case "get_fork_messages":
		entries, err := sched.Log().Branch(cmd.EntryID)
		if err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, map[string]any{"entries": entries})
	case "get_last_assistant_text":
		return d.lastAssistantText(cmd)
	case "export_html":
		path, err := export.WriteHTML(sched.Log(), cmd.Path)
		if err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, map[string]any{"path": path})
	case "set_session_name":
		if cmd.Name == "" {
			return failMsg(cmd, "name is required")
		}
		leaf := sched.Log().Leaf()
		e := &types.Entry{Type: types.EntrySessionInfo, Name: cmd.Name}
		if leaf != "" {
			e.ParentID = &leaf
		}
		if _, err := sched.Log().Append(e); err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, nil)

	default:
		return failMsg(cmd, "unknown command type: "+cmd.Type)
	}
}

func (d *Dispatcher) sessionStats(cmd *Command) Response {
	log := d.host.Scheduler().Log()
	branch, err := log.Branch(log.Leaf())
	if err != nil {
		return fail(cmd, err)
	}

	stats := struct {
		SessionID    string `json:"sessionId"`
		Name         string `json:"name,omitempty"`
		EntryCount   int    `json:"entryCount"`
		BranchLength int    `json:"branchLength"`
		UserMessages int    `json:"userMessages"`
		Assistant    int    `json:"assistantMessages"`
		ToolResults  int    `json:"toolResults"`
		Compactions  int    `json:"compactions"`
		InputTokens  int    `json:"inputTokens"`
		OutputTokens int    `json:"outputTokens"`
	}{
		SessionID:    log.ID(),
		Name:         log.Name(),
		EntryCount:   log.Len(),
		BranchLength: len(branch),
	}
	for _, e := range branch {
		switch e.Type {
		case types.EntryCompaction:
			stats.Compactions++
		case types.EntryMessage:
			if e.Message == nil {
				continue
			}
			switch e.Message.Role {
			case types.RoleUser:
				stats.UserMessages++
			case types.RoleAssistant:
				stats.Assistant++
				if e.Message.Tokens != nil {
					stats.InputTokens += e.Message.Tokens.Input
					stats.OutputTokens += e.Message.Tokens.Output
				}
			case types.RoleToolResult:
				stats.ToolResults++
			}
		}
	}
	return ok(cmd, stats)
}

func (d *Dispatcher) lastAssistantText(cmd *Command) Response {
	log := d.host.Scheduler().Log()
	branch, err := log.Branch(log.Leaf())
	if err != nil {
		return fail(cmd, err)
	}
	for i := len(branch) - 1; i >= 0; i-- {
		e := branch[i]
		if e.Type == types.EntryMessage && e.Message != nil && e.Message.Role == types.RoleAssistant {
			if text := e.Message.Text(); text != "" {
				return ok(cmd, map[string]any{"text": text})
			}
		}
	}
	return fail(cmd, errors.New("no assistant message on the active branch"))
}

func boolArg(cmd *Command, def bool) bool {
	if cmd.Enabled == nil {
		return def
	}
	return *cmd.Enabled
}
