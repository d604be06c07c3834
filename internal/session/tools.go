package session

import (
	"context"

	"github.com/agentd-ai/agentd/internal/event"
	"github.com/agentd-ai/agentd/internal/extension"
	"github.com/agentd-ai/agentd/internal/logging"
	"github.com/agentd-ai/agentd/internal/tool"
	"github.com/agentd-ai/agentd/pkg/types"
)

// executeToolCalls runs the turn's tool calls strictly in the order the
// provider announced them, one at a time. Every call gets exactly one
// toolResult entry before the turn ends; steering converts the calls after
// the interrupt into cancelled results. Returns steered=true when a steer
// message arrived during execution.
func (s *Scheduler) executeToolCalls(ctx context.Context, calls []types.ToolCall) (bool, error) {
	s.setState(StateToolExecuting)
	defer s.setState(StateStreaming)

	for i, call := range calls {
		if ctx.Err() != nil {
			s.cancelRemaining(calls[i:], "turn aborted")
			return false, context.Canceled
		}

		s.mu.Lock()
		steered := s.steerPending
		s.mu.Unlock()
		if steered {
			// Remaining unexecuted calls are dropped with cancellation
			// results so every call still pairs with a result.
			s.cancelRemaining(calls[i:], "skipped: interrupted by user")
			return true, nil
		}

		if err := s.executeSingleTool(ctx, call); err != nil {
			return false, err
		}
	}

	s.mu.Lock()
	steered := s.steerPending
	s.mu.Unlock()
	return steered, nil
}

// executeSingleTool drives steps 1-4 of the dispatch algorithm for one call.
func (s *Scheduler) executeSingleTool(ctx context.Context, call types.ToolCall) error {
	// 1. tool_call hook: any handler may block.
	outcome := s.ext.Dispatch(ctx, &extension.Payload{
		Event: extension.EventToolCall,
		ToolCall: &extension.ToolCallPayload{
			CallID: call.ID,
			Name:   call.Name,
			Input:  call.Input,
		},
	})
	if outcome.Block {
		reason := outcome.Reason
		if reason == "" {
			reason = "blocked by extension"
		}
		return s.finishTool(ctx, call, reason, map[string]any{"blocked": true}, true)
	}

	// 2. Execute, forwarding incremental updates to subscribers.
	result := s.runTool(ctx, call)

	// 3. tool_result hook: handlers may replace the result, chained.
	resultOutcome := s.ext.Dispatch(ctx, &extension.Payload{
		Event: extension.EventToolResult,
		ToolResult: &extension.ToolResultPayload{
			CallID:  call.ID,
			Name:    call.Name,
			Content: result.Content,
			Details: result.Details,
			IsError: result.IsError,
		},
	})
	if resultOutcome.ToolResult != nil {
		r := resultOutcome.ToolResult
		result = &tool.Result{Content: r.Content, Details: r.Details, IsError: r.IsError}
	}

	// 4. Append the toolResult entry.
	return s.finishTool(ctx, call, result.Content, result.Details, result.IsError)
}

// runTool executes the tool body with cancellation plumbing. Tool failures
// are results, not errors: the LLM reacts to them.
func (s *Scheduler) runTool(ctx context.Context, call types.ToolCall) *tool.Result {
	t, ok := s.tools.Get(call.Name)
	if !ok {
		return tool.Errorf("tool not found: %s", call.Name)
	}

	// A steer interrupt cancels just this execution; turn abort cancels
	// everything above it.
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	abortCh := make(chan struct{})
	stop := context.AfterFunc(execCtx, func() { close(abortCh) })
	defer stop()

	toolCtx := &tool.Context{
		SessionID: s.log.ID(),
		CallID:    call.ID,
		WorkDir:   s.tools.WorkDir(),
		AbortCh:   abortCh,
		OnUpdate: func(content string, details map[string]any) {
			// Updates racing past an abort are discarded.
			if execCtx.Err() != nil {
				return
			}
			s.emit(event.AgentEventData{
				Kind:       event.ToolUpdate,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Content:    content,
				Details:    details,
			})
		},
	}

	s.mu.Lock()
	s.inTool = true
	s.toolCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inTool = false
		s.toolCancel = nil
		s.mu.Unlock()
	}()

	result, err := t.Execute(execCtx, call.Input, toolCtx)
	if err != nil {
		logging.Warn().Str("tool", call.Name).Err(err).Msg("tool execution failed")
		return tool.Errorf("tool %s failed: %v", call.Name, err)
	}
	if result == nil {
		return tool.Errorf("tool %s returned no result", call.Name)
	}
	if execCtx.Err() != nil {
		result.IsError = true
		if result.Details == nil {
			result.Details = map[string]any{}
		}
		result.Details["cancelled"] = true
	}
	return result
}

// finishTool appends the toolResult entry and publishes the event.
func (s *Scheduler) finishTool(_ context.Context, call types.ToolCall, content string, details map[string]any, isError bool) error {
	entryID, err := s.appendToolResult(call.ID, call.Name, content, details, isError)
	if err != nil {
		s.fatal(err)
		return err
	}
	s.emit(event.AgentEventData{
		Kind:       event.ToolResult,
		EntryID:    entryID,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    content,
		Details:    details,
		IsError:    isError,
	})
	return nil
}

// cancelRemaining writes cancellation results for calls that will not run.
func (s *Scheduler) cancelRemaining(calls []types.ToolCall, reason string) {
	for _, call := range calls {
		if _, err := s.appendToolResult(call.ID, call.Name, reason, map[string]any{"cancelled": true}, true); err != nil {
			logging.Error().Err(err).Msg("failed to record cancelled tool result")
			return
		}
		s.emit(event.AgentEventData{
			Kind:       event.ToolResult,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Content:    reason,
			IsError:    true,
		})
	}
}
