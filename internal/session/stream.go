package session

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/agentd-ai/agentd/internal/event"
	"github.com/agentd-ai/agentd/internal/provider"
	"github.com/agentd-ai/agentd/pkg/types"
)

// processStream pumps provider chunks into the pending message, publishing
// delta events as they arrive. Eino streams announce tool calls by Index:
// a start chunk carries ID and Name, delta chunks carry argument fragments.
func (s *Scheduler) processStream(ctx context.Context, stream *provider.CompletionStream, pm *pendingMessage) error {
	s.emit(event.AgentEventData{Kind: event.MessageStart})

	// Accumulators index into pm.toolCalls; the slice may reallocate as
	// calls are appended, so pointers into it are unsafe.
	type toolAccum struct {
		idx  int
		args strings.Builder
	}
	byKey := make(map[string]*toolAccum)
	order := []string{}
	var accumulatedText string

	finalizeTools := func() {
		for _, key := range order {
			acc := byKey[key]
			pm.toolCalls[acc.idx].Input = marshalInput(acc.args.String())
		}
	}

	for {
		select {
		case <-ctx.Done():
			finalizeTools()
			return ctx.Err()
		default:
		}

		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			finalizeTools()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return provider.NewError(provider.KindOf(err), err)
		}

		// Text content: providers send either deltas or accumulated text.
		if msg.Content != "" {
			var delta string
			if strings.HasPrefix(msg.Content, accumulatedText) && accumulatedText != "" {
				delta = msg.Content[len(accumulatedText):]
				accumulatedText = msg.Content
			} else {
				delta = msg.Content
				accumulatedText += msg.Content
			}
			if delta != "" {
				pm.text.Reset()
				pm.text.WriteString(accumulatedText)
				s.emit(event.AgentEventData{Kind: event.TextDelta, Delta: delta})
			}
		}

		if msg.ReasoningContent != "" {
			pm.reasoning.Reset()
			pm.reasoning.WriteString(msg.ReasoningContent)
			s.emit(event.AgentEventData{Kind: event.ReasoningDelta, Delta: msg.ReasoningContent})
		}

		for _, tc := range msg.ToolCalls {
			key := toolKey(tc)
			if key == "" {
				continue
			}
			acc, exists := byKey[key]
			if !exists && tc.ID != "" && tc.Function.Name != "" {
				pm.toolCalls = append(pm.toolCalls, types.ToolCall{ID: tc.ID, Name: tc.Function.Name})
				acc = &toolAccum{idx: len(pm.toolCalls) - 1}
				byKey[key] = acc
				order = append(order, key)
				s.emit(event.AgentEventData{
					Kind:       event.ToolCallStart,
					ToolCallID: tc.ID,
					ToolName:   tc.Function.Name,
				})
			}
			if acc != nil && tc.Function.Arguments != "" {
				acc.args.WriteString(tc.Function.Arguments)
				s.emit(event.AgentEventData{
					Kind:       event.ToolCallDelta,
					ToolCallID: pm.toolCalls[acc.idx].ID,
					Delta:      tc.Function.Arguments,
				})
			}
		}

		if msg.ResponseMeta != nil {
			if msg.ResponseMeta.Usage != nil {
				pm.usage = &types.TokenUsage{
					Input:  msg.ResponseMeta.Usage.PromptTokens,
					Output: msg.ResponseMeta.Usage.CompletionTokens,
				}
				s.emit(event.AgentEventData{Kind: event.UsageUpdate, Usage: pm.usage})
			}
			if msg.ResponseMeta.FinishReason != "" {
				pm.finish = normalizeFinish(msg.ResponseMeta.FinishReason)
			}
		}
	}

	finalizeTools()
	if pm.finish == "" {
		if len(pm.toolCalls) > 0 {
			pm.finish = "tool_calls"
		} else {
			pm.finish = "stop"
		}
	}
	return nil
}

// toolKey tracks streaming tool calls by index when available, id otherwise.
func toolKey(tc schema.ToolCall) string {
	if tc.Index != nil {
		return fmt.Sprintf("idx:%d", *tc.Index)
	}
	return tc.ID
}

// normalizeFinish maps provider finish reasons onto a stable set.
func normalizeFinish(reason string) string {
	switch reason {
	case "tool_use", "tool-calls", "tool_calls":
		return "tool_calls"
	case "end_turn", "stop":
		return "stop"
	case "max_tokens", "length":
		return "max_tokens"
	default:
		return reason
	}
}
