package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/agentd-ai/agentd/internal/event"
	"github.com/agentd-ai/agentd/internal/tool"
	"github.com/agentd-ai/agentd/pkg/types"
)

// pendingMessage accumulates one assistant response while it streams. It is
// appended to the session log exactly once, when the stream settles or the
// turn dies.
type pendingMessage struct {
	model     types.ModelRef
	text      strings.Builder
	reasoning strings.Builder
	toolCalls []types.ToolCall
	usage     *types.TokenUsage
	finish    string
	failure   error
	appended  bool
}

func newPendingMessage(model types.ModelRef) *pendingMessage {
	return &pendingMessage{model: model}
}

func (pm *pendingMessage) empty() bool {
	return pm.text.Len() == 0 && pm.reasoning.Len() == 0 && len(pm.toolCalls) == 0
}

// appendUserPrompt appends one user message entry at the leaf.
func (s *Scheduler) appendUserPrompt(p queuedPrompt) (string, error) {
	content := []types.ContentPart{{Type: "text", Text: p.text}}
	content = append(content, p.images...)
	return s.appendMessage(&types.Message{
		Role:    types.RoleUser,
		Content: content,
	})
}

// appendMessage appends a message entry at the current leaf and publishes
// entry_appended.
func (s *Scheduler) appendMessage(m *types.Message) (string, error) {
	leaf := s.log.Leaf()
	e := &types.Entry{
		Type:    types.EntryMessage,
		Message: m,
	}
	if leaf != "" {
		e.ParentID = &leaf
	}
	id, err := s.log.Append(e)
	if err != nil {
		return "", fmt.Errorf("failed to append message entry: %w", err)
	}
	s.emitEntry(e)
	return id, nil
}

// appendAssistant persists the pending assistant message, partial or not.
func (s *Scheduler) appendAssistant(pm *pendingMessage) (string, error) {
	if pm.appended {
		return "", nil
	}
	pm.appended = true

	m := &types.Message{
		Role:      types.RoleAssistant,
		Reasoning: pm.reasoning.String(),
		ToolCalls: pm.toolCalls,
		Model:     &pm.model,
		Finish:    pm.finish,
		Tokens:    pm.usage,
	}
	if pm.text.Len() > 0 {
		m.Content = types.TextContent(pm.text.String())
	}
	if pm.failure != nil {
		m.Error = &types.MessageError{Type: errorType(pm.failure), Message: pm.failure.Error()}
	}
	return s.appendMessage(m)
}

// appendToolResult persists one toolResult message entry.
func (s *Scheduler) appendToolResult(callID, name, content string, details map[string]any, isError bool) (string, error) {
	return s.appendMessage(&types.Message{
		Role:       types.RoleToolResult,
		ToolCallID: callID,
		ToolName:   name,
		Content:    types.TextContent(content),
		Details:    details,
		IsError:    isError,
	})
}

func (s *Scheduler) emitEntry(e *types.Entry) {
	s.emit(event.AgentEventData{
		Kind:    event.EntryAppended,
		EntryID: e.ID,
		Entry:   e,
	})
}

// buildMessages converts the materialized active branch into the outgoing
// LLM message list, system prompt first.
func (s *Scheduler) buildMessages(systemPrompt string) ([]*schema.Message, error) {
	entries, err := s.log.Materialize(s.log.Leaf())
	if err != nil {
		return nil, err
	}

	messages := []*schema.Message{{
		Role:    schema.System,
		Content: systemPrompt,
	}}
	for _, e := range entries {
		if e.Type != types.EntryMessage || e.Message == nil {
			continue
		}
		m := e.Message
		// Branch summaries, labels and custom entries never reach the LLM;
		// system-role entries are carried as user-visible context.
		switch m.Role {
		case types.RoleUser, types.RoleSystem:
			messages = append(messages, &schema.Message{
				Role:    schema.User,
				Content: m.Text(),
			})
		case types.RoleAssistant:
			if m.Error != nil && m.Text() == "" && len(m.ToolCalls) == 0 {
				continue
			}
			em := &schema.Message{
				Role:    schema.Assistant,
				Content: m.Text(),
			}
			for _, tc := range m.ToolCalls {
				em.ToolCalls = append(em.ToolCalls, schema.ToolCall{
					ID: tc.ID,
					Function: schema.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			messages = append(messages, em)
		case types.RoleToolResult:
			content := m.Text()
			if m.IsError && content == "" {
				content = "Error: tool failed"
			}
			messages = append(messages, &schema.Message{
				Role:       schema.Tool,
				Content:    content,
				ToolCallID: m.ToolCallID,
			})
		}
	}
	return messages, nil
}

// toolSnapshot returns the Eino tool infos for the active tool set. Taken
// once per step so the schemas are stable while streaming.
func (s *Scheduler) toolSnapshot() []*schema.ToolInfo {
	s.mu.Lock()
	restricted := s.activeTools
	s.mu.Unlock()

	if restricted == nil {
		return s.tools.ToolInfos()
	}
	allowed := make(map[string]bool, len(restricted))
	for _, id := range restricted {
		allowed[id] = true
	}
	var infos []*schema.ToolInfo
	for _, t := range s.tools.List() {
		if allowed[t.ID()] {
			infos = append(infos, tool.Info(t))
		}
	}
	return infos
}

func errorType(err error) string {
	switch {
	case err == nil:
		return ""
	case strings.Contains(err.Error(), "aborted"):
		return "abort"
	default:
		return "api"
	}
}

// marshalInput normalizes accumulated tool call arguments into valid JSON.
func marshalInput(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return json.RawMessage(fmt.Sprintf(`{"_raw":%s}`, quoted))
}
