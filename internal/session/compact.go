package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/agentd-ai/agentd/internal/event"
	"github.com/agentd-ai/agentd/internal/extension"
	"github.com/agentd-ai/agentd/internal/logging"
	"github.com/agentd-ai/agentd/internal/provider"
	"github.com/agentd-ai/agentd/pkg/types"
)

// ErrCompactionCancelled reports an extension vetoing the compaction.
var ErrCompactionCancelled = errors.New("compaction cancelled by extension")

// CompactOptions parameterizes one compaction run.
type CompactOptions struct {
	// Instructions supplements the summarization prompt.
	Instructions string
	// Auto marks scheduler-initiated compaction (overflow or threshold).
	Auto bool
}

const compactionSystemPrompt = `You are a conversation summarizer. Create a concise summary of the conversation that preserves the context needed to continue the work.

Focus on:
1. What was accomplished
2. Current work in progress
3. Files involved
4. Next steps
5. Key user requests or constraints

Be concise but detailed enough that work can continue seamlessly.`

// Compact summarizes the branch prefix and appends a compaction entry.
// Returns the new entry's id.
func (s *Scheduler) Compact(ctx context.Context, opts CompactOptions) (string, error) {
	leaf := s.log.Leaf()
	if leaf == "" {
		return "", errors.New("nothing to compact: empty session")
	}
	branch, err := s.log.Branch(leaf)
	if err != nil {
		return "", err
	}

	firstKept := s.compactionBoundary(branch)
	if firstKept <= 0 {
		return "", errors.New("nothing to compact: branch fits the retention budget")
	}
	firstKeptID := branch[firstKept].ID

	s.emit(event.AgentEventData{Kind: event.CompactionStart})

	// Extensions may cancel, or supply the summary directly.
	outcome := s.ext.Dispatch(ctx, &extension.Payload{
		Event: extension.EventSessionBeforeCompact,
		Compact: &extension.CompactPayload{
			LeafID:       leaf,
			Instructions: opts.Instructions,
		},
	})
	if outcome.Cancel {
		return "", ErrCompactionCancelled
	}

	var summary string
	if outcome.Compaction != nil {
		if outcome.Compaction.Summary == "" {
			return "", errors.New("extension supplied an empty compaction summary")
		}
		if outcome.Compaction.FirstKeptEntryID != "" {
			if !s.log.OnBranch(outcome.Compaction.FirstKeptEntryID, leaf) {
				return "", fmt.Errorf("extension compaction cut point %s is not on the active branch", outcome.Compaction.FirstKeptEntryID)
			}
			firstKeptID = outcome.Compaction.FirstKeptEntryID
		}
		summary = outcome.Compaction.Summary
	} else {
		summary, err = s.summarize(ctx, branch[:firstKept], opts.Instructions)
		if err != nil {
			return "", err
		}
	}

	tokensBefore := branchTokens(branch)
	entry := &types.Entry{
		Type:             types.EntryCompaction,
		Summary:          summary,
		FirstKeptEntryID: firstKeptID,
		TokensBefore:     tokensBefore,
		TokensAfter:      estimateTokens(summary) + branchTokens(branch[firstKept:]),
	}
	parent := s.log.Leaf()
	entry.ParentID = &parent
	id, err := s.log.Append(entry)
	if err != nil {
		return "", fmt.Errorf("failed to append compaction entry: %w", err)
	}
	s.emitEntry(entry)
	s.emit(event.AgentEventData{Kind: event.CompactionEnd, EntryID: id})
	logging.Info().
		Str("session", s.log.ID()).
		Int("tokensBefore", entry.TokensBefore).
		Int("tokensAfter", entry.TokensAfter).
		Bool("auto", opts.Auto).
		Msg("branch compacted")
	return id, nil
}

// compactionBoundary scans from the leaf backwards, retaining entries until
// keepRecentTokens accumulate. Returns the index of the first kept entry, or
// 0 when the whole branch fits.
func (s *Scheduler) compactionBoundary(branch []*types.Entry) int {
	budget := s.cfg.Compaction.KeepRecentTokens
	kept := 0
	for i := len(branch) - 1; i > 0; i-- {
		kept += entryTokens(branch[i])
		if kept >= budget {
			return i
		}
	}
	return 0
}

// summarize issues the dedicated summarization call over the prefix.
func (s *Scheduler) summarize(ctx context.Context, prefix []*types.Entry, instructions string) (string, error) {
	ref := s.summaryModel()
	prov, err := s.providers.Get(ref.ProviderID)
	if err != nil {
		return "", err
	}

	var prompt strings.Builder
	prompt.WriteString("Summarize the following conversation.\n\n---\n\n")
	for _, e := range prefix {
		if e.Type != types.EntryMessage || e.Message == nil {
			continue
		}
		m := e.Message
		switch m.Role {
		case types.RoleUser:
			prompt.WriteString("USER:\n")
			prompt.WriteString(m.Text())
		case types.RoleAssistant:
			prompt.WriteString("ASSISTANT:\n")
			prompt.WriteString(m.Text())
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&prompt, "\n[tool call: %s]", tc.Name)
			}
		case types.RoleToolResult:
			out := m.Text()
			if len(out) > 500 {
				out = out[:500] + "..."
			}
			fmt.Fprintf(&prompt, "[%s result]\n%s", m.ToolName, out)
		}
		prompt.WriteString("\n\n")
	}
	if instructions != "" {
		prompt.WriteString("Additional instructions: ")
		prompt.WriteString(instructions)
		prompt.WriteString("\n")
	}

	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model: ref.ModelID,
		Messages: []*schema.Message{
			{Role: schema.System, Content: compactionSystemPrompt},
			{Role: schema.User, Content: prompt.String()},
		},
		MaxTokens: s.cfg.Compaction.ReserveTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarization call failed: %w", err)
	}
	defer stream.Close()

	var summary strings.Builder
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("summarization stream failed: %w", err)
		}
		summary.WriteString(msg.Content)
	}
	if strings.TrimSpace(summary.String()) == "" {
		return "", errors.New("summarization produced no text")
	}
	return summary.String(), nil
}

// summaryModel prefers the configured small model for summarization.
func (s *Scheduler) summaryModel() types.ModelRef {
	if s.cfg.SmallModel != "" {
		if ref, err := types.ParseModelRef(s.cfg.SmallModel); err == nil {
			return ref
		}
	}
	return s.Model()
}

// maybeCompactAfterTurn runs threshold maintenance: when the branch exceeds
// the context window minus the reserve, compact before going idle (and
// before any follow-up turn starts).
func (s *Scheduler) maybeCompactAfterTurn(ctx context.Context) {
	s.mu.Lock()
	enabled := s.autoCompact
	model := s.model
	s.mu.Unlock()
	if !enabled || ctx.Err() != nil {
		return
	}

	modelInfo, err := s.providers.GetModel(model.ProviderID, model.ModelID)
	if err != nil {
		return
	}
	used := s.usedTokens()
	if used <= modelInfo.ContextWindow-s.cfg.Compaction.ReserveTokens {
		return
	}

	s.setState(StateCompacting)
	defer s.setState(StatePreparing)
	if _, err := s.Compact(ctx, CompactOptions{Auto: true}); err != nil {
		if !errors.Is(err, ErrCompactionCancelled) {
			logging.Warn().Str("session", s.log.ID()).Err(err).Msg("threshold compaction failed")
		}
	}
}

// usedTokens prefers the newest recorded usage on the active branch,
// falling back to the estimate.
func (s *Scheduler) usedTokens() int {
	branch, err := s.log.Branch(s.log.Leaf())
	if err != nil {
		return 0
	}
	for i := len(branch) - 1; i >= 0; i-- {
		e := branch[i]
		if e.Type == types.EntryMessage && e.Message != nil && e.Message.Tokens != nil {
			return e.Message.Tokens.Total()
		}
	}
	return branchTokens(branch)
}

// estimateTokens is the rough chars/4 heuristic.
func estimateTokens(text string) int {
	return len(text) / 4
}

// entryTokens estimates one entry's context cost.
func entryTokens(e *types.Entry) int {
	if e.Type != types.EntryMessage || e.Message == nil {
		if e.Type == types.EntryCompaction {
			return estimateTokens(e.Summary)
		}
		return 0
	}
	m := e.Message
	n := estimateTokens(m.Text()) + estimateTokens(m.Reasoning)
	for _, tc := range m.ToolCalls {
		n += estimateTokens(string(tc.Input))
	}
	return n
}

// branchTokens sums entry estimates.
func branchTokens(entries []*types.Entry) int {
	total := 0
	for _, e := range entries {
		total += entryTokens(e)
	}
	return total
}
