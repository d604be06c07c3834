package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentd-ai/agentd/internal/tool"
	"github.com/agentd-ai/agentd/pkg/types"
)

const (
	// guardAskTimeout bounds the confirm dialog; no answer means deny.
	guardAskTimeout = 60 * time.Second

	defaultDoomLoopThreshold = 3
)

// guard is the built-in extension that polices tool calls: per-command bash
// rules and a doom-loop breaker for repeated identical calls.
type guard struct {
	rules     map[string]string // command word -> allow | deny | ask
	threshold int

	lastKey   string
	lastCount int
}

// NewGuard builds the guard extension from configuration.
func NewGuard(cfg types.GuardConfig) *Extension {
	g := &guard{
		rules:     cfg.Bash,
		threshold: cfg.DoomLoopThreshold,
	}
	if g.threshold == 0 {
		g.threshold = defaultDoomLoopThreshold
	}
	return &Extension{
		Name: "guard",
		Handlers: map[Event]Handler{
			EventToolCall: g.onToolCall,
		},
	}
}

func (g *guard) onToolCall(ctx context.Context, p *Payload, hctx *HandlerContext) (*Decision, error) {
	if p.ToolCall == nil {
		return nil, nil
	}

	if d := g.checkDoomLoop(p.ToolCall); d != nil {
		return d, nil
	}

	if p.ToolCall.Name == "bash" {
		return g.checkBash(ctx, p.ToolCall, hctx)
	}
	return nil, nil
}

// checkDoomLoop blocks the Nth identical consecutive call of the same tool
// with identical input.
func (g *guard) checkDoomLoop(tc *ToolCallPayload) *Decision {
	key := tc.Name + "\x00" + string(tc.Input)
	if key == g.lastKey {
		g.lastCount++
	} else {
		g.lastKey = key
		g.lastCount = 1
	}
	if g.lastCount >= g.threshold {
		return &Decision{
			Block:  true,
			Reason: fmt.Sprintf("tool %s called %d times with identical input; change approach", tc.Name, g.lastCount),
		}
	}
	return nil
}

func (g *guard) checkBash(ctx context.Context, tc *ToolCallPayload, hctx *HandlerContext) (*Decision, error) {
	var input struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(tc.Input, &input); err != nil || input.Command == "" {
		return nil, nil
	}

	words := tool.CommandWords(input.Command)
	if words == nil {
		// Unparseable commands always go through the user.
		return g.ask(ctx, input.Command, hctx)
	}

	needsAsk := false
	for _, w := range words {
		switch g.rules[w] {
		case "deny":
			return &Decision{Block: true, Reason: fmt.Sprintf("command %q is denied by policy", w)}, nil
		case "ask":
			needsAsk = true
		}
	}
	if needsAsk {
		return g.ask(ctx, input.Command, hctx)
	}
	return nil, nil
}

func (g *guard) ask(ctx context.Context, command string, hctx *HandlerContext) (*Decision, error) {
	if hctx.UI == nil {
		return &Decision{Block: true, Reason: "command requires confirmation but no UI is attached"}, nil
	}
	ok, err := hctx.UI.Confirm(ctx, "Run command?", command, guardAskTimeout)
	if err != nil {
		return &Decision{Block: true, Reason: "command confirmation unavailable"}, nil
	}
	if !ok {
		return &Decision{Block: true, Reason: "command rejected by user"}, nil
	}
	return nil, nil
}
