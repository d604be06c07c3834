package session

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"

	"github.com/agentd-ai/agentd/internal/event"
	"github.com/agentd-ai/agentd/internal/extension"
	"github.com/agentd-ai/agentd/internal/logging"
	"github.com/agentd-ai/agentd/internal/provider"
)

// MaxSteps bounds LLM round-trips within one turn.
const MaxSteps = 50

// runAgent drives one prompt chain: before_agent_start, user entries, turns
// until quiescent, follow-up drain. It owns all session log writes for its
// lifetime.
func (s *Scheduler) runAgent(ctx context.Context, prompts []queuedPrompt) {
	defer func() {
		s.mu.Lock()
		s.turnCancel = nil
		s.streamCancel = nil
		s.toolCancel = nil
		s.retryCancel = nil
		s.steerPending = false
		s.inTool = false
		if s.state != StateError {
			s.setStateLocked(StateIdle)
		}
		done := s.runDone
		s.runDone = nil
		s.mu.Unlock()
		if done != nil {
			close(done)
		}
	}()

	for {
		if err := s.runChain(ctx, prompts); err != nil {
			if s.State() == StateError {
				return
			}
			// Abort does not drain queued messages.
			if ctx.Err() != nil {
				return
			}
		}

		// Threshold maintenance runs to completion before any follow-up
		// turn starts.
		s.maybeCompactAfterTurn(ctx)

		s.mu.Lock()
		if len(s.followQ) == 0 || ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		prompts = s.followQ
		s.followQ = nil
		s.setStateLocked(StatePreparing)
		s.mu.Unlock()
	}
}

// runChain executes steps 2-7 of the prompt drive for one batch of user
// messages.
func (s *Scheduler) runChain(ctx context.Context, prompts []queuedPrompt) error {
	// Step 2: before_agent_start. Injections become user messages first;
	// systemPrompt replacements chain.
	systemPrompt := s.buildSystemPrompt()
	outcome := s.ext.Dispatch(ctx, &extension.Payload{
		Event:        extension.EventBeforeAgentStart,
		Prompt:       firstText(prompts),
		SystemPrompt: systemPrompt,
	})
	if outcome.SystemPrompt != "" {
		systemPrompt = outcome.SystemPrompt
	}
	for _, m := range outcome.Messages {
		if _, err := s.appendMessage(m); err != nil {
			s.fatal(err)
			return err
		}
	}

	// Step 3: append the user messages.
	for _, p := range prompts {
		if _, err := s.appendUserPrompt(p); err != nil {
			s.fatal(err)
			return err
		}
	}

	s.emit(event.AgentEventData{Kind: event.AgentStart})

	var lastErr error
	for {
		steered, err := s.runTurn(ctx, systemPrompt)
		if err != nil {
			lastErr = err
			break
		}
		// A steer that landed during pure streaming (no tool in flight)
		// still restarts the turn; the queue must never strand.
		s.mu.Lock()
		pending := s.steerPending
		s.mu.Unlock()
		if !steered && !pending {
			break
		}

		// Steering restarts with the queued messages as user input.
		s.mu.Lock()
		queued := s.steerQ
		s.steerQ = nil
		s.steerPending = false
		s.mu.Unlock()
		for _, p := range queued {
			if _, err := s.appendUserPrompt(p); err != nil {
				s.fatal(err)
				return err
			}
		}
	}

	s.emit(event.AgentEventData{Kind: event.AgentEnd})
	return lastErr
}

// runTurn drives one turn: repeated LLM steps and serialized tool
// executions until a step produces no tool calls. Returns steered=true when
// the turn ended because of a steering interrupt.
func (s *Scheduler) runTurn(ctx context.Context, systemPrompt string) (bool, error) {
	s.emit(event.AgentEventData{Kind: event.TurnStart})

	turnErr := func(err error) (bool, error) {
		s.emit(event.AgentEventData{Kind: event.TurnEnd, Error: err.Error()})
		return false, err
	}

	compacted := false
	for step := 0; ; step++ {
		if ctx.Err() != nil {
			return turnErr(fmt.Errorf("turn aborted"))
		}
		if step >= MaxSteps {
			return turnErr(fmt.Errorf("maximum steps reached"))
		}
		// A steer queued between steps restarts before the next request.
		s.mu.Lock()
		pending := s.steerPending
		s.mu.Unlock()
		if pending && step > 0 {
			s.emit(event.AgentEventData{Kind: event.TurnEnd})
			return true, nil
		}

		// Step 4: materialize the branch and let extensions rewrite it.
		messages, err := s.buildMessages(systemPrompt)
		if err != nil {
			s.fatal(err)
			return false, err
		}
		outcome := s.ext.Dispatch(ctx, &extension.Payload{
			Event:    extension.EventContext,
			Messages: extension.CloneMessages(messages),
		})
		if outcome.Context != nil {
			messages = outcome.Context
		}

		// Step 5: stream, with retry and overflow recovery.
		pm, err := s.streamStep(ctx, messages, &compacted)
		if err != nil {
			// The partial assistant message is still recorded.
			if pm != nil && !pm.empty() {
				pm.failure = err
				s.appendAssistant(pm)
			}
			if provider.KindOf(err) == provider.KindOverflow {
				return turnErr(fmt.Errorf("context overflow persisted after compaction: %w", err))
			}
			return turnErr(err)
		}

		entryID, err := s.appendAssistant(pm)
		if err != nil {
			s.fatal(err)
			return false, err
		}
		s.emit(event.AgentEventData{Kind: event.MessageEnd, EntryID: entryID, Usage: pm.usage})

		if len(pm.toolCalls) == 0 {
			s.emit(event.AgentEventData{Kind: event.TurnEnd})
			return false, nil
		}

		// Step 6: serialized tool execution.
		steered, err := s.executeToolCalls(ctx, pm.toolCalls)
		if err != nil {
			return turnErr(err)
		}
		if steered {
			s.emit(event.AgentEventData{Kind: event.TurnEnd})
			return true, nil
		}
		// Step 7: tool results exist, continue the turn.
	}
}

// streamStep performs one LLM request with the retry and overflow policy.
// The returned pending message is non-nil even on failure so partial
// content survives.
func (s *Scheduler) streamStep(ctx context.Context, messages []*schema.Message, compacted *bool) (*pendingMessage, error) {
	s.setState(StateStreaming)

	s.mu.Lock()
	model := s.model
	thinking := s.thinking
	autoRetry := s.autoRetry
	s.mu.Unlock()

	prov, err := s.providers.Get(model.ProviderID)
	if err != nil {
		return newPendingMessage(model), err
	}
	modelInfo, err := s.providers.GetModel(model.ProviderID, model.ModelID)
	if err != nil {
		return newPendingMessage(model), err
	}

	req := &provider.CompletionRequest{
		Model:         model.ModelID,
		Messages:      messages,
		Tools:         s.toolSnapshot(),
		MaxTokens:     modelInfo.MaxOutputTokens,
		ThinkingLevel: thinking,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(s.cfg.Retry.BaseDelayMs) * time.Millisecond
	bo.Multiplier = 2.0
	bo.MaxElapsedTime = 0
	retries := backoff.WithMaxRetries(bo, uint64(s.cfg.Retry.MaxRetries))
	retries.Reset()

	attempt := 0
	for {
		pm := newPendingMessage(model)

		streamCtx, streamCancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.streamCancel = streamCancel
		s.mu.Unlock()

		stream, err := prov.CreateCompletion(streamCtx, req)
		if err == nil {
			err = s.processStream(streamCtx, stream, pm)
			stream.Close()
		}

		s.mu.Lock()
		s.streamCancel = nil
		steered := s.steerPending
		s.mu.Unlock()
		streamCancel()

		if err == nil {
			return pm, nil
		}
		// A steering interrupt cancels the stream; the partial message is
		// a normal outcome, not an error.
		if steered && ctx.Err() == nil {
			pm.finish = "aborted"
			return pm, nil
		}
		if ctx.Err() != nil {
			pm.finish = "aborted"
			pm.failure = fmt.Errorf("turn aborted")
			s.appendAssistant(pm)
			return nil, context.Canceled
		}

		switch provider.KindOf(err) {
		case provider.KindOverflow:
			if *compacted {
				return pm, err
			}
			// Overflow recovery: compact, then retry the same step once.
			s.setState(StateOverflowCompact)
			if _, cerr := s.Compact(ctx, CompactOptions{Auto: true}); cerr != nil {
				return pm, fmt.Errorf("compaction after overflow failed: %w", cerr)
			}
			*compacted = true
			var rebuildErr error
			req.Messages, rebuildErr = s.rebuildAfterCompact(ctx, req.Messages)
			if rebuildErr != nil {
				return pm, rebuildErr
			}
			s.setState(StateStreaming)
			continue

		case provider.KindTransient:
			if !autoRetry {
				return pm, err
			}
			wait := retries.NextBackOff()
			if wait == backoff.Stop {
				return pm, err
			}
			attempt++
			s.emit(event.AgentEventData{Kind: event.Retry, Attempt: attempt, Error: err.Error()})
			logging.Warn().Str("session", s.log.ID()).Int("attempt", attempt).Err(err).Msg("transient provider error, retrying")
			if werr := s.retryWait(ctx, wait); werr != nil {
				return pm, err
			}
			continue

		default:
			return pm, err
		}
	}
}

// retryWait sleeps for the backoff interval, abortable by turn abort or
// abort_retry.
func (s *Scheduler) retryWait(ctx context.Context, d time.Duration) error {
	retryCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.retryCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.retryCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-retryCtx.Done():
		return retryCtx.Err()
	}
}

// rebuildAfterCompact re-materializes the outgoing messages after an
// overflow compaction, preserving the system prompt at index 0.
func (s *Scheduler) rebuildAfterCompact(ctx context.Context, prev []*schema.Message) ([]*schema.Message, error) {
	systemPrompt := ""
	if len(prev) > 0 && prev[0].Role == schema.System {
		systemPrompt = prev[0].Content
	}
	messages, err := s.buildMessages(systemPrompt)
	if err != nil {
		return nil, err
	}
	outcome := s.ext.Dispatch(ctx, &extension.Payload{
		Event:    extension.EventContext,
		Messages: extension.CloneMessages(messages),
	})
	if outcome.Context != nil {
		return outcome.Context, nil
	}
	return messages, nil
}

func firstText(prompts []queuedPrompt) string {
	if len(prompts) == 0 {
		return ""
	}
	return prompts[0].text
}
