// Package session implements the agent turn scheduler: the per-session state
// machine that drives one user prompt through LLM streaming, tool execution,
// result assembly, and termination, with steering, follow-up, abort, retry,
// and auto-compaction.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/agentd-ai/agentd/internal/event"
	"github.com/agentd-ai/agentd/internal/extension"
	"github.com/agentd-ai/agentd/internal/logging"
	"github.com/agentd-ai/agentd/internal/provider"
	"github.com/agentd-ai/agentd/internal/sessionlog"
	"github.com/agentd-ai/agentd/internal/tool"
	"github.com/agentd-ai/agentd/pkg/types"
)

// State is the scheduler's lifecycle state.
type State string

const (
	StateIdle            State = "idle"
	StatePreparing       State = "preparing"
	StateStreaming       State = "streaming"
	StateToolExecuting   State = "tool_executing"
	StateOverflowCompact State = "overflow_compact"
	StateCompacting      State = "compacting"
	// StateError is terminal: storage failed and the session cannot
	// continue.
	StateError State = "error"
)

// StreamingBehavior controls what a prompt does while a turn is active.
type StreamingBehavior string

const (
	BehaviorSteer    StreamingBehavior = "steer"
	BehaviorFollowUp StreamingBehavior = "followUp"
	BehaviorNextTurn StreamingBehavior = "nextTurn"
)

// ErrBusy is returned when an operation needs an idle scheduler.
var ErrBusy = errors.New("a turn is already active")

// PromptOptions modifies prompt handling.
type PromptOptions struct {
	Behavior StreamingBehavior
	Images   []types.ContentPart
}

type queuedPrompt struct {
	text   string
	images []types.ContentPart
}

// Scheduler is the long-lived state machine for one session. All mutation of
// scheduler state happens under mu; the agent run itself executes in a
// single goroutine per prompt chain, so session log appends are serialized.
type Scheduler struct {
	log       *sessionlog.Log
	events    *event.Bus
	ext       *extension.Bus
	providers *provider.Registry
	tools     *tool.Registry
	cfg       *types.Config

	mu    sync.Mutex
	state State

	model    types.ModelRef
	thinking string

	autoCompact     bool
	autoRetry       bool
	defaultBehavior StreamingBehavior

	steerQ  []queuedPrompt
	followQ []queuedPrompt
	nextQ   []queuedPrompt

	// Per-turn control. turnCancel aborts everything; streamCancel aborts
	// only the in-flight LLM stream and toolCancel only the executing tool
	// (both used by steering); retryCancel aborts a backoff wait.
	turnCancel   context.CancelFunc
	streamCancel context.CancelFunc
	toolCancel   context.CancelFunc
	retryCancel  context.CancelFunc
	steerPending bool
	inTool       bool

	// activeTools restricts the tool snapshot; nil means all registered.
	activeTools []string

	runDone chan struct{}
}

// NewScheduler wires a scheduler over its collaborators.
func NewScheduler(log *sessionlog.Log, events *event.Bus, ext *extension.Bus, providers *provider.Registry, tools *tool.Registry, cfg *types.Config) *Scheduler {
	s := &Scheduler{
		log:             log,
		events:          events,
		ext:             ext,
		providers:       providers,
		tools:           tools,
		cfg:             cfg,
		state:           StateIdle,
		thinking:        cfg.ThinkingLevel,
		autoCompact:     cfg.AutoCompaction == nil || *cfg.AutoCompaction,
		autoRetry:       cfg.AutoRetry == nil || *cfg.AutoRetry,
		defaultBehavior: BehaviorSteer,
	}
	if ref, err := types.ParseModelRef(cfg.Model); err == nil {
		s.model = ref
	} else if m, err := providers.DefaultModel(); err == nil {
		s.model = types.ModelRef{ProviderID: m.ProviderID, ModelID: m.ID}
	}
	return s
}

// Log returns the underlying session log.
func (s *Scheduler) Log() *sessionlog.Log { return s.log }

// Extensions returns the extension bus.
func (s *Scheduler) Extensions() *extension.Bus { return s.ext }

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsStreaming reports whether a turn is active.
func (s *Scheduler) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateIdle && s.state != StateError
}

// Model returns the session's active model.
func (s *Scheduler) Model() types.ModelRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetModel switches the active model after validating it exists.
func (s *Scheduler) SetModel(ref types.ModelRef) error {
	if _, err := s.providers.GetModel(ref.ProviderID, ref.ModelID); err != nil {
		return err
	}
	s.mu.Lock()
	s.model = ref
	s.mu.Unlock()
	return nil
}

// CycleModel advances to the next available model and returns it.
func (s *Scheduler) CycleModel() (types.ModelRef, error) {
	s.mu.Lock()
	cur := s.model
	s.mu.Unlock()
	next, err := s.providers.NextModel(cur)
	if err != nil {
		return types.ModelRef{}, err
	}
	ref := types.ModelRef{ProviderID: next.ProviderID, ModelID: next.ID}
	s.mu.Lock()
	s.model = ref
	s.mu.Unlock()
	return ref, nil
}

// Thinking returns the session thinking level.
func (s *Scheduler) Thinking() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thinking
}

// SetThinking sets the thinking level: off, low, medium, high.
func (s *Scheduler) SetThinking(level string) error {
	switch level {
	case "off", "low", "medium", "high":
	default:
		return errors.New("invalid thinking level: " + level)
	}
	s.mu.Lock()
	s.thinking = level
	s.mu.Unlock()
	return nil
}

// CycleThinking advances the thinking level and returns it.
func (s *Scheduler) CycleThinking() string {
	order := []string{"off", "low", "medium", "high"}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range order {
		if l == s.thinking {
			s.thinking = order[(i+1)%len(order)]
			return s.thinking
		}
	}
	s.thinking = order[0]
	return s.thinking
}

// SetAutoCompaction toggles threshold compaction at turn end.
func (s *Scheduler) SetAutoCompaction(enabled bool) {
	s.mu.Lock()
	s.autoCompact = enabled
	s.mu.Unlock()
}

// SetAutoRetry toggles backoff retries on transient provider errors.
func (s *Scheduler) SetAutoRetry(enabled bool) {
	s.mu.Lock()
	s.autoRetry = enabled
	s.mu.Unlock()
}

// SetSteeringMode makes steer the default behavior for prompts arriving
// mid-turn.
func (s *Scheduler) SetSteeringMode(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enabled {
		s.defaultBehavior = BehaviorSteer
	} else if s.defaultBehavior == BehaviorSteer {
		s.defaultBehavior = BehaviorFollowUp
	}
}

// SetFollowUpMode makes follow-up the default behavior for prompts arriving
// mid-turn.
func (s *Scheduler) SetFollowUpMode(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enabled {
		s.defaultBehavior = BehaviorFollowUp
	} else if s.defaultBehavior == BehaviorFollowUp {
		s.defaultBehavior = BehaviorSteer
	}
}

// SetActiveTools restricts the tool snapshot; nil or empty restores all.
func (s *Scheduler) SetActiveTools(ids []string) {
	s.mu.Lock()
	if len(ids) == 0 {
		s.activeTools = nil
	} else {
		s.activeTools = append([]string(nil), ids...)
	}
	s.mu.Unlock()
}

// Snapshot is the get_state view.
type Snapshot struct {
	SessionID      string         `json:"sessionId"`
	State          State          `json:"state"`
	IsStreaming    bool           `json:"isStreaming"`
	Model          types.ModelRef `json:"model"`
	ThinkingLevel  string         `json:"thinkingLevel"`
	AutoCompaction bool           `json:"autoCompaction"`
	AutoRetry      bool           `json:"autoRetry"`
	QueuedSteer    int            `json:"queuedSteer"`
	QueuedFollowUp int            `json:"queuedFollowUp"`
	LeafID         string         `json:"leafId"`
	EntryCount     int            `json:"entryCount"`
	SessionName    string         `json:"sessionName,omitempty"`
}

// GetState returns a consistent snapshot of the scheduler.
func (s *Scheduler) GetState() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:      s.log.ID(),
		State:          s.state,
		IsStreaming:    s.state != StateIdle && s.state != StateError,
		Model:          s.model,
		ThinkingLevel:  s.thinking,
		AutoCompaction: s.autoCompact,
		AutoRetry:      s.autoRetry,
		QueuedSteer:    len(s.steerQ),
		QueuedFollowUp: len(s.followQ),
		LeafID:         s.log.Leaf(),
		EntryCount:     s.log.Len(),
		SessionName:    s.log.Name(),
	}
}

// Prompt submits user input. When idle it starts an agent run; otherwise the
// message is queued per the streaming behavior. Input first passes the
// extension input hook (handled skips the agent entirely, transform rewrites
// it) and slash-prefixed extension commands.
func (s *Scheduler) Prompt(text string, opts PromptOptions) error {
	outcome := s.ext.Dispatch(context.Background(), &extension.Payload{
		Event: extension.EventInput,
		Input: &extension.InputPayload{Text: text, Images: opts.Images},
	})
	if outcome.Input != nil {
		switch outcome.Input.Action {
		case "handled":
			return nil
		case "transform":
			text = outcome.Input.Text
			if len(outcome.Input.Images) > 0 {
				opts.Images = outcome.Input.Images
			}
		}
	}

	if name, args, ok := splitSlashCommand(text); ok {
		if handled, err := s.ext.RunCommand(context.Background(), name, args); handled {
			return err
		}
	}

	s.mu.Lock()

	if s.state == StateError {
		s.mu.Unlock()
		return errors.New("session is in a permanent error state")
	}

	q := queuedPrompt{text: text, images: opts.Images}

	if s.state != StateIdle {
		behavior := opts.Behavior
		if behavior == "" {
			behavior = s.defaultBehavior
		}
		switch behavior {
		case BehaviorSteer:
			s.steerQ = append(s.steerQ, q)
			s.steerPending = true
			// Interrupt whatever is in flight: the executing tool, or the
			// stream itself. Unexecuted tool calls are dropped by the turn
			// loop.
			if s.inTool && s.toolCancel != nil {
				s.toolCancel()
			} else if s.streamCancel != nil {
				s.streamCancel()
			}
		case BehaviorFollowUp:
			s.followQ = append(s.followQ, q)
		case BehaviorNextTurn:
			s.nextQ = append(s.nextQ, q)
		default:
			s.mu.Unlock()
			return errors.New("unknown streaming behavior: " + string(behavior))
		}
		s.mu.Unlock()
		return nil
	}

	// Idle: drain next-turn queue ahead of this prompt.
	prompts := append(s.nextQ, q)
	s.nextQ = nil
	s.setStateLocked(StatePreparing)
	runCtx, cancel := context.WithCancel(context.Background())
	s.turnCancel = cancel
	s.runDone = make(chan struct{})
	s.mu.Unlock()

	go s.runAgent(runCtx, prompts)
	return nil
}

// splitSlashCommand parses "/name rest" input.
func splitSlashCommand(text string) (name, args string, ok bool) {
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	rest := text[1:]
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		return rest[:i], strings.TrimSpace(rest[i+1:]), true
	}
	return rest, "", true
}

// Abort cancels the active turn: the HTTP stream, the executing tool, and
// any pending backoff. Queued messages are not drained.
func (s *Scheduler) Abort() {
	s.mu.Lock()
	cancel := s.turnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// AbortRetry cancels an in-progress backoff wait without aborting the turn's
// completed work; the turn terminates as if the retries were exhausted.
func (s *Scheduler) AbortRetry() {
	s.mu.Lock()
	cancel := s.retryCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current agent run finishes. Used by tests and by
// host teardown.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.runDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Scheduler) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	s.events.Publish(event.Event{
		Type: event.AgentEvent,
		Data: event.AgentEventData{
			SessionID: s.log.ID(),
			Kind:      event.StateChange,
			State:     string(st),
		},
	})
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.setStateLocked(st)
	s.mu.Unlock()
}

// emit publishes one agent event.
func (s *Scheduler) emit(data event.AgentEventData) {
	data.SessionID = s.log.ID()
	s.events.Publish(event.Event{Type: event.AgentEvent, Data: data})
}

// fatal moves the session to its permanent error state.
func (s *Scheduler) fatal(err error) {
	logging.Error().Str("session", s.log.ID()).Err(err).Msg("session entered permanent error state")
	s.mu.Lock()
	s.setStateLocked(StateError)
	s.mu.Unlock()
	s.emit(event.AgentEventData{Kind: event.TurnError, Error: err.Error(), State: string(StateError)})
}
