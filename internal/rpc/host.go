package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agentd-ai/agentd/internal/event"
	"github.com/agentd-ai/agentd/internal/extension"
	"github.com/agentd-ai/agentd/internal/logging"
	"github.com/agentd-ai/agentd/internal/provider"
	"github.com/agentd-ai/agentd/internal/session"
	"github.com/agentd-ai/agentd/internal/sessionlog"
	"github.com/agentd-ai/agentd/internal/tool"
	"github.com/agentd-ai/agentd/pkg/types"
)

// ExtensionFactory builds extra extensions for a session (beyond the
// built-in guard and configured MCP servers).
type ExtensionFactory func(ctx context.Context) []*extension.Extension

// Host owns the active session and its collaborators, and exposes them to
// the command dispatcher and the transports.
type Host struct {
	cfg       *types.Config
	dir       string // session storage dir
	workDir   string
	events    *event.Bus
	providers *provider.Registry
	tools     *tool.Registry
	factories []ExtensionFactory

	mu    sync.Mutex
	sched *session.Scheduler
	ui    *extension.UIBridge

	bashMu     sync.Mutex
	bashCancel context.CancelFunc
}

// NewHost creates a host with a fresh session.
func NewHost(ctx context.Context, cfg *types.Config, workDir string, events *event.Bus, providers *provider.Registry, tools *tool.Registry, factories ...ExtensionFactory) (*Host, error) {
	h := &Host{
		cfg:       cfg,
		dir:       cfg.DataDir,
		workDir:   workDir,
		events:    events,
		providers: providers,
		tools:     tools,
		factories: factories,
	}
	log, err := sessionlog.Create(h.dir)
	if err != nil {
		return nil, err
	}
	h.attach(ctx, log)
	return h, nil
}

// attach builds the per-session machinery around a log and makes it active.
func (h *Host) attach(ctx context.Context, log *sessionlog.Log) {
	ui := extension.NewUIBridge(log.ID(), h.events)

	actions := &extension.Actions{}
	bus := extension.NewBus(log.ID(), h.events, ui, actions)

	bus.Register(extension.NewGuard(h.cfg.Guard))
	for _, ext := range extension.NewMCPExtensions(ctx, h.cfg.MCP) {
		bus.Register(ext)
	}
	for _, f := range h.factories {
		for _, ext := range f(ctx) {
			bus.Register(ext)
		}
	}
	// Overriding a built-in tool name is allowed but surfaced to the UI.
	h.tools.OnOverride = func(name string) {
		ui.Notify("notify", map[string]any{
			"text": fmt.Sprintf("extension overrides built-in tool %q", name),
		})
	}
	for _, t := range bus.Tools() {
		h.tools.Register(t)
	}

	sched := session.NewScheduler(log, h.events, bus, h.providers, h.tools, h.cfg)

	// Action capabilities close over the scheduler they belong to.
	actions.SendMessage = func(text string) {
		if err := sched.Prompt(text, session.PromptOptions{Behavior: session.BehaviorFollowUp}); err != nil {
			logging.Warn().Err(err).Msg("extension send message failed")
		}
	}
	actions.AppendEntry = func(e *types.Entry) (string, error) {
		if e.Type != types.EntryCustom {
			return "", errors.New("extensions may only append custom entries")
		}
		if e.ParentID == nil {
			leaf := log.Leaf()
			if leaf != "" {
				e.ParentID = &leaf
			}
		}
		return log.Append(e)
	}
	actions.SetTools = sched.SetActiveTools
	actions.SetModel = sched.SetModel

	h.mu.Lock()
	h.sched = sched
	h.ui = ui
	h.mu.Unlock()
}

// Scheduler returns the active session's scheduler.
func (h *Host) Scheduler() *session.Scheduler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sched
}

// UI returns the active session's UI bridge.
func (h *Host) UI() *extension.UIBridge {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ui
}

// ResolveUI answers a pending extension UI round-trip. Unknown ids are
// treated as already timed out.
func (h *Host) ResolveUI(id string, value []byte) bool {
	return h.UI().Resolve(id, value)
}

// SessionID returns the active session id.
func (h *Host) SessionID() string {
	return h.Scheduler().Log().ID()
}

// NewSession shuts the current session down and starts a fresh one.
func (h *Host) NewSession(ctx context.Context) (string, error) {
	sched := h.Scheduler()
	if sched.IsStreaming() {
		return "", session.ErrBusy
	}
	log, err := sessionlog.Create(h.dir)
	if err != nil {
		return "", err
	}
	h.teardown(ctx)
	h.attach(ctx, log)
	return log.ID(), nil
}

// SwitchSession moves the host to another session after the
// session_before_switch hook allows it. A non-empty summary is recorded as a
// branchSummary entry on the abandoned branch; it is informational only and
// never reaches the LLM.
func (h *Host) SwitchSession(ctx context.Context, id, summary string) error {
	sched := h.Scheduler()
	if sched.IsStreaming() {
		return session.ErrBusy
	}
	outcome := sched.Extensions().Dispatch(ctx, &extension.Payload{
		Event:           extension.EventSessionBeforeSwitch,
		TargetSessionID: id,
	})
	if outcome.Cancel {
		return errors.New("session switch cancelled by extension")
	}

	log, err := sessionlog.Open(h.dir, id)
	if err != nil {
		return err
	}

	if summary != "" {
		old := sched.Log()
		e := &types.Entry{
			Type:       types.EntryBranchSummary,
			Summary:    summary,
			FromLeafID: old.Leaf(),
			ToLeafID:   log.Leaf(),
		}
		if leaf := old.Leaf(); leaf != "" {
			e.ParentID = &leaf
		}
		if _, err := old.Append(e); err != nil {
			logging.Warn().Err(err).Msg("failed to record branch summary")
		}
	}

	h.teardown(ctx)
	h.attach(ctx, log)
	return nil
}

// Fork creates a new session whose leaf is atEntryID on the current branch.
// The source session stays active.
func (h *Host) Fork(ctx context.Context, atEntryID string) (string, error) {
	sched := h.Scheduler()
	outcome := sched.Extensions().Dispatch(ctx, &extension.Payload{
		Event:         extension.EventSessionBeforeFork,
		TargetEntryID: atEntryID,
	})
	if outcome.Cancel {
		return "", errors.New("fork cancelled by extension")
	}

	fork, err := sched.Log().Fork(atEntryID)
	if err != nil {
		return "", err
	}
	id := fork.ID()
	// The fork is opened on demand; release its handle and lock now.
	fork.Close()
	return id, nil
}

// RunBash executes a shell command outside any turn. One at a time.
func (h *Host) RunBash(ctx context.Context, command string) (*tool.Result, error) {
	h.bashMu.Lock()
	if h.bashCancel != nil {
		h.bashMu.Unlock()
		return nil, errors.New("a bash command is already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.bashCancel = cancel
	h.bashMu.Unlock()

	defer func() {
		cancel()
		h.bashMu.Lock()
		h.bashCancel = nil
		h.bashMu.Unlock()
	}()

	bash, ok := h.tools.Get("bash")
	if !ok {
		return nil, errors.New("bash tool not registered")
	}
	input := fmt.Sprintf(`{"command":%q}`, command)
	return bash.Execute(runCtx, []byte(input), &tool.Context{
		SessionID: h.SessionID(),
		WorkDir:   h.workDir,
	})
}

// AbortBash cancels the running bash command, if any.
func (h *Host) AbortBash() bool {
	h.bashMu.Lock()
	defer h.bashMu.Unlock()
	if h.bashCancel == nil {
		return false
	}
	h.bashCancel()
	return true
}

// teardown dismantles the active session's machinery.
func (h *Host) teardown(ctx context.Context) {
	h.mu.Lock()
	sched := h.sched
	h.mu.Unlock()
	if sched == nil {
		return
	}
	sched.Abort()
	sched.Wait()
	sched.Extensions().Shutdown(ctx)
	if err := sched.Log().Close(); err != nil {
		logging.Warn().Err(err).Msg("failed to close session log")
	}
}

// Shutdown tears the host down for process exit.
func (h *Host) Shutdown(ctx context.Context) {
	h.teardown(ctx)
}
