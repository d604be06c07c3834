package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/agentd-ai/agentd/internal/event"
	"github.com/agentd-ai/agentd/internal/extension"
	"github.com/agentd-ai/agentd/internal/provider"
	"github.com/agentd-ai/agentd/internal/sessionlog"
	"github.com/agentd-ai/agentd/internal/tool"
	"github.com/agentd-ai/agentd/pkg/types"
)

// scriptItem is one provider response: an error, or a chunk sequence.
type scriptItem struct {
	err    error
	chunks []*schema.Message
}

// fakeProvider replays scripted responses in order.
type fakeProvider struct {
	mu     sync.Mutex
	script []scriptItem
	calls  int
}

func (f *fakeProvider) ID() string   { return "fake" }
func (f *fakeProvider) Name() string { return "Fake" }
func (f *fakeProvider) Models() []provider.Model {
	return []provider.Model{{
		ID:              "fake-model",
		ProviderID:      "fake",
		Name:            "Fake Model",
		ContextWindow:   100000,
		MaxOutputTokens: 1000,
		SupportsTools:   true,
	}}
}
func (f *fakeProvider) ChatModel() einomodel.ToolCallingChatModel { return nil }

func (f *fakeProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.script) {
		return nil, errors.New("script exhausted")
	}
	item := f.script[f.calls]
	f.calls++
	if item.err != nil {
		return nil, item.err
	}
	return provider.NewCompletionStream(schema.StreamReaderFromArray(item.chunks)), nil
}

func intPtr(v int) *int { return &v }

func textResponse(text string) scriptItem {
	return scriptItem{chunks: []*schema.Message{
		{Role: schema.Assistant, Content: text},
		{Role: schema.Assistant, ResponseMeta: &schema.ResponseMeta{
			FinishReason: "stop",
			Usage:        &schema.TokenUsage{PromptTokens: 10, CompletionTokens: 5},
		}},
	}}
}

func toolCallResponse(callID, toolName, args string) scriptItem {
	return scriptItem{chunks: []*schema.Message{
		{Role: schema.Assistant, ToolCalls: []schema.ToolCall{{
			Index:    intPtr(0),
			ID:       callID,
			Function: schema.FunctionCall{Name: toolName},
		}}},
		{Role: schema.Assistant, ToolCalls: []schema.ToolCall{{
			Index:    intPtr(0),
			Function: schema.FunctionCall{Arguments: args},
		}}},
		{Role: schema.Assistant, ResponseMeta: &schema.ResponseMeta{
			FinishReason: "tool_use",
			Usage:        &schema.TokenUsage{PromptTokens: 20, CompletionTokens: 8},
		}},
	}}
}

// stubTool is a scriptable tool.
type stubTool struct {
	id      string
	started chan struct{}
	execute func(ctx context.Context, input json.RawMessage, tc *tool.Context) (*tool.Result, error)
	ran     bool
}

func (s *stubTool) ID() string          { return s.id }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}
func (s *stubTool) Execute(ctx context.Context, input json.RawMessage, tc *tool.Context) (*tool.Result, error) {
	s.ran = true
	if s.started != nil {
		close(s.started)
	}
	if s.execute != nil {
		return s.execute(ctx, input, tc)
	}
	return &tool.Result{Content: "stub done"}, nil
}

type eventLog struct {
	mu    sync.Mutex
	kinds []string
}

func (e *eventLog) record(ev event.Event) {
	if ev.Type != event.AgentEvent {
		return
	}
	e.mu.Lock()
	e.kinds = append(e.kinds, ev.Data.(event.AgentEventData).Kind)
	e.mu.Unlock()
}

func (e *eventLog) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.kinds...)
}

func (e *eventLog) indexOf(kind string) int {
	for i, k := range e.snapshot() {
		if k == kind {
			return i
		}
	}
	return -1
}

func testConfig() *types.Config {
	return &types.Config{
		Model: "fake/fake-model",
		Compaction: types.CompactionConfig{
			KeepRecentTokens: 50,
			ReserveTokens:    100,
		},
		Retry: types.RetryConfig{MaxRetries: 2, BaseDelayMs: 1},
	}
}

func newTestScheduler(t *testing.T, script []scriptItem, stubs []tool.Tool, exts ...*extension.Extension) (*Scheduler, *eventLog, *event.Bus) {
	t.Helper()

	log, err := sessionlog.Create(t.TempDir())
	if err != nil {
		t.Fatalf("Create session failed: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	events := event.NewBus()
	el := &eventLog{}
	events.SubscribeAll(el.record)

	ui := extension.NewUIBridge(log.ID(), events)
	bus := extension.NewBus(log.ID(), events, ui, &extension.Actions{})
	for _, e := range exts {
		bus.Register(e)
	}

	providers := provider.NewRegistry("fake/fake-model")
	providers.Register(&fakeProvider{script: script})

	tools := tool.NewRegistry(t.TempDir())
	for _, st := range stubs {
		tools.Register(st)
	}

	sched := NewScheduler(log, events, bus, providers, tools, testConfig())
	return sched, el, events
}

func branchOf(t *testing.T, s *Scheduler) []*types.Entry {
	t.Helper()
	branch, err := s.Log().Branch(s.Log().Leaf())
	if err != nil {
		t.Fatalf("Branch failed: %v", err)
	}
	return branch
}

func TestSimplePrompt(t *testing.T) {
	sched, el, _ := newTestScheduler(t, []scriptItem{textResponse("Hello there")}, nil)

	if err := sched.Prompt("hi", PromptOptions{}); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	sched.Wait()

	if sched.State() != StateIdle {
		t.Errorf("state = %s, want idle", sched.State())
	}
	if sched.IsStreaming() {
		t.Error("isStreaming after completion")
	}

	branch := branchOf(t, sched)
	if len(branch) != 2 {
		t.Fatalf("branch = %d entries, want user + assistant", len(branch))
	}
	if branch[0].Message.Role != types.RoleUser || branch[0].Message.Text() != "hi" {
		t.Errorf("first entry: %+v", branch[0].Message)
	}
	if branch[1].Message.Role != types.RoleAssistant || branch[1].Message.Text() != "Hello there" {
		t.Errorf("second entry: %+v", branch[1].Message)
	}
	if branch[1].Message.Tokens == nil || branch[1].Message.Tokens.Input != 10 {
		t.Errorf("usage not recorded: %+v", branch[1].Message.Tokens)
	}

	// Ordering: agent_start < turn_start < text_delta < turn_end < agent_end.
	order := []string{event.AgentStart, event.TurnStart, event.TextDelta, event.TurnEnd, event.AgentEnd}
	last := -1
	for _, kind := range order {
		idx := el.indexOf(kind)
		if idx < 0 {
			t.Fatalf("event %s missing from %v", kind, el.snapshot())
		}
		if idx <= last {
			t.Errorf("event %s out of order in %v", kind, el.snapshot())
		}
		last = idx
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	stub := &stubTool{id: "stub"}
	sched, _, _ := newTestScheduler(t,
		[]scriptItem{
			toolCallResponse("call1", "stub", `{}`),
			textResponse("all done"),
		},
		[]tool.Tool{stub},
	)

	if err := sched.Prompt("do it", PromptOptions{}); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	sched.Wait()

	if !stub.ran {
		t.Fatal("tool never executed")
	}

	branch := branchOf(t, sched)
	// user, assistant(toolcall), toolResult, assistant(text)
	if len(branch) != 4 {
		t.Fatalf("branch length = %d, want 4", len(branch))
	}
	call := branch[1].Message
	if len(call.ToolCalls) != 1 || call.ToolCalls[0].ID != "call1" {
		t.Fatalf("assistant tool calls: %+v", call.ToolCalls)
	}
	result := branch[2].Message
	if result.Role != types.RoleToolResult || result.ToolCallID != "call1" || result.ToolName != "stub" {
		t.Errorf("tool result binding: %+v", result)
	}
	if result.Text() != "stub done" {
		t.Errorf("tool result content = %q", result.Text())
	}
	if branch[3].Message.Text() != "all done" {
		t.Errorf("final assistant = %q", branch[3].Message.Text())
	}
}

func TestToolBlockedByExtension(t *testing.T) {
	stub := &stubTool{id: "stub"}
	blocker := &extension.Extension{
		Name: "blocker",
		Handlers: map[extension.Event]extension.Handler{
			extension.EventToolCall: func(ctx context.Context, p *extension.Payload, h *extension.HandlerContext) (*extension.Decision, error) {
				return &extension.Decision{Block: true, Reason: "nope"}, nil
			},
		},
	}
	sched, _, _ := newTestScheduler(t,
		[]scriptItem{
			toolCallResponse("call1", "stub", `{}`),
			textResponse("ok, understood"),
		},
		[]tool.Tool{stub},
		blocker,
	)

	if err := sched.Prompt("try", PromptOptions{}); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	sched.Wait()

	if stub.ran {
		t.Error("blocked tool must not execute")
	}
	branch := branchOf(t, sched)
	if len(branch) != 4 {
		t.Fatalf("branch length = %d, want 4 (turn continues after block)", len(branch))
	}
	result := branch[2].Message
	if !result.IsError || result.Text() != "nope" {
		t.Errorf("synthetic block result: %+v", result)
	}
}

func TestSteerMidTool(t *testing.T) {
	started := make(chan struct{})
	slow := &stubTool{
		id:      "slow",
		started: started,
		execute: func(ctx context.Context, input json.RawMessage, tc *tool.Context) (*tool.Result, error) {
			select {
			case <-tc.AbortCh:
				return &tool.Result{Content: "interrupted", IsError: true, Details: map[string]any{"cancelled": true}}, nil
			case <-time.After(10 * time.Second):
				return &tool.Result{Content: "slept full"}, nil
			}
		},
	}
	sched, _, _ := newTestScheduler(t,
		[]scriptItem{
			toolCallResponse("call1", "slow", `{}`),
			textResponse("steered response"),
		},
		[]tool.Tool{slow},
	)

	if err := sched.Prompt("run slow", PromptOptions{}); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}
	if err := sched.Prompt("actually stop", PromptOptions{Behavior: BehaviorSteer}); err != nil {
		t.Fatalf("steer failed: %v", err)
	}
	sched.Wait()

	branch := branchOf(t, sched)
	// user, assistant(toolcall), toolResult(cancelled), user(steer), assistant
	if len(branch) != 5 {
		t.Fatalf("branch length = %d, want 5: %+v", len(branch), branch)
	}
	result := branch[2].Message
	if !result.IsError {
		t.Errorf("interrupted tool result not marked: %+v", result)
	}
	if branch[3].Message.Role != types.RoleUser || branch[3].Message.Text() != "actually stop" {
		t.Errorf("steer message entry: %+v", branch[3].Message)
	}
	if branch[4].Message.Text() != "steered response" {
		t.Errorf("post-steer assistant = %q", branch[4].Message.Text())
	}
}

func TestAbortKeepsQueues(t *testing.T) {
	started := make(chan struct{})
	slow := &stubTool{
		id:      "slow",
		started: started,
		execute: func(ctx context.Context, input json.RawMessage, tc *tool.Context) (*tool.Result, error) {
			<-tc.AbortCh
			return &tool.Result{Content: "cancelled", IsError: true}, nil
		},
	}
	sched, _, _ := newTestScheduler(t,
		[]scriptItem{toolCallResponse("call1", "slow", `{}`)},
		[]tool.Tool{slow},
	)

	if err := sched.Prompt("go", PromptOptions{}); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	<-started
	if err := sched.Prompt("later", PromptOptions{Behavior: BehaviorFollowUp}); err != nil {
		t.Fatalf("follow_up failed: %v", err)
	}
	sched.Abort()
	sched.Wait()

	if sched.State() != StateIdle {
		t.Errorf("state = %s, want idle after abort", sched.State())
	}
	// Abort does not drain queued messages.
	if got := sched.GetState().QueuedFollowUp; got != 1 {
		t.Errorf("queued follow-ups = %d, want 1", got)
	}
	// The partial assistant message was persisted.
	branch := branchOf(t, sched)
	foundAssistant := false
	for _, e := range branch {
		if e.Message != nil && e.Message.Role == types.RoleAssistant {
			foundAssistant = true
		}
	}
	if !foundAssistant {
		t.Error("partial assistant message not persisted on abort")
	}
}

func TestFollowUpRunsAfterTurn(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	slow := &stubTool{
		id:      "slow",
		started: started,
		execute: func(ctx context.Context, input json.RawMessage, tc *tool.Context) (*tool.Result, error) {
			<-release
			return &tool.Result{Content: "done"}, nil
		},
	}
	sched, el, _ := newTestScheduler(t,
		[]scriptItem{
			toolCallResponse("call1", "slow", `{}`),
			textResponse("first answer"),
			textResponse("second answer"),
		},
		[]tool.Tool{slow},
	)

	if err := sched.Prompt("first", PromptOptions{}); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	<-started
	if err := sched.Prompt("second", PromptOptions{Behavior: BehaviorFollowUp}); err != nil {
		t.Fatalf("follow_up failed: %v", err)
	}
	close(release)
	sched.Wait()

	branch := branchOf(t, sched)
	var texts []string
	for _, e := range branch {
		if e.Message != nil && e.Message.Role == types.RoleUser {
			texts = append(texts, e.Message.Text())
		}
	}
	if len(texts) != 2 || texts[0] != "first" || texts[1] != "second" {
		t.Errorf("user messages = %v", texts)
	}

	starts := 0
	for _, k := range el.snapshot() {
		if k == event.AgentStart {
			starts++
		}
	}
	if starts != 2 {
		t.Errorf("agent_start count = %d, want 2 (one per chain)", starts)
	}
}

func TestTransientErrorRetried(t *testing.T) {
	sched, el, _ := newTestScheduler(t,
		[]scriptItem{
			{err: errors.New("connection reset by peer")},
			textResponse("recovered"),
		},
		nil,
	)

	if err := sched.Prompt("hi", PromptOptions{}); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	sched.Wait()

	branch := branchOf(t, sched)
	last := branch[len(branch)-1].Message
	if last.Text() != "recovered" {
		t.Errorf("final text = %q, want recovered", last.Text())
	}
	if el.indexOf(event.Retry) < 0 {
		t.Error("retry event missing")
	}
}

func TestNonTransientErrorFailsTurn(t *testing.T) {
	sched, _, _ := newTestScheduler(t,
		[]scriptItem{
			{err: provider.NewError(provider.KindAuth, errors.New("invalid api key"))},
		},
		nil,
	)

	if err := sched.Prompt("hi", PromptOptions{}); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	sched.Wait()

	if sched.State() != StateIdle {
		t.Errorf("state = %s, want idle after failed turn", sched.State())
	}
}

func TestContextOverflowCompactsAndRetries(t *testing.T) {
	sched, _, _ := newTestScheduler(t,
		[]scriptItem{
			{err: errors.New("prompt is too long: maximum context exceeded")},
			textResponse("a compact summary of the early conversation"),
			textResponse("continuing after compaction"),
		},
		nil,
	)

	// Seed a branch long enough that the retention boundary is interior.
	log := sched.Log()
	parent := ""
	for i := 0; i < 6; i++ {
		e := &types.Entry{
			Type: types.EntryMessage,
			Message: &types.Message{
				Role:    types.RoleUser,
				Content: types.TextContent("padding padding padding padding padding padding padding padding padding padding padding padding"),
			},
		}
		if parent != "" {
			e.ParentID = &parent
		}
		id, err := log.Append(e)
		if err != nil {
			t.Fatal(err)
		}
		parent = id
	}

	if err := sched.Prompt("go on", PromptOptions{}); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	sched.Wait()

	branch := branchOf(t, sched)
	compactions := 0
	for _, e := range branch {
		if e.Type == types.EntryCompaction {
			compactions++
			if e.Summary == "" || e.FirstKeptEntryID == "" {
				t.Errorf("compaction entry incomplete: %+v", e)
			}
		}
	}
	if compactions != 1 {
		t.Fatalf("compaction entries = %d, want 1", compactions)
	}
	last := branch[len(branch)-1].Message
	if last == nil || last.Text() != "continuing after compaction" {
		t.Errorf("turn did not complete after overflow recovery: %+v", last)
	}
}

func TestExtensionSuppliedCompaction(t *testing.T) {
	supplier := &extension.Extension{
		Name: "supplier",
		Handlers: map[extension.Event]extension.Handler{
			extension.EventSessionBeforeCompact: func(ctx context.Context, p *extension.Payload, h *extension.HandlerContext) (*extension.Decision, error) {
				return &extension.Decision{Compaction: &extension.CompactionOverride{Summary: "supplied summary"}}, nil
			},
		},
	}
	sched, _, _ := newTestScheduler(t, nil, nil, supplier)

	log := sched.Log()
	parent := ""
	for i := 0; i < 6; i++ {
		e := &types.Entry{
			Type: types.EntryMessage,
			Message: &types.Message{
				Role:    types.RoleUser,
				Content: types.TextContent("padding padding padding padding padding padding padding padding padding padding"),
			},
		}
		if parent != "" {
			e.ParentID = &parent
		}
		id, err := log.Append(e)
		if err != nil {
			t.Fatal(err)
		}
		parent = id
	}

	// No LLM call happens: the script is empty and must stay untouched.
	id, err := sched.Compact(context.Background(), CompactOptions{})
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	e, ok := log.Get(id)
	if !ok || e.Summary != "supplied summary" {
		t.Errorf("compaction entry: %+v", e)
	}
}

func TestCompactionCancelledByExtension(t *testing.T) {
	canceller := &extension.Extension{
		Name: "canceller",
		Handlers: map[extension.Event]extension.Handler{
			extension.EventSessionBeforeCompact: func(ctx context.Context, p *extension.Payload, h *extension.HandlerContext) (*extension.Decision, error) {
				return &extension.Decision{Cancel: true}, nil
			},
		},
	}
	sched, _, _ := newTestScheduler(t, nil, nil, canceller)

	log := sched.Log()
	parent := ""
	for i := 0; i < 6; i++ {
		e := &types.Entry{
			Type:    types.EntryMessage,
			Message: &types.Message{Role: types.RoleUser, Content: types.TextContent("padding padding padding padding padding padding padding")},
		}
		if parent != "" {
			e.ParentID = &parent
		}
		id, _ := log.Append(e)
		parent = id
	}

	if _, err := sched.Compact(context.Background(), CompactOptions{}); !errors.Is(err, ErrCompactionCancelled) {
		t.Errorf("err = %v, want ErrCompactionCancelled", err)
	}
}

func TestBeforeAgentStartInjection(t *testing.T) {
	sp := "you are a poet"
	injector := &extension.Extension{
		Name: "injector",
		Handlers: map[extension.Event]extension.Handler{
			extension.EventBeforeAgentStart: func(ctx context.Context, p *extension.Payload, h *extension.HandlerContext) (*extension.Decision, error) {
				return &extension.Decision{
					Message:      &types.Message{Role: types.RoleUser, Content: types.TextContent("remember the context")},
					SystemPrompt: &sp,
				}, nil
			},
		},
	}
	sched, _, _ := newTestScheduler(t, []scriptItem{textResponse("verse")}, nil, injector)

	if err := sched.Prompt("write", PromptOptions{}); err != nil {
		t.Fatal(err)
	}
	sched.Wait()

	branch := branchOf(t, sched)
	// injected user message precedes the prompt.
	if branch[0].Message.Text() != "remember the context" {
		t.Errorf("injection not first: %q", branch[0].Message.Text())
	}
	if branch[1].Message.Text() != "write" {
		t.Errorf("prompt not second: %q", branch[1].Message.Text())
	}
}

func TestInputTransform(t *testing.T) {
	transformer := &extension.Extension{
		Name: "shouter",
		Handlers: map[extension.Event]extension.Handler{
			extension.EventInput: func(ctx context.Context, p *extension.Payload, h *extension.HandlerContext) (*extension.Decision, error) {
				return &extension.Decision{Input: &extension.InputDecision{Action: "transform", Text: p.Input.Text + "!"}}, nil
			},
		},
	}
	sched, _, _ := newTestScheduler(t, []scriptItem{textResponse("ok")}, nil, transformer)

	if err := sched.Prompt("hi", PromptOptions{}); err != nil {
		t.Fatal(err)
	}
	sched.Wait()

	branch := branchOf(t, sched)
	if branch[0].Message.Text() != "hi!" {
		t.Errorf("transformed input = %q, want hi!", branch[0].Message.Text())
	}
}

func TestInputHandledSkipsAgent(t *testing.T) {
	handled := &extension.Extension{
		Name: "swallow",
		Handlers: map[extension.Event]extension.Handler{
			extension.EventInput: func(ctx context.Context, p *extension.Payload, h *extension.HandlerContext) (*extension.Decision, error) {
				return &extension.Decision{Input: &extension.InputDecision{Action: "handled"}}, nil
			},
		},
	}
	// Empty script: any LLM call would fail the test.
	sched, _, _ := newTestScheduler(t, nil, nil, handled)

	if err := sched.Prompt("hi", PromptOptions{}); err != nil {
		t.Fatal(err)
	}
	sched.Wait()

	if sched.Log().Len() != 0 {
		t.Errorf("handled input still reached the session log: %d entries", sched.Log().Len())
	}
	if sched.State() != StateIdle {
		t.Errorf("state = %s", sched.State())
	}
}

func TestSlashCommandDispatch(t *testing.T) {
	ran := make(chan string, 1)
	cmdExt := &extension.Extension{
		Name: "cmds",
		Commands: map[string]extension.CommandHandler{
			"ping": func(ctx context.Context, args string, h *extension.HandlerContext) (string, error) {
				ran <- args
				return "pong", nil
			},
		},
	}
	sched, _, _ := newTestScheduler(t, nil, nil, cmdExt)

	if err := sched.Prompt("/ping with args", PromptOptions{}); err != nil {
		t.Fatal(err)
	}
	select {
	case args := <-ran:
		if args != "with args" {
			t.Errorf("args = %q", args)
		}
	case <-time.After(time.Second):
		t.Fatal("slash command never ran")
	}
	if sched.Log().Len() != 0 {
		t.Error("slash command input reached the agent")
	}
}

func TestGetStateIdempotent(t *testing.T) {
	sched, _, _ := newTestScheduler(t, []scriptItem{textResponse("x")}, nil)
	a := sched.GetState()
	b := sched.GetState()
	if a != b {
		t.Errorf("get_state not idempotent: %+v vs %+v", a, b)
	}

	if err := sched.Prompt("hi", PromptOptions{}); err != nil {
		t.Fatal(err)
	}
	sched.Wait()
	c := sched.GetState()
	if c.EntryCount == a.EntryCount {
		t.Error("mutating command did not change state snapshot")
	}
}
