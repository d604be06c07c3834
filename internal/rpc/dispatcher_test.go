package rpc

import (
	"context"
	"strings"
	"testing"

	"github.com/agentd-ai/agentd/internal/event"
	"github.com/agentd-ai/agentd/internal/provider"
	"github.com/agentd-ai/agentd/internal/sessionlog"
	"github.com/agentd-ai/agentd/internal/tool"
	"github.com/agentd-ai/agentd/pkg/types"
)

func testHost(t *testing.T) (*Host, *Dispatcher) {
	t.Helper()
	cfg := &types.Config{
		DataDir: t.TempDir(),
		Compaction: types.CompactionConfig{
			KeepRecentTokens: 1000,
			ReserveTokens:    1000,
		},
		Retry: types.RetryConfig{MaxRetries: 1, BaseDelayMs: 1},
	}
	events := event.NewBus()
	providers := provider.NewRegistry("")
	tools := tool.DefaultRegistry(t.TempDir())

	host, err := NewHost(context.Background(), cfg, t.TempDir(), events, providers, tools)
	if err != nil {
		t.Fatalf("NewHost failed: %v", err)
	}
	t.Cleanup(func() { host.Shutdown(context.Background()) })
	return host, NewDispatcher(host)
}

func appendUser(t *testing.T, host *Host, text string) string {
	t.Helper()
	log := host.Scheduler().Log()
	e := &types.Entry{
		Type:    types.EntryMessage,
		Message: &types.Message{Role: types.RoleUser, Content: types.TextContent(text)},
	}
	if leaf := log.Leaf(); leaf != "" {
		e.ParentID = &leaf
	}
	id, err := log.Append(e)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestGetState(t *testing.T) {
	_, d := testHost(t)
	resp := d.Dispatch(context.Background(), &Command{ID: "1", Type: "get_state"})
	if !resp.Success {
		t.Fatalf("get_state failed: %s", resp.Error)
	}
	if resp.ID != "1" || resp.Type != "response" || resp.Command != "get_state" {
		t.Errorf("envelope = %+v", resp)
	}

	// A repeated get_state also succeeds.
	again := d.Dispatch(context.Background(), &Command{Type: "get_state"})
	if !again.Success {
		t.Fatal("second get_state failed")
	}
}

func TestUnknownCommand(t *testing.T) {
	_, d := testHost(t)
	resp := d.Dispatch(context.Background(), &Command{Type: "launch_missiles"})
	if resp.Success {
		t.Error("unknown command must fail")
	}
	if !strings.Contains(resp.Error, "unknown command") {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestDispatchRawMalformed(t *testing.T) {
	_, d := testHost(t)
	resp := d.DispatchRaw(context.Background(), []byte(`{"type":`))
	if resp.Success {
		t.Error("malformed json must fail")
	}
	resp = d.DispatchRaw(context.Background(), []byte(`{"message":"x"}`))
	if resp.Success || !strings.Contains(resp.Error, "missing command type") {
		t.Errorf("missing type: %+v", resp)
	}
}

func TestForkCommand(t *testing.T) {
	host, d := testHost(t)
	a := appendUser(t, host, "a")
	b := appendUser(t, host, "b")
	appendUser(t, host, "c")
	dEntry := appendUser(t, host, "d")
	_ = a

	resp := d.Dispatch(context.Background(), &Command{Type: "fork", EntryID: b})
	if !resp.Success {
		t.Fatalf("fork failed: %s", resp.Error)
	}
	forkID := resp.Data.(map[string]any)["sessionId"].(string)

	// The source session is untouched.
	if host.Scheduler().Log().Leaf() != dEntry {
		t.Error("source leaf moved by fork")
	}

	// The fork holds exactly the prefix and its leaf is the fork point.
	fork, err := sessionlog.Open(host.Scheduler().Log().Dir(), forkID)
	if err != nil {
		t.Fatalf("opening fork failed: %v", err)
	}
	defer fork.Close()
	if fork.Leaf() != b {
		t.Errorf("fork leaf = %s, want %s", fork.Leaf(), b)
	}
	if fork.Len() != 2 {
		t.Errorf("fork entries = %d, want 2", fork.Len())
	}
}

func TestGetForkMessages(t *testing.T) {
	host, d := testHost(t)
	appendUser(t, host, "a")
	b := appendUser(t, host, "b")
	appendUser(t, host, "c")

	resp := d.Dispatch(context.Background(), &Command{Type: "get_fork_messages", EntryID: b})
	if !resp.Success {
		t.Fatalf("get_fork_messages failed: %s", resp.Error)
	}
	entries := resp.Data.(map[string]any)["entries"].([]*types.Entry)
	if len(entries) != 2 {
		t.Errorf("fork preview = %d entries, want 2", len(entries))
	}
}

func TestSetSessionName(t *testing.T) {
	host, d := testHost(t)
	appendUser(t, host, "hello")
	resp := d.Dispatch(context.Background(), &Command{Type: "set_session_name", Name: "refactor run"})
	if !resp.Success {
		t.Fatalf("set_session_name failed: %s", resp.Error)
	}
	if got := host.Scheduler().Log().Name(); got != "refactor run" {
		t.Errorf("name = %q", got)
	}

	resp = d.Dispatch(context.Background(), &Command{Type: "set_session_name"})
	if resp.Success {
		t.Error("empty name must fail")
	}
}

func TestBashCommand(t *testing.T) {
	_, d := testHost(t)
	resp := d.Dispatch(context.Background(), &Command{Type: "bash", Command: "echo control-plane"})
	if !resp.Success {
		t.Fatalf("bash failed: %s", resp.Error)
	}
	result := resp.Data.(*tool.Result)
	if !strings.Contains(result.Content, "control-plane") {
		t.Errorf("bash output = %q", result.Content)
	}
}

func TestGetLastAssistantTextEmpty(t *testing.T) {
	_, d := testHost(t)
	resp := d.Dispatch(context.Background(), &Command{Type: "get_last_assistant_text"})
	if resp.Success {
		t.Error("expected failure on empty session")
	}
}

func TestNewAndSwitchSession(t *testing.T) {
	host, d := testHost(t)
	first := host.SessionID()
	appendUser(t, host, "in first")

	resp := d.Dispatch(context.Background(), &Command{Type: "new_session"})
	if !resp.Success {
		t.Fatalf("new_session failed: %s", resp.Error)
	}
	second := host.SessionID()
	if second == first {
		t.Fatal("session id unchanged")
	}

	resp = d.Dispatch(context.Background(), &Command{Type: "switch_session", SessionID: first})
	if !resp.Success {
		t.Fatalf("switch_session failed: %s", resp.Error)
	}
	if host.SessionID() != first {
		t.Errorf("active session = %s, want %s", host.SessionID(), first)
	}
	if host.Scheduler().Log().Len() != 1 {
		t.Errorf("reopened session lost entries")
	}

	resp = d.Dispatch(context.Background(), &Command{Type: "switch_session", SessionID: "missing"})
	if resp.Success {
		t.Error("switching to unknown session must fail")
	}
}

func TestSwitchSessionRecordsBranchSummary(t *testing.T) {
	host, d := testHost(t)
	first := host.SessionID()
	appendUser(t, host, "work in first")

	resp := d.Dispatch(context.Background(), &Command{Type: "new_session"})
	if !resp.Success {
		t.Fatal(resp.Error)
	}
	second := host.SessionID()

	// Switch back without a summary, so the abandoned second session gets
	// nothing; switching away from first with a summary records one there.
	if r := d.Dispatch(context.Background(), &Command{Type: "switch_session", SessionID: first}); !r.Success {
		t.Fatal(r.Error)
	}
	if r := d.Dispatch(context.Background(), &Command{Type: "switch_session", SessionID: second, Summary: "tried an approach in the first session"}); !r.Success {
		t.Fatal(r.Error)
	}

	// The summary lives in the first session's file.
	if err := d.Dispatch(context.Background(), &Command{Type: "switch_session", SessionID: first}); !err.Success {
		t.Fatal(err.Error)
	}
	found := false
	for _, e := range host.Scheduler().Log().Entries() {
		if e.Type == types.EntryBranchSummary && strings.Contains(e.Summary, "tried an approach") {
			found = true
		}
	}
	if !found {
		t.Error("branchSummary entry not recorded")
	}
}

func TestExportHTML(t *testing.T) {
	host, d := testHost(t)
	appendUser(t, host, "render me")

	resp := d.Dispatch(context.Background(), &Command{Type: "export_html"})
	if !resp.Success {
		t.Fatalf("export_html failed: %s", resp.Error)
	}
	path := resp.Data.(map[string]any)["path"].(string)
	if path == "" {
		t.Fatal("no path returned")
	}
}

func TestSessionStats(t *testing.T) {
	host, d := testHost(t)
	appendUser(t, host, "one")
	appendUser(t, host, "two")

	resp := d.Dispatch(context.Background(), &Command{Type: "get_session_stats"})
	if !resp.Success {
		t.Fatalf("get_session_stats failed: %s", resp.Error)
	}
}
