package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/agentd-ai/agentd/internal/event"
	"github.com/agentd-ai/agentd/internal/provider"
	"github.com/agentd-ai/agentd/internal/rpc"
	"github.com/agentd-ai/agentd/internal/tool"
	"github.com/agentd-ai/agentd/pkg/types"
)

func testRunner(t *testing.T) (*Runner, *event.Bus, *io.PipeWriter, *bufio.Scanner, func()) {
	t.Helper()
	cfg := &types.Config{
		DataDir:    t.TempDir(),
		Compaction: types.CompactionConfig{KeepRecentTokens: 1000, ReserveTokens: 1000},
		Retry:      types.RetryConfig{MaxRetries: 1, BaseDelayMs: 1},
	}
	events := event.NewBus()
	host, err := rpc.NewHost(context.Background(), cfg, t.TempDir(), events, provider.NewRegistry(""), tool.DefaultRegistry(t.TempDir()))
	if err != nil {
		t.Fatalf("NewHost failed: %v", err)
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	r := NewRunner(host, events, outW)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, inR)
		close(done)
	}()

	scanner := bufio.NewScanner(outR)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	cleanup := func() {
		inW.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		outW.Close()
		host.Shutdown(context.Background())
	}
	return r, events, inW, scanner, cleanup
}

// readLine reads the next protocol line with a deadline.
func readLine(t *testing.T, scanner *bufio.Scanner) string {
	t.Helper()
	lineCh := make(chan string, 1)
	go func() {
		if scanner.Scan() {
			lineCh <- scanner.Text()
		} else {
			lineCh <- ""
		}
	}()
	select {
	case line := <-lineCh:
		return line
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for protocol output")
		return ""
	}
}

func TestCommandResponseRoundTrip(t *testing.T) {
	_, _, in, out, cleanup := testRunner(t)
	defer cleanup()

	io.WriteString(in, `{"id":"7","type":"get_state"}`+"\n")

	line := readLine(t, out)
	var resp rpc.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("response not json: %q", line)
	}
	if !resp.Success || resp.ID != "7" || resp.Command != "get_state" {
		t.Errorf("response = %+v", resp)
	}
}

func TestUnknownCommandResponds(t *testing.T) {
	_, _, in, out, cleanup := testRunner(t)
	defer cleanup()

	io.WriteString(in, `{"type":"nonsense"}`+"\n")
	line := readLine(t, out)
	if !strings.Contains(line, `"success":false`) {
		t.Errorf("line = %q", line)
	}
}

func TestEventsForwardedToStdout(t *testing.T) {
	_, events, _, out, cleanup := testRunner(t)
	defer cleanup()

	events.Publish(event.Event{Type: event.AgentEvent, Data: event.AgentEventData{Kind: event.TextDelta, Delta: "hi"}})

	line := readLine(t, out)
	if !strings.Contains(line, `"type":"event"`) || !strings.Contains(line, "agent_event") {
		t.Errorf("event line = %q", line)
	}
}

func TestMalformedLineGetsErrorResponse(t *testing.T) {
	_, _, in, out, cleanup := testRunner(t)
	defer cleanup()

	io.WriteString(in, "{{{\n")
	line := readLine(t, out)
	if !strings.Contains(line, "malformed command") {
		t.Errorf("line = %q", line)
	}
}

func TestUIResponseForUnknownIDIsSilent(t *testing.T) {
	_, _, in, out, cleanup := testRunner(t)
	defer cleanup()

	// An already-timed-out id produces no protocol output; the next command
	// must still respond.
	io.WriteString(in, `{"type":"extension_ui_response","requestId":"gone","value":true}`+"\n")
	io.WriteString(in, `{"id":"after","type":"get_state"}`+"\n")

	line := readLine(t, out)
	if !strings.Contains(line, `"id":"after"`) {
		t.Errorf("expected the get_state response first, got %q", line)
	}
}
