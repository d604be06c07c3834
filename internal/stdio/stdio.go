// Package stdio implements the line-delimited JSON control surface: stdin
// carries commands and extension_ui_response messages; stdout carries
// command responses, every session event, and every UI request. One JSON
// object per line.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/agentd-ai/agentd/internal/event"
	"github.com/agentd-ai/agentd/internal/logging"
	"github.com/agentd-ai/agentd/internal/rpc"
)

// Runner pumps the stdio protocol for one host.
type Runner struct {
	host       *rpc.Host
	dispatcher *rpc.Dispatcher
	events     *event.Bus

	outMu sync.Mutex
	out   *json.Encoder
}

// NewRunner creates a stdio runner writing protocol output to w.
func NewRunner(host *rpc.Host, events *event.Bus, w io.Writer) *Runner {
	return &Runner{
		host:       host,
		dispatcher: rpc.NewDispatcher(host),
		events:     events,
		out:        json.NewEncoder(w),
	}
}

// outbound event envelope, mirroring the SSE framing.
type outboundEvent struct {
	Type string `json:"type"` // "event"
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Run pumps until stdin closes or the context is cancelled.
func (r *Runner) Run(ctx context.Context, in io.Reader) error {
	unsub := r.events.SubscribeAll(func(e event.Event) {
		r.write(outboundEvent{Type: "event", Name: string(e.Type), Data: e.Data})
	})
	defer unsub()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, open := <-lines:
			if !open {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			r.handleLine(ctx, line)
		}
	}
}

func (r *Runner) handleLine(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var probe struct {
		Type      string          `json:"type"`
		RequestID string          `json:"requestId"`
		Value     json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		r.write(rpc.Response{Type: "response", Success: false, Error: "malformed command: " + err.Error()})
		return
	}

	// UI responses resolve pending round-trips; they get no reply of their
	// own. Unknown ids are already-timed-out round-trips.
	if probe.Type == "extension_ui_response" {
		if !r.host.ResolveUI(probe.RequestID, probe.Value) {
			logging.Debug().Str("requestId", probe.RequestID).Msg("ui response for unknown request")
		}
		return
	}

	resp := r.dispatcher.DispatchRaw(ctx, []byte(line))
	r.write(resp)
}

// write serializes one protocol object per line.
func (r *Runner) write(v any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	if err := r.out.Encode(v); err != nil {
		logging.Error().Err(err).Msg("failed to write protocol output")
	}
}
