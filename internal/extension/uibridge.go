package extension

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentd-ai/agentd/internal/event"
)

// ErrShutdown rejects pending UI round-trips at session teardown.
var ErrShutdown = errors.New("session shutting down")

// UIBridge correlates extension-issued UI dialogs with host responses.
// Requests are emitted as extension_ui_request events; the host answers via
// Resolve (wired to the extension_ui_response command). Timeouts and aborts
// resolve with a default value; they do not cancel the calling handler.
type UIBridge struct {
	sessionID string
	events    *event.Bus

	mu      sync.Mutex
	pending map[string]chan json.RawMessage
	closed  chan struct{}
	once    sync.Once
}

// NewUIBridge creates the bridge for one session.
func NewUIBridge(sessionID string, events *event.Bus) *UIBridge {
	return &UIBridge{
		sessionID: sessionID,
		events:    events,
		pending:   make(map[string]chan json.RawMessage),
		closed:    make(chan struct{}),
	}
}

// Request emits a UI round-trip and waits for the response, a timeout, or
// abort. A zero timeout waits until response or shutdown. Timeout and abort
// return (nil, nil): the default value.
func (b *UIBridge) Request(ctx context.Context, method string, payload any, timeout time.Duration) (json.RawMessage, error) {
	select {
	case <-b.closed:
		return nil, ErrShutdown
	default:
	}

	id := ulid.Make().String()
	ch := make(chan json.RawMessage, 1)

	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()

	b.events.Publish(event.Event{
		Type: event.ExtensionUIRequest,
		Data: event.UIRequestData{
			SessionID: b.sessionID,
			RequestID: id,
			Method:    method,
			Payload:   payload,
		},
	})

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case value := <-ch:
		return value, nil
	case <-timer:
		b.drop(id)
		return nil, nil
	case <-ctx.Done():
		b.drop(id)
		return nil, nil
	case <-b.closed:
		b.drop(id)
		return nil, ErrShutdown
	}
}

// Resolve answers a pending round-trip. Unknown ids report false; the caller
// treats them as already timed out.
func (b *UIBridge) Resolve(id string, value json.RawMessage) bool {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- value
	return true
}

func (b *UIBridge) drop(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Pending returns the number of outstanding round-trips.
func (b *UIBridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Shutdown rejects all pending round-trips.
func (b *UIBridge) Shutdown() {
	b.once.Do(func() {
		close(b.closed)
		b.mu.Lock()
		b.pending = make(map[string]chan json.RawMessage)
		b.mu.Unlock()
	})
}

// Notify is fire-and-forget: emitted with no correlation expectation.
func (b *UIBridge) Notify(method string, payload any) {
	b.events.Publish(event.Event{
		Type: event.ExtensionUIRequest,
		Data: event.UIRequestData{
			SessionID: b.sessionID,
			Method:    method,
			Payload:   payload,
		},
	})
}

// Dialog helpers over Request.

// Confirm shows a yes/no dialog; default is false on timeout or abort.
func (b *UIBridge) Confirm(ctx context.Context, title, message string, timeout time.Duration) (bool, error) {
	raw, err := b.Request(ctx, "confirm", map[string]any{"title": title, "message": message}, timeout)
	if err != nil || raw == nil {
		return false, err
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, nil
	}
	return v, nil
}

// Select shows an option picker; default is "" on timeout or abort.
func (b *UIBridge) Select(ctx context.Context, title string, options []string, timeout time.Duration) (string, error) {
	raw, err := b.Request(ctx, "select", map[string]any{"title": title, "options": options}, timeout)
	if err != nil || raw == nil {
		return "", err
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", nil
	}
	return v, nil
}

// Input shows a free-text prompt; default is "" on timeout or abort.
func (b *UIBridge) Input(ctx context.Context, title, placeholder string, timeout time.Duration) (string, error) {
	raw, err := b.Request(ctx, "input", map[string]any{"title": title, "placeholder": placeholder}, timeout)
	if err != nil || raw == nil {
		return "", err
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", nil
	}
	return v, nil
}

// Status updates the status line, fire-and-forget.
func (b *UIBridge) Status(text string) {
	b.Notify("status", map[string]any{"text": text})
}
