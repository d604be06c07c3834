package extension

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/agentd-ai/agentd/internal/event"
)

func TestUIBridgeResolve(t *testing.T) {
	events := event.NewBus()
	b := NewUIBridge("s1", events)

	requestIDs := make(chan string, 1)
	events.Subscribe(event.ExtensionUIRequest, func(e event.Event) {
		data := e.Data.(event.UIRequestData)
		if data.RequestID != "" {
			requestIDs <- data.RequestID
		}
	})

	done := make(chan json.RawMessage, 1)
	go func() {
		v, err := b.Request(context.Background(), "confirm", map[string]any{"title": "?"}, 5*time.Second)
		if err != nil {
			t.Errorf("Request failed: %v", err)
		}
		done <- v
	}()

	var requestID string
	select {
	case requestID = <-requestIDs:
	case <-time.After(2 * time.Second):
		t.Fatal("request never emitted")
	}

	if !b.Resolve(requestID, json.RawMessage(`true`)) {
		t.Fatal("Resolve reported unknown id")
	}
	select {
	case v := <-done:
		if string(v) != "true" {
			t.Errorf("value = %s, want true", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never resolved")
	}
	if b.Pending() != 0 {
		t.Errorf("pending = %d after resolve", b.Pending())
	}
}

func TestUIBridgeTimeoutYieldsDefault(t *testing.T) {
	b := NewUIBridge("s1", event.NewBus())
	v, err := b.Request(context.Background(), "input", nil, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("timeout must not error: %v", err)
	}
	if v != nil {
		t.Errorf("timeout value = %s, want default nil", v)
	}
	if b.Pending() != 0 {
		t.Errorf("pending entry leaked after timeout")
	}
}

func TestUIBridgeAbortYieldsDefault(t *testing.T) {
	b := NewUIBridge("s1", event.NewBus())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	v, err := b.Request(ctx, "select", nil, 0)
	if err != nil || v != nil {
		t.Errorf("abort: v=%s err=%v, want default nil, nil", v, err)
	}
}

func TestUIBridgeShutdownRejectsPending(t *testing.T) {
	b := NewUIBridge("s1", event.NewBus())

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), "editor", nil, 0)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	b.Shutdown()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrShutdown) {
			t.Errorf("err = %v, want ErrShutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected on shutdown")
	}

	// New requests after shutdown fail immediately.
	if _, err := b.Request(context.Background(), "confirm", nil, 0); !errors.Is(err, ErrShutdown) {
		t.Errorf("post-shutdown request err = %v", err)
	}
}

func TestUIBridgeUnknownIDIsNoop(t *testing.T) {
	b := NewUIBridge("s1", event.NewBus())
	if b.Resolve("nope", json.RawMessage(`1`)) {
		t.Error("unknown id resolved")
	}
}

func TestUIBridgeNotifyHasNoCorrelation(t *testing.T) {
	events := event.NewBus()
	b := NewUIBridge("s1", events)

	var got event.UIRequestData
	events.Subscribe(event.ExtensionUIRequest, func(e event.Event) {
		got = e.Data.(event.UIRequestData)
	})
	b.Notify("notify", map[string]any{"text": "hello"})
	if got.Method != "notify" || got.RequestID != "" {
		t.Errorf("notify data = %+v", got)
	}
}
