package event

import (
	"sync"
	"testing"
)

func TestPublishOrderPreserved(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var mu sync.Mutex
	var got []string
	b.SubscribeAll(func(e Event) {
		mu.Lock()
		got = append(got, e.Data.(AgentEventData).Kind)
		mu.Unlock()
	})

	kinds := []string{AgentStart, TurnStart, TextDelta, TextDelta, TurnEnd, AgentEnd}
	for _, k := range kinds {
		b.Publish(Event{Type: AgentEvent, Data: AgentEventData{Kind: k}})
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(kinds) {
		t.Fatalf("received %d events, want %d", len(got), len(kinds))
	}
	for i, k := range kinds {
		if got[i] != k {
			t.Errorf("event %d = %s, want %s", i, got[i], k)
		}
	}
}

func TestSubscribeByType(t *testing.T) {
	b := NewBus()
	defer b.Close()

	agentCount, errCount := 0, 0
	b.Subscribe(AgentEvent, func(e Event) { agentCount++ })
	b.Subscribe(ExtensionError, func(e Event) { errCount++ })

	b.Publish(Event{Type: AgentEvent, Data: AgentEventData{Kind: TextDelta}})
	b.Publish(Event{Type: ExtensionError, Data: ExtensionErrorData{Extension: "x"}})
	b.Publish(Event{Type: AgentEvent, Data: AgentEventData{Kind: TurnEnd}})

	if agentCount != 2 {
		t.Errorf("agent events = %d, want 2", agentCount)
	}
	if errCount != 1 {
		t.Errorf("error events = %d, want 1", errCount)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	count := 0
	unsub := b.SubscribeAll(func(e Event) { count++ })
	b.Publish(Event{Type: AgentEvent, Data: AgentEventData{Kind: TextDelta}})
	unsub()
	b.Publish(Event{Type: AgentEvent, Data: AgentEventData{Kind: TextDelta}})

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestTwoSubscribersSeeSameOrder(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var mu sync.Mutex
	var a, c []string
	b.SubscribeAll(func(e Event) {
		mu.Lock()
		a = append(a, e.Data.(AgentEventData).Kind)
		mu.Unlock()
	})
	b.SubscribeAll(func(e Event) {
		mu.Lock()
		c = append(c, e.Data.(AgentEventData).Kind)
		mu.Unlock()
	})

	for _, k := range []string{"1", "2", "3", "4"} {
		b.Publish(Event{Type: AgentEvent, Data: AgentEventData{Kind: k}})
	}

	mu.Lock()
	defer mu.Unlock()
	if len(a) != 4 || len(c) != 4 {
		t.Fatalf("lengths = %d, %d", len(a), len(c))
	}
	for i := range a {
		if a[i] != c[i] {
			t.Errorf("subscriber order diverged at %d: %s vs %s", i, a[i], c[i])
		}
	}
}

func TestClosedBusDropsEverything(t *testing.T) {
	b := NewBus()
	count := 0
	b.SubscribeAll(func(e Event) { count++ })
	b.Close()
	b.Publish(Event{Type: AgentEvent, Data: AgentEventData{Kind: TextDelta}})
	if count != 0 {
		t.Errorf("closed bus delivered %d events", count)
	}
	if unsub := b.SubscribeAll(func(Event) {}); unsub == nil {
		t.Error("subscribe on closed bus must return a no-op unsubscriber")
	}
}
