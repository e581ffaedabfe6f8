package events

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)

	var mu sync.Mutex
	var received []Event
	bus.Subscribe(EventPhaseChanged, func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})

	published := bus.Publish(EventPhaseChanged, map[string]any{"phase": "AccountSetup"})
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	got := received[0]
	if got.Type != EventPhaseChanged {
		t.Errorf("type: got %s", got.Type)
	}
	if got.ID == "" || got.ID != published.ID {
		t.Errorf("id: got %q, published %q", got.ID, published.ID)
	}
	if got.Data["phase"] != "AccountSetup" {
		t.Errorf("phase: got %v", got.Data["phase"])
	}
	if got.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp not UTC: %v", got.Timestamp)
	}
}

func TestBus_TypesAreIsolated(t *testing.T) {
	bus := NewBus(10)

	var mu sync.Mutex
	counts := map[EventType]int{}
	for _, et := range []EventType{EventAgentStarted, EventAppStateChanged} {
		et := et
		bus.Subscribe(et, func(e Event) {
			mu.Lock()
			counts[et]++
			mu.Unlock()
		})
	}

	bus.Publish(EventAgentStarted, nil)
	bus.Publish(EventAppStateChanged, nil)
	bus.Publish(EventAppStateChanged, nil)
	bus.Publish(EventAllAppsCompleted, nil)
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if counts[EventAgentStarted] != 1 || counts[EventAppStateChanged] != 2 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestBus_SubscribeAllKeepsOrder(t *testing.T) {
	bus := NewBus(len(AllTypes))

	var mu sync.Mutex
	var order []EventType
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		order = append(order, e.Type)
		mu.Unlock()
	})

	for _, et := range AllTypes {
		bus.Publish(et, nil)
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(AllTypes) {
		t.Fatalf("expected %d events, got %d", len(AllTypes), len(order))
	}
	for i, et := range AllTypes {
		if order[i] != et {
			t.Errorf("event %d: got %s, want %s", i, order[i], et)
		}
	}
}

func TestBus_NonBlockingCountsDrops(t *testing.T) {
	bus := NewBus(1)
	release := make(chan struct{})
	bus.Subscribe(EventAppStateChanged, func(e Event) { <-release })

	start := time.Now()
	for i := 0; i < 10; i++ {
		bus.Publish(EventAppStateChanged, map[string]any{"i": i})
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("publish blocked for %v", elapsed)
	}
	if bus.Dropped() < 8 {
		t.Errorf("expected at least 8 drops, got %d", bus.Dropped())
	}
	close(release)
	bus.Close()
}

func TestBus_DurableSubscriberNeverDrops(t *testing.T) {
	bus := NewBus(1)
	release := make(chan struct{})
	bus.Subscribe(EventAppStateChanged, func(e Event) { <-release })

	var got []int
	bus.SubscribeDurable(func(e Event) {
		got = append(got, e.Data["i"].(int))
	})
	bus.SubscribeDurable(func(e Event) { panic("sink failed") })

	const n = 500
	for i := 0; i < n; i++ {
		bus.Publish(EventAppStateChanged, map[string]any{"i": i})
	}
	if len(got) != n {
		t.Fatalf("durable subscriber got %d of %d events", len(got), n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d out of order: %d", i, v)
		}
	}
	if bus.Dropped() == 0 {
		t.Error("best-effort subscriber should still drop on a full buffer")
	}

	close(release)
	bus.Close()
	bus.Publish(EventAppStateChanged, map[string]any{"i": n})
	if len(got) != n {
		t.Errorf("publish after close reached durable subscriber")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(EventAgentStarted, func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsubAll := bus.SubscribeAll(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsub()
	unsubAll()
	unsubAll()

	bus.Publish(EventAgentStarted, nil)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %d", count)
	}
}

func TestBus_PanicRecovery(t *testing.T) {
	bus := NewBus(10)

	var mu sync.Mutex
	received := 0
	bus.Subscribe(EventAgentStarted, func(e Event) { panic("subscriber failed") })
	bus.Subscribe(EventAgentStarted, func(e Event) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	bus.Publish(EventAgentStarted, nil)
	bus.Publish(EventAgentStarted, nil)
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if received != 2 {
		t.Errorf("expected 2 deliveries despite panicking sibling, got %d", received)
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus(1)
	bus.Close()
	bus.Close()
	ev := bus.Publish(EventAgentStarted, nil)
	if ev.ID == "" {
		t.Error("event should still be stamped")
	}
}

func BenchmarkBus_Publish(b *testing.B) {
	bus := NewBus(100)
	defer bus.Close()
	for i := 0; i < 5; i++ {
		bus.Subscribe(EventAppStateChanged, func(e Event) {})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(EventAppStateChanged, map[string]any{"app_id": "11111111-1111-1111-1111-111111111111"})
	}
}
