package event

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()

	var received Event
	var wg sync.WaitGroup
	wg.Add(1)

	unsub := bus.Subscribe(SessionReady, func(e Event) {
		received = e
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Kind: SessionReady, SessionID: "alice"})

	// Wait for async delivery
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Kind != SessionReady {
			t.Errorf("Expected SessionReady, got %v", received.Kind)
		}
		if received.SessionID != "alice" {
			t.Errorf("Expected 'alice', got %v", received.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()

	var count int32
	var wg sync.WaitGroup
	wg.Add(3)

	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
		wg.Done()
	})
	defer unsub()

	// Publish different event kinds
	bus.Publish(Event{Kind: SessionQR})
	bus.Publish(Event{Kind: MessageReceived})
	bus.Publish(Event{Kind: SessionDisconnected})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if got := atomic.LoadInt32(&count); got != 3 {
			t.Errorf("Expected 3 events, got %d", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for events")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	var count int32
	unsub := bus.Subscribe(SessionReady, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.PublishSync(Event{Kind: SessionReady})
	unsub()
	bus.PublishSync(Event{Kind: SessionReady})

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("Expected 1 delivery after unsubscribe, got %d", got)
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus()

	var count int32
	bus.Subscribe(SessionReady, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Must not panic or deliver
	bus.PublishSync(Event{Kind: SessionReady})
	if got := atomic.LoadInt32(&count); got != 0 {
		t.Errorf("Expected no deliveries after close, got %d", got)
	}
}

func TestBus_PublishSyncDeliversInOrder(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.Subscribe(SessionStateChange, func(e Event) {
		order = append(order, e.SessionID)
	})

	bus.PublishSync(Event{Kind: SessionStateChange, SessionID: "a"})
	bus.PublishSync(Event{Kind: SessionStateChange, SessionID: "b"})

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("Expected [a b], got %v", order)
	}
}
