package eventbus

import (
	"fmt"
	"testing"
	"time"
)

func TestPublishOrderPreserved(t *testing.T) {
	t.Parallel()

	bus := New(16)
	defer bus.Close()
	sub := bus.Subscribe()

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: TypeAgentChunk, Content: fmt.Sprintf("c%d", i)})
	}

	for i := 0; i < 10; i++ {
		ev := <-sub.C
		if want := fmt.Sprintf("c%d", i); ev.Content != want {
			t.Fatalf("event %d content = %q, want %q", i, ev.Content, want)
		}
	}
}

func TestLateSubscriberGetsNoReplay(t *testing.T) {
	t.Parallel()

	bus := New(16)
	defer bus.Close()

	bus.Publish(Event{Type: TypeAgentChunk, Content: "early"})
	sub := bus.Subscribe()
	bus.Publish(Event{Type: TypeAgentChunk, Content: "late"})

	ev := <-sub.C
	if ev.Content != "late" {
		t.Fatalf("late subscriber saw %q, want only events after joining", ev.Content)
	}
}

func TestSlowSubscriberDroppedNotBlocking(t *testing.T) {
	t.Parallel()

	bus := New(2)
	defer bus.Close()
	slow := bus.Subscribe()
	fast := bus.Subscribe()

	// Fill both buffers, then keep fast current while slow never reads.
	bus.Publish(Event{Type: TypeAgentChunk, Content: "c0"})
	bus.Publish(Event{Type: TypeAgentChunk, Content: "c1"})
	for i := 0; i < 2; i++ {
		ev := <-fast.C
		if want := fmt.Sprintf("c%d", i); ev.Content != want {
			t.Fatalf("fast subscriber event %d = %q, want %q", i, ev.Content, want)
		}
	}

	// The 3rd publish overflows slow's buffer and must drop it rather
	// than block the producer.
	done := make(chan struct{})
	go func() {
		defer close(done)
		bus.Publish(Event{Type: TypeAgentChunk, Content: "c2"})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if bus.SubscriberCount() != 1 {
		t.Fatalf("subscriber count = %d, want slow dropped", bus.SubscriberCount())
	}

	// slow's channel drains its buffered events then closes
	for i := 0; i < 2; i++ {
		if _, ok := <-slow.C; !ok {
			t.Fatal("slow subscriber lost its buffered events")
		}
	}
	if _, ok := <-slow.C; ok {
		t.Fatal("slow subscriber channel should be closed after drop")
	}

	// fast still receives the event that dropped slow
	if ev := <-fast.C; ev.Content != "c2" {
		t.Fatalf("fast subscriber final event = %q, want c2", ev.Content)
	}
}

func TestCancelDetaches(t *testing.T) {
	t.Parallel()

	bus := New(4)
	defer bus.Close()
	sub := bus.Subscribe()
	sub.Cancel()
	sub.Cancel() // idempotent

	if bus.SubscriberCount() != 0 {
		t.Fatal("cancelled subscription still attached")
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("cancelled channel should be closed")
	}
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	t.Parallel()

	bus := New(4)
	a := bus.Subscribe()
	b := bus.Subscribe()
	bus.Close()
	bus.Close() // idempotent

	if _, ok := <-a.C; ok {
		t.Fatal("subscriber a should be closed")
	}
	if _, ok := <-b.C; ok {
		t.Fatal("subscriber b should be closed")
	}

	// publishing and subscribing after close are safe no-ops
	bus.Publish(Event{Type: TypeSystemError})
	late := bus.Subscribe()
	if _, ok := <-late.C; ok {
		t.Fatal("subscription on a closed bus should be closed immediately")
	}
}
