package gateway

import (
	"fmt"
	"testing"
)

func queuedEvent(n int) InboundEvent {
	return InboundEvent{
		ID:        fmt.Sprintf("ev-%d", n),
		MessageID: fmt.Sprintf("msg-%d", n),
		Kind:      KindC2C,
	}
}

func TestQueueFIFO(t *testing.T) {
	q := newEventQueue(10)
	for i := 1; i <= 3; i++ {
		q.Push(queuedEvent(i))
	}

	for i := 1; i <= 3; i++ {
		ev, ok := q.Pop()
		if !ok {
			t.Fatalf("pop %d: queue empty", i)
		}
		if want := fmt.Sprintf("msg-%d", i); ev.MessageID != want {
			t.Fatalf("pop %d = %s, want %s", i, ev.MessageID, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("drained queue still pops")
	}
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	q := newEventQueue(3)
	for i := 1; i <= 5; i++ {
		q.Push(queuedEvent(i))
	}

	if got := q.Dropped(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
	if got := q.Len(); got != 3 {
		t.Fatalf("len = %d, want 3", got)
	}

	// The two oldest entries are gone; order of the rest is preserved.
	for i := 3; i <= 5; i++ {
		ev, ok := q.Pop()
		if !ok {
			t.Fatalf("pop %d: queue empty", i)
		}
		if want := fmt.Sprintf("msg-%d", i); ev.MessageID != want {
			t.Fatalf("pop = %s, want %s", ev.MessageID, want)
		}
	}
}

func TestQueueEmptyPop(t *testing.T) {
	q := newEventQueue(1)
	if ev, ok := q.Pop(); ok {
		t.Fatalf("empty queue popped %+v", ev)
	}
}
