package notifier

import (
	"sync"
	"testing"
	"time"

	"github.com/obra/lace/runstate"
	"github.com/obra/lace/thread"
)

func mkEvent(id string) *thread.Event {
	return &thread.Event{
		ID:        id,
		ThreadID:  "t",
		Type:      thread.EventUserMessage,
		Timestamp: time.Now().UTC(),
		Data:      []byte(`"hi"`),
	}
}

// collector gathers messages with a signal when a count is reached.
type collector struct {
	mu       sync.Mutex
	messages []Message
}

func (c *collector) handler(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *collector) snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

func (c *collector) waitFor(t *testing.T, n int) []Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := c.snapshot(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, have %d", n, len(c.snapshot()))
	return nil
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(16)
	col := &collector{}
	unsubscribe := bus.Subscribe("t", col.handler)
	defer unsubscribe()

	for i := 0; i < 10; i++ {
		bus.PublishEvent("t", mkEvent(string(rune('a'+i))))
	}

	messages := col.waitFor(t, 10)
	for i := 0; i < 10; i++ {
		if messages[i].Event.ID != string(rune('a'+i)) {
			t.Fatalf("message %d out of order: %q", i, messages[i].Event.ID)
		}
	}
}

func TestBusIsolatesThreads(t *testing.T) {
	bus := NewBus(16)
	col := &collector{}
	defer bus.Subscribe("t", col.handler)()

	bus.PublishEvent("other", mkEvent("x"))
	bus.PublishEvent("t", mkEvent("mine"))

	messages := col.waitFor(t, 1)
	if messages[0].Event.ID != "mine" {
		t.Errorf("got %q", messages[0].Event.ID)
	}
	time.Sleep(10 * time.Millisecond)
	if len(col.snapshot()) != 1 {
		t.Error("received a message for another thread")
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(16)
	col := &collector{}
	unsubscribe := bus.Subscribe("t", col.handler)

	bus.PublishEvent("t", mkEvent("one"))
	col.waitFor(t, 1)

	unsubscribe()
	unsubscribe() // idempotent

	bus.PublishEvent("t", mkEvent("two"))
	time.Sleep(10 * time.Millisecond)
	if len(col.snapshot()) != 1 {
		t.Error("delivery after unsubscribe")
	}
	if bus.SubscriberCount("t") != 0 {
		t.Error("subscriber still registered")
	}
}

func TestBusStateChanges(t *testing.T) {
	bus := NewBus(16)
	col := &collector{}
	defer bus.Subscribe("t", col.handler)()

	bus.PublishStateChange("t", StateChange{From: runstate.StateIdle, To: runstate.StateThinking})

	messages := col.waitFor(t, 1)
	change := messages[0].StateChange
	if change == nil || change.From != runstate.StateIdle || change.To != runstate.StateThinking {
		t.Errorf("unexpected state change %+v", change)
	}
}

func TestBusOverflowDropsWithWarning(t *testing.T) {
	bus := NewBus(2)

	release := make(chan struct{})
	col := &collector{}
	first := make(chan struct{}, 1)
	defer bus.Subscribe("t", func(msg Message) {
		select {
		case first <- struct{}{}:
			<-release // block the drain goroutine on the first message
		default:
		}
		col.handler(msg)
	})()

	// First message occupies the handler; the next two fill the queue;
	// the rest are dropped.
	for i := 0; i < 8; i++ {
		bus.PublishEvent("t", mkEvent(string(rune('a'+i))))
	}
	<-first
	close(release)

	// Once the queue drains, the next publish delivers the overflow
	// warning ahead of the message itself.
	time.Sleep(50 * time.Millisecond)
	bus.PublishEvent("t", mkEvent("final"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		messages := col.snapshot()
		var dropped int
		var sawFinal bool
		for _, msg := range messages {
			if msg.DroppedCount > 0 {
				dropped = msg.DroppedCount
			}
			if msg.Event != nil && msg.Event.ID == "final" {
				sawFinal = true
			}
		}
		if dropped > 0 && sawFinal {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no overflow warning delivered")
}
