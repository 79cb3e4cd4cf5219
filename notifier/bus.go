// Package notifier provides the per-thread in-process subscription bus.
//
// Every event the agent appends is published here after persistence
// succeeds, in append order. Subscribers receive messages in order but
// never backpressure the agent: each subscriber owns a bounded queue,
// and overflow drops messages and surfaces an explicit warning message
// carrying the drop count.
package notifier

import (
	"sync"

	"github.com/obra/lace/runstate"
	"github.com/obra/lace/thread"
)

// DefaultQueueSize is the per-subscriber queue bound.
const DefaultQueueSize = 256

// StateChange describes an agent state transition.
type StateChange struct {
	From runstate.State
	To   runstate.State

	// Err carries the structured error of a failed turn, if any.
	Err error
}

// Message is one bus delivery. Exactly one of Event, StateChange, or
// DroppedCount is meaningful.
type Message struct {
	ThreadID string

	// Event is the appended thread event, for event messages.
	Event *thread.Event

	// StateChange is set for agent state transitions.
	StateChange *StateChange

	// DroppedCount is set on overflow warnings: the number of messages
	// this subscriber lost since its last delivery.
	DroppedCount int
}

// Handler receives bus messages. Handlers run on the subscriber's own
// goroutine; they may block without affecting the agent or other
// subscribers.
type Handler func(msg Message)

// subscriber is one bounded delivery queue plus its drain goroutine.
type subscriber struct {
	ch      chan Message
	quit    chan struct{}
	dropped int
}

// Bus is the per-thread observer set.
type Bus struct {
	queueSize int

	mu   sync.RWMutex
	subs map[string][]*subscriber
}

// NewBus creates a bus with the given per-subscriber queue bound.
// Non-positive sizes fall back to DefaultQueueSize.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		queueSize: queueSize,
		subs:      make(map[string][]*subscriber),
	}
}

// Subscribe registers a handler for one thread's messages and returns
// the unsubscribe function. Unsubscribing is idempotent.
func (b *Bus) Subscribe(threadID string, handler Handler) func() {
	sub := &subscriber{
		ch:   make(chan Message, b.queueSize),
		quit: make(chan struct{}),
	}

	go func() {
		for {
			select {
			case msg, ok := <-sub.ch:
				if !ok {
					return
				}
				handler(msg)
			case <-sub.quit:
				return
			}
		}
	}()

	b.mu.Lock()
	b.subs[threadID] = append(b.subs[threadID], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			subs := b.subs[threadID]
			for i, candidate := range subs {
				if candidate == sub {
					b.subs[threadID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subs[threadID]) == 0 {
				delete(b.subs, threadID)
			}
			close(sub.quit)
			b.mu.Unlock()
		})
	}
}

// PublishEvent dispatches an appended event to the thread's subscribers.
func (b *Bus) PublishEvent(threadID string, event *thread.Event) {
	b.publish(threadID, Message{ThreadID: threadID, Event: event})
}

// PublishStateChange dispatches an agent state transition.
func (b *Bus) PublishStateChange(threadID string, change StateChange) {
	b.publish(threadID, Message{ThreadID: threadID, StateChange: &change})
}

// publish enqueues the message on every subscriber of the thread.
// Enqueueing never blocks; a full queue drops the message and the next
// successful delivery is preceded by an overflow warning.
func (b *Bus) publish(threadID string, msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[threadID] {
		if sub.dropped > 0 {
			warning := Message{ThreadID: threadID, DroppedCount: sub.dropped}
			select {
			case sub.ch <- warning:
				sub.dropped = 0
			default:
				sub.dropped++
				continue
			}
		}

		select {
		case sub.ch <- msg:
		default:
			sub.dropped++
		}
	}
}

// SubscriberCount returns the number of subscribers for a thread.
func (b *Bus) SubscriberCount(threadID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[threadID])
}
