package bus

import (
	"context"
	"sync"
	"time"
)

// EventType names one relay lifecycle transition.
type EventType string

const (
	EventTriggerReceived      EventType = "trigger_received"
	EventTriggerDenied        EventType = "trigger_denied"
	EventTriggerNotDispatched EventType = "trigger_not_dispatched"
	EventTriggerDelivered     EventType = "trigger_delivered"
	EventTriggerFailed        EventType = "trigger_failed"
)

// Terminal reports whether the event ends a trigger.
func (t EventType) Terminal() bool {
	switch t {
	case EventTriggerDenied, EventTriggerNotDispatched, EventTriggerDelivered, EventTriggerFailed:
		return true
	default:
		return false
	}
}

// Event is one lifecycle notification for a trigger.
type Event struct {
	Type      EventType         `json:"type"`
	At        time.Time         `json:"at"`
	TriggerID string            `json:"trigger_id,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	Channel   string            `json:"channel,omitempty"`
	ChatID    string            `json:"chat_id,omitempty"`
	Status    int               `json:"status,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// PublishEvent fans event out to every subscriber without blocking. A full
// subscriber buffer drops the event for that subscriber only.
func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	// Sends happen under the read lock so unsubscribe cannot close a channel
	// mid-send; they never block, so the lock is held only briefly.
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	for _, ch := range mb.eventSubscribers {
		select {
		case ch <- event:
		default:
		}
	}

	return true
}

// SubscribeEvents registers a buffered event stream. The returned function
// unsubscribes; the stream also closes when ctx ends or the bus closes.
func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
