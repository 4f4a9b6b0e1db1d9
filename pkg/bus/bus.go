package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

// MessageBus decouples bot transports from the relay. Adapters publish inbound
// chat messages, the gateway consumes them and publishes replies, and the
// delivery loop hands replies back to the originating adapter.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

// NewMessageBus creates a bus with bufferSize slots per queue; non-positive
// sizes use the default.
func NewMessageBus(bufferSize int) *MessageBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	return &MessageBus{
		inbound:          make(chan InboundMessage, bufferSize),
		outbound:         make(chan OutboundMessage, bufferSize),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

// PublishInbound queues one chat message. It returns false once the bus is
// closed or ctx is done.
func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) bool {
	return send(ctx, mb.done, mb.inbound, msg)
}

// ConsumeInbound blocks until a chat message is available.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return receive(ctx, mb.done, mb.inbound)
}

// PublishOutbound queues one reply for delivery.
func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) bool {
	return send(ctx, mb.done, mb.outbound, msg)
}

// ConsumeOutbound blocks until a reply is available.
func (mb *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return receive(ctx, mb.done, mb.outbound)
}

// Done is closed when the bus shuts down.
func (mb *MessageBus) Done() <-chan struct{} {
	return mb.done
}

// Close stops every queue operation and closes event subscriptions. It is safe
// to call more than once.
func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}

func send[T any](ctx context.Context, done <-chan struct{}, queue chan<- T, msg T) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	// A closed bus or context must win over a free buffer slot.
	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	case queue <- msg:
		return true
	}
}

func receive[T any](ctx context.Context, done <-chan struct{}, queue <-chan T) (T, bool) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return zero, false
	case <-done:
		return zero, false
	case msg := <-queue:
		return msg, true
	}
}
