package channel

import (
	"context"
	"strings"

	"muse/pkg/bus"
)

const messagePreviewLimit = 240

// Sink accepts one inbound chat message for relaying. It returns false when the
// message could not be queued (shutdown).
type Sink func(context.Context, bus.InboundMessage) bool

// Adapter bridges one bot transport (Telegram, Discord) into the relay.
//
// Run consumes the platform's event stream and hands every text message to the
// sink without waiting for its reply. Send pushes one reply into a chat.
type Adapter interface {
	Name() string
	Run(context.Context, Sink) error
	Send(context.Context, bus.OutboundMessage) error
}

// PreviewText returns a bounded log-safe preview of message text.
func PreviewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
