package notify

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Callback is the uniform invocation capability held by a subscription.
// The hub invokes callbacks synchronously during dispatch, so
// implementations must be safe for concurrent invocation and must not
// block for long periods.
type Callback interface {
	Invoke(value any)
}

// CallbackFunc adapts a plain function to the Callback interface.
type CallbackFunc func(value any)

// Invoke calls the wrapped function.
func (f CallbackFunc) Invoke(value any) { f(value) }

// ChannelCallback delivers notification values into a mailbox channel
// instead of running code inline, for consumers that drain notifications
// on their own goroutine. Delivery is non-blocking: a full mailbox drops
// the value, because a slow consumer must not stall hub dispatch.
type ChannelCallback struct {
	mailbox chan<- any
	logger  zerolog.Logger
	dropped atomic.Int64
}

// NewChannelCallback wraps mailbox as a Callback.
func NewChannelCallback(mailbox chan<- any, logger zerolog.Logger) *ChannelCallback {
	return &ChannelCallback{
		mailbox: mailbox,
		logger:  logger.With().Str("component", "ChannelCallback").Logger(),
	}
}

// Invoke places value in the mailbox, dropping it if the mailbox is full.
func (c *ChannelCallback) Invoke(value any) {
	select {
	case c.mailbox <- value:
	default:
		total := c.dropped.Add(1)
		c.logger.Warn().Int64("dropped_total", total).Msg("Mailbox full, dropping notification.")
	}
}

// Dropped returns how many notifications were discarded because the
// mailbox was full.
func (c *ChannelCallback) Dropped() int64 {
	return c.dropped.Load()
}
