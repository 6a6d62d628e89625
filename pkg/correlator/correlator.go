// Package correlator gives request/response over the fabric a call-like
// contract: every outbound request is tracked until exactly one of the
// matching response or its timeout resolves it.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-fabric/pkg/envelope"
	"github.com/illmade-knight/go-fabric/pkg/notify"
	"github.com/rs/zerolog"
)

// DefaultRequestTimeout is applied when a request is sent with a zero or
// negative timeout.
const DefaultRequestTimeout = 3_600_000 * time.Millisecond

// ErrTimeout marks a request that saw no matching response within its
// deadline. Check with errors.Is.
var ErrTimeout = errors.New("request timed out")

// Publisher is the slice of the connection coordinator the correlator
// depends on for sending.
type Publisher interface {
	// PublishOutbound stamps identity fields onto m, encodes it and sends
	// it on topic, returning the message id.
	PublishOutbound(kind envelope.MessageType, topic string, m *envelope.Message) (string, error)
	// ReplyToTopic returns the client's inbound topic, which responders
	// publish answers to.
	ReplyToTopic() string
}

// ResponseCallback receives the outcome of an asynchronous request.
// Exactly one of msg and err is set: msg is the correlated response (or
// fabric error message), err is ErrTimeout or a transport failure. The
// callback runs on its own goroutine.
type ResponseCallback func(msg *envelope.Message, err error)

type result struct {
	msg *envelope.Message
	err error
}

// pendingRequest is the correlation state for one outstanding request.
// Its lifecycle is strictly forward: tracked, sent, then resolved exactly
// once by the first of response arrival, timer expiry, context
// cancellation or publish failure. resolveOnce is the single-assignment
// cell that makes the winner exclusive.
type pendingRequest struct {
	requestID   string
	subID       string
	done        chan result
	resolveOnce sync.Once

	// timer and resolved are guarded by the correlator mutex so a timer
	// armed after a fast response is stopped rather than left running.
	timer    *time.Timer
	resolved bool
}

// Correlator converts outbound requests into tracked, timeout-bound
// operations resolved through the notification hub. Pending requests are
// fully independent: one request's resolution can never touch another's.
type Correlator struct {
	hub    *notify.Hub
	pub    Publisher
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewCorrelator creates a correlator dispatching through hub and sending
// through pub.
func NewCorrelator(hub *notify.Hub, pub Publisher, logger zerolog.Logger) (*Correlator, error) {
	if hub == nil {
		return nil, fmt.Errorf("hub cannot be nil")
	}
	if pub == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	return &Correlator{
		hub:     hub,
		pub:     pub,
		logger:  logger.With().Str("component", "RequestCorrelator").Logger(),
		pending: make(map[string]*pendingRequest),
	}, nil
}

// SendRequest publishes req on topic and blocks the calling goroutine
// until the matching response arrives or timeout expires, whichever comes
// first. The engine keeps dispatching other traffic while the caller
// waits. Cancelling ctx abandons the local wait with ctx.Err(); like a
// timeout, it does not unsend the request.
func (c *Correlator) SendRequest(ctx context.Context, topic string, req *envelope.Message, timeout time.Duration) (*envelope.Message, error) {
	p, err := c.send(topic, req, timeout)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-p.done:
		return res.msg, res.err
	case <-ctx.Done():
		if c.finish(p, result{err: ctx.Err()}) {
			c.hub.Unsubscribe(p.subID)
			return nil, ctx.Err()
		}
		// A response or timeout won just as we were cancelled; report it.
		res := <-p.done
		return res.msg, res.err
	}
}

// SendRequestAsync publishes req on topic and returns its message id
// immediately. When the request resolves, cb receives the response or the
// timeout error. A nil cb discards the outcome; correlation state is still
// reclaimed by the same timeout path.
func (c *Correlator) SendRequestAsync(topic string, req *envelope.Message, cb ResponseCallback, timeout time.Duration) (string, error) {
	p, err := c.send(topic, req, timeout)
	if err != nil {
		return "", err
	}

	go func() {
		res := <-p.done
		if cb != nil {
			cb(res.msg, res.err)
		}
	}()
	return p.requestID, nil
}

// PendingCount returns the number of requests currently awaiting
// resolution.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// send registers correlation state for req and publishes it. The response
// subscription is registered before the publish so a reply cannot outrun
// its waiter; the timer is armed after, so timeout measures from the send.
func (c *Correlator) send(topic string, req *envelope.Message, timeout time.Duration) (*pendingRequest, error) {
	if req == nil {
		return nil, fmt.Errorf("correlator: request message cannot be nil")
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	req.ReplyToTopic = c.pub.ReplyToTopic()

	p := &pendingRequest{
		requestID: req.MessageID,
		done:      make(chan result, 1),
	}
	p.subID = c.hub.Subscribe(notify.CategoryMessage, notify.CallbackFunc(func(v any) {
		in, ok := v.(notify.InboundMessage)
		if !ok {
			return
		}
		if c.finish(p, result{msg: in.Message}) {
			c.logger.Debug().Str("request_id", p.requestID).Msg("Request resolved by response.")
		}
	}), notify.SubscribeOptions{
		OneTimeOnly: true,
		Filter:      matchesResponse(req.MessageID),
	})

	c.mu.Lock()
	c.pending[p.requestID] = p
	c.mu.Unlock()

	if _, err := c.pub.PublishOutbound(envelope.TypeRequest, topic, req); err != nil {
		c.discard(p)
		return nil, fmt.Errorf("correlator: publishing request %s: %w", p.requestID, err)
	}

	c.armTimer(p, timeout)
	return p, nil
}

// finish resolves p exactly once and reports whether this caller won.
// Losers, including a timer firing just after a response landed, perform
// no delivery.
func (c *Correlator) finish(p *pendingRequest, res result) bool {
	won := false
	p.resolveOnce.Do(func() {
		won = true
		c.mu.Lock()
		p.resolved = true
		timer := p.timer
		delete(c.pending, p.requestID)
		c.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		p.done <- res
	})
	return won
}

func (c *Correlator) armTimer(p *pendingRequest, timeout time.Duration) {
	t := time.AfterFunc(timeout, func() {
		if c.finish(p, result{err: fmt.Errorf("request %s: %w", p.requestID, ErrTimeout)}) {
			c.hub.Unsubscribe(p.subID)
			c.logger.Debug().Str("request_id", p.requestID).Dur("timeout", timeout).Msg("Request timed out; local wait abandoned.")
		}
	})

	c.mu.Lock()
	if p.resolved {
		// The response beat the timer into existence.
		c.mu.Unlock()
		t.Stop()
		return
	}
	p.timer = t
	c.mu.Unlock()
}

// discard removes correlation state after a failed publish. No resolution
// is delivered; the caller receives the transport error directly.
func (c *Correlator) discard(p *pendingRequest) {
	c.mu.Lock()
	delete(c.pending, p.requestID)
	c.mu.Unlock()
	c.hub.Unsubscribe(p.subID)
}

// matchesResponse accepts responses and fabric errors whose
// request_message_id echoes the given request id. Anything else, including
// responses to other requests and responses with the field missing, is
// left to generic subscribers.
func matchesResponse(requestID string) notify.Filter {
	return func(v any) bool {
		in, ok := v.(notify.InboundMessage)
		if !ok || in.Message == nil {
			return false
		}
		if in.Message.Type != envelope.TypeResponse && in.Message.Type != envelope.TypeError {
			return false
		}
		return in.Message.RequestMessageID == requestID
	}
}
