package transport

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process broker connecting MemoryChannels with
// full topic-filter fan-out. It lets an entire fabric conversation,
// requester and responder included, run inside one test binary.
type MemoryBroker struct {
	mu       sync.Mutex
	channels map[*MemoryChannel]struct{}
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{channels: make(map[*MemoryChannel]struct{})}
}

// NewChannel returns a channel attached to this broker. The channel is
// created disconnected.
func (b *MemoryBroker) NewChannel() *MemoryChannel {
	return &MemoryChannel{broker: b, subs: make(map[string]struct{})}
}

// route fans a publication out to every connected channel with a matching
// subscription, the publisher included. Delivery is synchronous on the
// publisher's goroutine, so handler code may publish again without
// deadlocking: the broker holds no locks while handlers run.
func (b *MemoryBroker) route(topic string, payload []byte) {
	b.mu.Lock()
	targets := make([]*MemoryChannel, 0, len(b.channels))
	for ch := range b.channels {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		ch.deliver(topic, payload)
	}
}

func (b *MemoryBroker) attach(ch *MemoryChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels[ch] = struct{}{}
}

func (b *MemoryBroker) detach(ch *MemoryChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channels, ch)
}

// MemoryChannel implements Channel against a MemoryBroker. Subscriptions
// registered while disconnected are honored on the next Connect, matching
// the contract the MQTT channel provides.
type MemoryChannel struct {
	broker *MemoryBroker

	mu        sync.Mutex
	handlers  Handlers
	subs      map[string]struct{}
	connected bool
}

// Bind installs the event handlers. Call before Connect.
func (c *MemoryChannel) Bind(h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// Connect attaches the channel to its broker. Reconnecting after a
// disconnect or a simulated loss keeps the registered subscriptions.
func (c *MemoryChannel) Connect(_ context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = true
	onConnected := c.handlers.OnConnected
	c.mu.Unlock()

	c.broker.attach(c)
	if onConnected != nil {
		onConnected()
	}
	return nil
}

// Disconnect detaches the channel. The disconnected event carries a nil
// error, marking the teardown as requested.
func (c *MemoryChannel) Disconnect(_ context.Context) error {
	return c.drop(nil)
}

// SimulateConnectionLoss detaches the channel as an unrequested failure,
// surfacing err through the disconnected event. Tests use it to exercise
// reconnect behavior.
func (c *MemoryChannel) SimulateConnectionLoss(err error) {
	_ = c.drop(err)
}

func (c *MemoryChannel) drop(err error) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	onDisconnected := c.handlers.OnDisconnected
	c.mu.Unlock()

	c.broker.detach(c)
	if onDisconnected != nil {
		onDisconnected(err)
	}
	return nil
}

// Publish sends payload to every matching subscriber attached to the
// broker, this channel included.
func (c *MemoryChannel) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	c.broker.route(topic, payload)
	return nil
}

// Subscribe registers a topic filter. Registration is accepted while
// disconnected and takes effect once connected.
func (c *MemoryChannel) Subscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = struct{}{}
	return nil
}

// Unsubscribe removes a topic filter.
func (c *MemoryChannel) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, topic)
	return nil
}

// IsConnected reports whether the channel is attached to its broker.
func (c *MemoryChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// deliver hands a routed publication to the channel's handler when any
// registered filter matches. The payload is copied so a handler holding
// onto it never sees a publisher's later mutation.
func (c *MemoryChannel) deliver(topic string, payload []byte) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	matched := false
	for filter := range c.subs {
		if TopicMatches(filter, topic) {
			matched = true
			break
		}
	}
	onMessage := c.handlers.OnMessage
	c.mu.Unlock()

	if !matched || onMessage == nil {
		return
	}
	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)
	onMessage(topic, payloadCopy)
}
