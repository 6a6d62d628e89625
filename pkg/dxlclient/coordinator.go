package dxlclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-fabric/pkg/correlator"
	"github.com/illmade-knight/go-fabric/pkg/envelope"
	"github.com/illmade-knight/go-fabric/pkg/notify"
	"github.com/illmade-knight/go-fabric/pkg/transport"
)

// Coordinator bridges a transport channel and the notification hub. It
// owns the channel's lifecycle, republishes connection changes as hub
// events, decodes inbound frames on its dispatch goroutine and stamps
// identity onto everything outbound. A coordinator is single-use: once
// stopped it cannot be started again.
type Coordinator struct {
	channel  transport.Channel
	hub      *notify.Hub
	logger   zerolog.Logger
	clientID string
	replyTo  string

	inbound  chan inboundFrame
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	started bool
}

type inboundFrame struct {
	topic   string
	payload []byte
}

var _ correlator.Publisher = (*Coordinator)(nil)

// NewCoordinator creates a coordinator for clientID and binds its
// handlers to channel. The channel must not be bound elsewhere.
func NewCoordinator(clientID string, channel transport.Channel, hub *notify.Hub, queueSize int, logger zerolog.Logger) (*Coordinator, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if channel == nil {
		return nil, fmt.Errorf("channel cannot be nil")
	}
	if hub == nil {
		return nil, fmt.Errorf("hub cannot be nil")
	}
	if queueSize <= 0 {
		queueSize = DefaultInboundQueueSize
	}

	c := &Coordinator{
		channel:  channel,
		hub:      hub,
		logger:   logger.With().Str("component", "ConnectionCoordinator").Logger(),
		clientID: clientID,
		replyTo:  ReplyToTopicPrefix + clientID,
		inbound:  make(chan inboundFrame, queueSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	channel.Bind(transport.Handlers{
		OnConnected:    c.handleConnected,
		OnDisconnected: c.handleDisconnected,
		OnMessage:      c.handleInbound,
	})
	return c, nil
}

// Start launches the dispatch goroutine and connects the channel. When
// the connect attempt fails the coordinator shuts down and cannot be
// reused.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already started")
	}
	c.started = true
	c.mu.Unlock()

	go c.dispatchLoop()

	if err := c.channel.Connect(ctx); err != nil {
		c.stopOnce.Do(func() { close(c.stopCh) })
		return fmt.Errorf("connecting channel: %w", err)
	}
	return nil
}

// Stop disconnects the channel and terminates the dispatch goroutine,
// waiting for it up to ctx's deadline. Safe to call repeatedly.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	if err := c.channel.Disconnect(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Channel disconnect reported an error.")
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	if !started {
		return nil
	}

	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishOutbound stamps identity onto m, encodes it and sends it on
// topic. Every outbound message of every kind passes through here, which
// is what keeps source attribution consistent.
func (c *Coordinator) PublishOutbound(kind envelope.MessageType, topic string, m *envelope.Message) (string, error) {
	if m == nil {
		return "", fmt.Errorf("message cannot be nil")
	}
	m.Type = kind
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
	m.SourceClientID = c.clientID

	data, err := envelope.Encode(m)
	if err != nil {
		return "", fmt.Errorf("encoding %s message %s: %w", kind, m.MessageID, err)
	}
	if err := c.channel.Publish(topic, data); err != nil {
		return "", fmt.Errorf("publishing %s message %s: %w", kind, m.MessageID, err)
	}
	c.logger.Debug().Str("topic", topic).Str("message_id", m.MessageID).Str("type", kind.String()).Msg("Published message.")
	return m.MessageID, nil
}

// ReplyToTopic returns the client's private response topic.
func (c *Coordinator) ReplyToTopic() string {
	return c.replyTo
}

// ClientID returns the fabric identity this coordinator stamps onto
// outbound messages.
func (c *Coordinator) ClientID() string {
	return c.clientID
}

// IsConnected reports whether the underlying channel is up.
func (c *Coordinator) IsConnected() bool {
	return c.channel.IsConnected()
}

func (c *Coordinator) handleConnected() {
	c.logger.Info().Str("client_id", c.clientID).Msg("Channel connected.")
	c.hub.Publish(notify.CategoryConnection, notify.ConnectionEvent{Connected: true, ClientID: c.clientID})
}

func (c *Coordinator) handleDisconnected(err error) {
	if err != nil {
		c.logger.Warn().Err(err).Msg("Channel connection lost.")
	} else {
		c.logger.Info().Msg("Channel disconnected.")
	}
	c.hub.Publish(notify.CategoryConnection, notify.ConnectionEvent{Connected: false, ClientID: c.clientID})
}

// handleInbound runs on the transport's receive goroutine, so it only
// queues the frame; decoding happens on the dispatch goroutine.
func (c *Coordinator) handleInbound(topic string, payload []byte) {
	select {
	case c.inbound <- inboundFrame{topic: topic, payload: payload}:
	case <-c.stopCh:
		c.logger.Warn().Str("topic", topic).Msg("Coordinator is shutting down, dropping inbound message.")
	}
}

func (c *Coordinator) dispatchLoop() {
	defer close(c.doneCh)
	for {
		select {
		case f := <-c.inbound:
			c.dispatch(f)
		case <-c.stopCh:
			return
		}
	}
}

// dispatch decodes one frame and fans it out through the hub. Frames that
// do not decode are dropped; a malformed publication must never take the
// dispatch loop down.
func (c *Coordinator) dispatch(f inboundFrame) {
	m, err := envelope.Decode(f.payload)
	if err != nil {
		c.logger.Warn().Err(err).Str("topic", f.topic).Int("bytes", len(f.payload)).Msg("Dropping undecodable inbound message.")
		return
	}
	c.logger.Debug().Str("topic", f.topic).Str("message_id", m.MessageID).Str("type", m.Type.String()).Msg("Dispatching inbound message.")
	c.hub.Publish(notify.CategoryMessage, notify.InboundMessage{Topic: f.topic, Message: m})
}
