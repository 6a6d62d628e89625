package dxlclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-fabric/pkg/correlator"
	"github.com/illmade-knight/go-fabric/pkg/envelope"
	"github.com/illmade-knight/go-fabric/pkg/notify"
	"github.com/illmade-knight/go-fabric/pkg/transport"
)

// Client is the fabric facade. One client owns one transport channel, one
// notification hub and one correlator; everything it sends carries its
// client id, and everything addressed to its reply-to topic comes back
// through its hub.
type Client struct {
	cfg    *Config
	logger zerolog.Logger

	channel  transport.Channel
	hub      *notify.Hub
	coord    *Coordinator
	corr     *correlator.Correlator
	registry *serviceRegistry

	mu        sync.Mutex
	eventSubs map[string]string // hub subscription id -> topic filter
}

// NewClient assembles a client around channel. The channel must be
// freshly created; the client binds its handlers and owns its lifecycle
// from here on. A nil cfg gets full defaults.
func NewClient(cfg *Config, channel transport.Channel, logger zerolog.Logger) (*Client, error) {
	if channel == nil {
		return nil, fmt.Errorf("channel cannot be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	applyConfigDefaults(cfg)

	clientLogger := logger.With().Str("component", "FabricClient").Str("client_id", cfg.ClientID).Logger()
	hub := notify.NewHub(logger)
	coord, err := NewCoordinator(cfg.ClientID, channel, hub, cfg.InboundQueueSize, logger)
	if err != nil {
		return nil, fmt.Errorf("creating coordinator: %w", err)
	}
	corr, err := correlator.NewCorrelator(hub, coord, logger)
	if err != nil {
		return nil, fmt.Errorf("creating correlator: %w", err)
	}

	c := &Client{
		cfg:       cfg,
		logger:    clientLogger,
		channel:   channel,
		hub:       hub,
		coord:     coord,
		corr:      corr,
		eventSubs: make(map[string]string),
	}
	c.registry = newServiceRegistry(c, logger)
	return c, nil
}

// Connect brings the channel up and blocks until the fabric reports the
// connection, or ctx is done. The reply-to topic subscription is
// registered first so responses can never race past it.
func (c *Client) Connect(ctx context.Context) error {
	mailbox := make(chan any, 1)
	subID := c.hub.Subscribe(notify.CategoryConnection, notify.NewChannelCallback(mailbox, c.logger), notify.SubscribeOptions{
		OneTimeOnly: true,
		Filter: func(v any) bool {
			ev, ok := v.(notify.ConnectionEvent)
			return ok && ev.Connected
		},
	})

	if err := c.channel.Subscribe(c.coord.ReplyToTopic()); err != nil {
		c.hub.Unsubscribe(subID)
		return fmt.Errorf("subscribing reply-to topic: %w", err)
	}
	if err := c.coord.Start(ctx); err != nil {
		c.hub.Unsubscribe(subID)
		return err
	}

	select {
	case <-mailbox:
		c.logger.Info().Msg("Client connected to fabric.")
		return nil
	case <-ctx.Done():
		c.hub.Unsubscribe(subID)
		return fmt.Errorf("waiting for connection: %w", ctx.Err())
	}
}

// Disconnect unregisters all services and tears the channel down. The
// client cannot be reconnected afterwards.
func (c *Client) Disconnect(ctx context.Context) error {
	c.registry.shutdown(ctx)
	return c.coord.Stop(ctx)
}

// IsConnected reports whether the channel is currently up.
func (c *Client) IsConnected() bool {
	return c.coord.IsConnected()
}

// ClientID returns this client's fabric identity.
func (c *Client) ClientID() string {
	return c.cfg.ClientID
}

// ReplyToTopic returns the private topic responses to this client's
// requests arrive on.
func (c *Client) ReplyToTopic() string {
	return c.coord.ReplyToTopic()
}

// Hub exposes the notification hub for direct subscription management.
func (c *Client) Hub() *notify.Hub {
	return c.hub
}

// Correlator exposes the request correlator, mainly for observing the
// pending-request count.
func (c *Client) Correlator() *correlator.Correlator {
	return c.corr
}

// SendEvent publishes event on topic and returns its message id.
func (c *Client) SendEvent(topic string, event *envelope.Message) (string, error) {
	return c.coord.PublishOutbound(envelope.TypeEvent, topic, event)
}

// SendRequest publishes req on topic and blocks until the response
// arrives, timeout expires or ctx is done. A zero or negative timeout
// uses the configured default.
func (c *Client) SendRequest(ctx context.Context, topic string, req *envelope.Message, timeout time.Duration) (*envelope.Message, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultRequestTimeout
	}
	return c.corr.SendRequest(ctx, topic, req, timeout)
}

// SendRequestAsync publishes req on topic and returns immediately; cb
// receives the response or timeout. A nil cb discards the outcome.
func (c *Client) SendRequestAsync(topic string, req *envelope.Message, cb correlator.ResponseCallback, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultRequestTimeout
	}
	return c.corr.SendRequestAsync(topic, req, cb, timeout)
}

// SendResponse delivers resp to the reply-to topic req carries. Error
// responses keep their type; anything else is sent as a plain response.
func (c *Client) SendResponse(req *envelope.Message, resp *envelope.Message) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request cannot be nil")
	}
	if resp == nil {
		return "", fmt.Errorf("response cannot be nil")
	}
	if req.ReplyToTopic == "" {
		return "", fmt.Errorf("request %s carries no reply-to topic", req.MessageID)
	}
	if resp.RequestMessageID == "" {
		resp.RequestMessageID = req.MessageID
	}
	kind := envelope.TypeResponse
	if resp.Type == envelope.TypeError {
		kind = envelope.TypeError
	}
	return c.coord.PublishOutbound(kind, req.ReplyToTopic, resp)
}

// SubscribeTopic registers a raw topic subscription. Matching inbound
// messages surface as message notifications on the hub.
func (c *Client) SubscribeTopic(topic string) error {
	return c.channel.Subscribe(topic)
}

// UnsubscribeTopic removes a raw topic subscription.
func (c *Client) UnsubscribeTopic(topic string) error {
	return c.channel.Unsubscribe(topic)
}

// AddEventCallback subscribes the channel to topicFilter and invokes cb
// for every event whose topic matches it. The returned id removes the
// callback again.
func (c *Client) AddEventCallback(topicFilter string, cb notify.Callback) (string, error) {
	if cb == nil {
		return "", fmt.Errorf("callback cannot be nil")
	}
	if err := c.channel.Subscribe(topicFilter); err != nil {
		return "", fmt.Errorf("subscribing %s: %w", topicFilter, err)
	}
	id := c.hub.Subscribe(notify.CategoryMessage, cb, notify.SubscribeOptions{
		Filter: func(v any) bool {
			in, ok := v.(notify.InboundMessage)
			if !ok || in.Message == nil {
				return false
			}
			return in.Message.Type == envelope.TypeEvent && transport.TopicMatches(topicFilter, in.Topic)
		},
	})

	c.mu.Lock()
	c.eventSubs[id] = topicFilter
	c.mu.Unlock()
	return id, nil
}

// RemoveEventCallback removes an event callback. The channel subscription
// is dropped with the last callback using its topic filter.
func (c *Client) RemoveEventCallback(id string) error {
	c.mu.Lock()
	filter, ok := c.eventSubs[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("no event callback with id %s", id)
	}
	delete(c.eventSubs, id)
	lastForFilter := true
	for _, f := range c.eventSubs {
		if f == filter {
			lastForFilter = false
			break
		}
	}
	c.mu.Unlock()

	c.hub.Unsubscribe(id)
	if lastForFilter {
		if err := c.channel.Unsubscribe(filter); err != nil {
			return fmt.Errorf("unsubscribing %s: %w", filter, err)
		}
	}
	return nil
}

// SubscribeNotification registers a hub subscription on any category,
// connection and service events included.
func (c *Client) SubscribeNotification(category notify.Category, cb notify.Callback, opts notify.SubscribeOptions) string {
	return c.hub.Subscribe(category, cb, opts)
}

// UnsubscribeNotification removes a hub subscription by id.
func (c *Client) UnsubscribeNotification(id string) bool {
	return c.hub.Unsubscribe(id)
}

// RegisterService exposes a service on the fabric and blocks until the
// registry acknowledges it or the registration timeout passes. The
// returned service id is the handle for unregistering.
func (c *Client) RegisterService(ctx context.Context, reg ServiceRegistration, handler RequestHandler) (string, error) {
	return c.registry.register(ctx, reg, handler, true)
}

// RegisterServiceAsync exposes a service without waiting for the
// registry's acknowledgement. Registration failures surface in the log
// only.
func (c *Client) RegisterServiceAsync(reg ServiceRegistration, handler RequestHandler) (string, error) {
	return c.registry.register(context.Background(), reg, handler, false)
}

// UnregisterService withdraws a service and blocks until the registry
// acknowledges or the registration timeout passes. Local dispatch stops
// immediately either way.
func (c *Client) UnregisterService(ctx context.Context, serviceID string) error {
	return c.registry.unregister(ctx, serviceID)
}

// ActiveServices returns the currently registered services.
func (c *Client) ActiveServices() []ServiceRegistration {
	return c.registry.active()
}
