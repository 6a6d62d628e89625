package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis Pub/Sub channel.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// OperationTimeout bounds publish round-trips. Defaults to 10s.
	OperationTimeout time.Duration
}

// RedisChannel implements Channel over Redis Pub/Sub for deployments that
// run a Redis instance instead of an MQTT broker. Topic filters are
// translated to Redis glob patterns; because a glob cannot express
// "exactly one level", "+" widens to "*" and patterns may over-match.
// Subscribers that need level-accurate delivery re-check the concrete
// topic with TopicMatches.
type RedisChannel struct {
	cfg      *RedisConfig
	logger   zerolog.Logger
	handlers Handlers

	mu          sync.Mutex
	redisClient *redis.Client
	pubsub      *redis.PubSub
	subs        map[string]struct{}
	connected   bool
}

// NewRedisChannel creates a channel for cfg. It does not connect until
// Connect is called.
func NewRedisChannel(cfg *RedisConfig, logger zerolog.Logger) (*RedisChannel, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	return &RedisChannel{
		cfg:    cfg,
		logger: logger.With().Str("component", "RedisChannel").Logger(),
		subs:   make(map[string]struct{}),
	}, nil
}

// Bind installs the event handlers. Call before Connect.
func (c *RedisChannel) Bind(h Handlers) {
	c.handlers = h
}

// Connect dials Redis, pings it to ensure connectivity, applies the
// registered subscriptions and starts the receive loop. After a
// successful connect, go-redis re-establishes the pattern subscriptions
// itself when the underlying connection drops and recovers.
func (c *RedisChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     c.cfg.Addr,
		Password: c.cfg.Password,
		DB:       c.cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		c.mu.Unlock()
		_ = rdb.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	patterns := make([]string, 0, len(c.subs))
	for filter := range c.subs {
		patterns = append(patterns, redisPattern(filter))
	}
	pubsub := rdb.PSubscribe(ctx, patterns...)
	c.redisClient = rdb
	c.pubsub = pubsub
	c.connected = true
	c.mu.Unlock()

	c.logger.Info().Str("redis_address", c.cfg.Addr).Msg("Successfully connected to Redis.")
	go c.receiveLoop(pubsub)

	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected()
	}
	return nil
}

// Disconnect closes the Pub/Sub subscription and the Redis client. The
// disconnected event carries a nil error, marking the teardown as
// requested.
func (c *RedisChannel) Disconnect(_ context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	pubsub := c.pubsub
	rdb := c.redisClient
	c.pubsub = nil
	c.redisClient = nil
	c.mu.Unlock()

	if pubsub != nil {
		_ = pubsub.Close()
	}
	if rdb != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		_ = rdb.Close()
	}
	if c.handlers.OnDisconnected != nil {
		c.handlers.OnDisconnected(nil)
	}
	return nil
}

// Publish sends payload on topic as a Redis publication.
func (c *RedisChannel) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	rdb := c.redisClient
	connected := c.connected
	c.mu.Unlock()
	if !connected || rdb == nil {
		return fmt.Errorf("publishing to %s: %w", topic, ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OperationTimeout)
	defer cancel()
	if err := rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a topic filter. Filters registered while down are
// applied on the next Connect.
func (c *RedisChannel) Subscribe(topic string) error {
	c.mu.Lock()
	c.subs[topic] = struct{}{}
	pubsub := c.pubsub
	c.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OperationTimeout)
	defer cancel()
	if err := pubsub.PSubscribe(ctx, redisPattern(topic)); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes a topic filter.
func (c *RedisChannel) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	pubsub := c.pubsub
	c.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OperationTimeout)
	defer cancel()
	if err := pubsub.PUnsubscribe(ctx, redisPattern(topic)); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the channel holds a live Redis client.
func (c *RedisChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// receiveLoop forwards publications until the Pub/Sub subscription is
// closed by Disconnect.
func (c *RedisChannel) receiveLoop(pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		if c.handlers.OnMessage == nil {
			continue
		}
		c.handlers.OnMessage(msg.Channel, []byte(msg.Payload))
	}
	c.logger.Debug().Msg("Redis receive loop finished.")
}

// redisPattern translates an MQTT-style topic filter into a Redis glob
// pattern. Both wildcards widen to "*"; glob metacharacters occurring
// literally in the filter are escaped.
func redisPattern(filter string) string {
	var b strings.Builder
	b.Grow(len(filter))
	for _, r := range filter {
		switch r {
		case '+', '#':
			b.WriteByte('*')
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
