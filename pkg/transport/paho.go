package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// PahoConfig holds all necessary configuration for the Paho MQTT channel.
// It defines connection parameters and security settings.
type PahoConfig struct {
	// BrokerURL is the full URL of the MQTT broker to connect to.
	// Example: "ssl://broker.example.com:8883"
	BrokerURL string
	// ClientID identifies this client to the broker. Brokers require it
	// to be unique across connected clients.
	ClientID string
	// Username for authenticating with the MQTT broker.
	Username string
	// Password for authenticating with the MQTT broker.
	Password string
	// KeepAlive is the interval at which the client sends keep-alive pings to the broker.
	KeepAlive time.Duration
	// ConnectTimeout is the timeout for the initial connection attempt.
	ConnectTimeout time.Duration
	// OperationTimeout bounds the wait for publish, subscribe and
	// unsubscribe acknowledgements.
	OperationTimeout time.Duration
	// ReconnectWaitMax is the maximum time to wait between automatic reconnect attempts.
	ReconnectWaitMax time.Duration
	// CACertFile is an optional path to a CA certificate file for verifying the broker's certificate.
	CACertFile string
	// ClientCertFile is an optional path to a client certificate file for mTLS authentication.
	ClientCertFile string
	// ClientKeyFile is an optional path to a client key file for mTLS authentication.
	ClientKeyFile string
	// InsecureSkipVerify skips TLS certificate verification.
	// This is NOT recommended for production environments.
	InsecureSkipVerify bool
}

// Env constants for MQTT settings.
const (
	MqttSkipVerify              = "MQTT_INSECURE_SKIP_VERIFY"
	MqttKeepAliveSeconds        = "MQTT_KEEP_ALIVE_SECONDS"
	MqttConnectTimeoutSeconds   = "MQTT_CONNECT_TIMEOUT_SECONDS"
	MqttOperationTimeoutSeconds = "MQTT_OPERATION_TIMEOUT_SECONDS"
)

// LoadPahoConfigWithEnv loads MQTT operational configuration from environment
// variables, populating timeouts and keep-alive intervals with sensible
// defaults when unset. BrokerURL, ClientID and credentials are not loaded
// from the environment and must be configured programmatically.
func LoadPahoConfigWithEnv() *PahoConfig {
	cfg := &PahoConfig{
		KeepAlive:        60 * time.Second,  // Default
		ConnectTimeout:   10 * time.Second,  // Default
		OperationTimeout: 10 * time.Second,  // Default
		ReconnectWaitMax: 120 * time.Second, // Default
	}
	if skipVerify := os.Getenv(MqttSkipVerify); skipVerify == "true" {
		cfg.InsecureSkipVerify = true
	}

	// Parse durations if set in env, otherwise use defaults.
	if ka := os.Getenv(MqttKeepAliveSeconds); ka != "" {
		if s, err := time.ParseDuration(ka + "s"); err == nil {
			cfg.KeepAlive = s
		}
	}
	if ct := os.Getenv(MqttConnectTimeoutSeconds); ct != "" {
		if s, err := time.ParseDuration(ct + "s"); err == nil {
			cfg.ConnectTimeout = s
		}
	}
	if ot := os.Getenv(MqttOperationTimeoutSeconds); ot != "" {
		if s, err := time.ParseDuration(ot + "s"); err == nil {
			cfg.OperationTimeout = s
		}
	}

	return cfg
}

// PahoChannel implements Channel over the Paho MQTT client. Subscribed
// filters are tracked locally and re-established by the broker's connect
// acknowledgement handler, so they survive automatic reconnects.
type PahoChannel struct {
	cfg        *PahoConfig
	logger     zerolog.Logger
	handlers   Handlers
	pahoClient mqtt.Client

	mu   sync.Mutex
	subs map[string]struct{}
	up   bool
}

// NewPahoChannel creates a channel for cfg. It does not connect until
// Connect is called.
func NewPahoChannel(cfg *PahoConfig, logger zerolog.Logger) (*PahoChannel, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("MQTT client ID is required")
	}
	applyPahoDefaults(cfg)
	return &PahoChannel{
		cfg:    cfg,
		logger: logger.With().Str("component", "PahoChannel").Logger(),
		subs:   make(map[string]struct{}),
	}, nil
}

// NewPahoChannelWithClient creates a channel around an existing Paho
// client. Used by unit tests; the injected client's options are not
// rewired, so connect and message handlers must be driven through the
// ForTest accessors.
func NewPahoChannelWithClient(client mqtt.Client, cfg *PahoConfig, logger zerolog.Logger) (*PahoChannel, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	applyPahoDefaults(cfg)
	return &PahoChannel{
		cfg:        cfg,
		logger:     logger.With().Str("component", "PahoChannel").Logger(),
		subs:       make(map[string]struct{}),
		pahoClient: client,
	}, nil
}

func applyPahoDefaults(cfg *PahoConfig) {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	if cfg.ReconnectWaitMax <= 0 {
		cfg.ReconnectWaitMax = 120 * time.Second
	}
}

// Bind installs the event handlers. Call before Connect.
func (c *PahoChannel) Bind(h Handlers) {
	c.handlers = h
}

// Connect establishes the broker link, blocking until the connect
// acknowledgement arrives, ctx is done or the attempt fails. After a
// successful connect the Paho client reconnects automatically; each
// reconnect re-establishes the tracked subscriptions before the connected
// event is raised.
func (c *PahoChannel) Connect(ctx context.Context) error {
	if c.pahoClient == nil {
		c.pahoClient = mqtt.NewClient(c.createMqttOptions())
	}

	c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("Attempting to connect to MQTT broker...")
	token := c.pahoClient.Connect()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to MQTT broker %s: %w", c.cfg.BrokerURL, err)
	}
	return nil
}

// Disconnect closes the broker link. The disconnected event carries a nil
// error, marking the teardown as requested.
func (c *PahoChannel) Disconnect(_ context.Context) error {
	c.mu.Lock()
	wasUp := c.up
	c.up = false
	c.mu.Unlock()

	if c.pahoClient != nil && c.pahoClient.IsConnected() {
		c.pahoClient.Disconnect(500) // 500ms grace period
		c.logger.Info().Msg("Paho MQTT client disconnected.")
	}
	if wasUp && c.handlers.OnDisconnected != nil {
		c.handlers.OnDisconnected(nil)
	}
	return nil
}

// Publish sends payload on topic with QoS 1 and waits for the broker's
// acknowledgement.
func (c *PahoChannel) Publish(topic string, payload []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("publishing to %s: %w", topic, ErrNotConnected)
	}
	token := c.pahoClient.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(c.cfg.OperationTimeout) {
		return fmt.Errorf("publish to %s timed out after %s", topic, c.cfg.OperationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a topic filter with QoS 1. Filters registered while
// down are recorded and applied when the connection comes up.
func (c *PahoChannel) Subscribe(topic string) error {
	c.mu.Lock()
	c.subs[topic] = struct{}{}
	connected := c.up
	c.mu.Unlock()

	if !connected {
		return nil
	}
	token := c.pahoClient.Subscribe(topic, 1, nil)
	if !token.WaitTimeout(c.cfg.OperationTimeout) {
		return fmt.Errorf("subscribe to %s timed out after %s", topic, c.cfg.OperationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes a topic filter.
func (c *PahoChannel) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	connected := c.up
	c.mu.Unlock()

	if !connected {
		return nil
	}
	token := c.pahoClient.Unsubscribe(topic)
	if !token.WaitTimeout(c.cfg.OperationTimeout) {
		return fmt.Errorf("unsubscribe from %s timed out after %s", topic, c.cfg.OperationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", topic, err)
	}
	return nil
}

// IsConnected returns the connection status of the underlying Paho client.
func (c *PahoChannel) IsConnected() bool {
	return c.pahoClient != nil && c.pahoClient.IsConnected()
}

// GetOnConnectHandlerForTest returns the internal connect handler for unit testing.
func (c *PahoChannel) GetOnConnectHandlerForTest() mqtt.OnConnectHandler {
	return c.handleConnect
}

// GetConnectionLostHandlerForTest returns the internal connection-lost handler for unit testing.
func (c *PahoChannel) GetConnectionLostHandlerForTest() mqtt.ConnectionLostHandler {
	return c.handleConnectionLost
}

// GetMessageHandlerForTest returns the internal message handler for unit testing.
func (c *PahoChannel) GetMessageHandlerForTest() mqtt.MessageHandler {
	return c.handleIncomingMessage
}

// handleConnect runs on every connect acknowledgement, initial and
// reconnect alike. It restores the tracked subscriptions before raising
// the connected event so no subscriber misses traffic published right
// after a reconnect.
func (c *PahoChannel) handleConnect(client mqtt.Client) {
	c.mu.Lock()
	c.up = true
	filters := make([]string, 0, len(c.subs))
	for filter := range c.subs {
		filters = append(filters, filter)
	}
	c.mu.Unlock()

	c.logger.Info().Str("broker", c.cfg.BrokerURL).Int("subscriptions", len(filters)).Msg("Paho client connected to MQTT broker.")
	for _, filter := range filters {
		token := client.Subscribe(filter, 1, nil) // Subscribe with QoS 1
		go func(filter string) {
			if token.WaitTimeout(c.cfg.OperationTimeout) && token.Error() != nil {
				c.logger.Error().Err(token.Error()).Str("topic", filter).Msg("Failed to subscribe to MQTT topic.")
			}
		}(filter)
	}

	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected()
	}
}

func (c *PahoChannel) handleConnectionLost(_ mqtt.Client, err error) {
	c.mu.Lock()
	c.up = false
	c.mu.Unlock()

	c.logger.Error().Err(err).Msg("Paho client lost MQTT connection.")
	if c.handlers.OnDisconnected != nil {
		c.handlers.OnDisconnected(err)
	}
}

// handleIncomingMessage forwards a broker publication to the channel
// owner. The payload is copied because Paho reuses its buffers.
func (c *PahoChannel) handleIncomingMessage(_ mqtt.Client, msg mqtt.Message) {
	if c.handlers.OnMessage == nil {
		return
	}
	payloadCopy := make([]byte, len(msg.Payload()))
	copy(payloadCopy, msg.Payload())
	c.handlers.OnMessage(msg.Topic(), payloadCopy)
}

// createMqttOptions assembles the Paho client options from the config.
func (c *PahoChannel) createMqttOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	opts.SetClientID(c.cfg.ClientID)
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.cfg.ReconnectWaitMax)
	// Inbound handling stays ordered; the owner's OnMessage hands off to
	// its own dispatch queue, so the Paho network loop is never blocked.
	opts.SetOrderMatters(true)
	opts.SetDefaultPublishHandler(c.handleIncomingMessage)
	opts.SetOnConnectHandler(c.handleConnect)
	opts.SetConnectionLostHandler(c.handleConnectionLost)

	lowered := strings.ToLower(c.cfg.BrokerURL)
	if strings.HasPrefix(lowered, "tls://") || strings.HasPrefix(lowered, "ssl://") {
		tlsConfig, err := newTLSConfig(c.cfg)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to create TLS config, proceeding without it.")
		} else {
			opts.SetTLSConfig(tlsConfig)
			c.logger.Info().Msg("TLS configured for MQTT client.")
		}
	}
	return opts
}

// newTLSConfig is a helper to create a tls.Config.
func newTLSConfig(cfg *PahoConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
