// Package dxlclient is the top-level fabric client. It ties a transport
// channel, the notification hub and the request correlator together into
// one facade for events, request/response and service registration.
package dxlclient

import (
	"os"
	"time"

	"github.com/google/uuid"
)

// Topic constants shared across the fabric. Responders and the service
// registry depend on these exact values, so they are not configurable.
const (
	// ReplyToTopicPrefix prefixes every client's private response topic;
	// the client id completes it.
	ReplyToTopicPrefix = "/mcafee/client/"
	// ServiceRegisterTopic receives service registration requests.
	ServiceRegisterTopic = "/mcafee/service/dxl/svcregistry/register"
	// ServiceUnregisterTopic receives service unregistration requests.
	ServiceUnregisterTopic = "/mcafee/service/dxl/svcregistry/unregister"
)

const (
	// DefaultServiceRegistrationTimeout bounds blocking service
	// register and unregister calls.
	DefaultServiceRegistrationTimeout = 120 * time.Second
	// DefaultServiceTTL is the registration lifetime granted to services
	// that do not choose their own.
	DefaultServiceTTL = 60 * time.Minute
	// DefaultInboundQueueSize is the capacity of the decode queue between
	// the transport and the notification hub.
	DefaultInboundQueueSize = 1000
)

// Config holds the client's operational settings.
type Config struct {
	// ClientID uniquely identifies this client on the fabric and
	// completes its reply-to topic. Assigned a fresh UUID when empty.
	ClientID string
	// DefaultRequestTimeout bounds synchronous requests sent without an
	// explicit timeout. Defaults to one hour.
	DefaultRequestTimeout time.Duration
	// ServiceRegistrationTimeout bounds blocking service register and
	// unregister calls. Defaults to 120 seconds.
	ServiceRegistrationTimeout time.Duration
	// InboundQueueSize is the capacity of the decode queue between the
	// transport and the notification hub. Defaults to 1000.
	InboundQueueSize int
}

// Env constants for client settings.
const (
	DxlClientID                   = "DXL_CLIENT_ID"
	DxlRequestTimeoutSeconds      = "DXL_REQUEST_TIMEOUT_SECONDS"
	DxlRegistrationTimeoutSeconds = "DXL_REGISTRATION_TIMEOUT_SECONDS"
)

// LoadConfigWithEnv loads client configuration from environment
// variables, populating unset values with defaults.
func LoadConfigWithEnv() *Config {
	cfg := &Config{}
	if id := os.Getenv(DxlClientID); id != "" {
		cfg.ClientID = id
	}
	if rt := os.Getenv(DxlRequestTimeoutSeconds); rt != "" {
		if s, err := time.ParseDuration(rt + "s"); err == nil {
			cfg.DefaultRequestTimeout = s
		}
	}
	if reg := os.Getenv(DxlRegistrationTimeoutSeconds); reg != "" {
		if s, err := time.ParseDuration(reg + "s"); err == nil {
			cfg.ServiceRegistrationTimeout = s
		}
	}
	applyConfigDefaults(cfg)
	return cfg
}

func applyConfigDefaults(cfg *Config) {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.DefaultRequestTimeout <= 0 {
		cfg.DefaultRequestTimeout = 3_600_000 * time.Millisecond
	}
	if cfg.ServiceRegistrationTimeout <= 0 {
		cfg.ServiceRegistrationTimeout = DefaultServiceRegistrationTimeout
	}
	if cfg.InboundQueueSize <= 0 {
		cfg.InboundQueueSize = DefaultInboundQueueSize
	}
}
