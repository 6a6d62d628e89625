package dxlclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-fabric/pkg/envelope"
	"github.com/illmade-knight/go-fabric/pkg/notify"
	"github.com/illmade-knight/go-fabric/pkg/transport"
)

// ServiceRegistration describes a service endpoint exposed on the fabric.
type ServiceRegistration struct {
	// ServiceType names the kind of service, e.g. "/mycompany/lookup".
	ServiceType string
	// ServiceID uniquely identifies this instance. Assigned a fresh UUID
	// when empty.
	ServiceID string
	// Topics are the request topics the service answers on. Filters with
	// wildcards are honored.
	Topics []string
	// Metadata travels to the registry alongside the registration.
	Metadata map[string]string
	// TTL is the registration lifetime granted by the registry; the
	// client renews at half this interval. Defaults to DefaultServiceTTL.
	TTL time.Duration
}

// RequestHandler processes one request and returns the response to send
// back, or nil to send nothing. Handlers run on the client's dispatch
// goroutine and may publish freely.
type RequestHandler func(req *envelope.Message) *envelope.Message

// registrationPayload is the JSON body the fabric's service registry
// consumes.
type registrationPayload struct {
	ServiceType     string            `json:"serviceType"`
	ServiceGUID     string            `json:"serviceGuid"`
	RequestChannels []string          `json:"requestChannels"`
	Metadata        map[string]string `json:"metaData"`
	TTLMins         int64             `json:"ttlMins"`
}

type unregistrationPayload struct {
	ServiceGUID string `json:"serviceGuid"`
}

type serviceEntry struct {
	reg       ServiceRegistration
	handler   RequestHandler
	hubSubID  string
	stopRenew chan struct{}
}

// serviceRegistry owns the client's registered services: request
// dispatch, registry announcements, TTL renewal and re-announcement after
// reconnects.
type serviceRegistry struct {
	client *Client
	logger zerolog.Logger

	mu        sync.Mutex
	services  map[string]*serviceEntry
	reconnSub string
}

func newServiceRegistry(client *Client, logger zerolog.Logger) *serviceRegistry {
	return &serviceRegistry{
		client:   client,
		logger:   logger.With().Str("component", "ServiceRegistry").Logger(),
		services: make(map[string]*serviceEntry),
	}
}

func (r *serviceRegistry) register(ctx context.Context, reg ServiceRegistration, handler RequestHandler, wait bool) (string, error) {
	if reg.ServiceType == "" {
		return "", fmt.Errorf("service type is required")
	}
	if len(reg.Topics) == 0 {
		return "", fmt.Errorf("service %s declares no request topics", reg.ServiceType)
	}
	if handler == nil {
		return "", fmt.Errorf("service %s has no request handler", reg.ServiceType)
	}
	if reg.ServiceID == "" {
		reg.ServiceID = uuid.NewString()
	}
	if reg.TTL <= 0 {
		reg.TTL = DefaultServiceTTL
	}

	for i, topic := range reg.Topics {
		if err := r.client.channel.Subscribe(topic); err != nil {
			for _, done := range reg.Topics[:i] {
				_ = r.client.channel.Unsubscribe(done)
			}
			return "", fmt.Errorf("subscribing service topic %s: %w", topic, err)
		}
	}

	entry := &serviceEntry{
		reg:       reg,
		handler:   handler,
		stopRenew: make(chan struct{}),
	}
	entry.hubSubID = r.client.hub.Subscribe(notify.CategoryMessage, notify.CallbackFunc(func(v any) {
		in, ok := v.(notify.InboundMessage)
		if !ok {
			return
		}
		r.dispatch(entry, in)
	}), notify.SubscribeOptions{Filter: requestFilter(reg.ServiceID, reg.Topics)})

	r.mu.Lock()
	r.services[reg.ServiceID] = entry
	r.ensureReconnectSubLocked()
	r.mu.Unlock()

	if wait {
		if err := r.announce(ctx, reg); err != nil {
			r.teardown(entry)
			return "", err
		}
	} else {
		r.announceAsync(reg, "register")
	}

	go r.renewLoop(entry)
	r.logger.Info().Str("service_type", reg.ServiceType).Str("service_id", reg.ServiceID).Strs("topics", reg.Topics).Msg("Service registered.")
	r.client.hub.Publish(notify.CategoryService, notify.ServiceEvent{
		Registered:  true,
		ServiceType: reg.ServiceType,
		ServiceID:   reg.ServiceID,
		Topics:      reg.Topics,
	})
	return reg.ServiceID, nil
}

func (r *serviceRegistry) unregister(ctx context.Context, serviceID string) error {
	r.mu.Lock()
	entry, ok := r.services[serviceID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no registered service with id %s", serviceID)
	}
	r.teardown(entry)

	req, err := unregistrationRequest(serviceID)
	if err != nil {
		return err
	}
	resp, err := r.client.SendRequest(ctx, ServiceUnregisterTopic, req, r.client.cfg.ServiceRegistrationTimeout)
	if err != nil {
		return fmt.Errorf("unregistering service %s: %w", serviceID, err)
	}
	if resp.Type == envelope.TypeError {
		return fmt.Errorf("service registry refused unregistration of %s: %d %s", serviceID, resp.ErrorCode, resp.ErrorMessage)
	}

	r.logger.Info().Str("service_id", serviceID).Msg("Service unregistered.")
	r.client.hub.Publish(notify.CategoryService, notify.ServiceEvent{
		Registered:  false,
		ServiceType: entry.reg.ServiceType,
		ServiceID:   serviceID,
		Topics:      entry.reg.Topics,
	})
	return nil
}

// shutdown withdraws every service without waiting for registry
// acknowledgements; it runs on the client's disconnect path.
func (r *serviceRegistry) shutdown(_ context.Context) {
	r.mu.Lock()
	entries := make([]*serviceEntry, 0, len(r.services))
	for _, entry := range r.services {
		entries = append(entries, entry)
	}
	reconnSub := r.reconnSub
	r.reconnSub = ""
	r.mu.Unlock()

	if reconnSub != "" {
		r.client.hub.Unsubscribe(reconnSub)
	}
	for _, entry := range entries {
		r.teardown(entry)
		if req, err := unregistrationRequest(entry.reg.ServiceID); err == nil {
			if _, err := r.client.SendRequestAsync(ServiceUnregisterTopic, req, nil, time.Second); err != nil {
				r.logger.Debug().Err(err).Str("service_id", entry.reg.ServiceID).Msg("Could not announce unregistration during shutdown.")
			}
		}
	}
}

// active returns a snapshot of the registered services.
func (r *serviceRegistry) active() []ServiceRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ServiceRegistration, 0, len(r.services))
	for _, entry := range r.services {
		out = append(out, entry.reg)
	}
	return out
}

// teardown stops dispatch and renewal for entry and releases its topic
// subscriptions, keeping any topic another service still answers on.
func (r *serviceRegistry) teardown(entry *serviceEntry) {
	r.mu.Lock()
	if _, ok := r.services[entry.reg.ServiceID]; ok {
		delete(r.services, entry.reg.ServiceID)
		close(entry.stopRenew)
	}
	stillNeeded := make(map[string]bool)
	for _, other := range r.services {
		for _, topic := range other.reg.Topics {
			stillNeeded[topic] = true
		}
	}
	r.mu.Unlock()

	r.client.hub.Unsubscribe(entry.hubSubID)
	for _, topic := range entry.reg.Topics {
		if stillNeeded[topic] {
			continue
		}
		if err := r.client.channel.Unsubscribe(topic); err != nil {
			r.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to unsubscribe service topic.")
		}
	}
}

// dispatch invokes the service handler and returns its response to the
// requester. Responses are tagged with the answering instance.
func (r *serviceRegistry) dispatch(entry *serviceEntry, in notify.InboundMessage) {
	resp := entry.handler(in.Message)
	if resp == nil {
		return
	}
	if resp.ServiceID == "" {
		resp.ServiceID = entry.reg.ServiceID
	}
	if _, err := r.client.SendResponse(in.Message, resp); err != nil {
		r.logger.Error().Err(err).Str("topic", in.Topic).Str("request_id", in.Message.MessageID).Msg("Failed to send service response.")
	}
}

// announce sends the registration request and waits for the registry's
// acknowledgement.
func (r *serviceRegistry) announce(ctx context.Context, reg ServiceRegistration) error {
	req, err := registrationRequest(reg)
	if err != nil {
		return err
	}
	resp, err := r.client.SendRequest(ctx, ServiceRegisterTopic, req, r.client.cfg.ServiceRegistrationTimeout)
	if err != nil {
		return fmt.Errorf("registering service %s: %w", reg.ServiceID, err)
	}
	if resp.Type == envelope.TypeError {
		return fmt.Errorf("service registry refused %s: %d %s", reg.ServiceID, resp.ErrorCode, resp.ErrorMessage)
	}
	return nil
}

// announceAsync sends the registration request without blocking; a
// refusal or timeout only surfaces in the log.
func (r *serviceRegistry) announceAsync(reg ServiceRegistration, reason string) {
	req, err := registrationRequest(reg)
	if err != nil {
		r.logger.Error().Err(err).Str("service_id", reg.ServiceID).Msg("Failed to build registration request.")
		return
	}
	_, err = r.client.SendRequestAsync(ServiceRegisterTopic, req, func(resp *envelope.Message, err error) {
		switch {
		case err != nil:
			r.logger.Warn().Err(err).Str("service_id", reg.ServiceID).Str("reason", reason).Msg("Service registration was not acknowledged.")
		case resp.Type == envelope.TypeError:
			r.logger.Warn().Int("code", resp.ErrorCode).Str("error", resp.ErrorMessage).Str("service_id", reg.ServiceID).Msg("Service registry refused registration.")
		}
	}, r.client.cfg.ServiceRegistrationTimeout)
	if err != nil {
		r.logger.Warn().Err(err).Str("service_id", reg.ServiceID).Str("reason", reason).Msg("Failed to publish service registration.")
	}
}

// renewLoop re-announces the registration at half the TTL so the registry
// never expires a live service.
func (r *serviceRegistry) renewLoop(entry *serviceEntry) {
	ticker := time.NewTicker(entry.reg.TTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !r.client.IsConnected() {
				continue
			}
			r.announceAsync(entry.reg, "renewal")
		case <-entry.stopRenew:
			return
		}
	}
}

// ensureReconnectSubLocked installs the standing connection subscription
// that re-announces all services after a reconnect. Caller holds r.mu.
func (r *serviceRegistry) ensureReconnectSubLocked() {
	if r.reconnSub != "" {
		return
	}
	r.reconnSub = r.client.hub.Subscribe(notify.CategoryConnection, notify.CallbackFunc(func(v any) {
		ev, ok := v.(notify.ConnectionEvent)
		if !ok || !ev.Connected {
			return
		}
		for _, reg := range r.active() {
			r.announceAsync(reg, "reconnect")
		}
	}), notify.SubscribeOptions{})
}

// requestFilter accepts requests on the service's topics. A request
// addressed to a specific instance is left to that instance alone.
func requestFilter(serviceID string, topics []string) notify.Filter {
	return func(v any) bool {
		in, ok := v.(notify.InboundMessage)
		if !ok || in.Message == nil || in.Message.Type != envelope.TypeRequest {
			return false
		}
		if in.Message.ServiceID != "" && in.Message.ServiceID != serviceID {
			return false
		}
		for _, topic := range topics {
			if transport.TopicMatches(topic, in.Topic) {
				return true
			}
		}
		return false
	}
}

func registrationRequest(reg ServiceRegistration) (*envelope.Message, error) {
	body, err := json.Marshal(registrationPayload{
		ServiceType:     reg.ServiceType,
		ServiceGUID:     reg.ServiceID,
		RequestChannels: reg.Topics,
		Metadata:        reg.Metadata,
		TTLMins:         int64(reg.TTL / time.Minute),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding registration for %s: %w", reg.ServiceID, err)
	}
	req := envelope.NewRequest()
	req.Payload = body
	return req, nil
}

func unregistrationRequest(serviceID string) (*envelope.Message, error) {
	body, err := json.Marshal(unregistrationPayload{ServiceGUID: serviceID})
	if err != nil {
		return nil, fmt.Errorf("encoding unregistration for %s: %w", serviceID, err)
	}
	req := envelope.NewRequest()
	req.Payload = body
	return req, nil
}
