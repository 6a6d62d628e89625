package dxlclient_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-fabric/pkg/dxlclient"
	"github.com/illmade-knight/go-fabric/pkg/envelope"
	"github.com/illmade-knight/go-fabric/pkg/transport"
)

// recordedRegistration mirrors the wire body the service registry
// receives, asserted from outside the package.
type recordedRegistration struct {
	ServiceType     string            `json:"serviceType"`
	ServiceGUID     string            `json:"serviceGuid"`
	RequestChannels []string          `json:"requestChannels"`
	Metadata        map[string]string `json:"metaData"`
	TTLMins         int64             `json:"ttlMins"`
}

type recordedUnregistration struct {
	ServiceGUID string `json:"serviceGuid"`
}

// registryResponder stands in for the broker's built-in service registry:
// it acknowledges register and unregister requests and records them.
type registryResponder struct {
	mu            sync.Mutex
	refuse        bool
	registrations []recordedRegistration
	removals      []recordedUnregistration
}

func startRegistryResponder(t *testing.T, broker *transport.MemoryBroker) *registryResponder {
	t.Helper()
	r := &registryResponder{}
	ch := broker.NewChannel()
	ch.Bind(transport.Handlers{OnMessage: func(topic string, payload []byte) {
		req, err := envelope.Decode(payload)
		if err != nil || req.Type != envelope.TypeRequest {
			return
		}
		r.record(topic, req.Payload)

		var resp *envelope.Message
		if r.refusing() {
			resp = envelope.NewErrorResponse(req, 409, "registration refused")
		} else {
			resp = envelope.NewResponse(req)
			resp.Payload = []byte("ok")
		}
		data, err := envelope.Encode(resp)
		if err != nil {
			return
		}
		_ = ch.Publish(req.ReplyToTopic, data)
	}})
	require.NoError(t, ch.Subscribe(dxlclient.ServiceRegisterTopic))
	require.NoError(t, ch.Subscribe(dxlclient.ServiceUnregisterTopic))
	require.NoError(t, ch.Connect(context.Background()))
	t.Cleanup(func() { _ = ch.Disconnect(context.Background()) })
	return r
}

func (r *registryResponder) record(topic string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch topic {
	case dxlclient.ServiceRegisterTopic:
		var reg recordedRegistration
		if json.Unmarshal(payload, &reg) == nil {
			r.registrations = append(r.registrations, reg)
		}
	case dxlclient.ServiceUnregisterTopic:
		var un recordedUnregistration
		if json.Unmarshal(payload, &un) == nil {
			r.removals = append(r.removals, un)
		}
	}
}

func (r *registryResponder) setRefuse(refuse bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refuse = refuse
}

func (r *registryResponder) refusing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refuse
}

func (r *registryResponder) registrationCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registrations)
}

func (r *registryResponder) removalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.removals)
}

func (r *registryResponder) lastRegistration() recordedRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.registrations) == 0 {
		return recordedRegistration{}
	}
	return r.registrations[len(r.registrations)-1]
}

func (r *registryResponder) lastRemoval() recordedUnregistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.removals) == 0 {
		return recordedUnregistration{}
	}
	return r.removals[len(r.removals)-1]
}

// newFabricClient builds and connects a client on broker. The returned
// channel handle lets tests simulate connection loss.
func newFabricClient(t *testing.T, broker *transport.MemoryBroker, cfg *dxlclient.Config) (*dxlclient.Client, *transport.MemoryChannel) {
	t.Helper()
	if cfg == nil {
		cfg = &dxlclient.Config{}
	}
	if cfg.ServiceRegistrationTimeout == 0 {
		cfg.ServiceRegistrationTimeout = 2 * time.Second
	}

	ch := broker.NewChannel()
	client, err := dxlclient.NewClient(cfg, ch, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = client.Disconnect(stopCtx)
	})
	return client, ch
}
