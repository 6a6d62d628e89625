package dxlclient_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-fabric/pkg/correlator"
	"github.com/illmade-knight/go-fabric/pkg/dxlclient"
	"github.com/illmade-knight/go-fabric/pkg/envelope"
	"github.com/illmade-knight/go-fabric/pkg/notify"
	"github.com/illmade-knight/go-fabric/pkg/transport"
)

func echoHandler(req *envelope.Message) *envelope.Message {
	resp := envelope.NewResponse(req)
	resp.Payload = append([]byte("echo:"), req.Payload...)
	return resp
}

func TestRegisterService_Validation(t *testing.T) {
	broker := transport.NewMemoryBroker()
	startRegistryResponder(t, broker)
	client, _ := newFabricClient(t, broker, nil)

	cases := []struct {
		name string
		reg  dxlclient.ServiceRegistration
		h    dxlclient.RequestHandler
	}{
		{"missing type", dxlclient.ServiceRegistration{Topics: []string{"/svc/echo"}}, echoHandler},
		{"no topics", dxlclient.ServiceRegistration{ServiceType: "/test/echo"}, echoHandler},
		{"nil handler", dxlclient.ServiceRegistration{ServiceType: "/test/echo", Topics: []string{"/svc/echo"}}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := client.RegisterService(context.Background(), tc.reg, tc.h)
			require.Error(t, err)
		})
	}
	assert.Empty(t, client.ActiveServices())
}

func TestRegisterService_AnnouncesAndAnswersRequests(t *testing.T) {
	broker := transport.NewMemoryBroker()
	responder := startRegistryResponder(t, broker)
	provider, _ := newFabricClient(t, broker, nil)
	requester, _ := newFabricClient(t, broker, nil)

	serviceID, err := provider.RegisterService(context.Background(), dxlclient.ServiceRegistration{
		ServiceType: "/test/echo",
		Topics:      []string{"/svc/echo"},
		Metadata:    map[string]string{"version": "1.0"},
		TTL:         60 * time.Minute,
	}, echoHandler)
	require.NoError(t, err)
	require.NotEmpty(t, serviceID)

	reg := responder.lastRegistration()
	assert.Equal(t, "/test/echo", reg.ServiceType)
	assert.Equal(t, serviceID, reg.ServiceGUID)
	assert.Equal(t, []string{"/svc/echo"}, reg.RequestChannels)
	assert.Equal(t, map[string]string{"version": "1.0"}, reg.Metadata)
	assert.Equal(t, int64(60), reg.TTLMins)

	req := envelope.NewRequest()
	req.Payload = []byte("ping")
	resp, err := requester.SendRequest(context.Background(), "/svc/echo", req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeResponse, resp.Type)
	assert.Equal(t, req.MessageID, resp.RequestMessageID)
	assert.Equal(t, []byte("echo:ping"), resp.Payload)
	assert.Equal(t, serviceID, resp.ServiceID, "responses carry the answering instance")

	active := provider.ActiveServices()
	require.Len(t, active, 1)
	assert.Equal(t, serviceID, active[0].ServiceID)
}

func TestRegisterService_RefusedByRegistry(t *testing.T) {
	broker := transport.NewMemoryBroker()
	responder := startRegistryResponder(t, broker)
	responder.setRefuse(true)
	client, _ := newFabricClient(t, broker, nil)

	_, err := client.RegisterService(context.Background(), dxlclient.ServiceRegistration{
		ServiceType: "/test/echo",
		Topics:      []string{"/svc/refused"},
	}, echoHandler)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
	assert.Empty(t, client.ActiveServices(), "a refused service must not stay registered")
}

func TestRegisterService_ServiceDirectedRequests(t *testing.T) {
	broker := transport.NewMemoryBroker()
	startRegistryResponder(t, broker)
	provider, _ := newFabricClient(t, broker, nil)
	requester, _ := newFabricClient(t, broker, nil)

	serviceID, err := provider.RegisterService(context.Background(), dxlclient.ServiceRegistration{
		ServiceType: "/test/echo",
		Topics:      []string{"/svc/directed"},
	}, echoHandler)
	require.NoError(t, err)

	// Addressed to this instance: answered.
	req := envelope.NewRequest()
	req.ServiceID = serviceID
	req.Payload = []byte("direct")
	resp, err := requester.SendRequest(context.Background(), "/svc/directed", req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:direct"), resp.Payload)

	// Addressed to a different instance: ignored, the caller times out.
	other := envelope.NewRequest()
	other.ServiceID = "some-other-instance"
	_, err = requester.SendRequest(context.Background(), "/svc/directed", other, 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, correlator.ErrTimeout))
}

func TestRegisterService_NilHandlerResponseSendsNothing(t *testing.T) {
	broker := transport.NewMemoryBroker()
	startRegistryResponder(t, broker)
	provider, _ := newFabricClient(t, broker, nil)
	requester, _ := newFabricClient(t, broker, nil)

	_, err := provider.RegisterService(context.Background(), dxlclient.ServiceRegistration{
		ServiceType: "/test/sink",
		Topics:      []string{"/svc/sink"},
	}, func(_ *envelope.Message) *envelope.Message { return nil })
	require.NoError(t, err)

	_, err = requester.SendRequest(context.Background(), "/svc/sink", envelope.NewRequest(), 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, correlator.ErrTimeout))
}

func TestRegisterServiceAsync_EventuallyAnnounced(t *testing.T) {
	broker := transport.NewMemoryBroker()
	responder := startRegistryResponder(t, broker)
	provider, _ := newFabricClient(t, broker, nil)
	requester, _ := newFabricClient(t, broker, nil)

	serviceID, err := provider.RegisterServiceAsync(dxlclient.ServiceRegistration{
		ServiceType: "/test/echo",
		Topics:      []string{"/svc/async"},
	}, echoHandler)
	require.NoError(t, err)
	require.NotEmpty(t, serviceID)

	require.Eventually(t, func() bool {
		return responder.registrationCount() >= 1
	}, 2*time.Second, 20*time.Millisecond, "the announcement must reach the registry")

	// Dispatch is live immediately, independent of the announcement.
	req := envelope.NewRequest()
	req.Payload = []byte("now")
	resp, err := requester.SendRequest(context.Background(), "/svc/async", req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:now"), resp.Payload)
}

func TestUnregisterService_StopsDispatchAndNotifiesRegistry(t *testing.T) {
	broker := transport.NewMemoryBroker()
	responder := startRegistryResponder(t, broker)
	provider, _ := newFabricClient(t, broker, nil)
	requester, _ := newFabricClient(t, broker, nil)

	serviceID, err := provider.RegisterService(context.Background(), dxlclient.ServiceRegistration{
		ServiceType: "/test/echo",
		Topics:      []string{"/svc/gone"},
	}, echoHandler)
	require.NoError(t, err)

	require.NoError(t, provider.UnregisterService(context.Background(), serviceID))
	assert.Equal(t, serviceID, responder.lastRemoval().ServiceGUID)
	assert.Empty(t, provider.ActiveServices())

	_, err = requester.SendRequest(context.Background(), "/svc/gone", envelope.NewRequest(), 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, correlator.ErrTimeout))

	err = provider.UnregisterService(context.Background(), serviceID)
	require.Error(t, err, "unregistering an unknown id reports the miss")
}

func TestServiceRegistry_RenewsAtHalfTTL(t *testing.T) {
	broker := transport.NewMemoryBroker()
	responder := startRegistryResponder(t, broker)
	provider, _ := newFabricClient(t, broker, nil)

	_, err := provider.RegisterService(context.Background(), dxlclient.ServiceRegistration{
		ServiceType: "/test/echo",
		Topics:      []string{"/svc/renewed"},
		TTL:         300 * time.Millisecond,
	}, echoHandler)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return responder.registrationCount() >= 3
	}, 3*time.Second, 20*time.Millisecond, "renewals must keep arriving at half the TTL")
}

func TestServiceRegistry_ReannouncesAfterReconnect(t *testing.T) {
	broker := transport.NewMemoryBroker()
	responder := startRegistryResponder(t, broker)
	provider, ch := newFabricClient(t, broker, nil)

	serviceID, err := provider.RegisterService(context.Background(), dxlclient.ServiceRegistration{
		ServiceType: "/test/echo",
		Topics:      []string{"/svc/resilient"},
	}, echoHandler)
	require.NoError(t, err)
	baseline := responder.registrationCount()

	ch.SimulateConnectionLoss(errors.New("link down"))
	require.NoError(t, ch.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return responder.registrationCount() > baseline
	}, 2*time.Second, 20*time.Millisecond, "the service must be re-announced after a reconnect")
	assert.Equal(t, serviceID, responder.lastRegistration().ServiceGUID)
}

func TestServiceEvents_PublishedOnHub(t *testing.T) {
	broker := transport.NewMemoryBroker()
	startRegistryResponder(t, broker)
	provider, _ := newFabricClient(t, broker, nil)

	mailbox := make(chan any, 4)
	provider.SubscribeNotification(notify.CategoryService, notify.NewChannelCallback(mailbox, zerolog.Nop()), notify.SubscribeOptions{})

	serviceID, err := provider.RegisterService(context.Background(), dxlclient.ServiceRegistration{
		ServiceType: "/test/echo",
		Topics:      []string{"/svc/watched"},
	}, echoHandler)
	require.NoError(t, err)

	select {
	case v := <-mailbox:
		ev := v.(notify.ServiceEvent)
		assert.True(t, ev.Registered)
		assert.Equal(t, "/test/echo", ev.ServiceType)
		assert.Equal(t, serviceID, ev.ServiceID)
		assert.Equal(t, []string{"/svc/watched"}, ev.Topics)
	case <-time.After(2 * time.Second):
		t.Fatal("registration event never arrived")
	}

	require.NoError(t, provider.UnregisterService(context.Background(), serviceID))
	select {
	case v := <-mailbox:
		ev := v.(notify.ServiceEvent)
		assert.False(t, ev.Registered)
		assert.Equal(t, serviceID, ev.ServiceID)
	case <-time.After(2 * time.Second):
		t.Fatal("unregistration event never arrived")
	}
}

func TestServices_SharedTopicSurvivesPeerTeardown(t *testing.T) {
	broker := transport.NewMemoryBroker()
	startRegistryResponder(t, broker)
	provider, _ := newFabricClient(t, broker, nil)
	requester, _ := newFabricClient(t, broker, nil)

	first, err := provider.RegisterService(context.Background(), dxlclient.ServiceRegistration{
		ServiceType: "/test/echo",
		ServiceID:   "instance-one",
		Topics:      []string{"/svc/shared"},
	}, echoHandler)
	require.NoError(t, err)
	_, err = provider.RegisterService(context.Background(), dxlclient.ServiceRegistration{
		ServiceType: "/test/echo",
		ServiceID:   "instance-two",
		Topics:      []string{"/svc/shared"},
	}, echoHandler)
	require.NoError(t, err)

	require.NoError(t, provider.UnregisterService(context.Background(), first))

	// The surviving instance still answers on the shared topic.
	req := envelope.NewRequest()
	req.ServiceID = "instance-two"
	req.Payload = []byte("still here")
	resp, err := requester.SendRequest(context.Background(), "/svc/shared", req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:still here"), resp.Payload)
}
