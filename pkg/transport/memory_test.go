package transport_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-fabric/pkg/transport"
)

// recorder captures channel events for assertions.
type recorder struct {
	mu          sync.Mutex
	topics      []string
	payloads    [][]byte
	connects    int
	disconnects []error
}

func (r *recorder) handlers() transport.Handlers {
	return transport.Handlers{
		OnConnected: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connects++
		},
		OnDisconnected: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnects = append(r.disconnects, err)
		},
		OnMessage: func(topic string, payload []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.topics = append(r.topics, topic)
			r.payloads = append(r.payloads, payload)
		},
	}
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

func (r *recorder) lastMessage() (string, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.topics) == 0 {
		return "", nil
	}
	return r.topics[len(r.topics)-1], r.payloads[len(r.payloads)-1]
}

func (r *recorder) connectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

func (r *recorder) disconnectErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.disconnects...)
}

func TestMemoryChannel_PublishReachesSubscriber(t *testing.T) {
	broker := transport.NewMemoryBroker()
	ctx := context.Background()

	pub := broker.NewChannel()
	require.NoError(t, pub.Connect(ctx))

	rec := &recorder{}
	sub := broker.NewChannel()
	sub.Bind(rec.handlers())
	require.NoError(t, sub.Subscribe("/svc/echo"))
	require.NoError(t, sub.Connect(ctx))

	require.NoError(t, pub.Publish("/svc/echo", []byte("hello")))

	require.Equal(t, 1, rec.messageCount())
	topic, payload := rec.lastMessage()
	assert.Equal(t, "/svc/echo", topic)
	assert.Equal(t, []byte("hello"), payload)
}

func TestMemoryChannel_WildcardSubscription(t *testing.T) {
	broker := transport.NewMemoryBroker()
	ctx := context.Background()

	pub := broker.NewChannel()
	require.NoError(t, pub.Connect(ctx))

	rec := &recorder{}
	sub := broker.NewChannel()
	sub.Bind(rec.handlers())
	require.NoError(t, sub.Subscribe("/svc/#"))
	require.NoError(t, sub.Connect(ctx))

	require.NoError(t, pub.Publish("/svc/reports/daily", []byte("report")))
	require.NoError(t, pub.Publish("/other/topic", []byte("stray")))

	require.Equal(t, 1, rec.messageCount())
	topic, _ := rec.lastMessage()
	assert.Equal(t, "/svc/reports/daily", topic)
}

func TestMemoryChannel_SelfDelivery(t *testing.T) {
	broker := transport.NewMemoryBroker()
	ctx := context.Background()

	rec := &recorder{}
	ch := broker.NewChannel()
	ch.Bind(rec.handlers())
	require.NoError(t, ch.Subscribe("/loop"))
	require.NoError(t, ch.Connect(ctx))

	require.NoError(t, ch.Publish("/loop", []byte("echo")))

	require.Equal(t, 1, rec.messageCount(), "a channel subscribed to a topic receives its own publications")
}

func TestMemoryChannel_UnsubscribeStopsDelivery(t *testing.T) {
	broker := transport.NewMemoryBroker()
	ctx := context.Background()

	rec := &recorder{}
	ch := broker.NewChannel()
	ch.Bind(rec.handlers())
	require.NoError(t, ch.Subscribe("/topic"))
	require.NoError(t, ch.Connect(ctx))

	require.NoError(t, ch.Publish("/topic", []byte("one")))
	require.NoError(t, ch.Unsubscribe("/topic"))
	require.NoError(t, ch.Publish("/topic", []byte("two")))

	assert.Equal(t, 1, rec.messageCount())
}

func TestMemoryChannel_PublishWhileDisconnected(t *testing.T) {
	broker := transport.NewMemoryBroker()

	ch := broker.NewChannel()
	err := ch.Publish("/topic", []byte("lost"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrNotConnected))
}

func TestMemoryChannel_ConnectionEvents(t *testing.T) {
	broker := transport.NewMemoryBroker()
	ctx := context.Background()

	rec := &recorder{}
	ch := broker.NewChannel()
	ch.Bind(rec.handlers())

	require.NoError(t, ch.Connect(ctx))
	assert.Equal(t, 1, rec.connectCount())
	assert.True(t, ch.IsConnected())

	require.NoError(t, ch.Disconnect(ctx))
	assert.False(t, ch.IsConnected())
	require.Len(t, rec.disconnectErrors(), 1)
	assert.NoError(t, rec.disconnectErrors()[0], "a requested disconnect carries no error")

	// Idempotent teardown.
	require.NoError(t, ch.Disconnect(ctx))
	assert.Len(t, rec.disconnectErrors(), 1)

	require.NoError(t, ch.Connect(ctx))
	bang := fmt.Errorf("broker fell over")
	ch.SimulateConnectionLoss(bang)
	require.Len(t, rec.disconnectErrors(), 2)
	assert.ErrorIs(t, rec.disconnectErrors()[1], bang)
}

func TestMemoryChannel_SubscriptionsSurviveReconnect(t *testing.T) {
	broker := transport.NewMemoryBroker()
	ctx := context.Background()

	pub := broker.NewChannel()
	require.NoError(t, pub.Connect(ctx))

	rec := &recorder{}
	sub := broker.NewChannel()
	sub.Bind(rec.handlers())
	require.NoError(t, sub.Subscribe("/svc/echo"))
	require.NoError(t, sub.Connect(ctx))

	sub.SimulateConnectionLoss(fmt.Errorf("transient"))
	require.NoError(t, pub.Publish("/svc/echo", []byte("missed")))
	assert.Equal(t, 0, rec.messageCount(), "no delivery while down")

	require.NoError(t, sub.Connect(ctx))
	require.NoError(t, pub.Publish("/svc/echo", []byte("back")))

	require.Equal(t, 1, rec.messageCount())
	_, payload := rec.lastMessage()
	assert.Equal(t, []byte("back"), payload)
	assert.Equal(t, 2, rec.connectCount())
}

func TestMemoryChannel_ReentrantPublishFromHandler(t *testing.T) {
	// A responder publishing from inside its message handler is the normal
	// request/response shape; the broker must not hold locks across
	// delivery.
	broker := transport.NewMemoryBroker()
	ctx := context.Background()

	requesterRec := &recorder{}
	requester := broker.NewChannel()
	requester.Bind(requesterRec.handlers())
	require.NoError(t, requester.Subscribe("/replies"))
	require.NoError(t, requester.Connect(ctx))

	responder := broker.NewChannel()
	responder.Bind(transport.Handlers{
		OnMessage: func(topic string, payload []byte) {
			_ = responder.Publish("/replies", append([]byte("re: "), payload...))
		},
	})
	require.NoError(t, responder.Subscribe("/requests"))
	require.NoError(t, responder.Connect(ctx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = requester.Publish("/requests", []byte("ping"))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reentrant publish deadlocked")
	}
	require.Equal(t, 1, requesterRec.messageCount())
	_, payload := requesterRec.lastMessage()
	assert.Equal(t, []byte("re: ping"), payload)
}

func TestMemoryChannel_PayloadIsolation(t *testing.T) {
	broker := transport.NewMemoryBroker()
	ctx := context.Background()

	rec := &recorder{}
	sub := broker.NewChannel()
	sub.Bind(rec.handlers())
	require.NoError(t, sub.Subscribe("/topic"))
	require.NoError(t, sub.Connect(ctx))

	pub := broker.NewChannel()
	require.NoError(t, pub.Connect(ctx))

	original := []byte("immutable")
	require.NoError(t, pub.Publish("/topic", original))
	original[0] = 'X'

	_, payload := rec.lastMessage()
	assert.Equal(t, []byte("immutable"), payload, "delivered payload must be isolated from the publisher's buffer")
}
