package notify

import (
	"github.com/illmade-knight/go-fabric/pkg/envelope"
)

// The well-known categories and the value types published on them. The
// hub itself is category-agnostic; any Category value works. These are the
// ones the client components use.
const (
	// CategoryConnection carries ConnectionEvent values for broker
	// connect/disconnect transitions.
	CategoryConnection Category = "connection"

	// CategoryMessage carries InboundMessage values for every decoded
	// message arriving from the broker.
	CategoryMessage Category = "message"

	// CategoryService carries ServiceEvent values when local services are
	// registered or unregistered.
	CategoryService Category = "service"
)

// InboundMessage is published on CategoryMessage by the connection
// coordinator after decoding an inbound publish.
type InboundMessage struct {
	Topic   string
	Message *envelope.Message
}

// ConnectionEvent is published on CategoryConnection.
type ConnectionEvent struct {
	Connected bool
	ClientID  string
}

// ServiceEvent is published on CategoryService by the service registry.
type ServiceEvent struct {
	Registered  bool
	ServiceType string
	ServiceID   string
	Topics      []string
}
