// Package envelope defines the message envelope exchanged over the fabric
// and its msgpack wire codec.
package envelope

import (
	"fmt"

	"github.com/google/uuid"
)

// Version is the envelope wire version this library writes. Older versions
// (0 and 1) are still accepted on decode.
const Version = 2

// MessageType identifies the role of a message on the fabric. The numeric
// values are part of the wire format.
type MessageType int

const (
	TypeRequest  MessageType = 0
	TypeResponse MessageType = 1
	TypeEvent    MessageType = 2
	TypeError    MessageType = 3
)

// String returns the lower-case name of the message type.
func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeEvent:
		return "event"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Field is one ordered protocol-extension key/value pair. Order is
// preserved across encode/decode.
type Field struct {
	Name  string
	Value string
}

// Message is the unit of communication on the fabric. A message is built
// with one of the New* constructors, which assign the MessageID exactly
// once; the id is never changed after the message has been sent.
type Message struct {
	// Type is the role of this message: request, response, event or error.
	Type MessageType

	// MessageID uniquely identifies this message. Responses echo it back
	// in RequestMessageID for correlation.
	MessageID string

	// SourceClientID is the identity of the sending client, stamped by the
	// connection coordinator on send.
	SourceClientID string

	// SourceBrokerID is the identity of the originating broker, set by the
	// fabric.
	SourceBrokerID string

	// BrokerIDs and ClientIDs are broker-assigned routing hints.
	BrokerIDs []string
	ClientIDs []string

	// Payload is opaque application data.
	Payload []byte

	// OtherFields is the ordered protocol extension slot.
	OtherFields []Field

	// SourceTenantID and DestTenantIDs carry multi-tenancy routing.
	SourceTenantID string
	DestTenantIDs  []string

	// ReplyToTopic is the topic a responder must publish the answer to.
	// Set by the requester; empty for non-requests.
	ReplyToTopic string

	// ServiceID targets a specific service instance when a request is
	// service-directed. Responses echo the id of the answering service.
	ServiceID string

	// RequestMessageID, on a response or error, holds the MessageID of the
	// request being answered. A response lacking it cannot be correlated.
	RequestMessageID string

	// ErrorCode and ErrorMessage are populated only for TypeError.
	ErrorCode    int
	ErrorMessage string
}

func newMessage(t MessageType) *Message {
	return &Message{
		Type:          t,
		MessageID:     uuid.NewString(),
		BrokerIDs:     []string{},
		ClientIDs:     []string{},
		Payload:       []byte{},
		OtherFields:   []Field{},
		DestTenantIDs: []string{},
	}
}

// NewRequest creates a request message with a fresh message id. The caller
// sets the Payload; ReplyToTopic is stamped by the request correlator at
// send time.
func NewRequest() *Message {
	return newMessage(TypeRequest)
}

// NewEvent creates an event message with a fresh message id.
func NewEvent() *Message {
	return newMessage(TypeEvent)
}

// NewResponse creates a response correlated to req: RequestMessageID and
// ServiceID are copied from the request, and the request's source client
// and broker become routing hints for the reply.
func NewResponse(req *Message) *Message {
	m := newMessage(TypeResponse)
	m.correlate(req)
	return m
}

// NewErrorResponse creates an error response correlated to req carrying
// the given error code and text.
func NewErrorResponse(req *Message, code int, text string) *Message {
	m := newMessage(TypeError)
	m.correlate(req)
	m.ErrorCode = code
	m.ErrorMessage = text
	return m
}

func (m *Message) correlate(req *Message) {
	if req == nil {
		return
	}
	m.RequestMessageID = req.MessageID
	m.ServiceID = req.ServiceID
	if req.SourceClientID != "" {
		m.ClientIDs = []string{req.SourceClientID}
	}
	if req.SourceBrokerID != "" {
		m.BrokerIDs = []string{req.SourceBrokerID}
	}
}

// OtherField returns the value of the first extension field with the given
// name and whether it was present.
func (m *Message) OtherField(name string) (string, bool) {
	for _, f := range m.OtherFields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// SetOtherField appends or replaces the extension field with the given
// name, keeping the original position on replace.
func (m *Message) SetOtherField(name, value string) {
	for i, f := range m.OtherFields {
		if f.Name == name {
			m.OtherFields[i].Value = value
			return
		}
	}
	m.OtherFields = append(m.OtherFields, Field{Name: name, Value: value})
}
