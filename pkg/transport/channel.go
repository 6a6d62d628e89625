// Package transport abstracts the broker link behind a narrow Channel
// interface so the client core stays independent of the wire protocol.
// PahoChannel is the production MQTT implementation, RedisChannel serves
// Redis Pub/Sub deployments and MemoryBroker backs tests.
package transport

import (
	"context"
	"errors"
	"strings"
)

// ErrNotConnected is returned by channel operations attempted while the
// link is down. Check with errors.Is.
var ErrNotConnected = errors.New("transport: not connected")

// Handlers carries the callbacks a channel raises into its owner. Nil
// fields are skipped.
type Handlers struct {
	// OnConnected fires after every successful connect, including
	// automatic reconnects.
	OnConnected func()
	// OnDisconnected fires when an established link goes down. err is nil
	// for a requested disconnect.
	OnDisconnected func(err error)
	// OnMessage fires once per inbound publication matching an active
	// subscription. Implementations may invoke it from their own network
	// goroutine, so it must return quickly.
	OnMessage func(topic string, payload []byte)
}

// Channel is a bidirectional link to a message broker. Implementations
// must keep Subscribe-registered topics alive across reconnects.
type Channel interface {
	// Bind installs the event handlers. Call it exactly once, before
	// Connect; handlers are not synchronized afterwards.
	Bind(h Handlers)
	// Connect establishes the link, blocking until it is up, ctx is done
	// or the attempt fails.
	Connect(ctx context.Context) error
	// Disconnect tears the link down. Safe to call repeatedly.
	Disconnect(ctx context.Context) error
	// Publish sends payload on topic.
	Publish(topic string, payload []byte) error
	// Subscribe registers interest in a topic filter. Filters registered
	// while down are applied on the next connect.
	Subscribe(topic string) error
	// Unsubscribe removes a previously registered filter.
	Unsubscribe(topic string) error
	// IsConnected reports whether the link is currently up.
	IsConnected() bool
}

// TopicMatches reports whether an MQTT-style topic filter matches a
// concrete topic. "+" matches exactly one level; "#" matches the rest of
// the topic, including its parent level, and only as the final level of
// the filter.
func TopicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	for i, level := range filterLevels {
		if level == "#" {
			return i == len(filterLevels)-1
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != "+" && level != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}
