// Package broker connects the agent to the broadcaster. The core
// consumes the [Bus] interface; the concrete transport is an MQTT
// broker ([MQTT]), with one topic per target and JSON event payloads.
package broker

import (
	"strings"

	"github.com/nugget/reeve/internal/event"
)

// Handler receives decoded message payloads for a subscribed target.
type Handler func(target string, data map[string]any)

// Bus is the transport contract the dispatcher relies on. Delivery is
// at-least-once fan-out to all current subscribers of a target, FIFO
// per subscription; the voting machinery compensates for duplicates.
type Bus interface {
	// Connect establishes a session. On success the session-open
	// handler runs before Connect returns.
	Connect() error

	// Subscribe routes subsequent messages on target to h.
	Subscribe(target string, h Handler) error

	// Unsubscribe stops delivery for target.
	Unsubscribe(target string) error

	// PublishCommandOutcome broadcasts a command lifecycle event
	// (started, finished, failed) for a target.
	PublishCommandOutcome(target, command, state, message, trackingID string) error

	// SendDirectEvent broadcasts a bare event carrying only a kind,
	// an opaque data token and a tracking-id. Used for vote
	// propagation.
	SendDirectEvent(kind event.Kind, data, trackingID, target string) error

	// Close tears the session down. The connection-lost handler
	// fires as a consequence.
	Close() error

	// Connected reports whether a live session exists.
	Connected() bool

	// SetSessionOpenHandler installs the callback invoked after each
	// successful Connect.
	SetSessionOpenHandler(fn func())

	// SetConnectionLostHandler installs the callback invoked when
	// the session ends, locally or remotely.
	SetConnectionLostHandler(fn func(reason error))
}

// topicPrefix namespaces all target channels on the broker.
const topicPrefix = "reeve/target/"

// TopicForTarget returns the broker topic carrying a target's events.
func TopicForTarget(target string) string {
	return topicPrefix + target
}

// TargetForTopic is the inverse of [TopicForTarget]. It reports false
// for topics outside the target namespace.
func TargetForTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, topicPrefix) {
		return "", false
	}
	target := strings.TrimPrefix(topic, topicPrefix)
	if target == "" || strings.Contains(target, "/") {
		return "", false
	}
	return target, true
}
