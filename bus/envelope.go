package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Well-known hub topics. Subsystems publish state changes here so observers
// react without polling.
const (
	// TopicStateChanged carries registry.StateChangedEvent payloads.
	TopicStateChanged = "registry.state_changed"

	// TopicRestartRequested asks a launcher to restart a failed component.
	TopicRestartRequested = "registry.restart_requested"

	// TopicDependencyEscalation reports a blocked requirer whose required
	// dependency has FAILED.
	TopicDependencyEscalation = "registry.dependency_escalation"

	// TopicCapabilityDegraded reports a circuit breaker opening.
	TopicCapabilityDegraded = "capability.degraded"

	// TopicFallbackUsed reports a fallback provider invocation.
	TopicFallbackUsed = "capability.fallback_used"

	// TopicWildcard subscribes to every topic.
	TopicWildcard = "*"
)

// Envelope is the unit carried by the bus. Sequence numbers are per-topic and
// strictly increasing; gaps seen by a subscriber indicate missed deliveries
// recoverable through History.
type Envelope struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Sequence  uint64            `json:"sequence"`
	Timestamp time.Time         `json:"timestamp"`
	Headers   map[string]string `json:"headers,omitempty"`
	Payload   json.RawMessage   `json:"payload"`
}

// newEnvelope stamps an envelope for a topic. The sequence is assigned by the
// topic under its lock, not here.
func newEnvelope(topic string, payload json.RawMessage, headers map[string]string, at time.Time) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: at,
		Headers:   headers,
		Payload:   payload,
	}
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}
