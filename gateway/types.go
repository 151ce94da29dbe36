package gateway

import (
	"encoding/json"

	"github.com/c360/hubkit/health"
	"github.com/c360/hubkit/registry"
)

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	ComponentID  string                    `json:"component_id"`
	LauncherID   string                    `json:"launcher_id,omitempty"`
	Endpoint     string                    `json:"endpoint,omitempty"`
	Metadata     map[string]string         `json:"metadata,omitempty"`
	Capabilities []registry.CapabilityInfo `json:"capabilities,omitempty"`
	Dependencies []registry.Dependency     `json:"dependencies,omitempty"`
}

// RegisterResponse acknowledges a registration with the issued identity.
type RegisterResponse struct {
	Accepted   bool   `json:"accepted"`
	InstanceID string `json:"instance_id"`
	Token      string `json:"token"`
}

// UnregisterRequest is the body of POST /unregister.
type UnregisterRequest struct {
	ComponentID string `json:"component_id"`
	InstanceID  string `json:"instance_id"`
	Token       string `json:"token"`
}

// HeartbeatRequest is the body of POST /heartbeat.
type HeartbeatRequest struct {
	ComponentID    string             `json:"component_id"`
	InstanceID     string             `json:"instance_id"`
	SequenceNumber uint64             `json:"sequence_number"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
}

// StateRequest is the body of POST /state.
type StateRequest struct {
	ComponentID string `json:"component_id"`
	InstanceID  string `json:"instance_id"`
	Token       string `json:"token,omitempty"`
	NewState    string `json:"new_state"`
	Reason      string `json:"reason,omitempty"`
	Description string `json:"description,omitempty"`
}

// PublishRequest is the body of POST /publish.
type PublishRequest struct {
	Topic   string            `json:"topic"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload"`
}

// PublishResponse returns the per-topic sequence assigned to the message.
type PublishResponse struct {
	SequenceNumber uint64 `json:"sequence_number"`
}

// SuccessResponse is the generic acknowledgement body.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// Provider is one entry in a GET /discover response.
type Provider struct {
	ComponentID  string                    `json:"component_id"`
	InstanceID   string                    `json:"instance_id"`
	Endpoint     string                    `json:"endpoint,omitempty"`
	State        registry.State            `json:"state"`
	Metadata     map[string]string         `json:"metadata,omitempty"`
	Capabilities []registry.CapabilityInfo `json:"capabilities,omitempty"`
}

// DiscoverResponse is the body of GET /discover.
type DiscoverResponse struct {
	Capability string     `json:"capability,omitempty"`
	Providers  []Provider `json:"providers"`
}

// ComponentsResponse is the body of GET /components: per-component health
// built from registry state and heartbeat records.
type ComponentsResponse struct {
	Components []health.Status `json:"components"`
}

// HealthResponse is the body of GET /health. It reflects best-known state
// without re-verifying components. Hub carries the subsystem aggregate with
// gateway request counters attached.
type HealthResponse struct {
	Status         string         `json:"status"`
	ComponentCount int            `json:"component_count"`
	DegradedCount  int            `json:"degraded_count"`
	Hub            *health.Status `json:"hub,omitempty"`
}

// ErrorResponse is the generic error body.
type ErrorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}
