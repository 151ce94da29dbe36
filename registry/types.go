package registry

import (
	"time"
)

// CapabilityInfo advertises one named unit of functionality a component can
// perform. Level orders alternate providers of the same capability; higher
// is preferred.
type CapabilityInfo struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// Dependency declares that the registering component should not reach ACTIVE
// until the named component is READY. Priority orders cycle-break decisions:
// lower-priority edges are broken first. Optional dependencies permit
// degraded startup when the dependency has FAILED.
type Dependency struct {
	ComponentID string `json:"component_id"`
	Priority    int    `json:"priority"`
	Optional    bool   `json:"optional,omitempty"`
}

// TransitionRecord is one entry in a registration's state history. Rejected
// transition attempts are recorded too, for diagnosis, with Accepted=false.
type TransitionRecord struct {
	From        State     `json:"from"`
	To          State     `json:"to"`
	Reason      string    `json:"reason,omitempty"`
	Description string    `json:"description,omitempty"`
	At          time.Time `json:"at"`
	Accepted    bool      `json:"accepted"`
}

// Registration is the identity record for one running component instance.
type Registration struct {
	ComponentID  string            `json:"component_id"`
	InstanceID   string            `json:"instance_id"`
	LauncherID   string            `json:"launcher_id,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Capabilities []CapabilityInfo  `json:"capabilities,omitempty"`
	Dependencies []Dependency      `json:"dependencies,omitempty"`

	State   State              `json:"state"`
	History []TransitionRecord `json:"history,omitempty"`

	// Token is the opaque session token issued on Register and required on
	// Unregister. Never included in query results.
	Token string `json:"-"`
}

// ComponentType returns the "type" metadata value, used for per-type
// heartbeat interval overrides.
func (r *Registration) ComponentType() string {
	return r.Metadata["type"]
}

// HasCapability reports whether the registration advertises name.
func (r *Registration) HasCapability(name string) bool {
	for _, c := range r.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// clone returns a deep copy safe to hand to readers.
func (r *Registration) clone() Registration {
	out := *r
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	out.Capabilities = append([]CapabilityInfo(nil), r.Capabilities...)
	out.Dependencies = append([]Dependency(nil), r.Dependencies...)
	out.History = append([]TransitionRecord(nil), r.History...)
	out.Token = ""
	return out
}

// StateChangedEvent is the payload published on bus.TopicStateChanged for
// every accepted state change, in the order changes were applied.
type StateChangedEvent struct {
	ComponentID string    `json:"component_id"`
	InstanceID  string    `json:"instance_id"`
	From        State     `json:"from"`
	To          State     `json:"to"`
	Reason      string    `json:"reason,omitempty"`
	Description string    `json:"description,omitempty"`
	At          time.Time `json:"at"`
}

// Filter selects registrations in Query. Zero values match everything.
type Filter struct {
	ComponentID string
	States      []State
	Capability  string
	HealthyOnly bool
}

func (f Filter) matches(r *Registration) bool {
	if f.ComponentID != "" && r.ComponentID != f.ComponentID {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if r.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Capability != "" && !r.HasCapability(f.Capability) {
		return false
	}
	if f.HealthyOnly && !r.State.Healthy() {
		return false
	}
	return true
}
