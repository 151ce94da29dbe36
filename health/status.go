// Package health models the externally visible health of the hub and its
// registered components, independent of the internal state machine.
package health

import (
	"regexp"
	"strings"
	"time"

	"github.com/c360/hubkit/heartbeat"
	"github.com/c360/hubkit/registry"
)

// Pre-compiled regexes for message sanitization.
var (
	httpURLRegex    = regexp.MustCompile(`https?://[^\s]+`)
	wsURLRegex      = regexp.MustCompile(`wss?://[^\s]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of one component or of the hub as a whole.
type Status struct {
	Component   string         `json:"component"`
	Healthy     bool           `json:"healthy"`
	Status      string         `json:"status"` // "healthy", "degraded", "unhealthy"
	State       registry.State `json:"state,omitempty"`
	Message     string         `json:"message"`
	Timestamp   time.Time      `json:"timestamp"`
	SubStatuses []Status       `json:"sub_statuses,omitempty"`
	Metrics     *Metrics       `json:"metrics,omitempty"`
}

// Metrics carries liveness numbers alongside a status.
type Metrics struct {
	LastHeartbeat     time.Time          `json:"last_heartbeat,omitempty"`
	HeartbeatSequence uint64             `json:"heartbeat_sequence,omitempty"`
	ConsecutiveMisses int                `json:"consecutive_misses,omitempty"`
	Reported          map[string]float64 `json:"reported,omitempty"`
}

// IsHealthy reports a fully healthy status.
func (s Status) IsHealthy() bool { return s.Status == "healthy" }

// IsDegraded reports a degraded but serving status.
func (s Status) IsDegraded() bool { return s.Status == "degraded" }

// IsUnhealthy reports a down status.
func (s Status) IsUnhealthy() bool { return s.Status == "unhealthy" }

// WithMetrics returns a copy with metrics attached.
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// sanitizeMessage strips endpoints, paths, addresses and credential-shaped
// fragments from a message before it leaves the hub on a health response.
func sanitizeMessage(msg string) string {
	if msg == "" {
		return ""
	}

	sanitized := httpURLRegex.ReplaceAllString(msg, "[URL]")
	sanitized = wsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")

	lower := strings.ToLower(sanitized)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "key") || strings.Contains(lower, "secret") ||
		strings.Contains(lower, "credential") {
		sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	}
	return sanitized
}

// FromRegistration maps a registry entry (plus its heartbeat record, if
// any) onto the three-valued health surface. DEGRADED and ERROR are still
// "serving, watch closely"; terminal and restarting states are unhealthy.
func FromRegistration(reg registry.Registration, rec *heartbeat.Record) Status {
	var status, message string
	switch {
	case reg.State == registry.StateReady || reg.State == registry.StateActive:
		status, message = "healthy", "component is serving"
	case reg.State == registry.StateDegraded || reg.State == registry.StateError:
		status = "degraded"
		message = lastTransitionMessage(reg)
	case reg.State == registry.StateUnknown || reg.State == registry.StateInitializing:
		status, message = "degraded", "component is starting"
	default:
		status = "unhealthy"
		message = lastTransitionMessage(reg)
	}

	out := Status{
		Component: reg.ComponentID,
		Healthy:   status == "healthy",
		Status:    status,
		State:     reg.State,
		Message:   message,
		Timestamp: time.Now(),
	}
	if rec != nil {
		out.Metrics = &Metrics{
			LastHeartbeat:     rec.LastSeen,
			HeartbeatSequence: rec.Sequence,
			ConsecutiveMisses: rec.ConsecutiveMisses,
			Reported:          rec.ReportedMetrics,
		}
	}
	return out
}

func lastTransitionMessage(reg registry.Registration) string {
	for i := len(reg.History) - 1; i >= 0; i-- {
		if !reg.History[i].Accepted {
			continue
		}
		msg := reg.History[i].Description
		if msg == "" {
			msg = reg.History[i].Reason
		}
		return sanitizeMessage(msg)
	}
	return "no transition history"
}
