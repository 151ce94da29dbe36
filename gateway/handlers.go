package gateway

import (
	"net/http"

	"github.com/c360/hubkit/errors"
	"github.com/c360/hubkit/health"
	"github.com/c360/hubkit/heartbeat"
	"github.com/c360/hubkit/pkg/retry"
	"github.com/c360/hubkit/registry"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeHubError(w, err)
		return
	}

	reg, err := s.reg.Register(registry.Registration{
		ComponentID:  req.ComponentID,
		LauncherID:   req.LauncherID,
		Endpoint:     req.Endpoint,
		Metadata:     req.Metadata,
		Capabilities: req.Capabilities,
		Dependencies: req.Dependencies,
	})
	if err != nil {
		s.writeHubError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, RegisterResponse{
		Accepted:   true,
		InstanceID: reg.InstanceID,
		Token:      reg.Token,
	})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req UnregisterRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeHubError(w, err)
		return
	}

	if !s.reg.ValidateToken(req.ComponentID, req.InstanceID, req.Token) {
		s.requestsFailed.Add(1)
		s.writeError(w, http.StatusForbidden, "access denied")
		return
	}

	ok := s.reg.Unregister(req.ComponentID, req.InstanceID)
	s.writeJSON(w, http.StatusOK, SuccessResponse{Success: ok})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeHubError(w, err)
		return
	}

	if err := s.monitor.Beat(req.ComponentID, req.InstanceID, req.SequenceNumber, req.Metrics); err != nil {
		s.writeHubError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	var req StateRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeHubError(w, err)
		return
	}

	if req.Token != "" && !s.reg.ValidateToken(req.ComponentID, req.InstanceID, req.Token) {
		s.requestsFailed.Add(1)
		s.writeError(w, http.StatusForbidden, "access denied")
		return
	}

	err := s.reg.UpdateState(req.ComponentID, req.InstanceID,
		registry.State(req.NewState), req.Reason, req.Description)
	if err != nil {
		s.writeHubError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeHubError(w, err)
		return
	}
	if req.Topic == "" {
		s.writeHubError(w, errors.WrapInvalid(errors.ErrInvalidConfig,
			"Server", "handlePublish", "topic validation"))
		return
	}

	// Transient publish failures are retried with backoff before the caller
	// sees an error; invalid requests fail immediately.
	rc := errors.DefaultRetryConfig()
	attempt := 0
	seq, err := retry.DoWithResult(r.Context(), rc.ToRetryConfig(), func() (uint64, error) {
		seq, pubErr := s.msgBus.Publish(req.Topic, req.Payload, req.Headers)
		if pubErr != nil && !rc.ShouldRetry(pubErr, attempt) {
			return 0, retry.NonRetryable(pubErr)
		}
		attempt++
		return seq, pubErr
	})
	if err != nil {
		s.writeHubError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, PublishResponse{SequenceNumber: seq})
}

// handleDiscover lists healthy providers, optionally filtered by an
// advertised capability. It reflects best-known state without blocking on
// re-verification.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")

	matches := s.reg.Query(registry.Filter{
		Capability:  capability,
		HealthyOnly: true,
	})

	resp := DiscoverResponse{Capability: capability, Providers: make([]Provider, 0, len(matches))}
	for _, reg := range matches {
		resp.Providers = append(resp.Providers, Provider{
			ComponentID:  reg.ComponentID,
			InstanceID:   reg.InstanceID,
			Endpoint:     reg.Endpoint,
			State:        reg.State,
			Metadata:     reg.Metadata,
			Capabilities: reg.Capabilities,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleReadiness reports the dependency wait set for one component.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	componentID := r.URL.Query().Get("component_id")
	if componentID == "" {
		s.writeHubError(w, errors.WrapInvalid(errors.ErrInvalidConfig,
			"Server", "handleReadiness", "component_id validation"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.resolver.ComputeReadinessWaitSet(componentID))
}

// handleComponents reports per-component health detail: state-machine
// position plus the latest heartbeat numbers, with messages sanitized
// before they leave the hub.
func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	componentID := r.URL.Query().Get("component_id")

	var regs []registry.Registration
	if componentID != "" {
		reg, ok := s.reg.Get(componentID)
		if !ok {
			s.writeHubError(w, errors.WrapInvalid(errors.ErrUnknownComponent,
				"Server", "handleComponents", "component lookup"))
			return
		}
		regs = []registry.Registration{reg}
	} else {
		regs = s.reg.Query(registry.Filter{})
	}

	statuses := make([]health.Status, 0, len(regs))
	for _, reg := range regs {
		var rec *heartbeat.Record
		if snap, ok := s.monitor.Snapshot(reg.ComponentID); ok {
			rec = &snap
		}
		statuses = append(statuses, health.FromRegistration(reg, rec))
	}
	s.writeJSON(w, http.StatusOK, ComponentsResponse{Components: statuses})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, degraded := s.reg.Counts()

	status := "healthy"
	var hubStatus *health.Status
	if s.hubMon != nil {
		agg := s.hubMon.AggregateHealth("hub")
		switch {
		case agg.IsUnhealthy():
			status = "unhealthy"
		case agg.IsDegraded():
			status = "degraded"
		}
		reqTotal, reqFailed := s.RequestStats()
		agg = agg.WithMetrics(&health.Metrics{Reported: map[string]float64{
			"requests_total":  float64(reqTotal),
			"requests_failed": float64(reqFailed),
		}})
		hubStatus = &agg
	}
	if status == "healthy" && degraded > 0 {
		status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:         status,
		ComponentCount: total,
		DegradedCount:  degraded,
		Hub:            hubStatus,
	})
}
