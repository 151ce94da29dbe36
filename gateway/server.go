// Package gateway exposes the hub's registration, discovery, messaging and
// health operations over HTTP, plus a WebSocket stream for topic
// subscriptions with history replay.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/hubkit/bus"
	"github.com/c360/hubkit/config"
	"github.com/c360/hubkit/depgraph"
	"github.com/c360/hubkit/errors"
	"github.com/c360/hubkit/health"
	"github.com/c360/hubkit/heartbeat"
	"github.com/c360/hubkit/metric"
	"github.com/c360/hubkit/registry"
)

// maxRequestSize bounds inbound request bodies.
const maxRequestSize = 1 << 20

// Server is the hub's external API surface.
type Server struct {
	cfg      config.GatewayConfig
	reg      *registry.Registry
	monitor  *heartbeat.Monitor
	resolver *depgraph.Resolver
	msgBus   *bus.Bus
	hubMon   *health.Monitor
	logger   *slog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	lifecycleMu sync.Mutex
	running     atomic.Bool
	wg          sync.WaitGroup
	shutdown    chan struct{}

	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64

	registrar     metric.MetricsRegistrar
	requestsVec   *prometheus.CounterVec
	activeStreams prometheus.Gauge
}

// NewServer creates the gateway. hubMon may be nil; the /health response
// then reflects component state only.
func NewServer(cfg config.GatewayConfig, reg *registry.Registry, monitor *heartbeat.Monitor, resolver *depgraph.Resolver, msgBus *bus.Bus, hubMon *health.Monitor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		reg:      reg,
		monitor:  monitor,
		resolver: resolver,
		msgBus:   msgBus,
		hubMon:   hubMon,
		logger:   logger.With("subsystem", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		shutdown: make(chan struct{}),
	}
}

// Initialize wires the route table.
func (s *Server) Initialize() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.withRequest(http.MethodPost, s.handleRegister))
	mux.HandleFunc("/unregister", s.withRequest(http.MethodPost, s.handleUnregister))
	mux.HandleFunc("/heartbeat", s.withRequest(http.MethodPost, s.handleHeartbeat))
	mux.HandleFunc("/state", s.withRequest(http.MethodPost, s.handleState))
	mux.HandleFunc("/publish", s.withRequest(http.MethodPost, s.handlePublish))
	mux.HandleFunc("/discover", s.withRequest(http.MethodGet, s.handleDiscover))
	mux.HandleFunc("/readiness", s.withRequest(http.MethodGet, s.handleReadiness))
	mux.HandleFunc("/health", s.withRequest(http.MethodGet, s.handleHealth))
	mux.HandleFunc("/components", s.withRequest(http.MethodGet, s.handleComponents))
	mux.HandleFunc("/subscribe", s.handleSubscribe)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      mux,
		ReadTimeout:  s.cfg.ReadTimeout.Std(),
		WriteTimeout: 0, // WebSocket streams outlive any fixed write window
	}
	return nil
}

// Start begins serving. The returned listener error channel is consumed by
// the service manager.
func (s *Server) Start(_ context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "state check")
	}
	if s.httpServer == nil {
		return errors.WrapFatal(errors.ErrNotStarted, "Server", "Start", "initialize check")
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", "listen")
	}

	s.running.Store(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if serveErr := s.httpServer.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("gateway serve failed", "error", serveErr)
		}
	}()

	s.logger.Info("gateway listening", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the server down, draining in-flight requests up to the grace
// period.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	close(s.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("gateway stop timed out waiting for streams")
	}

	if s.registrar != nil {
		s.registrar.Unregister("gateway", "requests_total")
		s.registrar.Unregister("gateway", "active_streams")
	}

	if err != nil {
		return errors.Wrap(err, "Server", "Stop", "shutdown")
	}
	return nil
}

// RegisterMetrics publishes gateway request and stream metrics through the
// hub's metrics registrar. The gateway serves fine without them; tests and
// embedded uses may skip this.
func (s *Server) RegisterMetrics(registrar metric.MetricsRegistrar) error {
	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubkit",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Gateway requests by route",
		},
		[]string{"route"},
	)
	if err := registrar.RegisterCounterVec("gateway", "requests_total", requests); err != nil {
		return errors.Wrap(err, "Server", "RegisterMetrics", "requests counter registration")
	}

	streams := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hubkit",
			Subsystem: "gateway",
			Name:      "active_streams",
			Help:      "Open WebSocket subscription streams",
		},
	)
	if err := registrar.RegisterGauge("gateway", "active_streams", streams); err != nil {
		registrar.Unregister("gateway", "requests_total")
		return errors.Wrap(err, "Server", "RegisterMetrics", "streams gauge registration")
	}

	s.registrar = registrar
	s.requestsVec = requests
	s.activeStreams = streams
	return nil
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// RequestStats returns total and failed request counts.
func (s *Server) RequestStats() (total, failed uint64) {
	return s.requestsTotal.Load(), s.requestsFailed.Load()
}

type handlerFunc func(w http.ResponseWriter, r *http.Request)

// withRequest enforces the HTTP method, assigns a request ID and a bounded
// timeout, and counts the request.
func (s *Server) withRequest(method string, next handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.requestsTotal.Add(1)
		if s.requestsVec != nil {
			s.requestsVec.WithLabelValues(r.URL.Path).Inc()
		}

		requestID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", requestID)

		if r.Method != method {
			s.writeError(w, http.StatusMethodNotAllowed,
				fmt.Sprintf("method %s not allowed", r.Method))
			s.requestsFailed.Add(1)
			return
		}

		// Every inbound call gets a deadline; a timed-out call is a
		// failure, never a silent success.
		if timeout := s.cfg.RequestTimeout.Std(); timeout > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			r = r.WithContext(ctx)
		}

		next(w, r)
	}
}

// getOrGenerateRequestID extracts the request ID header or mints one so a
// call can be traced across the hub's log lines.
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// decodeBody reads a bounded JSON body into v.
func (s *Server) decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize+1))
	if err != nil {
		return errors.WrapInvalid(err, "Server", "decodeBody", "body read")
	}
	if len(body) > maxRequestSize {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "decodeBody", "size check")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.WrapInvalid(err, "Server", "decodeBody", "json decode")
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("response marshal failed", "error", err)
		return
	}
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{Error: message, Status: statusCode})
}

// writeHubError maps classified hub errors onto HTTP statuses with a
// client-safe message. Full details stay in the server log.
func (s *Server) writeHubError(w http.ResponseWriter, err error) {
	s.requestsFailed.Add(1)

	statusCode := http.StatusInternalServerError
	message := "internal server error"

	switch {
	case errors.Is(err, errors.ErrDuplicateInstance):
		statusCode, message = http.StatusConflict, "a newer instance holds this component_id"
	case errors.Is(err, errors.ErrStaleInstance):
		statusCode, message = http.StatusConflict, "instance_id does not match the active registration"
	case errors.Is(err, errors.ErrUnknownComponent):
		statusCode, message = http.StatusNotFound, "unknown component_id"
	case errors.Is(err, errors.ErrInvalidTransition):
		statusCode, message = http.StatusUnprocessableEntity, "state transition not allowed"
	case errors.IsInvalid(err):
		statusCode, message = http.StatusBadRequest, "invalid request"
	case errors.IsTransient(err):
		if strings.Contains(err.Error(), "timeout") {
			statusCode, message = http.StatusGatewayTimeout, "request timeout"
		} else {
			statusCode, message = http.StatusServiceUnavailable, "service temporarily unavailable"
		}
	}

	s.logger.Debug("request failed", "status", statusCode, "error", err)
	s.writeError(w, statusCode, message)
}
