// Package depgraph maintains the directed dependency graph between
// components, detects must-be-ready-before cycles, breaks them by dropping
// the least important edge, and computes readiness wait sets for requirers.
package depgraph

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c360/hubkit/bus"
	"github.com/c360/hubkit/config"
	"github.com/c360/hubkit/errors"
	"github.com/c360/hubkit/metric"
	"github.com/c360/hubkit/registry"
)

// Publisher is the slice of the bus the resolver needs.
type Publisher interface {
	Publish(topic string, payload any, headers map[string]string) (uint64, error)
	Subscribe(topic string, handler bus.Handler) (*bus.Subscription, error)
	Unsubscribe(sub *bus.Subscription)
}

// Edge is one directed requirement: Requirer should not reach ACTIVE until
// Dependency is READY. Priority orders edges within a cycle for breaking;
// the lowest value is sacrificed first.
type Edge struct {
	Requirer   string `json:"requirer"`
	Dependency string `json:"dependency"`
	Priority   int    `json:"priority"`
	Optional   bool   `json:"optional,omitempty"`
}

// Cycle is a closed dependency loop. Nodes holds the full sequence starting
// from the smallest component id, without repeating the first node.
type Cycle struct {
	Nodes []string `json:"nodes"`
}

func (c Cycle) String() string {
	if len(c.Nodes) == 0 {
		return "<empty>"
	}
	return strings.Join(c.Nodes, " -> ") + " -> " + c.Nodes[0]
}

// Readiness is the wait-set evaluation for one requirer.
type Readiness struct {
	ComponentID    string   `json:"component_id"`
	Waiting        []string `json:"waiting,omitempty"`         // required, not yet READY
	FailedRequired []string `json:"failed_required,omitempty"` // required, terminally down
	FailedOptional []string `json:"failed_optional,omitempty"` // optional, terminally down
	Satisfied      bool     `json:"satisfied"`                 // all required dependencies ready
	DegradedStart  bool     `json:"degraded_start"`            // satisfied except for optional failures
}

// EscalationEvent is published on bus.TopicDependencyEscalation when a
// requirer is blocked on terminally failed required dependencies.
type EscalationEvent struct {
	ComponentID        string    `json:"component_id"`
	FailedDependencies []string  `json:"failed_dependencies"`
	At                 time.Time `json:"at"`
}

// Resolver owns the dependency graph. The graph is rebuilt incrementally
// from registry state-change events and re-validated for cycles whenever an
// edge lands.
type Resolver struct {
	cfg       config.ResolverConfig
	reg       *registry.Registry
	publisher Publisher
	metrics   *metric.Metrics
	logger    *slog.Logger

	mu    sync.RWMutex
	edges map[string]map[string]Edge // requirer -> dependency -> edge

	lifecycleMu sync.Mutex
	stateSub    *bus.Subscription

	now func() time.Time
}

// New creates a resolver. metrics may be nil.
func New(cfg config.ResolverConfig, reg *registry.Registry, publisher Publisher, metrics *metric.Metrics, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg:       cfg,
		reg:       reg,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With("subsystem", "resolver"),
		edges:     make(map[string]map[string]Edge),
		now:       time.Now,
	}
}

// Initialize subscribes to registry state changes so edges track the set of
// live registrations.
func (r *Resolver) Initialize() error {
	sub, err := r.publisher.Subscribe(bus.TopicStateChanged, r.onStateChanged)
	if err != nil {
		return errors.Wrap(err, "Resolver", "Initialize", "state subscription")
	}
	r.lifecycleMu.Lock()
	r.stateSub = sub
	r.lifecycleMu.Unlock()
	return nil
}

// Start is a no-op: the resolver is purely event-driven.
func (r *Resolver) Start(context.Context) error { return nil }

// Stop drops the state subscription.
func (r *Resolver) Stop(time.Duration) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.stateSub != nil {
		r.publisher.Unsubscribe(r.stateSub)
		r.stateSub = nil
	}
	return nil
}

// AddEdge inserts or replaces a requirement edge.
func (r *Resolver) AddEdge(requirer, dependency string, priority int, optional bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addEdgeLocked(Edge{
		Requirer:   requirer,
		Dependency: dependency,
		Priority:   priority,
		Optional:   optional,
	})
}

func (r *Resolver) addEdgeLocked(e Edge) {
	deps, ok := r.edges[e.Requirer]
	if !ok {
		deps = make(map[string]Edge)
		r.edges[e.Requirer] = deps
	}
	deps[e.Dependency] = e
}

// RemoveEdge deletes an edge if present.
func (r *Resolver) RemoveEdge(requirer, dependency string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeEdgeLocked(requirer, dependency)
}

func (r *Resolver) removeEdgeLocked(requirer, dependency string) {
	if deps, ok := r.edges[requirer]; ok {
		delete(deps, dependency)
		if len(deps) == 0 {
			delete(r.edges, requirer)
		}
	}
}

// Edges returns a stable-sorted copy of the current edge set.
func (r *Resolver) Edges() []Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.edgesLocked()
}

func (r *Resolver) edgesLocked() []Edge {
	var out []Edge
	for _, deps := range r.edges {
		for _, e := range deps {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Requirer != out[j].Requirer {
			return out[i].Requirer < out[j].Requirer
		}
		return out[i].Dependency < out[j].Dependency
	})
	return out
}

// DetectCycles finds every distinct dependency loop using depth-first
// search with a recursion stack: a node revisited while still on the stack
// closes a cycle. Each cycle is reported once, rotated to start at its
// smallest node id.
func (r *Resolver) DetectCycles() []Cycle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.detectLocked()
}

func (r *Resolver) detectLocked() []Cycle {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS stack
		black = 2 // fully explored
	)
	color := make(map[string]int, len(r.edges))
	var stack []string
	onStack := make(map[string]int) // node -> index in stack

	var cycles []Cycle
	seen := make(map[string]bool) // canonical form -> reported

	var visit func(node string)
	visit = func(node string) {
		color[node] = gray
		onStack[node] = len(stack)
		stack = append(stack, node)

		for _, dep := range sortedDepsLocked(r.edges[node]) {
			switch color[dep] {
			case white:
				visit(dep)
			case gray:
				nodes := append([]string(nil), stack[onStack[dep]:]...)
				c := canonicalize(nodes)
				if key := strings.Join(c.Nodes, "\x00"); !seen[key] {
					seen[key] = true
					cycles = append(cycles, c)
				}
			}
		}

		stack = stack[:len(stack)-1]
		delete(onStack, node)
		color[node] = black
	}

	for _, requirer := range sortedRequirersLocked(r.edges) {
		if color[requirer] == white {
			visit(requirer)
		}
	}
	return cycles
}

// ResolveCycles repeatedly detects cycles and breaks each by removing its
// lowest-priority edge, ties going to the lexicographically smallest
// (requirer, dependency) pair. It gives up after the configured budget so a
// pathological graph degrades loudly instead of looping forever.
func (r *Resolver) ResolveCycles() ([]Edge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var broken []Edge
	for pass := 0; pass < r.cfg.ResolutionBudget; pass++ {
		cycles := r.detectLocked()
		if len(cycles) == 0 {
			return broken, nil
		}
		if m := r.metrics; m != nil {
			m.CyclesDetected.Add(float64(len(cycles)))
		}

		for _, c := range cycles {
			victim, ok := r.weakestEdgeLocked(c)
			if !ok {
				continue // another break already opened this loop
			}
			r.removeEdgeLocked(victim.Requirer, victim.Dependency)
			broken = append(broken, victim)
			if m := r.metrics; m != nil {
				m.EdgesBroken.Inc()
			}
			r.logger.Warn("dependency cycle broken",
				"cycle", c.String(),
				"requirer", victim.Requirer,
				"dependency", victim.Dependency,
				"priority", victim.Priority)
		}
	}

	if len(r.detectLocked()) > 0 {
		return broken, errors.Wrap(errors.ErrCycleUnresolved, "Resolver", "ResolveCycles", "budget check")
	}
	return broken, nil
}

// weakestEdgeLocked picks the edge to sacrifice within a cycle.
func (r *Resolver) weakestEdgeLocked(c Cycle) (Edge, bool) {
	var best Edge
	found := false
	for i, requirer := range c.Nodes {
		dependency := c.Nodes[(i+1)%len(c.Nodes)]
		e, ok := r.edges[requirer][dependency]
		if !ok {
			return Edge{}, false
		}
		if !found || weaker(e, best) {
			best, found = e, true
		}
	}
	return best, found
}

func weaker(a, b Edge) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Requirer != b.Requirer {
		return a.Requirer < b.Requirer
	}
	return a.Dependency < b.Dependency
}

// ComputeReadinessWaitSet evaluates the requirer's dependencies against
// current registry state. Required dependencies that are terminally down
// block the requirer and raise an escalation event; optional ones only mark
// the start as degraded.
func (r *Resolver) ComputeReadinessWaitSet(componentID string) Readiness {
	r.mu.RLock()
	deps := make([]Edge, 0, len(r.edges[componentID]))
	for _, e := range r.edges[componentID] {
		deps = append(deps, e)
	}
	r.mu.RUnlock()

	sort.Slice(deps, func(i, j int) bool { return deps[i].Dependency < deps[j].Dependency })

	out := Readiness{ComponentID: componentID}
	for _, e := range deps {
		reg, ok := r.reg.Get(e.Dependency)
		switch {
		case ok && (reg.State == registry.StateReady || reg.State == registry.StateActive):
			// satisfied
		case ok && reg.State == registry.StateFailed:
			if e.Optional {
				out.FailedOptional = append(out.FailedOptional, e.Dependency)
			} else {
				out.FailedRequired = append(out.FailedRequired, e.Dependency)
			}
		default:
			// Absent, initializing, degraded or stopping: still worth
			// waiting for unless the edge is optional and nothing is there.
			if e.Optional && !ok {
				out.FailedOptional = append(out.FailedOptional, e.Dependency)
			} else {
				out.Waiting = append(out.Waiting, e.Dependency)
			}
		}
	}

	out.Satisfied = len(out.Waiting) == 0 && len(out.FailedRequired) == 0
	out.DegradedStart = out.Satisfied && len(out.FailedOptional) > 0

	if len(out.FailedRequired) > 0 {
		r.escalate(componentID, out.FailedRequired)
	}
	return out
}

func (r *Resolver) escalate(componentID string, failed []string) {
	_, err := r.publisher.Publish(bus.TopicDependencyEscalation, EscalationEvent{
		ComponentID:        componentID,
		FailedDependencies: failed,
		At:                 r.now(),
	}, map[string]string{"component_id": componentID})
	if err != nil {
		r.logger.Warn("escalation publish failed", "component", componentID, "error", err)
	}
}

// onStateChanged rebuilds the affected slice of the graph on every
// registration change and re-validates for cycles.
func (r *Resolver) onStateChanged(_ context.Context, env bus.Envelope) error {
	var ev registry.StateChangedEvent
	if err := env.Decode(&ev); err != nil {
		return errors.WrapInvalid(err, "Resolver", "onStateChanged", "event decode")
	}

	switch ev.To {
	case registry.StateInitializing:
		reg, ok := r.reg.Get(ev.ComponentID)
		if !ok {
			return nil
		}
		r.mu.Lock()
		delete(r.edges, ev.ComponentID)
		for _, d := range reg.Dependencies {
			r.addEdgeLocked(Edge{
				Requirer:   ev.ComponentID,
				Dependency: d.ComponentID,
				Priority:   d.Priority,
				Optional:   d.Optional,
			})
		}
		r.mu.Unlock()
		r.revalidate(ev.ComponentID)

	case registry.StateStopping, registry.StateInactive:
		r.mu.Lock()
		delete(r.edges, ev.ComponentID)
		r.mu.Unlock()
	}
	return nil
}

// revalidate runs cycle resolution after a graph change. Components caught
// in a loop the budget could not open are parked in DEGRADED so they do not
// sit in INITIALIZING forever.
func (r *Resolver) revalidate(trigger string) {
	broken, err := r.ResolveCycles()
	if err == nil {
		if len(broken) > 0 {
			r.logger.Info("dependency graph revalidated",
				"trigger", trigger, "edges_broken", len(broken))
		}
		return
	}

	r.logger.Error("dependency cycles unresolved", "trigger", trigger, "error", err)
	for _, c := range r.DetectCycles() {
		for _, node := range c.Nodes {
			reg, ok := r.reg.Get(node)
			if !ok || reg.State != registry.StateInitializing {
				continue
			}
			if uerr := r.reg.UpdateState(node, reg.InstanceID, registry.StateDegraded,
				"cycle_unresolved", c.String()); uerr != nil {
				r.logger.Debug("degraded transition not applied", "component", node, "error", uerr)
			}
		}
	}
}

func sortedDepsLocked(deps map[string]Edge) []string {
	out := make([]string, 0, len(deps))
	for dep := range deps {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

func sortedRequirersLocked(edges map[string]map[string]Edge) []string {
	out := make([]string, 0, len(edges))
	for requirer := range edges {
		out = append(out, requirer)
	}
	sort.Strings(out)
	return out
}

// canonicalize rotates the cycle so it starts at its smallest node id,
// giving every discovery order the same reported form.
func canonicalize(nodes []string) Cycle {
	if len(nodes) == 0 {
		return Cycle{}
	}
	min := 0
	for i, n := range nodes {
		if n < nodes[min] {
			min = i
		}
	}
	rotated := make([]string, 0, len(nodes))
	rotated = append(rotated, nodes[min:]...)
	rotated = append(rotated, nodes[:min]...)
	return Cycle{Nodes: rotated}
}
