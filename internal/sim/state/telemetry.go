// Package state contains the run telemetry store the simulation report
// and the metrics endpoint read from.
package state

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// NodeMetrics is the per-router link-layer snapshot.
type NodeMetrics struct {
	// Node is the router name.
	Node string

	// GeneratedPairs counts handshakes that committed entanglement.
	GeneratedPairs uint64

	// FailedAttempts counts handshakes that ended raw.
	FailedAttempts uint64

	// SwappedIn counts on-demand memories served from the pair cache.
	SwappedIn uint64

	// PurifySuccess and PurifyFailure count purification outcomes.
	PurifySuccess uint64
	PurifyFailure uint64

	// Admitted, Rejected, and Expired count reservation verdicts and
	// retractions at this node.
	Admitted uint64
	Rejected uint64
	Expired  uint64

	// CachedPairs is the pair-cache depth at snapshot time.
	CachedPairs int

	// EntangledMemories counts slots holding live entanglement at
	// snapshot time.
	EntangledMemories int

	// CacheHits, CacheMisses, and CacheDropped count swap-matcher
	// lookups and retraction drops against the pair cache.
	CacheHits    uint64
	CacheMisses  uint64
	CacheDropped uint64

	// QuotaUsed is the speculative quota charged at snapshot time.
	QuotaUsed int
}

// LinkMetrics is the per-quantum-channel snapshot.
type LinkMetrics struct {
	// A and B are the channel's routers, in canonical order.
	A, B string
	// RelayTriggers counts detector windows the midpoint relay resolved.
	RelayTriggers uint64
}

// RequestMetrics captures one on-demand reservation's outcome.
type RequestMetrics struct {
	RequestID string
	Initiator string
	Responder string
	// WindowStart and WindowEnd bound the served reservation window.
	WindowStart time.Time
	WindowEnd   time.Time
	Approved    bool
	// ServedPairs counts qualified pairs delivered inside the window.
	ServedPairs uint64
	// FirstLatency is window open to first delivery; zero when unserved.
	FirstLatency time.Duration
	// MeanFidelity averages the delivered pairs' fidelity samples.
	MeanFidelity float64
}

// TelemetryState is a concurrency-safe store for run telemetry.
type TelemetryState struct {
	mu       sync.RWMutex
	nodes    map[string]*NodeMetrics
	links    map[string]*LinkMetrics
	requests map[string]*RequestMetrics
}

// NewTelemetryState creates an empty store.
func NewTelemetryState() *TelemetryState {
	return &TelemetryState{
		nodes:    make(map[string]*NodeMetrics),
		links:    make(map[string]*LinkMetrics),
		requests: make(map[string]*RequestMetrics),
	}
}

// linkKey forms the map key for a router pair, order-insensitive.
func linkKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "~" + b
}

// UpdateNodeMetrics stores or replaces a node snapshot. A copy is stored
// so callers cannot mutate internal state.
func (t *TelemetryState) UpdateNodeMetrics(m *NodeMetrics) error {
	if m == nil {
		return errors.New("node metrics is nil")
	}
	if m.Node == "" {
		return errors.New("node name is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *m
	t.nodes[m.Node] = &cp
	return nil
}

// GetNodeMetrics retrieves the snapshot for a router. Returns nil when
// none exists; the result is a copy.
func (t *TelemetryState) GetNodeMetrics(node string) *NodeMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.nodes[node]
	if !ok || m == nil {
		return nil
	}
	cp := *m
	return &cp
}

// ListNodeMetrics returns all node snapshots as copies, sorted by name.
func (t *TelemetryState) ListNodeMetrics() []*NodeMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*NodeMetrics, 0, len(t.nodes))
	for _, v := range t.nodes {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

// UpdateLinkMetrics stores or replaces a channel snapshot.
func (t *TelemetryState) UpdateLinkMetrics(m *LinkMetrics) error {
	if m == nil {
		return errors.New("link metrics is nil")
	}
	if m.A == "" || m.B == "" {
		return errors.New("link endpoints are required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *m
	if cp.B < cp.A {
		cp.A, cp.B = cp.B, cp.A
	}
	t.links[linkKey(m.A, m.B)] = &cp
	return nil
}

// GetLinkMetrics retrieves the snapshot for a router pair, either order.
func (t *TelemetryState) GetLinkMetrics(a, b string) *LinkMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.links[linkKey(a, b)]
	if !ok || m == nil {
		return nil
	}
	cp := *m
	return &cp
}

// ListLinkMetrics returns all channel snapshots as copies, sorted by
// endpoint pair.
func (t *TelemetryState) ListLinkMetrics() []*LinkMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*LinkMetrics, 0, len(t.links))
	for _, v := range t.links {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

// UpdateRequestMetrics stores or replaces a request outcome.
func (t *TelemetryState) UpdateRequestMetrics(m *RequestMetrics) error {
	if m == nil {
		return errors.New("request metrics is nil")
	}
	if m.RequestID == "" {
		return errors.New("request ID is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *m
	t.requests[m.RequestID] = &cp
	return nil
}

// GetRequestMetrics retrieves one request's outcome. Returns nil when
// none exists; the result is a copy.
func (t *TelemetryState) GetRequestMetrics(id string) *RequestMetrics {
	if id == "" {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.requests[id]
	if !ok || m == nil {
		return nil
	}
	cp := *m
	return &cp
}

// ListRequestMetrics returns all request outcomes as copies, sorted by
// request ID.
func (t *TelemetryState) ListRequestMetrics() []*RequestMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*RequestMetrics, 0, len(t.requests))
	for _, v := range t.requests {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out
}

// Clear drops every stored snapshot.
func (t *TelemetryState) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes = make(map[string]*NodeMetrics)
	t.links = make(map[string]*LinkMetrics)
	t.requests = make(map[string]*RequestMetrics)
}
