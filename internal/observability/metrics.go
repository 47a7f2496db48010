package observability

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signalsfoundry/qlink-simulator/internal/sim/state"
)

// RunCollector bundles the Prometheus metrics exported for a simulation
// run: per-router handshake, cache, and admission counters, snapshot
// gauges, per-link relay triggers, and service histograms.
type RunCollector struct {
	gatherer prometheus.Gatherer

	HandshakeAttempts  *prometheus.CounterVec
	HandshakeSuccesses *prometheus.CounterVec
	HandshakeFailures  *prometheus.CounterVec
	CacheHits          *prometheus.CounterVec
	CacheMisses        *prometheus.CounterVec
	CacheExpiredDrops  *prometheus.CounterVec
	SwapCompletions    *prometheus.CounterVec
	AdmissionAccepts   *prometheus.CounterVec
	AdmissionRejects   *prometheus.CounterVec
	RelayTriggers      *prometheus.CounterVec

	CachedPairs       *prometheus.GaugeVec
	EntangledMemories *prometheus.GaugeVec
	QuotaUsed         *prometheus.GaugeVec

	ServiceLatency prometheus.Histogram
	ServedFidelity prometheus.Histogram

	mu        sync.Mutex
	lastNode  map[string]state.NodeMetrics
	lastRelay map[string]uint64
}

// NewRunCollector registers run metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewRunCollector(reg prometheus.Registerer) (*RunCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &RunCollector{
		gatherer:  gatherer,
		lastNode:  make(map[string]state.NodeMetrics),
		lastRelay: make(map[string]uint64),
	}

	var err error
	if c.HandshakeAttempts, err = counterVec(reg, "link_handshake_attempts_total",
		"Generation handshake instances resolved, by router."); err != nil {
		return nil, err
	}
	if c.HandshakeSuccesses, err = counterVec(reg, "link_handshake_successes_total",
		"Generation handshakes that committed entanglement, by router."); err != nil {
		return nil, err
	}
	if c.HandshakeFailures, err = counterVec(reg, "link_handshake_failures_total",
		"Generation handshakes that ended with the memory raw, by router."); err != nil {
		return nil, err
	}
	if c.CacheHits, err = counterVec(reg, "pair_cache_hits_total",
		"Swap-matcher lookups that claimed a cached pair, by router."); err != nil {
		return nil, err
	}
	if c.CacheMisses, err = counterVec(reg, "pair_cache_misses_total",
		"Swap-matcher lookups that found no usable cached pair, by router."); err != nil {
		return nil, err
	}
	if c.CacheExpiredDrops, err = counterVec(reg, "pair_cache_expired_drops_total",
		"Cached pairs dropped by retraction or decoherence, by router."); err != nil {
		return nil, err
	}
	if c.SwapCompletions, err = counterVec(reg, "pair_swap_completions_total",
		"On-demand slots that inherited a cached pair, by router."); err != nil {
		return nil, err
	}
	if c.AdmissionAccepts, err = counterVec(reg, "admission_accepts_total",
		"Reservations approved end to end, by initiating router."); err != nil {
		return nil, err
	}
	if c.AdmissionRejects, err = counterVec(reg, "admission_rejects_total",
		"Reservation admission failures, by rejecting router."); err != nil {
		return nil, err
	}

	relays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_triggers_total",
		Help: "Detector windows the midpoint relay resolved, by link.",
	}, []string{"link"})
	if c.RelayTriggers, err = registerCounterVec(reg, relays, "relay_triggers_total"); err != nil {
		return nil, err
	}

	if c.CachedPairs, err = gaugeVec(reg, "pair_cache_depth",
		"Pairs currently shelved in the cache, by router."); err != nil {
		return nil, err
	}
	if c.EntangledMemories, err = gaugeVec(reg, "entangled_memories",
		"Memory slots currently holding live entanglement, by router."); err != nil {
		return nil, err
	}
	if c.QuotaUsed, err = gaugeVec(reg, "speculative_quota_used",
		"Speculative reservations currently charged against the quota, by router."); err != nil {
		return nil, err
	}

	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "service_latency_seconds",
		Help:    "Simulated time from window open (or previous delivery) to each delivered pair.",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})
	if c.ServiceLatency, err = registerHistogram(reg, latency, "service_latency_seconds"); err != nil {
		return nil, err
	}
	fidelity := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "served_pair_fidelity",
		Help:    "Fidelity of each delivered pair at consumption time.",
		Buckets: []float64{0.5, 0.6, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 0.99, 1},
	})
	if c.ServedFidelity, err = registerHistogram(reg, fidelity, "served_pair_fidelity"); err != nil {
		return nil, err
	}

	return c, nil
}

// RecordNode folds a router snapshot into the exported metrics. Counters
// advance by the delta against the previous snapshot for the same router,
// so periodic refreshes stay monotonic.
func (c *RunCollector) RecordNode(nm *state.NodeMetrics) {
	if c == nil || nm == nil || nm.Node == "" {
		return
	}
	c.mu.Lock()
	prev := c.lastNode[nm.Node]
	c.lastNode[nm.Node] = *nm
	c.mu.Unlock()

	addDelta(c.HandshakeAttempts, nm.Node, nm.GeneratedPairs+nm.FailedAttempts, prev.GeneratedPairs+prev.FailedAttempts)
	addDelta(c.HandshakeSuccesses, nm.Node, nm.GeneratedPairs, prev.GeneratedPairs)
	addDelta(c.HandshakeFailures, nm.Node, nm.FailedAttempts, prev.FailedAttempts)
	addDelta(c.CacheHits, nm.Node, nm.CacheHits, prev.CacheHits)
	addDelta(c.CacheMisses, nm.Node, nm.CacheMisses, prev.CacheMisses)
	addDelta(c.CacheExpiredDrops, nm.Node, nm.CacheDropped, prev.CacheDropped)
	addDelta(c.SwapCompletions, nm.Node, nm.SwappedIn, prev.SwappedIn)
	addDelta(c.AdmissionAccepts, nm.Node, nm.Admitted, prev.Admitted)
	addDelta(c.AdmissionRejects, nm.Node, nm.Rejected, prev.Rejected)

	c.CachedPairs.WithLabelValues(nm.Node).Set(float64(nm.CachedPairs))
	c.EntangledMemories.WithLabelValues(nm.Node).Set(float64(nm.EntangledMemories))
	c.QuotaUsed.WithLabelValues(nm.Node).Set(float64(nm.QuotaUsed))
}

// RecordLink folds a link snapshot into the relay trigger counter.
func (c *RunCollector) RecordLink(lm *state.LinkMetrics) {
	if c == nil || lm == nil {
		return
	}
	key := lm.A + "~" + lm.B
	c.mu.Lock()
	prev := c.lastRelay[key]
	c.lastRelay[key] = lm.RelayTriggers
	c.mu.Unlock()
	addDelta(c.RelayTriggers, key, lm.RelayTriggers, prev)
}

// ObserveService records one delivered pair: the simulated latency since
// window open or the previous delivery, and the fidelity it was consumed
// at.
func (c *RunCollector) ObserveService(latency time.Duration, fidelity float64) {
	if c == nil {
		return
	}
	if c.ServiceLatency != nil {
		c.ServiceLatency.Observe(latency.Seconds())
	}
	if c.ServedFidelity != nil {
		c.ServedFidelity.Observe(fidelity)
	}
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RunCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RunCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func addDelta(vec *prometheus.CounterVec, label string, cur, prev uint64) {
	if vec == nil || cur <= prev {
		return
	}
	vec.WithLabelValues(label).Add(float64(cur - prev))
}

func counterVec(reg prometheus.Registerer, name, help string) (*prometheus.CounterVec, error) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, []string{"node"})
	return registerCounterVec(reg, vec, name)
}

func gaugeVec(reg prometheus.Registerer, name, help string) (*prometheus.GaugeVec, error) {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, []string{"node"})
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
