package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/signalsfoundry/qlink-simulator/internal/sim/state"
)

func TestRecordNodeAdvancesCountersByDelta(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRunCollector(reg)
	if err != nil {
		t.Fatalf("NewRunCollector: %v", err)
	}

	collector.RecordNode(&state.NodeMetrics{
		Node:           "n1",
		GeneratedPairs: 4,
		FailedAttempts: 6,
		CacheHits:      2,
		Admitted:       3,
		CachedPairs:    1,
		QuotaUsed:      1,
	})
	// A later snapshot of the same router must only add the difference.
	collector.RecordNode(&state.NodeMetrics{
		Node:           "n1",
		GeneratedPairs: 9,
		FailedAttempts: 6,
		CacheHits:      2,
		Admitted:       5,
		CachedPairs:    0,
		QuotaUsed:      2,
	})

	if got := testutil.ToFloat64(collector.HandshakeAttempts.WithLabelValues("n1")); got != 15 {
		t.Fatalf("link_handshake_attempts_total = %v, want 15", got)
	}
	if got := testutil.ToFloat64(collector.HandshakeSuccesses.WithLabelValues("n1")); got != 9 {
		t.Fatalf("link_handshake_successes_total = %v, want 9", got)
	}
	if got := testutil.ToFloat64(collector.CacheHits.WithLabelValues("n1")); got != 2 {
		t.Fatalf("pair_cache_hits_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.AdmissionAccepts.WithLabelValues("n1")); got != 5 {
		t.Fatalf("admission_accepts_total = %v, want 5", got)
	}
	if got := testutil.ToFloat64(collector.CachedPairs.WithLabelValues("n1")); got != 0 {
		t.Fatalf("pair_cache_depth = %v, want latest snapshot 0", got)
	}
	if got := testutil.ToFloat64(collector.QuotaUsed.WithLabelValues("n1")); got != 2 {
		t.Fatalf("speculative_quota_used = %v, want 2", got)
	}
}

func TestRecordLinkAndServiceHistograms(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRunCollector(reg)
	if err != nil {
		t.Fatalf("NewRunCollector: %v", err)
	}

	collector.RecordLink(&state.LinkMetrics{A: "n1", B: "n2", RelayTriggers: 40})
	collector.RecordLink(&state.LinkMetrics{A: "n1", B: "n2", RelayTriggers: 55})
	if got := testutil.ToFloat64(collector.RelayTriggers.WithLabelValues("n1~n2")); got != 55 {
		t.Fatalf("relay_triggers_total = %v, want 55", got)
	}

	collector.ObserveService(2*time.Millisecond, 0.83)
	collector.ObserveService(40*time.Microsecond, 0.91)
	if count := histogramSampleCount(t, reg, "service_latency_seconds", nil); count != 2 {
		t.Fatalf("service_latency_seconds sample_count = %d, want 2", count)
	}
	if count := histogramSampleCount(t, reg, "served_pair_fidelity", nil); count != 2 {
		t.Fatalf("served_pair_fidelity sample_count = %d, want 2", count)
	}
}

func TestNewRunCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewRunCollector(reg)
	if err != nil {
		t.Fatalf("NewRunCollector: %v", err)
	}
	second, err := NewRunCollector(reg)
	if err != nil {
		t.Fatalf("NewRunCollector on a shared registry: %v", err)
	}
	if first.HandshakeAttempts != second.HandshakeAttempts {
		t.Fatalf("second collector did not reuse the registered counter vec")
	}
}

func TestMetricsHandlerServesRunMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRunCollector(reg)
	if err != nil {
		t.Fatalf("NewRunCollector: %v", err)
	}
	collector.RecordNode(&state.NodeMetrics{Node: "n1", GeneratedPairs: 7, CachedPairs: 2, EntangledMemories: 3})
	collector.RecordLink(&state.LinkMetrics{A: "n1", B: "n2", RelayTriggers: 11})
	collector.ObserveService(time.Millisecond, 0.84)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"link_handshake_successes_total",
		"pair_cache_depth",
		"entangled_memories",
		"relay_triggers_total",
		"service_latency_seconds",
		"served_pair_fidelity",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
