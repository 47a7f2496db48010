package sim

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/signalsfoundry/qlink-simulator/core"
	"github.com/signalsfoundry/qlink-simulator/internal/adaptive"
	"github.com/signalsfoundry/qlink-simulator/internal/app"
	"github.com/signalsfoundry/qlink-simulator/internal/epcache"
	"github.com/signalsfoundry/qlink-simulator/internal/link"
	"github.com/signalsfoundry/qlink-simulator/internal/logging"
	"github.com/signalsfoundry/qlink-simulator/internal/qmem"
	"github.com/signalsfoundry/qlink-simulator/internal/resman"
	"github.com/signalsfoundry/qlink-simulator/internal/sched"
	"github.com/signalsfoundry/qlink-simulator/internal/sim/state"
	"github.com/signalsfoundry/qlink-simulator/model"
	"github.com/signalsfoundry/qlink-simulator/timectrl"
)

// DefaultStart anchors the virtual clock when the config leaves it zero.
var DefaultStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const defaultMemories = 4

// Config shapes one simulation run.
type Config struct {
	// Start is the virtual clock origin; zero takes DefaultStart.
	Start time.Time
	// Seed derives every component source not pinned by a node spec, so
	// a run is reproducible from (topology, requests, seed).
	Seed int64
	Log  logging.Logger
	// Purify turns on purification of cached speculative pairs.
	Purify bool
	// Requests is the on-demand schedule; each entry is loaded on its
	// initiator's app.
	Requests []app.Request
}

// Network is one fully wired simulation: routers, midpoint relays,
// channels, and the shared timeline.
type Network struct {
	topo  *core.Topology
	tl    *core.Timeline
	x     *core.Exchange
	log   logging.Logger
	start time.Time

	order     []string
	nodes     map[string]*Node
	relays    map[string]*link.Relay
	telemetry *state.TelemetryState
}

// Build wires a network from a loaded topology. Setup problems such as
// an unknown cache strategy or a request from an unknown router fail
// the build.
func Build(topo *core.Topology, cfg Config) (*Network, error) {
	if topo == nil || len(topo.Nodes) == 0 {
		return nil, fmt.Errorf("sim: empty topology")
	}
	start := cfg.Start
	if start.IsZero() {
		start = DefaultStart
	}
	log := cfg.Log
	if log == nil {
		log = logging.Noop()
	}

	tl := core.NewTimeline(timectrl.NewVirtualClock(start))
	nw := &Network{
		topo:      topo,
		tl:        tl,
		x:         core.NewExchange(tl, log),
		log:       log,
		start:     start,
		nodes:     make(map[string]*Node),
		relays:    make(map[string]*link.Relay),
		telemetry: state.NewTelemetryState(),
	}

	for i, spec := range topo.Nodes {
		node, err := nw.buildNode(spec, cfg, int64(i))
		if err != nil {
			return nil, err
		}
		nw.order = append(nw.order, spec.Name)
		nw.nodes[spec.Name] = node
		nw.x.Register(node)
	}
	for j, qc := range topo.QChannels {
		if err := nw.buildLink(qc, cfg, int64(j)); err != nil {
			return nil, err
		}
	}

	byInitiator := make(map[string][]app.Request)
	for _, req := range cfg.Requests {
		if _, ok := nw.nodes[req.Initiator]; !ok {
			return nil, fmt.Errorf("sim: request %s initiated by unknown router %s", req.ID, req.Initiator)
		}
		byInitiator[req.Initiator] = append(byInitiator[req.Initiator], req)
	}
	for _, name := range nw.order {
		if reqs := byInitiator[name]; len(reqs) > 0 {
			nw.nodes[name].App.Load(reqs)
		}
	}
	return nw, nil
}

func (nw *Network) buildNode(spec core.NodeSpec, cfg Config, ord int64) (*Node, error) {
	strategy, err := epcache.ParseStrategy(spec.Adaptive.Strategy)
	if err != nil {
		return nil, fmt.Errorf("sim: router %s: %w", spec.Name, err)
	}

	seed := spec.Seed
	if seed == 0 {
		seed = cfg.Seed + ord + 1
	}
	rng := rand.New(rand.NewSource(seed))

	memories := spec.Memories
	if memories <= 0 {
		memories = defaultMemories
	}

	name := spec.Name
	send := link.SendFunc(func(dst string, msg core.Message) { nw.x.Send(name, dst, msg) })

	mem := qmem.NewManager(name, memories, spec.Template, nw.tl, nw.log)
	sc := sched.New(name, memories, nw.log)
	store := epcache.New(nw.log)
	rm := resman.New(name, strategy, cfg.Purify, resman.Deps{
		Timeline:  nw.tl,
		Log:       nw.log,
		Rand:      rng,
		Memories:  mem,
		Scheduler: sc,
		Store:     store,
		Send:      send,
	})

	node := &Node{
		name:      name,
		send:      send,
		Memories:  mem,
		Scheduler: sc,
		Store:     store,
		Resources: rm,
	}
	node.App = app.New(name, app.Deps{
		Timeline:  nw.tl,
		Log:       nw.log,
		Resources: rm,
		Scheduler: sc,
		Route:     nw.topo.PathBetween,
	})

	if neighbors := nw.topo.NeighborsOf(name); len(neighbors) > 0 {
		cc := make(map[string]time.Duration, len(neighbors))
		for _, nb := range neighbors {
			d, err := nw.classicalDelay(name, nb)
			if err != nil {
				return nil, err
			}
			cc[nb] = d
		}
		ctrl, err := adaptive.New(adaptive.Config{
			Node:             name,
			Neighbors:        neighbors,
			CCDelay:          cc,
			MaxMemory:        spec.Adaptive.MaxMemory,
			UpdateProb:       spec.Adaptive.UpdateProb,
			HasEmptyNeighbor: spec.Adaptive.HasEmptyNeighbor,
			Active:           spec.Adaptive.Active,
		}, adaptive.Deps{
			Timeline:  nw.tl,
			Log:       nw.log,
			Rand:      rng,
			Resources: rm,
			Scheduler: sc,
			Send:      send,
		})
		if err != nil {
			return nil, fmt.Errorf("sim: router %s: %w", name, err)
		}
		node.Controller = ctrl
	}

	rm.SetIdleHook(node.App.OnIdleMemory)
	rm.SetReservationHook(node.App.OnReservationResult)
	rm.SetExpireHook(node.onReservationExpired)
	if node.Controller != nil {
		rm.SetCacheHook(node.Controller.OnPairCached)
	}
	node.App.SetServedHook(node.onServed)

	return node, nil
}

func (nw *Network) buildLink(qc core.QChannelSpec, cfg Config, ord int64) error {
	na, okA := nw.nodes[qc.A]
	nb, okB := nw.nodes[qc.B]
	if !okA || !okB {
		return fmt.Errorf("sim: channel %s-%s references a missing router", qc.A, qc.B)
	}
	specA, _ := nw.topo.Node(qc.A)
	specB, _ := nw.topo.Node(qc.B)
	enc := specA.Template.Encoding
	if enc != specB.Template.Encoding {
		return fmt.Errorf("sim: channel %s-%s: encoding mismatch (%s vs %s)",
			qc.A, qc.B, enc, specB.Template.Encoding)
	}

	ccPeer, err := nw.classicalDelay(qc.A, qc.B)
	if err != nil {
		return err
	}
	// The relay sits at the midpoint: each leg is half the fibre.
	half := qc.Distance / 2
	qcDelay := qmem.PropagationDelay(half)
	ccRelay := qmem.PropagationDelay(half)

	relayName := qc.Relay
	relay := link.NewRelay(relayName, qc.A, qc.B, enc, qc.Resolution, nw.tl, nw.log,
		rand.New(rand.NewSource(cfg.Seed+1000+ord)),
		func(dst string, msg core.Message) { nw.x.Send(relayName, dst, msg) })
	nw.relays[relayName] = relay
	nw.x.Register(relay)
	nw.x.Connect(qc.A, qc.B, ccPeer)
	nw.x.Connect(qc.A, relayName, ccRelay)
	nw.x.Connect(qc.B, relayName, ccRelay)

	mk := func(tmpl core.MemoryTemplate) resman.LinkConfig {
		return resman.LinkConfig{
			Relay:        relay,
			RelayNode:    relayName,
			Encoding:     enc,
			Resolution:   qc.Resolution,
			QCDelay:      qcDelay,
			CCDelayPeer:  ccPeer,
			CCDelayRelay: ccRelay,
			Survival:     qmem.SurvivalProb(tmpl.Efficiency, qc.AttenuationDBPerM, half),
		}
	}
	na.Resources.SetLink(qc.B, mk(specA.Template))
	nb.Resources.SetLink(qc.A, mk(specB.Template))
	return nil
}

// classicalDelay resolves the one-way classical delay between adjacent
// routers: an explicit classical channel wins, otherwise light time over
// the quantum fibre.
func (nw *Network) classicalDelay(a, b string) (time.Duration, error) {
	for _, cc := range nw.topo.CChannels {
		if (cc.A == a && cc.B == b) || (cc.A == b && cc.B == a) {
			return cc.Delay, nil
		}
	}
	if qc, ok := nw.topo.QChannelBetween(a, b); ok {
		return qmem.PropagationDelay(qc.Distance), nil
	}
	return 0, fmt.Errorf("sim: no classical path between %s and %s", a, b)
}

// Timeline exposes the run's timeline.
func (nw *Network) Timeline() *core.Timeline { return nw.tl }

// Telemetry exposes the run telemetry store; Run refreshes it.
func (nw *Network) Telemetry() *state.TelemetryState { return nw.telemetry }

// Node returns a built router by name.
func (nw *Network) Node(name string) (*Node, bool) {
	n, ok := nw.nodes[name]
	return n, ok
}

// Nodes returns the router names in topology order.
func (nw *Network) Nodes() []string { return append([]string(nil), nw.order...) }

// RunReport summarizes one run.
type RunReport struct {
	Duration       time.Duration
	EventsExecuted uint64

	Nodes    []*state.NodeMetrics
	Links    []*state.LinkMetrics
	Requests []*state.RequestMetrics

	RequestsSubmitted int
	RequestsServed    int
	MeanTimeToService time.Duration
	MeanFidelity      float64
	CachedPairs       int
}

// Run starts every app and controller, executes the timeline for d, and
// reports. Telemetry snapshots are refreshed as a side effect.
func (nw *Network) Run(d time.Duration) *RunReport {
	for _, name := range nw.order {
		node := nw.nodes[name]
		node.App.Start()
		if node.Controller != nil {
			node.Controller.Start()
		}
	}
	nw.tl.RunUntil(nw.start.Add(d))
	return nw.report(d)
}

func (nw *Network) report(d time.Duration) *RunReport {
	rep := &RunReport{Duration: d}
	_, rep.EventsExecuted = nw.tl.Stats()

	var ttsSum time.Duration
	var ttsN int
	var fidSum float64
	var fidN int

	for _, name := range nw.order {
		node := nw.nodes[name]
		rs := node.Resources.Stats()
		ss := node.Store.Stats()
		nm := &state.NodeMetrics{
			Node:              name,
			GeneratedPairs:    rs.Generated,
			FailedAttempts:    rs.Failed,
			SwappedIn:         rs.SwappedIn,
			PurifySuccess:     rs.PurifyOK,
			PurifyFailure:     rs.PurifyFail,
			Admitted:          rs.Admitted,
			Rejected:          rs.Rejected,
			Expired:           rs.Expired,
			CachedPairs:       node.Store.Len(),
			EntangledMemories: len(node.Memories.InState(model.MemoryEntangled)),
			CacheHits:         ss.Matched,
			CacheMisses:       ss.Misses,
			CacheDropped:      ss.Dropped,
		}
		if node.Controller != nil {
			nm.QuotaUsed = node.Controller.Used()
		}
		_ = nw.telemetry.UpdateNodeMetrics(nm)
		rep.Nodes = append(rep.Nodes, nm)
		rep.CachedPairs += nm.CachedPairs

		for _, o := range node.App.Outcomes() {
			reqm := &state.RequestMetrics{
				RequestID:    o.ID,
				Initiator:    o.Initiator,
				Responder:    o.Responder,
				WindowStart:  o.Start,
				WindowEnd:    o.End,
				Approved:     o.Approved,
				ServedPairs:  o.Served,
				FirstLatency: o.FirstLatency,
				MeanFidelity: o.MeanFidelity,
			}
			_ = nw.telemetry.UpdateRequestMetrics(reqm)
			rep.Requests = append(rep.Requests, reqm)
			rep.RequestsSubmitted++
			if o.Served > 0 {
				rep.RequestsServed++
			}
		}
		for _, tts := range node.App.TimeToService() {
			ttsSum += tts
			ttsN++
		}
		for _, f := range node.App.Fidelities() {
			fidSum += f
			fidN++
		}
	}
	for _, qc := range nw.topo.QChannels {
		lm := &state.LinkMetrics{A: qc.A, B: qc.B, RelayTriggers: nw.relays[qc.Relay].Triggers()}
		_ = nw.telemetry.UpdateLinkMetrics(lm)
		rep.Links = append(rep.Links, lm)
	}
	if ttsN > 0 {
		rep.MeanTimeToService = ttsSum / time.Duration(ttsN)
	}
	if fidN > 0 {
		rep.MeanFidelity = fidSum / float64(fidN)
	}
	return rep
}

// String renders a compact multi-line summary for logs.
func (r *RunReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run: %v, %d events\n", r.Duration, r.EventsExecuted)
	fmt.Fprintf(&b, "requests: %d submitted, %d served, mean tts %v, mean fidelity %.4f\n",
		r.RequestsSubmitted, r.RequestsServed, r.MeanTimeToService, r.MeanFidelity)
	for _, nm := range r.Nodes {
		fmt.Fprintf(&b, "router %s: generated %d, failed %d, swapped %d, cached %d, admitted %d, rejected %d, expired %d\n",
			nm.Node, nm.GeneratedPairs, nm.FailedAttempts, nm.SwappedIn, nm.CachedPairs, nm.Admitted, nm.Rejected, nm.Expired)
	}
	for _, lm := range r.Links {
		fmt.Fprintf(&b, "link %s~%s: %d relay triggers\n", lm.A, lm.B, lm.RelayTriggers)
	}
	return b.String()
}
