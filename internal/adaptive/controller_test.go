package adaptive

import (
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/qlink-simulator/core"
	"github.com/signalsfoundry/qlink-simulator/internal/epcache"
	"github.com/signalsfoundry/qlink-simulator/internal/link"
	"github.com/signalsfoundry/qlink-simulator/internal/qmem"
	"github.com/signalsfoundry/qlink-simulator/internal/resman"
	"github.com/signalsfoundry/qlink-simulator/internal/sched"
	"github.com/signalsfoundry/qlink-simulator/model"
	"github.com/signalsfoundry/qlink-simulator/timectrl"
)

var acStart = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

const (
	acQCDelay    = 5 * time.Microsecond
	acCCPeer     = time.Millisecond
	acCCRelay    = 500 * time.Microsecond
	acResolution = 100 * time.Nanosecond
)

// acNode dispatches classical traffic the way the full router node does.
type acNode struct {
	name string
	rm   *resman.Manager
	ctrl *Controller
}

func (n *acNode) Name() string { return n.name }

func (n *acNode) Receive(src string, msg core.Message) {
	switch msg.Receiver().Tag {
	case core.ReceiverAdaptive:
		n.ctrl.HandleMessage(src, msg)
	case core.ReceiverProtocol:
		n.rm.HandleProtocolMessage(src, msg)
	case core.ReceiverResource:
		n.rm.HandleResourceMessage(src, msg)
	case core.ReceiverReservation:
		n.rm.HandleReservationMessage(src, msg)
	default:
		panic("unexpected receiver tag " + msg.Receiver().Tag)
	}
}

// acRig wires two full node stacks with controllers over one relay. Only
// n2's controller runs cycles; n1 acts as the responder.
type acRig struct {
	tl    *core.Timeline
	relay *link.Relay

	memA, memB     *qmem.Manager
	schA, schB     *sched.Scheduler
	storeA, storeB *epcache.Store
	rmA, rmB       *resman.Manager
	ctrlA, ctrlB   *Controller
}

func newACRig(t *testing.T, maxA, maxB int) *acRig {
	t.Helper()

	tl := core.NewTimeline(timectrl.NewVirtualClock(acStart))
	x := core.NewExchange(tl, nil)
	relayName := core.RelayName("n1", "n2")

	tmpl := core.MemoryTemplate{
		FrequencyHz:   2000,
		Efficiency:    0.75,
		CoherenceTime: 2 * time.Second,
		RawFidelity:   0.85,
		ErrorWeights:  [3]float64{1, 0, 0},
		Encoding:      core.EncodingSingleHeralded,
	}

	relay := link.NewRelay(relayName, "n1", "n2", core.EncodingSingleHeralded, acResolution, tl, nil,
		rand.New(rand.NewSource(99)),
		func(dst string, msg core.Message) { x.Send(relayName, dst, msg) })

	rig := &acRig{tl: tl, relay: relay}

	build := func(name, peer string, seed int64, max int, active bool) (*qmem.Manager, *sched.Scheduler, *epcache.Store, *resman.Manager, *Controller) {
		mem := qmem.NewManager(name, 4, tmpl, tl, nil)
		sc := sched.New(name, 4, nil)
		store := epcache.New(nil)
		rm := resman.New(name, epcache.StrategyFreshest, false, resman.Deps{
			Timeline:  tl,
			Rand:      rand.New(rand.NewSource(seed)),
			Memories:  mem,
			Scheduler: sc,
			Store:     store,
			Send:      func(dst string, msg core.Message) { x.Send(name, dst, msg) },
		})
		ctrl, err := New(Config{
			Node:      name,
			Neighbors: []string{peer},
			CCDelay:   map[string]time.Duration{peer: acCCPeer},
			MaxMemory: max,
			Active:    active,
		}, Deps{
			Timeline:  tl,
			Rand:      rand.New(rand.NewSource(seed + 100)),
			Resources: rm,
			Scheduler: sc,
			Send:      func(dst string, msg core.Message) { x.Send(name, dst, msg) },
		})
		if err != nil {
			t.Fatalf("controller %s: %v", name, err)
		}
		rm.SetExpireHook(ctrl.OnReservationExpired)
		rm.SetCacheHook(ctrl.OnPairCached)
		x.Register(&acNode{name: name, rm: rm, ctrl: ctrl})
		return mem, sc, store, rm, ctrl
	}
	rig.memA, rig.schA, rig.storeA, rig.rmA, rig.ctrlA = build("n1", "n2", 11, maxA, false)
	rig.memB, rig.schB, rig.storeB, rig.rmB, rig.ctrlB = build("n2", "n1", 12, maxB, true)

	lc := resman.LinkConfig{
		Relay:        relay,
		RelayNode:    relayName,
		Encoding:     core.EncodingSingleHeralded,
		Resolution:   acResolution,
		QCDelay:      acQCDelay,
		CCDelayPeer:  acCCPeer,
		CCDelayRelay: acCCRelay,
		Survival:     1,
	}
	rig.rmA.SetLink("n2", lc)
	rig.rmB.SetLink("n1", lc)

	x.Register(relay)
	x.Connect("n1", "n2", acCCPeer)
	x.Connect("n1", relayName, acCCRelay)
	x.Connect("n2", relayName, acCCRelay)

	return rig
}

// TestSpeculativeCycleStocksCache drives the full controller loop: draw,
// request/respond, rule load, generation into both caches, expiry, and a
// fresh cycle once the quota comes back.
func TestSpeculativeCycleStocksCache(t *testing.T) {
	rig := newACRig(t, 1, 1)
	rig.ctrlA.Start() // dormant: answers requests but never cycles
	rig.ctrlB.Start()

	rig.tl.RunUntil(acStart.Add(100 * time.Millisecond))

	if got := rig.ctrlB.Stats().Requests; got != 1 {
		t.Fatalf("n2 requests = %d, want 1", got)
	}
	if got := rig.ctrlA.Stats().Accepts; got != 1 {
		t.Fatalf("n1 accepts = %d, want 1", got)
	}
	if rig.ctrlA.Used() != 1 || rig.ctrlB.Used() != 1 {
		t.Fatalf("quota used = %d/%d, want 1/1", rig.ctrlA.Used(), rig.ctrlB.Used())
	}
	if rig.storeA.Len() != 1 || rig.storeB.Len() != 1 {
		t.Fatalf("cached pairs = %d/%d, want 1/1", rig.storeA.Len(), rig.storeB.Len())
	}
	if got := rig.rmB.Stats().Generated; got != 1 {
		t.Fatalf("n2 generated = %d, want 1", got)
	}
	if got := rig.ctrlB.Stats().PairsCached; got != 1 {
		t.Fatalf("n2 pairs cached = %d, want 1", got)
	}

	// The window closes a round trip plus one second after the first
	// cycle: the unconsumed pair is dropped, the quota comes back, and
	// the controller books the next link.
	rig.tl.RunUntil(acStart.Add(1100 * time.Millisecond))

	if got := rig.rmB.Stats().Expired; got != 1 {
		t.Fatalf("n2 expired = %d, want 1", got)
	}
	if got := rig.ctrlB.Stats().Requests; got < 2 {
		t.Fatalf("n2 requests = %d, want a second one after expiry", got)
	}
	if rig.storeB.Len() != 1 {
		t.Fatalf("n2 cache = %d pairs after expiry, want the fresh one only", rig.storeB.Len())
	}
	if rig.ctrlA.Used() != 1 || rig.ctrlB.Used() != 1 {
		t.Fatalf("quota used = %d/%d after expiry cycle, want 1/1", rig.ctrlA.Used(), rig.ctrlB.Used())
	}
}

// TestResponderRefusalReturnsQuota pins the refusal path: a responder
// with zero quota answers no, and the initiator undoes its booking and
// quota charge every time.
func TestResponderRefusalReturnsQuota(t *testing.T) {
	rig := newACRig(t, 0, 1)
	rig.ctrlB.Start()

	rig.tl.RunUntil(acStart.Add(30 * time.Millisecond))

	st := rig.ctrlB.Stats()
	if st.Refusals < 3 {
		t.Fatalf("n2 refusals = %d, want several", st.Refusals)
	}
	if st.Requests < st.Refusals {
		t.Fatalf("requests %d < refusals %d", st.Requests, st.Refusals)
	}
	// Only an in-flight request may hold quota or a timecard booking.
	inFlight := len(rig.ctrlB.pending)
	if inFlight > 1 {
		t.Fatalf("pending requests = %d, want at most 1", inFlight)
	}
	if rig.ctrlB.Used() != inFlight {
		t.Fatalf("quota used = %d with %d in flight", rig.ctrlB.Used(), inFlight)
	}
	for slot := 0; slot < 4; slot++ {
		if got := len(rig.schB.Card(slot).Reservations()); slot == 0 && got != inFlight {
			t.Fatalf("slot 0 bookings = %d with %d in flight", got, inFlight)
		} else if slot > 0 && got != 0 {
			t.Fatalf("slot %d bookings = %d, want 0", slot, got)
		}
	}
	if rig.storeB.Len() != 0 || rig.rmB.Stats().Generated != 0 {
		t.Fatalf("refused cycles still generated pairs")
	}
	if rig.ctrlA.Used() != 0 {
		t.Fatalf("n1 quota used = %d, want 0", rig.ctrlA.Used())
	}
}

// TestLocalAdmissionFailureReturnsQuota blocks every local timecard and
// checks the cycle backs off without charging quota or contacting the
// neighbor.
func TestLocalAdmissionFailureReturnsQuota(t *testing.T) {
	rig := newACRig(t, 1, 1)
	if _, ok := rig.schB.Schedule(model.Reservation{
		ID:         "blocker",
		Initiator:  "n2",
		Responder:  "n2",
		StartTime:  acStart,
		EndTime:    acStart.Add(time.Hour),
		MemorySize: 4,
		Path:       []string{"n2"},
	}); !ok {
		t.Fatalf("blocker reservation did not fit")
	}
	rig.ctrlB.Start()

	rig.tl.RunUntil(acStart.Add(20 * time.Millisecond))

	st := rig.ctrlB.Stats()
	if st.Cycles < 10 {
		t.Fatalf("n2 cycles = %d, want a busy retry loop", st.Cycles)
	}
	if st.Requests != 0 {
		t.Fatalf("n2 requests = %d, want 0 with no timecard room", st.Requests)
	}
	if rig.ctrlB.Used() != 0 {
		t.Fatalf("n2 quota used = %d, want 0", rig.ctrlB.Used())
	}
	if got := rig.ctrlA.Stats().Accepts; got != 0 {
		t.Fatalf("n1 accepts = %d, want 0", got)
	}
}

// TestAdaptationRewardsServedNeighbors exercises the periodic table
// update directly: neighbors adjacent on served paths gain weight, and a
// pass with no reports shifts weight to idle.
func TestAdaptationRewardsServedNeighbors(t *testing.T) {
	tl := core.NewTimeline(timectrl.NewVirtualClock(acStart))
	c, err := New(Config{
		Node:             "n2",
		Neighbors:        []string{"n1", "n3"},
		UpdateProb:       1,
		Delta:            0.1,
		HasEmptyNeighbor: true,
	}, Deps{
		Timeline: tl,
		Rand:     rand.New(rand.NewSource(5)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// n4 borders n2 on the path but is not a neighbor entry; only n1
	// may gain.
	c.OnPathServed(acStart, []string{"n1", "n2", "n4"})
	c.adapt()

	wantN1 := (1.0/3 + 0.1) / 1.1
	if w := c.Table().Weight("n1"); math.Abs(w-wantN1) > 1e-12 {
		t.Fatalf("weight(n1) = %v, want %v", w, wantN1)
	}
	if c.Table().Weight("n1") <= c.Table().Weight("n3") {
		t.Fatalf("served neighbor did not gain: %v", c.Table().Weights())
	}
	if math.Abs(c.Table().Weight("n3")-c.Table().Weight(Idle)) > Tolerance {
		t.Fatalf("untouched outcomes diverged: %v", c.Table().Weights())
	}

	// Reports drain per pass; an empty pass rewards idle.
	c.adapt()
	if c.Table().Weight(Idle) <= c.Table().Weight("n3") {
		t.Fatalf("empty pass did not favor idle: %v", c.Table().Weights())
	}

	// A report can also arrive over the wire.
	c.HandleMessage("n1", PathServedMsg{At: acStart, Path: []string{"n2", "n3"}})
	before := c.Table().Weight("n3")
	c.adapt()
	if after := c.Table().Weight("n3"); after <= before {
		t.Fatalf("weight(n3) = %v after served report, want > %v", after, before)
	}
	if got := c.Stats().Adaptations; got != 3 {
		t.Fatalf("adaptations = %d, want 3", got)
	}
}

func TestConfigValidation(t *testing.T) {
	tl := core.NewTimeline(timectrl.NewVirtualClock(acStart))
	deps := Deps{Timeline: tl, Rand: rand.New(rand.NewSource(1))}

	if _, err := New(Config{Node: "n1", Neighbors: []string{"n2"}, UpdateProb: 1.5}, deps); err == nil {
		t.Fatalf("update probability 1.5 accepted")
	}
	if _, err := New(Config{Node: "n1", Neighbors: []string{"n2"}, UpdateProb: -0.1}, deps); err == nil {
		t.Fatalf("negative update probability accepted")
	}
	if _, err := New(Config{Node: "n1", Neighbors: []string{"n2"}, Delta: -1}, deps); err == nil {
		t.Fatalf("negative delta accepted")
	}
	if _, err := New(Config{Node: "n1"}, deps); err == nil {
		t.Fatalf("empty neighbor set accepted")
	} else if !strings.Contains(err.Error(), "no neighbors") {
		t.Fatalf("unexpected error: %v", err)
	}

	c, err := New(Config{Node: "n1", Neighbors: []string{"n2"}}, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.cfg.Delta != defaultDelta || c.cfg.AdaptInterval != defaultAdaptInterval || c.cfg.Window != speculativeWindow {
		t.Fatalf("defaults not applied: %+v", c.cfg)
	}
}
