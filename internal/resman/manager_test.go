package resman

import (
	"math/rand"
	"testing"
	"time"

	"github.com/signalsfoundry/qlink-simulator/core"
	"github.com/signalsfoundry/qlink-simulator/internal/epcache"
	"github.com/signalsfoundry/qlink-simulator/internal/link"
	"github.com/signalsfoundry/qlink-simulator/internal/qmem"
	"github.com/signalsfoundry/qlink-simulator/internal/sched"
	"github.com/signalsfoundry/qlink-simulator/model"
	"github.com/signalsfoundry/qlink-simulator/timectrl"
)

var rmStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

const (
	rmQCDelay    = 5 * time.Microsecond
	rmCCPeer     = time.Millisecond
	rmCCRelay    = 500 * time.Microsecond
	rmResolution = 100 * time.Nanosecond
)

// rmNode dispatches classical traffic to its manager by receiver tag, the
// way the full router node does.
type rmNode struct {
	name string
	rm   *Manager
}

func (n *rmNode) Name() string { return n.name }

func (n *rmNode) Receive(src string, msg core.Message) {
	switch msg.Receiver().Tag {
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

type rmRigCfg struct {
	purify    bool
	survival  float64
	slots     int
	coherence time.Duration
	rawFid    float64
}

// rmRig wires two full resource stacks and their relay over a real
// timeline and exchange. n2 > n1, so n2 initiates handshakes.
type rmRig struct {
	tl    *core.Timeline
	relay *link.Relay

	memA, memB     *qmem.Manager
	schA, schB     *sched.Scheduler
	storeA, storeB *epcache.Store
	rmA, rmB       *Manager
}

func newRMRig(cfg rmRigCfg) *rmRig {
	if cfg.slots == 0 {
		cfg.slots = 4
	}
	if cfg.coherence == 0 {
		cfg.coherence = 2 * time.Second
	}
	if cfg.rawFid == 0 {
		cfg.rawFid = 0.85
	}

	tl := core.NewTimeline(timectrl.NewVirtualClock(rmStart))
	x := core.NewExchange(tl, nil)
	relayName := core.RelayName("n1", "n2")

	tmpl := core.MemoryTemplate{
		FrequencyHz:   2000,
		Efficiency:    0.75,
		CoherenceTime: cfg.coherence,
		RawFidelity:   cfg.rawFid,
		ErrorWeights:  [3]float64{1, 0, 0},
		Encoding:      core.EncodingSingleHeralded,
	}

	relay := link.NewRelay(relayName, "n1", "n2", core.EncodingSingleHeralded, rmResolution, tl, nil,
		rand.New(rand.NewSource(99)),
		func(dst string, msg core.Message) { x.Send(relayName, dst, msg) })

	rig := &rmRig{tl: tl, relay: relay}

	build := func(name string, seed int64) (*qmem.Manager, *sched.Scheduler, *epcache.Store, *Manager) {
		mem := qmem.NewManager(name, cfg.slots, tmpl, tl, nil)
		sc := sched.New(name, cfg.slots, nil)
		store := epcache.New(nil)
		rm := New(name, epcache.StrategyFreshest, cfg.purify, Deps{
			Timeline:  tl,
			Rand:      rand.New(rand.NewSource(seed)),
			Memories:  mem,
			Scheduler: sc,
			Store:     store,
			Send:      func(dst string, msg core.Message) { x.Send(name, dst, msg) },
		})
		x.Register(&rmNode{name: name, rm: rm})
		return mem, sc, store, rm
	}
	rig.memA, rig.schA, rig.storeA, rig.rmA = build("n1", 11)
	rig.memB, rig.schB, rig.storeB, rig.rmB = build("n2", 12)

	lc := LinkConfig{
		Relay:        relay,
		RelayNode:    relayName,
		Encoding:     core.EncodingSingleHeralded,
		Resolution:   rmResolution,
		QCDelay:      rmQCDelay,
		CCDelayPeer:  rmCCPeer,
		CCDelayRelay: rmCCRelay,
		Survival:     cfg.survival,
	}
	rig.rmA.SetLink("n2", lc)
	rig.rmB.SetLink("n1", lc)

	x.Register(relay)
	x.Connect("n1", "n2", rmCCPeer)
	x.Connect("n1", relayName, rmCCRelay)
	x.Connect("n2", relayName, rmCCRelay)

	return rig
}

// loadBoth admits a 2-node reservation on both schedulers and loads the
// matching rules, the way the adaptive controller does after its
// request/response exchange.
func (r *rmRig) loadBoth(resv model.Reservation) {
	slotsA, okA := r.schA.Schedule(resv)
	slotsB, okB := r.schB.Schedule(resv)
	if !okA || !okB {
		panic("test reservation did not fit")
	}
	assignments := map[string][]int{"n1": slotsA, "n2": slotsB}
	r.rmA.LoadRules(r.rmA.CreateRules(resv.Path, resv, assignments), resv)
	r.rmB.LoadRules(r.rmB.CreateRules(resv.Path, resv, assignments), resv)
}

func specReservation(id string, size int, start, end time.Time) model.Reservation {
	return model.Reservation{
		ID:                id,
		Initiator:         "n2",
		Responder:         "n1",
		StartTime:         start,
		EndTime:           end,
		MemorySize:        size,
		FidelityThreshold: 0.5,
		Path:              []string{"n2", "n1"},
		Kind:              model.KindSpeculative,
	}
}

func demandReservation(id string, size int, start, end time.Time) model.Reservation {
	return model.Reservation{
		ID:                id,
		Initiator:         "n1",
		Responder:         "n2",
		StartTime:         start,
		EndTime:           end,
		MemorySize:        size,
		FidelityThreshold: 0.5,
		Path:              []string{"n1", "n2"},
		Kind:              model.KindOnDemand,
	}
}

func TestCreateRulesByPathPosition(t *testing.T) {
	rig := newRMRig(rmRigCfg{})
	path := []string{"n1", "n2", "n3"}
	resv := model.Reservation{ID: "r1", MemorySize: 1, Path: path, Kind: model.KindOnDemand}
	assignments := map[string][]int{"n1": {0}, "n2": {0, 1}, "n3": {0}}

	endRules := rig.rmA.CreateRules(path, resv, assignments)
	if len(endRules) != 1 {
		t.Fatalf("endpoint rules = %d, want 1", len(endRules))
	}
	if endRules[0].RemoteNode != "n2" || endRules[0].Slots[0] != 0 || endRules[0].RemoteSlots[0] != 0 {
		t.Fatalf("endpoint rule wired wrong: %+v", endRules[0])
	}
	if !endRules[0].FromApp {
		t.Fatalf("on-demand rules must consult the cache")
	}

	midRules := rig.rmB.CreateRules(path, resv, assignments)
	if len(midRules) != 2 {
		t.Fatalf("relay-position rules = %d, want 2", len(midRules))
	}
	up, down := midRules[0], midRules[1]
	if up.RemoteNode != "n1" || up.Slots[0] != 0 || up.RemoteSlots[0] != 0 {
		t.Fatalf("upstream rule wired wrong: %+v", up)
	}
	if down.RemoteNode != "n3" || down.Slots[0] != 1 || down.RemoteSlots[0] != 0 {
		t.Fatalf("downstream rule wired wrong: %+v", down)
	}

	// the far endpoint's single rule points at n2's downstream half
	if got := hopSlots(assignments["n2"], 1, 1, 2, false); len(got) != 1 || got[0] != 1 {
		t.Fatalf("hopSlots downstream half = %v, want [1]", got)
	}

	if instanceID("r1", "n1", "n2", 0) != instanceID("r1", "n2", "n1", 0) {
		t.Fatalf("instance ids must agree across the hop")
	}
}

func TestSpeculativeGenerationFillsCache(t *testing.T) {
	rig := newRMRig(rmRigCfg{survival: 1, slots: 2})
	rig.loadBoth(specReservation("ac1", 2, rmStart, rmStart.Add(time.Second)))

	rig.tl.RunUntil(rmStart.Add(50 * time.Millisecond))

	if n := rig.storeA.Count("n1", "n2"); n != 2 {
		t.Fatalf("n1 cached pairs = %d, want 2", n)
	}
	if n := rig.storeB.Count("n1", "n2"); n != 2 {
		t.Fatalf("n2 cached pairs = %d, want 2", n)
	}
	for i := 0; i < 2; i++ {
		if st := rig.memA.Info(i).State; st != model.MemoryEntangled {
			t.Fatalf("n1 slot %d state = %v, want ENTANGLED", i, st)
		}
	}
	if st := rig.rmB.Stats(); st.Generated != 2 || st.Failed != 0 {
		t.Fatalf("n2 stats = %+v, want 2 generated", st)
	}
}

func TestAdmissionTraversesPath(t *testing.T) {
	tl := core.NewTimeline(timectrl.NewVirtualClock(rmStart))
	x := core.NewExchange(tl, nil)
	tmpl := core.MemoryTemplate{
		FrequencyHz:   2000,
		Efficiency:    0.75,
		CoherenceTime: 2 * time.Second,
		RawFidelity:   0.85,
		ErrorWeights:  [3]float64{1, 0, 0},
	}
	mk := func(name string, slots int, seed int64) (*Manager, *sched.Scheduler) {
		mem := qmem.NewManager(name, 4, tmpl, tl, nil)
		sc := sched.New(name, slots, nil)
		rm := New(name, epcache.StrategyFreshest, false, Deps{
			Timeline:  tl,
			Rand:      rand.New(rand.NewSource(seed)),
			Memories:  mem,
			Scheduler: sc,
			Store:     epcache.New(nil),
			Send:      func(dst string, msg core.Message) { x.Send(name, dst, msg) },
		})
		x.Register(&rmNode{name: name, rm: rm})
		return rm, sc
	}
	rm1, sc1 := mk("n1", 4, 1)
	rm2, sc2 := mk("n2", 4, 2)
	_, sc3 := mk("n3", 4, 3)
	x.Connect("n1", "n2", rmCCPeer)
	x.Connect("n2", "n3", rmCCPeer)

	var verdicts []bool
	rm1.SetReservationHook(func(_ model.Reservation, ok bool) { verdicts = append(verdicts, ok) })

	resv := model.Reservation{
		ID:                "app1",
		Initiator:         "n1",
		Responder:         "n3",
		StartTime:         rmStart.Add(time.Hour),
		EndTime:           rmStart.Add(2 * time.Hour),
		MemorySize:        1,
		FidelityThreshold: 0.9,
		Path:              []string{"n1", "n2", "n3"},
		Kind:              model.KindOnDemand,
	}
	rm1.SubmitReservation(resv)
	tl.RunUntil(rmStart.Add(10 * time.Millisecond))

	if len(verdicts) != 1 || !verdicts[0] {
		t.Fatalf("verdicts = %v, want one approval", verdicts)
	}
	if slots, ok := sc1.SlotsFor("app1"); !ok || len(slots) != 1 {
		t.Fatalf("n1 slots = %v %v, want 1 slot", slots, ok)
	}
	if slots, ok := sc2.SlotsFor("app1"); !ok || len(slots) != 2 {
		t.Fatalf("relay-position node must reserve twice the size, got %v %v", slots, ok)
	}
	if slots, ok := sc3.SlotsFor("app1"); !ok || len(slots) != 1 {
		t.Fatalf("n3 slots = %v %v, want 1 slot", slots, ok)
	}
	if _, live := rm2.reservations["app1"]; !live {
		t.Fatalf("relay-position node did not retain the reservation")
	}
}

func TestAdmissionRejectionUnwindsTimecards(t *testing.T) {
	tl := core.NewTimeline(timectrl.NewVirtualClock(rmStart))
	x := core.NewExchange(tl, nil)
	tmpl := core.MemoryTemplate{
		FrequencyHz:   2000,
		Efficiency:    0.75,
		CoherenceTime: 2 * time.Second,
		RawFidelity:   0.85,
		ErrorWeights:  [3]float64{1, 0, 0},
	}
	mk := func(name string, slots int, seed int64) (*Manager, *sched.Scheduler) {
		mem := qmem.NewManager(name, 4, tmpl, tl, nil)
		sc := sched.New(name, slots, nil)
		rm := New(name, epcache.StrategyFreshest, false, Deps{
			Timeline:  tl,
			Rand:      rand.New(rand.NewSource(seed)),
			Memories:  mem,
			Scheduler: sc,
			Store:     epcache.New(nil),
			Send:      func(dst string, msg core.Message) { x.Send(name, dst, msg) },
		})
		x.Register(&rmNode{name: name, rm: rm})
		return rm, sc
	}
	rm1, sc1 := mk("n1", 4, 1)
	_, sc2 := mk("n2", 4, 2)
	rm3, _ := mk("n3", 0, 3)
	x.Connect("n1", "n2", rmCCPeer)
	x.Connect("n2", "n3", rmCCPeer)

	var verdicts []bool
	rm1.SetReservationHook(func(_ model.Reservation, ok bool) { verdicts = append(verdicts, ok) })

	resv := model.Reservation{
		ID:         "app2",
		Initiator:  "n1",
		Responder:  "n3",
		StartTime:  rmStart.Add(time.Hour),
		EndTime:    rmStart.Add(2 * time.Hour),
		MemorySize: 1,
		Path:       []string{"n1", "n2", "n3"},
		Kind:       model.KindOnDemand,
	}
	rm1.SubmitReservation(resv)
	tl.RunUntil(rmStart.Add(10 * time.Millisecond))

	if len(verdicts) != 1 || verdicts[0] {
		t.Fatalf("verdicts = %v, want one rejection", verdicts)
	}
	if _, ok := sc1.SlotsFor("app2"); ok {
		t.Fatalf("initiator timecards not released after rejection")
	}
	if _, ok := sc2.SlotsFor("app2"); ok {
		t.Fatalf("relay-position timecards not released after rejection")
	}
	if st := rm3.Stats(); st.Rejected != 1 {
		t.Fatalf("n3 rejected = %d, want 1", st.Rejected)
	}
}

func TestFailedAttemptsRetryWhileWindowOpen(t *testing.T) {
	rig := newRMRig(rmRigCfg{survival: 0, slots: 1})

	var expired []string
	rig.rmB.SetExpireHook(func(r model.Reservation) { expired = append(expired, r.ID) })

	rig.loadBoth(specReservation("ac2", 1, rmStart, rmStart.Add(50*time.Millisecond)))
	rig.tl.RunUntil(rmStart.Add(60 * time.Millisecond))

	st := rig.rmB.Stats()
	if st.Failed < 2 {
		t.Fatalf("failures = %d, want repeated attempts", st.Failed)
	}
	if st.Generated != 0 {
		t.Fatalf("generated = %d with zero survival", st.Generated)
	}
	if st.Expired != 1 {
		t.Fatalf("expired = %d, want 1", st.Expired)
	}
	if got := rig.storeB.Len(); got != 0 {
		t.Fatalf("cache holds %d pairs, want none", got)
	}
	if state := rig.memB.Info(0).State; state != model.MemoryRaw {
		t.Fatalf("slot state = %v after retraction, want RAW", state)
	}
	if len(rig.rmB.rules) != 0 {
		t.Fatalf("rules = %d after retraction, want 0", len(rig.rmB.rules))
	}
	if _, ok := rig.schB.SlotsFor("ac2"); ok {
		t.Fatalf("timecards not released at window end")
	}
	if len(expired) != 1 || expired[0] != "ac2" {
		t.Fatalf("expire hook saw %v, want [ac2]", expired)
	}
}

func TestOnDemandServedFromCache(t *testing.T) {
	rig := newRMRig(rmRigCfg{survival: 1, slots: 4})

	bds := [4]float64{0.85, 0.15, 0, 0}
	rig.memA.Occupy(3)
	rig.memA.Entangle(3, model.PairEnd{Node: "n2", Memory: 3}, bds)
	rig.memB.Occupy(3)
	rig.memB.Entangle(3, model.PairEnd{Node: "n1", Memory: 3}, bds)
	pair := model.NewPair(model.PairEnd{Node: "n1", Memory: 3}, model.PairEnd{Node: "n2", Memory: 3})
	rig.storeA.Add(pair)
	rig.storeB.Add(pair)

	var idleA []qmem.MemoryInfo
	rig.rmA.SetIdleHook(func(info qmem.MemoryInfo) { idleA = append(idleA, info) })

	rig.loadBoth(demandReservation("app3", 1, rmStart, rmStart.Add(time.Second)))
	rig.tl.RunUntil(rmStart.Add(10 * time.Millisecond))

	if n := rig.relay.Triggers(); n != 0 {
		t.Fatalf("relay fired %d times for a cache-served request", n)
	}
	if st := rig.rmA.Stats(); st.SwappedIn != 1 {
		t.Fatalf("n1 swapped = %d, want 1", st.SwappedIn)
	}
	if st := rig.rmB.Stats(); st.SwappedIn != 1 {
		t.Fatalf("n2 swapped = %d, want 1", st.SwappedIn)
	}
	info := rig.memA.Info(0)
	if info.State != model.MemoryEntangled || info.RemoteNode != "n2" || info.RemoteMemory != 0 {
		t.Fatalf("n1 app slot = %+v, want entangled with n2[0]", info)
	}
	if st := rig.memA.Info(3).State; st != model.MemoryRaw {
		t.Fatalf("donor slot state = %v, want RAW", st)
	}
	if rig.storeA.Len() != 0 || rig.storeB.Len() != 0 {
		t.Fatalf("stores = %d/%d pairs after claim, want empty", rig.storeA.Len(), rig.storeB.Len())
	}

	sawApp := false
	for _, info := range idleA {
		if info.Index == 0 && info.State == model.MemoryEntangled {
			sawApp = true
		}
	}
	if !sawApp {
		t.Fatalf("idle hook never saw the served app slot: %+v", idleA)
	}
}

func TestOnDemandGeneratesWhenCacheEmpty(t *testing.T) {
	rig := newRMRig(rmRigCfg{survival: 1, slots: 1})

	var idleA []qmem.MemoryInfo
	rig.rmA.SetIdleHook(func(info qmem.MemoryInfo) { idleA = append(idleA, info) })

	rig.loadBoth(demandReservation("app4", 1, rmStart, rmStart.Add(time.Second)))
	rig.tl.RunUntil(rmStart.Add(50 * time.Millisecond))

	if st := rig.rmA.Stats(); st.Generated != 1 || st.SwappedIn != 0 {
		t.Fatalf("n1 stats = %+v, want one generated", st)
	}
	if rig.storeA.Len() != 0 {
		t.Fatalf("on-demand pairs must not enter the cache")
	}
	info := rig.memA.Info(0)
	if info.State != model.MemoryEntangled || info.RemoteNode != "n2" {
		t.Fatalf("n1 slot = %+v, want entangled with n2", info)
	}
	sawApp := false
	for _, got := range idleA {
		if got.Index == 0 && got.State == model.MemoryEntangled {
			sawApp = true
		}
	}
	if !sawApp {
		t.Fatalf("app was never notified of the delivered pair")
	}
}

func TestSecondSpeculativePairTriggersPurification(t *testing.T) {
	// Perfect raw pairs and negligible holding decay keep the parity
	// agreement probability at 1, so every round succeeds.
	rig := newRMRig(rmRigCfg{survival: 1, slots: 2, purify: true, rawFid: 1.0, coherence: time.Hour})
	rig.loadBoth(specReservation("ac3", 2, rmStart, rmStart.Add(time.Second)))

	rig.tl.RunUntil(rmStart.Add(20 * time.Millisecond))

	stA, stB := rig.rmA.Stats(), rig.rmB.Stats()
	if stA.PurifyOK == 0 || stB.PurifyOK == 0 {
		t.Fatalf("purification never succeeded: n1 %+v n2 %+v", stA, stB)
	}
	if stA.PurifyFail != 0 {
		t.Fatalf("perfect pairs must purify deterministically, got %d failures", stA.PurifyFail)
	}
	if rig.storeA.Len() == 0 {
		t.Fatalf("kept pair missing from cache after purification")
	}
	kept := rig.storeA.Pairs()[0]
	end, _ := kept.EndAt("n1")
	if f := rig.memA.FidelityNow(end.Memory); f < 0.999 {
		t.Fatalf("kept fidelity = %v, want ~1.0", f)
	}
}

func TestExpiryDropsUnconsumedPairs(t *testing.T) {
	rig := newRMRig(rmRigCfg{survival: 1, slots: 1})

	var expiredA []model.Reservation
	rig.rmA.SetExpireHook(func(r model.Reservation) { expiredA = append(expiredA, r) })

	rig.loadBoth(specReservation("ac4", 1, rmStart, rmStart.Add(20*time.Millisecond)))
	rig.tl.RunUntil(rmStart.Add(30 * time.Millisecond))

	st := rig.rmA.Stats()
	if st.Generated != 1 || st.Expired != 1 {
		t.Fatalf("n1 stats = %+v, want one generated and one expired", st)
	}
	if rig.storeA.Len() != 0 || rig.storeB.Len() != 0 {
		t.Fatalf("stores = %d/%d after retraction, want empty", rig.storeA.Len(), rig.storeB.Len())
	}
	if state := rig.memA.Info(0).State; state != model.MemoryRaw {
		t.Fatalf("slot state = %v after retraction, want RAW", state)
	}
	if len(expiredA) != 1 || expiredA[0].ID != "ac4" {
		t.Fatalf("expire hook saw %v, want ac4", expiredA)
	}
}

func TestCoherenceExpiryFreesSlotAndRegenerates(t *testing.T) {
	rig := newRMRig(rmRigCfg{survival: 1, slots: 1, coherence: 10 * time.Millisecond})
	rig.loadBoth(specReservation("ac5", 1, rmStart, rmStart.Add(time.Second)))

	rig.tl.RunUntil(rmStart.Add(40 * time.Millisecond))

	if st := rig.rmB.Stats(); st.Generated < 2 {
		t.Fatalf("generated = %d, want regeneration after coherence expiry", st.Generated)
	}
}

func TestTakePairMissesWhenAlreadyClaimed(t *testing.T) {
	rig := newRMRig(rmRigCfg{})
	p := model.NewPair(model.PairEnd{Node: "n1", Memory: 0}, model.PairEnd{Node: "n2", Memory: 0})
	if rig.rmA.TakePair(p) {
		t.Fatalf("claimed a pair that was never cached")
	}
	rig.storeA.Add(p)
	if !rig.rmA.TakePair(p) {
		t.Fatalf("failed to claim a cached pair")
	}
	if rig.storeA.Len() != 0 {
		t.Fatalf("claimed pair still cached")
	}
}
