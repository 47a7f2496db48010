// Package resman coordinates a node's entanglement resources. The manager
// owns the rule set and the protocol-instance registry, admits reservations
// hop by hop along their paths, claims RAW memories for generation
// instances, and moves speculative pairs through the cache, purification,
// and the swap shortcut that serves application requests.
package resman

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/qlink-simulator/core"
	"github.com/signalsfoundry/qlink-simulator/internal/epcache"
	"github.com/signalsfoundry/qlink-simulator/internal/link"
	"github.com/signalsfoundry/qlink-simulator/internal/logging"
	"github.com/signalsfoundry/qlink-simulator/internal/qmem"
	"github.com/signalsfoundry/qlink-simulator/internal/sched"
	"github.com/signalsfoundry/qlink-simulator/model"
)

// LinkConfig is the channel geometry of one neighbor hop, wired by the
// network builder before the run starts.
type LinkConfig struct {
	Relay        *link.Relay
	RelayNode    string
	Encoding     core.Encoding
	Resolution   time.Duration
	QCDelay      time.Duration
	CCDelayPeer  time.Duration
	CCDelayRelay time.Duration
	Survival     float64
}

// Deps collects the node facilities the manager coordinates.
type Deps struct {
	Timeline  *core.Timeline
	Log       logging.Logger
	Rand      *rand.Rand
	Memories  *qmem.Manager
	Scheduler *sched.Scheduler
	Store     *epcache.Store
	Send      link.SendFunc
}

// Stats counts manager outcomes since startup.
type Stats struct {
	Generated  uint64 // generation instances that delivered entanglement
	Failed     uint64 // generation instances that gave their slot back
	SwappedIn  uint64 // app slots served through the cache shortcut
	PurifyOK   uint64
	PurifyFail uint64
	Admitted   uint64 // reservations approved end to end (initiator side)
	Rejected   uint64 // admission failures at this node
	Expired    uint64 // reservations retracted at their window end
}

// protocol is the common surface of running link-layer instances.
type protocol interface {
	ID() string
	HandleMessage(src string, msg core.Message)
	Halt()
}

// Manager is the per-node resource coordinator. All methods except Stats
// run on the event-loop goroutine.
type Manager struct {
	node     string
	strategy epcache.Strategy
	purify   bool

	tl       *core.Timeline
	log      logging.Logger
	protoLog logging.Logger
	rng      *rand.Rand
	mem      *qmem.Manager
	sched    *sched.Scheduler
	store    *epcache.Store
	send     link.SendFunc

	links        map[string]LinkConfig
	rules        []*Rule
	protocols    map[string]protocol
	reservations map[string]model.Reservation
	purifyPairs  map[string][2]model.EntanglementPair
	purifySeq    int

	idleHook   func(qmem.MemoryInfo)
	expireHook func(model.Reservation)
	resultHook func(model.Reservation, bool)
	cacheHook  func(model.EntanglementPair)

	statsMu sync.Mutex
	stats   Stats
}

// New wires a manager and installs it as the memory expiry handler.
func New(node string, strategy epcache.Strategy, purify bool, deps Deps) *Manager {
	log := deps.Log
	if log == nil {
		log = logging.Noop()
	}
	m := &Manager{
		node:         node,
		strategy:     strategy,
		purify:       purify,
		tl:           deps.Timeline,
		log:          log.With(logging.String("node", node)),
		protoLog:     log,
		rng:          deps.Rand,
		mem:          deps.Memories,
		sched:        deps.Scheduler,
		store:        deps.Store,
		send:         deps.Send,
		links:        make(map[string]LinkConfig),
		protocols:    make(map[string]protocol),
		reservations: make(map[string]model.Reservation),
		purifyPairs:  make(map[string][2]model.EntanglementPair),
	}
	deps.Memories.SetExpireHandler(m.onMemoryExpired)
	return m
}

// SetLink wires the channel geometry toward one neighbor.
func (m *Manager) SetLink(neighbor string, lc LinkConfig) { m.links[neighbor] = lc }

// SetIdleHook registers the application callback invoked when a memory
// update matches no rule. Applications filter for their own slots.
func (m *Manager) SetIdleHook(fn func(qmem.MemoryInfo)) { m.idleHook = fn }

// SetExpireHook registers the callback invoked after a reservation is
// retracted; the adaptive controller returns quota through it.
func (m *Manager) SetExpireHook(fn func(model.Reservation)) { m.expireHook = fn }

// SetReservationHook registers the initiator-side callback for admission
// outcomes.
func (m *Manager) SetReservationHook(fn func(model.Reservation, bool)) { m.resultHook = fn }

// SetCacheHook registers the callback invoked when a speculative pair
// lands in the cache.
func (m *Manager) SetCacheHook(fn func(model.EntanglementPair)) { m.cacheHook = fn }

// Stats returns a snapshot of the outcome counters.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

func (m *Manager) bump(f *uint64) {
	m.statsMu.Lock()
	*f++
	m.statsMu.Unlock()
}

// HandleProtocolMessage routes classical traffic to the named instance.
// Messages for unknown instances are stale, from a peer whose half already
// finished, and are dropped.
func (m *Manager) HandleProtocolMessage(src string, msg core.Message) {
	id := msg.Receiver().Protocol
	p, ok := m.protocols[id]
	if !ok {
		m.log.Debug(context.Background(), "dropping message for finished instance",
			logging.String("instance", id),
			logging.String("from", src),
		)
		return
	}
	p.HandleMessage(src, msg)
}

// HandleResourceMessage processes resource-layer traffic between peer
// managers.
func (m *Manager) HandleResourceMessage(src string, msg core.Message) {
	switch v := msg.(type) {
	case PurifyNoticeMsg:
		m.onPurifyNotice(src, v)
	default:
		panic(fmt.Sprintf("resman: %s: unhandled resource message %T from %s", m.node, msg, src))
	}
}

// HandleReservationMessage processes admission traffic traversing this
// node.
func (m *Manager) HandleReservationMessage(src string, msg core.Message) {
	switch v := msg.(type) {
	case ReserveRequestMsg:
		m.admit(v.Reservation, v.Assignments)
	case ReserveRespondMsg:
		m.onReserveRespond(v)
	default:
		panic(fmt.Sprintf("resman: %s: unhandled reservation message %T from %s", m.node, msg, src))
	}
}

// SubmitReservation starts admission of a reservation from its initiating
// node. The verdict arrives through the reservation hook once the path has
// answered.
func (m *Manager) SubmitReservation(resv model.Reservation) {
	if len(resv.Path) < 2 || resv.Path[0] != m.node {
		panic(fmt.Sprintf("resman: reservation %s path %v does not start at %s", resv.ID, resv.Path, m.node))
	}
	m.admit(resv, make(map[string][]int))
}

func (m *Manager) admit(resv model.Reservation, assignments map[string][]int) {
	pos := pathPos(resv.Path, m.node)
	if pos < 0 {
		panic(fmt.Sprintf("resman: node %s is not on reservation path %v", m.node, resv.Path))
	}
	last := len(resv.Path) - 1

	demand := resv
	if pos > 0 && pos < last {
		demand.MemorySize *= 2 // one slot set per adjacent hop
	}
	slots, ok := m.sched.Schedule(demand)
	if !ok {
		m.bump(&m.stats.Rejected)
		m.log.Info(context.Background(), "reservation rejected",
			logging.String("reservation", resv.ID),
			logging.Int("size", demand.MemorySize),
		)
		m.conclude(resv, assignments, false, pos)
		return
	}
	assignments[m.node] = slots

	if pos == last {
		m.LoadRules(m.CreateRules(resv.Path, resv, assignments), resv)
		m.conclude(resv, assignments, true, pos)
		return
	}
	m.send(resv.Path[pos+1], ReserveRequestMsg{Reservation: resv, Assignments: assignments})
}

// conclude propagates an admission verdict one step back toward the
// initiator, or delivers it when this node is the initiator.
func (m *Manager) conclude(resv model.Reservation, assignments map[string][]int, approved bool, pos int) {
	if pos == 0 {
		if approved {
			m.bump(&m.stats.Admitted)
		}
		if m.resultHook != nil {
			m.resultHook(resv, approved)
		}
		return
	}
	m.send(resv.Path[pos-1], ReserveRespondMsg{Reservation: resv, Approved: approved, Assignments: assignments})
}

func (m *Manager) onReserveRespond(msg ReserveRespondMsg) {
	resv := msg.Reservation
	pos := pathPos(resv.Path, m.node)
	if pos < 0 {
		panic(fmt.Sprintf("resman: node %s is not on reservation path %v", m.node, resv.Path))
	}
	if msg.Approved {
		m.LoadRules(m.CreateRules(resv.Path, resv, msg.Assignments), resv)
	} else {
		m.sched.Release(resv.ID)
	}
	m.conclude(resv, msg.Assignments, msg.Approved, pos)
}

// LoadRules schedules rule installation at the reservation window's start
// and forced retraction at its end.
func (m *Manager) LoadRules(rules []Rule, resv model.Reservation) {
	m.reservations[resv.ID] = resv
	now := m.tl.Now()
	start := resv.StartTime
	if start.Before(now) {
		start = now
	}
	end := resv.EndTime
	if end.Before(start) {
		end = start
	}
	m.tl.Schedule(start, func() { m.installRules(rules) })
	m.tl.Schedule(end, func() { m.ExpireByReservation(resv.ID) })
}

func (m *Manager) installRules(rules []Rule) {
	if len(rules) == 0 {
		return
	}
	if _, live := m.reservations[rules[0].ReservationID]; !live {
		// retracted before the window opened
		return
	}
	for i := range rules {
		r := rules[i]
		m.rules = append(m.rules, &r)
		m.log.Debug(context.Background(), "rule installed",
			logging.String("rule", r.ID),
			logging.String("remote", r.RemoteNode),
			logging.Int("slots", len(r.Slots)),
		)
	}
	sort.SliceStable(m.rules, func(i, j int) bool {
		if m.rules[i].Priority != m.rules[j].Priority {
			return m.rules[i].Priority < m.rules[j].Priority
		}
		return m.rules[i].ID < m.rules[j].ID
	})
	for i := range rules {
		for _, s := range rules[i].Slots {
			m.evaluateMemory(s)
		}
	}
}

// evaluateMemory offers the memory to the rule set in priority order; the
// first matching rule claims it. With no match the application hook sees
// the update.
func (m *Manager) evaluateMemory(i int) {
	info := m.mem.Info(i)
	for _, r := range m.rules {
		if r.matches(info) {
			m.fire(r, i)
			return
		}
	}
	if m.idleHook != nil {
		m.idleHook(info)
	}
}

func (m *Manager) fire(r *Rule, slot int) {
	k := r.slotIndex(slot)
	lc, ok := m.links[r.RemoteNode]
	if !ok {
		panic(fmt.Sprintf("resman: %s has no link wired toward %s", m.node, r.RemoteNode))
	}
	id := instanceID(r.ReservationID, m.node, r.RemoteNode, k)
	m.mem.Occupy(slot)
	g := link.NewGeneration(link.GenerationConfig{
		Instance:      id,
		LocalNode:     m.node,
		RemoteNode:    r.RemoteNode,
		RelayNode:     lc.RelayNode,
		Memory:        slot,
		RemoteMemory:  r.RemoteSlots[k],
		ReservationID: r.ReservationID,
		FromApp:       r.FromApp,
		Encoding:      lc.Encoding,
		Resolution:    lc.Resolution,
		QCDelay:       lc.QCDelay,
		CCDelayPeer:   lc.CCDelayPeer,
		CCDelayRelay:  lc.CCDelayRelay,
		Survival:      lc.Survival,
	}, link.Deps{
		Timeline: m.tl,
		Log:      m.protoLog,
		Rand:     m.rng,
		Memories: m.mem,
		Relay:    lc.Relay,
		Send:     m.send,
		Reporter: m,
		Pairs:    m,
	})
	m.protocols[id] = g
	g.Start()
}

// ProtocolFinished implements link.Reporter. The slot's new state re-enters
// rule evaluation, so a failed instance restarts while its window lasts.
func (m *Manager) ProtocolFinished(g *link.Generation, state model.MemoryState) {
	delete(m.protocols, g.ID())
	if state == model.MemoryEntangled {
		m.bump(&m.stats.Generated)
		m.onEntangled(g)
	} else {
		m.bump(&m.stats.Failed)
	}
	m.evaluateMemory(g.Memory())
}

// SwapFinished implements link.Reporter for the cache shortcut: the app
// slot inherited a cached pair and the donor slot went back to RAW.
func (m *Manager) SwapFinished(g *link.Generation, donor int) {
	delete(m.protocols, g.ID())
	m.bump(&m.stats.SwappedIn)
	m.evaluateMemory(g.Memory())
	m.evaluateMemory(donor)
}

// onEntangled shelves a speculative pair and, when a second pair spans the
// same hop, merges the two through purification. The greater node name
// initiates so exactly one side announces the round.
func (m *Manager) onEntangled(g *link.Generation) {
	if g.FromApp() {
		return
	}
	local := model.PairEnd{Node: m.node, Memory: g.Memory()}
	remote := model.PairEnd{Node: g.RemoteNode(), Memory: g.RemoteMemory()}
	pair := model.NewPair(local, remote)
	m.store.Add(pair)
	if m.cacheHook != nil {
		m.cacheHook(pair)
	}
	if m.purify && m.node > g.RemoteNode() {
		if other, ok := m.store.Another(pair); ok {
			kept, meas := pair, other
			if m.localFidelity(meas) > m.localFidelity(kept) {
				kept, meas = meas, kept
			}
			m.startPurify(kept, meas, g.RemoteNode())
		}
	}
}

func (m *Manager) localFidelity(p model.EntanglementPair) float64 {
	end, ok := p.EndAt(m.node)
	if !ok {
		panic(fmt.Sprintf("resman: pair %s has no end at %s", p, m.node))
	}
	return m.mem.FidelityNow(end.Memory)
}

// MatchPair implements link.PairSource using the node's match strategy.
func (m *Manager) MatchPair(remote string) (model.EntanglementPair, bool) {
	return m.store.Match(m.node, remote, m.strategy, m.rng, m.mem.FidelityNow)
}

// TakePair implements link.PairSource. A miss means another reservation
// claimed the pair while the peer's notice was in flight.
func (m *Manager) TakePair(p model.EntanglementPair) bool {
	if !m.store.Has(p) {
		return false
	}
	m.store.Remove(p)
	return true
}

func (m *Manager) startPurify(kept, meas model.EntanglementPair, remote string) {
	m.purifySeq++
	id := fmt.Sprintf("purify.%s.%d", m.node, m.purifySeq)
	m.store.Remove(kept)
	m.store.Remove(meas)
	keptEnd, _ := kept.EndAt(m.node)
	measEnd, _ := meas.EndAt(m.node)
	m.send(remote, PurifyNoticeMsg{Instance: id, Kept: kept, Meas: meas})
	p := link.NewPurification(link.PurificationConfig{
		Instance:   id,
		LocalNode:  m.node,
		RemoteNode: remote,
		KeptMemory: keptEnd.Memory,
		MeasMemory: measEnd.Memory,
	}, m.linkDeps(), m)
	m.purifyPairs[id] = [2]model.EntanglementPair{kept, meas}
	m.protocols[id] = p
	m.log.Debug(context.Background(), "purification started",
		logging.String("instance", id),
		logging.String("kept", kept.String()),
		logging.String("meas", meas.String()),
	)
	p.Start()
}

func (m *Manager) onPurifyNotice(src string, msg PurifyNoticeMsg) {
	keptEnd, ok := msg.Kept.EndAt(m.node)
	if !ok {
		panic(fmt.Sprintf("resman: %s: purify notice for foreign pair %s", m.node, msg.Kept))
	}
	measEnd, ok := msg.Meas.EndAt(m.node)
	if !ok {
		panic(fmt.Sprintf("resman: %s: purify notice for foreign pair %s", m.node, msg.Meas))
	}
	m.store.Drop(msg.Kept)
	m.store.Drop(msg.Meas)
	p := link.NewPurification(link.PurificationConfig{
		Instance:   msg.Instance,
		LocalNode:  m.node,
		RemoteNode: src,
		KeptMemory: keptEnd.Memory,
		MeasMemory: measEnd.Memory,
	}, m.linkDeps(), m)
	m.purifyPairs[msg.Instance] = [2]model.EntanglementPair{msg.Kept, msg.Meas}
	m.protocols[msg.Instance] = p
	p.Start()
}

func (m *Manager) linkDeps() link.Deps {
	return link.Deps{
		Timeline: m.tl,
		Log:      m.protoLog,
		Rand:     m.rng,
		Memories: m.mem,
		Send:     m.send,
	}
}

// PurifyFinished implements link.PurifyReporter. Success shelves the kept
// pair at its raised fidelity; failure frees both slots for regeneration;
// an abort reshelves whichever half still holds its entanglement.
func (m *Manager) PurifyFinished(p *link.Purification, outcome link.PurifyOutcome) {
	delete(m.protocols, p.ID())
	pairs, ok := m.purifyPairs[p.ID()]
	if !ok {
		panic(fmt.Sprintf("resman: %s: unknown purification %s", m.node, p.ID()))
	}
	delete(m.purifyPairs, p.ID())
	kept, meas := pairs[0], pairs[1]

	switch outcome {
	case link.PurifyOK:
		m.bump(&m.stats.PurifyOK)
		m.store.Add(kept)
		m.evaluateMemory(p.MeasMemory())
	case link.PurifyFail:
		m.bump(&m.stats.PurifyFail)
		m.evaluateMemory(p.KeptMemory())
		m.evaluateMemory(p.MeasMemory())
	case link.PurifyAborted:
		if m.pairHeld(kept) {
			m.store.Add(kept)
		}
		if m.pairHeld(meas) {
			m.store.Add(meas)
		}
	}
}

// pairHeld reports whether the local slot named by the pair still records
// exactly this entanglement.
func (m *Manager) pairHeld(pair model.EntanglementPair) bool {
	end, ok := pair.EndAt(m.node)
	if !ok {
		return false
	}
	far, _ := pair.Peer(m.node)
	info := m.mem.Info(end.Memory)
	return info.State == model.MemoryEntangled &&
		info.RemoteNode == far.Node && info.RemoteMemory == far.Memory
}

// ReleaseMemory returns a consumed slot to RAW and re-runs rule evaluation
// for it. Applications call this after accounting a delivered pair.
func (m *Manager) ReleaseMemory(i int) {
	m.mem.Release(i)
	m.evaluateMemory(i)
}

// ExpireByReservation force-retracts a reservation: its rules go, its
// instances halt, its slots return to RAW, its unconsumed cached pairs are
// dropped, and its timecards are released.
func (m *Manager) ExpireByReservation(id string) {
	resv, ok := m.reservations[id]
	if !ok {
		m.log.Warn(context.Background(), "expiry for unknown reservation",
			logging.String("reservation", id),
		)
		return
	}
	delete(m.reservations, id)

	kept := m.rules[:0]
	for _, r := range m.rules {
		if r.ReservationID == id {
			m.log.Debug(context.Background(), "rule retracted", logging.String("rule", r.ID))
			continue
		}
		kept = append(kept, r)
	}
	m.rules = kept

	slots, has := m.sched.SlotsFor(id)
	dead := make(map[int]bool, len(slots))
	for _, s := range slots {
		dead[s] = true
	}

	var gens []string
	for iid, pp := range m.protocols {
		g, isGen := pp.(*link.Generation)
		if isGen && g.ReservationID() == id {
			gens = append(gens, iid)
		}
	}
	sort.Strings(gens)
	for _, iid := range gens {
		p := m.protocols[iid]
		delete(m.protocols, iid)
		p.Halt()
	}

	m.haltPurifyTouching(dead)

	if has {
		for _, s := range slots {
			info := m.mem.Info(s)
			if info.State == model.MemoryEntangled {
				if pair, found := m.store.DropByEnd(model.PairEnd{Node: m.node, Memory: s}); found {
					m.log.Debug(context.Background(), "cached pair dropped at expiry",
						logging.String("pair", pair.String()),
					)
				}
			}
			if info.State != model.MemoryRaw {
				m.mem.Release(s)
			}
		}
	}

	m.sched.Release(id)
	m.bump(&m.stats.Expired)
	m.log.Info(context.Background(), "reservation retracted", logging.String("reservation", id))
	if m.expireHook != nil {
		m.expireHook(resv)
	}

	// freed slots may serve other live reservations
	if has {
		for _, s := range slots {
			m.evaluateMemory(s)
		}
	}
}

// haltPurifyTouching aborts in-flight purifications using any of the dying
// slots and reshelves their halves that survive elsewhere.
func (m *Manager) haltPurifyTouching(dead map[int]bool) {
	var ids []string
	for id, pp := range m.protocols {
		p, isPurify := pp.(*link.Purification)
		if !isPurify {
			continue
		}
		if dead[p.KeptMemory()] || dead[p.MeasMemory()] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := m.protocols[id].(*link.Purification)
		delete(m.protocols, id)
		p.Halt()
		pairs := m.purifyPairs[id]
		delete(m.purifyPairs, id)
		for _, pair := range pairs {
			end, ok := pair.EndAt(m.node)
			if ok && !dead[end.Memory] && m.pairHeld(pair) {
				m.store.Add(pair)
			}
		}
		m.log.Debug(context.Background(), "purification aborted by expiry",
			logging.String("instance", id),
		)
	}
}

// onMemoryExpired is the coherence-expiry hook: the slot still holds its
// decayed entanglement when called.
func (m *Manager) onMemoryExpired(i int) {
	m.haltPurifyTouching(map[int]bool{i: true})
	if pair, ok := m.store.DropByEnd(model.PairEnd{Node: m.node, Memory: i}); ok {
		m.log.Debug(context.Background(), "cached pair expired",
			logging.String("pair", pair.String()),
		)
	}
	m.mem.Release(i)
	m.evaluateMemory(i)
}

func pathPos(path []string, node string) int {
	for i, n := range path {
		if n == node {
			return i
		}
	}
	return -1
}
