// Package link implements the pairwise entanglement-generation handshake:
// negotiation of a shared emission window through a measurement relay,
// per-round herald scoring for both encodings, and the cached-pair shortcut
// that swaps a speculative pair into a reservation instead of generating a
// fresh one.
package link

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/signalsfoundry/qlink-simulator/core"
	"github.com/signalsfoundry/qlink-simulator/internal/epcache"
	"github.com/signalsfoundry/qlink-simulator/internal/logging"
	"github.com/signalsfoundry/qlink-simulator/internal/qmem"
	"github.com/signalsfoundry/qlink-simulator/model"
)

// heraldSlack pads the round wakeup past the herald's scheduled delivery,
// so same-instant heralds are always scored before the round closes.
const heraldSlack = 10 * time.Nanosecond

// SendFunc forwards a classical message to the named node.
type SendFunc func(dst string, msg core.Message)

// Reporter is the resource-manager surface protocol instances report
// outcomes through.
type Reporter interface {
	// ProtocolFinished reports that the instance resolved and its slot
	// reached the given state: ENTANGLED on success, RAW on failure.
	ProtocolFinished(g *Generation, state model.MemoryState)
	// SwapFinished reports a committed correlated swap: the instance's slot
	// inherited the cached entanglement and the donor slot returned to RAW.
	SwapFinished(g *Generation, donor int)
}

// PairSource is the cached-pair view the shortcut consults. Implemented by
// the resource manager over the node's pair store.
type PairSource interface {
	// MatchPair claims the best cached pair with the remote node according
	// to the node's match strategy, removing it from the store.
	MatchPair(remote string) (model.EntanglementPair, bool)
	// TakePair claims the exact pair a peer announced. It returns false
	// when the pair has already been claimed by another reservation.
	TakePair(p model.EntanglementPair) bool
}

// GenerationConfig fixes one instance's identity and channel geometry.
// Both sides of a reservation derive identical instance names, so the
// classical messages route themselves without a pairing handshake.
type GenerationConfig struct {
	Instance      string
	LocalNode     string
	RemoteNode    string
	RelayNode     string
	Memory        int
	RemoteMemory  int
	ReservationID string
	// FromApp marks instances serving an on-demand reservation; only those
	// consult the pair cache before generating.
	FromApp    bool
	Encoding   core.Encoding
	Resolution time.Duration
	// QCDelay is the photon flight time over the local fibre to the relay.
	QCDelay time.Duration
	// CCDelayPeer and CCDelayRelay are the classical one-way delays to the
	// remote router and to the relay.
	CCDelayPeer  time.Duration
	CCDelayRelay time.Duration
	// Survival is the probability an excited emission produces a photon
	// that reaches the relay.
	Survival float64
}

// Deps collects the node facilities an instance runs against.
type Deps struct {
	Timeline *core.Timeline
	Log      logging.Logger
	Rand     *rand.Rand
	Memories *qmem.Manager
	Relay    *Relay
	Send     SendFunc
	Reporter Reporter
	Pairs    PairSource
}

// Generation drives one side of the entanglement-generation handshake for
// a single memory slot. The side with the greater node name initiates each
// round; the other side answers negotiations and otherwise waits. All
// methods run on the event-loop goroutine.
type Generation struct {
	cfg GenerationConfig

	tl       *core.Timeline
	log      logging.Logger
	rng      *rand.Rand
	mem      *qmem.Manager
	relay    *Relay
	send     SendFunc
	reporter Reporter
	pairs    PairSource

	primary     bool
	round       int
	negotiating bool
	expected    time.Time
	roundHits   [2]int // barrett_kok: valid heralds per round
	roundDet    [2]int // barrett_kok: detector of the first valid herald
	detHits     [2]int // single_heralded: valid heralds per detector
	events      []core.EventID
	done        bool
}

// NewGeneration builds an instance; Start begins the first round.
func NewGeneration(cfg GenerationConfig, deps Deps) *Generation {
	log := deps.Log
	if log == nil {
		log = logging.Noop()
	}
	return &Generation{
		cfg:      cfg,
		tl:       deps.Timeline,
		log:      log.With(logging.String("instance", cfg.Instance), logging.String("node", cfg.LocalNode)),
		rng:      deps.Rand,
		mem:      deps.Memories,
		relay:    deps.Relay,
		send:     deps.Send,
		reporter: deps.Reporter,
		pairs:    deps.Pairs,
		primary:  cfg.LocalNode > cfg.RemoteNode,
	}
}

func (g *Generation) ID() string            { return g.cfg.Instance }
func (g *Generation) Memory() int           { return g.cfg.Memory }
func (g *Generation) RemoteNode() string    { return g.cfg.RemoteNode }
func (g *Generation) RemoteMemory() int     { return g.cfg.RemoteMemory }
func (g *Generation) ReservationID() string { return g.cfg.ReservationID }
func (g *Generation) FromApp() bool         { return g.cfg.FromApp }
func (g *Generation) Primary() bool         { return g.primary }
func (g *Generation) Done() bool            { return g.done }

// Start runs one protocol round. The first call opens the handshake; the
// post-window wakeup re-enters it for the second barrett_kok round.
func (g *Generation) Start() {
	if g.done {
		return
	}
	if !g.step() {
		return
	}
	if !g.primary {
		return
	}
	if g.cfg.FromApp && g.round == 1 && g.pairs != nil {
		if pair, ok := g.pairs.MatchPair(g.cfg.RemoteNode); ok {
			g.consumeCached(pair)
			return
		}
	}
	g.negotiate()
}

// step advances the round counter and scores the window that just closed.
// It returns false once the protocol has resolved either way.
func (g *Generation) step() bool {
	g.round++
	if g.cfg.Encoding == core.EncodingBarrettKok {
		switch g.round {
		case 1:
			return true
		case 2:
			if g.roundHits[0] != 1 {
				g.fail("no unambiguous herald in round 1")
				return false
			}
			g.log.Debug(context.Background(), "round 1 heralded, flipping memory for round 2",
				logging.Int("detector", g.roundDet[0]),
			)
			return true
		default:
			if g.roundHits[1] != 1 {
				g.fail("no unambiguous herald in round 2")
				return false
			}
			g.succeed()
			return false
		}
	}
	if g.round == 1 {
		return true
	}
	if g.detHits[0] >= 1 && g.detHits[1] >= 1 {
		g.succeed()
		return false
	}
	g.fail("missing herald on one or both detectors")
	return false
}

func (g *Generation) negotiate() {
	slot := g.mem.Slot(g.cfg.Memory)
	g.negotiating = true
	g.send(g.cfg.RemoteNode, NegotiateMsg{
		Instance:  g.cfg.Instance,
		Round:     g.round,
		QCDelay:   g.cfg.QCDelay,
		Frequency: slot.FrequencyHz,
	})
}

// HandleMessage dispatches a classical message addressed to this instance.
func (g *Generation) HandleMessage(src string, msg core.Message) {
	if g.done {
		return
	}
	switch m := msg.(type) {
	case NegotiateMsg:
		g.onNegotiate(src, m)
	case NegotiateAckMsg:
		g.onNegotiateAck(m)
	case MeasResultMsg:
		g.onMeasResult(src, m)
	case PairNoticeMsg:
		g.onPairNotice(m)
	default:
		panic(fmt.Sprintf("link: %s: unhandled message %T", g.cfg.Instance, msg))
	}
}

func (g *Generation) onNegotiate(src string, m NegotiateMsg) {
	if g.primary {
		g.log.Warn(context.Background(), "negotiation received by initiating side, dropped")
		return
	}
	switch {
	case m.Round == 1 && (g.round != 1 || len(g.events) > 0):
		// The peer restarted after a failed attempt while this side of that
		// attempt was still winding down. The fresh negotiation supersedes
		// whatever the doomed attempt left behind.
		g.log.Debug(context.Background(), "restarting on fresh negotiation",
			logging.Int("round", g.round),
		)
		g.reset()
	case m.Round == g.round+1:
		// The peer scored the previous window before this side's wakeup.
		// Score it now; heralds are symmetric, so the verdict matches.
		g.cancelEvents()
		if !g.step() {
			return
		}
	case m.Round != g.round:
		g.log.Warn(context.Background(), "negotiation round mismatch, dropped",
			logging.Int("have", g.round),
			logging.Int("want", m.Round),
		)
		return
	}

	now := g.tl.Now()
	slot := g.mem.Slot(g.cfg.Memory)
	if m.Frequency != slot.FrequencyHz {
		// Incommensurate excitation grids cannot hit a shared instant; the
		// attempt proceeds but will rarely herald.
		g.log.Warn(context.Background(), "excitation frequency mismatch with peer",
			logging.Float64("local", slot.FrequencyHz),
			logging.Float64("peer", m.Frequency),
		)
	}
	totalQC := g.cfg.QCDelay
	if m.QCDelay > totalQC {
		totalQC = m.QCDelay
	}

	// Earliest usable emission: the photon with the longer fibre must be
	// able to meet ours at the relay, and the ack must reach the peer
	// before its own emission time.
	minTime := laterOf(now, slot.NextExcite).Add(totalQC - g.cfg.QCDelay + g.cfg.CCDelayPeer)
	emitTime := slot.QuantiseEmit(minTime)
	g.expected = emitTime.Add(g.cfg.QCDelay)

	g.schedule(emitTime, g.emit)
	g.scheduleAdvance()

	peerEmit := emitTime.Add(g.cfg.QCDelay - m.QCDelay)
	g.send(src, NegotiateAckMsg{Instance: g.cfg.Instance, Round: g.round, EmitTime: peerEmit})
	g.log.Debug(context.Background(), "negotiated emission window",
		logging.Int("round", g.round),
		logging.Time("emit", emitTime),
		logging.Time("expected", g.expected),
	)
}

func (g *Generation) onNegotiateAck(m NegotiateAckMsg) {
	if !g.negotiating || m.Round != g.round {
		g.log.Debug(context.Background(), "stale negotiation ack, dropped",
			logging.Int("round", m.Round),
		)
		return
	}
	g.negotiating = false

	emitTime := laterOf(g.tl.Now(), m.EmitTime)
	g.expected = emitTime.Add(g.cfg.QCDelay)
	g.schedule(emitTime, g.emit)
	g.scheduleAdvance()
}

// emit excites the memory at the negotiated time. The photon survives the
// fibre with the configured probability; a surviving photon becomes a
// relay trigger one flight time later.
func (g *Generation) emit() {
	if g.done {
		return
	}
	now := g.tl.Now()
	slot := g.mem.Slot(g.cfg.Memory)
	slot.NextExcite = now.Add(slot.ExcitePeriod())

	p := g.cfg.Survival
	if g.cfg.Encoding == core.EncodingBarrettKok {
		// Plus-state preparation puts a photon in the channel on only half
		// the amplitude.
		p *= 0.5
	}
	if g.rng.Float64() >= p {
		g.log.Debug(context.Background(), "emission lost in fibre",
			logging.Int("round", g.round),
		)
		return
	}

	relay, instance, from := g.relay, g.cfg.Instance, g.cfg.LocalNode
	g.schedule(now.Add(g.cfg.QCDelay), func() {
		relay.Photon(instance, from)
	})
}

func (g *Generation) onMeasResult(src string, m MeasResultMsg) {
	if src != g.cfg.RelayNode {
		g.log.Warn(context.Background(), "herald from unexpected relay, dropped",
			logging.String("src", src),
		)
		return
	}
	if g.expected.IsZero() || !g.validTrigger(m.Timestamp, m.Resolution) {
		g.log.Debug(context.Background(), "herald outside expected window, dropped",
			logging.Time("timestamp", m.Timestamp),
		)
		return
	}
	if g.cfg.Encoding == core.EncodingBarrettKok {
		idx := g.round - 1
		g.roundHits[idx]++
		if g.roundHits[idx] == 1 {
			g.roundDet[idx] = m.Detector
		}
		return
	}
	g.detHits[m.Detector]++
}

func (g *Generation) validTrigger(ts time.Time, res time.Duration) bool {
	d := ts.Sub(g.expected)
	if d < 0 {
		d = -d
	}
	return d <= res/2
}

// advance fires once the herald window for the current round has fully
// closed on this side.
func (g *Generation) advance() {
	if g.done {
		return
	}
	g.expected = time.Time{}
	if g.cfg.Encoding == core.EncodingBarrettKok && g.round == 1 {
		g.Start()
		return
	}
	g.step()
}

func (g *Generation) scheduleAdvance() {
	g.schedule(g.expected.Add(g.cfg.CCDelayRelay+heraldSlack), g.advance)
}

func (g *Generation) succeed() {
	slot := g.mem.Slot(g.cfg.Memory)
	bds := qmem.SuccessBDS(slot.RawFidelity, slot.ErrorWeights)

	if g.cfg.Encoding == core.EncodingBarrettKok {
		// The initiator undoes its second-round flip; the other side owes a
		// phase flip when the two rounds heralded on different detectors.
		op := "X"
		if !g.primary {
			op = "none"
			if g.roundDet[0] != g.roundDet[1] {
				op = "Z"
			}
		}
		g.log.Debug(context.Background(), "applying local correction",
			logging.String("op", op),
		)
	}

	g.mem.Entangle(g.cfg.Memory, model.PairEnd{Node: g.cfg.RemoteNode, Memory: g.cfg.RemoteMemory}, bds)
	g.log.Info(context.Background(), "entanglement established",
		logging.Int("memory", g.cfg.Memory),
		logging.String("peer", g.cfg.RemoteNode),
		logging.Float64("fidelity", qmem.FidelityOf(bds)),
	)
	g.finish(model.MemoryEntangled)
}

func (g *Generation) fail(reason string) {
	g.log.Debug(context.Background(), "generation attempt failed",
		logging.String("reason", reason),
	)
	g.mem.Release(g.cfg.Memory)
	g.finish(model.MemoryRaw)
}

func (g *Generation) finish(state model.MemoryState) {
	g.done = true
	g.cancelEvents()
	g.reporter.ProtocolFinished(g, state)
}

// consumeCached commits this side to the shortcut: announce the claimed
// pair, then swap it in after the notice has had time to land, so both
// sides commit at the same instant.
func (g *Generation) consumeCached(pair model.EntanglementPair) {
	g.log.Info(context.Background(), "matched cached pair, skipping generation",
		logging.String("pair", pair.String()),
	)
	g.send(g.cfg.RemoteNode, PairNoticeMsg{Instance: g.cfg.Instance, Pair: pair})
	g.schedule(g.tl.Now().Add(g.cfg.CCDelayPeer), func() {
		g.finishSwap(pair, true)
	})
}

func (g *Generation) onPairNotice(m PairNoticeMsg) {
	if g.primary {
		g.log.Warn(context.Background(), "pair notice received by initiating side, dropped")
		return
	}
	g.finishSwap(m.Pair, false)
}

// finishSwap commits the correlated swap on this side. claimed says this
// side already removed the pair from its store when matching.
func (g *Generation) finishSwap(pair model.EntanglementPair, claimed bool) {
	outcome, donor := g.trySwap(pair, claimed)
	switch outcome {
	case epcache.SwapOK:
		g.log.Info(context.Background(), "cached pair swapped into reservation",
			logging.String("pair", pair.String()),
			logging.Int("donor", donor),
			logging.Int("memory", g.cfg.Memory),
		)
		g.reporter.SwapFinished(g, donor)
	case epcache.SwapStaleTarget:
		g.log.Warn(context.Background(), "cached pair gone stale before swap, releasing slot",
			logging.String("pair", pair.String()),
		)
		g.mem.Release(g.cfg.Memory)
		g.finish(model.MemoryRaw)
	case epcache.SwapNotInstalled:
		g.log.Warn(context.Background(), "swap fired on a finished instance, dropped",
			logging.String("pair", pair.String()),
		)
	}
}

func (g *Generation) trySwap(pair model.EntanglementPair, claimed bool) (epcache.SwapOutcome, int) {
	if g.done {
		return epcache.SwapNotInstalled, -1
	}
	end, ok := pair.EndAt(g.cfg.LocalNode)
	if !ok {
		panic(fmt.Sprintf("link: %s: pair %v has no end at %s", g.cfg.Instance, pair, g.cfg.LocalNode))
	}
	donor := end.Memory
	info := g.mem.Info(donor)
	if info.State != model.MemoryEntangled || info.RemoteNode != g.cfg.RemoteNode {
		return epcache.SwapStaleTarget, donor
	}
	if !claimed && !g.pairs.TakePair(pair) {
		return epcache.SwapStaleTarget, donor
	}

	g.mem.Exchange(g.cfg.Memory, donor)
	g.mem.Repoint(g.cfg.Memory, model.PairEnd{Node: g.cfg.RemoteNode, Memory: g.cfg.RemoteMemory})
	g.done = true
	g.cancelEvents()
	return epcache.SwapOK, donor
}

// Halt cancels pending work when the owning rule is retracted. The slot's
// fate stays with the caller: retraction owns the memory cleanup.
func (g *Generation) Halt() {
	if g.done {
		return
	}
	g.done = true
	g.cancelEvents()
}

func (g *Generation) schedule(at time.Time, f func()) {
	g.events = append(g.events, g.tl.Schedule(at, f))
}

func (g *Generation) cancelEvents() {
	for _, id := range g.events {
		g.tl.Cancel(id)
	}
	g.events = g.events[:0]
}

// reset returns the instance to the fresh waiting state after the peer
// abandoned an attempt mid-flight.
func (g *Generation) reset() {
	g.cancelEvents()
	g.round = 1
	g.negotiating = false
	g.expected = time.Time{}
	g.roundHits = [2]int{}
	g.roundDet = [2]int{}
	g.detHits = [2]int{}
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
