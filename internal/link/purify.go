package link

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/signalsfoundry/qlink-simulator/core"
	"github.com/signalsfoundry/qlink-simulator/internal/logging"
	"github.com/signalsfoundry/qlink-simulator/internal/qmem"
	"github.com/signalsfoundry/qlink-simulator/model"
)

// PurifyOutcome reports how a purification instance ended.
type PurifyOutcome int

const (
	// PurifyOK: parity matched, the kept pair survived with raised fidelity.
	PurifyOK PurifyOutcome = iota
	// PurifyFail: parity differed, both pairs are gone.
	PurifyFail
	// PurifyAborted: a memory lost its entanglement before the round ran.
	PurifyAborted
)

func (o PurifyOutcome) String() string {
	switch o {
	case PurifyOK:
		return "ok"
	case PurifyFail:
		return "fail"
	case PurifyAborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// PurifyReporter receives purification outcomes. Implemented by the
// resource manager.
type PurifyReporter interface {
	PurifyFinished(p *Purification, outcome PurifyOutcome)
}

// PurificationConfig fixes one instance's identity and the two local slots
// it operates on.
type PurificationConfig struct {
	Instance   string
	LocalNode  string
	RemoteNode string
	// KeptMemory holds the pair that survives a successful round;
	// MeasMemory holds the pair sacrificed to it.
	KeptMemory int
	MeasMemory int
}

// Purification runs one entanglement-purification round between two cached
// pairs connecting the same node pair. Each side measures its half of the
// sacrificed pair and exchanges the parity outcome; equal outcomes keep
// the target pair at the purified fidelity.
//
// The measurement itself is simulated with a correlated coin flip: each
// side draws 1 with probability p1 = (1 + sqrt(2q-1))/2, which makes the
// two independent draws agree with exactly the success probability q.
type Purification struct {
	cfg PurificationConfig

	tl       *core.Timeline
	log      logging.Logger
	rng      *rand.Rand
	mem      *qmem.Manager
	send     SendFunc
	reporter PurifyReporter

	success float64
	output  float64
	myRes   int
	peerRes int
	done    bool
}

// NewPurification builds an instance; Start runs the local round.
func NewPurification(cfg PurificationConfig, deps Deps, reporter PurifyReporter) *Purification {
	log := deps.Log
	if log == nil {
		log = logging.Noop()
	}
	return &Purification{
		cfg:      cfg,
		tl:       deps.Timeline,
		log:      log.With(logging.String("instance", cfg.Instance), logging.String("node", cfg.LocalNode)),
		rng:      deps.Rand,
		mem:      deps.Memories,
		send:     deps.Send,
		reporter: reporter,
		myRes:    -1,
		peerRes:  -1,
	}
}

func (p *Purification) ID() string         { return p.cfg.Instance }
func (p *Purification) KeptMemory() int    { return p.cfg.KeptMemory }
func (p *Purification) MeasMemory() int    { return p.cfg.MeasMemory }
func (p *Purification) RemoteNode() string { return p.cfg.RemoteNode }
func (p *Purification) Done() bool         { return p.done }

// Start folds holding decay into both slots, draws the local parity
// outcome, and sends it to the peer.
func (p *Purification) Start() {
	if p.done {
		return
	}
	if !p.entangledWithPeer(p.cfg.KeptMemory) || !p.entangledWithPeer(p.cfg.MeasMemory) {
		p.log.Warn(context.Background(), "purification target lost entanglement before start",
			logging.Int("kept", p.cfg.KeptMemory),
			logging.Int("meas", p.cfg.MeasMemory),
		)
		p.done = true
		p.reporter.PurifyFinished(p, PurifyAborted)
		return
	}

	p.mem.RefreshDecoherence(p.cfg.KeptMemory)
	p.mem.RefreshDecoherence(p.cfg.MeasMemory)
	fk := p.mem.Slot(p.cfg.KeptMemory).Fidelity
	fm := p.mem.Slot(p.cfg.MeasMemory).Fidelity
	p.success = qmem.PurifySuccessProb(fk, fm)
	p.output = qmem.PurifyOutputFidelity(fk, fm)

	disc := 2*p.success - 1
	if disc < 0 {
		disc = 0
	}
	p1 := (1 + math.Sqrt(disc)) / 2
	p.myRes = 0
	if p.rng.Float64() < p1 {
		p.myRes = 1
	}

	p.log.Debug(context.Background(), "purification round started",
		logging.Float64("kept_fidelity", fk),
		logging.Float64("meas_fidelity", fm),
		logging.Float64("success_prob", p.success),
		logging.Int("result", p.myRes),
	)
	p.send(p.cfg.RemoteNode, PurifyResultMsg{Instance: p.cfg.Instance, Result: p.myRes})
	p.maybeResolve()
}

// HandleMessage dispatches a classical message addressed to this instance.
func (p *Purification) HandleMessage(_ string, msg core.Message) {
	if p.done {
		return
	}
	m, ok := msg.(PurifyResultMsg)
	if !ok {
		panic(fmt.Sprintf("link: %s: unhandled message %T", p.cfg.Instance, msg))
	}
	p.peerRes = m.Result
	p.maybeResolve()
}

func (p *Purification) maybeResolve() {
	if p.done || p.myRes < 0 || p.peerRes < 0 {
		return
	}
	p.done = true

	// The sacrificed half is measured out regardless of the verdict.
	p.mem.Release(p.cfg.MeasMemory)

	if p.myRes == p.peerRes {
		slot := p.mem.Slot(p.cfg.KeptMemory)
		p.mem.UpdateHeldState(p.cfg.KeptMemory, qmem.SuccessBDS(p.output, slot.ErrorWeights))
		p.log.Info(context.Background(), "purification succeeded",
			logging.Int("kept", p.cfg.KeptMemory),
			logging.Float64("fidelity", p.output),
		)
		p.reporter.PurifyFinished(p, PurifyOK)
		return
	}

	p.mem.Release(p.cfg.KeptMemory)
	p.log.Info(context.Background(), "purification failed, both pairs discarded",
		logging.Int("kept", p.cfg.KeptMemory),
		logging.Int("meas", p.cfg.MeasMemory),
	)
	p.reporter.PurifyFinished(p, PurifyFail)
}

func (p *Purification) entangledWithPeer(i int) bool {
	info := p.mem.Info(i)
	return info.State == model.MemoryEntangled && info.RemoteNode == p.cfg.RemoteNode
}

// Halt abandons the instance when its reservation is retracted.
func (p *Purification) Halt() {
	if p.done {
		return
	}
	p.done = true
}
