// Package adaptive runs the per-node controller that keeps entangled
// pairs stocked ahead of demand. Each controller cycle draws a neighbor
// from a probability table, books a short speculative reservation with
// it over classical messaging, and lets the resource layer generate into
// the pair cache. A periodic adaptation pass shifts the table's weight
// toward neighbors that sat on recently served request paths.
package adaptive

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/qlink-simulator/core"
	"github.com/signalsfoundry/qlink-simulator/internal/link"
	"github.com/signalsfoundry/qlink-simulator/internal/logging"
	"github.com/signalsfoundry/qlink-simulator/internal/resman"
	"github.com/signalsfoundry/qlink-simulator/internal/sched"
	"github.com/signalsfoundry/qlink-simulator/model"
)

const (
	// cycleBackoff bounds the random pause after a cycle that did not
	// send a request: quota exhausted, idle draw, or local admission
	// failure.
	cycleBackoff = time.Millisecond
	// respondBackoff bounds the random pause after the neighbor's
	// answer arrives.
	respondBackoff = 3 * time.Millisecond

	// speculativeWindow is how long each speculative reservation holds
	// its memories.
	speculativeWindow = time.Second
	// speculativeFidelity is the threshold written into speculative
	// reservations.
	speculativeFidelity = 0.9

	defaultDelta         = 0.1
	defaultAdaptInterval = 250 * time.Millisecond
)

// Config carries the per-node controller knobs.
type Config struct {
	Node      string
	Neighbors []string
	// CCDelay gives the one-way classical delay to each neighbor; the
	// reservation window starts one round trip in the future so the
	// request and answer land before it opens.
	CCDelay map[string]time.Duration

	// MaxMemory caps concurrent speculative reservations this node
	// takes part in. Zero disables the cycle loop entirely.
	MaxMemory int
	// UpdateProb is the chance each adaptation pass actually applies
	// its weight shift.
	UpdateProb float64
	// Delta is the raw weight increment before renormalizing. Zero
	// selects the default.
	Delta float64
	// AdaptInterval is the fixed period between adaptation passes.
	// Zero selects the default.
	AdaptInterval time.Duration
	// Window overrides the speculative reservation duration. Zero
	// selects the default.
	Window time.Duration
	// HasEmptyNeighbor adds the Idle outcome to the initial table.
	HasEmptyNeighbor bool
	// Active turns the cycle loop on. An inactive controller still
	// answers neighbors' requests.
	Active bool
}

// Deps wires the controller to its node's stack.
type Deps struct {
	Timeline  *core.Timeline
	Log       logging.Logger
	Rand      *rand.Rand
	Resources *resman.Manager
	Scheduler *sched.Scheduler
	Send      link.SendFunc
}

// Stats counts controller activity. All fields only ever increase.
type Stats struct {
	Cycles      uint64
	IdleDraws   uint64
	Requests    uint64
	Accepts     uint64
	Refusals    uint64
	Adaptations uint64
	PairsCached uint64
}

// Controller drives one node's speculative generation. All methods run
// on the timeline goroutine except Stats.
type Controller struct {
	cfg   Config
	tl    *core.Timeline
	log   logging.Logger
	rng   *rand.Rand
	rm    *resman.Manager
	sched *sched.Scheduler
	send  link.SendFunc

	table *ProbabilityTable
	// used counts live speculative reservations this node is party to,
	// as initiator or responder.
	used int
	seq  int
	// pending maps in-flight reservation IDs to the local slots booked
	// for them, until the neighbor answers.
	pending map[string][]int
	served  []model.ServedPath

	statsMu sync.Mutex
	stats   Stats
}

// New validates the config and builds a controller. Hooks on the
// resource manager (expiry, cache) are left to the caller to wire.
func New(cfg Config, deps Deps) (*Controller, error) {
	if cfg.UpdateProb < 0 || cfg.UpdateProb > 1 {
		return nil, fmt.Errorf("adaptive: update probability %v outside [0,1]", cfg.UpdateProb)
	}
	if cfg.Delta < 0 {
		return nil, fmt.Errorf("adaptive: negative weight delta %v", cfg.Delta)
	}
	if len(cfg.Neighbors) == 0 {
		return nil, fmt.Errorf("adaptive: node %s has no neighbors", cfg.Node)
	}
	if cfg.Delta == 0 {
		cfg.Delta = defaultDelta
	}
	if cfg.AdaptInterval <= 0 {
		cfg.AdaptInterval = defaultAdaptInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = speculativeWindow
	}
	log := deps.Log
	if log == nil {
		log = logging.Noop()
	}
	return &Controller{
		cfg:     cfg,
		tl:      deps.Timeline,
		log:     log.With(logging.String("node", cfg.Node)),
		rng:     deps.Rand,
		rm:      deps.Resources,
		sched:   deps.Scheduler,
		send:    deps.Send,
		table:   NewProbabilityTable(cfg.Neighbors, cfg.HasEmptyNeighbor),
		pending: make(map[string][]int),
	}, nil
}

// Table exposes the live probability table.
func (c *Controller) Table() *ProbabilityTable { return c.table }

// Used returns the number of speculative reservations currently charged
// against this node's quota.
func (c *Controller) Used() int { return c.used }

// Stats returns a snapshot of the activity counters.
func (c *Controller) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Controller) bump(field *uint64) {
	c.statsMu.Lock()
	*field++
	c.statsMu.Unlock()
}

// Start schedules the first cycle and the adaptation ticker. A
// controller with Active off or a zero quota stays dormant; it only
// answers incoming requests.
func (c *Controller) Start() {
	if !c.cfg.Active || c.cfg.MaxMemory <= 0 {
		c.log.Info(context.Background(), "adaptive controller dormant",
			logging.Any("active", c.cfg.Active),
			logging.Int("max_memory", c.cfg.MaxMemory))
		return
	}
	c.log.Info(context.Background(), "adaptive controller started",
		logging.Int("max_memory", c.cfg.MaxMemory),
		logging.Float64("update_prob", c.cfg.UpdateProb),
		logging.Duration("adapt_interval", c.cfg.AdaptInterval))
	c.startDelay(cycleBackoff)
	c.tl.ScheduleAfter(c.cfg.AdaptInterval, c.adapt)
}

// startDelay schedules the next cycle a uniform random pause under bound
// from now.
func (c *Controller) startDelay(bound time.Duration) {
	c.tl.ScheduleAfter(time.Duration(c.rng.Int63n(int64(bound))), c.cycle)
}

// cycle makes one speculation attempt: check quota, draw a neighbor,
// book the local memories, and ask the neighbor to match them.
func (c *Controller) cycle() {
	c.bump(&c.stats.Cycles)
	if c.used >= c.cfg.MaxMemory {
		c.startDelay(cycleBackoff)
		return
	}
	choice := c.table.Draw(c.rng)
	if choice == Idle {
		c.bump(&c.stats.IdleDraws)
		c.startDelay(cycleBackoff)
		return
	}
	delay, ok := c.cfg.CCDelay[choice]
	if !ok {
		panic(fmt.Sprintf("adaptive: %s has no classical delay for neighbor %s", c.cfg.Node, choice))
	}
	c.used++
	c.seq++
	start := c.tl.Now().Add(2 * delay)
	resv := model.Reservation{
		ID:                fmt.Sprintf("ac.%s.%d", c.cfg.Node, c.seq),
		Initiator:         c.cfg.Node,
		Responder:         choice,
		StartTime:         start,
		EndTime:           start.Add(c.cfg.Window),
		MemorySize:        1,
		FidelityThreshold: speculativeFidelity,
		Path:              []string{c.cfg.Node, choice},
		Kind:              model.KindSpeculative,
	}
	slots, ok := c.sched.Schedule(resv)
	if !ok {
		// No timecard room: hand the quota back and retry later.
		c.used--
		c.startDelay(cycleBackoff)
		return
	}
	c.pending[resv.ID] = slots
	c.bump(&c.stats.Requests)
	c.log.Debug(context.Background(), "speculative reservation requested",
		logging.String("reservation", resv.ID),
		logging.String("neighbor", choice))
	c.send(choice, RequestMsg{Reservation: resv, Slots: slots})
}

// HandleMessage dispatches adaptive-tagged traffic from the node fabric.
func (c *Controller) HandleMessage(src string, msg core.Message) {
	switch v := msg.(type) {
	case RequestMsg:
		c.onRequest(src, v)
	case RespondMsg:
		c.onRespond(src, v)
	case PathServedMsg:
		c.OnPathServed(v.At, v.Path)
	default:
		panic(fmt.Sprintf("adaptive: %s: unhandled message %T from %s", c.cfg.Node, msg, src))
	}
}

func (c *Controller) onRequest(src string, msg RequestMsg) {
	resv := msg.Reservation
	if c.used >= c.cfg.MaxMemory {
		c.log.Debug(context.Background(), "speculative request refused, quota full",
			logging.String("reservation", resv.ID),
			logging.String("neighbor", src))
		c.send(src, RespondMsg{Reservation: resv, Answer: false})
		return
	}
	slots, ok := c.sched.Schedule(resv)
	if !ok {
		c.log.Debug(context.Background(), "speculative request refused, no timecard room",
			logging.String("reservation", resv.ID),
			logging.String("neighbor", src))
		c.send(src, RespondMsg{Reservation: resv, Answer: false})
		return
	}
	c.used++
	assignments := map[string][]int{src: msg.Slots, c.cfg.Node: slots}
	c.rm.LoadRules(c.rm.CreateRules(resv.Path, resv, assignments), resv)
	c.bump(&c.stats.Accepts)
	c.log.Debug(context.Background(), "speculative request accepted",
		logging.String("reservation", resv.ID),
		logging.String("neighbor", src))
	c.send(src, RespondMsg{Reservation: resv, Answer: true, Path: resv.Path, Slots: slots})
}

func (c *Controller) onRespond(src string, msg RespondMsg) {
	resv := msg.Reservation
	mine, known := c.pending[resv.ID]
	if !known {
		c.log.Warn(context.Background(), "answer for unknown reservation",
			logging.String("reservation", resv.ID),
			logging.String("neighbor", src))
		return
	}
	delete(c.pending, resv.ID)
	if msg.Answer {
		assignments := map[string][]int{c.cfg.Node: mine, src: msg.Slots}
		c.rm.LoadRules(c.rm.CreateRules(msg.Path, resv, assignments), resv)
		c.log.Debug(context.Background(), "speculative reservation established",
			logging.String("reservation", resv.ID),
			logging.String("neighbor", src))
	} else {
		c.sched.Release(resv.ID)
		c.used--
		c.bump(&c.stats.Refusals)
		c.log.Debug(context.Background(), "speculative reservation refused by neighbor",
			logging.String("reservation", resv.ID),
			logging.String("neighbor", src))
	}
	c.startDelay(respondBackoff)
}

// OnReservationExpired returns quota when one of this controller's
// speculative reservations is retracted. Wire it to the resource
// manager's expire hook.
func (c *Controller) OnReservationExpired(resv model.Reservation) {
	if resv.Kind != model.KindSpeculative {
		return
	}
	if resv.Initiator != c.cfg.Node && resv.Responder != c.cfg.Node {
		return
	}
	if c.used <= 0 {
		panic(fmt.Sprintf("adaptive: %s quota underflow on %s", c.cfg.Node, resv.ID))
	}
	c.used--
}

// OnPairCached notes a speculative pair landing in the cache. Wire it to
// the resource manager's cache hook.
func (c *Controller) OnPairCached(p model.EntanglementPair) {
	c.bump(&c.stats.PairsCached)
	c.log.Debug(context.Background(), "speculative pair cached",
		logging.String("pair", p.String()))
}

// OnPathServed records a served end-to-end path for the next adaptation
// pass.
func (c *Controller) OnPathServed(at time.Time, path []string) {
	c.served = append(c.served, model.ServedPath{At: at, Nodes: append([]string(nil), path...)})
}

// adapt shifts weight toward the neighbors adjacent to this node on
// paths served since the last pass. With no qualifying neighbor the
// increment goes to Idle. The whole shift applies with probability
// UpdateProb; the pass always re-arms itself.
func (c *Controller) adapt() {
	reports := c.served
	c.served = nil
	if c.rng.Float64() < c.cfg.UpdateProb {
		winners := c.adjacentOnPaths(reports)
		c.table.Reward(winners, c.cfg.Delta)
		c.bump(&c.stats.Adaptations)
		c.log.Debug(context.Background(), "probability table adapted",
			logging.Any("rewarded", winners),
			logging.Any("weights", c.table.Weights()))
	}
	c.tl.ScheduleAfter(c.cfg.AdaptInterval, c.adapt)
}

func (c *Controller) adjacentOnPaths(reports []model.ServedPath) []string {
	seen := make(map[string]bool)
	var winners []string
	for _, rep := range reports {
		for _, adj := range rep.Adjacent(c.cfg.Node) {
			if !seen[adj] {
				seen[adj] = true
				winners = append(winners, adj)
			}
		}
	}
	sort.Strings(winners)
	return winners
}
