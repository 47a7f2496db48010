// Package app hosts the request application: the consumer of the link
// layer. It submits on-demand reservations from a traffic schedule,
// accounts qualified entangled memories as served, hands the memories
// back for reuse, and keeps the latency and fidelity series the
// simulation reports at the end of a run.
package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/qlink-simulator/core"
	"github.com/signalsfoundry/qlink-simulator/internal/logging"
	"github.com/signalsfoundry/qlink-simulator/internal/qmem"
	"github.com/signalsfoundry/qlink-simulator/internal/resman"
	"github.com/signalsfoundry/qlink-simulator/internal/sched"
	"github.com/signalsfoundry/qlink-simulator/model"
)

// Deps wires the app to its node's stack. Route resolves the node
// sequence for a reservation path; nil results are counted as denied.
type Deps struct {
	Timeline  *core.Timeline
	Log       logging.Logger
	Resources *resman.Manager
	Scheduler *sched.Scheduler
	Route     func(src, dst string) []string
}

// Stats counts request outcomes. Served is the number of qualified
// entangled memories delivered to this node as initiator.
type Stats struct {
	Requested uint64
	Approved  uint64
	Denied    uint64
	Served    uint64
}

// RequestApp drives one node's on-demand traffic. Wire OnReservationResult
// to the resource manager's reservation hook and OnIdleMemory to its idle
// hook.
type RequestApp struct {
	node  string
	tl    *core.Timeline
	log   logging.Logger
	rm    *resman.Manager
	sched *sched.Scheduler
	route func(src, dst string) []string

	queue []Request
	// order keeps reservation ids in submission order so the latency
	// series is reported in schedule order.
	order      []string
	submitted  map[string]model.Reservation
	approved   map[string]bool
	timestamps map[string][]time.Time
	fids       map[string][]float64
	servedHook func(at time.Time, path []string)

	statsMu sync.Mutex
	stats   Stats
}

// New builds the app. Hooks on the resource manager are left to the
// caller to wire.
func New(node string, deps Deps) *RequestApp {
	log := deps.Log
	if log == nil {
		log = logging.Noop()
	}
	return &RequestApp{
		node:       node,
		tl:         deps.Timeline,
		log:        log.With(logging.String("node", node)),
		rm:         deps.Resources,
		sched:      deps.Scheduler,
		route:      deps.Route,
		submitted:  make(map[string]model.Reservation),
		approved:   make(map[string]bool),
		timestamps: make(map[string][]time.Time),
		fids:       make(map[string][]float64),
	}
}

// SetServedHook registers a callback fired once per qualified pair
// delivered to this node as initiator.
func (a *RequestApp) SetServedHook(fn func(at time.Time, path []string)) { a.servedHook = fn }

// Load replaces the pending request schedule.
func (a *RequestApp) Load(reqs []Request) { a.queue = append([]Request(nil), reqs...) }

// Stats returns a snapshot of the outcome counters.
func (a *RequestApp) Stats() Stats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return a.stats
}

func (a *RequestApp) bump(field *uint64) {
	a.statsMu.Lock()
	*field++
	a.statsMu.Unlock()
}

// Start submits the whole loaded schedule. Reservation windows lie in the
// future; timecards absorb them up front and the rules install when each
// window opens.
func (a *RequestApp) Start() {
	for _, req := range a.queue {
		a.Submit(req)
	}
}

// Submit issues one on-demand reservation from this node.
func (a *RequestApp) Submit(req Request) {
	if req.Initiator != a.node {
		panic(fmt.Sprintf("app: %s cannot submit a request initiated by %s", a.node, req.Initiator))
	}
	path := a.route(req.Initiator, req.Responder)
	if len(path) < 2 {
		a.bump(&a.stats.Requested)
		a.bump(&a.stats.Denied)
		a.log.Error(context.Background(), "no route for request",
			logging.String("request", req.ID),
			logging.String("responder", req.Responder))
		return
	}
	resv := model.Reservation{
		ID:                req.ID,
		Initiator:         req.Initiator,
		Responder:         req.Responder,
		StartTime:         req.Start,
		EndTime:           req.End,
		MemorySize:        req.MemorySize,
		FidelityThreshold: req.Fidelity,
		Path:              path,
		Kind:              model.KindOnDemand,
	}
	a.order = append(a.order, resv.ID)
	a.submitted[resv.ID] = resv
	a.bump(&a.stats.Requested)
	a.log.Debug(context.Background(), "request submitted",
		logging.String("request", resv.ID),
		logging.String("responder", resv.Responder),
		logging.Time("window_start", resv.StartTime))
	a.rm.SubmitReservation(resv)
}

// OnReservationResult records the admission verdict for a reservation
// this node initiated.
func (a *RequestApp) OnReservationResult(resv model.Reservation, ok bool) {
	if resv.Kind != model.KindOnDemand || resv.Initiator != a.node {
		return
	}
	if ok {
		a.approved[resv.ID] = true
		a.bump(&a.stats.Approved)
		a.log.Info(context.Background(), "request admitted",
			logging.String("request", resv.ID),
			logging.String("responder", resv.Responder))
	} else {
		a.bump(&a.stats.Denied)
		a.log.Warn(context.Background(), "request rejected",
			logging.String("request", resv.ID),
			logging.String("responder", resv.Responder))
	}
}

// OnIdleMemory inspects a memory update no rule claimed. A qualified
// entangled memory inside an on-demand window is accounted (initiator
// side only) and handed back for reuse; an under-threshold one is left to
// decay or expire.
func (a *RequestApp) OnIdleMemory(info qmem.MemoryInfo) {
	if info.State != model.MemoryEntangled {
		return
	}
	resv, ok := a.coveringReservation(info.Index)
	if !ok {
		return
	}
	var peer string
	switch a.node {
	case resv.Initiator:
		peer = resv.Responder
	case resv.Responder:
		peer = resv.Initiator
	default:
		return
	}
	if info.RemoteNode != peer {
		return
	}
	if info.Fidelity < resv.FidelityThreshold {
		a.log.Debug(context.Background(), "pair below request threshold",
			logging.String("request", resv.ID),
			logging.Int("memory", info.Index),
			logging.Float64("fidelity", info.Fidelity))
		return
	}
	if a.node == resv.Initiator {
		now := a.tl.Now()
		a.timestamps[resv.ID] = append(a.timestamps[resv.ID], now)
		a.fids[resv.ID] = append(a.fids[resv.ID], info.Fidelity)
		a.bump(&a.stats.Served)
		a.log.Info(context.Background(), "request served",
			logging.String("request", resv.ID),
			logging.Int("memory", info.Index),
			logging.Float64("fidelity", info.Fidelity))
		if a.servedHook != nil {
			a.servedHook(now, resv.Path)
		}
	}
	a.rm.ReleaseMemory(info.Index)
}

// coveringReservation finds the on-demand reservation whose window holds
// now on the given slot. Timecards forbid overlap, so there is at most
// one.
func (a *RequestApp) coveringReservation(slot int) (model.Reservation, bool) {
	now := a.tl.Now()
	for _, r := range a.sched.Card(slot).Reservations() {
		if r.Kind != model.KindOnDemand {
			continue
		}
		if !now.Before(r.StartTime) && now.Before(r.EndTime) {
			return r, true
		}
	}
	return model.Reservation{}, false
}

// Timestamps returns the service instants recorded for one reservation.
func (a *RequestApp) Timestamps(id string) []time.Time {
	return append([]time.Time(nil), a.timestamps[id]...)
}

// TimeToService returns the latency series across this node's
// reservations in submission order: for each served reservation, the
// delay from window open to first pair, then the gaps between successive
// pairs.
func (a *RequestApp) TimeToService() []time.Duration {
	var out []time.Duration
	for _, id := range a.order {
		ts := a.timestamps[id]
		if len(ts) == 0 {
			continue
		}
		resv := a.submitted[id]
		out = append(out, ts[0].Sub(resv.StartTime))
		for i := 1; i < len(ts); i++ {
			out = append(out, ts[i].Sub(ts[i-1]))
		}
	}
	return out
}

// Fidelities returns the fidelity sample per served pair, grouped by
// reservation in submission order.
func (a *RequestApp) Fidelities() []float64 {
	var out []float64
	for _, id := range a.order {
		out = append(out, a.fids[id]...)
	}
	return out
}

// Outcome summarizes one submitted request after (or during) its window.
type Outcome struct {
	ID           string
	Initiator    string
	Responder    string
	Start        time.Time
	End          time.Time
	Approved     bool
	Served       uint64
	FirstLatency time.Duration
	MeanFidelity float64
}

// Outcomes returns per-request summaries in submission order.
func (a *RequestApp) Outcomes() []Outcome {
	out := make([]Outcome, 0, len(a.order))
	for _, id := range a.order {
		resv := a.submitted[id]
		o := Outcome{
			ID:        id,
			Initiator: resv.Initiator,
			Responder: resv.Responder,
			Start:     resv.StartTime,
			End:       resv.EndTime,
			Approved:  a.approved[id],
		}
		if ts := a.timestamps[id]; len(ts) > 0 {
			o.Served = uint64(len(ts))
			o.FirstLatency = ts[0].Sub(resv.StartTime)
			sum := 0.0
			for _, f := range a.fids[id] {
				sum += f
			}
			o.MeanFidelity = sum / float64(len(a.fids[id]))
		}
		out = append(out, o)
	}
	return out
}

// ServedIDs returns the ids of reservations that delivered at least one
// pair, sorted.
func (a *RequestApp) ServedIDs() []string {
	var ids []string
	for id, ts := range a.timestamps {
		if len(ts) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
