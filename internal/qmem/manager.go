package qmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/qlink-simulator/core"
	"github.com/signalsfoundry/qlink-simulator/internal/logging"
	"github.com/signalsfoundry/qlink-simulator/model"
)

// Manager owns a node's memory slots and is the sole mutator of their
// lifecycle state. Slots live in a flat array; protocols and rules refer to
// them by index only.
//
// State transitions are restricted to the RAW -> OCCUPIED -> ENTANGLED ->
// RAW cycle (failure paths may shortcut back to RAW from either
// intermediate state). Anything else is a logic bug and panics.
type Manager struct {
	owner string
	tl    *core.Timeline
	log   logging.Logger

	mu    sync.Mutex
	slots []*Memory
	infos []MemoryInfo

	// onExpire is invoked (outside the lock) when a slot's coherence window
	// closes while it still holds entanglement.
	onExpire func(index int)
}

// NewManager builds count slots from the template.
func NewManager(owner string, count int, tmpl core.MemoryTemplate, tl *core.Timeline, log logging.Logger) *Manager {
	if log == nil {
		log = logging.Noop()
	}
	m := &Manager{
		owner: owner,
		tl:    tl,
		log:   log.With(logging.String("node", owner)),
		slots: make([]*Memory, count),
		infos: make([]MemoryInfo, count),
	}
	start := tl.Now()
	for i := 0; i < count; i++ {
		m.slots[i] = &Memory{
			Name:          fmt.Sprintf("%s.mem[%d]", owner, i),
			Index:         i,
			Owner:         owner,
			RawFidelity:   tmpl.RawFidelity,
			FrequencyHz:   tmpl.FrequencyHz,
			Efficiency:    tmpl.Efficiency,
			CoherenceTime: tmpl.CoherenceTime,
			ErrorWeights:  tmpl.ErrorWeights,
			RemoteMemory:  -1,
			NextExcite:    start,
		}
		m.infos[i] = MemoryInfo{Index: i, RemoteMemory: -1}
	}
	return m
}

// SetExpireHandler installs the coherence-expiry hook. Must be set during
// wiring, before the run starts.
func (m *Manager) SetExpireHandler(fn func(index int)) {
	m.onExpire = fn
}

// Count returns the number of slots.
func (m *Manager) Count() int { return len(m.slots) }

// Slot returns the slot for direct use by protocol code. All access happens
// on the event-loop goroutine; treat cross-thread reads as unsynchronised.
func (m *Manager) Slot(i int) *Memory { return m.slots[i] }

// Info returns a copy of the scheduling mirror for slot i.
func (m *Manager) Info(i int) MemoryInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infos[i]
}

// Infos returns a copy of all scheduling mirrors in index order.
func (m *Manager) Infos() []MemoryInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MemoryInfo, len(m.infos))
	copy(out, m.infos)
	return out
}

// InState returns slot indices currently in the given state, in index order.
func (m *Manager) InState(state model.MemoryState) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for i := range m.infos {
		if m.infos[i].State == state {
			out = append(out, i)
		}
	}
	return out
}

func (m *Manager) transitionLocked(i int, next model.MemoryState) {
	cur := m.infos[i].State
	ok := false
	switch {
	case cur == next:
		ok = true
	case cur == model.MemoryRaw && next == model.MemoryOccupied:
		ok = true
	case cur == model.MemoryOccupied && next == model.MemoryEntangled:
		ok = true
	case next == model.MemoryRaw:
		ok = true
	}
	if !ok {
		panic(fmt.Sprintf("qmem: invalid transition %v -> %v on %s", cur, next, m.slots[i]))
	}
	m.infos[i].State = next
}

// Occupy claims a RAW slot for a protocol instance.
func (m *Manager) Occupy(i int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitionLocked(i, model.MemoryOccupied)
}

// Entangle records a successful link on slot i: the Bell-diagonal state,
// the remote endpoint, and a coherence expiry scheduled from now.
func (m *Manager) Entangle(i int, remote model.PairEnd, bds [4]float64) {
	now := m.tl.Now()

	m.mu.Lock()
	slot := m.slots[i]
	m.transitionLocked(i, model.MemoryEntangled)
	slot.BDS = bds
	slot.Fidelity = FidelityOf(bds)
	slot.LastUpdate = now
	slot.RemoteNode = remote.Node
	slot.RemoteMemory = remote.Memory

	m.infos[i].RemoteNode = remote.Node
	m.infos[i].RemoteMemory = remote.Memory
	m.infos[i].Fidelity = slot.Fidelity
	m.infos[i].EntangleTime = now

	m.cancelExpiryLocked(i)
	deadline := now.Add(slot.CoherenceTime)
	m.mu.Unlock()

	m.scheduleExpiry(i, deadline)
}

func (m *Manager) scheduleExpiry(i int, deadline time.Time) {
	var id core.EventID
	id = m.tl.Schedule(deadline, func() {
		m.mu.Lock()
		// A swap or release may have rescheduled or cancelled this expiry
		// after it was already popped; acting on a stale event would expire
		// the wrong entanglement.
		if m.slots[i].ExpireEvent != id || m.infos[i].State != model.MemoryEntangled {
			m.mu.Unlock()
			return
		}
		m.slots[i].ExpireEvent = ""
		m.mu.Unlock()

		m.log.Debug(context.Background(), "memory coherence expired",
			logging.Int("memory", i),
		)
		if m.onExpire != nil {
			m.onExpire(i)
		}
	})

	m.mu.Lock()
	m.slots[i].ExpireEvent = id
	m.mu.Unlock()
}

func (m *Manager) cancelExpiryLocked(i int) {
	if id := m.slots[i].ExpireEvent; id != "" {
		m.tl.Cancel(id)
		m.slots[i].ExpireEvent = ""
	}
}

// Release forces slot i back to RAW from any state, clearing entanglement
// bookkeeping and cancelling any pending expiry.
func (m *Manager) Release(i int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(i)
}

func (m *Manager) releaseLocked(i int) {
	slot := m.slots[i]
	m.transitionLocked(i, model.MemoryRaw)
	m.cancelExpiryLocked(i)
	slot.BDS = [4]float64{}
	slot.Fidelity = 0
	slot.RemoteNode = ""
	slot.RemoteMemory = -1
	m.infos[i].RemoteNode = ""
	m.infos[i].RemoteMemory = -1
	m.infos[i].Fidelity = 0
	m.infos[i].EntangleTime = time.Time{}
}

// FidelityNow returns slot i's fidelity decohered to the current time
// without mutating the held state. Zero when not entangled.
func (m *Manager) FidelityNow(i int) float64 {
	now := m.tl.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.infos[i].State != model.MemoryEntangled {
		return 0
	}
	slot := m.slots[i]
	bds := Decohere(slot.BDS, now.Sub(slot.LastUpdate), slot.CoherenceTime)
	return FidelityOf(bds)
}

// RefreshDecoherence folds elapsed holding time into slot i's held state,
// moving LastUpdate to now.
func (m *Manager) RefreshDecoherence(i int) {
	now := m.tl.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.infos[i].State != model.MemoryEntangled {
		return
	}
	slot := m.slots[i]
	slot.BDS = Decohere(slot.BDS, now.Sub(slot.LastUpdate), slot.CoherenceTime)
	slot.Fidelity = FidelityOf(slot.BDS)
	slot.LastUpdate = now
	m.infos[i].Fidelity = slot.Fidelity
}

// UpdateHeldState overwrites slot i's held Bell-diagonal state in place
// (purification outcome), leaving lifecycle state untouched.
func (m *Manager) UpdateHeldState(i int, bds [4]float64) {
	now := m.tl.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := m.slots[i]
	slot.BDS = bds
	slot.Fidelity = FidelityOf(bds)
	slot.LastUpdate = now
	m.infos[i].Fidelity = slot.Fidelity
}

// Exchange moves the donor slot's entangled state into the occupied slot:
// physical parameters, held state, remote reference, decoherence
// bookkeeping, and the remaining coherence window all transfer; the donor
// reverts to RAW. Identity fields stay put. Validation (donor really
// entangled, owning protocol installed) happens at the swap-matcher layer;
// by the time Exchange runs the move is committed.
func (m *Manager) Exchange(occupied, donor int) {
	m.mu.Lock()
	occ, don := m.slots[occupied], m.slots[donor]

	occ.RawFidelity, don.RawFidelity = don.RawFidelity, occ.RawFidelity
	occ.FrequencyHz, don.FrequencyHz = don.FrequencyHz, occ.FrequencyHz
	occ.Efficiency, don.Efficiency = don.Efficiency, occ.Efficiency
	occ.CoherenceTime, don.CoherenceTime = don.CoherenceTime, occ.CoherenceTime
	occ.ErrorWeights, don.ErrorWeights = don.ErrorWeights, occ.ErrorWeights
	occ.NextExcite, don.NextExcite = don.NextExcite, occ.NextExcite

	occ.BDS = don.BDS
	occ.Fidelity = don.Fidelity
	occ.LastUpdate = don.LastUpdate
	occ.RemoteNode = don.RemoteNode
	occ.RemoteMemory = don.RemoteMemory

	entangleTime := m.infos[donor].EntangleTime
	deadline := entangleTime.Add(occ.CoherenceTime)

	m.transitionLocked(occupied, model.MemoryEntangled)
	m.infos[occupied].RemoteNode = occ.RemoteNode
	m.infos[occupied].RemoteMemory = occ.RemoteMemory
	m.infos[occupied].Fidelity = occ.Fidelity
	m.infos[occupied].EntangleTime = entangleTime

	m.cancelExpiryLocked(occupied)
	m.cancelExpiryLocked(donor)
	m.releaseLocked(donor)
	m.mu.Unlock()

	// The donor's expiry had not fired, so its deadline is still at or
	// ahead of the clock and can be rescheduled as-is.
	m.scheduleExpiry(occupied, deadline)
}

// Repoint overrides the remote reference of an entangled slot. Both ends of
// a correlated swap retarget their inherited entanglement at the peer's
// reservation slot, so the retired donor indices never leak into pair
// bookkeeping.
func (m *Manager) Repoint(i int, remote model.PairEnd) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.infos[i].State != model.MemoryEntangled {
		panic(fmt.Sprintf("qmem: repointing non-entangled slot %s", m.slots[i]))
	}
	m.slots[i].RemoteNode = remote.Node
	m.slots[i].RemoteMemory = remote.Memory
	m.infos[i].RemoteNode = remote.Node
	m.infos[i].RemoteMemory = remote.Memory
}
