package qmem

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/qlink-simulator/core"
	"github.com/signalsfoundry/qlink-simulator/model"
)

// Memory is one physical quantum-memory slot. Slots live in a flat array
// owned by their node's MemoryManager; everything else refers to them by
// index, never by owning pointer.
type Memory struct {
	// Identity. Never touched by Exchange.
	Name  string
	Index int
	Owner string

	// Physical parameters, copied from the node template at build time.
	RawFidelity   float64
	FrequencyHz   float64
	Efficiency    float64
	CoherenceTime time.Duration
	ErrorWeights  [3]float64

	// Entangled-state bookkeeping, valid while the slot is ENTANGLED.
	BDS        [4]float64
	Fidelity   float64
	LastUpdate time.Time

	RemoteNode   string
	RemoteMemory int

	// NextExcite quantises emission times to the excitation period.
	NextExcite time.Time

	// ExpireEvent is the scheduled coherence expiry, empty when none.
	ExpireEvent core.EventID
}

// MemoryInfo mirrors a slot's state for scheduling decisions. One per
// Memory, index-aligned with the slot array.
type MemoryInfo struct {
	Index        int
	State        model.MemoryState
	RemoteNode   string
	RemoteMemory int
	Fidelity     float64
	EntangleTime time.Time
}

// ExcitePeriod returns the minimum spacing between excitations.
func (m *Memory) ExcitePeriod() time.Duration {
	if m.FrequencyHz <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / m.FrequencyHz)
}

// QuantiseEmit rounds t up to the slot's next admissible excitation time.
func (m *Memory) QuantiseEmit(t time.Time) time.Time {
	if t.Before(m.NextExcite) {
		t = m.NextExcite
	}
	period := m.ExcitePeriod()
	if period <= 0 {
		return t
	}
	// Round up to a whole number of periods from the epoch of NextExcite.
	if rem := t.Sub(m.NextExcite) % period; rem != 0 {
		t = t.Add(period - rem)
	}
	return t
}

func (m *Memory) String() string {
	return fmt.Sprintf("%s[%d]", m.Owner, m.Index)
}
