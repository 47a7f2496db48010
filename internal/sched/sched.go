// Package sched is the per-node admission scheduler: every memory slot
// carries a timecard of reservations holding it, and a reservation is
// admitted only if enough slots are free across its whole window. Admission
// is pure bookkeeping; it never blocks and never retries.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/qlink-simulator/internal/logging"
	"github.com/signalsfoundry/qlink-simulator/model"
)

// Timecard is one memory slot's ledger of admitted reservations. Windows
// are half-open [start, end); two reservations on the same card must never
// overlap.
type Timecard struct {
	Slot    int
	entries []model.Reservation
}

// NewTimecard creates an empty ledger for the given slot index.
func NewTimecard(slot int) *Timecard {
	return &Timecard{Slot: slot}
}

// HasOverlap reports whether any held reservation intersects [start, end).
func (tc *Timecard) HasOverlap(start, end time.Time) bool {
	for _, r := range tc.entries {
		if r.Window(start, end) {
			return true
		}
	}
	return false
}

// Add inserts a reservation. The caller must have checked eligibility;
// overlap here means double-booking, which is a logic bug.
func (tc *Timecard) Add(r model.Reservation) {
	if tc.HasOverlap(r.StartTime, r.EndTime) {
		panic(fmt.Sprintf("sched: overlapping reservation %s on slot %d", r.ID, tc.Slot))
	}
	tc.entries = append(tc.entries, r)
}

// Remove deletes the reservation with the given id, reporting whether it
// was held.
func (tc *Timecard) Remove(id string) bool {
	for i, r := range tc.entries {
		if r.ID == id {
			tc.entries = append(tc.entries[:i], tc.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Reservations returns a copy of the held reservations in admission order.
func (tc *Timecard) Reservations() []model.Reservation {
	out := make([]model.Reservation, len(tc.entries))
	copy(out, tc.entries)
	return out
}

// Scheduler owns one timecard per memory slot of a node.
type Scheduler struct {
	node string
	log  logging.Logger

	mu       sync.Mutex
	cards    []*Timecard
	assigned map[string][]int // reservation id -> slot indices
}

// New creates a scheduler for a node with the given memory slot count.
func New(node string, slots int, log logging.Logger) *Scheduler {
	if log == nil {
		log = logging.Noop()
	}
	s := &Scheduler{
		node:     node,
		log:      log.With(logging.String("node", node)),
		cards:    make([]*Timecard, slots),
		assigned: make(map[string][]int),
	}
	for i := range s.cards {
		s.cards[i] = NewTimecard(i)
	}
	return s
}

// Schedule admits the reservation if MemorySize slots are free across its
// window, scanning in index order and taking the first fits. All or
// nothing: on shortage no card is touched and ok is false. Admission
// failure is an expected outcome, not an error.
func (s *Scheduler) Schedule(r model.Reservation) ([]int, bool) {
	if r.MemorySize <= 0 {
		panic(fmt.Sprintf("sched: reservation %s requests %d slots", r.ID, r.MemorySize))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.assigned[r.ID]; dup {
		panic(fmt.Sprintf("sched: reservation %s scheduled twice", r.ID))
	}

	var slots []int
	for _, card := range s.cards {
		if card.HasOverlap(r.StartTime, r.EndTime) {
			continue
		}
		slots = append(slots, card.Slot)
		if len(slots) == r.MemorySize {
			break
		}
	}
	if len(slots) < r.MemorySize {
		s.log.Debug(context.Background(), "admission rejected",
			logging.String("reservation", r.ID),
			logging.Int("requested", r.MemorySize),
			logging.Int("free", len(slots)),
		)
		return nil, false
	}

	for _, slot := range slots {
		s.cards[slot].Add(r)
	}
	s.assigned[r.ID] = slots
	s.log.Debug(context.Background(), "admission accepted",
		logging.String("reservation", r.ID),
		logging.Any("slots", slots),
	)
	return slots, true
}

// Release frees every slot held by the reservation and returns their
// indices. Unknown ids release nothing: the responder side of a rejected
// request never admitted it.
func (s *Scheduler) Release(id string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots, ok := s.assigned[id]
	if !ok {
		return nil
	}
	for _, slot := range slots {
		if !s.cards[slot].Remove(id) {
			panic(fmt.Sprintf("sched: reservation %s missing from slot %d it was assigned", id, slot))
		}
	}
	delete(s.assigned, id)
	return slots
}

// SlotsFor returns the slot indices assigned to an admitted reservation.
func (s *Scheduler) SlotsFor(id string) ([]int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slots, ok := s.assigned[id]
	if !ok {
		return nil, false
	}
	out := make([]int, len(slots))
	copy(out, slots)
	return out, true
}

// Card exposes a single timecard, mainly for inspection in tests.
func (s *Scheduler) Card(slot int) *Timecard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cards[slot]
}
