package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/qlink-simulator/timectrl"
)

// EventID identifies a scheduled event so it can be cancelled.
type EventID string

// event is a single scheduled callback. seq orders events that share a
// timestamp: equal-time events run in the order they were scheduled, which
// keeps replays deterministic under a fixed seed.
type event struct {
	id        EventID
	when      time.Time
	seq       uint64
	f         func()
	cancelled bool
}

// Timeline is the discrete-event kernel: a global ordered queue of
// timestamped callbacks over a virtual clock. All waiting in the simulator
// is expressed as a scheduled event; no call ever blocks.
//
// Protocol code runs inside event callbacks, so everything downstream of
// Run() executes on one goroutine. The mutex guards the queue itself for
// tests and listeners that inspect the timeline from outside the run loop.
type Timeline struct {
	clock *timectrl.VirtualClock

	mu      sync.Mutex
	counter uint64
	events  []*event // ordered by (when, seq), earliest first
	index   map[EventID]*event

	stopTime time.Time // zero value means no stop time

	scheduled uint64
	executed  uint64
}

// NewTimeline creates a timeline over the given virtual clock.
func NewTimeline(clock *timectrl.VirtualClock) *Timeline {
	return &Timeline{
		clock: clock,
		index: make(map[EventID]*event),
	}
}

// Now returns the current simulation time.
func (t *Timeline) Now() time.Time {
	return t.clock.Now()
}

// Clock exposes the underlying virtual clock.
func (t *Timeline) Clock() *timectrl.VirtualClock {
	return t.clock
}

// SetStopTime bounds Run: events scheduled at or after stop never execute.
func (t *Timeline) SetStopTime(stop time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopTime = stop
}

// Schedule registers a callback f to run at simulation time at. Scheduling
// in the past is a logic bug and panics.
func (t *Timeline) Schedule(at time.Time, f func()) EventID {
	t.mu.Lock()
	defer t.mu.Unlock()

	if at.Before(t.clock.Now()) {
		panic(fmt.Sprintf("timeline: scheduling event in the past: at=%v now=%v", at, t.clock.Now()))
	}

	t.counter++
	id := EventID(fmt.Sprintf("ev-%d", t.counter))

	ev := &event{
		id:   id,
		when: at,
		seq:  t.counter,
		f:    f,
	}
	t.insertLocked(ev)
	t.index[id] = ev
	t.scheduled++

	return id
}

// ScheduleAfter registers a callback to run after duration d from now.
func (t *Timeline) ScheduleAfter(d time.Duration, f func()) EventID {
	return t.Schedule(t.clock.Now().Add(d), f)
}

// insertLocked places ev into the queue maintaining (when, seq) order.
// Caller must hold t.mu.
func (t *Timeline) insertLocked(ev *event) {
	idx := sort.Search(len(t.events), func(i int) bool {
		e := t.events[i]
		if !e.when.Equal(ev.when) {
			return e.when.After(ev.when)
		}
		return e.seq > ev.seq
	})

	t.events = append(t.events, nil)
	copy(t.events[idx+1:], t.events[idx:])
	t.events[idx] = ev
}

// Cancel removes a previously scheduled event. It is a no-op if the ID is
// unknown or the event already ran. Removal from the queue is lazy; the run
// loop skips cancelled entries.
func (t *Timeline) Cancel(id EventID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ev, ok := t.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(t.index, id)
}

// popNextLocked removes and returns the earliest live event, or nil when
// the queue is empty. Caller must hold t.mu.
func (t *Timeline) popNextLocked() *event {
	for len(t.events) > 0 {
		ev := t.events[0]
		t.events = t.events[1:]
		if ev.cancelled {
			continue
		}
		return ev
	}
	return nil
}

// Run drains the queue: advance the clock to each event's timestamp, then
// execute it. Returns when the queue empties or the next event lies at or
// past the stop time. Callbacks run outside the lock so they can schedule
// and cancel freely.
func (t *Timeline) Run() {
	for {
		t.mu.Lock()
		ev := t.popNextLocked()
		if ev == nil {
			t.mu.Unlock()
			return
		}
		if !t.stopTime.IsZero() && !ev.when.Before(t.stopTime) {
			// Push it back for RunUntil callers, then stop.
			t.insertLocked(ev)
			t.mu.Unlock()
			return
		}
		delete(t.index, ev.id)
		t.executed++
		t.mu.Unlock()

		t.clock.Advance(ev.when)
		if ev.f != nil {
			ev.f()
		}
	}
}

// RunUntil executes events strictly before the given time, then advances
// the clock to exactly that time. Mainly for tests that step a scenario.
func (t *Timeline) RunUntil(until time.Time) {
	t.mu.Lock()
	prev := t.stopTime
	t.stopTime = until
	t.mu.Unlock()

	t.Run()

	t.mu.Lock()
	t.stopTime = prev
	t.mu.Unlock()

	if until.After(t.clock.Now()) {
		t.clock.Advance(until)
	}
}

// Pending returns the number of live events in the queue.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, ev := range t.events {
		if !ev.cancelled {
			n++
		}
	}
	return n
}

// Stats reports how many events were scheduled and executed so far.
func (t *Timeline) Stats() (scheduled, executed uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scheduled, t.executed
}
