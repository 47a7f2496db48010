package timectrl

import (
	"fmt"
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time. Components
// (protocols, schedulers, apps) depend on this abstraction rather than a
// concrete controller type, enabling testability with fake clocks.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// VirtualClock tracks discrete-event simulation time. It never advances on
// its own: the event loop advances it to each event's timestamp as the
// event executes. Listeners are notified on every advance.
type VirtualClock struct {
	mu        sync.RWMutex
	StartTime time.Time

	currentTime time.Time

	listeners []func(time.Time)
}

// NewVirtualClock constructs a clock positioned at start.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{
		StartTime:   start,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (vc *VirtualClock) Now() time.Time {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.currentTime
}

// Elapsed returns simulation time elapsed since the clock's start.
func (vc *VirtualClock) Elapsed() time.Duration {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.currentTime.Sub(vc.StartTime)
}

// Advance moves simulation time forward to t. Moving backwards would break
// the event-ordering invariant of the run loop, so it panics.
func (vc *VirtualClock) Advance(t time.Time) {
	vc.mu.Lock()
	if t.Before(vc.currentTime) {
		cur := vc.currentTime
		vc.mu.Unlock()
		panic(fmt.Sprintf("timectrl: clock moved backwards: %v -> %v", cur, t))
	}
	vc.currentTime = t
	listeners := vc.listeners
	vc.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
}

// AddListener registers a callback invoked on every advance. Register
// before the run starts; registration is not synchronised with Advance.
func (vc *VirtualClock) AddListener(fn func(time.Time)) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.listeners = append(vc.listeners, fn)
}
