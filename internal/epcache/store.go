// Package epcache holds speculatively generated entanglement pairs until an
// on-demand request claims them, and defines the outcome of the correlated
// swap that moves a claimed pair into a reservation's memory slots.
package epcache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/signalsfoundry/qlink-simulator/internal/logging"
	"github.com/signalsfoundry/qlink-simulator/model"
)

var (
	// ErrUnknownStrategy is returned when a configured match strategy does
	// not name a known policy. Surfaced at setup, never mid-run.
	ErrUnknownStrategy = errors.New("epcache: unknown match strategy")
)

// Strategy selects which cached pair a matching request claims.
type Strategy int

const (
	// StrategyFreshest claims the most recently generated pair.
	StrategyFreshest Strategy = iota
	// StrategyRandom claims a uniformly random pair.
	StrategyRandom
)

func (s Strategy) String() string {
	switch s {
	case StrategyFreshest:
		return "freshest"
	case StrategyRandom:
		return "random"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy maps a config string to a Strategy. Empty means freshest.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "", "freshest":
		return StrategyFreshest, nil
	case "random":
		return StrategyRandom, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// SwapOutcome reports what a correlated swap attempt did.
type SwapOutcome int

const (
	// SwapOK: the cached pair moved into the reservation's slots.
	SwapOK SwapOutcome = iota
	// SwapStaleTarget: the donor slot no longer holds the advertised
	// entanglement (expired or already consumed); the claim is void.
	SwapStaleTarget
	// SwapNotInstalled: the receiving side has no live protocol instance
	// for the reservation; the pair outlived the request.
	SwapNotInstalled
)

func (o SwapOutcome) String() string {
	switch o {
	case SwapOK:
		return "ok"
	case SwapStaleTarget:
		return "stale-target"
	case SwapNotInstalled:
		return "not-installed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Stats counts store traffic since construction.
type Stats struct {
	Added   uint64
	Matched uint64
	Misses  uint64
	Removed uint64
	Dropped uint64
}

type pairKey struct {
	a, b string
}

func keyOf(p model.EntanglementPair) pairKey {
	return pairKey{a: p.A.Node, b: p.B.Node}
}

// Store is one node's view of the cached pairs it participates in. Pairs
// are bucketed by the unordered node pair and kept in generation order, so
// the last entry of a bucket is always the freshest.
type Store struct {
	log logging.Logger

	mu    sync.RWMutex
	pairs map[pairKey][]model.EntanglementPair
	stats Stats
}

// New creates an empty store.
func New(log logging.Logger) *Store {
	if log == nil {
		log = logging.Noop()
	}
	return &Store{
		log:   log,
		pairs: make(map[pairKey][]model.EntanglementPair),
	}
}

// Add caches a freshly generated pair. Re-adding a pair that is already
// cached is tolerated with a warning: both ends report independently and
// can race through the relay.
func (s *Store) Add(p model.EntanglementPair) {
	key := keyOf(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.pairs[key] {
		if have == p {
			s.log.Warn(context.Background(), "pair already cached",
				logging.String("pair", p.String()),
			)
			return
		}
	}
	s.pairs[key] = append(s.pairs[key], p)
	s.stats.Added++
}

// Has reports whether the exact pair is cached.
func (s *Store) Has(p model.EntanglementPair) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, have := range s.pairs[keyOf(p)] {
		if have == p {
			return true
		}
	}
	return false
}

// Count returns how many cached pairs connect the two nodes.
func (s *Store) Count(a, b string) int {
	p := model.NewPair(model.PairEnd{Node: a}, model.PairEnd{Node: b})
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pairs[keyOf(p)])
}

// Match claims a cached pair connecting local and remote according to the
// strategy, removing it from the store. ok is false when no pair exists.
//
// StrategyFreshest re-evaluates every candidate's current fidelity through
// the fidelity callback (indexed by the local memory slot) and claims the
// best one; holding decay makes this usually, but not necessarily, the
// youngest pair. A nil callback falls back to generation order. Ties go to
// the later generation.
func (s *Store) Match(local, remote string, strategy Strategy, rng *rand.Rand, fidelity func(localMemory int) float64) (model.EntanglementPair, bool) {
	probe := model.NewPair(model.PairEnd{Node: local}, model.PairEnd{Node: remote})
	key := keyOf(probe)

	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.pairs[key]
	if len(bucket) == 0 {
		s.stats.Misses++
		return model.EntanglementPair{}, false
	}

	idx := len(bucket) - 1
	switch {
	case strategy == StrategyRandom:
		idx = rng.Intn(len(bucket))
	case fidelity != nil:
		best := -1.0
		for i, p := range bucket {
			end, ok := p.EndAt(local)
			if !ok {
				panic(fmt.Sprintf("epcache: cached pair %v has no end at %s", p, local))
			}
			if f := fidelity(end.Memory); f >= best {
				best, idx = f, i
			}
		}
	}

	p := bucket[idx]
	s.deleteLocked(key, idx)
	s.stats.Matched++
	return p, true
}

// Remove deletes a pair that the caller knows is cached, as when the far
// end claimed it first. A miss means the two ends disagree about cache
// contents, which the protocol cannot recover from.
func (s *Store) Remove(p model.EntanglementPair) {
	key := keyOf(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, have := range s.pairs[key] {
		if have == p {
			s.deleteLocked(key, i)
			s.stats.Removed++
			return
		}
	}
	panic(fmt.Sprintf("epcache: removing pair not in cache: %v", p))
}

// Drop discards a pair if present, reporting whether it was. The expiry
// path uses this: the pair may have been claimed between the coherence
// deadline firing and the drop.
func (s *Store) Drop(p model.EntanglementPair) bool {
	key := keyOf(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, have := range s.pairs[key] {
		if have == p {
			s.deleteLocked(key, i)
			s.stats.Dropped++
			return true
		}
	}
	return false
}

// DropByEnd discards the pair holding the given end, if any. Reservation
// expiry knows only which local slot died, not which pair it backed.
func (s *Store) DropByEnd(end model.PairEnd) (model.EntanglementPair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, bucket := range s.pairs {
		for i, have := range bucket {
			if have.A == end || have.B == end {
				s.deleteLocked(key, i)
				s.stats.Dropped++
				return have, true
			}
		}
	}
	return model.EntanglementPair{}, false
}

// Another returns a second cached pair connecting the same two nodes as p,
// excluding p itself. The purification trigger looks for one when a fresh
// pair lands in an already-populated bucket.
func (s *Store) Another(p model.EntanglementPair) (model.EntanglementPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, have := range s.pairs[keyOf(p)] {
		if have != p {
			return have, true
		}
	}
	return model.EntanglementPair{}, false
}

// deleteLocked removes bucket entry i preserving generation order. Caller
// must hold s.mu.
func (s *Store) deleteLocked(key pairKey, i int) {
	bucket := s.pairs[key]
	s.pairs[key] = append(bucket[:i], bucket[i+1:]...)
	if len(s.pairs[key]) == 0 {
		delete(s.pairs, key)
	}
}

// Pairs returns a snapshot of all cached pairs, ordered by node pair then
// generation order.
func (s *Store) Pairs() []model.EntanglementPair {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]pairKey, 0, len(s.pairs))
	for k := range s.pairs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].a != keys[j].a {
			return keys[i].a < keys[j].a
		}
		return keys[i].b < keys[j].b
	})

	var out []model.EntanglementPair
	for _, k := range keys {
		out = append(out, s.pairs[k]...)
	}
	return out
}

// Len returns the total number of cached pairs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, bucket := range s.pairs {
		n += len(bucket)
	}
	return n
}

// Stats returns a copy of the traffic counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
