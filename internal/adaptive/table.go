package adaptive

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Idle is the reserved draw outcome that makes a cycle wait instead of
// generating.
const Idle = "idle"

// Tolerance bounds how far the table's weights may drift from summing
// to 1 before it is treated as a logic bug.
const Tolerance = 1e-9

// ProbabilityTable maps each draw outcome (neighbor name or Idle) to its
// selection weight. The outcome set is fixed at construction; every
// mutation renormalizes and re-checks the sum invariant.
type ProbabilityTable struct {
	weights map[string]float64
	keys    []string // sorted, fixed at construction
}

// NewProbabilityTable starts uniform over the neighbors, plus the Idle
// outcome when includeIdle is set.
func NewProbabilityTable(neighbors []string, includeIdle bool) *ProbabilityTable {
	keys := append([]string(nil), neighbors...)
	if includeIdle {
		keys = append(keys, Idle)
	}
	if len(keys) == 0 {
		panic("adaptive: probability table needs at least one outcome")
	}
	sort.Strings(keys)
	w := make(map[string]float64, len(keys))
	for _, k := range keys {
		w[k] = 1 / float64(len(keys))
	}
	t := &ProbabilityTable{weights: w, keys: keys}
	t.mustSum()
	return t
}

// Weight returns the current weight of an outcome.
func (t *ProbabilityTable) Weight(name string) float64 { return t.weights[name] }

// Keys returns the outcomes in draw order.
func (t *ProbabilityTable) Keys() []string { return append([]string(nil), t.keys...) }

// Weights returns a copy of the table.
func (t *ProbabilityTable) Weights() map[string]float64 {
	out := make(map[string]float64, len(t.weights))
	for k, v := range t.weights {
		out[k] = v
	}
	return out
}

// Draw picks an outcome by roulette wheel: accumulate the weights in key
// order and take the first entry whose cumulative weight reaches the
// sample.
func (t *ProbabilityTable) Draw(rng *rand.Rand) string {
	sample := rng.Float64()
	cum := 0.0
	for _, k := range t.keys {
		cum += t.weights[k]
		if cum >= sample {
			return k
		}
	}
	// rounding left the cumulative sum a hair under the sample
	return t.keys[len(t.keys)-1]
}

// Reward adds delta to every named outcome, or to Idle when none of the
// names is in the table, then renormalizes. A table without an Idle entry
// ignores an empty reward.
func (t *ProbabilityTable) Reward(names []string, delta float64) {
	if delta <= 0 {
		panic(fmt.Sprintf("adaptive: non-positive reward %v", delta))
	}
	applied := false
	for _, n := range names {
		if _, ok := t.weights[n]; ok {
			t.weights[n] += delta
			applied = true
		}
	}
	if !applied {
		if _, ok := t.weights[Idle]; !ok {
			return
		}
		t.weights[Idle] += delta
	}
	t.renormalize()
}

func (t *ProbabilityTable) renormalize() {
	sum := 0.0
	for _, k := range t.keys {
		sum += t.weights[k]
	}
	for _, k := range t.keys {
		t.weights[k] /= sum
	}
	t.mustSum()
}

func (t *ProbabilityTable) mustSum() {
	sum := 0.0
	for _, w := range t.weights {
		sum += w
	}
	if math.Abs(sum-1) > Tolerance {
		panic(fmt.Sprintf("adaptive: table weights sum to %v", sum))
	}
}
