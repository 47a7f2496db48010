package app

import (
	"fmt"
	"math/rand"
	"sort"
	"time"
)

// Request is one on-demand entanglement demand between two end nodes.
type Request struct {
	ID         string
	Initiator  string
	Responder  string
	Start      time.Time
	End        time.Time
	MemorySize int
	Fidelity   float64
}

// Matrix holds the demand weights between ordered end-node pairs. Weights
// need not sum to 1; draws normalize over the total.
type Matrix struct {
	nodes   map[string]bool
	weights map[pairKey]float64
}

type pairKey struct{ src, dst string }

// NewMatrix builds an empty demand matrix over the given end nodes.
func NewMatrix(nodes []string) *Matrix {
	m := &Matrix{nodes: make(map[string]bool, len(nodes)), weights: make(map[pairKey]float64)}
	for _, n := range nodes {
		m.nodes[n] = true
	}
	return m
}

// SinglePair is the 2-node line preset: all demand on one ordered pair.
func SinglePair(src, dst string) *Matrix {
	m := NewMatrix([]string{src, dst})
	m.Set(src, dst, 1)
	return m
}

// Set assigns the demand weight for an ordered pair.
func (m *Matrix) Set(src, dst string, w float64) {
	if !m.nodes[src] || !m.nodes[dst] {
		panic(fmt.Sprintf("app: traffic pair %s->%s outside the matrix", src, dst))
	}
	if src == dst {
		panic(fmt.Sprintf("app: traffic pair %s->%s is a self-loop", src, dst))
	}
	if w < 0 {
		panic(fmt.Sprintf("app: negative traffic weight %v", w))
	}
	m.weights[pairKey{src, dst}] = w
}

// Pick draws an ordered pair by roulette wheel over the weights.
func (m *Matrix) Pick(rng *rand.Rand) (src, dst string) {
	keys := make([]pairKey, 0, len(m.weights))
	total := 0.0
	for k, w := range m.weights {
		if w > 0 {
			keys = append(keys, k)
			total += w
		}
	}
	if total == 0 {
		panic("app: traffic matrix has no demand")
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].src != keys[j].src {
			return keys[i].src < keys[j].src
		}
		return keys[i].dst < keys[j].dst
	})
	sample := rng.Float64() * total
	cum := 0.0
	for _, k := range keys {
		cum += m.weights[k]
		if cum >= sample {
			return k.src, k.dst
		}
	}
	k := keys[len(keys)-1]
	return k.src, k.dst
}

// QueueConfig shapes a generated request schedule. Zero Period, Gap,
// MemorySize, and Fidelity take the defaults (1s windows, 10ms apart,
// one memory, threshold 0.5).
type QueueConfig struct {
	Start      time.Time
	Until      time.Time
	Period     time.Duration
	Gap        time.Duration
	MemorySize int
	Fidelity   float64
}

// Queue draws back-to-back requests from the matrix until the horizon: a
// window of Period, a pause of Gap, repeat. Windows that would cross the
// horizon are cut.
func (m *Matrix) Queue(cfg QueueConfig, rng *rand.Rand) []Request {
	if cfg.Period <= 0 {
		cfg.Period = time.Second
	}
	if cfg.Gap <= 0 {
		cfg.Gap = 10 * time.Millisecond
	}
	if cfg.MemorySize <= 0 {
		cfg.MemorySize = 1
	}
	if cfg.Fidelity <= 0 {
		cfg.Fidelity = 0.5
	}
	var reqs []Request
	for cur := cfg.Start; cur.Before(cfg.Until); cur = cur.Add(cfg.Period + cfg.Gap) {
		end := cur.Add(cfg.Period)
		if end.After(cfg.Until) {
			break
		}
		src, dst := m.Pick(rng)
		reqs = append(reqs, Request{
			ID:         fmt.Sprintf("req.%d", len(reqs)),
			Initiator:  src,
			Responder:  dst,
			Start:      cur,
			End:        end,
			MemorySize: cfg.MemorySize,
			Fidelity:   cfg.Fidelity,
		})
	}
	return reqs
}
