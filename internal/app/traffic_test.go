package app

import (
	"math/rand"
	"testing"
	"time"
)

var trStart = time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

func TestSinglePairQueue(t *testing.T) {
	m := SinglePair("n1", "n2")
	reqs := m.Queue(QueueConfig{
		Start: trStart,
		Until: trStart.Add(5050 * time.Millisecond),
	}, rand.New(rand.NewSource(1)))

	if len(reqs) != 5 {
		t.Fatalf("queue length = %d, want 5", len(reqs))
	}
	for i, req := range reqs {
		if req.Initiator != "n1" || req.Responder != "n2" {
			t.Fatalf("request %d pair = %s->%s", i, req.Initiator, req.Responder)
		}
		wantStart := trStart.Add(time.Duration(i) * 1010 * time.Millisecond)
		if !req.Start.Equal(wantStart) {
			t.Fatalf("request %d start = %v, want %v", i, req.Start, wantStart)
		}
		if req.End.Sub(req.Start) != time.Second {
			t.Fatalf("request %d window = %v", i, req.End.Sub(req.Start))
		}
		if req.MemorySize != 1 || req.Fidelity != 0.5 {
			t.Fatalf("request %d defaults = size %d fidelity %v", i, req.MemorySize, req.Fidelity)
		}
	}
	if reqs[0].ID != "req.0" || reqs[4].ID != "req.4" {
		t.Fatalf("request ids = %s..%s", reqs[0].ID, reqs[4].ID)
	}
}

func TestQueueCutsWindowAtHorizon(t *testing.T) {
	m := SinglePair("n1", "n2")
	reqs := m.Queue(QueueConfig{
		Start:  trStart,
		Until:  trStart.Add(1500 * time.Millisecond),
		Period: time.Second,
	}, rand.New(rand.NewSource(1)))
	if len(reqs) != 1 {
		t.Fatalf("queue length = %d, want 1 (second window crosses the horizon)", len(reqs))
	}
}

func TestPickFollowsWeights(t *testing.T) {
	m := NewMatrix([]string{"a", "b", "c", "d"})
	m.Set("a", "b", 0.7)
	m.Set("c", "d", 0.3)

	rng := rand.New(rand.NewSource(42))
	const draws = 10000
	ab := 0
	for i := 0; i < draws; i++ {
		src, dst := m.Pick(rng)
		switch {
		case src == "a" && dst == "b":
			ab++
		case src == "c" && dst == "d":
		default:
			t.Fatalf("unexpected pair %s->%s", src, dst)
		}
	}
	if ab < 6700 || ab > 7300 {
		t.Fatalf("a->b drawn %d of %d, want about 7000", ab, draws)
	}
}

func TestPickNormalizesWeights(t *testing.T) {
	// Weights that do not sum to 1 draw by their relative share.
	m := NewMatrix([]string{"a", "b", "c"})
	m.Set("a", "b", 3)
	m.Set("a", "c", 1)

	rng := rand.New(rand.NewSource(7))
	const draws = 4000
	ab := 0
	for i := 0; i < draws; i++ {
		if _, dst := m.Pick(rng); dst == "b" {
			ab++
		}
	}
	if ab < 2800 || ab > 3200 {
		t.Fatalf("a->b drawn %d of %d, want about 3000", ab, draws)
	}
}
