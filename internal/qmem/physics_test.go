package qmem

import (
	"math"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPropagationDelay(t *testing.T) {
	got := PropagationDelay(1000)
	want := 5 * time.Microsecond
	if got != want {
		t.Fatalf("PropagationDelay(1000) = %v, want %v", got, want)
	}
}

func TestSurvivalProb(t *testing.T) {
	// 0.2 dB of fibre loss on top of a 0.75 collection efficiency.
	got := SurvivalProb(0.75, 0.0002, 1000)
	want := 0.75 * math.Pow(10, -0.02)
	if !almostEqual(got, want) {
		t.Fatalf("SurvivalProb = %v, want %v", got, want)
	}
	if p := SurvivalProb(0.75, 0, 1e6); !almostEqual(p, 0.75) {
		t.Fatalf("lossless fibre should leave efficiency untouched, got %v", p)
	}
}

func TestSuccessBDS(t *testing.T) {
	bds := SuccessBDS(0.85, [3]float64{0.5, 0.25, 0.25})
	want := [4]float64{0.85, 0.075, 0.0375, 0.0375}
	for i := range bds {
		if !almostEqual(bds[i], want[i]) {
			t.Fatalf("SuccessBDS[%d] = %v, want %v", i, bds[i], want[i])
		}
	}
	sum := bds[0] + bds[1] + bds[2] + bds[3]
	if !almostEqual(sum, 1) {
		t.Fatalf("SuccessBDS elements sum to %v, want 1", sum)
	}
}

func TestDephasingFactor(t *testing.T) {
	if l := DephasingFactor(0, time.Second); !almostEqual(l, 1) {
		t.Fatalf("no elapsed time should not dephase, got %v", l)
	}
	tau := 2 * time.Second
	want := (1 + math.Exp(-1)) / 2
	if l := DephasingFactor(tau, tau); !almostEqual(l, want) {
		t.Fatalf("DephasingFactor(tau, tau) = %v, want %v", l, want)
	}
	if l := DephasingFactor(1000*time.Hour, time.Second); l < 0.5 || l > 0.5+1e-9 {
		t.Fatalf("long holds should approach the fully mixed 0.5, got %v", l)
	}
}

func TestDecoherePreservesTrace(t *testing.T) {
	bds := [4]float64{0.85, 0.05, 0.05, 0.05}
	out := Decohere(bds, 3*time.Second, 2*time.Second)
	sum := out[0] + out[1] + out[2] + out[3]
	if !almostEqual(sum, 1) {
		t.Fatalf("decohered elements sum to %v, want 1", sum)
	}
	if out[0] >= bds[0] {
		t.Fatalf("dephasing should lower the fidelity element, %v -> %v", bds[0], out[0])
	}
	if !almostEqual(out[2], bds[2]) || !almostEqual(out[3], bds[3]) {
		t.Fatalf("dephasing must only mix the first two elements, got %v", out)
	}
}

func TestPurifyFormulas(t *testing.T) {
	p := PurifySuccessProb(1, 1)
	if !almostEqual(p, 1) {
		t.Fatalf("perfect inputs should always purify, got p=%v", p)
	}

	p = PurifySuccessProb(0.85, 0.85)
	if !almostEqual(p, 0.82) {
		t.Fatalf("PurifySuccessProb(0.85, 0.85) = %v, want 0.82", p)
	}
	out := PurifyOutputFidelity(0.85, 0.85)
	if !almostEqual(out, 0.725/0.82) {
		t.Fatalf("PurifyOutputFidelity(0.85, 0.85) = %v, want %v", out, 0.725/0.82)
	}
	if out <= 0.85 {
		t.Fatalf("purifying two 0.85 pairs should gain fidelity, got %v", out)
	}
}
