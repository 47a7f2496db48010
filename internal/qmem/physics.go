package qmem

import (
	"math"
	"time"
)

// Opaque numeric operations of the entanglement model. Everything here is a
// closed form: no circuit simulation happens anywhere in the tree.

// FibreLightSpeed is the signal velocity in fibre, metres per second.
const FibreLightSpeed = 2e8

// PropagationDelay converts fibre length to one-way photon travel time.
func PropagationDelay(distanceM float64) time.Duration {
	return time.Duration(distanceM / FibreLightSpeed * float64(time.Second))
}

// SurvivalProb is the probability an excited memory delivers its photon to
// the far end of a fibre: emission efficiency times fibre transmittance.
func SurvivalProb(efficiency, attenuationDBPerM, distanceM float64) float64 {
	loss := attenuationDBPerM * distanceM
	return efficiency * math.Pow(10, -loss/10)
}

// SuccessBDS is the Bell-diagonal state of a link immediately after a
// successful handshake: the raw fidelity on the target component and the
// residual infidelity spread over the other three by the error weights.
// Element order is [fidelity, Z, X, Y].
func SuccessBDS(rawFidelity float64, weights [3]float64) [4]float64 {
	inf := 1 - rawFidelity
	return [4]float64{
		rawFidelity,
		weights[0] * inf,
		weights[1] * inf,
		weights[2] * inf,
	}
}

// DephasingFactor is the probability the held state avoided a phase flip
// after elapsed holding time under the given coherence time.
func DephasingFactor(elapsed, coherence time.Duration) float64 {
	if coherence <= 0 {
		return 1
	}
	t := elapsed.Seconds() / coherence.Seconds()
	return (1 + math.Exp(-t)) / 2
}

// Decohere applies pure dephasing to a held Bell-diagonal state: the
// fidelity and phase-flip components mix monotonically toward their mean
// while the X/Y components are untouched.
func Decohere(bds [4]float64, elapsed, coherence time.Duration) [4]float64 {
	lambda := DephasingFactor(elapsed, coherence)
	out := bds
	out[0] = lambda*bds[0] + (1-lambda)*bds[1]
	out[1] = lambda*bds[1] + (1-lambda)*bds[0]
	return out
}

// FidelityOf extracts the fidelity from a Bell-diagonal state.
func FidelityOf(bds [4]float64) float64 {
	return bds[0]
}

// PurifySuccessProb is the closed-form success probability of merging two
// held links of the given fidelities (twirled Werner inputs).
func PurifySuccessProb(f1, f2 float64) float64 {
	return f1*f2 + f1*(1-f2)/3 + f2*(1-f1)/3 + 5*(1-f1)*(1-f2)/9
}

// PurifyOutputFidelity is the kept link's fidelity conditioned on a
// successful merge.
func PurifyOutputFidelity(f1, f2 float64) float64 {
	p := PurifySuccessProb(f1, f2)
	if p <= 0 {
		return 0
	}
	return (f1*f2 + (1-f1)*(1-f2)/9) / p
}
