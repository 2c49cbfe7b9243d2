// Package biquad implements the single RBJ low-pass section the rate
// controller cascades three of. The filter realizes the canonical
// Audio-EQ-Cookbook direct-form-II-transposed low-pass, but with a
// deliberate quirk carried over from the reference decoder: Filt returns
// the feedback-path intermediate value w rather than the canonical
// numerator sum b0*w + b1*h0 + b2*h1. That intermediate still behaves as a
// single-pole IIR section and is what the rate controller was tuned
// against, so reproducing it exactly is load-bearing, not a bug to fix.
package biquad

import "math"

// Biquad holds the coefficients and two-sample history of one RBJ
// low-pass section.
type Biquad struct {
	hist [2]float64
	a    [2]float64
	b    [3]float64
}

// LowPass configures bq as an RBJ low-pass with cutoff freq (Hz), resonance
// Q, evaluated at sample rate fs (Hz). History is reset to zero.
func LowPass(freq, q, fs float64) Biquad {
	w0 := 2 * math.Pi * freq / fs
	alpha := math.Sin(w0) / (2 * q)

	a0 := 1.0 + alpha
	var bq Biquad
	bq.b[0] = (1 - math.Cos(w0)) / (2 * a0)
	bq.b[1] = (1 - math.Cos(w0)) / a0
	bq.b[2] = bq.b[0]
	bq.a[0] = -2 * math.Cos(w0) / a0
	bq.a[1] = (1 - alpha) / a0
	return bq
}

// Filt pushes in through the filter and returns the reference
// implementation's output convention: the feedback-path intermediate w,
// not the canonical FIR-weighted sum. See the package doc comment.
func (bq *Biquad) Filt(in float64) float64 {
	w := in - bq.a[0]*bq.hist[0] - bq.a[1]*bq.hist[1]
	bq.hist[1] = bq.hist[0]
	bq.hist[0] = w
	return w
}
