// Package ratecontrol implements the slave-clock rate controller: a
// cascade of three biquad.LowPass sections that convert a time series of
// ring-buffer fill measurements into a scalar playback rate close to 1.0,
// so the consumer can stuff or drop samples (see package player) to track
// the sender's clock without a true sample-rate converter.
package ratecontrol

import (
	"log/slog"

	"github.com/raopd/raopd/internal/biquad"
)

// Tuning constants straight from the reference controller.
const (
	controlA = 1e-4
	controlB = 1e-1
)

// Controller owns the running estimate of playback rate. It is not safe
// for concurrent use; the consumer that owns the ring read cursor is the
// only caller.
type Controller struct {
	frameRate float64 // sampling_rate / frame_size, the controller's sample rate

	playbackRate float64
	estDrift     float64
	estErr       float64
	lastErr      float64

	desiredFill float64
	fillCount   int

	driftLPF    biquad.Biquad
	errLPF      biquad.Biquad
	errDerivLPF biquad.Biquad

	logger *slog.Logger
}

// New creates a controller for the given per-frame sample rate
// (samplingRate / frameSize, roughly 125 Hz for a 44100 Hz / 352-sample
// stream) and resets it to its post-underrun initial state.
func New(samplingRate, frameSize int, logger *slog.Logger) *Controller {
	c := &Controller{
		frameRate: float64(samplingRate) / float64(frameSize),
		logger:    logger,
	}
	c.Reset()
	return c
}

// Reset reinitializes the three biquads and the running estimates. Called
// on every underrun recovery, exactly as the reference's bf_est_reset.
func (c *Controller) Reset() {
	c.driftLPF = biquad.LowPass(1.0/180.0, 0.3, c.frameRate)
	c.errLPF = biquad.LowPass(1.0/10.0, 0.25, c.frameRate)
	c.errDerivLPF = biquad.LowPass(1.0/2.0, 0.2, c.frameRate)

	c.fillCount = 0
	c.playbackRate = 1.0
	c.estErr = 0
	c.lastErr = 0
	c.estDrift = 0
	c.desiredFill = 0
}

// Rate returns the current playback rate, close to 1.0.
func (c *Controller) Rate() float64 {
	return c.playbackRate
}

// Update feeds one consumer-pull fill measurement into the controller.
// The first 1000 calls after a Reset only average the observed fill into
// desiredFill and leave the rate pinned at 1.0; subsequent calls run the
// full drift-tracking cascade.
func (c *Controller) Update(fill int) {
	if c.fillCount < 1000 {
		c.desiredFill += float64(fill) / 1000.0
		c.fillCount++
		return
	}

	bufDelta := float64(fill) - c.desiredFill
	c.estErr = c.errLPF.Filt(bufDelta)
	errDeriv := c.errDerivLPF.Filt(c.estErr - c.lastErr)

	c.estDrift = c.driftLPF.Filt(controlB*(c.estErr*controlA+errDeriv) + c.estDrift)

	c.playbackRate = 1.0 + controlA*c.estErr + c.estDrift

	if c.logger != nil {
		c.logger.Debug("rate controller update",
			"fill", fill,
			"est_err", c.estErr,
			"est_drift", c.estDrift,
			"desired_fill", c.desiredFill,
			"err_deriv", errDeriv,
			"playback_rate", c.playbackRate,
		)
	}

	c.lastErr = c.estErr
}
