// Package player implements the consumer side of a session: pulling
// frames from the ring, driving the rate controller, and realizing the
// controller's playback rate with a sample-stuffing resampler plus
// dithered fixed-point volume scaling.
package player

import (
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync/atomic"

	"github.com/raopd/raopd/internal/ratecontrol"
	"github.com/raopd/raopd/internal/ring"
)

// ErrAborted is returned by GetFrame once the underlying ring has been
// aborted.
var ErrAborted = errors.New("player: aborted")

// unityVolume is fix_volume's value for bit-exact passthrough (no gain
// change, dither disabled).
const unityVolume int32 = 0x10000

// Player pulls frames from a ring, applies the rate controller's
// sample-stuffing correction, and scales volume with TPDF dither.
type Player struct {
	ring      *ring.Ring
	ctrl      *ratecontrol.Controller
	frameSize int
	logger    *slog.Logger

	fixVolume atomic.Int32

	ditherPrev int16 // only touched by the single GetFrame caller

	out []int16 // scratch output buffer, sized for frameSize+1 stereo samples
}

// New creates a Player over the given ring and rate controller, volume
// defaulted to unity gain.
func New(r *ring.Ring, ctrl *ratecontrol.Controller, logger *slog.Logger) *Player {
	p := &Player{
		ring:      r,
		ctrl:      ctrl,
		frameSize: r.FrameSize(),
		logger:    logger,
		out:       make([]int16, 2*(r.FrameSize()+1)),
	}
	p.fixVolume.Store(unityVolume)
	return p
}

// SetVolume maps a dB attenuation to fix_volume. dB <= -30 mutes by
// driving fix_volume to zero; otherwise fix_volume = round(65536 *
// 10^(dB/20)). Reports whether this level mutes the session, per
// spec.md:167's mute-via-volume convention — the caller owns the shared
// mute flag the ingestor gates on and must toggle it from this result.
func (p *Player) SetVolume(dB float64) (muted bool) {
	if dB <= -30 {
		p.fixVolume.Store(0)
		return true
	}
	fv := int32(math.Round(65536 * math.Pow(10, dB/20)))
	p.fixVolume.Store(fv)
	return false
}

// FixVolume returns the current Q16 fixed-point volume scale, for
// persistence and diagnostics.
func (p *Player) FixVolume() int32 {
	return p.fixVolume.Load()
}

// SetFixVolume restores a previously persisted Q16 fixed-point volume
// scale directly, bypassing the dB conversion. Used to restore a
// device's last-known volume on reconnect.
func (p *Player) SetFixVolume(fv int32) {
	p.fixVolume.Store(fv)
}

// Flush resyncs the ring to its pre-first-packet state.
func (p *Player) Flush() {
	p.ring.Flush()
}

// Abort unblocks any in-progress or future GetFrame call.
func (p *Player) Abort() {
	p.ring.Abort()
}

// GetFrame pulls one frame, applies stuffing and volume, and returns the
// resulting interleaved stereo int16 samples (length 2*(frameSize+stuff),
// stuff in {-1, 0, 1}). Returns ErrAborted once the ring has been
// aborted.
func (p *Player) GetFrame() ([]int16, error) {
	res := p.ring.Pull()
	if res.Aborted {
		return nil, ErrAborted
	}
	if res.Resynced {
		p.ctrl.Reset()
	}
	p.ctrl.Update(res.Fill)

	n := p.stuff(p.ctrl.Rate(), res.Data, p.fixVolume.Load())
	return p.out[:2*n], nil
}

// stuff realizes rate via single-sample insertion/deletion, scales every
// emitted sample through the dithered volume scaler, and returns the
// output stereo sample count (frameSize + stuff, stuff in {-1, 0, 1}).
func (p *Player) stuff(rate float64, in []int16, fixVolume int32) int {
	frameSize := p.frameSize
	stuffSamp := frameSize
	stuff := 0

	pStuff := 1.0 - math.Pow(1.0-math.Abs(rate-1.0), float64(frameSize))
	if rand.Float64() < pStuff {
		if rate > 1.0 {
			stuff = -1
		} else {
			stuff = 1
		}
		stuffSamp = rand.IntN(frameSize - 1)
	}

	out := p.out
	oi := 0
	ii := 0
	for i := 0; i < stuffSamp; i++ {
		out[oi] = p.ditheredVol(in[ii], fixVolume)
		out[oi+1] = p.ditheredVol(in[ii+1], fixVolume)
		oi += 2
		ii += 2
	}

	switch stuff {
	case 1:
		// Insert one interpolated stereo sample at the splice point,
		// averaging the samples immediately before and after it.
		l := (int32(in[ii-2]) + int32(in[ii])) >> 1
		r := (int32(in[ii-1]) + int32(in[ii+1])) >> 1
		out[oi] = p.ditheredVol(int16(l), fixVolume)
		out[oi+1] = p.ditheredVol(int16(r), fixVolume)
		oi += 2
	case -1:
		ii += 2
	}

	for oi < 2*(frameSize+stuff) {
		out[oi] = p.ditheredVol(in[ii], fixVolume)
		out[oi+1] = p.ditheredVol(in[ii+1], fixVolume)
		oi += 2
		ii += 2
	}

	return frameSize + stuff
}

// ditheredVol scales sample by fixVolume in Q16 fixed point, applying
// first-order differential TPDF dither unless fixVolume is unity (bypass
// keeps passthrough bit-exact, per P6).
func (p *Player) ditheredVol(sample int16, fixVolume int32) int16 {
	ditherA := int16(rand.IntN(0x10000))
	ditherB := p.ditherPrev
	p.ditherPrev = ditherA

	out := int64(sample) * int64(fixVolume)
	if fixVolume != unityVolume {
		out += int64(ditherA)
		out -= int64(ditherB)
	}
	return int16(out >> 16)
}
