// Package ring implements the sequence-numbered jitter buffer: a fixed
// 512-slot ring addressed by sequence number modulo its size, the cursor
// bookkeeping that decides where an arriving packet belongs, and the
// blocking pull operation the consumer uses to drain it in order.
package ring

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/raopd/raopd/internal/rtpwire"
)

// Size is the number of slots in the ring. It is fixed for the lifetime
// of a session and must be a power of two for the index mask below.
const Size = 512

const sizeMask = Size - 1

// StartFill is the occupancy the consumer waits for before leaving the
// buffering state, and the resync target after an overrun.
const StartFill = 282

// Slot holds one decoded frame and its readiness flag. Data is written by
// the ingestor goroutine and read by the consumer; ready is the
// publish/acquire handshake between them and is the only thing about a
// slot that is safe to touch without holding the ring's mutex.
type Slot struct {
	ready atomic.Bool
	Data  []int16
}

// ResendRange names an inclusive span of sequence numbers to request a
// resend for.
type ResendRange struct {
	First, Last uint16
}

// Ring is the mutex-protected cursor state plus the slot array. The zero
// value is not usable; construct with New.
type Ring struct {
	mu   sync.Mutex
	cond *sync.Cond

	abRead, abWrite uint16
	abSynced        bool
	abBuffering     bool
	aborted         bool

	slots     [Size]Slot
	frameSize int

	dropped atomic.Uint64

	logger *slog.Logger
}

func bufIdx(seq uint16) uint16 { return seq & sizeMask }

// New allocates a ring for frames of the given size (samples per channel
// per ALAC frame). All slot buffers are allocated up front; there is no
// per-packet allocation on the hot path. The ring starts in the buffering
// state, so no last-chance resend is requested before the consumer's
// first pull.
func New(frameSize int, logger *slog.Logger) *Ring {
	r := &Ring{frameSize: frameSize, logger: logger, abBuffering: true}
	r.cond = sync.NewCond(&r.mu)
	for i := range r.slots {
		r.slots[i].Data = make([]int16, 2*frameSize)
	}
	return r
}

// PutPacket assigns an arriving packet's sequence number to a slot
// according to the first-packet/expected/future/late/too-late table,
// invokes decode (outside the ring's lock) to fill the slot when
// accepted, and reports any resend requests the caller should emit.
// future is non-nil when a gap opened ahead of the previous ab_write.
// lastChance is non-nil when the opportunistic ab_read+10 check finds an
// unready slot.
func (r *Ring) PutPacket(seq uint16, decode func(dst []int16) error) (future, lastChance *ResendRange) {
	r.mu.Lock()

	if !r.abSynced {
		r.abWrite = seq
		r.abRead = seq - 1
		r.abSynced = true
	}

	var accept bool
	var slotIdx uint16

	switch {
	case seq == r.abWrite+1:
		accept = true
		slotIdx = bufIdx(seq)
		r.abWrite = seq
	case rtpwire.SeqAfter(r.abWrite, seq):
		future = &ResendRange{First: r.abWrite + 1, Last: seq - 1}
		accept = true
		slotIdx = bufIdx(seq)
		r.abWrite = seq
	case rtpwire.SeqAfter(r.abRead, seq):
		accept = true
		slotIdx = bufIdx(seq)
	default:
		r.dropped.Add(1)
		if r.logger != nil {
			r.logger.Warn("late packet dropped", "seq", seq, "ab_read", r.abRead, "ab_write", r.abWrite)
		}
	}

	bufFill := int16(r.abWrite - r.abRead)
	buffering := r.abBuffering
	r.mu.Unlock()

	if accept {
		if err := decode(r.slots[slotIdx].Data); err != nil {
			r.dropped.Add(1)
			if r.logger != nil {
				r.logger.Warn("decode failed, slot left unready", "seq", seq, "error", err)
			}
		} else {
			r.slots[slotIdx].ready.Store(true)
		}
	}

	r.mu.Lock()
	if buffering && bufFill >= StartFill {
		r.cond.Broadcast()
	}
	if !r.abBuffering {
		checkSeq := r.abRead + 10
		if !r.slots[bufIdx(checkSeq)].ready.Load() {
			lc := ResendRange{First: checkSeq, Last: checkSeq}
			lastChance = &lc
		}
	}
	r.mu.Unlock()

	return future, lastChance
}

// PullResult is the outcome of one Pull call.
type PullResult struct {
	// Data is the raw slot contents (silence if the slot was never
	// filled). Valid only until the next PutPacket for the same modular
	// index; the caller must finish with it before pulling again.
	Data []int16
	// Fill is the buffer occupancy measured immediately after the pull,
	// the value the rate controller should be updated with.
	Fill int
	// Resynced is true if this call had to block waiting for fill
	// (initial buffering or underrun recovery); the caller should reset
	// its rate controller before trusting Fill.
	Resynced bool
	// Aborted is true if the ring was aborted while waiting; Data is nil.
	Aborted bool
}

// Pull blocks until a frame is available (or the ring is aborted),
// advances the read cursor, and returns the frame. Unlike the reference
// decoder, Pull re-checks the fill condition in a loop around the wait so
// a spurious wakeup cannot advance the read cursor past an unready slot.
func (r *Ring) Pull() PullResult {
	r.mu.Lock()
	resynced := false
	for {
		if r.aborted {
			r.mu.Unlock()
			return PullResult{Aborted: true}
		}
		bufFill := int16(r.abWrite - r.abRead)
		if r.abSynced && bufFill >= 1 {
			break
		}
		if !r.abBuffering && r.abSynced && r.logger != nil {
			r.logger.Info("underrun")
		}
		resynced = true
		r.abBuffering = true
		r.cond.Wait()
	}
	r.abBuffering = false
	if resynced {
		// After a wait, step past the slot ab_read pointed at while
		// buffering. The loop above guarantees buf_fill >= 1, so this
		// never moves beyond ab_write.
		r.abRead++
	}

	bufFill := int16(r.abWrite - r.abRead)
	if bufFill >= Size {
		if r.logger != nil {
			r.logger.Info("overrun", "fill", bufFill)
		}
		r.abRead = r.abWrite - StartFill
	}

	read := r.abRead
	r.abRead++
	bufFill = int16(r.abWrite - r.abRead)
	r.mu.Unlock()

	slot := &r.slots[bufIdx(read)]
	if !slot.ready.Load() {
		if r.logger != nil {
			r.logger.Warn("missing frame, substituting silence", "seq", read)
		}
		for i := range slot.Data {
			slot.Data[i] = 0
		}
	}
	slot.ready.Store(false)

	return PullResult{Data: slot.Data, Fill: int(bufFill), Resynced: resynced}
}

// Flush restores the pre-first-packet state: every slot's ready flag is
// cleared and ab_synced is set false, without reallocating and without
// waking a blocked consumer.
func (r *Ring) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		r.slots[i].ready.Store(false)
	}
	r.abSynced = false
}

// Abort sets the abort flag and wakes any blocked Pull.
func (r *Ring) Abort() {
	r.mu.Lock()
	r.aborted = true
	r.mu.Unlock()
	r.cond.Broadcast()
}

// FrameSize returns the configured frame size in samples per channel.
func (r *Ring) FrameSize() int { return r.frameSize }

// Fill returns the current buffer occupancy (ab_write - ab_read,
// interpreted as signed 16-bit) and whether the ring has synced to a
// first packet yet. Intended for metrics/diagnostics, not the hot path.
func (r *Ring) Fill() (fill int, synced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(int16(r.abWrite - r.abRead)), r.abSynced
}

// Dropped returns the cumulative count of packets rejected as too-late or
// left unready after a decode failure.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }
