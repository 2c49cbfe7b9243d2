// Package ingestor runs the RTP read loop: select over the data and
// control sockets with a 100ms timeout, parse RAOP packet headers,
// decrypt and decode accepted payloads into the ring, and emit resend
// requests back over the control socket.
package ingestor

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/raopd/raopd/internal/alac"
	"github.com/raopd/raopd/internal/ring"
	"github.com/raopd/raopd/internal/rtpwire"
)

// readTimeout bounds each ReadFromUDP call so the loop can periodically
// re-check the stop flag, the idiomatic stand-in for select()-with-timeout.
const readTimeout = 100 * time.Millisecond

// resendBurst and resendRate cap how fast this ingestor will emit resend
// requests, so a badly-fragmented stream can't turn into a request flood.
const (
	resendRate  = 50
	resendBurst = 20
)

// atomicAddr is a thread-safe holder for the peer address resend
// requests should be sent to, learned from the most recent inbound
// datagram.
type atomicAddr struct {
	v atomic.Pointer[net.UDPAddr]
}

func (a *atomicAddr) store(addr *net.UDPAddr) { a.v.Store(addr) }
func (a *atomicAddr) load() *net.UDPAddr      { return a.v.Load() }

// Ingestor owns the data and control UDP sockets for one session.
type Ingestor struct {
	ring      *ring.Ring
	decrypter *alac.Decrypter
	decoder   alac.Decoder

	dataConn    *net.UDPConn
	controlConn *net.UDPConn
	controlPort int

	mute *atomic.Bool

	peer    atomicAddr
	limiter *rate.Limiter
	logger  *slog.Logger

	stopped atomic.Bool
	wg      sync.WaitGroup

	resendsRequested atomic.Uint64

	scratch sync.Pool // reusable decrypt scratch buffers
}

// New builds an Ingestor for one session. mute is a shared flag the
// control surface toggles; while set, inbound datagrams are dropped
// before parsing, exactly as the reference's global mute check.
func New(r *ring.Ring, decrypter *alac.Decrypter, decoder alac.Decoder, dataConn, controlConn *net.UDPConn, controlPort int, mute *atomic.Bool, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		ring:        r,
		decrypter:   decrypter,
		decoder:     decoder,
		dataConn:    dataConn,
		controlConn: controlConn,
		controlPort: controlPort,
		mute:        mute,
		limiter:     rate.NewLimiter(resendRate, resendBurst),
		logger:      logger,
		scratch:     sync.Pool{New: func() any { return make([]byte, 2048) }},
	}
}

// Start launches the read loops for the data and control sockets. Both
// feed parsed packets through the same path: resend-reply packets on the
// control socket are nested RTP packets and are handled identically to
// audio-data packets on the data socket.
func (in *Ingestor) Start() {
	in.wg.Add(2)
	go in.readLoop("data", in.dataConn)
	go in.readLoop("control", in.controlConn)
}

// Stop signals both read loops to exit and waits for them.
func (in *Ingestor) Stop() {
	in.stopped.Store(true)
	in.wg.Wait()
}

func (in *Ingestor) readLoop(name string, conn *net.UDPConn) {
	defer in.wg.Done()

	buf := make([]byte, 2048)
	for {
		if in.stopped.Load() {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if in.stopped.Load() {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			in.logger.Debug("rtp read error", "socket", name, "error", err)
			continue
		}

		if in.mute.Load() {
			continue
		}

		in.peer.store(from)
		in.handlePacket(buf[:n])
	}
}

func (in *Ingestor) handlePacket(raw []byte) {
	pkt, ok, err := rtpwire.ParseAudio(raw)
	if err != nil {
		in.logger.Debug("malformed rtp header", "error", err)
		return
	}
	if !ok {
		return
	}

	scratch := in.scratch.Get().([]byte)
	defer in.scratch.Put(scratch)

	future, lastChance := in.ring.PutPacket(pkt.Seq, func(dst []int16) error {
		cleartext := in.decrypter.Decrypt(pkt.Payload, scratch)
		return in.decoder.Decode(cleartext, dst)
	})

	if future != nil {
		in.requestResend(*future)
	}
	if lastChance != nil {
		in.requestResend(*lastChance)
	}
}

func (in *Ingestor) requestResend(r ring.ResendRange) {
	if rtpwire.SeqAfter(r.Last, r.First) {
		return
	}
	if !in.limiter.Allow() {
		return
	}

	peer := in.peer.load()
	if peer == nil {
		return
	}
	dest := &net.UDPAddr{IP: peer.IP, Port: in.controlPort, Zone: peer.Zone}

	req := rtpwire.EncodeResendRequest(r.First, r.Last)
	if _, err := in.controlConn.WriteToUDP(req, dest); err != nil {
		in.logger.Debug("resend request send failed", "error", err)
		return
	}
	in.resendsRequested.Add(1)
	in.logger.Warn("requested resend", "first", r.First, "last", r.Last, "count", r.Last-r.First+1)
}

// ResendsRequested returns the cumulative count of resend requests this
// ingestor has sent.
func (in *Ingestor) ResendsRequested() uint64 { return in.resendsRequested.Load() }
