// Package session ties one RAOP stream's ring buffer, ingestor, rate
// controller, and player into a single unit with a lifecycle (bind ports,
// run, flush, abort, close), and tracks many of them concurrently.
//
// This is the multi-session generalization spec.md's design notes (§9)
// invite: the reference decoder keeps session parameters as process-wide
// statics; here they are bundled per Session so a single daemon process
// can serve more than one concurrent RAOP receiver.
package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/raopd/raopd/internal/alac"
	"github.com/raopd/raopd/internal/ingestor"
	"github.com/raopd/raopd/internal/player"
	"github.com/raopd/raopd/internal/ratecontrol"
	"github.com/raopd/raopd/internal/ring"
	"github.com/raopd/raopd/internal/volumestore"
)

// Config is everything the caller must supply to start one session,
// corresponding to spec.md §6's "session init inputs".
type Config struct {
	// DeviceID identifies the connecting device for volume persistence
	// across reconnects. Supplied by the caller (e.g. derived from the
	// RTSP client's Active-Remote / DACP-ID), not part of the RAOP wire
	// protocol itself.
	DeviceID string

	AESKey [16]byte
	AESIV  [16]byte

	// Fmtp is the whitespace-separated ALAC setinfo string from the SDP
	// the caller's RTSP handshake negotiated (out of scope here).
	Fmtp string

	// PeerControlPort and PeerTimingPort are the sender's UDP ports this
	// session will address outbound control/timing traffic to. Resend
	// requests are instead sent to the source address of the most recent
	// inbound packet with the port rewritten to PeerControlPort, per
	// spec.md §4.2.
	PeerControlPort int
	PeerTimingPort  int
}

// Session is one active RAOP receiver: a bound port triplet, a decrypt+
// decode pipeline feeding a ring buffer, an ingestor goroutine, and a
// player the caller drives with GetAudioChunk.
type Session struct {
	ID        string
	DeviceID  string
	CreatedAt time.Time

	cfg    Config
	params alac.Params

	dataConn, controlConn, timingConn *net.UDPConn
	localDataPort, localControlPort, localTimingPort int

	ring      *ring.Ring
	ctrl      *ratecontrol.Controller
	player    *player.Player
	ingestor  *ingestor.Ingestor
	mute      atomic.Bool

	logger *slog.Logger
}

// New constructs and starts a session: parses the fmtp string, builds the
// crypto/decode stage, binds the local port triplet, and launches the
// ingestor goroutine. The returned session's LocalDataPort is what the
// caller reports back to the sender as this receiver's RTP data port.
func New(ctx context.Context, cfg Config, volumes *volumestore.Store, portBase int, decoderFor func(alac.Params) alac.Decoder, logger *slog.Logger) (*Session, error) {
	params, err := alac.ParseFmtp(cfg.Fmtp)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	decrypter, err := alac.NewDecrypter(cfg.AESKey, cfg.AESIV)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	var decoder alac.Decoder
	if decoderFor != nil {
		decoder = decoderFor(params)
	}
	if decoder == nil {
		decoder = alac.NewPassthroughDecoder(params)
	}

	id := uuid.NewString()
	sessLogger := logger.With("subsystem", "session", "session_id", id, "device_id", cfg.DeviceID)

	dataConn, controlConn, timingConn, dataPort, controlPort, timingPort, err := bindPorts(portBase)
	if err != nil {
		return nil, fmt.Errorf("session: binding ports: %w", err)
	}

	r := ring.New(params.FrameSize, sessLogger)
	rc := ratecontrol.New(params.SamplingRate, params.FrameSize, sessLogger)
	p := player.New(r, rc, sessLogger)

	s := &Session{
		ID:               id,
		DeviceID:         cfg.DeviceID,
		CreatedAt:        time.Now(),
		cfg:              cfg,
		params:           params,
		dataConn:         dataConn,
		controlConn:      controlConn,
		timingConn:       timingConn,
		localDataPort:    dataPort,
		localControlPort: controlPort,
		localTimingPort:  timingPort,
		ring:             r,
		ctrl:             rc,
		player:           p,
		logger:           sessLogger,
	}

	if volumes != nil {
		st := volumes.Get(cfg.DeviceID)
		p.SetFixVolume(st.FixVolume)
		s.mute.Store(st.Mute)
	}

	s.ingestor = ingestor.New(r, decrypter, decoder, dataConn, controlConn, cfg.PeerControlPort, &s.mute, sessLogger)

	s.ingestor.Start()
	sessLogger.Info("session started",
		"local_data_port", dataPort,
		"local_control_port", controlPort,
		"local_timing_port", timingPort,
		"frame_size", params.FrameSize,
		"sampling_rate", params.SamplingRate,
	)

	return s, nil
}

// LocalDataPort is the bound port the caller should report to the sender
// as this receiver's RAOP data port.
func (s *Session) LocalDataPort() int { return s.localDataPort }

// LocalControlPort is the bound local control port.
func (s *Session) LocalControlPort() int { return s.localControlPort }

// LocalTimingPort is the bound local timing port. It is never read; see
// spec.md §9 "timing channel unused".
func (s *Session) LocalTimingPort() int { return s.localTimingPort }

// SetVolume implements the set_volume(dB) control operation. Per
// spec.md:167, dB <= -30 mutes the session; this toggles the same shared
// mute flag set_mute(bool) and the ingestor's packet gate use, and clears
// it again once dB rises back above -30.
func (s *Session) SetVolume(ctx context.Context, volumes *volumestore.Store, dB float64) error {
	muted := s.player.SetVolume(dB)
	s.mute.Store(muted)
	if volumes == nil {
		return nil
	}
	return volumes.Set(ctx, s.DeviceID, volumestore.State{
		FixVolume: s.player.FixVolume(),
		Mute:      muted,
	})
}

// SetMute implements set_mute(bool). Muting stops the ingestor from
// accepting further datagrams; the player is unaffected and will emit
// silence once the existing buffer drains, per spec.md §4.3.
func (s *Session) SetMute(ctx context.Context, volumes *volumestore.Store, mute bool) error {
	s.mute.Store(mute)
	if volumes == nil {
		return nil
	}
	return volumes.Set(ctx, s.DeviceID, volumestore.State{
		FixVolume: s.player.FixVolume(),
		Mute:      mute,
	})
}

// Flush implements flush(): resync the ring without waking a blocked
// consumer.
func (s *Session) Flush() { s.player.Flush() }

// Abort implements abort(): signal the ingestor loops to stop and wake
// any blocked GetAudioChunk call.
func (s *Session) Abort() {
	s.player.Abort()
	s.ingestor.Stop()
}

// GetAudioChunk implements get_audio_chunk: pulls one frame's worth of
// PCM. Returns player.ErrAborted once aborted.
func (s *Session) GetAudioChunk() ([]int16, error) {
	return s.player.GetFrame()
}

// Close tears the session down: stops the ingestor goroutines and closes
// all three UDP sockets. The session must not be used afterward.
func (s *Session) Close() {
	s.ingestor.Stop()
	s.dataConn.Close()
	s.controlConn.Close()
	s.timingConn.Close()
	s.logger.Info("session closed")
}

// Stats is a snapshot of session state for the control API and metrics
// collector.
type Stats struct {
	ID               string
	DeviceID         string
	BufferFill       int
	Synced           bool
	PlaybackRate     float64
	Muted            bool
	FixVolume        int32
	CreatedAt        time.Time
	ResendsRequested uint64
	PacketsDropped   uint64
}

// Stats returns a point-in-time snapshot of this session.
func (s *Session) Stats() Stats {
	fill, synced := s.ring.Fill()
	return Stats{
		ID:               s.ID,
		DeviceID:         s.DeviceID,
		BufferFill:       fill,
		Synced:           synced,
		PlaybackRate:     s.ctrl.Rate(),
		Muted:            s.mute.Load(),
		FixVolume:        s.player.FixVolume(),
		CreatedAt:        s.CreatedAt,
		ResendsRequested: s.ingestor.ResendsRequested(),
		PacketsDropped:   s.ring.Dropped(),
	}
}

// KeyHex and IVHex format the session's AES key/IV as hex, mainly for
// diagnostics; the raw bytes never leave the process otherwise.
func (s *Session) KeyHex() string { return hex.EncodeToString(s.cfg.AESKey[:]) }
func (s *Session) IVHex() string  { return hex.EncodeToString(s.cfg.AESIV[:]) }
