// Package alac covers the per-packet crypto and decode stage: AES-128-CBC
// decryption scoped to a single packet, followed by handing the clear
// bytes to an ALAC decoder. The decoder itself is treated as an external
// collaborator (the reference decoder links a vendored C implementation);
// this package defines the seam a real one plugs into and ships a
// reference-quality passthrough implementation for environments that
// don't carry a real ALAC codec.
package alac

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Params holds the ALAC setinfo fields and sampling rate carried in the
// RTSP fmtp attribute, a whitespace-separated list of decimal integers.
type Params struct {
	FrameSize           int // fmtp[1], stereo samples per frame
	CompatibleVersion   int // fmtp[2]
	SampleSize          int // fmtp[3], must be 16
	RiceHistoryMult     int // fmtp[4]
	RiceInitialHistory  int // fmtp[5]
	RiceKModifier       int // fmtp[6]
	ChannelsMax         int // fmtp[7]
	MaxRun              int // fmtp[8]
	MaxFrameBytes       int // fmtp[9]
	AvgBitRate          int // fmtp[10]
	SamplingRate        int // fmtp[11]
}

// ParseFmtp parses the ALAC fmtp attribute string into Params. It expects
// at least 12 whitespace-separated integers; index 0 is the RTP payload
// type and is ignored here.
func ParseFmtp(fmtp string) (Params, error) {
	fields := strings.Fields(fmtp)
	if len(fields) < 12 {
		return Params{}, fmt.Errorf("alac: fmtp has %d fields, want at least 12", len(fields))
	}

	vals := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return Params{}, fmt.Errorf("alac: fmtp field %d (%q): %w", i, f, err)
		}
		vals[i] = v
	}

	p := Params{
		FrameSize:          vals[1],
		CompatibleVersion:  vals[2],
		SampleSize:         vals[3],
		RiceHistoryMult:    vals[4],
		RiceInitialHistory: vals[5],
		RiceKModifier:      vals[6],
		ChannelsMax:        vals[7],
		MaxRun:             vals[8],
		MaxFrameBytes:      vals[9],
		AvgBitRate:         vals[10],
		SamplingRate:       vals[11],
	}
	if p.SampleSize != 16 {
		return Params{}, fmt.Errorf("alac: sample size %d unsupported, only 16-bit is", p.SampleSize)
	}
	return p, nil
}

// Decrypter performs the packet-scoped AES-128-CBC decryption RAOP uses:
// full 16-byte blocks are decrypted with the IV reset to the session IV
// on every call; any trailing 0-15 bytes are copied through unencrypted.
type Decrypter struct {
	block cipher.Block
	iv    [16]byte
}

// NewDecrypter builds a Decrypter for the session's AES key and IV.
func NewDecrypter(key, iv [16]byte) (*Decrypter, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("alac: building AES cipher: %w", err)
	}
	return &Decrypter{block: block, iv: iv}, nil
}

// Decrypt returns the cleartext for one packet's payload. The returned
// slice aliases dst if dst is large enough, otherwise a new slice is
// allocated.
func (d *Decrypter) Decrypt(payload []byte, dst []byte) []byte {
	if cap(dst) < len(payload) {
		dst = make([]byte, len(payload))
	}
	dst = dst[:len(payload)]

	nBlocks := (len(payload) / 16) * 16
	if nBlocks > 0 {
		ivCopy := d.iv
		mode := cipher.NewCBCDecrypter(d.block, ivCopy[:])
		mode.CryptBlocks(dst[:nBlocks], payload[:nBlocks])
	}
	copy(dst[nBlocks:], payload[nBlocks:])
	return dst
}

// Decoder turns a stream of decrypted ALAC frame bytes into exactly
// 2*FrameSize int16 samples (interleaved stereo). Implementations are
// expected to return an error, never panic, on malformed input; the
// caller substitutes silence for the slot on error.
type Decoder interface {
	Decode(cleartext []byte, dst []int16) error
}

// passthroughDecoder treats the cleartext as raw little-endian
// interleaved int16 PCM. It exists so the receiver pipeline is complete
// and testable without a vendored ALAC codec; production deployments
// supply a real Decoder built around an actual ALAC implementation.
type passthroughDecoder struct {
	params Params
}

// NewPassthroughDecoder returns a Decoder that copies cleartext bytes
// directly into the destination buffer as raw PCM, clamping or
// zero-padding to the expected length rather than erroring, since the
// reference treats decode failure as packet-local and non-fatal.
func NewPassthroughDecoder(params Params) Decoder {
	return &passthroughDecoder{params: params}
}

func (d *passthroughDecoder) Decode(cleartext []byte, dst []int16) error {
	want := 2 * d.params.FrameSize
	if len(dst) != want {
		return fmt.Errorf("alac: dst has %d samples, want %d", len(dst), want)
	}

	n := len(cleartext) / 2
	if n > want {
		n = want
	}
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(cleartext[2*i : 2*i+2]))
	}
	for i := n; i < want; i++ {
		dst[i] = 0
	}
	return nil
}
