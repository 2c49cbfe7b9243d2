// Package rtpwire decodes the two RAOP packet types the receiver cares
// about (audio data and resend replies) and encodes outbound resend
// requests. It knows nothing about sockets, the ring buffer, or
// decryption; it is pure wire-format translation.
package rtpwire

import (
	"encoding/binary"
	"fmt"
)

// Packet types carried in the low 7 bits of the second header byte.
const (
	TypeAudioData   = 0x60
	TypeResendReply = 0x56
)

// Seq is a 16-bit RTP sequence number that wraps around.
type Seq = uint16

// SeqAfter reports whether b is strictly after a in sequence-number
// order, correctly handling 16-bit wraparound. It mirrors the reference
// decoder's seq_order: the signed difference b-a must be positive.
func SeqAfter(a, b Seq) bool {
	d := int16(b - a)
	return d > 0
}

// AudioPacket is a parsed RTP audio-data (or resend-reply) packet: the
// sequence number and the still-encrypted ALAC payload.
type AudioPacket struct {
	Seq     Seq
	Payload []byte
}

// ParseAudio parses a raw UDP datagram from the data or control socket.
// ok is false for any packet type other than audio-data or resend-reply;
// such packets should be silently ignored by the caller, matching the
// reference decoder.
func ParseAudio(raw []byte) (pkt AudioPacket, ok bool, err error) {
	if len(raw) < 12 {
		return AudioPacket{}, false, fmt.Errorf("rtpwire: packet too short (%d bytes)", len(raw))
	}

	payloadType := raw[1] &^ 0x80
	switch payloadType {
	case TypeAudioData:
		// no-op, header starts at byte 0
	case TypeResendReply:
		// resend replies prepend a 4-byte wrapper in front of the
		// original RTP header.
		raw = raw[4:]
		if len(raw) < 12 {
			return AudioPacket{}, false, fmt.Errorf("rtpwire: resend reply too short")
		}
	default:
		return AudioPacket{}, false, nil
	}

	seq := binary.BigEndian.Uint16(raw[2:4])
	return AudioPacket{Seq: seq, Payload: raw[12:]}, true, nil
}

// ResendRequestSize is the fixed length of an encoded resend request.
const ResendRequestSize = 8

// EncodeResendRequest builds the 8-byte "Apple resend" packet (not a
// standard RTCP NACK) asking the sender to retransmit the count packets
// starting at first. The caller is responsible for not calling this when
// last precedes first in sequence order.
func EncodeResendRequest(first, last Seq) []byte {
	req := make([]byte, ResendRequestSize)
	req[0] = 0x80
	req[1] = 0x55 | 0x80
	binary.BigEndian.PutUint16(req[2:4], 1) // our own seqnum, unused by the sender
	binary.BigEndian.PutUint16(req[4:6], first)
	binary.BigEndian.PutUint16(req[6:8], last-first+1)
	return req
}
