package rtpwire

import (
	"bytes"
	"testing"
)

func TestSeqAfterHandlesWraparound(t *testing.T) {
	cases := []struct {
		a, b Seq
		want bool
	}{
		{10, 11, true},
		{11, 10, false},
		{10, 10, false},
		{0xFFFF, 0, true},
		{0, 0xFFFF, false},
	}
	for _, c := range cases {
		if got := SeqAfter(c.a, c.b); got != c.want {
			t.Errorf("SeqAfter(%#x, %#x) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func buildAudioPacket(seq Seq, payload []byte) []byte {
	raw := make([]byte, 12+len(payload))
	raw[0] = 0x80
	raw[1] = 0x80 | TypeAudioData
	raw[2] = byte(seq >> 8)
	raw[3] = byte(seq)
	copy(raw[12:], payload)
	return raw
}

func TestParseAudioDataPacket(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	raw := buildAudioPacket(1234, payload)

	pkt, ok, err := ParseAudio(raw)
	if err != nil {
		t.Fatalf("ParseAudio() error: %v", err)
	}
	if !ok {
		t.Fatalf("ParseAudio() ok = false, want true")
	}
	if pkt.Seq != 1234 {
		t.Errorf("Seq = %d, want 1234", pkt.Seq)
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Errorf("Payload = %v, want %v", pkt.Payload, payload)
	}
}

func TestParseAudioResendReplyStripsPrefix(t *testing.T) {
	payload := []byte{9, 9, 9}
	inner := buildAudioPacket(55, payload)

	// The resend-reply marker sits in the 4-byte wrapper ahead of the
	// nested audio packet.
	raw := append([]byte{0x80, 0x80 | TypeResendReply, 0, 0}, inner...)

	pkt, ok, err := ParseAudio(raw)
	if err != nil {
		t.Fatalf("ParseAudio() error: %v", err)
	}
	if !ok {
		t.Fatalf("ParseAudio() ok = false, want true")
	}
	if pkt.Seq != 55 {
		t.Errorf("Seq = %d, want 55", pkt.Seq)
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Errorf("Payload = %v, want %v", pkt.Payload, payload)
	}
}

func TestParseAudioIgnoresOtherTypes(t *testing.T) {
	raw := buildAudioPacket(1, nil)
	raw[1] = 0x80 | 0x21 // some unrelated RTCP type

	_, ok, err := ParseAudio(raw)
	if err != nil {
		t.Fatalf("ParseAudio() error: %v", err)
	}
	if ok {
		t.Fatalf("ParseAudio() ok = true for unrelated type, want false")
	}
}

func TestParseAudioRejectsShortPacket(t *testing.T) {
	if _, _, err := ParseAudio([]byte{1, 2, 3}); err == nil {
		t.Fatalf("ParseAudio() error = nil for short packet, want error")
	}
}

func TestEncodeResendRequest(t *testing.T) {
	req := EncodeResendRequest(100, 102)
	if len(req) != ResendRequestSize {
		t.Fatalf("len(req) = %d, want %d", len(req), ResendRequestSize)
	}
	want := []byte{0x80, 0xD5, 0x00, 0x01, 0x00, 100, 0x00, 3}
	if !bytes.Equal(req, want) {
		t.Errorf("EncodeResendRequest(100, 102) = % X, want % X", req, want)
	}
}

func TestEncodeResendRequestSinglePacket(t *testing.T) {
	req := EncodeResendRequest(7, 7)
	count := uint16(req[6])<<8 | uint16(req[7])
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}
