package rtcm

import (
	"bufio"
	"bytes"
	"io"
	"testing"
)

// crc24qBitwise is the reference bit-at-a-time CRC-24Q.
func crc24qBitwise(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc ^= uint32(b) << 16
		for i := 0; i < 8; i++ {
			crc <<= 1
			if crc&0x1000000 != 0 {
				crc ^= 0x1864CFB
			}
		}
	}
	return crc & 0xFFFFFF
}

// msgPayload builds a payload whose first 12 bits carry typeID.
func msgPayload(typeID int, n int) []byte {
	p := make([]byte, n)
	p[0] = byte(typeID >> 4)
	p[1] = byte(typeID<<4) | 0x0A
	for i := 2; i < n; i++ {
		p[i] = byte(i)
	}
	return p
}

func mustEncode(t *testing.T, payload []byte) []byte {
	t.Helper()
	f, err := Encode(payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return f
}

func TestCRC24Q_MatchesBitwise(t *testing.T) {
	inputs := [][]byte{
		nil,
		{0x00},
		{0xD3, 0x00, 0x13, 0x3E, 0xD7, 0xD3, 0x02, 0x02},
		bytes.Repeat([]byte{0xA5}, 1000),
	}
	for _, in := range inputs {
		if got, want := crc24q(in), crc24qBitwise(in); got != want {
			t.Fatalf("crc24q(%x)=%06x want %06x", in, got, want)
		}
	}
}

func TestMessageType(t *testing.T) {
	for _, typ := range SlotTypes {
		f := mustEncode(t, msgPayload(typ, 19))
		got, err := MessageType(f)
		if err != nil {
			t.Fatalf("MessageType: %v", err)
		}
		if got != typ {
			t.Fatalf("type=%d want %d", got, typ)
		}
	}
	if _, err := MessageType([]byte{0xD3, 0x00}); err == nil {
		t.Fatalf("expected error for short frame")
	}
}

func TestFrameLen(t *testing.T) {
	f := mustEncode(t, msgPayload(TypeMSM7GPS, 40))
	if got := FrameLen(append(f, 0xD3, 0x00)); got != len(f) {
		t.Fatalf("FrameLen=%d want %d", got, len(f))
	}
	if got := FrameLen(f[:len(f)-1]); got != 0 {
		t.Fatalf("truncated FrameLen=%d want 0", got)
	}
	if got := FrameLen([]byte{0x01, 0x02, 0x03}); got != 0 {
		t.Fatalf("no preamble FrameLen=%d want 0", got)
	}
}

func TestEncode_RejectsOversizedPayload(t *testing.T) {
	if _, err := Encode(make([]byte, MaxPayloadLen+1)); err == nil {
		t.Fatalf("expected error")
	}
	f := mustEncode(t, make([]byte, MaxPayloadLen))
	if len(f) != MaxFragmentSize {
		t.Fatalf("len=%d want %d", len(f), MaxFragmentSize)
	}
}

func scanAll(t *testing.T, stream []byte) [][]byte {
	t.Helper()
	sc := bufio.NewScanner(bytes.NewReader(stream))
	sc.Split(SplitFrames)
	var out [][]byte
	for sc.Scan() {
		out = append(out, append([]byte(nil), sc.Bytes()...))
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func TestSplitFrames_SkipsNoiseAndBadCRC(t *testing.T) {
	a := mustEncode(t, msgPayload(TypeStationARP, 19))
	b := mustEncode(t, msgPayload(TypeMSM7GPS, 200))
	bad := mustEncode(t, msgPayload(TypeMSM7Galileo, 40))
	bad[len(bad)-1] ^= 0xFF

	var stream []byte
	stream = append(stream, []byte("$GPGGA,noise*00\r\n")...)
	stream = append(stream, a...)
	stream = append(stream, 0xD3, 0xFF) // false preamble
	stream = append(stream, bad...)
	stream = append(stream, b...)
	stream = append(stream, a[:5]...) // truncated tail

	frames := scanAll(t, stream)
	if len(frames) != 2 {
		t.Fatalf("frames=%d want 2", len(frames))
	}
	if !bytes.Equal(frames[0], a) {
		t.Fatalf("frame[0] mismatch")
	}
	if !bytes.Equal(frames[1], b) {
		t.Fatalf("frame[1] mismatch")
	}
}

func TestSplitFrames_ByteAtATime(t *testing.T) {
	a := mustEncode(t, msgPayload(TypeMSM7GLONASS, 64))
	r := &oneByteReader{data: append(append([]byte{0x00, 0x01}, a...), a...)}
	sc := bufio.NewScanner(r)
	sc.Split(SplitFrames)
	n := 0
	for sc.Scan() {
		if !bytes.Equal(sc.Bytes(), a) {
			t.Fatalf("frame mismatch")
		}
		n++
	}
	if n != 2 {
		t.Fatalf("frames=%d want 2", n)
	}
}

type oneByteReader struct {
	data []byte
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}
