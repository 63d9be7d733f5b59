// Package j2735 builds the SAE J2735 RTCMcorrections MessageFrame broadcast
// by the RSU and assembles it from the correction slot store.
package j2735

import (
	"errors"
	"fmt"

	"rsu-par/internal/rtcm"
)

// MessageIDRTCMCorrections is the DSRCmsgID of RTCMcorrections.
const MessageIDRTCMCorrections = 28

// Revision is RTCM-Revision.
type Revision uint8

const (
	RevisionUnknown  Revision = 0
	RevisionRTCM2    Revision = 1
	RevisionRTCM3    Revision = 2
	RevisionReserved Revision = 3
)

func (r Revision) String() string {
	switch r {
	case RevisionRTCM2:
		return "rtcmRev2"
	case RevisionRTCM3:
		return "rtcmRev3"
	case RevisionReserved:
		return "reserved"
	default:
		return "unknown"
	}
}

const (
	// MaxCount is the exclusive bound of MsgCount.
	MaxCount = 128

	// MaxMessages and MaxMessageSize bound RTCMmessageList.
	MaxMessages    = 5
	MaxMessageSize = 1023

	// MaxPayload is the largest aggregate one frame can carry.
	MaxPayload = MaxMessages * MaxMessageSize

	// ext + 4 optional bits + msgCnt + rev + list count, then each message
	// with its 10-bit length.
	maxBodyBits  = 1 + 4 + 7 + 1 + 2 + 3 + MaxMessages*(10+MaxMessageSize*8)
	maxBodyBytes = (maxBodyBits + 7) / 8

	// MaxFrameSize bounds an encoded MessageFrame: ext + messageId, a
	// two-octet length determinant and the open type contents.
	MaxFrameSize = 2 + 2 + maxBodyBytes
)

var (
	ErrNoCorrections       = errors.New("j2735: no correction data")
	ErrCorrectionsTooLarge = errors.New("j2735: correction data exceeds message list")
	ErrShortBuffer         = errors.New("j2735: output buffer too small")
	ErrTruncated           = errors.New("j2735: truncated frame")
	ErrUnexpectedMessage   = errors.New("j2735: unexpected message id")

	errFragmentedLength = errors.New("j2735: fragmented length not supported")
)

// Corrections is the RTCMcorrections value. Payload is the concatenated RTCM3
// aggregate; it is split into RTCMmessage entries when encoded.
type Corrections struct {
	MsgCnt   uint8
	Revision Revision
	Payload  []byte
}

// Encoder turns a Corrections value into transmittable bytes written to out.
type Encoder interface {
	Encode(c *Corrections, out []byte) (int, error)
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(c *Corrections, out []byte) (int, error)

func (f EncoderFunc) Encode(c *Corrections, out []byte) (int, error) {
	return f(c, out)
}

// UPEREncoder encodes a MessageFrame carrying RTCMcorrections in unaligned PER.
type UPEREncoder struct{}

func (UPEREncoder) Encode(c *Corrections, out []byte) (int, error) {
	if c == nil || len(c.Payload) == 0 {
		return 0, ErrNoCorrections
	}
	if len(c.Payload) > MaxPayload {
		return 0, fmt.Errorf("%w: %d bytes, max %d", ErrCorrectionsTooLarge, len(c.Payload), MaxPayload)
	}
	if c.MsgCnt >= MaxCount {
		return 0, fmt.Errorf("j2735: msgCnt %d out of range", c.MsgCnt)
	}
	if c.Revision > RevisionReserved {
		return 0, fmt.Errorf("j2735: revision %d out of range", c.Revision)
	}

	var body [maxBodyBytes]byte
	bw := newBitWriter(body[:])
	bw.writeBool(false) // extension
	// timeStamp, anchorPoint, rtcmHeader, regional: absent
	bw.writeBits(0, 4)
	bw.writeBits(uint32(c.MsgCnt), 7)
	bw.writeBool(false)
	bw.writeBits(uint32(c.Revision), 2)

	msgs := packMessages(c.Payload)
	if len(msgs) > MaxMessages {
		return 0, fmt.Errorf("%w: %d bytes need %d messages, max %d", ErrCorrectionsTooLarge, len(c.Payload), len(msgs), MaxMessages)
	}
	bw.writeBits(uint32(len(msgs)-1), 3)
	for _, m := range msgs {
		bw.writeBits(uint32(len(m)-1), 10)
		bw.writeBytes(m)
	}
	if bw.err != nil {
		return 0, bw.err
	}
	bodyLen := bw.octets()

	fw := newBitWriter(out)
	fw.writeBool(false) // extension
	fw.writeBits(MessageIDRTCMCorrections, 15)
	fw.writeLength(bodyLen)
	fw.writeBytes(body[:bodyLen])
	if fw.err != nil {
		return 0, fw.err
	}
	return fw.octets(), nil
}

// packMessages cuts p into RTCMmessage values of at most MaxMessageSize
// bytes. RTCM3 frames are never split across two messages unless a single
// frame is larger than a message; bytes that do not start a frame run to the
// end of p and are cut at the size limit.
func packMessages(p []byte) [][]byte {
	var msgs [][]byte
	start, off := 0, 0
	for off < len(p) {
		n := rtcm.FrameLen(p[off:])
		if n == 0 {
			n = len(p) - off
		}
		if off > start && off+n-start > MaxMessageSize {
			msgs = append(msgs, p[start:off])
			start = off
		}
		off += n
		for off-start > MaxMessageSize {
			msgs = append(msgs, p[start:start+MaxMessageSize])
			start += MaxMessageSize
		}
	}
	if off > start {
		msgs = append(msgs, p[start:off])
	}
	return msgs
}

// FitsMessageList reports whether p packs into one RTCMmessageList.
func FitsMessageList(p []byte) bool {
	return len(p) <= MaxPayload && len(packMessages(p)) <= MaxMessages
}

// DecodeFrame parses a MessageFrame produced by UPEREncoder. Optional
// RTCMcorrections components are rejected since this unit never sends them.
func DecodeFrame(b []byte) (Corrections, error) {
	r := &bitReader{buf: b}
	if r.readBool() {
		return Corrections{}, fmt.Errorf("j2735: MessageFrame extension not supported")
	}
	id := r.readBits(15)
	n := r.readLength()
	body := r.readBytes(n)
	if r.err != nil {
		return Corrections{}, r.err
	}
	if id != MessageIDRTCMCorrections {
		return Corrections{}, fmt.Errorf("%w: %d", ErrUnexpectedMessage, id)
	}

	br := &bitReader{buf: body}
	if br.readBool() {
		return Corrections{}, fmt.Errorf("j2735: RTCMcorrections extension not supported")
	}
	if opt := br.readBits(4); opt != 0 {
		return Corrections{}, fmt.Errorf("j2735: optional components %04b not supported", opt)
	}
	var c Corrections
	c.MsgCnt = uint8(br.readBits(7))
	if br.readBool() {
		return Corrections{}, fmt.Errorf("j2735: revision extension not supported")
	}
	c.Revision = Revision(br.readBits(2))
	count := int(br.readBits(3)) + 1
	if count > MaxMessages {
		return Corrections{}, fmt.Errorf("j2735: message count %d out of range", count)
	}
	for i := 0; i < count; i++ {
		l := int(br.readBits(10)) + 1
		c.Payload = append(c.Payload, br.readBytes(l)...)
	}
	if br.err != nil {
		return Corrections{}, br.err
	}
	return c, nil
}
