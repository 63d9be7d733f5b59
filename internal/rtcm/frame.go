package rtcm

import (
	"bytes"
	"fmt"
)

const (
	preamble = 0xD3

	headerLen = 3
	parityLen = 3

	// MaxPayloadLen is the largest payload the 10-bit RTCM3 length field can carry.
	MaxPayloadLen = 1023
)

// SplitFrames is a bufio.SplitFunc yielding complete, CRC-checked RTCM3 frames
// (header + payload + parity) from a byte stream.
//
// Bytes that are not part of a valid frame (NMEA chatter, UBX, line noise) are
// skipped one at a time until the next preamble resynchronizes the stream.
func SplitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for {
		i := bytes.IndexByte(data[advance:], preamble)
		if i < 0 {
			// Nothing framable in the buffered data.
			return len(data), nil, nil
		}
		advance += i
		rest := data[advance:]

		if len(rest) < headerLen {
			if atEOF {
				return len(data), nil, nil
			}
			return advance, nil, nil
		}
		// 6 reserved bits must be zero; treat anything else as a false preamble.
		if rest[1]&0xFC != 0 {
			advance++
			continue
		}
		n := int(rest[1]&0x03)<<8 | int(rest[2])
		total := headerLen + n + parityLen
		if len(rest) < total {
			if atEOF {
				return len(data), nil, nil
			}
			return advance, nil, nil
		}

		want := uint32(rest[headerLen+n])<<16 | uint32(rest[headerLen+n+1])<<8 | uint32(rest[headerLen+n+2])
		if crc24q(rest[:headerLen+n]) != want {
			advance++
			continue
		}
		return advance + total, rest[:total], nil
	}
}

// FrameLen returns the length of the frame whose header starts p, including
// header and parity, or 0 when p does not start with a complete frame. The
// CRC is not checked.
func FrameLen(p []byte) int {
	if len(p) < headerLen || p[0] != preamble {
		return 0
	}
	n := headerLen + (int(p[1]&0x03)<<8 | int(p[2])) + parityLen
	if n > len(p) {
		return 0
	}
	return n
}

// MessageType returns the 12-bit RTCM3 message number carried in the first
// payload bits of a complete frame.
func MessageType(frame []byte) (int, error) {
	if len(frame) < headerLen+2+parityLen {
		return 0, fmt.Errorf("rtcm: frame too short: %d", len(frame))
	}
	if frame[0] != preamble {
		return 0, fmt.Errorf("rtcm: missing preamble")
	}
	return int(frame[headerLen])<<4 | int(frame[headerLen+1]>>4), nil
}

// Encode wraps payload into an RTCM3 frame with header and CRC-24Q parity.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("rtcm: payload too large: %d", len(payload))
	}
	out := make([]byte, 0, headerLen+len(payload)+parityLen)
	out = append(out, preamble, byte(len(payload)>>8)&0x03, byte(len(payload)))
	out = append(out, payload...)
	crc := crc24q(out)
	out = append(out, byte(crc>>16), byte(crc>>8), byte(crc))
	return out, nil
}
