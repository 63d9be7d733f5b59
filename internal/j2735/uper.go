package j2735

// Unaligned PER bit packing. Bits are written MSB first starting at bit 0 of
// the first octet, the same convention RTCM3 uses for its bit fields.

type bitWriter struct {
	buf []byte
	pos int // bits written
	err error
}

func newBitWriter(buf []byte) *bitWriter {
	for i := range buf {
		buf[i] = 0
	}
	return &bitWriter{buf: buf}
}

func (w *bitWriter) writeBits(v uint32, n int) {
	if w.err != nil || n <= 0 {
		return
	}
	if w.pos+n > len(w.buf)*8 {
		w.err = ErrShortBuffer
		return
	}
	for i := n - 1; i >= 0; i-- {
		if v&(1<<uint(i)) != 0 {
			w.buf[w.pos/8] |= 1 << (7 - uint(w.pos%8))
		}
		w.pos++
	}
}

func (w *bitWriter) writeBool(b bool) {
	if b {
		w.writeBits(1, 1)
	} else {
		w.writeBits(0, 1)
	}
}

func (w *bitWriter) writeBytes(p []byte) {
	for _, b := range p {
		w.writeBits(uint32(b), 8)
	}
}

// writeLength encodes an unconstrained length determinant (X.691 10.9) for
// lengths below 16K.
func (w *bitWriter) writeLength(n int) {
	switch {
	case n < 128:
		w.writeBits(uint32(n), 8)
	case n < 16384:
		w.writeBits(0x8000|uint32(n), 16)
	default:
		if w.err == nil {
			w.err = errFragmentedLength
		}
	}
}

// octets pads to the next octet boundary and returns the encoded length.
func (w *bitWriter) octets() int {
	return (w.pos + 7) / 8
}

type bitReader struct {
	buf []byte
	pos int
	err error
}

func (r *bitReader) readBits(n int) uint32 {
	if r.err != nil || n <= 0 {
		return 0
	}
	if r.pos+n > len(r.buf)*8 {
		r.err = ErrTruncated
		return 0
	}
	var v uint32
	for i := 0; i < n; i++ {
		v = v<<1 | uint32(r.buf[r.pos/8]>>(7-uint(r.pos%8))&1)
		r.pos++
	}
	return v
}

func (r *bitReader) readBool() bool {
	return r.readBits(1) == 1
}

func (r *bitReader) readBytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n*8 > len(r.buf)*8 {
		r.err = ErrTruncated
		return nil
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(r.readBits(8))
	}
	return out
}

func (r *bitReader) readLength() int {
	first := r.readBits(8)
	if first&0x80 == 0 {
		return int(first)
	}
	if first&0xC0 == 0x80 {
		return int(first&0x3F)<<8 | int(r.readBits(8))
	}
	if r.err == nil {
		r.err = errFragmentedLength
	}
	return 0
}
