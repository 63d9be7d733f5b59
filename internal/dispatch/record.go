package dispatch

import (
	"encoding/binary"
	"fmt"
)

// RecordSize is the serialized size of Record.
const RecordSize = 12

// Record is the per-tick position broadcast: unit identity and position in
// 1e-7 degrees. It is serialized little-endian in field order.
type Record struct {
	ID        uint32
	Latitude  int32
	Longitude int32
}

func (r Record) MarshalBinary() ([]byte, error) {
	return r.Append(make([]byte, 0, RecordSize)), nil
}

// Append appends the serialized record to b.
func (r Record) Append(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, r.ID)
	b = binary.LittleEndian.AppendUint32(b, uint32(r.Latitude))
	return binary.LittleEndian.AppendUint32(b, uint32(r.Longitude))
}

func (r *Record) UnmarshalBinary(b []byte) error {
	if len(b) != RecordSize {
		return fmt.Errorf("dispatch: record is %d bytes, want %d", len(b), RecordSize)
	}
	r.ID = binary.LittleEndian.Uint32(b[0:4])
	r.Latitude = int32(binary.LittleEndian.Uint32(b[4:8]))
	r.Longitude = int32(binary.LittleEndian.Uint32(b[8:12]))
	return nil
}
