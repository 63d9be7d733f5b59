package j2735

import (
	"fmt"
	"sync"

	"rsu-par/internal/rtcm"
)

// AssemblyError reports a failed assembly. MsgCnt is the counter value the
// frame would have carried.
type AssemblyError struct {
	Op     string
	MsgCnt uint8
	Err    error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble msgCnt=%d: %s: %v", e.MsgCnt, e.Op, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// Frame is one encoded correction broadcast.
type Frame struct {
	MsgCnt    uint8
	Aggregate int // drained correction bytes
	Data      []byte
}

// Assembler drains the slot store into a Corrections value and encodes it.
// It owns the MsgCount sequence.
type Assembler struct {
	store    *rtcm.Store
	encoder  Encoder
	revision Revision

	mu      sync.Mutex
	counter uint8
	frames  uint64
	failed  uint64
}

// NewAssembler returns an Assembler over store. A nil encoder selects
// UPEREncoder.
func NewAssembler(store *rtcm.Store, encoder Encoder) *Assembler {
	if encoder == nil {
		encoder = UPEREncoder{}
	}
	return &Assembler{store: store, encoder: encoder, revision: RevisionRTCM3}
}

// Assemble drains the ready slots, stamps the next MsgCount and encodes the
// result. Only fragments that fit one RTCMmessageList are drained; the rest
// stay ready for the next call. An empty drain is still handed to the
// encoder. The counter advances on every call, successful or not.
func (a *Assembler) Assemble() (Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cnt := a.counter
	a.counter = (a.counter + 1) % MaxCount

	agg := make([]byte, rtcm.AggregateCapacity)
	n := a.store.DrainFit(agg, FitsMessageList)

	c := &Corrections{MsgCnt: cnt, Revision: a.revision, Payload: agg[:n]}
	out := make([]byte, MaxFrameSize)
	m, err := a.encoder.Encode(c, out)
	if err != nil {
		a.failed++
		return Frame{}, &AssemblyError{Op: "encode", MsgCnt: cnt, Err: err}
	}
	if m < 0 || m > len(out) {
		a.failed++
		return Frame{}, &AssemblyError{Op: "encode", MsgCnt: cnt, Err: fmt.Errorf("encoder returned %d bytes for %d byte buffer", m, len(out))}
	}
	a.frames++
	return Frame{MsgCnt: cnt, Aggregate: n, Data: out[:m]}, nil
}

type AssemblerStats struct {
	Next   uint8  `json:"next_msg_cnt"`
	Frames uint64 `json:"frames"`
	Failed uint64 `json:"failed"`
}

func (a *Assembler) Stats() AssemblerStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AssemblerStats{Next: a.counter, Frames: a.frames, Failed: a.failed}
}
