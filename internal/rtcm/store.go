package rtcm

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Correction message numbers held by the store, in drain order.
const (
	TypeStationARP  = 1005 // stationary reference station ARP
	TypeMSM7GPS     = 1077
	TypeMSM7GLONASS = 1087
	TypeMSM7Galileo = 1097
	TypeMSM7BeiDou  = 1127
	TypeGLONASSBias = 1230 // GLONASS code-phase biases
)

// SlotTypes lists the supported message numbers in fixed ascending slot order.
var SlotTypes = [...]int{
	TypeStationARP,
	TypeMSM7GPS,
	TypeMSM7GLONASS,
	TypeMSM7Galileo,
	TypeMSM7BeiDou,
	TypeGLONASSBias,
}

const (
	// MaxFragmentSize bounds a single slot: a full RTCM3 frame with header and parity.
	MaxFragmentSize = headerLen + MaxPayloadLen + parityLen

	// AggregateCapacity is the worst case of every slot ready at once.
	AggregateCapacity = len(SlotTypes) * MaxFragmentSize
)

// ErrBufferOverflow reports a drain whose ready payloads do not fit the
// destination. It is a caller contract violation, not a transient failure.
var ErrBufferOverflow = errors.New("rtcm: drain buffer overflow")

// Policy selects what Insert does with a fragment for a slot that still holds
// undrained data.
type Policy int

const (
	// PolicyDrop keeps the undrained fragment and discards the new one.
	PolicyDrop Policy = iota
	// PolicyOverwrite replaces the undrained fragment with the new one.
	PolicyOverwrite
)

// ParsePolicy maps a config value to a Policy. Empty selects PolicyDrop.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return PolicyDrop, nil
	case "overwrite":
		return PolicyOverwrite, nil
	default:
		return PolicyDrop, fmt.Errorf("unknown rtcm slot policy %q", s)
	}
}

func (p Policy) String() string {
	if p == PolicyOverwrite {
		return "overwrite"
	}
	return "drop"
}

// InsertResult describes what Insert did with a fragment.
type InsertResult int

const (
	Stored InsertResult = iota
	Coalesced
	Overwritten
	UnknownType
	TooLarge
)

func (r InsertResult) String() string {
	switch r {
	case Stored:
		return "stored"
	case Coalesced:
		return "coalesced"
	case Overwritten:
		return "overwritten"
	case UnknownType:
		return "unknown_type"
	case TooLarge:
		return "too_large"
	default:
		return fmt.Sprintf("InsertResult(%d)", int(r))
	}
}

type slot struct {
	typeID   int
	buf      [MaxFragmentSize]byte
	n        int
	ready    bool
	stored   uint64
	dropped  uint64
	deferred uint64
}

// Store is the fixed table of per-type correction slots.
//
// A single mutex guards the whole table so a drain observes every ready flag
// at one instant. Slots live for the lifetime of the Store.
type Store struct {
	policy Policy

	mu      sync.Mutex
	slots   [len(SlotTypes)]slot
	unknown uint64
	drains  uint64
}

// NewStore allocates every slot up front; none is allocated later.
func NewStore(policy Policy) *Store {
	s := &Store{policy: policy}
	for i, t := range SlotTypes {
		s.slots[i].typeID = t
	}
	return s
}

func slotIndex(typeID int) int {
	for i, t := range SlotTypes {
		if t == typeID {
			return i
		}
	}
	return -1
}

// Insert stores payload in the slot for typeID. With PolicyDrop a slot that is
// still ready keeps its current fragment and the new one is discarded.
func (s *Store) Insert(typeID int, payload []byte) InsertResult {
	idx := slotIndex(typeID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if idx < 0 {
		s.unknown++
		return UnknownType
	}
	sl := &s.slots[idx]
	if len(payload) > len(sl.buf) {
		sl.dropped++
		return TooLarge
	}

	res := Stored
	if sl.ready {
		if s.policy != PolicyOverwrite {
			sl.dropped++
			return Coalesced
		}
		res = Overwritten
		sl.dropped++
	}
	sl.n = copy(sl.buf[:], payload)
	sl.ready = true
	sl.stored++
	return res
}

// DrainInto copies every ready payload into dst in slot order, clears the
// ready flags and returns the number of bytes written.
//
// If the ready payloads exceed len(dst) nothing is copied or cleared and
// ErrBufferOverflow is returned.
func (s *Store) DrainInto(dst []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for i := range s.slots {
		if s.slots[i].ready {
			total += s.slots[i].n
		}
	}
	if total > len(dst) {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferOverflow, total, len(dst))
	}

	n := 0
	for i := range s.slots {
		sl := &s.slots[i]
		if !sl.ready {
			continue
		}
		n += copy(dst[n:], sl.buf[:sl.n])
		sl.ready = false
	}
	s.drains++
	return n, nil
}

// DrainFit drains ready slots into dst in slot order, keeping only those
// for which fit accepts the aggregate grown by that slot's payload. A slot
// that does not fit dst or is rejected by fit stays ready for the next drain;
// later slots are still offered. fit runs with the table locked and must not
// call back into the Store.
func (s *Store) DrainFit(dst []byte, fit func(aggregate []byte) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.slots {
		sl := &s.slots[i]
		if !sl.ready || n+sl.n > len(dst) {
			continue
		}
		copy(dst[n:], sl.buf[:sl.n])
		if fit != nil && !fit(dst[:n+sl.n]) {
			sl.deferred++
			continue
		}
		n += sl.n
		sl.ready = false
	}
	s.drains++
	return n
}

// Ready reports whether the slot for typeID holds undrained data.
func (s *Store) Ready(typeID int) bool {
	idx := slotIndex(typeID)
	if idx < 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[idx].ready
}

// Policy returns the policy the store was created with.
func (s *Store) Policy() Policy {
	return s.policy
}

type SlotSnapshot struct {
	Type     int    `json:"type"`
	Ready    bool   `json:"ready"`
	Length   int    `json:"length"`
	Stored   uint64 `json:"stored"`
	Dropped  uint64 `json:"dropped"`
	Deferred uint64 `json:"deferred"`
}

type StoreSnapshot struct {
	Policy  string         `json:"policy"`
	Slots   []SlotSnapshot `json:"slots"`
	Unknown uint64         `json:"unknown"`
	Drains  uint64         `json:"drains"`
}

func (s *Store) Snapshot() StoreSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := StoreSnapshot{
		Policy:  s.policy.String(),
		Slots:   make([]SlotSnapshot, 0, len(s.slots)),
		Unknown: s.unknown,
		Drains:  s.drains,
	}
	for i := range s.slots {
		sl := &s.slots[i]
		ss := SlotSnapshot{Type: sl.typeID, Ready: sl.ready, Stored: sl.stored, Dropped: sl.dropped, Deferred: sl.deferred}
		if sl.ready {
			ss.Length = sl.n
		}
		out.Slots = append(out.Slots, ss)
	}
	return out
}
