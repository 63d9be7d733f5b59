// Package dispatch runs the RSU's two broadcast loops: the fixed-rate
// position record and the correction frame.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"rsu-par/internal/position"
)

// newTickerFn returns a tick channel and its stop function.
var newTickerFn = func(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Sender delivers one discrete message. The payload length is the message
// length; implementations must not coalesce or split sends.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, payload []byte) error

func (f SenderFunc) Send(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// Positions is the position source read on every tick.
type Positions interface {
	Snapshot() position.Position
}

// Refresher is a background task owned by the dispatcher: started by Run and
// joined before Run returns.
type Refresher interface {
	Run(ctx context.Context) error
}

type State int32

const (
	StateIdle State = iota
	StateWaitingForTick
	StateBuilding
	StateSent
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForTick:
		return "waiting_for_tick"
	case StateBuilding:
		return "building"
	case StateSent:
		return "sent"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const (
	DefaultInterval    = 10 * time.Millisecond
	DefaultSendTimeout = 100 * time.Millisecond
)

type Config struct {
	// Interval is the tick period.
	Interval time.Duration
	// SendTimeout bounds a single Send; zero uses DefaultSendTimeout.
	SendTimeout time.Duration
	Identity    uint32
	Debug       bool
}

// Dispatcher broadcasts a Record on every tick, whether or not the position
// changed.
type Dispatcher struct {
	cfg       Config
	positions Positions
	sender    Sender
	refresher Refresher

	state    atomic.Int32
	ticks    atomic.Uint64
	sent     atomic.Uint64
	failed   atomic.Uint64
	invalid  atomic.Uint64
	lastSend atomic.Int64 // unix nanos

	mu      sync.Mutex
	lastErr string
}

func New(cfg Config, positions Positions, sender Sender) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Dispatcher{cfg: cfg, positions: positions, sender: sender}
}

// Own hands a background task to the dispatcher. It must be called before Run.
func (d *Dispatcher) Own(r Refresher) {
	d.refresher = r
}

// Run broadcasts until ctx ends. Shutdown is observed on the next tick or
// while waiting for one; the owned refresher is then cancelled and joined.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.positions == nil || d.sender == nil {
		return fmt.Errorf("dispatch: positions and sender are required")
	}

	refCtx, cancelRef := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if d.refresher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.refresher.Run(refCtx); err != nil {
				log.Printf("dispatch refresher stopped: %v", err)
			}
		}()
	}
	defer func() {
		cancelRef()
		wg.Wait()
		d.setState(StateStopped)
	}()

	tick, stop := newTickerFn(d.cfg.Interval)
	defer stop()

	log.Printf("dispatch started id=%d interval=%s", d.cfg.Identity, d.cfg.Interval)
	for {
		d.setState(StateWaitingForTick)
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		}
		if ctx.Err() != nil {
			return nil
		}
		d.tick(ctx)
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	d.ticks.Add(1)
	d.setState(StateBuilding)

	pos := d.positions.Snapshot()
	rec := Record{ID: d.cfg.Identity, Latitude: pos.Lat, Longitude: pos.Lon}
	if !pos.Valid {
		rec.Latitude = position.InvalidLatitude
		rec.Longitude = position.InvalidLongitude
		d.invalid.Add(1)
	}
	var buf [RecordSize]byte
	payload := rec.Append(buf[:0])

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err := d.sender.Send(sendCtx, payload)
	cancel()
	d.setState(StateSent)
	if err != nil {
		d.failed.Add(1)
		d.mu.Lock()
		first := d.lastErr == ""
		d.lastErr = err.Error()
		d.mu.Unlock()
		if first || d.cfg.Debug {
			log.Printf("dispatch send failed: %v", err)
		}
		return
	}
	d.sent.Add(1)
	d.lastSend.Store(time.Now().UnixNano())
	d.mu.Lock()
	recovered := d.lastErr != ""
	d.lastErr = ""
	d.mu.Unlock()
	if recovered {
		log.Printf("dispatch send recovered")
	}
	if d.cfg.Debug {
		log.Printf("dispatch sent id=%d lat=%d lon=%d", rec.ID, rec.Latitude, rec.Longitude)
	}
}

func (d *Dispatcher) setState(s State) {
	d.state.Store(int32(s))
}

func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

type Stats struct {
	State       string `json:"state"`
	IntervalUS  int64  `json:"interval_us"`
	Ticks       uint64 `json:"ticks"`
	Sent        uint64 `json:"sent"`
	Failed      uint64 `json:"failed"`
	Invalid     uint64 `json:"invalid_position"`
	LastSendUTC string `json:"last_send_utc,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	lastErr := d.lastErr
	d.mu.Unlock()
	st := Stats{
		State:      d.State().String(),
		IntervalUS: d.cfg.Interval.Microseconds(),
		Ticks:      d.ticks.Load(),
		Sent:       d.sent.Load(),
		Failed:     d.failed.Load(),
		Invalid:    d.invalid.Load(),
		LastError:  lastErr,
	}
	if ns := d.lastSend.Load(); ns != 0 {
		st.LastSendUTC = time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
	}
	return st
}
