// Package indicator drives a status LED that pulses once per correction
// frame sent.
package indicator

import (
	"sync"
	"time"
)

const DefaultPulse = 100 * time.Millisecond

type line interface {
	SetValue(v int) error
	Close() error
}

var openLineFn = openLine

// afterFn schedules the LED off edge.
var afterFn = time.AfterFunc

type LED struct {
	pulse time.Duration

	mu     sync.Mutex
	l      line
	timer  *time.Timer
	on     bool
	closed bool
	pulses uint64
}

// Open requests the GPIO line for BCM pin.
func Open(pin int, pulse time.Duration) (*LED, error) {
	l, err := openLineFn(pin)
	if err != nil {
		return nil, err
	}
	if pulse <= 0 {
		pulse = DefaultPulse
	}
	return &LED{pulse: pulse, l: l}, nil
}

// Pulse turns the LED on and schedules it off. A pulse while lit extends it.
// It never blocks on the caller's loop beyond a single line write.
func (d *LED) Pulse() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.pulses++
	if !d.on {
		if err := d.l.SetValue(1); err != nil {
			return
		}
		d.on = true
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = afterFn(d.pulse, d.off)
}

func (d *LED) off() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || !d.on {
		return
	}
	_ = d.l.SetValue(0)
	d.on = false
}

func (d *LED) Pulses() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pulses
}

// Close turns the LED off and releases the line.
func (d *LED) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
	}
	return d.l.Close()
}
