package indicator

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeLine struct {
	mu     sync.Mutex
	values []int
	closed bool
}

func (f *fakeLine) SetValue(v int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = append(f.values, v)
	return nil
}

func (f *fakeLine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLine) snapshot() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.values...)
}

// withManualTimer captures the scheduled off edge so the test can fire it.
func withManualTimer(t *testing.T) *func() {
	t.Helper()
	var pending func()
	prev := afterFn
	afterFn = func(d time.Duration, f func()) *time.Timer {
		pending = f
		return time.NewTimer(time.Hour)
	}
	t.Cleanup(func() { afterFn = prev })
	return &pending
}

func openFake(t *testing.T) (*LED, *fakeLine) {
	t.Helper()
	fl := &fakeLine{}
	prev := openLineFn
	openLineFn = func(pin int) (line, error) { return fl, nil }
	t.Cleanup(func() { openLineFn = prev })
	led, err := Open(17, 0)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	return led, fl
}

func TestLED_PulseOnThenOff(t *testing.T) {
	pending := withManualTimer(t)
	led, fl := openFake(t)

	led.Pulse()
	if got := fl.snapshot(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("values=%v want [1]", got)
	}
	// Second pulse while lit does not re-write the line.
	led.Pulse()
	if got := fl.snapshot(); len(got) != 1 {
		t.Fatalf("values=%v want [1]", got)
	}

	(*pending)()
	if got := fl.snapshot(); len(got) != 2 || got[1] != 0 {
		t.Fatalf("values=%v want [1 0]", got)
	}
	if led.Pulses() != 2 {
		t.Fatalf("pulses=%d want 2", led.Pulses())
	}
}

func TestLED_CloseStopsPulses(t *testing.T) {
	withManualTimer(t)
	led, fl := openFake(t)

	if err := led.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	led.Pulse()
	if got := fl.snapshot(); len(got) != 0 {
		t.Fatalf("values=%v want none", got)
	}
	if !fl.closed {
		t.Fatalf("line not closed")
	}
	if err := led.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
}

func TestLED_DefaultPulse(t *testing.T) {
	led, _ := openFake(t)
	if led.pulse != DefaultPulse {
		t.Fatalf("pulse=%s want %s", led.pulse, DefaultPulse)
	}
	_ = led.Close()
}

func TestOpen_Error(t *testing.T) {
	prev := openLineFn
	openLineFn = func(pin int) (line, error) { return nil, errors.New("busy") }
	t.Cleanup(func() { openLineFn = prev })
	if _, err := Open(17, 0); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLED_NilSafe(t *testing.T) {
	var led *LED
	led.Pulse()
	if err := led.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
}
