package gps

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errNoReport = errors.New("no report")

// latestFix holds the newest solution decoded by a session's reader
// goroutine. Each solution is handed out at most once; solutions published
// between two Reads collapse into the newest.
type latestFix struct {
	mu   sync.Mutex
	fix  Fix
	seq  uint64
	seen uint64
	err  error

	notify chan struct{}
	done   chan struct{}
}

func newLatestFix() *latestFix {
	return &latestFix{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (l *latestFix) publish(f Fix) {
	l.mu.Lock()
	l.fix = f
	l.seq++
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// finish records why the reader stopped; err must be non-nil. A solution
// published before finish is still returned by the next wait.
func (l *latestFix) finish(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	close(l.done)
}

func (l *latestFix) next() (Fix, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seq != l.seen {
		l.seen = l.seq
		return l.fix, true, nil
	}
	return Fix{}, false, l.err
}

// wait returns the newest unseen solution, blocking until one arrives, the
// reader stops, ctx ends or timeout passes (errNoReport).
func (l *latestFix) wait(ctx context.Context, timeout time.Duration) (Fix, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return Fix{}, err
		}
		f, ok, err := l.next()
		if ok {
			return f, nil
		}
		if err != nil {
			return Fix{}, err
		}
		select {
		case <-ctx.Done():
			return Fix{}, ctx.Err()
		case <-l.notify:
		case <-l.done:
		case <-t.C:
			return Fix{}, errNoReport
		}
	}
}
