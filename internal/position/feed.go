// Package position keeps the RSU's last known position for the broadcast
// loop. The position comes from static configuration when set, otherwise
// from a GNSS session polled in the background.
package position

import (
	"context"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"rsu-par/internal/gps"
)

// Out-of-range values broadcast when no fix is available, in 1e-7 degrees.
const (
	InvalidLatitude  int32 = 900000001
	InvalidLongitude int32 = 1800000001
)

const (
	SourceNone   = "none"
	SourceStatic = "static"
	SourceGNSS   = "gnss"
)

// Position is a snapshot in 1e-7 degree units.
type Position struct {
	Lat       int32     `json:"lat"`
	Lon       int32     `json:"lon"`
	Valid     bool      `json:"valid"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Invalid is the sentinel position.
func Invalid() Position {
	return Position{Lat: InvalidLatitude, Lon: InvalidLongitude, Source: SourceNone}
}

type Config struct {
	// StaticLatitude and StaticLongitude override GNSS when both are non-zero.
	StaticLatitude  int32
	StaticLongitude int32

	PollInterval time.Duration
	Debug        bool
}

func (c Config) static() bool {
	return c.StaticLatitude != 0 && c.StaticLongitude != 0
}

// Feed publishes Position snapshots. Snapshot never blocks on the refresh
// task.
type Feed struct {
	cfg  Config
	open gps.Opener
	now  func() time.Time

	cur atomic.Pointer[Position]

	reads      atomic.Uint64
	readErrors atomic.Uint64
	opens      atomic.Uint64
	openErrors atomic.Uint64

	mu      sync.Mutex
	healthy bool
	lastErr string
}

// NewFeed returns a feed publishing the sentinel (or the static position)
// until Run obtains a fix. open may be nil when no receiver is configured.
func NewFeed(cfg Config, open gps.Opener) *Feed {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	f := &Feed{cfg: cfg, open: open, now: time.Now}
	p := Invalid()
	if cfg.static() {
		p = f.staticPosition()
	}
	f.cur.Store(&p)
	return f
}

func (f *Feed) Snapshot() Position {
	return *f.cur.Load()
}

func (f *Feed) staticPosition() Position {
	return Position{
		Lat:       f.cfg.StaticLatitude,
		Lon:       f.cfg.StaticLongitude,
		Valid:     true,
		Source:    SourceStatic,
		UpdatedAt: f.now().UTC(),
	}
}

func (f *Feed) publish(p Position) {
	f.cur.Store(&p)
}

// Run refreshes the snapshot every PollInterval until ctx ends. A failed open
// or read marks the session unhealthy; the next cycle closes it and opens a
// new one. Retries are unbounded.
func (f *Feed) Run(ctx context.Context) error {
	if f.cfg.static() {
		p := f.staticPosition()
		f.publish(p)
		log.Printf("position static lat=%d lon=%d", p.Lat, p.Lon)
		<-ctx.Done()
		return nil
	}
	if f.open == nil {
		log.Printf("position no gnss source; broadcasting invalid position")
		<-ctx.Done()
		return nil
	}

	var sess gps.Session
	defer func() {
		if sess != nil {
			_ = sess.Close()
		}
	}()

	for {
		start := f.now()

		if sess != nil && !f.isHealthy() {
			_ = sess.Close()
			sess = nil
		}
		if sess == nil {
			f.opens.Add(1)
			s, err := f.open(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				f.openErrors.Add(1)
				f.fail("open", err)
			} else {
				sess = s
				f.setHealthy()
			}
		}

		if sess != nil {
			fix, err := sess.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				f.readErrors.Add(1)
				f.fail("read", err)
			} else {
				f.reads.Add(1)
				f.apply(fix)
			}
		}

		wait := f.cfg.PollInterval - f.now().Sub(start)
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

// apply publishes fix when valid; an invalid fix publishes the sentinel so a
// lost fix is never broadcast as stale coordinates.
func (f *Feed) apply(fix gps.Fix) {
	p, ok := fromFix(fix)
	if !ok {
		p = Invalid()
	}
	p.UpdatedAt = f.now().UTC()
	if f.cfg.Debug {
		log.Printf("position fix valid=%t lat=%d lon=%d mode=%d", p.Valid, p.Lat, p.Lon, fix.Mode)
	}
	f.publish(p)
}

func fromFix(fix gps.Fix) (Position, bool) {
	if !fix.Valid {
		return Position{}, false
	}
	if math.IsNaN(fix.LatDeg) || math.IsNaN(fix.LonDeg) ||
		math.Abs(fix.LatDeg) > 90 || math.Abs(fix.LonDeg) > 180 {
		return Position{}, false
	}
	return Position{
		Lat:    int32(math.Round(fix.LatDeg * 1e7)),
		Lon:    int32(math.Round(fix.LonDeg * 1e7)),
		Valid:  true,
		Source: SourceGNSS,
	}, true
}

func (f *Feed) isHealthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *Feed) setHealthy() {
	f.mu.Lock()
	f.healthy = true
	f.mu.Unlock()
}

// fail keeps the previous snapshot; only a successful read that reports no
// fix replaces it with the sentinel.
func (f *Feed) fail(op string, err error) {
	f.mu.Lock()
	// Log transitions, not every retry.
	logIt := f.healthy || f.lastErr == ""
	f.healthy = false
	f.lastErr = op + ": " + err.Error()
	f.mu.Unlock()

	if logIt || f.cfg.Debug {
		log.Printf("position gnss %s failed: %v", op, err)
	}
}

type Stats struct {
	Healthy    bool   `json:"healthy"`
	Reads      uint64 `json:"reads"`
	ReadErrors uint64 `json:"read_errors"`
	Opens      uint64 `json:"opens"`
	OpenErrors uint64 `json:"open_errors"`
	LastError  string `json:"last_error,omitempty"`
}

func (f *Feed) Stats() Stats {
	f.mu.Lock()
	healthy, lastErr := f.healthy, f.lastErr
	f.mu.Unlock()
	return Stats{
		Healthy:    healthy,
		Reads:      f.reads.Load(),
		ReadErrors: f.readErrors.Load(),
		Opens:      f.opens.Load(),
		OpenErrors: f.openErrors.Load(),
		LastError:  lastErr,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
