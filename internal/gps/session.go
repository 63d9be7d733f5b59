package gps

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// Fix is the receiver's latest solution as seen by a Session.
type Fix struct {
	Valid bool

	LatDeg float64
	LonDeg float64
	AltM   float64

	// Mode follows gpsd: 0/1 no fix, 2 2D, 3 3D. NMEA sessions derive it
	// from the GGA fix quality.
	Mode       int
	Satellites int
	HDOP       float64

	Time time.Time
}

// Session is an open connection to a GNSS receiver.
type Session interface {
	// Read returns the newest solution reported since the previous Read,
	// blocking until one arrives or ctx ends.
	Read(ctx context.Context) (Fix, error)
	Close() error
}

// Opener opens a new Session.
type Opener func(ctx context.Context) (Session, error)

type Config struct {
	// Source is "gpsd" (default) or "nmea".
	Source string

	GPSDAddr string

	// Device is the serial device path for Source=="nmea"; empty auto-detects.
	Device string
	Baud   int

	// ReadTimeout bounds a single Read with no data from the receiver.
	ReadTimeout time.Duration
}

const defaultReadTimeout = 5 * time.Second

// NewOpener returns the Opener for cfg.Source.
func NewOpener(cfg Config) (Opener, error) {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Source)) {
	case "", "gpsd":
		return GPSDOpener(cfg.GPSDAddr, cfg.ReadTimeout), nil
	case "nmea":
		baud := cfg.Baud
		if baud == 0 {
			baud = 9600
		}
		if _, err := baudToUnix(baud); err != nil {
			return nil, err
		}
		return NMEAOpener(cfg.Device, baud, cfg.ReadTimeout), nil
	default:
		return nil, fmt.Errorf("unknown gps source %q", cfg.Source)
	}
}

func autoDetectDevice() string {
	for _, prefix := range []string{"/dev/ttyACM", "/dev/ttyUSB"} {
		for i := 0; i < 10; i++ {
			p := fmt.Sprintf("%s%d", prefix, i)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}
