package gps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

// NMEAOpener opens a serial receiver emitting NMEA 0183. An empty device
// auto-detects the first /dev/ttyACM* or /dev/ttyUSB*.
func NMEAOpener(device string, baud int, readTimeout time.Duration) Opener {
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	return func(ctx context.Context) (Session, error) {
		dev := strings.TrimSpace(device)
		if dev == "" {
			dev = autoDetectDevice()
			if dev == "" {
				return nil, fmt.Errorf("gps auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
			}
		}
		f, err := openSerial(dev, baud)
		if err != nil {
			return nil, fmt.Errorf("gps open device=%s baud=%d: %w", dev, baud, err)
		}
		return newNMEASession(f, readTimeout), nil
	}
}

// maxSentence bounds a buffered partial line. NMEA sentences are at most 82
// characters; anything longer is noise.
const maxSentence = 512

var errSessionClosed = errors.New("session closed")

// nmeaSession parses sentences in the background; Read returns the state
// after the newest RMC or GGA.
type nmeaSession struct {
	rc      io.ReadCloser
	timeout time.Duration
	nowFn   func() time.Time
	latest  *latestFix

	quit      chan struct{}
	closeOnce sync.Once
}

func newNMEASession(rc io.ReadCloser, timeout time.Duration) *nmeaSession {
	s := &nmeaSession{
		rc:      rc,
		timeout: timeout,
		nowFn:   time.Now,
		latest:  newLatestFix(),
		quit:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// readLoop relies on the port's one second inter-read timeout to notice
// Close between sentences.
func (s *nmeaSession) readLoop() {
	var (
		st  nmeaState
		buf []byte
		tmp [256]byte
	)
	for {
		select {
		case <-s.quit:
			s.latest.finish(errSessionClosed)
			return
		default:
		}

		n, err := s.rc.Read(tmp[:])
		buf = append(buf, tmp[:n]...)
		start := 0
		for {
			i := bytes.IndexByte(buf[start:], '\n')
			if i < 0 {
				break
			}
			s.handleLine(&st, strings.TrimSpace(string(buf[start:start+i])))
			start += i + 1
		}
		buf = append(buf[:0], buf[start:]...)
		if len(buf) > maxSentence {
			buf = buf[:0]
		}
		if err != nil {
			s.latest.finish(fmt.Errorf("nmea read: %w", err))
			return
		}
	}
}

func (s *nmeaSession) handleLine(st *nmeaState, line string) {
	if !strings.HasPrefix(line, "$") {
		return
	}
	sent, err := nmea.Parse(line)
	if err != nil {
		return
	}
	if st.apply(s.nowFn().UTC(), sent) {
		s.latest.publish(st.fix())
	}
}

func (s *nmeaSession) Read(ctx context.Context) (Fix, error) {
	f, err := s.latest.wait(ctx, s.timeout)
	if errors.Is(err, errNoReport) {
		return Fix{}, fmt.Errorf("nmea read: no sentence within %s", s.timeout)
	}
	return f, err
}

// Close ends the session and waits for the reader to stop.
func (s *nmeaSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		err = s.rc.Close()
	})
	<-s.latest.done
	return err
}

type nmeaState struct {
	latDeg, lonDeg float64
	altM           float64
	quality        int
	satellites     int
	hdop           float64
	mode           int
	valid          bool
	fixTime        time.Time
}

func (s *nmeaState) fix() Fix {
	return Fix{
		Valid:      s.valid,
		LatDeg:     s.latDeg,
		LonDeg:     s.lonDeg,
		AltM:       s.altM,
		Mode:       s.mode,
		Satellites: s.satellites,
		HDOP:       s.hdop,
		Time:       s.fixTime,
	}
}

// apply folds one sentence into the state and reports whether it carried a
// position. Validity always follows the latest RMC or GGA alone: a void RMC
// clears the GGA quality and a quality 0 GGA voids the fix, so neither can
// keep a lost fix alive.
func (s *nmeaState) apply(nowUTC time.Time, sent nmea.Sentence) bool {
	switch m := sent.(type) {
	case nmea.RMC:
		s.fixTime = nmeaTime(nowUTC, m.Date, m.Time)
		if m.Validity != nmea.ValidRMC {
			s.valid = false
			s.quality = 0
			s.mode = 1
			return true
		}
		s.latDeg = m.Latitude
		s.lonDeg = m.Longitude
		s.valid = true
		if s.quality > 0 {
			s.mode = 3
		} else {
			s.mode = 2
		}
		return true
	case nmea.GGA:
		s.quality = ggaQuality(m.FixQuality)
		s.satellites = int(m.NumSatellites)
		s.hdop = m.HDOP
		if s.quality == 0 {
			s.valid = false
			s.mode = 1
			return true
		}
		s.latDeg = m.Latitude
		s.lonDeg = m.Longitude
		s.altM = m.Altitude
		s.valid = true
		s.mode = 3
		return true
	default:
		return false
	}
}

func ggaQuality(q string) int {
	q = strings.TrimSpace(q)
	if len(q) != 1 || q[0] < '0' || q[0] > '9' {
		return 0
	}
	return int(q[0] - '0')
}

// nmeaTime combines an RMC date and time, falling back to nowUTC when the
// receiver has not reported either.
func nmeaTime(nowUTC time.Time, d nmea.Date, t nmea.Time) time.Time {
	if !d.Valid || !t.Valid {
		return nowUTC
	}
	return time.Date(2000+d.YY, time.Month(d.MM), d.DD, t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}
