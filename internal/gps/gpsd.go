package gps

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

const gpsdDefaultAddr = "127.0.0.1:2947"

// GPSDOpener connects to gpsd and enables JSON watch mode.
func GPSDOpener(addr string, readTimeout time.Duration) Opener {
	if strings.TrimSpace(addr) == "" {
		addr = gpsdDefaultAddr
	}
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	return func(ctx context.Context) (Session, error) {
		conn, err := dialGPSD(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("gpsd dial addr=%s: %w", addr, err)
		}
		if err := gpsdWatch(conn); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("gpsd watch: %w", err)
		}
		return newGPSDSession(conn, readTimeout), nil
	}
}

func dialGPSD(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: 2 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// gpsdWatch enables JSON streaming reports.
func gpsdWatch(conn net.Conn) error {
	// scaled=true yields SI units (m/s, meters) and degrees.
	_, err := conn.Write([]byte("?WATCH={\"enable\":true,\"json\":true,\"scaled\":true}\n"))
	return err
}

// gpsdSession decodes every report as it arrives so Read always sees the
// newest TPV, however slowly the caller polls.
type gpsdSession struct {
	conn    net.Conn
	timeout time.Duration
	latest  *latestFix

	closeOnce sync.Once
}

func newGPSDSession(conn net.Conn, timeout time.Duration) *gpsdSession {
	s := &gpsdSession{conn: conn, timeout: timeout, latest: newLatestFix()}
	go s.readLoop()
	return s
}

func (s *gpsdSession) readLoop() {
	sc := bufio.NewScanner(s.conn)
	sc.Buffer(make([]byte, 0, 4096), 256*1024)

	var st gpsdState
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		tpv, err := st.applyLine(time.Now().UTC(), line)
		if err != nil || !tpv {
			// Malformed reports are skipped; only I/O errors end the session.
			continue
		}
		s.latest.publish(st.fix())
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	s.latest.finish(fmt.Errorf("gpsd read: %w", err))
}

// Read returns the newest TPV received since the previous Read, waiting for
// one if none has arrived.
func (s *gpsdSession) Read(ctx context.Context) (Fix, error) {
	f, err := s.latest.wait(ctx, s.timeout)
	if errors.Is(err, errNoReport) {
		return Fix{}, fmt.Errorf("gpsd read: no report within %s", s.timeout)
	}
	return f, err
}

// Close ends the session and waits for the reader to stop.
func (s *gpsdSession) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.conn.Close() })
	<-s.latest.done
	return err
}

type gpsdMsgBase struct {
	Class string `json:"class"`
}

type gpsdTPV struct {
	Class string `json:"class"`
	Mode  *int   `json:"mode"`
	Time  string `json:"time"`

	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	Alt    *float64 `json:"alt"`
	AltMSL *float64 `json:"altMSL"`
}

type gpsdSat struct {
	Used bool `json:"used"`
}

type gpsdSKY struct {
	Class      string    `json:"class"`
	HDOP       *float64  `json:"hdop"`
	Satellites []gpsdSat `json:"satellites"`
	USat       *int      `json:"uSat"`
}

type gpsdState struct {
	latDeg, lonDeg float64
	latOK, lonOK   bool
	altM           float64
	mode           int
	satsUsed       int
	hdop           float64
	fixTime        time.Time
}

func (s *gpsdState) fix() Fix {
	return Fix{
		Valid:      s.mode >= 2 && s.latOK && s.lonOK,
		LatDeg:     s.latDeg,
		LonDeg:     s.lonDeg,
		AltM:       s.altM,
		Mode:       s.mode,
		Satellites: s.satsUsed,
		HDOP:       s.hdop,
		Time:       s.fixTime,
	}
}

// applyLine folds one gpsd report into the state. It reports true for TPV
// reports, which carry the navigation solution.
func (s *gpsdState) applyLine(nowUTC time.Time, line string) (bool, error) {
	var base gpsdMsgBase
	if err := json.Unmarshal([]byte(line), &base); err != nil {
		return false, fmt.Errorf("gpsd json parse failed: %v", err)
	}

	switch strings.ToUpper(strings.TrimSpace(base.Class)) {
	case "TPV":
		var tpv gpsdTPV
		if err := json.Unmarshal([]byte(line), &tpv); err != nil {
			return false, fmt.Errorf("gpsd tpv parse failed: %v", err)
		}
		s.applyTPV(nowUTC, tpv)
		return true, nil
	case "SKY":
		var sky gpsdSKY
		if err := json.Unmarshal([]byte(line), &sky); err != nil {
			return false, fmt.Errorf("gpsd sky parse failed: %v", err)
		}
		s.applySKY(sky)
		return false, nil
	default:
		// VERSION, DEVICES, WATCH and friends.
		return false, nil
	}
}

func (s *gpsdState) applyTPV(nowUTC time.Time, tpv gpsdTPV) {
	s.mode = 0
	if tpv.Mode != nil {
		s.mode = *tpv.Mode
	}
	// A TPV without coordinates means the receiver lost them.
	s.latOK = tpv.Lat != nil
	s.lonOK = tpv.Lon != nil
	if s.latOK {
		s.latDeg = *tpv.Lat
	}
	if s.lonOK {
		s.lonDeg = *tpv.Lon
	}
	alt := tpv.AltMSL
	if alt == nil {
		alt = tpv.Alt
	}
	if alt != nil {
		s.altM = *alt
	}

	s.fixTime = nowUTC
	if strings.TrimSpace(tpv.Time) != "" {
		if t, err := time.Parse(time.RFC3339Nano, tpv.Time); err == nil {
			s.fixTime = t.UTC()
		}
	}
}

func (s *gpsdState) applySKY(sky gpsdSKY) {
	if sky.HDOP != nil {
		s.hdop = *sky.HDOP
	}
	switch {
	case sky.USat != nil:
		s.satsUsed = *sky.USat
	case len(sky.Satellites) > 0:
		used := 0
		for _, sat := range sky.Satellites {
			if sat.Used {
				used++
			}
		}
		s.satsUsed = used
	}
}
