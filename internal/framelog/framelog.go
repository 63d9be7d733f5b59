// Package framelog records broadcast frames to a text log and plays them
// back with their original spacing.
//
// Format, one record per line:
//
//	START            origin marker; following offsets restart at 0
//	<t_ns>,<hex>     nanoseconds since START, frame bytes in hex
//
// Blank lines and lines starting with '#' are ignored.
package framelog

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Record is one logged frame. A nil Frame is a START marker.
type Record struct {
	At    time.Duration
	Frame []byte
}

func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

func Read(r io.Reader) ([]Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var recs []Record
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{})
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("framelog line %d: %w", lineNo, err)
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func parseLine(line string) (Record, error) {
	tsStr, hexStr, ok := strings.Cut(line, ",")
	if !ok {
		return Record{}, fmt.Errorf("missing comma: %q", line)
	}
	tsStr = strings.TrimSpace(tsStr)
	hexStr = strings.ReplaceAll(strings.TrimSpace(hexStr), " ", "")
	if tsStr == "" || hexStr == "" {
		return Record{}, fmt.Errorf("empty field: %q", line)
	}
	ns, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("bad timestamp %q: %w", tsStr, err)
	}
	if ns < 0 {
		return Record{}, fmt.Errorf("negative timestamp %d", ns)
	}
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return Record{}, fmt.Errorf("bad hex payload: %w", err)
	}
	return Record{At: time.Duration(ns), Frame: b}, nil
}

// Writer appends frames to a log file. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	closed bool
}

// Create opens path for appending, creating parent directories, and writes a
// START marker.
func Create(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	w := &Writer{f: f, w: bufio.NewWriterSize(f, 16*1024), start: time.Now()}
	if _, err := w.w.WriteString("START\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// Write logs frame at time t. Frames arrive about once a second, so each
// write is flushed.
func (w *Writer) Write(t time.Time, frame []byte) error {
	if len(frame) == 0 {
		return errors.New("framelog: empty frame")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("framelog: writer is closed")
	}
	d := t.Sub(w.start)
	if d < 0 {
		d = 0
	}
	if _, err := fmt.Fprintf(w.w, "%d,%s\n", d.Nanoseconds(), hex.EncodeToString(frame)); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.w.Flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

// sleepFn waits d or until ctx ends.
var sleepFn = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Play hands each frame to fn, waiting between frames as they were logged.
// speed scales the waits: 2 plays twice as fast. START markers reset the
// origin, so gaps between recording sessions are not replayed.
func Play(ctx context.Context, records []Record, speed float64, fn func(frame []byte) error) error {
	if speed <= 0 {
		return fmt.Errorf("framelog: speed must be > 0")
	}
	if fn == nil {
		return errors.New("framelog: callback is nil")
	}

	var origin, last time.Duration
	haveLast := false
	for _, r := range records {
		if r.Frame == nil {
			origin = r.At
			haveLast = false
			continue
		}
		at := r.At - origin
		if at < 0 {
			at = 0
		}
		if haveLast {
			if wait := time.Duration(float64(at-last) / speed); wait > 0 {
				if err := sleepFn(ctx, wait); err != nil {
					return err
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r.Frame); err != nil {
			return err
		}
		last = at
		haveLast = true
	}
	return nil
}
