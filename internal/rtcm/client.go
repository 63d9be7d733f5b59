package rtcm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
)

// ClientConfig describes where correction frames are read from.
//
// Source is either "tcp://host:port" (gpsd raw mode, an NTRIP relay, a
// receiver's TCP output) or "serial:///dev/ttyUSB0?baud=115200".
type ClientConfig struct {
	Name   string
	Source string

	ReconnectDelay time.Duration
	DialTimeout    time.Duration

	Debug bool
}

type ClientSnapshot struct {
	Name        string         `json:"name"`
	Source      string         `json:"source"`
	State       string         `json:"state"`
	LastError   string         `json:"last_error,omitempty"`
	LastSeenUTC string         `json:"last_seen_utc,omitempty"`
	Frames      uint64         `json:"frames"`
	ByType      map[int]uint64 `json:"by_type,omitempty"`
}

// Client reads an RTCM3 byte stream and hands each valid frame to a callback.
// The connection is reopened after any read failure.
type Client struct {
	cfg  ClientConfig
	open func(ctx context.Context) (io.ReadCloser, error)

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	state    string
	lastErr  string
	lastSeen time.Time
	count    uint64
	byType   map[int]uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Name == "" {
		cfg.Name = "rtcm"
	}
	if strings.TrimSpace(cfg.Source) == "" {
		return nil, fmt.Errorf("rtcm client source is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 1 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	open, err := sourceOpener(cfg.Source, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		open:   open,
		state:  "stopped",
		byType: make(map[int]uint64),
		done:   make(chan struct{}),
	}, nil
}

func sourceOpener(source string, dialTimeout time.Duration) (func(ctx context.Context) (io.ReadCloser, error), error) {
	u, err := url.Parse(strings.TrimSpace(source))
	if err != nil {
		return nil, fmt.Errorf("rtcm source: %w", err)
	}
	switch u.Scheme {
	case "tcp":
		if u.Host == "" {
			return nil, fmt.Errorf("rtcm source %q: missing host", source)
		}
		addr := u.Host
		return func(ctx context.Context) (io.ReadCloser, error) {
			d := &net.Dialer{Timeout: dialTimeout}
			return d.DialContext(ctx, "tcp", addr)
		}, nil
	case "serial":
		if u.Path == "" {
			return nil, fmt.Errorf("rtcm source %q: missing device path", source)
		}
		baud := 115200
		if s := u.Query().Get("baud"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v <= 0 {
				return nil, fmt.Errorf("rtcm source %q: bad baud %q", source, s)
			}
			baud = v
		}
		opts := serial.OpenOptions{
			PortName:        u.Path,
			BaudRate:        uint(baud),
			DataBits:        8,
			StopBits:        1,
			MinimumReadSize: 1,
			ParityMode:      serial.PARITY_NONE,
		}
		return func(ctx context.Context) (io.ReadCloser, error) {
			return serial.Open(opts)
		}, nil
	default:
		return nil, fmt.Errorf("rtcm source %q: unsupported scheme %q", source, u.Scheme)
	}
}

// Start begins reading in the background. onFrame receives the message number
// and a private copy of each complete frame; it should not block.
func (c *Client) Start(ctx context.Context, onFrame func(typeID int, frame []byte)) error {
	if c == nil {
		return fmt.Errorf("rtcm client is nil")
	}
	if c.closed.Load() {
		return fmt.Errorf("rtcm client is closed")
	}
	if onFrame == nil {
		return fmt.Errorf("rtcm onFrame is nil")
	}
	if c.started.Swap(true) {
		return fmt.Errorf("rtcm client already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setState("connecting", "")

	go func() {
		defer close(c.done)
		c.runLoop(runCtx, onFrame)
	}()
	return nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.closed.Swap(true) {
		return
	}
	if !c.started.Load() {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

func (c *Client) Snapshot(nowUTC time.Time) ClientSnapshot {
	if c == nil {
		return ClientSnapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := ClientSnapshot{
		Name:      c.cfg.Name,
		Source:    c.cfg.Source,
		State:     c.state,
		LastError: c.lastErr,
		Frames:    c.count,
		ByType:    make(map[int]uint64, len(c.byType)),
	}
	for k, v := range c.byType {
		out.ByType[k] = v
	}
	if !c.lastSeen.IsZero() {
		out.LastSeenUTC = c.lastSeen.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (c *Client) runLoop(ctx context.Context, onFrame func(typeID int, frame []byte)) {
	for {
		select {
		case <-ctx.Done():
			c.setState("stopped", "")
			return
		default:
		}

		c.setState("connecting", "")
		rc, err := c.open(ctx)
		if err != nil {
			c.setState("error", err.Error())
			if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
				c.setState("stopped", "")
				return
			}
			continue
		}
		c.setState("connected", "")

		// Unblock the scanner when the context ends mid-read.
		stop := context.AfterFunc(ctx, func() { _ = rc.Close() })
		err = c.readFrames(rc, onFrame)
		stop()
		_ = rc.Close()

		if ctx.Err() != nil {
			c.setState("stopped", "")
			return
		}
		if err == nil {
			err = io.EOF
		}
		c.setState("disconnected", err.Error())

		if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
			c.setState("stopped", "")
			return
		}
	}
}

func (c *Client) readFrames(r io.Reader, onFrame func(typeID int, frame []byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	sc.Split(SplitFrames)
	for sc.Scan() {
		frame := append([]byte(nil), sc.Bytes()...)
		typeID, err := MessageType(frame)
		if err != nil {
			continue
		}
		now := time.Now().UTC()
		c.mu.Lock()
		c.lastSeen = now
		c.count++
		c.byType[typeID]++
		c.mu.Unlock()

		onFrame(typeID, frame)
	}
	return sc.Err()
}

func (c *Client) setState(state string, lastErr string) {
	c.mu.Lock()
	c.state = state
	if lastErr != "" {
		c.lastErr = lastErr
	} else if state == "connected" || state == "stopped" {
		c.lastErr = ""
	}
	c.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
