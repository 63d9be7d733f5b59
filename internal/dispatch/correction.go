package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"rsu-par/internal/framelog"
	"rsu-par/internal/j2735"
	"rsu-par/internal/rtcm"
)

// Assembler produces one encoded correction frame per call.
type Assembler interface {
	Assemble() (j2735.Frame, error)
}

// FrameRecorder persists sent frames.
type FrameRecorder interface {
	Write(t time.Time, frame []byte) error
}

const DefaultCorrectionInterval = time.Second

type CorrectionConfig struct {
	Interval    time.Duration
	SendTimeout time.Duration
	Debug       bool
}

// CorrectionLoop assembles and sends a correction frame on its own ticker,
// independent of the position dispatcher.
type CorrectionLoop struct {
	cfg       CorrectionConfig
	assembler Assembler
	sender    Sender

	recorder FrameRecorder
	onSent   func(j2735.Frame)

	cycles     atomic.Uint64
	sent       atomic.Uint64
	empty      atomic.Uint64
	failed     atomic.Uint64
	violations atomic.Uint64
	bytes      atomic.Uint64

	mu      sync.Mutex
	lastErr string
	lastCnt int
}

func NewCorrectionLoop(cfg CorrectionConfig, assembler Assembler, sender Sender) *CorrectionLoop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCorrectionInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &CorrectionLoop{cfg: cfg, assembler: assembler, sender: sender, lastCnt: -1}
}

// SetRecorder records every sent frame. Must be called before Run.
func (c *CorrectionLoop) SetRecorder(r FrameRecorder) {
	c.recorder = r
}

// OnSent registers a callback run after each successful send. Must be called
// before Run.
func (c *CorrectionLoop) OnSent(fn func(j2735.Frame)) {
	c.onSent = fn
}

func (c *CorrectionLoop) Run(ctx context.Context) error {
	tick, stop := newTickerFn(c.cfg.Interval)
	defer stop()

	log.Printf("corrections started interval=%s", c.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		}
		if ctx.Err() != nil {
			return nil
		}
		c.step(ctx)
	}
}

// step runs one cycle. Failures skip the cycle; nothing is retried.
func (c *CorrectionLoop) step(ctx context.Context) {
	c.cycles.Add(1)

	frame, err := c.assembler.Assemble()
	if err != nil {
		switch {
		case errors.Is(err, j2735.ErrNoCorrections):
			c.empty.Add(1)
			if c.cfg.Debug {
				log.Printf("corrections nothing to send: %v", err)
			}
		case errors.Is(err, rtcm.ErrBufferOverflow):
			c.violations.Add(1)
			c.setErr(err)
			log.Printf("corrections CONTRACT VIOLATION: %v", err)
		default:
			c.failed.Add(1)
			c.setErr(err)
			log.Printf("corrections assembly failed: %v", err)
		}
		return
	}

	if c.cfg.Debug {
		log.Printf("corrections frame msgCnt=%d rtcm=%d bytes=%d\n%s", frame.MsgCnt, frame.Aggregate, len(frame.Data), framelog.Hexdump(frame.Data))
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	err = c.sender.Send(sendCtx, frame.Data)
	cancel()
	if err != nil {
		c.failed.Add(1)
		c.setErr(err)
		log.Printf("corrections send failed msgCnt=%d: %v", frame.MsgCnt, err)
		return
	}
	c.sent.Add(1)
	c.bytes.Add(uint64(len(frame.Data)))
	c.mu.Lock()
	c.lastErr = ""
	c.lastCnt = int(frame.MsgCnt)
	c.mu.Unlock()

	if c.recorder != nil {
		if err := c.recorder.Write(time.Now(), frame.Data); err != nil {
			log.Printf("corrections record failed: %v", err)
		}
	}
	if c.onSent != nil {
		c.onSent(frame)
	}
}

func (c *CorrectionLoop) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

type CorrectionStats struct {
	Cycles     uint64 `json:"cycles"`
	Sent       uint64 `json:"sent"`
	Empty      uint64 `json:"empty"`
	Failed     uint64 `json:"failed"`
	Violations uint64 `json:"contract_violations"`
	Bytes      uint64 `json:"bytes"`
	LastMsgCnt int    `json:"last_msg_cnt"`
	LastError  string `json:"last_error,omitempty"`
}

func (c *CorrectionLoop) Stats() CorrectionStats {
	c.mu.Lock()
	lastErr, lastCnt := c.lastErr, c.lastCnt
	c.mu.Unlock()
	return CorrectionStats{
		Cycles:     c.cycles.Load(),
		Sent:       c.sent.Load(),
		Empty:      c.empty.Load(),
		Failed:     c.failed.Load(),
		Violations: c.violations.Load(),
		Bytes:      c.bytes.Load(),
		LastMsgCnt: lastCnt,
		LastError:  lastErr,
	}
}
