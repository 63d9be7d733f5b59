package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rsu-par/internal/config"
	"rsu-par/internal/dispatch"
	"rsu-par/internal/indicator"
	"rsu-par/internal/j2735"
	"rsu-par/internal/transport"
	"rsu-par/internal/web"
)

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// recvUntil reads datagrams until done returns true or the deadline passes.
func recvUntil(t *testing.T, conn *net.UDPConn, done func(msg []byte) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	buf := make([]byte, 65536)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("SetReadDeadline() error: %v", err)
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("ReadFromUDP() error: %v", err)
		}
		if done(append([]byte(nil), buf[:n]...)) {
			return
		}
	}
}

// serveRTCM accepts one connection, writes frames and holds it open.
func serveRTCM(t *testing.T, frames ...[]byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if _, err := conn.Write(f); err != nil {
				return
			}
		}
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	}()
	return ln.Addr().String()
}

func startRuntime(t *testing.T, cfg config.Config) (*liveRuntime, func()) {
	t.Helper()
	rt, err := newLiveRuntime(cfg, web.NewStatus(), nil)
	if err != nil {
		t.Fatalf("newLiveRuntime() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.run(ctx) }()
	return rt, func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("run() error: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("run() did not return")
		}
	}
}

func TestRuntime_BroadcastsStaticPositionAndCorrections(t *testing.T) {
	posConn := listenUDP(t)
	corConn := listenUDP(t)
	arp := rtcmFrame(t, 1005, 19)
	msm := rtcmFrame(t, 1077, 60)
	src := serveRTCM(t, arp, msm)

	cfg := config.Config{
		RSU:      config.RSUConfig{ID: 0x01020304, Latitude: 375665000, Longitude: 1269780000},
		Dispatch: config.DispatchConfig{IntervalUS: 2000},
		Corrections: config.CorrectionsConfig{
			Enable:   true,
			Source:   "tcp://" + src,
			Interval: 20 * time.Millisecond,
		},
		Transport: config.TransportConfig{
			Dest:            posConn.LocalAddr().String(),
			CorrectionsDest: corConn.LocalAddr().String(),
		},
	}
	rt, stop := startRuntime(t, cfg)

	records := 0
	recvUntil(t, posConn, func(msg []byte) bool {
		var r dispatch.Record
		if err := r.UnmarshalBinary(msg); err != nil {
			t.Fatalf("record: %v", err)
		}
		if r != (dispatch.Record{ID: 0x01020304, Latitude: 375665000, Longitude: 1269780000}) {
			t.Fatalf("record=%+v", r)
		}
		records++
		return records == 5
	})

	var payload []byte
	recvUntil(t, corConn, func(msg []byte) bool {
		c, err := j2735.DecodeFrame(msg)
		if err != nil {
			t.Fatalf("DecodeFrame() error: %v", err)
		}
		if c.Revision != j2735.RevisionRTCM3 {
			t.Fatalf("revision=%s", c.Revision)
		}
		payload = append(payload, c.Payload...)
		return len(payload) >= len(arp)+len(msm)
	})
	// Drain order is slot order, whichever arrived first.
	if !bytes.Contains(payload, arp) || !bytes.Contains(payload, msm) {
		t.Fatalf("payload=%x", payload)
	}

	stop()
	if st := rt.dispatcher.State(); st != dispatch.StateStopped {
		t.Fatalf("dispatcher state=%s want stopped", st)
	}
	snap := rt.status.Snapshot(time.Now())
	if snap.Corrections == nil || snap.Corrections.Sent == 0 {
		t.Fatalf("corrections=%+v", snap.Corrections)
	}
	if snap.Source == nil || snap.Source.ByType[1005] != 1 {
		t.Fatalf("source=%+v", snap.Source)
	}
	s := rt.sample()
	if !s.Valid || s.Lat != 375665000 || s.Sent == 0 {
		t.Fatalf("sample=%+v", s)
	}
}

func TestRuntime_InvalidPositionWithoutGNSS(t *testing.T) {
	posConn := listenUDP(t)
	cfg := config.Config{
		RSU:       config.RSUConfig{ID: 9, Latitude: 375665000}, // one zero value: no override
		Dispatch:  config.DispatchConfig{IntervalUS: 5000},
		Transport: config.TransportConfig{Dest: posConn.LocalAddr().String()},
	}
	_, stop := startRuntime(t, cfg)
	defer stop()

	recvUntil(t, posConn, func(msg []byte) bool {
		want := []byte{9, 0, 0, 0, 0x01, 0xE9, 0xA4, 0x35, 0x01, 0xD2, 0x49, 0x6B}
		if !bytes.Equal(msg, want) {
			t.Fatalf("record=% X want % X", msg, want)
		}
		return true
	})
}

func TestRuntime_ReplaysRecordedFrames(t *testing.T) {
	posConn := listenUDP(t)
	corConn := listenUDP(t)
	path := filepath.Join(t.TempDir(), "replay.log")
	if err := os.WriteFile(path, []byte("START\n0,0102\n0,0a0b0c\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	cfg := config.Config{
		Corrections: config.CorrectionsConfig{
			Enable: true,
			Replay: config.ReplayConfig{Enable: true, Path: path},
		},
		Transport: config.TransportConfig{
			Dest:            posConn.LocalAddr().String(),
			CorrectionsDest: corConn.LocalAddr().String(),
		},
	}
	_, stop := startRuntime(t, cfg)
	defer stop()

	var got [][]byte
	recvUntil(t, corConn, func(msg []byte) bool {
		got = append(got, msg)
		return len(got) == 2
	})
	if !bytes.Equal(got[0], []byte{0x01, 0x02}) || !bytes.Equal(got[1], []byte{0x0a, 0x0b, 0x0c}) {
		t.Fatalf("frames=%x", got)
	}
}

type closeTracker struct {
	transport.Transport
	closed bool
}

func (c *closeTracker) Send(ctx context.Context, p []byte) error { return nil }

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestNewLiveRuntime_ClosesOnPartialFailure(t *testing.T) {
	first := &closeTracker{}
	calls := 0
	prev := openTransportFn
	openTransportFn = func(cfg transport.Config) (transport.Transport, error) {
		calls++
		if calls == 1 {
			return first, nil
		}
		return nil, errors.New("queue unavailable")
	}
	t.Cleanup(func() { openTransportFn = prev })

	cfg := config.Config{
		Corrections: config.CorrectionsConfig{Enable: true, Source: "tcp://127.0.0.1:1"},
		Transport:   config.TransportConfig{Kind: "sysvmq", Key: 0x1234},
	}
	if _, err := newLiveRuntime(cfg, web.NewStatus(), nil); err == nil {
		t.Fatalf("expected error")
	}
	if !first.closed {
		t.Fatalf("position transport not closed")
	}
}

func TestNewLiveRuntime_IndicatorFailureIsNotFatal(t *testing.T) {
	prevTx, prevLED := openTransportFn, openLEDFn
	openTransportFn = func(cfg transport.Config) (transport.Transport, error) { return &closeTracker{}, nil }
	openLEDFn = func(pin int, pulse time.Duration) (*indicator.LED, error) { return nil, errors.New("no gpiochip") }
	t.Cleanup(func() { openTransportFn, openLEDFn = prevTx, prevLED })

	cfg := config.Config{
		Corrections: config.CorrectionsConfig{Enable: true, Source: "tcp://127.0.0.1:1"},
		Transport:   config.TransportConfig{Dest: "127.0.0.1:1", CorrectionsDest: "127.0.0.1:2"},
		Indicator:   config.IndicatorConfig{Enable: true, Pin: 17},
	}
	rt, err := newLiveRuntime(cfg, web.NewStatus(), nil)
	if err != nil {
		t.Fatalf("newLiveRuntime() error: %v", err)
	}
	if rt.led != nil {
		t.Fatalf("led should be nil")
	}
	rt.close()
}

func TestNewLiveRuntime_RejectsInvalidConfig(t *testing.T) {
	if _, err := newLiveRuntime(config.Config{}, web.NewStatus(), nil); err == nil {
		t.Fatalf("expected error")
	}
	cfg := config.Config{Transport: config.TransportConfig{Dest: "127.0.0.1:1"}}
	if _, err := newLiveRuntime(cfg, nil, nil); err == nil {
		t.Fatalf("expected error for nil status")
	}
}

func TestTransportConfig_CorrectionsChannel(t *testing.T) {
	tc := config.TransportConfig{Kind: "mqtt", Broker: "tcp://b:1883", Topic: "rsu/par", CorrectionsTopic: "rsu/rtcm", ClientID: "rsu", QoS: 1}
	pos := transportConfig(tc, false)
	cor := transportConfig(tc, true)
	if pos.Topic != "rsu/par" || cor.Topic != "rsu/rtcm" {
		t.Fatalf("topics=%q,%q", pos.Topic, cor.Topic)
	}
	if cor.ClientID == pos.ClientID {
		t.Fatalf("client ids must differ")
	}
	if cor.QoS != 1 {
		t.Fatalf("qos=%d want 1", cor.QoS)
	}
}
