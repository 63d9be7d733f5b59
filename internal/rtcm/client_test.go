package rtcm

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

func TestNewClient_RejectsBadSource(t *testing.T) {
	cases := []string{"", "udp://127.0.0.1:1", "tcp://", "serial://", "serial:///dev/ttyUSB0?baud=x"}
	for _, src := range cases {
		if _, err := NewClient(ClientConfig{Source: src}); err == nil {
			t.Fatalf("source %q: expected error", src)
		}
	}
}

func TestClient_setState_ClearsStaleErrorOnConnected(t *testing.T) {
	c, err := NewClient(ClientConfig{Name: "t", Source: "tcp://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	c.setState("error", "dial tcp: connection refused")
	c.setState("connected", "")

	snap := c.Snapshot(time.Time{})
	if snap.State != "connected" {
		t.Fatalf("state=%q want %q", snap.State, "connected")
	}
	if snap.LastError != "" {
		t.Fatalf("last_error=%q want empty", snap.LastError)
	}
}

func TestClient_DeliversFramesFromTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	a := mustEncode(t, msgPayload(TypeStationARP, 19))
	b := mustEncode(t, msgPayload(TypeMSM7GPS, 120))

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("junk"))
		_, _ = conn.Write(a)
		_, _ = conn.Write(b)
		time.Sleep(500 * time.Millisecond)
	}()

	c, err := NewClient(ClientConfig{Source: "tcp://" + ln.Addr().String(), ReconnectDelay: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	var mu sync.Mutex
	var got []int
	gotAll := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx, func(typeID int, frame []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, typeID)
		if len(got) == 2 {
			close(gotAll)
		}
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close()

	select {
	case <-gotAll:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frames")
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0] != TypeStationARP || got[1] != TypeMSM7GPS {
		t.Fatalf("types=%v", got)
	}
	snap := c.Snapshot(time.Now().UTC())
	if snap.Frames != 2 {
		t.Fatalf("frames=%d want 2", snap.Frames)
	}
	if snap.ByType[TypeMSM7GPS] != 1 {
		t.Fatalf("by_type=%v", snap.ByType)
	}
}

func TestClient_CloseStopsReconnectLoop(t *testing.T) {
	c, err := NewClient(ClientConfig{Source: "tcp://127.0.0.1:1", ReconnectDelay: 10 * time.Millisecond, DialTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.Start(context.Background(), func(int, []byte) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return")
	}
	if st := c.Snapshot(time.Now()).State; st != "stopped" {
		t.Fatalf("state=%q want stopped", st)
	}
}
