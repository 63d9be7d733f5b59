package web

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rsu-par/internal/dispatch"
	"rsu-par/internal/position"
	"rsu-par/internal/rtcm"
)

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	return resp
}

func TestAPIStatus(t *testing.T) {
	st := NewStatus()
	st.SetInfo(Info{RSUID: 42, Transport: "udp://127.0.0.1:5000", Interval: "10ms"})
	store := rtcm.NewStore(rtcm.PolicyDrop)
	store.Insert(rtcm.TypeStationARP, []byte{1, 2})
	st.SetSources(Sources{
		Position: func() position.Position {
			return position.Position{Lat: 375665000, Lon: -1269780000, Valid: true, Source: position.SourceStatic}
		},
		Dispatch: func() dispatch.Stats { return dispatch.Stats{State: "sent", Sent: 9} },
		Store:    store.Snapshot,
	})

	ts := httptest.NewServer(Handler(st, nil, nil))
	defer ts.Close()

	var snap StatusSnapshot
	resp := getJSON(t, ts.URL+"/api/status", &snap)
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}
	if snap.Service != "rsu-par" {
		t.Fatalf("service=%q", snap.Service)
	}
	if snap.Instance != st.Instance() || len(snap.Instance) != 36 {
		t.Fatalf("instance=%q want %q", snap.Instance, st.Instance())
	}
	if snap.Info.RSUID != 42 {
		t.Fatalf("rsu_id=%d want 42", snap.Info.RSUID)
	}
	if snap.Position == nil || snap.Position.LatDeg != 37.5665 || snap.Position.LonDeg != -126.978 {
		t.Fatalf("position=%+v", snap.Position)
	}
	if snap.Dispatch == nil || snap.Dispatch.Sent != 9 {
		t.Fatalf("dispatch=%+v", snap.Dispatch)
	}
	if snap.Store == nil || !snap.Store.Slots[0].Ready {
		t.Fatalf("store=%+v", snap.Store)
	}
	if snap.Corrections != nil || snap.GNSS != nil {
		t.Fatalf("unset sources should be omitted")
	}
}

func TestAPIStatus_MethodNotAllowed(t *testing.T) {
	ts := httptest.NewServer(Handler(NewStatus(), nil, nil))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/status", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
}

func TestInstanceDiffersPerStatus(t *testing.T) {
	if NewStatus().Instance() == NewStatus().Instance() {
		t.Fatalf("instance ids should differ")
	}
}

func TestRootPage(t *testing.T) {
	st := NewStatus()
	st.SetInfo(Info{RSUID: 7, Transport: "<udp>"})
	ts := httptest.NewServer(Handler(st, nil, nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "rsu-par 7") || !strings.Contains(string(b), "&lt;udp&gt;") {
		t.Fatalf("body=%s", b)
	}

	resp2, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("status code=%d want 404", resp2.StatusCode)
	}
}

func TestMetricsAndLogsRoutes(t *testing.T) {
	logs := NewLogBuffer(10)
	_, _ = logs.Write([]byte("dispatch started\n"))
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "rsu_up 1\n")
	})
	ts := httptest.NewServer(Handler(NewStatus(), logs, metrics))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(b) != "rsu_up 1\n" {
		t.Fatalf("metrics=%q", b)
	}

	var out LogsResponse
	getJSON(t, ts.URL+"/logs", &out)
	if len(out.Lines) != 1 || out.Lines[0] != "dispatch started" {
		t.Fatalf("lines=%v", out.Lines)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, nil, nil, nil) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/api/status")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not start: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve() error: %v", err)
	}
}
