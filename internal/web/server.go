package web

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"time"
)

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

// Handler routes /api/status, /logs (when logs is set), /metrics (when
// metrics is set) and a plain status page at /.
func Handler(status *Status, logs *LogBuffer, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		writeJSON(w, status.Snapshot(time.Now().UTC()))
	})

	if logs != nil {
		mux.Handle("/logs", logs.Handler())
	}
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if !allowGet(w, r) {
			return
		}
		snap := status.Snapshot(time.Now().UTC())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>%s</title></head><body>", serviceName)
		_, _ = fmt.Fprintf(w, "<h1>%s %d</h1>", serviceName, snap.Info.RSUID)
		_, _ = fmt.Fprintf(w, "<p><a href=\"/api/status\">status</a> <a href=\"/logs?format=text\">logs</a> <a href=\"/metrics\">metrics</a></p>")
		_, _ = fmt.Fprintf(w, "<pre>instance=%s\nuptime_sec=%d\ntransport=%s\ninterval=%s\n",
			html.EscapeString(snap.Instance), snap.UptimeSec, html.EscapeString(snap.Info.Transport), html.EscapeString(snap.Info.Interval))
		if p := snap.Position; p != nil {
			_, _ = fmt.Fprintf(w, "position valid=%t source=%s lat=%d lon=%d\n", p.Valid, html.EscapeString(p.Source), p.Lat, p.Lon)
		}
		if d := snap.Dispatch; d != nil {
			_, _ = fmt.Fprintf(w, "dispatch state=%s sent=%d failed=%d\n", d.State, d.Sent, d.Failed)
		}
		if c := snap.Corrections; c != nil {
			_, _ = fmt.Fprintf(w, "corrections sent=%d empty=%d failed=%d last_msg_cnt=%d\n", c.Sent, c.Empty, c.Failed, c.LastMsgCnt)
		}
		_, _ = fmt.Fprintf(w, "</pre></body></html>")
	})

	return mux
}

// Serve runs the HTTP server until ctx ends.
func Serve(ctx context.Context, listenAddr string, status *Status, logs *LogBuffer, metrics http.Handler) error {
	if status == nil {
		status = NewStatus()
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(status, logs, metrics),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
