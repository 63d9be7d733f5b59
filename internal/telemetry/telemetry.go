// Package telemetry periodically writes an rsu_status point to InfluxDB.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const Measurement = "rsu_status"

// Sample is one status reading.
type Sample struct {
	Lat, Lon       int32
	Valid          bool
	Sent           uint64
	Failed         uint64
	Corrections    uint64
	RTCMFrames     uint64
	GNSSHealthy    bool
	CorrectionsErr uint64
}

type Config struct {
	URL      string
	Token    string
	Org      string
	Bucket   string
	Interval time.Duration

	RSUID    uint32
	Instance string
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Reporter writes one point per interval. Write failures are logged and the
// point is dropped.
type Reporter struct {
	cfg    Config
	sample func() Sample
	w      pointWriter
	close  func()
}

func New(cfg Config, sample func() Sample) (*Reporter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("telemetry url is required")
	}
	if sample == nil {
		return nil, fmt.Errorf("telemetry sample func is nil")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return newReporter(cfg, sample, client.WriteAPIBlocking(cfg.Org, cfg.Bucket), client.Close), nil
}

func newReporter(cfg Config, sample func() Sample, w pointWriter, closeFn func()) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if closeFn == nil {
		closeFn = func() {}
	}
	return &Reporter{cfg: cfg, sample: sample, w: w, close: closeFn}
}

// Run writes until ctx ends, then closes the client.
func (r *Reporter) Run(ctx context.Context) error {
	defer r.close()

	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	failing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			err := r.write(ctx, now)
			if err != nil && !failing && ctx.Err() == nil {
				log.Printf("telemetry write failed: %v", err)
			}
			if err == nil && failing {
				log.Printf("telemetry write recovered")
			}
			failing = err != nil
		}
	}
}

func (r *Reporter) write(ctx context.Context, now time.Time) error {
	wctx, cancel := context.WithTimeout(ctx, r.cfg.Interval)
	defer cancel()
	return r.w.WritePoint(wctx, r.point(r.sample(), now))
}

func (r *Reporter) point(s Sample, now time.Time) *write.Point {
	return influxdb2.NewPointWithMeasurement(Measurement).
		AddTag("rsu", strconv.FormatUint(uint64(r.cfg.RSUID), 10)).
		AddTag("instance", r.cfg.Instance).
		AddField("lat", s.Lat).
		AddField("lon", s.Lon).
		AddField("valid", s.Valid).
		AddField("gnss_healthy", s.GNSSHealthy).
		AddField("sent", s.Sent).
		AddField("failed", s.Failed).
		AddField("corrections", s.Corrections).
		AddField("corrections_failed", s.CorrectionsErr).
		AddField("rtcm_frames", s.RTCMFrames).
		SetTime(now)
}
