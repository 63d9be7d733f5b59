// Package metrics exposes the broadcaster's counters as Prometheus
// collectors. Values are read from the components' Stats snapshots at scrape
// time; nothing here is updated on the hot path.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rsu-par/internal/dispatch"
	"rsu-par/internal/j2735"
	"rsu-par/internal/position"
	"rsu-par/internal/rtcm"
)

const namespace = "rsu"

// Sources are the snapshot functions scraped by the registry. Nil entries
// are skipped.
type Sources struct {
	Dispatch    func() dispatch.Stats
	Corrections func() dispatch.CorrectionStats
	Assembler   func() j2735.AssemblerStats
	Store       func() rtcm.StoreSnapshot
	Client      func() rtcm.ClientSnapshot
	Feed        func() position.Stats
	Position    func() position.Position
}

// NewRegistry builds a registry holding one collector per exported value.
func NewRegistry(src Sources) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors(src)...)
	return reg
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func counter(subsystem, name, help string, fn func() float64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

func gauge(subsystem, name, help string, fn func() float64) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func collectors(src Sources) []prometheus.Collector {
	var cs []prometheus.Collector

	if d := src.Dispatch; d != nil {
		cs = append(cs,
			counter("dispatch", "ticks_total", "Dispatch ticks handled.", func() float64 { return float64(d().Ticks) }),
			counter("dispatch", "sent_total", "Position records sent.", func() float64 { return float64(d().Sent) }),
			counter("dispatch", "failed_total", "Position records that failed to send.", func() float64 { return float64(d().Failed) }),
			counter("dispatch", "invalid_position_total", "Records sent with the invalid-position sentinel.", func() float64 { return float64(d().Invalid) }),
			gauge("dispatch", "interval_seconds", "Configured dispatch interval.", func() float64 { return float64(d().IntervalUS) / 1e6 }),
		)
	}

	if c := src.Corrections; c != nil {
		cs = append(cs,
			counter("corrections", "cycles_total", "Correction cycles run.", func() float64 { return float64(c().Cycles) }),
			counter("corrections", "sent_total", "Correction frames sent.", func() float64 { return float64(c().Sent) }),
			counter("corrections", "empty_total", "Cycles with nothing buffered.", func() float64 { return float64(c().Empty) }),
			counter("corrections", "failed_total", "Cycles that failed to assemble or send.", func() float64 { return float64(c().Failed) }),
			counter("corrections", "contract_violations_total", "Drains that exceeded the aggregate buffer.", func() float64 { return float64(c().Violations) }),
			counter("corrections", "bytes_total", "Encoded correction bytes sent.", func() float64 { return float64(c().Bytes) }),
		)
	}

	if a := src.Assembler; a != nil {
		cs = append(cs,
			gauge("assembler", "next_msg_cnt", "Message counter stamped on the next frame.", func() float64 { return float64(a().Next) }),
			counter("assembler", "frames_total", "Frames encoded.", func() float64 { return float64(a().Frames) }),
		)
	}

	if s := src.Store; s != nil {
		cs = append(cs,
			counter("store", "unknown_total", "Fragments of a type with no slot.", func() float64 { return float64(s().Unknown) }),
			counter("store", "drains_total", "Slot table drains.", func() float64 { return float64(s().Drains) }),
		)
		for i, typeID := range rtcm.SlotTypes {
			i, labels := i, prometheus.Labels{"type": strconv.Itoa(typeID)}
			cs = append(cs,
				prometheus.NewGaugeFunc(prometheus.GaugeOpts{
					Namespace:   namespace,
					Subsystem:   "store",
					Name:        "slot_ready",
					Help:        "1 when the slot holds an undrained fragment.",
					ConstLabels: labels,
				}, func() float64 { return boolValue(s().Slots[i].Ready) }),
				prometheus.NewCounterFunc(prometheus.CounterOpts{
					Namespace:   namespace,
					Subsystem:   "store",
					Name:        "slot_dropped_total",
					Help:        "Fragments coalesced away for the slot.",
					ConstLabels: labels,
				}, func() float64 { return float64(s().Slots[i].Dropped) }),
				prometheus.NewCounterFunc(prometheus.CounterOpts{
					Namespace:   namespace,
					Subsystem:   "store",
					Name:        "slot_deferred_total",
					Help:        "Drains that left the slot ready because the frame was full.",
					ConstLabels: labels,
				}, func() float64 { return float64(s().Slots[i].Deferred) }),
			)
		}
	}

	if c := src.Client; c != nil {
		cs = append(cs,
			counter("rtcm", "frames_total", "RTCM3 frames received from the correction source.", func() float64 { return float64(c().Frames) }),
		)
	}

	if f := src.Feed; f != nil {
		cs = append(cs,
			gauge("gnss", "healthy", "1 while the GNSS session is open and reading.", func() float64 { return boolValue(f().Healthy) }),
			counter("gnss", "reads_total", "GNSS fixes read.", func() float64 { return float64(f().Reads) }),
			counter("gnss", "read_errors_total", "GNSS read failures.", func() float64 { return float64(f().ReadErrors) }),
			counter("gnss", "open_errors_total", "GNSS session open failures.", func() float64 { return float64(f().OpenErrors) }),
		)
	}

	if p := src.Position; p != nil {
		cs = append(cs,
			gauge("position", "valid", "1 when the broadcast position is valid.", func() float64 { return boolValue(p().Valid) }),
		)
	}
	return cs
}
