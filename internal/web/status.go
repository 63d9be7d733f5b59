package web

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rsu-par/internal/dispatch"
	"rsu-par/internal/j2735"
	"rsu-par/internal/position"
	"rsu-par/internal/rtcm"
)

const serviceName = "rsu-par"

// Info is fixed at startup.
type Info struct {
	RSUID               uint32 `json:"rsu_id"`
	Transport           string `json:"transport"`
	Interval            string `json:"interval"`
	CorrectionsEnabled  bool   `json:"corrections_enabled"`
	CorrectionsInterval string `json:"corrections_interval,omitempty"`
	Static              bool   `json:"static_position"`
}

// Sources are read on every /api/status request. Nil entries are omitted
// from the response.
type Sources struct {
	Position    func() position.Position
	Dispatch    func() dispatch.Stats
	Feed        func() position.Stats
	Corrections func() dispatch.CorrectionStats
	Assembler   func() j2735.AssemblerStats
	Store       func() rtcm.StoreSnapshot
	Client      func(nowUTC time.Time) rtcm.ClientSnapshot
}

type Status struct {
	instance string
	start    time.Time
	build    BuildInfo

	info atomic.Value // Info
	src  atomic.Value // Sources
}

func NewStatus() *Status {
	s := &Status{
		instance: uuid.NewString(),
		start:    time.Now().UTC(),
		build:    readBuildInfo(),
	}
	s.info.Store(Info{})
	s.src.Store(Sources{})
	return s
}

// Instance is a random id minted at startup, distinguishing restarts.
func (s *Status) Instance() string { return s.instance }

func (s *Status) SetInfo(info Info) { s.info.Store(info) }

func (s *Status) SetSources(src Sources) { s.src.Store(src) }

type PositionSnapshot struct {
	Valid     bool    `json:"valid"`
	Source    string  `json:"source"`
	Lat       int32   `json:"lat"`
	Lon       int32   `json:"lon"`
	LatDeg    float64 `json:"lat_deg"`
	LonDeg    float64 `json:"lon_deg"`
	UpdatedAt string  `json:"updated_utc,omitempty"`
}

type StatusSnapshot struct {
	Service   string    `json:"service"`
	Instance  string    `json:"instance"`
	NowUTC    string    `json:"now_utc"`
	UptimeSec int64     `json:"uptime_sec"`
	Build     BuildInfo `json:"build"`
	Info      Info      `json:"info"`

	Position    *PositionSnapshot         `json:"position,omitempty"`
	Dispatch    *dispatch.Stats           `json:"dispatch,omitempty"`
	GNSS        *position.Stats           `json:"gnss,omitempty"`
	Corrections *dispatch.CorrectionStats `json:"corrections,omitempty"`
	Assembler   *j2735.AssemblerStats     `json:"assembler,omitempty"`
	Store       *rtcm.StoreSnapshot       `json:"store,omitempty"`
	Source      *rtcm.ClientSnapshot      `json:"source,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	snap := StatusSnapshot{
		Service:   serviceName,
		Instance:  s.instance,
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(s.start).Seconds()),
		Build:     s.build,
		Info:      s.info.Load().(Info),
	}

	src := s.src.Load().(Sources)
	if src.Position != nil {
		p := src.Position()
		ps := &PositionSnapshot{
			Valid:  p.Valid,
			Source: p.Source,
			Lat:    p.Lat,
			Lon:    p.Lon,
			LatDeg: float64(p.Lat) / 1e7,
			LonDeg: float64(p.Lon) / 1e7,
		}
		if !p.UpdatedAt.IsZero() {
			ps.UpdatedAt = p.UpdatedAt.UTC().Format(time.RFC3339Nano)
		}
		snap.Position = ps
	}
	if src.Dispatch != nil {
		v := src.Dispatch()
		snap.Dispatch = &v
	}
	if src.Feed != nil {
		v := src.Feed()
		snap.GNSS = &v
	}
	if src.Corrections != nil {
		v := src.Corrections()
		snap.Corrections = &v
	}
	if src.Assembler != nil {
		v := src.Assembler()
		snap.Assembler = &v
	}
	if src.Store != nil {
		v := src.Store()
		snap.Store = &v
	}
	if src.Client != nil {
		v := src.Client(nowUTC)
		snap.Source = &v
	}
	return snap
}
