package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"rsu-par/internal/config"
	"rsu-par/internal/dispatch"
	"rsu-par/internal/framelog"
	"rsu-par/internal/gps"
	"rsu-par/internal/indicator"
	"rsu-par/internal/j2735"
	"rsu-par/internal/metrics"
	"rsu-par/internal/position"
	"rsu-par/internal/rtcm"
	"rsu-par/internal/telemetry"
	"rsu-par/internal/transport"
	"rsu-par/internal/web"
)

// Seams for tests.
var (
	openTransportFn = transport.Open
	newGPSOpenerFn  = gps.NewOpener
	openLEDFn       = indicator.Open
)

// liveRuntime holds every component built from one config.
type liveRuntime struct {
	cfg    config.Config
	status *web.Status
	logs   *web.LogBuffer

	posTx transport.Transport
	corTx transport.Transport

	feed       *position.Feed
	dispatcher *dispatch.Dispatcher

	store      *rtcm.Store
	source     *rtcm.Client
	assembler  *j2735.Assembler
	correction *dispatch.CorrectionLoop
	recorder   *framelog.Writer
	replay     []framelog.Record
	led        *indicator.LED

	telemetry *telemetry.Reporter
}

func transportConfig(t config.TransportConfig, corrections bool) transport.Config {
	out := transport.Config{
		Kind:     t.Kind,
		Dest:     t.Dest,
		Key:      t.Key,
		MType:    t.MType,
		Broker:   t.Broker,
		Topic:    t.Topic,
		ClientID: t.ClientID,
		QoS:      byte(t.QoS),
	}
	if corrections {
		out.Dest = t.CorrectionsDest
		out.MType = t.CorrectionsMType
		out.Topic = t.CorrectionsTopic
		out.ClientID = t.ClientID + "-rtcm"
	}
	return out
}

func describeTransport(t config.TransportConfig) string {
	switch t.Kind {
	case transport.KindSysVMQ:
		return fmt.Sprintf("sysvmq key=%d mtype=%d", t.Key, t.MType)
	case transport.KindMQTT:
		return fmt.Sprintf("mqtt %s topic=%s", t.Broker, t.Topic)
	default:
		return "udp " + t.Dest
	}
}

func newLiveRuntime(cfg config.Config, status *web.Status, logs *web.LogBuffer) (_ *liveRuntime, err error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	if status == nil {
		return nil, fmt.Errorf("status is nil")
	}
	rt := &liveRuntime{cfg: c, status: status, logs: logs}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	rt.posTx, err = openTransportFn(transportConfig(c.Transport, false))
	if err != nil {
		return nil, fmt.Errorf("position transport: %w", err)
	}

	var opener gps.Opener
	if c.GPS.Enable {
		opener, err = newGPSOpenerFn(gps.Config{
			Source:   c.GPS.Source,
			GPSDAddr: c.GPS.GPSDAddr,
			Device:   c.GPS.Device,
			Baud:     c.GPS.Baud,
		})
		if err != nil {
			return nil, fmt.Errorf("gps: %w", err)
		}
	}
	rt.feed = position.NewFeed(position.Config{
		StaticLatitude:  c.RSU.Latitude,
		StaticLongitude: c.RSU.Longitude,
		PollInterval:    c.GPS.PollInterval,
		Debug:           c.RSU.Debug,
	}, opener)
	rt.dispatcher = dispatch.New(dispatch.Config{
		Interval:    c.Dispatch.Interval(),
		SendTimeout: c.Dispatch.SendTimeout,
		Identity:    c.RSU.ID,
		Debug:       c.RSU.Debug,
	}, rt.feed, rt.posTx)
	rt.dispatcher.Own(rt.feed)

	if c.Corrections.Enable {
		if err := rt.buildCorrections(); err != nil {
			return nil, err
		}
	}

	if c.Telemetry.Enable {
		rt.telemetry, err = telemetry.New(telemetry.Config{
			URL:      c.Telemetry.URL,
			Token:    c.Telemetry.Token,
			Org:      c.Telemetry.Org,
			Bucket:   c.Telemetry.Bucket,
			Interval: c.Telemetry.Interval,
			RSUID:    c.RSU.ID,
			Instance: status.Instance(),
		}, rt.sample)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
	}

	rt.publishStatus()
	return rt, nil
}

func (rt *liveRuntime) buildCorrections() error {
	c := rt.cfg
	var err error
	rt.corTx, err = openTransportFn(transportConfig(c.Transport, true))
	if err != nil {
		return fmt.Errorf("corrections transport: %w", err)
	}

	if c.Corrections.Replay.Enable {
		rt.replay, err = framelog.ReadFile(c.Corrections.Replay.Path)
		if err != nil {
			return fmt.Errorf("corrections replay: %w", err)
		}
	} else {
		policy, err := rtcm.ParsePolicy(c.Corrections.Policy)
		if err != nil {
			return err
		}
		rt.store = rtcm.NewStore(policy)
		rt.assembler = j2735.NewAssembler(rt.store, nil)
		rt.source, err = rtcm.NewClient(rtcm.ClientConfig{
			Source:         c.Corrections.Source,
			ReconnectDelay: c.Corrections.ReconnectDelay,
			Debug:          c.RSU.Debug,
		})
		if err != nil {
			return err
		}
		rt.correction = dispatch.NewCorrectionLoop(dispatch.CorrectionConfig{
			Interval:    c.Corrections.Interval,
			SendTimeout: c.Dispatch.SendTimeout,
			Debug:       c.RSU.Debug,
		}, rt.assembler, rt.corTx)

		if c.Corrections.Record.Enable {
			rt.recorder, err = framelog.Create(c.Corrections.Record.Path)
			if err != nil {
				return fmt.Errorf("corrections record: %w", err)
			}
			rt.correction.SetRecorder(rt.recorder)
		}
	}

	if c.Indicator.Enable {
		led, err := openLEDFn(c.Indicator.Pin, 0)
		if err != nil {
			// The broadcaster runs without the LED.
			log.Printf("indicator init failed: %v", err)
		} else {
			rt.led = led
		}
	}
	if rt.correction != nil && rt.led != nil {
		rt.correction.OnSent(func(j2735.Frame) { rt.led.Pulse() })
	}
	return nil
}

// onRTCMFrame files a correction frame from the source into its slot.
func (rt *liveRuntime) onRTCMFrame(typeID int, frame []byte) {
	res := rt.store.Insert(typeID, frame)
	if rt.cfg.RSU.Debug {
		log.Printf("rtcm frame type=%d len=%d %s", typeID, len(frame), res)
	}
}

func (rt *liveRuntime) publishStatus() {
	c := rt.cfg
	info := web.Info{
		RSUID:              c.RSU.ID,
		Transport:          describeTransport(c.Transport),
		Interval:           c.Dispatch.Interval().String(),
		CorrectionsEnabled: c.Corrections.Enable,
		Static:             c.RSU.Latitude != 0 && c.RSU.Longitude != 0,
	}
	if c.Corrections.Enable {
		info.CorrectionsInterval = c.Corrections.Interval.String()
	}
	rt.status.SetInfo(info)

	src := web.Sources{
		Position: rt.feed.Snapshot,
		Dispatch: rt.dispatcher.Stats,
		Feed:     rt.feed.Stats,
	}
	if rt.correction != nil {
		src.Corrections = rt.correction.Stats
		src.Assembler = rt.assembler.Stats
		src.Store = rt.store.Snapshot
		src.Client = rt.source.Snapshot
	}
	rt.status.SetSources(src)
}

func (rt *liveRuntime) metricsSources() metrics.Sources {
	src := metrics.Sources{
		Dispatch: rt.dispatcher.Stats,
		Feed:     rt.feed.Stats,
		Position: rt.feed.Snapshot,
	}
	if rt.correction != nil {
		src.Corrections = rt.correction.Stats
		src.Assembler = rt.assembler.Stats
		src.Store = rt.store.Snapshot
		src.Client = func() rtcm.ClientSnapshot { return rt.source.Snapshot(time.Now().UTC()) }
	}
	return src
}

func (rt *liveRuntime) sample() telemetry.Sample {
	p := rt.feed.Snapshot()
	d := rt.dispatcher.Stats()
	s := telemetry.Sample{
		Lat:         p.Lat,
		Lon:         p.Lon,
		Valid:       p.Valid,
		Sent:        d.Sent,
		Failed:      d.Failed,
		GNSSHealthy: rt.feed.Stats().Healthy,
	}
	if rt.correction != nil {
		cs := rt.correction.Stats()
		s.Corrections = cs.Sent
		s.CorrectionsErr = cs.Failed + cs.Violations
		s.RTCMFrames = rt.source.Snapshot(time.Now().UTC()).Frames
	}
	return s
}

// run starts every component and blocks until ctx ends and all of them have
// stopped. The first component error cancels the rest.
func (rt *liveRuntime) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer rt.close()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				errOnce.Do(func() { firstErr = fmt.Errorf("%s: %w", name, err) })
				log.Printf("%s stopped: %v", name, err)
				cancel()
			}
		}()
	}

	if rt.source != nil {
		if err := rt.source.Start(ctx, rt.onRTCMFrame); err != nil {
			return err
		}
		log.Printf("corrections source=%s policy=%s", rt.cfg.Corrections.Source, rt.store.Policy())
	}

	log.Printf("dispatch rsu_id=%d %s interval=%s", rt.cfg.RSU.ID, describeTransport(rt.cfg.Transport), rt.cfg.Dispatch.Interval())
	goRun("dispatch", rt.dispatcher.Run)
	if rt.correction != nil {
		goRun("corrections", rt.correction.Run)
	}
	if rt.replay != nil {
		goRun("replay", rt.runReplay)
	}
	if rt.telemetry != nil {
		goRun("telemetry", rt.telemetry.Run)
	}
	if addr := rt.cfg.Web.Listen; addr != "" {
		reg := metrics.NewRegistry(rt.metricsSources())
		log.Printf("web listen=%s", addr)
		goRun("web", func(ctx context.Context) error {
			return web.Serve(ctx, addr, rt.status, rt.logs, metrics.Handler(reg))
		})
	}

	<-ctx.Done()
	wg.Wait()
	if rt.source != nil {
		rt.source.Close()
	}
	return firstErr
}

// runReplay sends recorded correction frames instead of live ones.
func (rt *liveRuntime) runReplay(ctx context.Context) error {
	r := rt.cfg.Corrections.Replay
	log.Printf("corrections replay path=%s frames=%d speed=%.2f loop=%t", r.Path, len(rt.replay), r.Speed, r.Loop)
	send := func(frame []byte) error {
		sctx, cancel := context.WithTimeout(ctx, rt.cfg.Dispatch.SendTimeout)
		defer cancel()
		if err := rt.corTx.Send(sctx, frame); err != nil {
			log.Printf("corrections replay send failed: %v", err)
			return nil
		}
		rt.led.Pulse()
		return nil
	}
	for {
		if err := framelog.Play(ctx, rt.replay, r.Speed, send); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !r.Loop || len(rt.replay) == 0 {
			log.Printf("corrections replay finished")
			<-ctx.Done()
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(rt.cfg.Corrections.Interval):
		}
	}
}

func (rt *liveRuntime) close() {
	var errs []string
	if rt.recorder != nil {
		if err := rt.recorder.Close(); err != nil {
			errs = append(errs, "recorder: "+err.Error())
		}
	}
	if rt.led != nil {
		_ = rt.led.Close()
	}
	if rt.corTx != nil {
		if err := rt.corTx.Close(); err != nil {
			errs = append(errs, "corrections transport: "+err.Error())
		}
	}
	if rt.posTx != nil {
		if err := rt.posTx.Close(); err != nil {
			errs = append(errs, "position transport: "+err.Error())
		}
	}
	if len(errs) > 0 {
		log.Printf("shutdown: %s", strings.Join(errs, "; "))
	}
}
