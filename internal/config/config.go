package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	RSU         RSUConfig         `yaml:"rsu"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Corrections CorrectionsConfig `yaml:"corrections"`
	GPS         GPSConfig         `yaml:"gps"`
	Transport   TransportConfig   `yaml:"transport"`
	Logs        LogsConfig        `yaml:"logs"`
	Web         WebConfig         `yaml:"web"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Indicator   IndicatorConfig   `yaml:"indicator"`
}

type RSUConfig struct {
	ID uint32 `yaml:"id"`
	// Static position override in 1e-7 degrees. Used only when both are non-zero.
	Latitude  int32 `yaml:"latitude"`
	Longitude int32 `yaml:"longitude"`
	Debug     bool  `yaml:"debug"`
}

type DispatchConfig struct {
	IntervalUS  int           `yaml:"interval_us"`
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// Interval is the dispatch period as a duration.
func (d DispatchConfig) Interval() time.Duration {
	return time.Duration(d.IntervalUS) * time.Microsecond
}

type CorrectionsConfig struct {
	Enable         bool          `yaml:"enable"`
	Interval       time.Duration `yaml:"interval"`
	Policy         string        `yaml:"policy"`
	Source         string        `yaml:"source"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	Record         RecordConfig  `yaml:"record"`
	Replay         ReplayConfig  `yaml:"replay"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type ReplayConfig struct {
	Enable bool    `yaml:"enable"`
	Path   string  `yaml:"path"`
	Speed  float64 `yaml:"speed"`
	Loop   bool    `yaml:"loop"`
}

type GPSConfig struct {
	Enable       bool          `yaml:"enable"`
	Source       string        `yaml:"source"`
	GPSDAddr     string        `yaml:"gpsd_addr"`
	Device       string        `yaml:"device"`
	Baud         int           `yaml:"baud"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type TransportConfig struct {
	Kind     string `yaml:"kind"`
	Dest     string `yaml:"dest"`
	Key      int    `yaml:"key"`
	MType    int    `yaml:"mtype"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      int    `yaml:"qos"`

	// Correction frames go to their own destination on the same kind of transport.
	CorrectionsDest  string `yaml:"corrections_dest"`
	CorrectionsMType int    `yaml:"corrections_mtype"`
	CorrectionsTopic string `yaml:"corrections_topic"`
}

type LogsConfig struct {
	Directory  string `yaml:"directory"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

type TelemetryConfig struct {
	Enable   bool          `yaml:"enable"`
	URL      string        `yaml:"url"`
	Token    string        `yaml:"token"`
	Org      string        `yaml:"org"`
	Bucket   string        `yaml:"bucket"`
	Interval time.Duration `yaml:"interval"`
}

type IndicatorConfig struct {
	Enable bool `yaml:"enable"`
	Pin    int  `yaml:"pin"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills unset fields and rejects inconsistent settings.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if cfg.Dispatch.IntervalUS == 0 {
		cfg.Dispatch.IntervalUS = 10000
	}
	if cfg.Dispatch.IntervalUS < 0 {
		return fmt.Errorf("dispatch.interval_us must be > 0")
	}
	if cfg.Dispatch.SendTimeout <= 0 {
		cfg.Dispatch.SendTimeout = 100 * time.Millisecond
	}

	if err := defaultTransport(&cfg.Transport, cfg.Corrections.Enable); err != nil {
		return err
	}
	if err := defaultCorrections(&cfg.Corrections); err != nil {
		return err
	}
	if err := defaultGPS(&cfg.GPS); err != nil {
		return err
	}

	if cfg.Logs.MaxSizeMB <= 0 {
		cfg.Logs.MaxSizeMB = 25
	}
	if cfg.Logs.MaxAgeDays <= 0 {
		cfg.Logs.MaxAgeDays = 7
	}
	if cfg.Logs.MaxBackups <= 0 {
		cfg.Logs.MaxBackups = 5
	}

	cfg.Web.Listen = strings.TrimSpace(cfg.Web.Listen)

	if cfg.Telemetry.Enable {
		if cfg.Telemetry.URL == "" {
			return fmt.Errorf("telemetry.url is required when telemetry.enable is true")
		}
		if cfg.Telemetry.Bucket == "" {
			return fmt.Errorf("telemetry.bucket is required when telemetry.enable is true")
		}
	}
	if cfg.Telemetry.Interval <= 0 {
		cfg.Telemetry.Interval = 10 * time.Second
	}

	if cfg.Indicator.Enable && cfg.Indicator.Pin <= 0 {
		return fmt.Errorf("indicator.pin must be > 0 when indicator.enable is true")
	}
	return nil
}

func defaultTransport(t *TransportConfig, corrections bool) error {
	t.Kind = strings.ToLower(strings.TrimSpace(t.Kind))
	if t.Kind == "" {
		t.Kind = "udp"
	}
	switch t.Kind {
	case "udp":
		if t.Dest == "" {
			return fmt.Errorf("transport.dest is required for transport.kind=udp")
		}
		if corrections && t.CorrectionsDest == "" {
			return fmt.Errorf("transport.corrections_dest is required when corrections.enable is true")
		}
	case "sysvmq":
		if t.Key == 0 {
			return fmt.Errorf("transport.key is required for transport.kind=sysvmq")
		}
		if t.MType <= 0 {
			t.MType = 1
		}
		if t.CorrectionsMType <= 0 {
			t.CorrectionsMType = t.MType + 1
		}
		if corrections && t.CorrectionsMType == t.MType {
			return fmt.Errorf("transport.corrections_mtype must differ from transport.mtype")
		}
	case "mqtt":
		if t.Broker == "" {
			return fmt.Errorf("transport.broker is required for transport.kind=mqtt")
		}
		if t.Topic == "" {
			t.Topic = "rsu/par"
		}
		if t.CorrectionsTopic == "" {
			t.CorrectionsTopic = "rsu/rtcm"
		}
		if t.ClientID == "" {
			t.ClientID = "rsu-par"
		}
		if t.QoS < 0 || t.QoS > 2 {
			return fmt.Errorf("transport.qos must be 0, 1 or 2")
		}
	default:
		return fmt.Errorf("transport.kind must be udp, sysvmq or mqtt (got %q)", t.Kind)
	}
	return nil
}

func defaultCorrections(c *CorrectionsConfig) error {
	if c.Interval <= 0 {
		c.Interval = 1 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 1 * time.Second
	}
	c.Policy = strings.ToLower(strings.TrimSpace(c.Policy))
	if c.Policy == "" {
		c.Policy = "drop"
	}
	if c.Policy != "drop" && c.Policy != "overwrite" {
		return fmt.Errorf("corrections.policy must be drop or overwrite (got %q)", c.Policy)
	}

	if c.Enable && !c.Replay.Enable && strings.TrimSpace(c.Source) == "" {
		return fmt.Errorf("corrections.source is required when corrections.enable is true")
	}
	if c.Record.Enable && c.Record.Path == "" {
		return fmt.Errorf("corrections.record.path is required when corrections.record.enable is true")
	}
	if c.Replay.Enable {
		if c.Replay.Path == "" {
			return fmt.Errorf("corrections.replay.path is required when corrections.replay.enable is true")
		}
		if c.Replay.Speed == 0 {
			c.Replay.Speed = 1
		}
		if c.Replay.Speed < 0 {
			return fmt.Errorf("corrections.replay.speed must be > 0")
		}
	}
	if c.Record.Enable && c.Replay.Enable {
		return fmt.Errorf("corrections.record and corrections.replay cannot both be enabled")
	}
	return nil
}

func defaultGPS(g *GPSConfig) error {
	g.Source = strings.ToLower(strings.TrimSpace(g.Source))
	if g.Source == "" {
		g.Source = "gpsd"
	}
	if g.Source != "gpsd" && g.Source != "nmea" {
		return fmt.Errorf("gps.source must be gpsd or nmea (got %q)", g.Source)
	}
	if g.GPSDAddr == "" {
		g.GPSDAddr = "127.0.0.1:2947"
	}
	if g.Baud <= 0 {
		g.Baud = 9600
	}
	if g.PollInterval <= 0 {
		g.PollInterval = 1 * time.Second
	}
	return nil
}
