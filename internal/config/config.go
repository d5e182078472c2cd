// Package config loads warpqd's operational configuration from a flat YAML
// file, the way nishisan-dev/n-backup's internal/config package loads its
// server config: a Load function that reads and unmarshals the file, then
// runs a validate step that fills in defaults and rejects missing required
// fields.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warpmq/warpq/internal/dgram"
	"github.com/warpmq/warpq/internal/source"
)

// Config is warpqd's full operational configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	TLS        TLSConfig        `yaml:"tls"`
	Congestion CongestionConfig `yaml:"congestion"`
	Repair     RepairConfig     `yaml:"repair"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ListenConfig is the QUIC listener's bind address and idle timeout.
type ListenConfig struct {
	Addr        string        `yaml:"addr"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// TLSConfig points at the certificate/key pair the QUIC listener serves.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// CongestionConfig configures the default source.Congestion evaluator new
// publishers are built with (§4.7's four modes).
type CongestionConfig struct {
	Mode          string        `yaml:"mode"` // none|delay|group|zero
	RateLimit     float64       `yaml:"rate_limit"`     // objects/sec, 0 = unlimited
	BacklogWindow time.Duration `yaml:"backlog_window"` // ModeDelay's threshold
}

// RepairConfig configures internal/dgram's extra-repeat scheduling and
// internal/repair's sweep cadence (§4.4/§4.7).
type RepairConfig struct {
	ExtraRepeatAfterDelayed bool          `yaml:"extra_repeat_after_delayed"`
	ExtraRepeatOnNack       bool          `yaml:"extra_repeat_on_nack"`
	ExtraRepeatDelay        time.Duration `yaml:"extra_repeat_delay"`
	DelayedThreshold        time.Duration `yaml:"delayed_threshold"`
	MaxDatagramQueueLength  int           `yaml:"max_datagram_queue_length"`
	MinSweepInterval        time.Duration `yaml:"min_sweep_interval"`
	MaxSweepInterval        time.Duration `yaml:"max_sweep_interval"`
}

// LoggingConfig picks the logging level/format, mirroring the teacher
// pack's logging config shape.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Listen.Addr == "" {
		return fmt.Errorf("listen.addr is required")
	}
	if c.Listen.IdleTimeout <= 0 {
		c.Listen.IdleTimeout = 30 * time.Second
	}

	if c.TLS.CertFile == "" {
		return fmt.Errorf("tls.cert_file is required")
	}
	if c.TLS.KeyFile == "" {
		return fmt.Errorf("tls.key_file is required")
	}

	if c.Congestion.Mode == "" {
		c.Congestion.Mode = "none"
	}
	if _, err := ParseCongestionMode(c.Congestion.Mode); err != nil {
		return fmt.Errorf("congestion.mode: %w", err)
	}
	if c.Congestion.BacklogWindow <= 0 {
		c.Congestion.BacklogWindow = 100 * time.Millisecond
	}

	if c.Repair.ExtraRepeatDelay <= 0 {
		c.Repair.ExtraRepeatDelay = 20 * time.Millisecond
	}
	if c.Repair.DelayedThreshold <= 0 {
		c.Repair.DelayedThreshold = 20 * time.Millisecond
	}
	if c.Repair.MaxDatagramQueueLength <= 0 {
		c.Repair.MaxDatagramQueueLength = dgram.DefaultMaxDatagramQueueLength
	}
	if c.Repair.MinSweepInterval <= 0 {
		c.Repair.MinSweepInterval = 50 * time.Millisecond
	}
	if c.Repair.MaxSweepInterval <= 0 {
		c.Repair.MaxSweepInterval = 5 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	return nil
}

// ParseCongestionMode maps the YAML mode string onto internal/source.Mode.
func ParseCongestionMode(s string) (source.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return source.ModeNone, nil
	case "delay":
		return source.ModeDelay, nil
	case "group":
		return source.ModeGroup, nil
	case "zero":
		return source.ModeZero, nil
	default:
		return source.ModeNone, fmt.Errorf("unknown congestion mode %q (want none|delay|group|zero)", s)
	}
}

// DatagramConfig translates the YAML repair tuning into internal/dgram.Config
// (milliseconds, matching internal/dgram.Tracker's clock convention).
func (r RepairConfig) DatagramConfig() dgram.Config {
	return dgram.Config{
		ExtraRepeatAfterDelayed: r.ExtraRepeatAfterDelayed,
		ExtraRepeatOnNack:       r.ExtraRepeatOnNack,
		ExtraRepeatDelay:        uint64(r.ExtraRepeatDelay.Milliseconds()),
		DelayedThresholdMs:      uint64(r.DelayedThreshold.Milliseconds()),
		MaxDatagramQueueLength:  r.MaxDatagramQueueLength,
	}
}
