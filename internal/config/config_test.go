package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/warpmq/warpq/internal/source"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "warpqd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
listen:
  addr: ":4433"
tls:
  cert_file: cert.pem
  key_file: key.pem
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.IdleTimeout != 30*time.Second {
		t.Fatalf("IdleTimeout = %v, want 30s default", cfg.Listen.IdleTimeout)
	}
	if cfg.Congestion.Mode != "none" {
		t.Fatalf("Congestion.Mode = %q, want \"none\" default", cfg.Congestion.Mode)
	}
	if cfg.Repair.ExtraRepeatDelay != 20*time.Millisecond {
		t.Fatalf("ExtraRepeatDelay = %v, want 20ms default", cfg.Repair.ExtraRepeatDelay)
	}
	if cfg.Repair.MaxDatagramQueueLength != 1250 {
		t.Fatalf("MaxDatagramQueueLength = %d, want 1250 default", cfg.Repair.MaxDatagramQueueLength)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Fatalf("Logging defaults = %+v, want info/text", cfg.Logging)
	}
}

func TestLoadRejectsMissingListenAddr(t *testing.T) {
	path := writeConfig(t, `
tls:
  cert_file: cert.pem
  key_file: key.pem
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("Load: expected error for missing listen.addr")
	}
}

func TestLoadRejectsMissingTLS(t *testing.T) {
	path := writeConfig(t, `
listen:
  addr: ":4433"
tls:
  cert_file: cert.pem
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("Load: expected error for missing tls.key_file")
	}
}

func TestLoadRejectsUnknownCongestionMode(t *testing.T) {
	path := writeConfig(t, `
listen:
  addr: ":4433"
tls:
  cert_file: cert.pem
  key_file: key.pem
congestion:
  mode: bogus
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("Load: expected error for unknown congestion.mode")
	}
}

func TestParseCongestionModeMapsAllFourModes(t *testing.T) {
	cases := map[string]source.Mode{
		"none":  source.ModeNone,
		"delay": source.ModeDelay,
		"group": source.ModeGroup,
		"zero":  source.ModeZero,
		"ZERO":  source.ModeZero,
	}
	for in, want := range cases {
		got, err := ParseCongestionMode(in)
		if err != nil {
			t.Fatalf("ParseCongestionMode(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseCongestionMode(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseCongestionMode("nonsense"); err == nil {
		t.Fatalf("ParseCongestionMode(\"nonsense\"): expected error")
	}
}

func TestDatagramConfigConvertsDurationsToMilliseconds(t *testing.T) {
	r := RepairConfig{
		ExtraRepeatDelay:       50 * time.Millisecond,
		DelayedThreshold:       25 * time.Millisecond,
		MaxDatagramQueueLength: 900,
	}
	dc := r.DatagramConfig()
	if dc.ExtraRepeatDelay != 50 {
		t.Fatalf("ExtraRepeatDelay = %d, want 50", dc.ExtraRepeatDelay)
	}
	if dc.DelayedThresholdMs != 25 {
		t.Fatalf("DelayedThresholdMs = %d, want 25", dc.DelayedThresholdMs)
	}
	if dc.MaxDatagramQueueLength != 900 {
		t.Fatalf("MaxDatagramQueueLength = %d, want 900", dc.MaxDatagramQueueLength)
	}
}
