package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PULSEHUB_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.Hub.DefaultRoom != "pulseai" || cfg.Hub.Mode != ModeLive {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Detection.WindowSize != 60 || cfg.Detection.ECOD.MinSamples != 20 || cfg.Detection.Forecast.MinSamples != 30 {
		t.Fatalf("unexpected detection defaults %+v", cfg.Detection)
	}
	if cfg.Detection.Health.Critical != 20 || cfg.Detection.Health.Warning != 5 {
		t.Fatalf("unexpected health defaults %+v", cfg.Detection.Health)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulsehub.yaml")
	yaml := `
server:
  address: ":9090"
hub:
  mode: sample
  sampleFile: data_pos.txt
detection:
  windowSize: 90
  realtimeInterval: 5s
  health:
    critical: 30
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PULSEHUB_LOG_LEVEL", "debug")
	t.Setenv("PULSEHUB_ICE_SERVERS", "stun:a:1, turn:b:2")
	t.Setenv("PULSEHUB_EVENTS_NATS_URL", "nats://nats:4222")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" || cfg.Hub.Mode != ModeSample || cfg.Hub.SampleFile != "data_pos.txt" {
		t.Fatalf("yaml not applied: %+v", cfg)
	}
	if cfg.Detection.WindowSize != 90 || cfg.Detection.RealtimeInterval != 5*time.Second {
		t.Fatalf("detection yaml not applied: %+v", cfg.Detection)
	}
	if cfg.Detection.Health.Critical != 30 || cfg.Detection.Health.Warning != 5 {
		t.Fatalf("partial health override should keep other defaults: %+v", cfg.Detection.Health)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("env override not applied")
	}
	if strings.Join(cfg.Server.ICEServers, "|") != "stun:a:1|turn:b:2" {
		t.Fatalf("unexpected ice servers %v", cfg.Server.ICEServers)
	}
	if !cfg.Events.NATS.Enabled || cfg.Events.NATS.URL != "nats://nats:4222" {
		t.Fatalf("nats env override not applied: %+v", cfg.Events.NATS)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Hub.Mode = ModeSample
	cfg.Detection.WindowSize = 10
	cfg.Cache.Enabled = true

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"sampleFile", "windowSize", "cache.addr"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}

	cfg = Default()
	cfg.Hub.Mode = "replay"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown mode to be rejected")
	}
}
