package config

import (
	"testing"
	"time"

	"smart-obd/core/internal/domain"
)

func TestParseSchedule(t *testing.T) {
	items, err := parseSchedule("0C=1s, 05=5s,2F=30s")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	if items[0].PID != domain.PIDEngineRPM || items[0].Interval != time.Second {
		t.Errorf("first item %+v", items[0])
	}
	if items[1].PID != domain.PIDCoolantTemp || items[1].Interval != 5*time.Second {
		t.Errorf("second item %+v", items[1])
	}
}

func TestParseScheduleRejectsGarbage(t *testing.T) {
	for _, s := range []string{"0C", "ZZ=1s", "0C=fast"} {
		if _, err := parseSchedule(s); err == nil {
			t.Errorf("%q: expected parse error", s)
		}
	}
}

func TestParseThresholds(t *testing.T) {
	th, err := parseThresholds("cooling=0.5:0.8, engine=0.4:0.7")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := th[domain.SubsystemCooling]; got.Warning != 0.5 || got.Critical != 0.8 {
		t.Errorf("cooling thresholds %+v", got)
	}
	if got := th[domain.SubsystemEngine]; got.Warning != 0.4 || got.Critical != 0.7 {
		t.Errorf("engine thresholds %+v", got)
	}

	for _, s := range []string{"cooling", "cooling=0.5", "cooling=a:b"} {
		if _, err := parseThresholds(s); err == nil {
			t.Errorf("%q: expected parse error", s)
		}
	}
}

func TestLoadDefaultsValidate(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration must validate: %v", err)
	}
	if len(cfg.PollSchedule) == 0 {
		t.Error("default schedule is empty")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("VEHICLE_ID", "truck-42")
	t.Setenv("POLL_SCHEDULE", "0C=250ms")
	t.Setenv("WINDOW_DURATION", "2m")
	t.Setenv("RECONNECT_MAX_RETRIES", "5")
	t.Setenv("MAINT_CHANNEL_SIZE", "64")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.VehicleID != "truck-42" {
		t.Errorf("vehicle id %q", cfg.VehicleID)
	}
	if len(cfg.PollSchedule) != 1 || cfg.PollSchedule[0].Interval != 250*time.Millisecond {
		t.Errorf("schedule %+v", cfg.PollSchedule)
	}
	if cfg.WindowDuration != 2*time.Minute {
		t.Errorf("window %v", cfg.WindowDuration)
	}
	if cfg.ReconnectMaxRetries != 5 {
		t.Errorf("retries %d", cfg.ReconnectMaxRetries)
	}
	if cfg.MaintChannelSize != 64 {
		t.Errorf("maintenance channel size %d", cfg.MaintChannelSize)
	}
}

func TestLoadRejectsBadSchedule(t *testing.T) {
	t.Setenv("POLL_SCHEDULE", "0C=notaduration")
	if _, err := Load(); err == nil {
		t.Fatal("bad schedule must fail Load, not default silently")
	}
}

func TestValidateCatchesInconsistencies(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty schedule", func(c *Config) { c.PollSchedule = nil }},
		{"unknown PID", func(c *Config) { c.PollSchedule = []PollItem{{PID: 0xEE, Interval: time.Second}} }},
		{"zero interval", func(c *Config) { c.PollSchedule = []PollItem{{PID: domain.PIDEngineRPM}} }},
		{"no retries", func(c *Config) { c.ReconnectMaxRetries = 0 }},
		{"backoff cap below base", func(c *Config) { c.BackoffCap = c.BackoffBase / 2 }},
		{"window smaller than tick", func(c *Config) { c.WindowDuration = c.AggTick / 2 }},
		{"confidence above one", func(c *Config) { c.BaseConfidence = 1.5 }},
		{"zero cooldown", func(c *Config) { c.DebounceCooldown = 0 }},
		{"inverted thresholds", func(c *Config) {
			c.SeverityThresholds[domain.SubsystemCooling] = Thresholds{Warning: 0.9, Critical: 0.5}
		}},
	}

	for _, c := range cases {
		cfg := base()
		c.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation failure", c.name)
		}
	}
}
