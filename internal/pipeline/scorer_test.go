package pipeline

import (
	"errors"
	"math"
	"testing"
	"time"

	"smart-obd/core/internal/domain"
)

func windowWithMean(metric string, mean float64) *domain.FeatureWindow {
	return &domain.FeatureWindow{Metric: metric, Mean: mean}
}

func featureSet(sub domain.Subsystem, windows ...*domain.FeatureWindow) *FeatureSet {
	fs := &FeatureSet{
		VehicleID: "v1",
		Subsystem: sub,
		Windows:   make(map[string]*domain.FeatureWindow),
		At:        time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	for _, w := range windows {
		fs.Windows[w.Metric] = w
	}
	return fs
}

func TestWearRuleAnchorsHighBad(t *testing.T) {
	r := WearRule{Subsystem: domain.SubsystemCooling, Metric: "coolant_temp", WarnAt: 105, CritAt: 115, HighBad: true}

	cases := []struct {
		v    float64
		want float64
	}{
		{90, 0},    // below nominal
		{95, 0},    // nominal anchor
		{105, 0.5}, // warn anchor
		{115, 1},   // crit anchor
		{130, 1},   // clamped
		{100, 0.25},
	}
	for _, c := range cases {
		if got := r.prob(c.v); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("prob(%v) = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestWearRuleAnchorsLowBad(t *testing.T) {
	// Voltage degrades downward.
	r := WearRule{Subsystem: domain.SubsystemElectrical, Metric: "control_voltage", WarnAt: 12.2, CritAt: 11.4, HighBad: false}

	cases := []struct {
		v    float64
		want float64
	}{
		{14.0, 0},
		{13.0, 0},   // nominal anchor at warn + band
		{12.2, 0.5}, // warn anchor
		{11.4, 1},   // crit anchor
		{10.0, 1},   // clamped
	}
	for _, c := range cases {
		if got := r.prob(c.v); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("prob(%v) = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestRuleScorerTakesWorstExceedance(t *testing.T) {
	s := NewRuleScorer(DefaultWearRules)

	fs := featureSet(domain.SubsystemCooling,
		windowWithMean("coolant_temp", 105), // 0.5
		windowWithMean("intake_temp", 20),   // 0
	)
	got, err := s.Score(fs)
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
	if math.Abs(got-0.5) > 1e-9 {
		t.Errorf("got %v, want 0.5 (worst rule wins)", got)
	}
}

func TestRuleScorerDTCBoost(t *testing.T) {
	s := NewRuleScorer(DefaultWearRules)

	fs := featureSet(domain.SubsystemCooling, windowWithMean("coolant_temp", 105))
	base, _ := s.Score(fs)

	fs.DTCActive = true
	boosted, _ := s.Score(fs)
	if math.Abs(boosted-(base+0.25)) > 1e-9 {
		t.Errorf("DTC boost: %v -> %v, want +0.25", base, boosted)
	}

	// Boost clamps at 1.
	fs.Windows["coolant_temp"].Mean = 130
	capped, _ := s.Score(fs)
	if capped != 1 {
		t.Errorf("boosted probability must clamp at 1, got %v", capped)
	}
}

func TestRuleScorerIgnoresForeignSubsystems(t *testing.T) {
	s := NewRuleScorer(DefaultWearRules)

	// An overheating cooling metric must not leak into the fuel score.
	fs := featureSet(domain.SubsystemFuel, windowWithMean("coolant_temp", 130))
	got, err := s.Score(fs)
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
	if got != 0 {
		t.Errorf("got %v, want 0", got)
	}
}

func TestModelScorerUnavailableForUncoveredSubsystem(t *testing.T) {
	s := NewDefaultModelScorer()

	fs := featureSet(domain.SubsystemFuel, windowWithMean("fuel_pressure", 300))
	_, err := s.Score(fs)
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestModelScorerIsDeterministic(t *testing.T) {
	s := NewDefaultModelScorer()

	fs := featureSet(domain.SubsystemCooling,
		&domain.FeatureWindow{Metric: "coolant_temp", Mean: 101.37, Rate: 0.0831},
		&domain.FeatureWindow{Metric: "intake_temp", Mean: 44.21, Rate: -0.002},
	)

	first, err := s.Score(fs)
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
	for i := 0; i < 100; i++ {
		got, err := s.Score(fs)
		if err != nil {
			t.Fatalf("score failed: %v", err)
		}
		if got != first {
			t.Fatalf("iteration %d: %v differs from %v, model must be bit-for-bit deterministic", i, got, first)
		}
	}
}

func TestModelScorerMonotonicInTemperature(t *testing.T) {
	s := NewDefaultModelScorer()

	prev := -1.0
	for temp := 80.0; temp <= 120; temp += 5 {
		fs := featureSet(domain.SubsystemCooling, windowWithMean("coolant_temp", temp))
		got, err := s.Score(fs)
		if err != nil {
			t.Fatalf("score failed: %v", err)
		}
		if got < prev {
			t.Errorf("score dropped from %v to %v as coolant rose to %v", prev, got, temp)
		}
		prev = got
	}
}

func TestGapRatio(t *testing.T) {
	fs := featureSet(domain.SubsystemCooling,
		&domain.FeatureWindow{Metric: "coolant_temp", Gap: true},
		&domain.FeatureWindow{Metric: "intake_temp"},
	)
	if got := fs.GapRatio(); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("got %v, want 0.5", got)
	}

	// No windows at all counts as fully gapped.
	empty := featureSet(domain.SubsystemCooling)
	if got := empty.GapRatio(); got != 1 {
		t.Errorf("empty set gap ratio %v, want 1", got)
	}
}
