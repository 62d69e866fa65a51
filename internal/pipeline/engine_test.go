package pipeline

import (
	"context"
	"math"
	"testing"
	"time"

	"smart-obd/core/internal/domain"
	"smart-obd/core/internal/metrics"
)

func testEngine(store Store) (*Engine, chan *domain.FeatureWindow, chan *domain.DTC) {
	in := make(chan *domain.FeatureWindow, 16)
	dtcIn := make(chan *domain.DTC, 4)
	e := NewEngine(in, dtcIn, EngineConfig{BaseConfidence: 0.9, DTCTTL: 3 * time.Minute},
		NewDefaultModelScorer(), NewRuleScorer(DefaultWearRules), store)
	return e, in, dtcIn
}

func collectPredictions(e *Engine) []*domain.Prediction {
	var out []*domain.Prediction
	for {
		select {
		case p := <-e.out:
			out = append(out, p)
		default:
			return out
		}
	}
}

func coolingWindow(vehicle string, mean, rate float64, end time.Time) *domain.FeatureWindow {
	return &domain.FeatureWindow{
		VehicleID: vehicle,
		Metric:    "coolant_temp",
		Mean:      mean,
		Rate:      rate,
		End:       end,
	}
}

func TestEngineScoresWithModelWhenCovered(t *testing.T) {
	e, _, _ := testEngine(nil)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	e.update(coolingWindow("v1", 110, 0, now))
	e.scoreAll(context.Background(), now)

	preds := collectPredictions(e)
	var cooling *domain.Prediction
	for _, p := range preds {
		if p.Subsystem == domain.SubsystemCooling {
			cooling = p
		}
	}
	if cooling == nil {
		t.Fatal("no cooling prediction emitted")
	}
	if cooling.ModelVersion != "wear-lr-v1" {
		t.Errorf("model version %q, want wear-lr-v1", cooling.ModelVersion)
	}
	// -1.80 + 0.020*110 = 0.40
	if math.Abs(cooling.FailureProb-0.40) > 1e-9 {
		t.Errorf("failure prob %v, want 0.40", cooling.FailureProb)
	}
	if math.Abs(cooling.Confidence-0.9) > 1e-9 {
		t.Errorf("confidence %v, want base 0.9 with no gaps", cooling.Confidence)
	}
	if cooling.Features["coolant_temp_mean"] != 110 {
		t.Errorf("feature snapshot missing coolant mean: %v", cooling.Features)
	}
}

func TestEngineFallsBackToRulesForUncoveredSubsystem(t *testing.T) {
	e, _, _ := testEngine(nil)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	// Fuel has no trained model; 180 kPa is the critical rule anchor.
	e.update(&domain.FeatureWindow{VehicleID: "v1", Metric: "fuel_pressure", Mean: 180, End: now})

	before := metrics.ScorerFallbacks.Load()
	e.scoreAll(context.Background(), now)

	var fuel *domain.Prediction
	for _, p := range collectPredictions(e) {
		if p.Subsystem == domain.SubsystemFuel {
			fuel = p
		}
	}
	if fuel == nil {
		t.Fatal("no fuel prediction emitted")
	}
	if fuel.ModelVersion != "rules-v1" {
		t.Errorf("model version %q, want the rule fallback", fuel.ModelVersion)
	}
	if math.Abs(fuel.FailureProb-1) > 1e-9 {
		t.Errorf("failure prob %v, want 1 at the critical anchor", fuel.FailureProb)
	}
	if metrics.ScorerFallbacks.Load() == before {
		t.Error("fallback counter did not move")
	}
}

func TestEngineConfidenceDecaysWithGaps(t *testing.T) {
	e, _, _ := testEngine(nil)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	w := coolingWindow("v1", 95, 0, now)
	w.Gap = true
	e.update(w)
	e.scoreAll(context.Background(), now)

	for _, p := range collectPredictions(e) {
		if p.Subsystem != domain.SubsystemCooling {
			continue
		}
		// The only input window is gapped: gap ratio 1, confidence 0.
		if p.GapRatio != 1 {
			t.Errorf("gap ratio %v, want 1", p.GapRatio)
		}
		if p.Confidence != 0 {
			t.Errorf("confidence %v, want 0 when every input is gapped", p.Confidence)
		}
		return
	}
	t.Fatal("no cooling prediction emitted")
}

func TestEngineActiveDTCRespectsTTL(t *testing.T) {
	e, _, _ := testEngine(nil)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	e.dtcSeen["v1|P0128"] = now.Add(-time.Minute)
	if !e.hasActiveDTC("v1", now) {
		t.Error("DTC reported a minute ago must be active under a 3m TTL")
	}
	if e.hasActiveDTC("v1", now.Add(10*time.Minute)) {
		t.Error("DTC must expire after the TTL")
	}
	if e.hasActiveDTC("v2", now) {
		t.Error("DTC must not leak across vehicles")
	}
}

func TestEngineDTCBoostsModelScore(t *testing.T) {
	e, _, _ := testEngine(nil)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	e.update(coolingWindow("v1", 110, 0, now))
	e.scoreAll(context.Background(), now)
	var base float64
	for _, p := range collectPredictions(e) {
		if p.Subsystem == domain.SubsystemCooling {
			base = p.FailureProb
		}
	}

	e.dtcSeen["v1|P0128"] = now
	e.scoreAll(context.Background(), now)
	for _, p := range collectPredictions(e) {
		if p.Subsystem != domain.SubsystemCooling {
			continue
		}
		if math.Abs(p.FailureProb-(base+0.25)) > 1e-9 {
			t.Errorf("active DTC: prob %v, want %v", p.FailureProb, base+0.25)
		}
		if p.Features["dtc_active"] != 1 {
			t.Error("feature snapshot must record the active DTC")
		}
		return
	}
	t.Fatal("no cooling prediction emitted")
}

func TestEngineRunConsumesChannels(t *testing.T) {
	store := &memStore{}
	e, in, dtcIn := testEngine(store)

	done := make(chan struct{})
	go func() {
		e.Run(context.Background())
		close(done)
	}()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	dtcIn <- &domain.DTC{VehicleID: "v1", Code: "P0128", RaisedAt: now}
	in <- coolingWindow("v1", 110, 0, now)

	var got *domain.Prediction
	deadline := time.After(2 * time.Second)
	for got == nil {
		select {
		case p := <-e.Predictions():
			if p.Subsystem == domain.SubsystemCooling {
				got = p
			}
		case <-deadline:
			t.Fatal("no prediction produced")
		}
	}

	close(in)
	close(dtcIn)
	<-done

	store.mu.Lock()
	persisted := len(store.predictions)
	store.mu.Unlock()
	if persisted == 0 {
		t.Error("predictions were not persisted")
	}
}
