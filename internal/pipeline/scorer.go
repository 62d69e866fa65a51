package pipeline

import (
	"errors"
	"fmt"
	"time"

	"smart-obd/core/internal/domain"
)

// FeatureSet is the scorer input: the latest window per metric of one
// subsystem, plus whether an active trouble code implicates it.
type FeatureSet struct {
	VehicleID string
	Subsystem domain.Subsystem
	Windows   map[string]*domain.FeatureWindow
	DTCActive bool
	At        time.Time
}

// GapRatio is the fraction of gapped windows in the set. An empty set is
// all gap.
func (fs *FeatureSet) GapRatio() float64 {
	metrics := domain.SubsystemMetrics[fs.Subsystem]
	if len(metrics) == 0 {
		return 1
	}
	gapped := 0
	present := 0
	for _, m := range metrics {
		w, ok := fs.Windows[m]
		if !ok {
			continue
		}
		present++
		if w.Gap {
			gapped++
		}
	}
	if present == 0 {
		return 1
	}
	return float64(gapped) / float64(present)
}

// Scorer turns a feature set into a failure probability. Implementations
// must be deterministic: identical input and version produce bit-identical
// output.
type Scorer interface {
	Version() string
	Score(fs *FeatureSet) (float64, error)
}

// ErrModelUnavailable marks a scorer that cannot serve the subsystem;
// the engine falls back to the rule scorer.
var ErrModelUnavailable = errors.New("scorer: model unavailable for subsystem")

// WearRule anchors a piecewise-linear failure probability on one metric:
// 0 at one band before WarnAt, 0.5 at WarnAt, 1.0 at CritAt. HighBad
// rules degrade upward (temperatures), the rest downward (pressure,
// voltage).
type WearRule struct {
	Subsystem domain.Subsystem
	Metric    string
	WarnAt    float64
	CritAt    float64
	HighBad   bool
}

func (r WearRule) prob(v float64) float64 {
	band := r.CritAt - r.WarnAt
	if !r.HighBad {
		band = r.WarnAt - r.CritAt
		v = 2*r.WarnAt - v // mirror around the warn anchor
	}
	nominal := r.WarnAt - band
	p := (v - nominal) / (2 * band) // nominal->0, warn->0.5, crit->1
	return clamp01(p)
}

// DefaultWearRules covers the demonstration subsystems. Values are
// defaults, not product requirements; deployments override per vehicle.
var DefaultWearRules = []WearRule{
	{Subsystem: domain.SubsystemCooling, Metric: "coolant_temp", WarnAt: 105, CritAt: 115, HighBad: true},
	{Subsystem: domain.SubsystemCooling, Metric: "intake_temp", WarnAt: 60, CritAt: 80, HighBad: true},
	{Subsystem: domain.SubsystemEngine, Metric: "oil_temp", WarnAt: 120, CritAt: 135, HighBad: true},
	{Subsystem: domain.SubsystemEngine, Metric: "engine_load", WarnAt: 85, CritAt: 98, HighBad: true},
	{Subsystem: domain.SubsystemFuel, Metric: "fuel_pressure", WarnAt: 250, CritAt: 180, HighBad: false},
	{Subsystem: domain.SubsystemFuel, Metric: "fuel_level", WarnAt: 10, CritAt: 3, HighBad: false},
	{Subsystem: domain.SubsystemElectrical, Metric: "control_voltage", WarnAt: 12.2, CritAt: 11.4, HighBad: false},
}

// dtcBoost is added to the probability when an active trouble code
// implicates the subsystem.
const dtcBoost = 0.25

// RuleScorer is the always-available fallback: the worst rule exceedance
// across the subsystem's metrics.
type RuleScorer struct {
	rules []WearRule
}

func NewRuleScorer(rules []WearRule) *RuleScorer {
	return &RuleScorer{rules: rules}
}

func (s *RuleScorer) Version() string { return "rules-v1" }

func (s *RuleScorer) Score(fs *FeatureSet) (float64, error) {
	prob := 0.0
	for _, r := range s.rules {
		if r.Subsystem != fs.Subsystem {
			continue
		}
		w, ok := fs.Windows[r.Metric]
		if !ok {
			continue
		}
		if p := r.prob(w.Mean); p > prob {
			prob = p
		}
	}
	if fs.DTCActive {
		prob = clamp01(prob + dtcBoost)
	}
	return prob, nil
}

// ModelScorer is the trained-model variant: a linear model over window
// means and rates with fixed, version-tagged coefficients. Training is
// out of scope; coefficients are loaded as data.
type ModelScorer struct {
	version string
	// weights per subsystem: metric -> (bias already folded per term).
	meanWeights map[domain.Subsystem]map[string]float64
	rateWeights map[domain.Subsystem]map[string]float64
	bias        map[domain.Subsystem]float64
}

// NewDefaultModelScorer builds the shipped linear wear model.
func NewDefaultModelScorer() *ModelScorer {
	return &ModelScorer{
		version: "wear-lr-v1",
		meanWeights: map[domain.Subsystem]map[string]float64{
			domain.SubsystemCooling: {"coolant_temp": 0.020, "intake_temp": 0.004},
			domain.SubsystemEngine:  {"oil_temp": 0.012, "engine_load": 0.003, "rpm": 0.00004},
		},
		rateWeights: map[domain.Subsystem]map[string]float64{
			domain.SubsystemCooling: {"coolant_temp": 0.8},
			domain.SubsystemEngine:  {"oil_temp": 0.5},
		},
		bias: map[domain.Subsystem]float64{
			domain.SubsystemCooling: -1.80,
			domain.SubsystemEngine:  -1.55,
		},
	}
}

func (s *ModelScorer) Version() string { return s.version }

func (s *ModelScorer) Score(fs *FeatureSet) (float64, error) {
	weights, ok := s.meanWeights[fs.Subsystem]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrModelUnavailable, fs.Subsystem)
	}

	// Iterate the catalog order, not the map, so summation order and
	// therefore the float result is reproducible.
	sum := s.bias[fs.Subsystem]
	for _, m := range domain.SubsystemMetrics[fs.Subsystem] {
		w, present := fs.Windows[m]
		if !present {
			continue
		}
		sum += weights[m] * w.Mean
		if rw, hasRate := s.rateWeights[fs.Subsystem]; hasRate {
			sum += rw[m] * w.Rate
		}
	}
	if fs.DTCActive {
		sum += dtcBoost
	}
	return clamp01(sum), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
