package pipeline

import (
	"context"
	"errors"
	"log"
	"time"

	"smart-obd/core/internal/domain"
	"smart-obd/core/internal/metrics"
)

type EngineConfig struct {
	BaseConfidence float64
	// DTCTTL bounds how long a trouble code counts as active after it
	// was last reported.
	DTCTTL time.Duration
}

// Engine maps the latest feature windows (and active trouble codes) per
// subsystem to Predictions. The trained model scores first; any model
// error falls back to the rule scorer so predictions never silently stop.
type Engine struct {
	in    <-chan *domain.FeatureWindow
	dtcIn <-chan *domain.DTC
	out   chan *domain.Prediction
	cfg   EngineConfig

	model Scorer
	rules Scorer
	store Store

	latest  map[string]map[string]*domain.FeatureWindow // vehicle -> metric -> window
	dtcSeen map[string]time.Time                        // vehicle|code -> last report
}

func NewEngine(in <-chan *domain.FeatureWindow, dtcIn <-chan *domain.DTC, cfg EngineConfig, model, rules Scorer, store Store) *Engine {
	return &Engine{
		in:      in,
		dtcIn:   dtcIn,
		out:     make(chan *domain.Prediction, 64),
		cfg:     cfg,
		model:   model,
		rules:   rules,
		store:   store,
		latest:  make(map[string]map[string]*domain.FeatureWindow),
		dtcSeen: make(map[string]time.Time),
	}
}

func (e *Engine) Predictions() <-chan *domain.Prediction { return e.out }

func (e *Engine) Run(ctx context.Context) {
	defer close(e.out)

	for {
		select {
		case w, ok := <-e.in:
			if !ok {
				return
			}
			e.update(w)
			// Windows arrive in per-tick batches; drain what is already
			// buffered so each batch is scored once.
			end := e.drain(w.End)
			e.scoreAll(ctx, end)

		case dtc, ok := <-e.dtcIn:
			if !ok {
				e.dtcIn = nil
				continue
			}
			e.dtcSeen[dtc.VehicleID+"|"+dtc.Code] = dtc.RaisedAt

		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) drain(end time.Time) time.Time {
	for {
		select {
		case w, ok := <-e.in:
			if !ok {
				return end
			}
			e.update(w)
			if w.End.After(end) {
				end = w.End
			}
		default:
			return end
		}
	}
}

func (e *Engine) update(w *domain.FeatureWindow) {
	byMetric, ok := e.latest[w.VehicleID]
	if !ok {
		byMetric = make(map[string]*domain.FeatureWindow)
		e.latest[w.VehicleID] = byMetric
	}
	byMetric[w.Metric] = w
}

func (e *Engine) scoreAll(ctx context.Context, at time.Time) {
	for vehicleID, byMetric := range e.latest {
		dtcActive := e.hasActiveDTC(vehicleID, at)
		for _, sub := range domain.Subsystems {
			fs := e.featureSet(vehicleID, sub, byMetric, dtcActive, at)
			if len(fs.Windows) == 0 {
				continue
			}
			p := e.score(fs)
			metrics.Predictions.Add(1)

			if e.store != nil {
				if err := e.store.AppendPrediction(ctx, p); err != nil {
					metrics.StoreFailures.Add(1)
					log.Printf("engine: prediction append failed: %v", err)
				}
			}

			select {
			case e.out <- p:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) featureSet(vehicleID string, sub domain.Subsystem, byMetric map[string]*domain.FeatureWindow, dtcActive bool, at time.Time) *FeatureSet {
	fs := &FeatureSet{
		VehicleID: vehicleID,
		Subsystem: sub,
		Windows:   make(map[string]*domain.FeatureWindow),
		DTCActive: dtcActive,
		At:        at,
	}
	for _, m := range domain.SubsystemMetrics[sub] {
		if w, ok := byMetric[m]; ok {
			fs.Windows[m] = w
		}
	}
	return fs
}

// score runs the model scorer with rule fallback and assembles the
// Prediction. Confidence decays with the gapped fraction of the input.
func (e *Engine) score(fs *FeatureSet) *domain.Prediction {
	scorer := e.model
	prob, err := scorer.Score(fs)
	if err != nil {
		if !errors.Is(err, ErrModelUnavailable) {
			log.Printf("engine: model scorer failed for %s: %v", fs.Subsystem, err)
		}
		metrics.ScorerFallbacks.Add(1)
		scorer = e.rules
		prob, err = scorer.Score(fs)
		if err != nil {
			// The rule scorer cannot fail, but guard the contract: emit
			// a zero-confidence prediction rather than none.
			prob = 0
		}
	}

	gapRatio := fs.GapRatio()
	return &domain.Prediction{
		VehicleID:    fs.VehicleID,
		Subsystem:    fs.Subsystem,
		FailureProb:  prob,
		Confidence:   clamp01(e.cfg.BaseConfidence * (1 - gapRatio)),
		ModelVersion: scorer.Version(),
		Timestamp:    fs.At,
		Features:     snapshot(fs),
		GapRatio:     gapRatio,
	}
}

func (e *Engine) hasActiveDTC(vehicleID string, at time.Time) bool {
	prefix := vehicleID + "|"
	for key, seen := range e.dtcSeen {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			if at.Sub(seen) <= e.cfg.DTCTTL {
				return true
			}
		}
	}
	return false
}

func snapshot(fs *FeatureSet) map[string]float64 {
	snap := make(map[string]float64, len(fs.Windows)*2)
	for _, m := range domain.SubsystemMetrics[fs.Subsystem] {
		if w, ok := fs.Windows[m]; ok {
			snap[m+"_mean"] = w.Mean
			snap[m+"_rate"] = w.Rate
		}
	}
	if fs.DTCActive {
		snap["dtc_active"] = 1
	}
	return snap
}
