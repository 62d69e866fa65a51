package pipeline

import (
	"context"
	"log"
	"sort"
	"time"

	"smart-obd/core/internal/domain"
	"smart-obd/core/internal/metrics"
	"smart-obd/core/internal/obd"
)

// Store is the append-only sink the pipeline produces to. The core never
// reads back what it wrote.
type Store interface {
	AppendWindow(ctx context.Context, w *domain.FeatureWindow) error
	AppendPrediction(ctx context.Context, p *domain.Prediction) error
	AppendAlert(ctx context.Context, a *domain.Alert) error
}

type AggregatorConfig struct {
	WindowDuration time.Duration
	TickInterval   time.Duration
}

type sample struct {
	at time.Time
	v  float64
}

// series is the per-(vehicle, metric) ring buffer. sum is maintained
// incrementally on insert and evict so the mean never rescans the ring.
type series struct {
	vehicleID string
	metric    string

	buf   []sample
	head  int
	count int
	sum   float64

	lastValue float64
}

func newSeries(vehicleID, metric string) *series {
	return &series{vehicleID: vehicleID, metric: metric, buf: make([]sample, 64)}
}

func (s *series) push(at time.Time, v float64) {
	if s.count == len(s.buf) {
		grown := make([]sample, len(s.buf)*2)
		for i := 0; i < s.count; i++ {
			grown[i] = s.at(i)
		}
		s.buf = grown
		s.head = 0
	}
	s.buf[(s.head+s.count)%len(s.buf)] = sample{at: at, v: v}
	s.count++
	s.sum += v
	s.lastValue = v
}

func (s *series) at(i int) sample {
	return s.buf[(s.head+i)%len(s.buf)]
}

// evict drops samples older than cutoff, oldest first.
func (s *series) evict(cutoff time.Time) {
	for s.count > 0 && s.at(0).at.Before(cutoff) {
		s.sum -= s.at(0).v
		s.head = (s.head + 1) % len(s.buf)
		s.count--
	}
}

// Aggregator recomputes one FeatureWindow per (vehicle, metric) on a
// fixed tick, independent of reading arrival rate. Windows for a metric
// are strictly ordered by end time.
type Aggregator struct {
	in    <-chan *domain.Reading
	out   chan *domain.FeatureWindow
	cfg   AggregatorConfig
	clock obd.Clock
	store Store

	series map[string]*series
	// gapMarks holds connectivity-gap marker times per vehicle; a window
	// overlapping a marker is flagged even if it also holds samples.
	gapMarks map[string][]time.Time
}

func NewAggregator(in <-chan *domain.Reading, cfg AggregatorConfig, clock obd.Clock, store Store) *Aggregator {
	return &Aggregator{
		in:       in,
		out:      make(chan *domain.FeatureWindow, 256),
		cfg:      cfg,
		clock:    clock,
		store:    store,
		series:   make(map[string]*series),
		gapMarks: make(map[string][]time.Time),
	}
}

func (a *Aggregator) Windows() <-chan *domain.FeatureWindow { return a.out }

func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.out)

	tick := a.clock.After(a.cfg.TickInterval)
	for {
		select {
		case rd, ok := <-a.in:
			if !ok {
				// Upstream closed: publish what the rings still hold,
				// then shut down.
				a.emitAll(ctx, a.clock.Now())
				return
			}
			a.ingest(rd)

		case <-tick:
			a.emitAll(ctx, a.clock.Now())
			tick = a.clock.After(a.cfg.TickInterval)

		case <-ctx.Done():
			return
		}
	}
}

func (a *Aggregator) ingest(rd *domain.Reading) {
	if !rd.Valid {
		a.gapMarks[rd.VehicleID] = append(a.gapMarks[rd.VehicleID], rd.Timestamp)
		return
	}

	windowStart := a.clock.Now().Add(-a.cfg.WindowDuration)
	if rd.Timestamp.Before(windowStart) {
		// Clock-skewed stragglers older than the current window cannot
		// be placed; count and discard.
		metrics.LateArrivals.Add(1)
		return
	}

	key := rd.VehicleID + "|" + rd.Metric
	s, ok := a.series[key]
	if !ok {
		s = newSeries(rd.VehicleID, rd.Metric)
		a.series[key] = s
	}
	s.push(rd.Timestamp, rd.Value)
}

func (a *Aggregator) emitAll(ctx context.Context, end time.Time) {
	start := end.Add(-a.cfg.WindowDuration)

	for vid, marks := range a.gapMarks {
		kept := marks[:0]
		for _, m := range marks {
			if !m.Before(start) {
				kept = append(kept, m)
			}
		}
		a.gapMarks[vid] = kept
	}

	// Map iteration order is random; sort keys so emission order is
	// stable for a given input.
	keys := make([]string, 0, len(a.series))
	for k := range a.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		s := a.series[k]
		s.evict(start)
		w := a.window(s, start, end)
		if w.Gap {
			metrics.GapWindows.Add(1)
		}
		metrics.WindowsEmitted.Add(1)

		if a.store != nil {
			if err := a.store.AppendWindow(ctx, w); err != nil {
				metrics.StoreFailures.Add(1)
				log.Printf("aggregator: window append failed: %v", err)
			}
		}

		select {
		case a.out <- w:
		case <-ctx.Done():
			return
		}
	}
}

// window computes stats over the ring. An empty window carries the last
// known value in Mean/Min/Max with the gap flag set; it never fabricates
// zeros.
func (a *Aggregator) window(s *series, start, end time.Time) *domain.FeatureWindow {
	w := &domain.FeatureWindow{
		VehicleID: s.vehicleID,
		Metric:    s.metric,
		Start:     start,
		End:       end,
		Count:     s.count,
	}

	for _, m := range a.gapMarks[s.vehicleID] {
		if !m.Before(start) && m.Before(end) {
			w.Gap = true
			break
		}
	}

	if s.count == 0 {
		w.Gap = true
		w.Mean = s.lastValue
		w.Min = s.lastValue
		w.Max = s.lastValue
		return w
	}

	w.Mean = s.sum / float64(s.count)
	first, last := s.at(0), s.at(s.count-1)
	w.Min, w.Max = first.v, first.v
	for i := 1; i < s.count; i++ {
		v := s.at(i).v
		if v < w.Min {
			w.Min = v
		}
		if v > w.Max {
			w.Max = v
		}
	}
	if dt := last.at.Sub(first.at).Seconds(); dt > 0 {
		w.Rate = (last.v - first.v) / dt
	}
	return w
}
