package pipeline

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"smart-obd/core/internal/domain"
	"smart-obd/core/internal/metrics"
)

// fakeClock is a hand-advanced clock shared by the pipeline tests.
// After never fires; ticks are driven by calling the stage internals.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	return make(chan time.Time)
}

// memStore records appends for assertions.
type memStore struct {
	mu          sync.Mutex
	windows     []*domain.FeatureWindow
	predictions []*domain.Prediction
	alerts      []*domain.Alert
}

func (s *memStore) AppendWindow(ctx context.Context, w *domain.FeatureWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, w)
	return nil
}

func (s *memStore) AppendPrediction(ctx context.Context, p *domain.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.predictions = append(s.predictions, p)
	return nil
}

func (s *memStore) AppendAlert(ctx context.Context, a *domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func reading(vehicle, metric string, at time.Time, v float64) *domain.Reading {
	return &domain.Reading{
		Timestamp: at,
		VehicleID: vehicle,
		Metric:    metric,
		Value:     v,
		Valid:     true,
	}
}

func drainWindows(a *Aggregator) []*domain.FeatureWindow {
	var out []*domain.FeatureWindow
	for {
		select {
		case w := <-a.out:
			out = append(out, w)
		default:
			return out
		}
	}
}

func testAggConfig() AggregatorConfig {
	return AggregatorConfig{WindowDuration: 5 * time.Minute, TickInterval: 15 * time.Second}
}

func TestWindowStatistics(t *testing.T) {
	clock := newFakeClock()
	in := make(chan *domain.Reading)
	a := NewAggregator(in, testAggConfig(), clock, nil)

	now := clock.Now()
	a.ingest(reading("v1", "coolant_temp", now.Add(-4*time.Minute), 80))
	a.ingest(reading("v1", "coolant_temp", now.Add(-2*time.Minute), 90))
	a.ingest(reading("v1", "coolant_temp", now.Add(-1*time.Minute), 100))

	a.emitAll(context.Background(), now)
	ws := drainWindows(a)
	if len(ws) != 1 {
		t.Fatalf("got %d windows, want 1", len(ws))
	}

	w := ws[0]
	if w.Count != 3 {
		t.Errorf("count %d, want 3", w.Count)
	}
	if math.Abs(w.Mean-90) > 1e-9 {
		t.Errorf("mean %v, want 90", w.Mean)
	}
	if w.Min != 80 || w.Max != 100 {
		t.Errorf("min/max %v/%v, want 80/100", w.Min, w.Max)
	}
	// 20 degrees over 180 seconds
	if math.Abs(w.Rate-20.0/180.0) > 1e-9 {
		t.Errorf("rate %v, want %v", w.Rate, 20.0/180.0)
	}
	if w.Gap {
		t.Error("fully sampled window must not be flagged as gap")
	}
}

func TestLateArrivalDiscarded(t *testing.T) {
	clock := newFakeClock()
	a := NewAggregator(make(chan *domain.Reading), testAggConfig(), clock, nil)

	before := metrics.LateArrivals.Load()
	a.ingest(reading("v1", "rpm", clock.Now().Add(-10*time.Minute), 2000))

	if got := metrics.LateArrivals.Load() - before; got != 1 {
		t.Errorf("late arrival counter moved by %d, want 1", got)
	}
	if len(a.series) != 0 {
		t.Error("late reading must not enter any series")
	}
}

func TestEmptyWindowCarriesLastKnownValue(t *testing.T) {
	clock := newFakeClock()
	a := NewAggregator(make(chan *domain.Reading), testAggConfig(), clock, nil)
	ctx := context.Background()

	a.ingest(reading("v1", "coolant_temp", clock.Now().Add(-time.Minute), 92))
	a.emitAll(ctx, clock.Now())
	drainWindows(a)

	// All samples age out of the next window.
	clock.Advance(10 * time.Minute)
	before := metrics.GapWindows.Load()
	a.emitAll(ctx, clock.Now())
	ws := drainWindows(a)
	if len(ws) != 1 {
		t.Fatalf("got %d windows, want 1", len(ws))
	}

	w := ws[0]
	if !w.Gap {
		t.Fatal("empty window must carry the gap flag")
	}
	if w.Count != 0 {
		t.Errorf("count %d, want 0", w.Count)
	}
	// Stale-but-real values, never fabricated zeros.
	if w.Mean != 92 || w.Min != 92 || w.Max != 92 {
		t.Errorf("empty window stats %v/%v/%v, want last known 92", w.Mean, w.Min, w.Max)
	}
	if metrics.GapWindows.Load()-before != 1 {
		t.Error("gap window counter did not move")
	}
}

func TestGapMarkerFlagsPopulatedWindow(t *testing.T) {
	clock := newFakeClock()
	a := NewAggregator(make(chan *domain.Reading), testAggConfig(), clock, nil)
	now := clock.Now()

	a.ingest(reading("v1", "coolant_temp", now.Add(-2*time.Minute), 90))
	// Link outage in the middle of the window.
	a.ingest(domain.GapMarker("v1", now.Add(-time.Minute)))

	a.emitAll(context.Background(), now)
	ws := drainWindows(a)
	if len(ws) != 1 {
		t.Fatalf("got %d windows, want 1", len(ws))
	}
	if !ws[0].Gap {
		t.Error("window overlapping an outage must be flagged even with samples present")
	}
	if ws[0].Count != 1 || ws[0].Mean != 90 {
		t.Errorf("stats must still reflect the real samples: count=%d mean=%v", ws[0].Count, ws[0].Mean)
	}
}

func TestEvictionBoundsTheRing(t *testing.T) {
	clock := newFakeClock()
	a := NewAggregator(make(chan *domain.Reading), testAggConfig(), clock, nil)
	ctx := context.Background()

	// Push enough samples to force ring growth, then age most out.
	now := clock.Now()
	for i := 0; i < 200; i++ {
		a.ingest(reading("v1", "rpm", now.Add(time.Duration(i-200)*time.Second), float64(1000+i)))
	}

	a.emitAll(ctx, now)
	ws := drainWindows(a)
	if len(ws) != 1 {
		t.Fatalf("got %d windows, want 1", len(ws))
	}
	if ws[0].Count != 200 {
		t.Fatalf("count %d, want 200", ws[0].Count)
	}

	// Advance so most samples age out of the window.
	clock.Advance(4*time.Minute + 30*time.Second)
	a.ingest(reading("v1", "rpm", clock.Now(), 5000))
	a.emitAll(ctx, clock.Now())
	ws = drainWindows(a)

	s := a.series["v1|rpm"]
	want := 0
	cutoff := clock.Now().Add(-a.cfg.WindowDuration)
	for i := 0; i < s.count; i++ {
		if !s.at(i).at.Before(cutoff) {
			want++
		}
	}
	if s.count != want {
		t.Errorf("ring holds %d samples, %d are inside the window", s.count, want)
	}
	if s.count >= 201 {
		t.Errorf("eviction did not shrink the ring: %d samples", s.count)
	}

	// Incremental sum must match a rescan after eviction.
	var sum float64
	for i := 0; i < s.count; i++ {
		sum += s.at(i).v
	}
	if math.Abs(sum-s.sum) > 1e-6 {
		t.Errorf("incremental sum %v drifted from actual %v", s.sum, sum)
	}
	if len(ws) != 1 {
		t.Fatalf("got %d windows, want 1", len(ws))
	}
}

func TestEmitAllWritesToStore(t *testing.T) {
	clock := newFakeClock()
	store := &memStore{}
	a := NewAggregator(make(chan *domain.Reading), testAggConfig(), clock, store)

	a.ingest(reading("v1", "rpm", clock.Now(), 1500))
	a.ingest(reading("v1", "coolant_temp", clock.Now(), 88))
	a.emitAll(context.Background(), clock.Now())
	drainWindows(a)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.windows) != 2 {
		t.Fatalf("store received %d windows, want 2", len(store.windows))
	}
	// Sorted key order: coolant_temp before rpm.
	if store.windows[0].Metric != "coolant_temp" || store.windows[1].Metric != "rpm" {
		t.Errorf("emission order %s,%s not stable", store.windows[0].Metric, store.windows[1].Metric)
	}
}

func TestRunEmitsRemainderOnInputClose(t *testing.T) {
	clock := newFakeClock()
	in := make(chan *domain.Reading, 4)
	a := NewAggregator(in, testAggConfig(), clock, nil)

	in <- reading("v1", "rpm", clock.Now(), 1500)
	close(in)

	done := make(chan struct{})
	go func() {
		a.Run(context.Background())
		close(done)
	}()

	var ws []*domain.FeatureWindow
	for w := range a.Windows() {
		ws = append(ws, w)
	}
	<-done

	if len(ws) != 1 || ws[0].Metric != "rpm" {
		t.Fatalf("expected the buffered reading to be flushed as a window, got %v", ws)
	}
}
