package pipeline

import (
	"context"
	"testing"
	"time"

	"smart-obd/core/internal/domain"
	"smart-obd/core/internal/metrics"
)

func TestFanoutTeesValidReadings(t *testing.T) {
	in := make(chan *domain.Reading, 4)
	f := NewFanout(in, 4, 4, 4, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	rd := reading("v1", "rpm", time.Now(), 1500)
	in <- rd
	close(in)

	for name, ch := range map[string]chan *domain.Reading{
		"aggregation": f.AggChan,
		"persistence": f.StoreChan,
		"live state":  f.StateChan,
		"maintenance": f.MaintChan,
	} {
		select {
		case got, ok := <-ch:
			if !ok {
				t.Fatalf("%s channel closed before delivering", name)
			}
			if got != rd {
				t.Errorf("%s channel got a different reading", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s channel never received the reading", name)
		}
	}
}

func TestFanoutGapMarkersSkipSideChannels(t *testing.T) {
	in := make(chan *domain.Reading, 4)
	f := NewFanout(in, 4, 4, 4, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	in <- domain.GapMarker("v1", time.Now())
	close(in)

	select {
	case got := <-f.AggChan:
		if got == nil || got.Valid {
			t.Fatal("aggregator must receive the gap marker")
		}
	case <-time.After(time.Second):
		t.Fatal("aggregator channel never received the marker")
	}

	// Side channels close without ever carrying the marker.
	if got, ok := <-f.StoreChan; ok {
		t.Errorf("gap marker leaked to persistence: %+v", got)
	}
	if got, ok := <-f.StateChan; ok {
		t.Errorf("gap marker leaked to live state: %+v", got)
	}
	if got, ok := <-f.MaintChan; ok {
		t.Errorf("gap marker leaked to maintenance: %+v", got)
	}
}

func TestFanoutCountsStoreDrops(t *testing.T) {
	in := make(chan *domain.Reading, 8)
	f := NewFanout(in, 8, 1, 8, 8) // store queue holds a single item

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	before := metrics.ReadingDrops.Load()
	now := time.Now()
	in <- reading("v1", "rpm", now, 1)
	in <- reading("v1", "rpm", now, 2)
	in <- reading("v1", "rpm", now, 3)
	close(in)

	// Drain the blocking aggregation path so Run finishes.
	n := 0
	for range f.AggChan {
		n++
	}
	if n != 3 {
		t.Fatalf("aggregation path saw %d readings, want all 3", n)
	}

	if got := metrics.ReadingDrops.Load() - before; got != 2 {
		t.Errorf("store drop counter moved by %d, want 2", got)
	}
}
