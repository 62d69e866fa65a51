package pipeline

import (
	"context"
	"log"
	"time"

	"smart-obd/core/internal/domain"
)

// StateSink mirrors the latest sensor values per vehicle for live
// consumers (the dashboard reads it, this core only writes).
type StateSink interface {
	UpdateVehicleState(ctx context.Context, rds []*domain.Reading) error
}

// StateWriter maintains the live vehicle state mirror. Coalesces to the
// newest reading per metric between flushes; the mirror only ever needs
// current values.
type StateWriter struct {
	ch   <-chan *domain.Reading
	sink StateSink
}

func NewStateWriter(ch <-chan *domain.Reading, sink StateSink) *StateWriter {
	return &StateWriter{ch: ch, sink: sink}
}

func (w *StateWriter) Run(ctx context.Context) {
	latest := make(map[string]*domain.Reading) // vehicle|metric
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if len(latest) == 0 {
			return
		}
		batch := make([]*domain.Reading, 0, len(latest))
		for _, rd := range latest {
			batch = append(batch, rd)
		}
		if err := w.sink.UpdateVehicleState(ctx, batch); err != nil {
			log.Printf("state: update failed: %v", err)
		}
		clear(latest)
	}

	for {
		select {
		case rd, ok := <-w.ch:
			if !ok {
				flush(context.Background())
				return
			}
			latest[rd.VehicleID+"|"+rd.Metric] = rd

		case <-ticker.C:
			flush(ctx)

		case <-ctx.Done():
			flush(context.Background())
			return
		}
	}
}
