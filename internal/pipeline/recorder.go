package pipeline

import (
	"context"
	"log"
	"time"

	"smart-obd/core/internal/domain"
	"smart-obd/core/internal/metrics"
)

// ReadingSink persists batches of readings. Implemented by the
// TimescaleDB store.
type ReadingSink interface {
	AppendReadings(ctx context.Context, rds []*domain.Reading) error
}

// Recorder batches readings into the append-only store. Flushes on batch
// size or the flush interval, whichever comes first, and drains the
// remainder on shutdown.
type Recorder struct {
	ch        <-chan *domain.Reading
	sink      ReadingSink
	batchSize int
	flushMS   int
}

func NewRecorder(ch <-chan *domain.Reading, sink ReadingSink, batchSize, flushMS int) *Recorder {
	return &Recorder{
		ch:        ch,
		sink:      sink,
		batchSize: batchSize,
		flushMS:   flushMS,
	}
}

func (r *Recorder) Run(ctx context.Context) {
	batch := make([]*domain.Reading, 0, r.batchSize)
	ticker := time.NewTicker(time.Duration(r.flushMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case rd, ok := <-r.ch:
			if !ok {
				if len(batch) > 0 {
					r.flush(context.Background(), batch)
				}
				return
			}
			batch = append(batch, rd)
			if len(batch) >= r.batchSize {
				r.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			if len(batch) > 0 {
				r.flush(context.Background(), batch)
			}
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context, batch []*domain.Reading) {
	err := r.sink.AppendReadings(ctx, batch)
	if err != nil {
		log.Printf("recorder: append failed (batch=%d), retrying: %v", len(batch), err)
		time.Sleep(500 * time.Millisecond)
		err = r.sink.AppendReadings(ctx, batch)
		if err != nil {
			log.Printf("recorder: append permanently failed (batch=%d): %v", len(batch), err)
			metrics.StoreFailures.Add(int64(len(batch)))
			return
		}
	}
}
