package pipeline

import (
	"context"

	"smart-obd/core/internal/domain"
	"smart-obd/core/internal/metrics"
)

// Fanout tees the reader's output to the aggregator and the auxiliary
// sinks. The aggregator path blocks so backpressure reaches the reader's
// own bounded queue (which drops oldest with a counter); the persistence
// and live-state paths are best-effort with counted drops.
type Fanout struct {
	in        <-chan *domain.Reading
	AggChan   chan *domain.Reading
	StoreChan chan *domain.Reading
	StateChan chan *domain.Reading
	MaintChan chan *domain.Reading
}

func NewFanout(in <-chan *domain.Reading, aggSize, storeSize, stateSize, maintSize int) *Fanout {
	return &Fanout{
		in:        in,
		AggChan:   make(chan *domain.Reading, aggSize),
		StoreChan: make(chan *domain.Reading, storeSize),
		StateChan: make(chan *domain.Reading, stateSize),
		MaintChan: make(chan *domain.Reading, maintSize),
	}
}

func (f *Fanout) Run(ctx context.Context) {
	defer close(f.AggChan)
	defer close(f.StoreChan)
	defer close(f.StateChan)
	defer close(f.MaintChan)

	for {
		select {
		case rd, ok := <-f.in:
			if !ok {
				return
			}
			select {
			case f.AggChan <- rd:
			case <-ctx.Done():
				return
			}

			if rd.Valid {
				select {
				case f.StoreChan <- rd:
				default:
					metrics.ReadingDrops.Add(1)
				}
				select {
				case f.StateChan <- rd:
				default:
					// Live state is a mirror of the latest values;
					// dropping one sample loses nothing durable.
				}
				select {
				case f.MaintChan <- rd:
				default:
					// Cumulative counters repeat every poll; the next
					// sample carries the same odometer forward.
				}
			}

		case <-ctx.Done():
			return
		}
	}
}
