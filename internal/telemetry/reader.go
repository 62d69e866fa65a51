package telemetry

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"smart-obd/core/internal/domain"
	"smart-obd/core/internal/metrics"
	"smart-obd/core/internal/obd"
)

// ScheduleEntry is one polled parameter and its interval.
type ScheduleEntry struct {
	PID      domain.PID
	Interval time.Duration
}

// ReaderConfig tunes the poll loop.
type ReaderConfig struct {
	VehicleID      string
	Schedule       []ScheduleEntry
	DTCInterval    time.Duration
	QueueSize      int
	RequestTimeout time.Duration
	// EnqueueTimeout bounds how long a full downstream queue blocks the
	// reader before the oldest unread item is dropped.
	EnqueueTimeout time.Duration
}

// Reader drives the poll schedule against the connection manager and
// emits decoded Readings to a bounded queue. One failed PID never aborts
// a cycle; a down link pauses polling and emits gap markers instead.
type Reader struct {
	mgr *obd.Manager
	cfg ReaderConfig

	out   chan *domain.Reading
	dtcCh chan *domain.DTC

	lastPoll map[domain.PID]time.Time
	lastDTC  time.Time

	mu       sync.Mutex
	vin      string
	vinKnown bool
}

func NewReader(mgr *obd.Manager, cfg ReaderConfig) *Reader {
	return &Reader{
		mgr:      mgr,
		cfg:      cfg,
		out:      make(chan *domain.Reading, cfg.QueueSize),
		dtcCh:    make(chan *domain.DTC, 16),
		lastPoll: make(map[domain.PID]time.Time, len(cfg.Schedule)),
	}
}

// Readings is the bounded output queue consumed by the aggregator.
func (r *Reader) Readings() <-chan *domain.Reading { return r.out }

// DTCs carries decoded trouble codes.
func (r *Reader) DTCs() <-chan *domain.DTC { return r.dtcCh }

// Run polls until the context is cancelled, then closes both output
// channels so shutdown propagates downstream.
func (r *Reader) Run(ctx context.Context) {
	defer close(r.out)
	defer close(r.dtcCh)

	tick := r.baseTick()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			r.cycle(ctx, now)
		case <-ctx.Done():
			return
		}
	}
}

// baseTick is the finest granularity the schedule needs.
func (r *Reader) baseTick() time.Duration {
	min := time.Second
	for _, e := range r.cfg.Schedule {
		if e.Interval < min {
			min = e.Interval
		}
	}
	if r.cfg.DTCInterval > 0 && r.cfg.DTCInterval < min {
		min = r.cfg.DTCInterval
	}
	if min < 10*time.Millisecond {
		min = 10 * time.Millisecond
	}
	return min
}

func (r *Reader) cycle(ctx context.Context, now time.Time) {
	st := r.mgr.State()
	if st != obd.StateConnected && st != obd.StateDegraded {
		r.emit(ctx, domain.GapMarker(r.cfg.VehicleID, now))
		return
	}

	if !r.vinKnown {
		r.probeVIN(ctx)
	}

	for _, e := range r.cfg.Schedule {
		if now.Sub(r.lastPoll[e.PID]) < e.Interval {
			continue
		}
		r.lastPoll[e.PID] = now
		r.pollPID(ctx, e.PID, now)
		if ctx.Err() != nil {
			return
		}
	}

	if r.cfg.DTCInterval > 0 && now.Sub(r.lastDTC) >= r.cfg.DTCInterval {
		r.lastDTC = now
		r.pollDTCs(ctx, now)
	}
}

// probeVIN asks the adapter for the vehicle identification number once
// per session. A transport error leaves the probe pending for the next
// cycle; a sentinel means the vehicle does not report a VIN and the
// probe is abandoned.
func (r *Reader) probeVIN(ctx context.Context) {
	raw, err := r.send(ctx, obd.Frame{Mode: obd.ModeVehicleInfo, PID: obd.PIDVehicleVIN})
	if err != nil {
		log.Printf("telemetry: VIN probe failed: %v", err)
		return
	}

	vin, err := obd.DecodeVIN(raw)
	if err != nil {
		var de *obd.DecodeError
		if errors.As(err, &de) && de.Sentinel() {
			r.mu.Lock()
			r.vinKnown = true
			r.mu.Unlock()
			return
		}
		metrics.DecodeFailures.Add(1)
		log.Printf("telemetry: VIN decode failed: %v", err)
		return
	}

	r.mu.Lock()
	r.vin = vin
	r.vinKnown = true
	r.mu.Unlock()
	log.Printf("telemetry: vehicle %s reports VIN %s", r.cfg.VehicleID, vin)
}

// VIN returns the probed vehicle identification number, or "" while it
// is still unknown.
func (r *Reader) VIN() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vin
}

func (r *Reader) pollPID(ctx context.Context, pid domain.PID, now time.Time) {
	raw, err := r.send(ctx, obd.Frame{Mode: obd.ModeCurrentData, PID: pid})
	if err != nil {
		// Skip this PID for the cycle; the connection manager handles
		// link recovery on its own.
		log.Printf("telemetry: poll %02X failed: %v", byte(pid), err)
		return
	}

	resp, err := obd.DecodeResponse(raw, obd.Frame{Mode: obd.ModeCurrentData, PID: pid})
	if err != nil {
		var de *obd.DecodeError
		if errors.As(err, &de) && de.Sentinel() {
			metrics.SentinelResponses.Add(1)
		} else {
			metrics.DecodeFailures.Add(1)
			log.Printf("telemetry: decode %02X failed: %v", byte(pid), err)
		}
		return
	}

	metrics.ReadingsCollected.Add(1)
	r.emit(ctx, &domain.Reading{
		ReceivedAt: time.Now(),
		Timestamp:  now,
		VehicleID:  r.cfg.VehicleID,
		PID:        pid,
		Metric:     resp.Metric,
		Value:      resp.Value,
		Unit:       resp.Unit,
		Valid:      true,
		Raw:        resp.Payload,
	})
}

func (r *Reader) pollDTCs(ctx context.Context, now time.Time) {
	raw, err := r.send(ctx, obd.Frame{Mode: obd.ModeDTC})
	if err != nil {
		log.Printf("telemetry: DTC poll failed: %v", err)
		return
	}
	codes, err := obd.DecodeDTCs(raw)
	if err != nil {
		metrics.DecodeFailures.Add(1)
		return
	}
	for _, code := range codes {
		select {
		case r.dtcCh <- &domain.DTC{VehicleID: r.cfg.VehicleID, Code: code, RaisedAt: now}:
		default:
			// DTCs repeat every poll while active; dropping one is safe.
		}
	}
}

func (r *Reader) send(ctx context.Context, f obd.Frame) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	return r.mgr.Send(reqCtx, f)
}

// emit hands a Reading downstream. A full queue blocks up to the
// configured timeout; after that the oldest unread item is dropped, the
// drop counter incremented, and the new item enqueued. Readings are never
// dropped silently.
func (r *Reader) emit(ctx context.Context, rd *domain.Reading) {
	select {
	case r.out <- rd:
		return
	default:
	}

	timer := time.NewTimer(r.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case r.out <- rd:
		return
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	select {
	case <-r.out:
		metrics.ReadingDrops.Add(1)
	default:
	}
	select {
	case r.out <- rd:
	case <-ctx.Done():
	}
}
