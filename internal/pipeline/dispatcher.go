package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"smart-obd/core/internal/domain"
	"smart-obd/core/internal/metrics"
	"smart-obd/core/internal/obd"
)

// Notifier delivers alerts to the outside world. Any error is retryable;
// the dispatcher never marks a failed delivery as done.
type Notifier interface {
	Notify(ctx context.Context, a *domain.Alert) error
}

// SeverityThreshold holds the failure-probability cutoffs for one
// subsystem.
type SeverityThreshold struct {
	Warning  float64
	Critical float64
}

type DispatcherConfig struct {
	Cooldown      time.Duration
	Thresholds    map[domain.Subsystem]SeverityThreshold
	MinConfidence float64
}

type tierRecord struct {
	at              time.Time
	acked           bool
	suppressedUntil time.Time
}

// Dispatcher converts threshold-crossing Predictions into Alerts under a
// debounce policy: a tier stays quiet while a prior alert of that tier is
// unacknowledged and younger than the cooldown, or acknowledged and not
// yet expired. Escalation to a higher tier is never debounced by the
// lower tier. Delivery is at-least-once and idempotent per
// (vehicle, subsystem, triggered-at).
type Dispatcher struct {
	in       <-chan *domain.Prediction
	cfg      DispatcherConfig
	notifier Notifier
	store    Store
	clock    obd.Clock

	mu        sync.Mutex
	tiers     map[string]*tierRecord // vehicle|subsystem|tier
	delivered map[string]time.Time   // vehicle|subsystem|triggeredAt identity
}

func NewDispatcher(in <-chan *domain.Prediction, cfg DispatcherConfig, notifier Notifier, store Store, clock obd.Clock) *Dispatcher {
	return &Dispatcher{
		in:        in,
		cfg:       cfg,
		notifier:  notifier,
		store:     store,
		clock:     clock,
		tiers:     make(map[string]*tierRecord),
		delivered: make(map[string]time.Time),
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case p, ok := <-d.in:
			if !ok {
				return
			}
			d.Dispatch(ctx, p)
		case <-ctx.Done():
			// Drain predictions already produced upstream; they must
			// not be discarded on shutdown.
			for {
				select {
				case p, ok := <-d.in:
					if !ok {
						return
					}
					d.Dispatch(context.Background(), p)
				default:
					return
				}
			}
		}
	}
}

// Dispatch evaluates one prediction. Exported so tests and synchronous
// callers can drive the policy without the Run loop.
func (d *Dispatcher) Dispatch(ctx context.Context, p *domain.Prediction) {
	sev := d.severity(p)
	if sev == "" {
		return
	}
	if p.Confidence < d.cfg.MinConfidence {
		return
	}

	now := d.clock.Now()
	tierKey := fmt.Sprintf("%s|%s|%s", p.VehicleID, p.Subsystem, sev)
	identity := fmt.Sprintf("%s|%s|%d", p.VehicleID, p.Subsystem, p.Timestamp.UnixNano())

	d.mu.Lock()
	if at, seen := d.delivered[identity]; seen && now.Sub(at) < 2*d.cfg.Cooldown {
		d.mu.Unlock()
		return
	}
	if rec, ok := d.tiers[tierKey]; ok {
		unackedFresh := !rec.acked && now.Sub(rec.at) < d.cfg.Cooldown
		ackedUnexpired := rec.acked && now.Before(rec.suppressedUntil)
		if unackedFresh || ackedUnexpired {
			d.mu.Unlock()
			metrics.AlertsSuppressed.Add(1)
			return
		}
	}
	d.mu.Unlock()

	alert := &domain.Alert{
		ID:        uuid.NewString(),
		VehicleID: p.VehicleID,
		Subsystem: p.Subsystem,
		Severity:  sev,
		Message: fmt.Sprintf("%s wear probability %.2f (confidence %.2f, model %s)",
			p.Subsystem, p.FailureProb, p.Confidence, p.ModelVersion),
		TriggeredAt: p.Timestamp,
		FailureProb: p.FailureProb,
		Confidence:  p.Confidence,
	}

	if err := d.deliver(ctx, alert); err != nil {
		// Leave the tier record untouched so the next prediction
		// retries delivery.
		metrics.NotifyFailures.Add(1)
		log.Printf("dispatcher: delivery failed for %s/%s: %v", alert.VehicleID, alert.Subsystem, err)
		return
	}

	d.mu.Lock()
	d.tiers[tierKey] = &tierRecord{at: now}
	d.delivered[identity] = now
	d.prune(now)
	d.mu.Unlock()
	metrics.AlertsSent.Add(1)

	if d.store != nil {
		if err := d.store.AppendAlert(ctx, alert); err != nil {
			metrics.StoreFailures.Add(1)
			log.Printf("dispatcher: alert append failed: %v", err)
		}
	}
}

// deliver retries once before reporting failure, matching the store
// writer's policy.
func (d *Dispatcher) deliver(ctx context.Context, a *domain.Alert) error {
	if err := d.notifier.Notify(ctx, a); err != nil {
		if err2 := d.notifier.Notify(ctx, a); err2 != nil {
			return err2
		}
	}
	return nil
}

// Ack acknowledges the most recent alert of a tier, suppressing repeats
// until the cooldown expires.
func (d *Dispatcher) Ack(vehicleID string, sub domain.Subsystem, sev domain.AlertSeverity) {
	now := d.clock.Now()
	key := fmt.Sprintf("%s|%s|%s", vehicleID, sub, sev)
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.tiers[key]; ok {
		rec.acked = true
		rec.suppressedUntil = now.Add(d.cfg.Cooldown)
	}
}

func (d *Dispatcher) severity(p *domain.Prediction) domain.AlertSeverity {
	th, ok := d.cfg.Thresholds[p.Subsystem]
	if !ok {
		return ""
	}
	switch {
	case p.FailureProb >= th.Critical:
		return domain.SeverityCritical
	case p.FailureProb >= th.Warning:
		return domain.SeverityWarning
	default:
		return ""
	}
}

// prune drops stale identity records; caller holds the lock.
func (d *Dispatcher) prune(now time.Time) {
	for id, at := range d.delivered {
		if now.Sub(at) >= 2*d.cfg.Cooldown {
			delete(d.delivered, id)
		}
	}
}
