package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"smart-obd/core/internal/domain"
	"smart-obd/core/internal/metrics"
	"smart-obd/core/internal/obd"
)

// MaintenanceItem is one routine service tracked against a cumulative
// metric. Every is the service interval in the metric's unit.
type MaintenanceItem struct {
	Name   string
	Metric string
	Every  float64
	Unit   string
}

// DefaultMaintenanceCatalog covers the routine services whose due point
// can be derived from the polled odometer and runtime parameters.
var DefaultMaintenanceCatalog = []MaintenanceItem{
	{Name: "oil_change", Metric: "distance_since_clear", Every: 8000, Unit: "km"},
	{Name: "tire_rotation", Metric: "distance_since_clear", Every: 10000, Unit: "km"},
	{Name: "brake_check", Metric: "distance_since_clear", Every: 20000, Unit: "km"},
	{Name: "air_filter", Metric: "runtime", Every: 864000, Unit: "s"},
}

// odometer accumulates a cumulative metric across resets. runtime resets
// every ignition cycle and distance_since_clear resets when codes are
// cleared; total keeps growing across both.
type odometer struct {
	total float64
	last  float64
	seen  bool
}

func (o *odometer) observe(v float64) float64 {
	if !o.seen {
		o.seen = true
		o.last = v
		o.total = v
		return o.total
	}
	if v < o.last {
		// Counter reset; the new value starts a fresh leg.
		o.total += v
	} else {
		o.total += v - o.last
	}
	o.last = v
	return o.total
}

// Maintenance watches cumulative readings and raises one INFO alert per
// service item each time its interval elapses. Raising an alert advances
// the item's baseline, so the next one is due a full interval later.
type Maintenance struct {
	in       <-chan *domain.Reading
	catalog  []MaintenanceItem
	notifier Notifier
	store    Store
	clock    obd.Clock

	odos     map[string]*odometer // vehicle|metric
	baseline map[string]float64   // vehicle|item name
}

func NewMaintenance(in <-chan *domain.Reading, catalog []MaintenanceItem, notifier Notifier, store Store, clock obd.Clock) *Maintenance {
	return &Maintenance{
		in:       in,
		catalog:  catalog,
		notifier: notifier,
		store:    store,
		clock:    clock,
		odos:     make(map[string]*odometer),
		baseline: make(map[string]float64),
	}
}

func (m *Maintenance) Run(ctx context.Context) {
	for {
		select {
		case rd, ok := <-m.in:
			if !ok {
				return
			}
			m.observe(ctx, rd)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Maintenance) observe(ctx context.Context, rd *domain.Reading) {
	if !rd.Valid {
		return
	}

	tracked := false
	for _, item := range m.catalog {
		if item.Metric == rd.Metric {
			tracked = true
			break
		}
	}
	if !tracked {
		return
	}

	odoKey := rd.VehicleID + "|" + rd.Metric
	odo := m.odos[odoKey]
	if odo == nil {
		odo = &odometer{}
		m.odos[odoKey] = odo
	}
	total := odo.observe(rd.Value)

	for _, item := range m.catalog {
		if item.Metric != rd.Metric {
			continue
		}
		key := rd.VehicleID + "|" + item.Name
		elapsed := total - m.baseline[key]
		if elapsed < item.Every {
			continue
		}
		if m.raise(ctx, rd.VehicleID, item, elapsed) {
			m.baseline[key] = total
		}
	}
}

// raise delivers a due-service alert. A failed delivery leaves the
// baseline untouched so the next reading retries.
func (m *Maintenance) raise(ctx context.Context, vehicleID string, item MaintenanceItem, elapsed float64) bool {
	now := m.clock.Now()
	alert := &domain.Alert{
		ID:        uuid.NewString(),
		VehicleID: vehicleID,
		Subsystem: domain.Subsystem(item.Name),
		Severity:  domain.SeverityInfo,
		Message: fmt.Sprintf("%s due: %.0f %s since last service (interval %.0f %s)",
			item.Name, elapsed, item.Unit, item.Every, item.Unit),
		TriggeredAt: now,
	}

	if err := m.notifier.Notify(ctx, alert); err != nil {
		if err2 := m.notifier.Notify(ctx, alert); err2 != nil {
			metrics.NotifyFailures.Add(1)
			log.Printf("maintenance: delivery failed for %s/%s: %v", vehicleID, item.Name, err2)
			return false
		}
	}
	metrics.AlertsSent.Add(1)

	if m.store != nil {
		if err := m.store.AppendAlert(ctx, alert); err != nil {
			metrics.StoreFailures.Add(1)
			log.Printf("maintenance: alert append failed: %v", err)
		}
	}
	return true
}
