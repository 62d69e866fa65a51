package domain

import "time"

// Reading is one decoded sensor sample. A Reading with Valid=false is a
// connectivity-gap marker: the reader could not poll because the adapter
// link was down, and downstream windows covering that period must carry
// the gap flag instead of fabricated values.
type Reading struct {
	ReceivedAt time.Time

	Timestamp time.Time
	VehicleID string
	PID       PID
	Metric    string

	Value float64
	Unit  string
	Valid bool

	Raw []byte
}

// GapMarker builds the invalid Reading the reader emits while disconnected.
func GapMarker(vehicleID string, at time.Time) *Reading {
	return &Reading{
		ReceivedAt: at,
		Timestamp:  at,
		VehicleID:  vehicleID,
		Valid:      false,
	}
}

// DTC is a diagnostic trouble code reported by the vehicle (mode 03).
type DTC struct {
	VehicleID string
	Code      string
	RaisedAt  time.Time
}

// FeatureWindow holds aggregated statistics for one metric over a trailing
// interval. Windows for a given metric are strictly ordered by End.
type FeatureWindow struct {
	VehicleID string
	Metric    string

	Start time.Time
	End   time.Time

	Mean  float64
	Rate  float64 // units per second over the window
	Min   float64
	Max   float64
	Count int

	// Gap is true when no valid Reading arrived inside the window; Mean,
	// Min and Max then carry the last known values, never zeros.
	Gap bool
}

// Prediction is the scorer output for one vehicle subsystem. Immutable
// once emitted.
type Prediction struct {
	VehicleID    string
	Subsystem    Subsystem
	FailureProb  float64
	Confidence   float64
	ModelVersion string
	Timestamp    time.Time

	// Features snapshots the window values the score was derived from.
	Features map[string]float64

	// GapRatio is the fraction of input windows that carried the gap
	// flag; confidence decays linearly with it.
	GapRatio float64
}

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// Rank orders severities for escalation checks.
func (s AlertSeverity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Alert is a debounced maintenance notification. Identity for idempotent
// delivery is (VehicleID, Subsystem, TriggeredAt).
type Alert struct {
	ID        string
	VehicleID string
	Subsystem Subsystem
	Severity  AlertSeverity
	Message   string

	TriggeredAt     time.Time
	SuppressedUntil time.Time
	Acknowledged    bool

	FailureProb float64
	Confidence  float64
}

type Subsystem string

const (
	SubsystemEngine     Subsystem = "engine"
	SubsystemCooling    Subsystem = "cooling"
	SubsystemFuel       Subsystem = "fuel"
	SubsystemElectrical Subsystem = "electrical"
)

// Subsystems lists every scored subsystem in a fixed order so prediction
// output is reproducible run to run.
var Subsystems = []Subsystem{
	SubsystemEngine,
	SubsystemCooling,
	SubsystemFuel,
	SubsystemElectrical,
}

// SubsystemMetrics maps each subsystem to the metrics its scorer consumes.
var SubsystemMetrics = map[Subsystem][]string{
	SubsystemEngine:     {"rpm", "engine_load", "oil_temp", "runtime"},
	SubsystemCooling:    {"coolant_temp", "intake_temp"},
	SubsystemFuel:       {"fuel_level", "fuel_pressure", "maf"},
	SubsystemElectrical: {"control_voltage"},
}
