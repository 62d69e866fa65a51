package domain

// PID identifies an OBD-II mode 01 parameter.
type PID byte

const (
	PIDEngineLoad       PID = 0x04
	PIDCoolantTemp      PID = 0x05
	PIDFuelPressure     PID = 0x0A
	PIDEngineRPM        PID = 0x0C
	PIDVehicleSpeed     PID = 0x0D
	PIDIntakeTemp       PID = 0x0F
	PIDMAFRate          PID = 0x10
	PIDThrottlePos      PID = 0x11
	PIDRuntime          PID = 0x1F
	PIDDistanceWithMIL  PID = 0x21
	PIDFuelLevel        PID = 0x2F
	PIDDistanceSinceClr PID = 0x31
	PIDControlVoltage   PID = 0x42
	PIDOilTemp          PID = 0x5C
)

// PIDInfo describes how one parameter is framed and scaled on the wire.
// ELM327 framing carries no checksum, so ByteLen is the only structural
// validation available to the decoder.
type PIDInfo struct {
	Metric  string
	Unit    string
	ByteLen int
	Decode  func(b []byte) float64
	Encode  func(v float64) []byte
}

// PIDTable is the standardized subset of mode 01 parameters the reader
// polls. Formulas follow SAE J1979.
var PIDTable = map[PID]PIDInfo{
	PIDEngineLoad: {
		Metric: "engine_load", Unit: "%", ByteLen: 1,
		Decode: func(b []byte) float64 { return float64(b[0]) * 100.0 / 255.0 },
		Encode: func(v float64) []byte { return []byte{byte(v * 255.0 / 100.0)} },
	},
	PIDCoolantTemp: {
		Metric: "coolant_temp", Unit: "degC", ByteLen: 1,
		Decode: func(b []byte) float64 { return float64(b[0]) - 40 },
		Encode: func(v float64) []byte { return []byte{byte(v + 40)} },
	},
	PIDFuelPressure: {
		Metric: "fuel_pressure", Unit: "kPa", ByteLen: 1,
		Decode: func(b []byte) float64 { return float64(b[0]) * 3 },
		Encode: func(v float64) []byte { return []byte{byte(v / 3)} },
	},
	PIDEngineRPM: {
		Metric: "rpm", Unit: "rpm", ByteLen: 2,
		Decode: func(b []byte) float64 { return (float64(b[0])*256 + float64(b[1])) / 4 },
		Encode: func(v float64) []byte { n := uint16(v * 4); return []byte{byte(n >> 8), byte(n)} },
	},
	PIDVehicleSpeed: {
		Metric: "speed", Unit: "km/h", ByteLen: 1,
		Decode: func(b []byte) float64 { return float64(b[0]) },
		Encode: func(v float64) []byte { return []byte{byte(v)} },
	},
	PIDIntakeTemp: {
		Metric: "intake_temp", Unit: "degC", ByteLen: 1,
		Decode: func(b []byte) float64 { return float64(b[0]) - 40 },
		Encode: func(v float64) []byte { return []byte{byte(v + 40)} },
	},
	PIDMAFRate: {
		Metric: "maf", Unit: "g/s", ByteLen: 2,
		Decode: func(b []byte) float64 { return (float64(b[0])*256 + float64(b[1])) / 100 },
		Encode: func(v float64) []byte { n := uint16(v * 100); return []byte{byte(n >> 8), byte(n)} },
	},
	PIDThrottlePos: {
		Metric: "throttle_position", Unit: "%", ByteLen: 1,
		Decode: func(b []byte) float64 { return float64(b[0]) * 100.0 / 255.0 },
		Encode: func(v float64) []byte { return []byte{byte(v * 255.0 / 100.0)} },
	},
	PIDRuntime: {
		Metric: "runtime", Unit: "s", ByteLen: 2,
		Decode: func(b []byte) float64 { return float64(b[0])*256 + float64(b[1]) },
		Encode: func(v float64) []byte { n := uint16(v); return []byte{byte(n >> 8), byte(n)} },
	},
	PIDDistanceWithMIL: {
		Metric: "distance_with_mil", Unit: "km", ByteLen: 2,
		Decode: func(b []byte) float64 { return float64(b[0])*256 + float64(b[1]) },
		Encode: func(v float64) []byte { n := uint16(v); return []byte{byte(n >> 8), byte(n)} },
	},
	PIDFuelLevel: {
		Metric: "fuel_level", Unit: "%", ByteLen: 1,
		Decode: func(b []byte) float64 { return float64(b[0]) * 100.0 / 255.0 },
		Encode: func(v float64) []byte { return []byte{byte(v * 255.0 / 100.0)} },
	},
	PIDDistanceSinceClr: {
		Metric: "distance_since_clear", Unit: "km", ByteLen: 2,
		Decode: func(b []byte) float64 { return float64(b[0])*256 + float64(b[1]) },
		Encode: func(v float64) []byte { n := uint16(v); return []byte{byte(n >> 8), byte(n)} },
	},
	PIDControlVoltage: {
		Metric: "control_voltage", Unit: "V", ByteLen: 2,
		Decode: func(b []byte) float64 { return (float64(b[0])*256 + float64(b[1])) / 1000 },
		Encode: func(v float64) []byte { n := uint16(v * 1000); return []byte{byte(n >> 8), byte(n)} },
	},
	PIDOilTemp: {
		Metric: "oil_temp", Unit: "degC", ByteLen: 1,
		Decode: func(b []byte) float64 { return float64(b[0]) - 40 },
		Encode: func(v float64) []byte { return []byte{byte(v + 40)} },
	},
}

// MetricForPID returns the metric name for a known PID, or "" when the
// PID is outside the table.
func MetricForPID(p PID) string {
	if info, ok := PIDTable[p]; ok {
		return info.Metric
	}
	return ""
}
