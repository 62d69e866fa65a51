package obd

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"smart-obd/core/internal/domain"
)

// Simulator is an in-process Transport that answers like a warmed-up
// ELM327 on a healthy vehicle. It lets the full pipeline run without
// hardware attached.
type Simulator struct {
	mu      sync.Mutex
	lastReq string
	start   time.Time
	closed  bool
}

func NewSimulator() *Simulator {
	return &Simulator{start: time.Now()}
}

func (s *Simulator) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("simulator: closed")
	}
	s.lastReq = strings.TrimSpace(string(p))
	return nil
}

func (s *Simulator) Read(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("simulator: closed")
	}

	req := s.lastReq
	switch {
	case req == "ATZ":
		return []byte("ELM327 v1.5\r>"), nil
	case strings.HasPrefix(req, "AT"):
		if req == "ATRV" {
			return []byte("12.6V\r>"), nil
		}
		return []byte("OK\r>"), nil
	case req == "03":
		return []byte("43 00 00\r>"), nil
	case strings.HasPrefix(req, "0902"):
		return []byte(vinResponse("SIM00000000000001")), nil
	case strings.HasPrefix(req, "01") && len(req) == 4:
		n, err := strconv.ParseUint(req[2:], 16, 8)
		if err != nil {
			return []byte("?\r>"), nil
		}
		pid := domain.PID(n)
		if _, ok := domain.PIDTable[pid]; !ok {
			return []byte("NO DATA\r>"), nil
		}
		return EncodeReadingResponse(pid, s.value(pid)), nil
	default:
		return []byte("?\r>"), nil
	}
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// value produces a plausible slowly-drifting signal per parameter.
func (s *Simulator) value(pid domain.PID) float64 {
	t := time.Since(s.start).Seconds()
	wave := math.Sin(t / 30)
	switch pid {
	case domain.PIDEngineRPM:
		return 1800 + 400*wave
	case domain.PIDVehicleSpeed:
		return 60 + 20*wave
	case domain.PIDCoolantTemp:
		return 88 + 3*wave
	case domain.PIDIntakeTemp:
		return 25 + 2*wave
	case domain.PIDOilTemp:
		return 95 + 4*wave
	case domain.PIDEngineLoad:
		return 35 + 10*wave
	case domain.PIDThrottlePos:
		return 20 + 8*wave
	case domain.PIDMAFRate:
		return 12 + 4*wave
	case domain.PIDFuelLevel:
		return math.Max(5, 70-t/120)
	case domain.PIDFuelPressure:
		return 300 + 9*wave
	case domain.PIDControlVoltage:
		return 14.1 + 0.2*wave
	case domain.PIDRuntime:
		return math.Min(t, 65535)
	case domain.PIDDistanceWithMIL:
		return 0
	case domain.PIDDistanceSinceClr:
		return 1200 + t/60
	default:
		return 0
	}
}

// vinResponse renders the multi-line mode 09 02 answer for a VIN.
func vinResponse(vin string) string {
	payload := append([]byte{ModeVehicleInfo + 0x40, byte(PIDVehicleVIN), 0x01}, []byte(vin)...)
	var sb strings.Builder
	fmt.Fprintf(&sb, "%03X\r", len(payload))
	for i := 0; i < len(payload); i += 7 {
		end := i + 7
		if end > len(payload) {
			end = len(payload)
		}
		fmt.Fprintf(&sb, "%X:", i/7)
		for _, b := range payload[i:end] {
			fmt.Fprintf(&sb, " %02X", b)
		}
		sb.WriteString("\r")
	}
	sb.WriteString(">")
	return sb.String()
}
