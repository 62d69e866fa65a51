package http

import (
	"encoding/json"
	"net/http"

	"smart-obd/core/internal/domain"
)

// Acker clears alert suppression; implemented by the alert dispatcher.
type Acker interface {
	Ack(vehicleID string, sub domain.Subsystem, sev domain.AlertSeverity)
}

type ackRequest struct {
	VehicleID string `json:"vehicle_id"`
	Subsystem string `json:"subsystem"`
	Severity  string `json:"severity"`
}

// NewAckHandler accepts alert acknowledgments from operators.
func NewAckHandler(acker Acker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req ackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.VehicleID == "" || req.Subsystem == "" || req.Severity == "" {
			writeJSONError(w, http.StatusBadRequest, "vehicle_id, subsystem and severity are required")
			return
		}

		acker.Ack(req.VehicleID, domain.Subsystem(req.Subsystem), domain.AlertSeverity(req.Severity))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"acknowledged"}`))
	})
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
