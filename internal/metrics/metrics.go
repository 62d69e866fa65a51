package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	ReadingsCollected atomic.Int64
	DecodeFailures    atomic.Int64
	SentinelResponses atomic.Int64
	ReadingDrops      atomic.Int64
	LateArrivals      atomic.Int64
	GapWindows        atomic.Int64
	WindowsEmitted    atomic.Int64
	Predictions       atomic.Int64
	ScorerFallbacks   atomic.Int64
	AlertsSent        atomic.Int64
	AlertsSuppressed  atomic.Int64
	NotifyFailures    atomic.Int64
	Reconnects        atomic.Int64
	StoreFailures     atomic.Int64
)

func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "obd_readings_collected_total %d\n", ReadingsCollected.Load())
	fmt.Fprintf(w, "obd_decode_failures_total %d\n", DecodeFailures.Load())
	fmt.Fprintf(w, "obd_sentinel_responses_total %d\n", SentinelResponses.Load())
	fmt.Fprintf(w, "obd_reading_drops_total %d\n", ReadingDrops.Load())
	fmt.Fprintf(w, "obd_late_arrivals_total %d\n", LateArrivals.Load())
	fmt.Fprintf(w, "obd_gap_windows_total %d\n", GapWindows.Load())
	fmt.Fprintf(w, "obd_windows_emitted_total %d\n", WindowsEmitted.Load())
	fmt.Fprintf(w, "obd_predictions_total %d\n", Predictions.Load())
	fmt.Fprintf(w, "obd_scorer_fallbacks_total %d\n", ScorerFallbacks.Load())
	fmt.Fprintf(w, "obd_alerts_sent_total %d\n", AlertsSent.Load())
	fmt.Fprintf(w, "obd_alerts_suppressed_total %d\n", AlertsSuppressed.Load())
	fmt.Fprintf(w, "obd_notify_failures_total %d\n", NotifyFailures.Load())
	fmt.Fprintf(w, "obd_reconnects_total %d\n", Reconnects.Load())
	fmt.Fprintf(w, "obd_store_failures_total %d\n", StoreFailures.Load())
}
