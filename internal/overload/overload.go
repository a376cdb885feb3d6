// Package overload reports how hard the rate-limited HTTP surface is being hit.
package overload

import (
	"time"

	"github.com/kjstillabower/balloon-tracker-service/internal/traffic"
)

// RecordRequest records a request admitted by the rate limiter.
func RecordRequest() {
	traffic.Record(traffic.Admitted)
}

// RecordDenial records a rate-limit denial (429). Call from middleware when returning 429.
func RecordDenial() {
	traffic.RecordDenied()
}

// RequestCount returns the number of outcomes (admitted, ingest and denied) within the window.
func RequestCount(window time.Duration) int {
	return traffic.RequestCount(window)
}

// DenialCount returns the number of denials within the given window.
func DenialCount(window time.Duration) int {
	return traffic.DenialCount(window)
}

// IsOverloaded reports whether outcomes in the window exceed thresholdPct percent of the
// capacity rps*window allows.
func IsOverloaded(window time.Duration, rps, thresholdPct int) bool {
	if rps <= 0 || thresholdPct <= 0 || window <= 0 {
		return false
	}
	capacity := float64(rps) * window.Seconds()
	return float64(RequestCount(window)) > capacity*float64(thresholdPct)/100
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}
