// Package degraded tracks whether ingestion (upstream fetches and inbound submissions)
// is failing often enough to report the service as degraded.
package degraded

import (
	"time"

	"github.com/kjstillabower/balloon-tracker-service/internal/traffic"
)

// RecordSuccess records an ingest step that completed.
func RecordSuccess() {
	traffic.RecordSuccess()
}

// RecordError records an ingest step that failed (fetch, validation, storage).
func RecordError() {
	traffic.RecordError()
}

// ErrorRate returns (errorCount, totalCount) within the window. totalCount = successes + errors.
func ErrorRate(window time.Duration) (errors, total int) {
	return traffic.ErrorRate(window)
}

// IsDegraded reports whether the error percentage within the window is at or above pct.
// An empty window is never degraded.
func IsDegraded(window time.Duration, pct int) bool {
	if window <= 0 || pct <= 0 {
		return false
	}
	errs, total := ErrorRate(window)
	if total == 0 {
		return false
	}
	return float64(errs)*100/float64(total) >= float64(pct)
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}
