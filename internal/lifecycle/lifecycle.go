// Package lifecycle tracks process-wide readiness: starting up, serving, or draining.
package lifecycle

import (
	"sync/atomic"
	"time"
)

var (
	shuttingDown atomic.Bool
	readyAt      atomic.Int64 // unix nanos; 0 means MarkStarted has not run
)

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// MarkStarted records that startup finished. The process reports ready once readyDelay
// has passed, which gives the first sync cycle and cache warm-up time to land.
func MarkStarted(readyDelay time.Duration) {
	if readyDelay < 0 {
		readyDelay = 0
	}
	readyAt.Store(time.Now().Add(readyDelay).UnixNano())
}

// IsReady reports whether MarkStarted has run and its delay has elapsed.
func IsReady() bool {
	at := readyAt.Load()
	return at != 0 && time.Now().UnixNano() >= at
}

// Reset clears all lifecycle state. Tests only.
func Reset() {
	shuttingDown.Store(false)
	readyAt.Store(0)
}
