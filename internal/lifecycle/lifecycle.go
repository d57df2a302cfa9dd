// Package lifecycle holds process-wide readiness and shutdown state read by the health endpoint.
package lifecycle

import (
	"sync/atomic"
	"time"
)

var (
	shuttingDown atomic.Bool
	ready        atomic.Bool
	startedAt    atomic.Int64
)

func init() {
	startedAt.Store(time.Now().UnixNano())
}

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// MarkReady records that startup work (API key check, cache warm) has finished.
func MarkReady() {
	ready.Store(true)
}

// IsReady reports whether MarkReady has been called and no reset happened since.
func IsReady() bool {
	return ready.Load()
}

// MarkStarted resets the uptime origin to t. main calls it once the server starts listening.
func MarkStarted(t time.Time) {
	startedAt.Store(t.UnixNano())
}

// Uptime returns time since the last MarkStarted (or process start).
func Uptime() time.Duration {
	return time.Since(time.Unix(0, startedAt.Load()))
}

// Reset clears readiness and shutdown state. For tests only.
func Reset() {
	shuttingDown.Store(false)
	ready.Store(false)
	startedAt.Store(time.Now().UnixNano())
}
