package http

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kjstillabower/airly-service/internal/observability"
)

// InFlightTracker counts requests currently being served and mirrors the count to an
// optional gauge. Shutdown drains it before closing the cache.
type InFlightTracker struct {
	count atomic.Int64
	gauge prometheus.Gauge
}

// NewInFlightTracker returns a tracker that also updates gauge (nil for none).
func NewInFlightTracker(gauge prometheus.Gauge) *InFlightTracker {
	return &InFlightTracker{gauge: gauge}
}

// Begin marks a request as started and returns the func that marks it finished.
func (t *InFlightTracker) Begin() (done func()) {
	t.count.Add(1)
	if t.gauge != nil {
		t.gauge.Inc()
	}
	return func() {
		t.count.Add(-1)
		if t.gauge != nil {
			t.gauge.Dec()
		}
	}
}

// Count returns the current in-flight count.
func (t *InFlightTracker) Count() int64 {
	return t.count.Load()
}

// Drain blocks until no request is in flight or ctx is done, polling every interval.
func (t *InFlightTracker) Drain(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for t.Count() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// requestsInFlight is the process-wide tracker fed by MetricsMiddleware.
var requestsInFlight = NewInFlightTracker(observability.HTTPRequestsInFlight)

// InFlightCount returns the number of gateway requests being served.
func InFlightCount() int64 {
	return requestsInFlight.Count()
}

// WaitForInFlight drains gateway requests; see InFlightTracker.Drain.
func WaitForInFlight(ctx context.Context, interval time.Duration) error {
	return requestsInFlight.Drain(ctx, interval)
}
