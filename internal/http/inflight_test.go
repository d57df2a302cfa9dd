package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInFlightTracker_BeginMirrorsGauge(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "testInFlight"})
	tracker := NewInFlightTracker(gauge)

	done1 := tracker.Begin()
	done2 := tracker.Begin()
	if got := tracker.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
	if got := testutil.ToFloat64(gauge); got != 2 {
		t.Errorf("gauge = %v, want 2", got)
	}

	done1()
	done2()
	if got := tracker.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
	if got := testutil.ToFloat64(gauge); got != 0 {
		t.Errorf("gauge = %v, want 0", got)
	}
}

func TestInFlightTracker_Drain(t *testing.T) {
	tracker := NewInFlightTracker(nil)
	done := tracker.Begin()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- tracker.Drain(ctx, 5*time.Millisecond) }()

	time.Sleep(10 * time.Millisecond)
	done()

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Drain() = %v, want nil", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Drain did not return after the last request finished")
	}
}

func TestInFlightTracker_Drain_ContextCanceled(t *testing.T) {
	tracker := NewInFlightTracker(nil)
	tracker.Begin()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := tracker.Drain(ctx, 5*time.Millisecond); err == nil {
		t.Error("Drain expected context error, got nil")
	}
}

// TestWaitForInFlight_DrainsMiddlewareRequests verifies a slow request holds the drain until it finishes.
func TestWaitForInFlight_DrainsMiddlewareRequests(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	})

	go router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/slow", nil))
	<-started

	if got := InFlightCount(); got < 1 {
		t.Fatalf("InFlightCount() = %d during slow request, want >= 1", got)
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := WaitForInFlight(short, 5*time.Millisecond); err == nil {
		t.Error("WaitForInFlight returned before the slow request finished")
	}

	close(release)
	ctx, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := WaitForInFlight(ctx, 5*time.Millisecond); err != nil {
		t.Errorf("WaitForInFlight() = %v after release", err)
	}
}
