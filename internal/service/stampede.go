package service

import (
	"sync"

	"github.com/kjstillabower/airly-service/internal/observability"
)

// stampedeTracker counts unresolved cache misses per key. More than one concurrent miss
// on a key is a stampede: it is counted and its width observed per measurement kind.
type stampedeTracker struct {
	mu      sync.Mutex
	pending map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{pending: make(map[string]int)}
}

// miss registers a miss on key and returns the concurrent miss count plus a release func
// that must be called once the miss is resolved.
func (st *stampedeTracker) miss(kind, key string) (int, func()) {
	st.mu.Lock()
	st.pending[key]++
	n := st.pending[key]
	st.mu.Unlock()

	if n > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(kind).Inc()
		observability.CacheStampedeConcurrency.WithLabelValues(kind).Observe(float64(n))
	}
	var once sync.Once
	return n, func() { once.Do(func() { st.release(key) }) }
}

func (st *stampedeTracker) release(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pending[key] <= 1 {
		delete(st.pending, key)
		return
	}
	st.pending[key]--
}

// inFlight returns the unresolved misses for key.
func (st *stampedeTracker) inFlight(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pending[key]
}
