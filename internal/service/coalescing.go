package service

import (
	"context"
	"sync"
	"time"
)

// inFlightCall tracks a single upstream request that multiple callers may wait for.
type inFlightCall[T any] struct {
	done   chan struct{}
	result T
	err    error
}

// requestCoalescer prevents cache stampede by coalescing concurrent requests for the same key.
// The upstream call runs on a context detached from the first caller so one cancelled
// request does not fail the others; it is bounded by timeout instead.
type requestCoalescer[T any] struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightCall[T]
	timeout  time.Duration
}

func newRequestCoalescer[T any](timeout time.Duration) *requestCoalescer[T] {
	return &requestCoalescer[T]{
		inFlight: make(map[string]*inFlightCall[T]),
		timeout:  timeout,
	}
}

// Do runs fn for key unless a call for key is already in flight, in which case it waits
// for that call's result. shared reports whether the result came from another caller's call.
// Waiting respects ctx and the coalescer timeout.
func (rc *requestCoalescer[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (result T, shared bool, err error) {
	rc.mu.Lock()
	call, exists := rc.inFlight[key]
	if !exists {
		call = &inFlightCall[T]{done: make(chan struct{})}
		rc.inFlight[key] = call
		rc.mu.Unlock()

		fnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
		go func() {
			defer cancel()
			call.result, call.err = fn(fnCtx)
			rc.mu.Lock()
			delete(rc.inFlight, key)
			rc.mu.Unlock()
			close(call.done)
		}()
	} else {
		rc.mu.Unlock()
	}

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-call.done:
		return call.result, exists, call.err
	case <-waitCtx.Done():
		var zero T
		return zero, exists, waitCtx.Err()
	}
}

// inFlightCount returns the number of keys with an upstream call in progress.
func (rc *requestCoalescer[T]) inFlightCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.inFlight)
}
