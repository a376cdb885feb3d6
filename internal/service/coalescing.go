package service

import (
	"context"
	"sync"
	"time"
)

// inFlightRequest is one load that concurrent callers for the same key share.
type inFlightRequest[T any] struct {
	done   chan struct{}
	result T
	err    error
}

// requestCoalescer prevents a cache-miss stampede on the store by letting concurrent
// callers for the same key wait for a single load.
type requestCoalescer[T any] struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightRequest[T]
	timeout  time.Duration
}

func newRequestCoalescer[T any](timeout time.Duration) *requestCoalescer[T] {
	return &requestCoalescer[T]{
		inFlight: make(map[string]*inFlightRequest[T]),
		timeout:  timeout,
	}
}

// GetOrDo runs fn for key unless a run is already in flight, in which case it waits for
// that result. shared reports whether the result came from another caller's run.
// fn gets a context detached from the caller's cancellation so one caller giving up
// does not fail the others; waits are bounded by ctx and the coalescer timeout.
func (rc *requestCoalescer[T]) GetOrDo(ctx context.Context, key string, fn func(context.Context) (T, error)) (result T, shared bool, err error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if !exists {
		req = &inFlightRequest[T]{done: make(chan struct{})}
		rc.inFlight[key] = req
		rc.mu.Unlock()

		go func() {
			loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
			defer cancel()
			req.result, req.err = fn(loadCtx)
			rc.mu.Lock()
			delete(rc.inFlight, key)
			rc.mu.Unlock()
			close(req.done)
		}()
	} else {
		rc.mu.Unlock()
	}

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-req.done:
		return req.result, exists, req.err
	case <-waitCtx.Done():
		var zero T
		return zero, exists, waitCtx.Err()
	}
}
