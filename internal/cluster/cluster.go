// Package cluster is the Parallel Loader's pluggable compute backend: a
// small submit/future abstraction standing in for the teacher's closest
// analogue to a Dask cluster. The production backend submits work to a
// remote scheduler; LocalClient runs it on goroutines for tests and small
// deployments that don't need a separate compute tier.
package cluster

import (
	"context"
	"errors"
)

// ErrDisconnected is returned by a Future's Wait when the compute backend
// dropped the connection partway through the task, as opposed to the task
// itself failing. Callers rebuild the Client and retry on this error;
// LocalClient never produces it since it has no remote connection to lose.
var ErrDisconnected = errors.New("cluster: disconnected")

// Future is the result of a previously submitted task.
type Future interface {
	// Wait blocks until the task completes, returning its result or error.
	Wait(ctx context.Context) (any, error)
}

// Client submits tasks to a compute backend and awaits their futures.
type Client interface {
	Submit(fn func(ctx context.Context) (any, error)) Future
	Close() error
}

// localFuture is the goroutine-backed Future returned by LocalClient.
type localFuture struct {
	done   chan struct{}
	result any
	err    error
}

func (f *localFuture) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LocalClient runs submitted tasks on their own goroutine. It requires no
// external scheduler and is the default backend for tests and
// small-scale runs.
type LocalClient struct{}

// NewLocalClient creates a LocalClient.
func NewLocalClient() *LocalClient {
	return &LocalClient{}
}

// Submit runs fn on a new goroutine and returns a Future for its result.
func (c *LocalClient) Submit(fn func(ctx context.Context) (any, error)) Future {
	f := &localFuture{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.result, f.err = fn(context.Background())
	}()
	return f
}

// Close is a no-op for LocalClient; there is no remote scheduler to tear down.
func (c *LocalClient) Close() error {
	return nil
}
