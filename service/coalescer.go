package service

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Coalescer collapses concurrent calls that share a key into one execution.
// Nothing is cached: once the call settles, the next caller runs fn again.
type Coalescer[T any] struct {
	group singleflight.Group
}

// NewCoalescer creates an empty coalescer
func NewCoalescer[T any]() *Coalescer[T] {
	return &Coalescer[T]{}
}

// Do runs fn for key unless a call for key is already in flight, in which
// case it waits for that call's result. fn is detached from the caller's
// cancellation because other callers may be waiting on it; a caller whose
// ctx ends stops waiting without affecting the others.
func (c *Coalescer[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	detached := context.WithoutCancel(ctx)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		return fn(detached)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
