// Package fetcher runs a worker over a slice with a fixed number of runners.
package fetcher

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Worker processes items[index]. Workers own their failures: anything other
// than a cancellation error should be turned into a result by the worker.
type Worker[T any] func(ctx context.Context, item T, index int) error

// Run starts min(concurrency, len(items)) runners that claim indices from a
// shared counter until every item has been claimed or ctx is done. Each index
// is handed to worker at most once. Completion order is unspecified; workers
// that need ordered output should write to their index.
//
// Run returns the first error a worker returned, or ctx.Err() if cancellation
// stopped the claim loop, or nil.
func Run[T any](ctx context.Context, items []T, concurrency int, worker Worker[T]) error {
	if len(items) == 0 {
		return ctx.Err()
	}
	concurrency = max(concurrency, 1)
	runners := min(concurrency, len(items))

	var next atomic.Int64
	var g errgroup.Group
	for range runners {
		g.Go(func() error {
			for {
				if err := ctx.Err(); err != nil {
					return err
				}
				i := int(next.Add(1) - 1)
				if i >= len(items) {
					return nil
				}
				if err := worker(ctx, items[i], i); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}
