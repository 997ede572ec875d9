// Package workpool runs independent tasks on a bounded number of goroutines.
package workpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of independent work.
type Task func(ctx context.Context) error

// Pool dispatches tasks to at most Size goroutines.
// A Pool holds no state between Run calls and is safe for concurrent use.
type Pool struct {
	size int
}

// New creates a pool of the given size. Sizes below 1 default to runtime.NumCPU().
func New(size int) *Pool {
	if size < 1 {
		size = runtime.NumCPU()
	}
	return &Pool{size: size}
}

// Size returns the maximum number of concurrently running tasks.
func (p *Pool) Size() int {
	return p.size
}

// Run executes every task and blocks until all of them have returned.
// The first error cancels the context handed to the remaining tasks and is
// returned once all started tasks have finished.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.size)

	for _, task := range tasks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return task(gctx)
		})
	}

	return g.Wait()
}
