// Package pool runs independent tasks on a bounded number of goroutines.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of a single task.
type Result[R any] struct {
	Value R
	Err   error
}

// Pool executes tasks with at most Workers running at once and logs progress
// under Name.
type Pool struct {
	Logger  *slog.Logger
	Name    string
	Workers int
}

// New creates a pool; workers below 1 are treated as 1.
func New(logger *slog.Logger, name string, workers int) *Pool {
	return &Pool{Logger: logger, Name: name, Workers: max(workers, 1)}
}

// Map runs fn for every item and returns the results in item order. A failing
// task does not stop the others; tasks not started before ctx is done report
// ctx.Err(). Map returns once every task has finished.
func Map[T, R any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) (R, error)) []Result[R] {
	results := make([]Result[R], len(items))
	progressCh := make(chan error)
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		var done, failed int
		total := len(items)
		start := time.Now()
		for err := range progressCh {
			done++
			if err != nil {
				failed++
			}
			duration := time.Since(start).Round(time.Second)
			p.Logger.Info("progress", "pool", p.Name, "done", fmt.Sprintf("%d/%d", done, total), "failed", failed, "in", duration)
		}
	}()

	var g errgroup.Group
	g.SetLimit(p.Workers)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			var r Result[R]
			if err := ctx.Err(); err != nil {
				r.Err = err
			} else {
				r.Value, r.Err = fn(ctx, item)
			}
			results[i] = r
			progressCh <- r.Err
			return nil
		})
	}
	g.Wait()
	close(progressCh)
	<-progressDone
	return results
}
