package scraper

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool runs a batch of jobs with bounded parallelism and blocks until the
// batch drains or the context is cancelled. Jobs record their own failures;
// a failed job never aborts its siblings.
type Pool struct {
	limit int
}

// NewPool creates a pool with the given concurrency.
func NewPool(limit int) *Pool {
	if limit <= 0 {
		limit = 1
	}
	return &Pool{limit: limit}
}

// Run executes the jobs. The only error it returns is the context's, once
// cancellation has stopped the batch; queued jobs are skipped, in-flight jobs
// observe the cancelled context and wind down.
func (p *Pool) Run(ctx context.Context, jobs []func(context.Context)) error {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(p.limit)
	for _, job := range jobs {
		job := job
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			job(gctx)
			return nil
		})
	}
	return group.Wait()
}
