package concurrency

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sqlgrid/sqlgrid/pkg/util"
)

// ForEachQuery runs the provided queryFunc for each queryIDs up to concurrency concurrent workers.
// In case queryFunc returns error, it will continue to process remaining queries but returns an
// error with all errors queryFunc has returned.
func ForEachQuery(ctx context.Context, queryIDs []uint64, concurrency int, queryFunc func(ctx context.Context, queryID uint64) error) error {
	wg := sync.WaitGroup{}
	ch := make(chan uint64)

	// Keep track of all errors occurred.
	errs := util.MultiError{}
	errsMx := sync.Mutex{}

	for ix := 0; ix < concurrency; ix++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for queryID := range ch {
				// Ensure the context has not been canceled (ie. shutdown has been triggered).
				if ctx.Err() != nil {
					break
				}

				if err := queryFunc(ctx, queryID); err != nil {
					errsMx.Lock()
					errs.Add(err)
					errsMx.Unlock()
				}
			}
		}()
	}

sendLoop:
	for _, queryID := range queryIDs {
		select {
		case ch <- queryID:
			// ok
		case <-ctx.Done():
			// don't start new tasks.
			break sendLoop
		}
	}

	close(ch)

	// wait for ongoing workers to finish.
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	errsMx.Lock()
	defer errsMx.Unlock()
	return errs.Err()
}

// ForEach runs the provided jobFunc for each job up to concurrency concurrent workers.
// The execution breaks on first error encountered.
func ForEach(ctx context.Context, jobs []interface{}, concurrency int, jobFunc func(ctx context.Context, job interface{}) error) error {
	g, ctx := errgroup.WithContext(ctx)
	ch := make(chan interface{})

	// Start workers.
	for ix := 0; ix < concurrency; ix++ {
		g.Go(func() error {
			for job := range ch {
				if err := jobFunc(ctx, job); err != nil {
					return err
				}
			}

			return nil
		})
	}

	// Push jobs to workers.
sendLoop:
	for _, job := range jobs {
		select {
		case ch <- job:
			// ok
		case <-ctx.Done():
			// don't start new tasks.
			break sendLoop
		}
	}

	close(ch)

	// Wait until done (or context has canceled).
	return g.Wait()
}

// CreateJobsFromStrings is an utility to create jobs from an slice of strings.
func CreateJobsFromStrings(values []string) []interface{} {
	jobs := make([]interface{}, len(values))
	for i := 0; i < len(values); i++ {
		jobs[i] = values[i]
	}
	return jobs
}
