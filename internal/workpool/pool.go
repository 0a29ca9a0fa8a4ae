// Package workpool runs a batch of jobs under a bounded number of workers.
package workpool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Func processes a single job.
type Func[J, R any] func(ctx context.Context, job J) (R, error)

// Result pairs a job with its outcome.
type Result[J, R any] struct {
	Job   J
	Value R
	Err   error
	// Started is false when the job was never run because the context was
	// cancelled first.
	Started bool
	index   int // Internal: used to maintain result order
}

// Pool runs jobs concurrently using a worker pool pattern.
type Pool[J, R any] struct {
	fn      Func[J, R]
	workers int
	logger  *slog.Logger
}

// New creates a pool with the specified number of worker goroutines.
func New[J, R any](workers int, fn Func[J, R], logger *slog.Logger) *Pool[J, R] {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool[J, R]{
		fn:      fn,
		workers: workers,
		logger:  logger,
	}
}

// Workers returns the concurrency limit.
func (p *Pool[J, R]) Workers() int { return p.workers }

// Execute submits a batch of jobs and waits for all to complete. The
// returned results have the same order and length as jobs.
//
// Cancelling ctx stops new jobs from starting; jobs already running finish
// and unstarted jobs are reported with ctx.Err().
func (p *Pool[J, R]) Execute(ctx context.Context, jobs []J) []Result[J, R] {
	if len(jobs) == 0 {
		return []Result[J, R]{}
	}

	jobsChan := make(chan jobWithIndex[J], len(jobs))
	resultsChan := make(chan Result[J, R], len(jobs))

	var wg sync.WaitGroup

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go p.worker(ctx, jobsChan, resultsChan, &wg)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(jobsChan)
		for i, job := range jobs {
			select {
			case jobsChan <- jobWithIndex[J]{job: job, index: i}:
			case <-ctx.Done():
				for j := i; j < len(jobs); j++ {
					resultsChan <- Result[J, R]{Job: jobs[j], Err: ctx.Err(), index: j}
				}
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	results := make([]Result[J, R], 0, len(jobs))
	for result := range resultsChan {
		results = append(results, result)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].index < results[j].index
	})

	return results
}

// jobWithIndex pairs a job with its original index for ordering results.
type jobWithIndex[J any] struct {
	job   J
	index int
}

func (p *Pool[J, R]) worker(ctx context.Context, jobsChan <-chan jobWithIndex[J], resultsChan chan<- Result[J, R], wg *sync.WaitGroup) {
	defer wg.Done()

	for item := range jobsChan {
		if err := ctx.Err(); err != nil {
			resultsChan <- Result[J, R]{Job: item.job, Err: err, index: item.index}
			continue
		}

		value, err := p.fn(ctx, item.job)
		if err != nil {
			p.logger.Debug("pool job failed", "index", item.index, "error", err)
		}
		resultsChan <- Result[J, R]{
			Job:     item.job,
			Value:   value,
			Err:     err,
			Started: true,
			index:   item.index,
		}
	}
}
