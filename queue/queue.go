// Package queue runs a batch of named jobs over a bounded pool of workers
// and reports the outcome of every job.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Job holds logic to perform during queue execution.
type Job struct {
	Name   string
	Action func(ctx context.Context) error
}

// Result is the outcome of one job.
type Result struct {
	Name string
	Err  error
}

// Run executes jobs with up to workers goroutines and blocks until all are
// done. Results keep the job order. A cancelled context fails the jobs that
// have not started yet without interrupting running ones.
func Run(ctx context.Context, logger log.Logger, workers int, jobs []Job) []Result {
	if workers <= 0 {
		workers = 1
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	results := make([]Result, len(jobs))
	indexes := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				job := jobs[i]
				if err := ctx.Err(); err != nil {
					results[i] = Result{Name: job.Name, Err: err}
					continue
				}
				_ = level.Debug(logger).Log("msg", fmt.Sprintf("Job running: %s", job.Name))
				results[i] = Result{Name: job.Name, Err: job.Action(ctx)}
				_ = level.Debug(logger).Log("msg", fmt.Sprintf("Job ending: %s", job.Name))
			}
		}()
	}

	for i := range jobs {
		indexes <- i
	}
	close(indexes)
	wg.Wait()

	return results
}

// Failed filters the results down to the ones that returned an error.
func Failed(results []Result) []Result {
	var failed []Result
	for _, res := range results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}
