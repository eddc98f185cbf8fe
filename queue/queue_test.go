package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-kit/log"
)

func TestRunCollectsResults(t *testing.T) {
	var mu sync.Mutex
	var calledJobs []string

	record := func(name string, err error) Job {
		return Job{
			Name: name,
			Action: func(context.Context) error {
				mu.Lock()
				defer mu.Unlock()
				calledJobs = append(calledJobs, name)
				return err
			},
		}
	}

	jobs := []Job{
		record("job1", nil),
		record("job2", errors.New("job2 failed")),
		record("job3", nil),
	}

	results := Run(context.Background(), log.NewNopLogger(), 2, jobs)

	mu.Lock()
	defer mu.Unlock()
	if len(calledJobs) != 3 {
		t.Errorf("expected 3 jobs to be called, got %d", len(calledJobs))
	}

	// results keep the job order regardless of execution order
	for i, job := range jobs {
		if results[i].Name != job.Name {
			t.Errorf("expected result %d to be %s, got %s", i, job.Name, results[i].Name)
		}
	}

	failed := Failed(results)
	if len(failed) != 1 || failed[0].Name != "job2" {
		t.Errorf("expected only job2 to fail, got %v", failed)
	}
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	jobs := []Job{{
		Name: "job1",
		Action: func(context.Context) error {
			ran = true
			return nil
		},
	}}

	results := Run(ctx, log.NewNopLogger(), 1, jobs)
	if ran {
		t.Error("expected no job to run after cancellation")
	}
	if len(Failed(results)) != 1 {
		t.Error("expected the unstarted job to be reported as failed")
	}
}

func TestRunNoJobs(t *testing.T) {
	results := Run(context.Background(), log.NewNopLogger(), 4, nil)
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}
