package workpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestNewDefaultWorkers verifies pool defaults to 1 worker if workers <= 0
func TestNewDefaultWorkers(t *testing.T) {
	fn := func(ctx context.Context, n int) (int, error) { return n, nil }

	if p := New(0, fn, discardLogger()); p.Workers() != 1 {
		t.Errorf("expected 1 worker (default), got %d", p.Workers())
	}
	if p := New(-5, fn, nil); p.Workers() != 1 {
		t.Errorf("expected 1 worker (default), got %d", p.Workers())
	}
	if p := New(5, fn, nil); p.Workers() != 5 {
		t.Errorf("expected 5 workers, got %d", p.Workers())
	}
}

func TestPoolExecute(t *testing.T) {
	pool := New(3, func(ctx context.Context, n int) (int, error) {
		return n * n, nil
	}, discardLogger())

	results := pool.Execute(context.Background(), []int{1, 2, 3, 4})
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for i, r := range results {
		want := (i + 1) * (i + 1)
		if r.Err != nil || r.Value != want || !r.Started {
			t.Errorf("result %d = %+v, want value %d", i, r, want)
		}
	}
}

// TestPoolConcurrency verifies the worker limit is honoured
func TestPoolConcurrency(t *testing.T) {
	var active, maxActive int32
	var mu sync.Mutex

	pool := New(4, func(ctx context.Context, n int) (struct{}, error) {
		current := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)

		mu.Lock()
		if current > maxActive {
			maxActive = current
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)
		return struct{}{}, nil
	}, discardLogger())

	jobs := make([]int, 10)
	results := pool.Execute(context.Background(), jobs)

	if len(results) != 10 {
		t.Errorf("expected 10 results, got %d", len(results))
	}
	if maxActive < 2 {
		t.Errorf("expected max concurrent jobs >= 2, got %d", maxActive)
	}
	if maxActive > 4 {
		t.Errorf("expected max concurrent jobs <= 4 (workers), got %d", maxActive)
	}
}

func TestPoolWithFailures(t *testing.T) {
	pool := New(2, func(ctx context.Context, n int) (int, error) {
		if n%2 == 0 {
			return 0, fmt.Errorf("job %d failed", n)
		}
		return n, nil
	}, discardLogger())

	results := pool.Execute(context.Background(), []int{1, 2, 3, 4, 5})

	failures := 0
	for _, r := range results {
		if r.Err != nil {
			failures++
		}
	}
	if failures != 2 {
		t.Errorf("expected 2 failures, got %d", failures)
	}
}

// TestPoolContextCancellation verifies running jobs finish and unstarted
// jobs are reported as cancelled
func TestPoolContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var completed int32

	pool := New(2, func(ctx context.Context, n int) (int, error) {
		if n == 0 {
			cancel()
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&completed, 1)
		return n, nil
	}, discardLogger())

	jobs := make([]int, 20)
	for i := range jobs {
		jobs[i] = i
	}

	results := pool.Execute(ctx, jobs)
	if len(results) != len(jobs) {
		t.Fatalf("expected %d results, got %d", len(jobs), len(results))
	}

	started, cancelled := 0, 0
	for i, r := range results {
		if r.Job != i {
			t.Errorf("result %d has job %d", i, r.Job)
		}
		if r.Started {
			started++
			if r.Err != nil {
				t.Errorf("started job %d reported error %v", i, r.Err)
			}
		} else {
			cancelled++
			if !errors.Is(r.Err, context.Canceled) {
				t.Errorf("unstarted job %d error = %v, want context.Canceled", i, r.Err)
			}
		}
	}

	if int32(started) != atomic.LoadInt32(&completed) {
		t.Errorf("started %d jobs but %d completed", started, completed)
	}
	if cancelled == 0 {
		t.Error("expected some jobs to be skipped after cancellation")
	}
}

func TestPoolEmptyJobs(t *testing.T) {
	pool := New(3, func(ctx context.Context, n int) (int, error) { return n, nil }, nil)
	if results := pool.Execute(context.Background(), nil); len(results) != 0 {
		t.Errorf("expected 0 results for empty jobs, got %d", len(results))
	}
}

// TestPoolResultOrder verifies results maintain job order
func TestPoolResultOrder(t *testing.T) {
	pool := New(5, func(ctx context.Context, s string) (string, error) {
		if s == "a" {
			time.Sleep(30 * time.Millisecond)
		}
		return s + "!", nil
	}, discardLogger())

	jobs := []string{"a", "b", "c", "d", "e"}
	results := pool.Execute(context.Background(), jobs)

	for i, r := range results {
		if r.Job != jobs[i] || r.Value != jobs[i]+"!" {
			t.Errorf("result %d = %+v, want job %s", i, r, jobs[i])
		}
	}
}
