package suite

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// TestFunc is a single assertion. The context is cancelled when the test
// loses its timeout race, so long-running work (and any process it spawned)
// must stop instead of leaking past the test.
type TestFunc func(ctx context.Context) error

// RunOpts ...
type RunOpts struct {
	// Timeout overrides the configured per-test timeout when positive.
	Timeout time.Duration
	// SkipIf short-circuits the test: no timer starts and fn never runs.
	SkipIf bool
	// Category the assertion belongs to.
	Category string
}

// RunTest executes one assertion and appends exactly one Result to the log.
// A test that returns an error, panics, or exceeds its timeout is recorded
// as failed; timeouts differ from other failures only by message text.
func (s *Suite) RunTest(ctx context.Context, name string, fn TestFunc, opts RunOpts) {
	if opts.SkipIf {
		s.recordSkip(name, opts.Category)
		return
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.TestTimeout
	}

	timerID := s.monitor.StartTimer(name)
	startedAt := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan *TestError, 1)
	go func() {
		done <- callTestFunc(runCtx, fn)
	}()

	var testErr *TestError
	select {
	case testErr = <-done:
	case <-runCtx.Done():
		// The goroutine keeps draining into the buffered channel; its
		// eventual settlement is discarded. Cancelling runCtx tells the
		// test function and its subprocesses to stop.
		if ctx.Err() != nil {
			testErr = &TestError{Message: "Test cancelled"}
		} else {
			testErr = &TestError{Message: fmt.Sprintf("Test timeout after %dms", timeout.Milliseconds())}
		}
	}

	metric, _ := s.monitor.EndTimer(timerID)
	finishedAt := time.Now()

	result := Result{
		Name:       name,
		Category:   opts.Category,
		Status:     StatusPassed,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Duration:   metric.Duration,
	}

	if testErr != nil {
		result.Status = StatusFailed
		result.Error = testErr
	} else {
		delta := s.monitor.Delta()
		result.Performance = &delta
	}

	s.mu.Lock()
	result.Attempt = s.attemptOf(opts.Category)
	s.results = append(s.results, result)
	if testErr != nil {
		s.failed++
	} else {
		s.passed++
	}
	s.mu.Unlock()

	if testErr != nil {
		s.errorf("[%s] %s failed: %s", opts.Category, name, testErr.Message)
		return
	}
	s.donef("[%s] %s (%.1fms)", opts.Category, name, metric.DurationMS)
}

func (s *Suite) recordSkip(name, category string) {
	now := time.Now()

	s.mu.Lock()
	s.results = append(s.results, Result{
		Name:       name,
		Category:   category,
		Status:     StatusSkipped,
		Attempt:    s.attemptOf(category),
		StartedAt:  now,
		FinishedAt: now,
	})
	s.skipped++
	s.mu.Unlock()

	s.printf("[%s] %s skipped", category, name)
}

func callTestFunc(ctx context.Context, fn TestFunc) (testErr *TestError) {
	defer func() {
		if r := recover(); r != nil {
			testErr = &TestError{
				Message: fmt.Sprintf("%v", r),
				Stack:   string(debug.Stack()),
			}
		}
	}()

	if err := fn(ctx); err != nil {
		return &TestError{Message: err.Error()}
	}
	return nil
}
