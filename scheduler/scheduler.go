// Package scheduler drives the run: category selection, sequential or
// chunked parallel execution, the retry pass, report and artifact
// generation, and cleanup.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/nixfleet/integration-runner/category"
	"github.com/nixfleet/integration-runner/config"
	"github.com/nixfleet/integration-runner/perf"
	"github.com/nixfleet/integration-runner/report"
	"github.com/nixfleet/integration-runner/suite"
)

// Phases ...
const (
	PhaseIdle           Phase = "idle"
	PhaseSetup          Phase = "setup"
	PhaseSelection      Phase = "category-selection"
	PhaseExecution      Phase = "execution"
	PhaseRetry          Phase = "retry"
	PhaseOutput         Phase = "output-generation"
	PhaseArtifacts      Phase = "artifact-generation"
	PhaseCleanup        Phase = "cleanup"
	PhaseFinalized      Phase = "finalized"
	PhaseErrorReporting Phase = "error-reporting"
)

// Phase ...
type Phase string

// ArtifactGenerator writes the post-run artifact files and the crash report
// for fatal phase errors.
type ArtifactGenerator interface {
	Generate(results []suite.Result, monitor *perf.Monitor, reportPath string)
	WriteFatalError(phase string, err error)
	Paths() []string
}

// Scheduler ...
type Scheduler struct {
	cfg       *config.Config
	logger    log.Logger
	suite     *suite.Suite
	registry  *category.Registry
	formatter report.Formatter
	artifacts ArtifactGenerator

	phase      Phase
	retryQueue *retryQueue
}

// New ...
func New(cfg *config.Config, logger log.Logger, testSuite *suite.Suite, registry *category.Registry, formatter report.Formatter, artifacts ArtifactGenerator) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		logger:     logger,
		suite:      testSuite,
		registry:   registry,
		formatter:  formatter,
		artifacts:  artifacts,
		phase:      PhaseIdle,
		retryQueue: newRetryQueue(),
	}
}

// Phase ...
func (s *Scheduler) Phase() Phase {
	return s.phase
}

// Run executes the whole pipeline and returns the process exit code.
func (s *Scheduler) Run(ctx context.Context) int {
	s.phase = PhaseSetup
	if err := s.suite.Setup(); err != nil {
		return s.reportFatal(err)
	}

	s.phase = PhaseSelection
	categories := s.TestCategories()
	s.logger.Infof("Running %d categories: %v", len(categories), categories)

	s.phase = PhaseExecution
	if s.cfg.Parallel {
		s.runParallel(ctx, categories)
	} else {
		s.runSequential(ctx, categories)
	}

	s.phase = PhaseRetry
	s.processRetryQueue(ctx)

	s.phase = PhaseOutput
	reportPath, err := s.formatter.Write(s.buildReport())
	if err != nil {
		// Output write failures never fail the run itself.
		s.logger.Warnf("Failed to generate report: %s", err)
	}

	s.phase = PhaseArtifacts
	s.artifacts.Generate(s.suite.Results(), s.suite.Monitor(), reportPath)

	s.phase = PhaseCleanup
	s.suite.Cleanup()

	s.phase = PhaseFinalized
	return s.suite.ShowResults()
}

// TestCategories resolves which categories this run covers. An explicit
// filter is intersected with the fixed list, preserving the fixed order.
// Without a filter the skip flags remove their known subsets.
func (s *Scheduler) TestCategories() []string {
	if len(s.cfg.CategoryFilter) > 0 {
		requested := map[string]bool{}
		for _, name := range s.cfg.CategoryFilter {
			if !category.IsKnown(name) {
				s.logger.Warnf("Unknown category in TEST_CATEGORY, ignoring: %s", name)
				continue
			}
			requested[name] = true
		}

		var selected []string
		for _, name := range category.Names {
			if requested[name] {
				selected = append(selected, name)
			}
		}
		return selected
	}

	excluded := map[string]bool{}
	if s.cfg.SkipSlowTests {
		for _, name := range category.SlowNames {
			excluded[name] = true
		}
	}
	if s.cfg.SkipSopsTests {
		for _, name := range category.SopsNames {
			excluded[name] = true
		}
	}

	var selected []string
	for _, name := range category.Names {
		if !excluded[name] {
			selected = append(selected, name)
		}
	}
	return selected
}

// runSequential awaits every category strictly in order; one category's
// failure never blocks the next.
func (s *Scheduler) runSequential(ctx context.Context, categories []string) {
	for _, name := range categories {
		s.runCategoryWithRetryTracking(ctx, name)
	}
}

// runParallel partitions the categories into consecutive chunks of
// MaxParallel and joins each chunk before starting the next, so at most
// MaxParallel categories are in flight at any moment.
func (s *Scheduler) runParallel(ctx context.Context, categories []string) {
	for chunkIndex, chunk := range chunkCategories(categories, s.cfg.MaxParallel) {
		s.logger.Debugf("Starting chunk %d: %v", chunkIndex+1, chunk)

		var wg sync.WaitGroup
		for _, name := range chunk {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				s.runCategoryWithRetryTracking(ctx, name)
			}(name)
		}
		// The chunk boundary is a join barrier.
		wg.Wait()
	}
}

func chunkCategories(categories []string, size int) [][]string {
	if size < 1 {
		size = 1
	}

	var chunks [][]string
	for start := 0; start < len(categories); start += size {
		end := start + size
		if end > len(categories) {
			end = len(categories)
		}
		chunks = append(chunks, categories[start:end])
	}
	return chunks
}

func (s *Scheduler) runCategoryWithRetryTracking(ctx context.Context, name string) {
	if err := s.runCategory(ctx, name, 1); err != nil {
		s.logger.Warnf("Category %s failed: %s", name, err)
		if s.cfg.RetryFailedTests {
			s.retryQueue.push(RetryEntry{Category: name, LastError: err, Attempt: 1})
		}
	}
}

// runCategory looks up the category's module and runs its entry point. A
// module error (or panic) is isolated here: siblings are unaffected.
func (s *Scheduler) runCategory(ctx context.Context, name string, attempt int) error {
	module, ok := s.registry.Lookup(name)
	if !ok {
		return fmt.Errorf("no module registered for category: %s", name)
	}

	s.suite.NoteAttempt(name, attempt)

	startedAt := time.Now()
	err := runModule(ctx, module, s.suite)
	elapsed := time.Since(startedAt).Round(time.Millisecond)

	if err != nil {
		return fmt.Errorf("category %s failed after %s: %s", name, elapsed, err)
	}

	s.logger.Debugf("Category %s finished in %s", name, elapsed)
	return nil
}

func runModule(ctx context.Context, module category.Module, testSuite *suite.Suite) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module panicked: %v", r)
		}
	}()

	return module.RunTests(ctx, testSuite)
}

func (s *Scheduler) buildReport() report.Report {
	passed, failed, skipped := s.suite.Counts()
	return report.Report{
		Results:   s.suite.Results(),
		Passed:    passed,
		Failed:    failed,
		Skipped:   skipped,
		StartedAt: s.suite.StartedAt(),
		Artifacts: s.artifacts.Paths(),
	}
}

// reportFatal handles unrecoverable errors: fatal artifact when enabled,
// guaranteed non-zero exit.
func (s *Scheduler) reportFatal(err error) int {
	failedPhase := string(s.phase)
	s.phase = PhaseErrorReporting

	s.logger.Errorf("Fatal error during %s: %s", failedPhase, err)
	s.artifacts.WriteFatalError(failedPhase, err)

	s.phase = PhaseFinalized
	return 1
}
