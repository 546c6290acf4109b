package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/nixfleet/integration-runner/category"
	"github.com/nixfleet/integration-runner/config"
	"github.com/nixfleet/integration-runner/perf"
	"github.com/nixfleet/integration-runner/report"
	"github.com/nixfleet/integration-runner/suite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_GivenNoFilter_WhenCategoriesResolved_ThenFullFixedOrder(t *testing.T) {
	// Given
	scheduler := createScheduler(t, &config.Config{}, nil)

	// When
	categories := scheduler.TestCategories()

	// Then
	assert.Equal(t, category.Names, categories)
}

func Test_GivenFilterInReverseOrder_WhenCategoriesResolved_ThenFixedOrderWins(t *testing.T) {
	// Given
	cfg := &config.Config{CategoryFilter: []string{"SECURITY", "E2E_WORKFLOW"}}
	scheduler := createScheduler(t, cfg, nil)

	// When
	categories := scheduler.TestCategories()

	// Then
	assert.Equal(t, []string{"E2E_WORKFLOW", "SECURITY"}, categories)
}

func Test_GivenFilterWithUnknownName_WhenCategoriesResolved_ThenUnknownIgnored(t *testing.T) {
	// Given
	cfg := &config.Config{CategoryFilter: []string{"SECURITY", "LOAD_TESTING"}}
	scheduler := createScheduler(t, cfg, nil)

	// When
	categories := scheduler.TestCategories()

	// Then
	assert.Equal(t, []string{"SECURITY"}, categories)
}

func Test_GivenSkipFlags_WhenCategoriesResolved_ThenKnownSubsetsRemoved(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.Config
		expected []string
	}{
		{
			name:     "skip slow",
			cfg:      config.Config{SkipSlowTests: true},
			expected: []string{"ENVIRONMENT", "CONFIG_GENERATION", "SECURITY", "ENCRYPTION", "CLI_SMOKE"},
		},
		{
			name:     "skip sops",
			cfg:      config.Config{SkipSopsTests: true},
			expected: []string{"ENVIRONMENT", "CONFIG_GENERATION", "E2E_WORKFLOW", "SECURITY", "CLI_SMOKE", "PERFORMANCE"},
		},
		{
			name:     "skip both",
			cfg:      config.Config{SkipSlowTests: true, SkipSopsTests: true},
			expected: []string{"ENVIRONMENT", "CONFIG_GENERATION", "SECURITY", "CLI_SMOKE"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheduler := createScheduler(t, &tt.cfg, nil)

			categories := scheduler.TestCategories()

			assert.Equal(t, tt.expected, categories)
		})
	}
}

func Test_GivenFailingCategory_WhenRunSequentially_ThenLaterCategoriesStillRun(t *testing.T) {
	// Given
	tracker := newRunTracker()
	cfg := &config.Config{CategoryFilter: []string{"ENVIRONMENT", "SECURITY"}, TestTimeout: time.Second}
	scheduler := createScheduler(t, cfg, map[string]category.Module{
		category.Environment: tracker.module(category.Environment, errors.New("broken")),
		category.Security:    tracker.module(category.Security, nil),
	})

	// When
	exitCode := scheduler.Run(context.Background())

	// Then
	assert.Equal(t, 0, exitCode)
	assert.Equal(t, 1, tracker.runs(category.Environment))
	assert.Equal(t, 1, tracker.runs(category.Security))
	assert.Equal(t, PhaseFinalized, scheduler.Phase())
}

func Test_GivenParallelRun_WhenChunked_ThenConcurrencyBoundedAndChunksJoined(t *testing.T) {
	// Given
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	firstChunk := map[string]bool{"ENVIRONMENT": true, "CONFIG_GENERATION": true}
	firstChunkDone := 0
	var secondChunkStartedEarly bool

	modules := map[string]category.Module{}
	for _, name := range []string{"ENVIRONMENT", "CONFIG_GENERATION", "E2E_WORKFLOW", "SECURITY"} {
		name := name
		modules[name] = category.ModuleFunc(func(ctx context.Context, s *suite.Suite) error {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			if !firstChunk[name] && firstChunkDone < 2 {
				secondChunkStartedEarly = true
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			inFlight--
			if firstChunk[name] {
				firstChunkDone++
			}
			mu.Unlock()
			return nil
		})
	}

	cfg := &config.Config{
		CategoryFilter: []string{"ENVIRONMENT", "CONFIG_GENERATION", "E2E_WORKFLOW", "SECURITY"},
		Parallel:       true,
		MaxParallel:    2,
		TestTimeout:    time.Second,
	}
	scheduler := createScheduler(t, cfg, modules)

	// When
	exitCode := scheduler.Run(context.Background())

	// Then
	assert.Equal(t, 0, exitCode)
	assert.LessOrEqual(t, maxInFlight, 2)
	assert.False(t, secondChunkStartedEarly, "second chunk must wait for the first chunk's join barrier")
}

func Test_GivenRetriesEnabled_WhenCategoryFailsOnce_ThenRetriedAndResultsAppended(t *testing.T) {
	// Given
	cfg := &config.Config{
		CategoryFilter:   []string{"SECURITY"},
		RetryFailedTests: true,
		MaxRetries:       2,
		TestTimeout:      time.Second,
	}

	var calls int
	module := category.ModuleFunc(func(ctx context.Context, s *suite.Suite) error {
		calls++
		if calls == 1 {
			s.RunTest(ctx, "no leaked keys", func(ctx context.Context) error { return errors.New("flaky scanner") }, suite.RunOpts{Category: category.Security})
			return errors.New("flaky scanner")
		}
		s.RunTest(ctx, "no leaked keys", func(ctx context.Context) error { return nil }, suite.RunOpts{Category: category.Security})
		return nil
	})
	scheduler := createScheduler(t, cfg, map[string]category.Module{category.Security: module})

	// When
	exitCode := scheduler.Run(context.Background())

	// Then
	assert.Equal(t, 2, calls)

	results := scheduler.suite.Results()
	require.Len(t, results, 2, "retry appends, never replaces")
	assert.Equal(t, suite.StatusFailed, results[0].Status)
	assert.Equal(t, 1, results[0].Attempt)
	assert.Equal(t, suite.StatusPassed, results[1].Status)
	assert.Equal(t, 2, results[1].Attempt)

	// The first attempt's failure stays in the log and in the exit code.
	assert.Equal(t, 1, exitCode)
}

func Test_GivenAlwaysFailingCategory_WhenRetried_ThenAttemptBudgetHonored(t *testing.T) {
	// Given
	tracker := newRunTracker()
	cfg := &config.Config{
		CategoryFilter:   []string{"SECURITY"},
		RetryFailedTests: true,
		MaxRetries:       2,
		TestTimeout:      time.Second,
	}
	scheduler := createScheduler(t, cfg, map[string]category.Module{
		category.Security: tracker.module(category.Security, errors.New("permanently broken")),
	})

	// When
	exitCode := scheduler.Run(context.Background())

	// Then
	assert.Equal(t, 0, exitCode, "a module error without failed tests does not fail the run")
	assert.Equal(t, 3, tracker.runs(category.Security), "initial run plus MaxRetries retries")
}

func Test_GivenRetriesDisabled_WhenCategoryFails_ThenNoRetry(t *testing.T) {
	// Given
	tracker := newRunTracker()
	cfg := &config.Config{CategoryFilter: []string{"SECURITY"}, MaxRetries: 2, TestTimeout: time.Second}
	scheduler := createScheduler(t, cfg, map[string]category.Module{
		category.Security: tracker.module(category.Security, errors.New("broken")),
	})

	// When
	scheduler.Run(context.Background())

	// Then
	assert.Equal(t, 1, tracker.runs(category.Security))
}

func Test_GivenPanickingModule_WhenRun_ThenSiblingsUnaffected(t *testing.T) {
	// Given
	tracker := newRunTracker()
	cfg := &config.Config{CategoryFilter: []string{"ENVIRONMENT", "SECURITY"}, TestTimeout: time.Second}
	scheduler := createScheduler(t, cfg, map[string]category.Module{
		category.Environment: category.ModuleFunc(func(ctx context.Context, s *suite.Suite) error {
			panic("module exploded")
		}),
		category.Security: tracker.module(category.Security, nil),
	})

	// When
	exitCode := scheduler.Run(context.Background())

	// Then
	assert.Equal(t, 0, exitCode)
	assert.Equal(t, 1, tracker.runs(category.Security))
}

func Test_GivenSetupFailure_WhenRun_ThenFatalArtifactAndExitOne(t *testing.T) {
	// Given
	cfg := &config.Config{TestTimeout: time.Second}
	artifacts := &fakeArtifacts{}
	logger := log.NewLogger()
	testSuite := suite.New(
		cfg,
		logger,
		perf.NewMonitor(logger),
		suite.NewCommandRunner(logger),
		pathutil.NewPathChecker(),
		pathutil.NewPathProvider(),
		fileutil.NewFileManager(),
		[]string{"/nonexistent/required-file"},
	)
	formatter := report.NewFormatter(cfg, logger, fileutil.NewFileManager())
	scheduler := New(cfg, logger, testSuite, category.NewRegistry(), formatter, artifacts)

	// When
	exitCode := scheduler.Run(context.Background())

	// Then
	assert.Equal(t, 1, exitCode)
	assert.Equal(t, "setup", artifacts.fatalPhase)
	require.Error(t, artifacts.fatalErr)
	assert.Contains(t, artifacts.fatalErr.Error(), "required file missing")
	assert.False(t, artifacts.generateCalled)
}

func Test_GivenCompletedRun_WhenFinished_ThenArtifactsGenerated(t *testing.T) {
	// Given
	tracker := newRunTracker()
	cfg := &config.Config{CategoryFilter: []string{"ENVIRONMENT"}, TestTimeout: time.Second}
	scheduler := createScheduler(t, cfg, map[string]category.Module{
		category.Environment: tracker.module(category.Environment, nil),
	})

	// When
	scheduler.Run(context.Background())

	// Then
	artifacts := scheduler.artifacts.(*fakeArtifacts)
	assert.True(t, artifacts.generateCalled)
}

func Test_GivenUnevenCategoryCount_WhenChunked_ThenLastChunkIsShorter(t *testing.T) {
	// Given
	categories := []string{"a", "b", "c", "d", "e"}

	// When
	chunks := chunkCategories(categories, 2)

	// Then
	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"a", "b"}, chunks[0])
	assert.Equal(t, []string{"c", "d"}, chunks[1])
	assert.Equal(t, []string{"e"}, chunks[2])
}

func Test_GivenInvalidChunkSize_WhenChunked_ThenTreatedAsOne(t *testing.T) {
	// When
	chunks := chunkCategories([]string{"a", "b"}, 0)

	// Then
	require.Len(t, chunks, 2)
}

type fakeArtifacts struct {
	mu             sync.Mutex
	generateCalled bool
	fatalPhase     string
	fatalErr       error
	paths          []string
}

func (f *fakeArtifacts) Generate(results []suite.Result, monitor *perf.Monitor, reportPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generateCalled = true
}

func (f *fakeArtifacts) WriteFatalError(phase string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fatalPhase = phase
	f.fatalErr = err
}

func (f *fakeArtifacts) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paths
}

type runTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRunTracker() *runTracker {
	return &runTracker{counts: map[string]int{}}
}

func (r *runTracker) module(name string, err error) category.Module {
	return category.ModuleFunc(func(ctx context.Context, s *suite.Suite) error {
		r.mu.Lock()
		r.counts[name]++
		r.mu.Unlock()
		return err
	})
}

func (r *runTracker) runs(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

func createScheduler(t *testing.T, cfg *config.Config, modules map[string]category.Module) *Scheduler {
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = config.FormatConsole
	}

	logger := log.NewLogger()
	testSuite := suite.New(
		cfg,
		logger,
		perf.NewMonitor(logger),
		suite.NewCommandRunner(logger),
		pathutil.NewPathChecker(),
		pathutil.NewPathProvider(),
		fileutil.NewFileManager(),
		nil,
	)

	registry := category.NewRegistry()
	for name, module := range modules {
		require.NoError(t, registry.Register(name, module))
	}

	formatter := report.NewFormatter(cfg, logger, fileutil.NewFileManager())
	return New(cfg, logger, testSuite, registry, formatter, &fakeArtifacts{})
}
