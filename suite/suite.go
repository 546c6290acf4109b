package suite

import (
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/nixfleet/integration-runner/config"
	"github.com/nixfleet/integration-runner/perf"
)

// Test statuses ...
const (
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Status ...
type Status string

// TestError captures a failed assertion.
type TestError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Result is one entry of the suite's append-only result log. Retried
// categories append fresh entries for the same test name with a higher
// Attempt, they never replace earlier ones.
type Result struct {
	Name        string
	Category    string
	Status      Status
	Attempt     int
	StartedAt   time.Time
	FinishedAt  time.Time
	Duration    time.Duration
	Error       *TestError
	Performance *perf.MemorySnapshot
}

// DefaultRequiredFiles are the collaborators the test categories shell out
// to; Setup fails fast when any of them is missing from the work tree.
var DefaultRequiredFiles = []string{
	".sops.yaml",
	"flake.nix",
	"scripts/generate-configs.sh",
}

// Scratch files test categories are known to leave behind on a failed run.
var knownScratchFiles = []string{
	"sops-roundtrip.tmp.yaml",
	"generated-config.test.json",
}

// Suite owns suite lifecycle, the test executor and the ordered result log.
// The log and counters are guarded by a mutex: parallel category chunks run
// on real goroutines.
type Suite struct {
	cfg          *config.Config
	logger       log.Logger
	monitor      *perf.Monitor
	cmdRunner    CommandRunner
	pathChecker  pathutil.PathChecker
	pathProvider pathutil.PathProvider
	fileManager  fileutil.FileManager

	requiredFiles []string
	startedAt     time.Time

	mu        sync.Mutex
	results   []Result
	attempts  map[string]int
	passed    int
	failed    int
	skipped   int
	tempDir   string
	setupDone bool
}

// New ...
func New(cfg *config.Config, logger log.Logger, monitor *perf.Monitor, cmdRunner CommandRunner, pathChecker pathutil.PathChecker, pathProvider pathutil.PathProvider, fileManager fileutil.FileManager, requiredFiles []string) *Suite {
	return &Suite{
		cfg:           cfg,
		logger:        logger,
		monitor:       monitor,
		cmdRunner:     cmdRunner,
		pathChecker:   pathChecker,
		pathProvider:  pathProvider,
		fileManager:   fileManager,
		requiredFiles: requiredFiles,
		startedAt:     time.Now(),
		attempts:      map[string]int{},
	}
}

// Setup is idempotent: the first call verifies every required collaborator
// file and creates the scratch dir, later calls are no-ops.
func (s *Suite) Setup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setupDone {
		return nil
	}

	for _, pth := range s.requiredFiles {
		exists, err := s.pathChecker.IsPathExists(pth)
		if err != nil {
			return fmt.Errorf("failed to check required file (%s): %s", pth, err)
		}
		if !exists {
			return fmt.Errorf("required file missing: %s", pth)
		}
	}

	tempDir, err := s.pathProvider.CreateTempDir("integration-tests")
	if err != nil {
		return fmt.Errorf("failed to create scratch dir: %s", err)
	}
	s.tempDir = tempDir

	s.setupDone = true
	return nil
}

// Cleanup removes the scratch dir and the scratch files categories are known
// to leave behind. Failures are logged as warnings, never returned.
func (s *Suite) Cleanup() {
	s.mu.Lock()
	tempDir := s.tempDir
	s.mu.Unlock()

	if tempDir != "" {
		if err := s.fileManager.RemoveAll(tempDir); err != nil {
			s.logger.Warnf("Failed to remove scratch dir (%s): %s", tempDir, err)
		}
	}

	for _, pth := range knownScratchFiles {
		exists, err := s.pathChecker.IsPathExists(pth)
		if err != nil || !exists {
			continue
		}
		if err := s.fileManager.Remove(pth); err != nil {
			s.logger.Warnf("Failed to remove scratch file (%s): %s", pth, err)
		}
	}
}

// TempDir is the scratch dir created by Setup.
func (s *Suite) TempDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tempDir
}

// NoteAttempt records which attempt the next RunTest calls of a category
// belong to, so retried runs are distinguishable in the result log.
func (s *Suite) NoteAttempt(category string, attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[category] = attempt
}

func (s *Suite) attemptOf(category string) int {
	attempt := s.attempts[category]
	if attempt < 1 {
		attempt = 1
	}
	return attempt
}

// Results returns a copy of the result log in append order.
func (s *Suite) Results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]Result, len(s.results))
	copy(results, s.results)
	return results
}

// Counts returns the passed/failed/skipped counters.
func (s *Suite) Counts() (passed, failed, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passed, s.failed, s.skipped
}

// StartedAt ...
func (s *Suite) StartedAt() time.Time {
	return s.startedAt
}

// Monitor ...
func (s *Suite) Monitor() *perf.Monitor {
	return s.monitor
}

// ShowResults prints the aggregate summary and returns the process exit
// code: 0 when nothing failed, 1 otherwise.
func (s *Suite) ShowResults() int {
	passed, failed, skipped := s.Counts()
	total := passed + failed + skipped
	duration := time.Since(s.startedAt)

	s.logger.Println()
	s.infof("Test results")
	s.printf("* total: %d", total)
	s.printf("* passed: %d", passed)
	s.printf("* failed: %d", failed)
	s.printf("* skipped: %d", skipped)
	s.printf("* duration: %s", duration.Round(time.Millisecond))

	if slowest := s.monitor.SlowestMetrics(5); len(slowest) > 0 {
		s.logger.Println()
		s.infof("Slowest tests")
		for _, metric := range slowest {
			s.printf("* %s: %.1fms", metric.Name, metric.DurationMS)
		}

		current := s.monitor.Snapshot()
		delta := s.monitor.Delta()
		s.printf("* heap: %.1fMB (%+.1fMB since suite start)", current.HeapUsedMB, delta.HeapUsedMB)
	}

	if failed > 0 {
		s.logger.Println()
		s.errorf("Failed tests:")
		for _, result := range s.Results() {
			if result.Status != StatusFailed {
				continue
			}
			message := ""
			if result.Error != nil {
				message = result.Error.Message
			}
			s.errorf("* %s: %s", result.Name, message)
		}
		return 1
	}

	s.logger.Println()
	s.donef("All tests passed.")
	return 0
}

// Interactive runs get the colored log lines, CI logs get the plain
// timestamped ones.
func (s *Suite) infof(format string, args ...interface{}) {
	if s.cfg.IsCI {
		s.logger.TInfof(format, args...)
		return
	}
	s.logger.Infof(format, args...)
}

func (s *Suite) printf(format string, args ...interface{}) {
	if s.cfg.IsCI {
		s.logger.TPrintf(format, args...)
		return
	}
	s.logger.Printf(format, args...)
}

func (s *Suite) warnf(format string, args ...interface{}) {
	if s.cfg.IsCI {
		s.logger.TWarnf(format, args...)
		return
	}
	s.logger.Warnf(format, args...)
}

func (s *Suite) errorf(format string, args ...interface{}) {
	if s.cfg.IsCI {
		s.logger.TErrorf(format, args...)
		return
	}
	s.logger.Errorf(format, args...)
}

func (s *Suite) donef(format string, args ...interface{}) {
	if s.cfg.IsCI {
		s.logger.TDonef(format, args...)
		return
	}
	s.logger.Donef(format, args...)
}
