// Package artifact writes the auxiliary report files CI systems pick up
// after a run. Every writer is best-effort and independent: a failed write
// is logged and skipped, it never fails the run.
package artifact

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-steputils/v2/export"
	v1command "github.com/bitrise-io/go-utils/command"
	v1pathutil "github.com/bitrise-io/go-utils/pathutil"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/hashicorp/go-version"
	"github.com/nixfleet/integration-runner/config"
	"github.com/nixfleet/integration-runner/perf"
	"github.com/nixfleet/integration-runner/suite"
	"github.com/shirou/gopsutil/v4/host"
)

// Artifact file names ...
const (
	PerformanceReportName   = "performance-report.json"
	ErrorReportName         = "error-report.json"
	EnvironmentSnapshotName = "environment-snapshot.json"
	FatalErrorName          = "fatal-error.json"
)

// Output keys exported for downstream CI steps.
const (
	reportPathOutputKey   = "INTEGRATION_TEST_REPORT_PATH"
	artifactsDirOutputKey = "INTEGRATION_TEST_ARTIFACTS_DIR"
)

var coverageCandidates = []string{
	"coverage.out",
	"coverage.html",
	"coverage/coverage.out",
	"lcov.info",
}

var envVarPrefixes = []string{"TEST_", "CI", "GITHUB_"}

// Generator ...
type Generator struct {
	cfg         *config.Config
	logger      log.Logger
	fileManager fileutil.FileManager
	pathChecker pathutil.PathChecker
	exporter    export.Exporter
	envRepo     env.Repository

	mu    sync.Mutex
	paths []string
}

// NewGenerator ...
func NewGenerator(cfg *config.Config, logger log.Logger, fileManager fileutil.FileManager, pathChecker pathutil.PathChecker, exporter export.Exporter, envRepo env.Repository) *Generator {
	return &Generator{
		cfg:         cfg,
		logger:      logger,
		fileManager: fileManager,
		pathChecker: pathChecker,
		exporter:    exporter,
		envRepo:     envRepo,
	}
}

// Paths returns the artifacts written so far.
func (g *Generator) Paths() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	paths := make([]string, len(g.paths))
	copy(paths, g.paths)
	return paths
}

// Generate writes every applicable artifact under the artifacts dir and
// exports the locations for downstream steps.
func (g *Generator) Generate(results []suite.Result, monitor *perf.Monitor, reportPath string) {
	if !g.cfg.GenerateArtifacts {
		return
	}
	if err := v1pathutil.EnsureDirExist(g.cfg.ArtifactsDir); err != nil {
		g.logger.Warnf("Failed to create artifacts dir (%s): %s", g.cfg.ArtifactsDir, err)
		return
	}

	g.writePerformanceReport(results, monitor)
	g.writeErrorReport(results)
	g.writeEnvironmentSnapshot(monitor)
	g.collectCoverageFiles()

	g.exportOutput(artifactsDirOutputKey, g.cfg.ArtifactsDir)
	if reportPath != "" {
		g.exportOutput(reportPathOutputKey, reportPath)
	}
}

type performanceEntry struct {
	Name       string               `json:"name"`
	Category   string               `json:"category"`
	DurationMS int64                `json:"durationMs"`
	Memory     *perf.MemorySnapshot `json:"memory,omitempty"`
}

type performanceReport struct {
	GeneratedAt string             `json:"generatedAt"`
	Tests       []performanceEntry `json:"tests"`
	Slowest     *performanceEntry  `json:"slowest,omitempty"`
	MemoryDelta perf.MemorySnapshot `json:"memoryDelta"`
}

// The performance report is only written when at least one result carries a
// performance snapshot.
func (g *Generator) writePerformanceReport(results []suite.Result, monitor *perf.Monitor) {
	report := performanceReport{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		MemoryDelta: monitor.Delta(),
	}

	var slowest *performanceEntry
	for _, result := range results {
		if result.Performance == nil {
			continue
		}
		entry := performanceEntry{
			Name:       result.Name,
			Category:   result.Category,
			DurationMS: result.Duration.Milliseconds(),
			Memory:     result.Performance,
		}
		report.Tests = append(report.Tests, entry)
		if slowest == nil || entry.DurationMS > slowest.DurationMS {
			copied := entry
			slowest = &copied
		}
	}

	if len(report.Tests) == 0 {
		return
	}
	report.Slowest = slowest

	g.writeJSON(PerformanceReportName, report)
}

type errorEntry struct {
	Name     string           `json:"name"`
	Category string           `json:"category"`
	Attempt  int              `json:"attempt"`
	Error    *suite.TestError `json:"error"`
}

// The error report is only written when failures exist.
func (g *Generator) writeErrorReport(results []suite.Result) {
	var entries []errorEntry
	for _, result := range results {
		if result.Status != suite.StatusFailed {
			continue
		}
		entries = append(entries, errorEntry{
			Name:     result.Name,
			Category: result.Category,
			Attempt:  result.Attempt,
			Error:    result.Error,
		})
	}
	if len(entries) == 0 {
		return
	}

	g.writeJSON(ErrorReportName, map[string]interface{}{
		"generatedAt": time.Now().UTC().Format(time.RFC3339),
		"failures":    entries,
	})
}

type environmentSnapshot struct {
	Platform      string              `json:"platform"`
	Architecture  string              `json:"architecture"`
	GoVersion     string              `json:"goVersion"`
	Hostname      string              `json:"hostname,omitempty"`
	UptimeSeconds uint64              `json:"uptimeSeconds"`
	Memory        perf.MemorySnapshot `json:"memory"`
	EnvVars       map[string]string   `json:"envVars"`
	Module        moduleMetadata      `json:"module"`
	Config        *config.Config      `json:"config"`
}

type moduleMetadata struct {
	Path    string `json:"path"`
	Version string `json:"version,omitempty"`
}

// The environment snapshot is always written.
func (g *Generator) writeEnvironmentSnapshot(monitor *perf.Monitor) {
	snapshot := environmentSnapshot{
		Platform:     runtime.GOOS,
		Architecture: runtime.GOARCH,
		GoVersion:    runtime.Version(),
		Memory:       monitor.Snapshot(),
		EnvVars:      g.filteredEnvVars(),
		Module:       resolveModuleMetadata(),
		Config:       g.cfg,
	}

	if hostInfo, err := host.Info(); err != nil {
		g.logger.Debugf("Failed to read host info: %s", err)
	} else {
		snapshot.Platform = fmt.Sprintf("%s (%s)", hostInfo.Platform, runtime.GOOS)
		snapshot.Hostname = hostInfo.Hostname
		snapshot.UptimeSeconds = hostInfo.Uptime
	}

	g.writeJSON(EnvironmentSnapshotName, snapshot)
}

func (g *Generator) filteredEnvVars() map[string]string {
	envVars := map[string]string{}
	for _, pair := range g.envRepo.List() {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		for _, prefix := range envVarPrefixes {
			if strings.HasPrefix(key, prefix) {
				envVars[key] = value
				break
			}
		}
	}
	return envVars
}

func resolveModuleMetadata() moduleMetadata {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return moduleMetadata{}
	}

	metadata := moduleMetadata{Path: buildInfo.Main.Path}
	if parsed, err := version.NewVersion(strings.TrimPrefix(buildInfo.Main.Version, "v")); err == nil {
		metadata.Version = parsed.String()
	}
	return metadata
}

// Pre-existing coverage files are copied next to the generated artifacts.
func (g *Generator) collectCoverageFiles() {
	for _, candidate := range coverageCandidates {
		exists, err := g.pathChecker.IsPathExists(candidate)
		if err != nil || !exists {
			continue
		}

		target := filepath.Join(g.cfg.ArtifactsDir, filepath.Base(candidate))
		if err := v1command.CopyFile(candidate, target); err != nil {
			g.logger.Warnf("Failed to copy coverage file (%s): %s", candidate, err)
			continue
		}
		g.record(target)
	}
}

// WriteFatalError persists the top-level crash report. Its own write failure
// is swallowed: fatal-artifact generation must never mask the original error.
func (g *Generator) WriteFatalError(phase string, fatalErr error) {
	if !g.cfg.GenerateArtifacts {
		return
	}
	if err := v1pathutil.EnsureDirExist(g.cfg.ArtifactsDir); err != nil {
		g.logger.Warnf("Failed to create artifacts dir (%s): %s", g.cfg.ArtifactsDir, err)
		return
	}

	g.writeJSON(FatalErrorName, map[string]interface{}{
		"generatedAt": time.Now().UTC().Format(time.RFC3339),
		"phase":       phase,
		"error":       fatalErr.Error(),
	})
}

func (g *Generator) writeJSON(name string, payload interface{}) {
	content, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		g.logger.Warnf("Failed to render artifact (%s): %s", name, err)
		return
	}

	pth := filepath.Join(g.cfg.ArtifactsDir, name)
	if err := g.fileManager.Write(pth, string(content), 0644); err != nil {
		g.logger.Warnf("Failed to write artifact (%s): %s", pth, err)
		return
	}
	g.record(pth)
}

func (g *Generator) record(pth string) {
	g.mu.Lock()
	g.paths = append(g.paths, pth)
	g.mu.Unlock()

	g.logger.Debugf("Artifact written: %s", pth)
}

func (g *Generator) exportOutput(key, value string) {
	if err := g.exporter.ExportOutput(key, value); err != nil {
		g.logger.Debugf("Failed to export %s: %s", key, err)
	}
}
