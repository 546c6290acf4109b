package report

import (
	"encoding/json"
	"time"

	"github.com/nixfleet/integration-runner/config"
	"github.com/nixfleet/integration-runner/perf"
	"github.com/nixfleet/integration-runner/suite"
)

type jsonReport struct {
	Summary   jsonSummary    `json:"summary"`
	Tests     []jsonTest     `json:"tests"`
	Config    *config.Config `json:"config"`
	Artifacts []string       `json:"artifacts"`
}

type jsonSummary struct {
	Total       int    `json:"total"`
	Passed      int    `json:"passed"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	DurationMS  int64  `json:"duration"`
	Timestamp   string `json:"timestamp"`
	Environment string `json:"environment"`
}

type jsonTest struct {
	Name        string               `json:"name"`
	Category    string               `json:"category"`
	Status      suite.Status         `json:"status"`
	Attempt     int                  `json:"attempt"`
	StartedAt   string               `json:"startedAt"`
	DurationMS  int64                `json:"durationMs"`
	Error       *suite.TestError     `json:"error,omitempty"`
	Performance *perf.MemorySnapshot `json:"performance,omitempty"`
}

// RenderJSON renders the full run: summary, per-test entries, the resolved
// config and the artifact paths recorded so far.
func RenderJSON(report Report, cfg *config.Config) (string, error) {
	environment := "local"
	if cfg.IsCI {
		environment = "ci"
	}

	out := jsonReport{
		Summary: jsonSummary{
			Total:       report.Total(),
			Passed:      report.Passed,
			Failed:      report.Failed,
			Skipped:     report.Skipped,
			DurationMS:  time.Since(report.StartedAt).Milliseconds(),
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			Environment: environment,
		},
		Config:    cfg,
		Artifacts: report.Artifacts,
	}
	if out.Artifacts == nil {
		out.Artifacts = []string{}
	}

	for _, result := range report.Results {
		out.Tests = append(out.Tests, jsonTest{
			Name:        result.Name,
			Category:    result.Category,
			Status:      result.Status,
			Attempt:     result.Attempt,
			StartedAt:   result.StartedAt.UTC().Format(time.RFC3339Nano),
			DurationMS:  result.Duration.Milliseconds(),
			Error:       result.Error,
			Performance: result.Performance,
		})
	}
	if out.Tests == nil {
		out.Tests = []jsonTest{}
	}

	content, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(content), nil
}
