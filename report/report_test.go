package report

import (
	"encoding/json"
	"encoding/xml"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/nixfleet/integration-runner/config"
	"github.com/nixfleet/integration-runner/suite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_GivenMixedResults_WhenTAPRendered_ThenPlanCoversLogInOrder(t *testing.T) {
	// Given
	report := sampleReport()

	// When
	content := RenderTAP(report)

	// Then
	expected := `TAP version 13
1..5
ok 1 - environment has HOME
ok 2 - configs regenerate cleanly
not ok 3 - no private keys in tree
  ---
  message: found BEGIN RSA PRIVATE KEY in secrets/dev.yaml
  severity: fail
  duration_ms: 150
  category: SECURITY
  ...
ok 4 - sops roundtrip # SKIP
ok 5 - cli prints usage`
	assert.Equal(t, expected, content)
}

func Test_GivenMultilineFailureMessage_WhenTAPRendered_ThenDiagnosticStaysOneLine(t *testing.T) {
	// Given
	report := Report{
		Results: []suite.Result{
			{
				Name:   "broken",
				Status: suite.StatusFailed,
				Error:  &suite.TestError{Message: "line one\r\nline two"},
			},
		},
		Failed: 1,
	}

	// When
	content := RenderTAP(report)

	// Then
	assert.Contains(t, content, "  message: line one  line two\n")
}

func Test_GivenMixedResults_WhenJUnitRendered_ThenSuiteAttributesMatch(t *testing.T) {
	// Given
	report := sampleReport()

	// When
	content, err := RenderJUnit(report)

	// Then
	require.NoError(t, err)
	assert.Contains(t, content, xml.Header)
	assert.Contains(t, content, `tests="5"`)
	assert.Contains(t, content, `failures="1"`)
	assert.Contains(t, content, `errors="0"`)
	assert.Contains(t, content, `skipped="1"`)
	assert.Contains(t, content, `name="integration-tests"`)

	var parsed junitTestSuite
	require.NoError(t, xml.Unmarshal([]byte(content), &parsed))
	require.Len(t, parsed.TestCases, 5)
	assert.Equal(t, "SECURITY", parsed.TestCases[2].ClassName)
	require.NotNil(t, parsed.TestCases[2].Failure)
	assert.Equal(t, "found BEGIN RSA PRIVATE KEY in secrets/dev.yaml", parsed.TestCases[2].Failure.Message)
	assert.NotNil(t, parsed.TestCases[3].Skipped)
	assert.Nil(t, parsed.TestCases[0].Failure)
}

func Test_GivenAwkwardTestName_WhenJUnitRendered_ThenNameSanitized(t *testing.T) {
	// Given
	report := Report{
		Results: []suite.Result{
			{Name: `config "roundtrip" <fast> & loose`, Status: suite.StatusPassed},
		},
		Passed: 1,
	}

	// When
	content, err := RenderJUnit(report)

	// Then
	require.NoError(t, err)

	var parsed junitTestSuite
	require.NoError(t, xml.Unmarshal([]byte(content), &parsed))
	require.Len(t, parsed.TestCases, 1)
	assert.Equal(t, "config _roundtrip_ _fast_ _ loose", parsed.TestCases[0].Name)
}

func Test_GivenMixedResults_WhenJSONRendered_ThenSummaryAndTestsMatch(t *testing.T) {
	// Given
	report := sampleReport()
	cfg := &config.Config{OutputFormat: config.FormatJSON, IsCI: true, MaxParallel: 4}

	// When
	content, err := RenderJSON(report, cfg)

	// Then
	require.NoError(t, err)

	var parsed map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(content), &parsed))

	var summary map[string]interface{}
	require.NoError(t, json.Unmarshal(parsed["summary"], &summary))
	assert.EqualValues(t, 5, summary["total"])
	assert.EqualValues(t, 3, summary["passed"])
	assert.EqualValues(t, 1, summary["failed"])
	assert.EqualValues(t, 1, summary["skipped"])
	assert.Equal(t, "ci", summary["environment"])

	var tests []jsonTest
	require.NoError(t, json.Unmarshal(parsed["tests"], &tests))
	require.Len(t, tests, 5)
	assert.Equal(t, suite.StatusFailed, tests[2].Status)
	assert.Equal(t, 1, tests[2].Attempt)
	require.NotNil(t, tests[2].Error)

	assert.Contains(t, string(parsed["config"]), `"maxParallel": 4`)
}

func Test_GivenEmptyResultLog_WhenJSONRendered_ThenArraysNotNull(t *testing.T) {
	// Given
	report := Report{StartedAt: time.Now()}

	// When
	content, err := RenderJSON(report, &config.Config{})

	// Then
	require.NoError(t, err)
	assert.Contains(t, content, `"tests": []`)
	assert.Contains(t, content, `"artifacts": []`)
}

func Test_GivenConsoleFormat_WhenWritten_ThenNothingRendered(t *testing.T) {
	// Given
	formatter := NewFormatter(&config.Config{OutputFormat: config.FormatConsole}, log.NewLogger(), fileutil.NewFileManager())

	// When
	path, err := formatter.Write(sampleReport())

	// Then
	require.NoError(t, err)
	assert.Empty(t, path)
}

func Test_GivenOutputFile_WhenWritten_ThenExtensionMatchesFormat(t *testing.T) {
	// Given
	dir := t.TempDir()
	cfg := &config.Config{
		OutputFormat: config.FormatJUnit,
		OutputFile:   filepath.Join(dir, "report.txt"),
	}
	formatter := NewFormatter(cfg, log.NewLogger(), fileutil.NewFileManager())

	// When
	path, err := formatter.Write(sampleReport())

	// Then
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report.xml"), path)

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	require.Len(t, entries, 1)
	assert.Equal(t, "report.xml", entries[0].Name())
}

func Test_GivenExtensionlessOutputFile_WhenWritten_ThenExtensionAppended(t *testing.T) {
	// Given
	dir := t.TempDir()
	cfg := &config.Config{
		OutputFormat: config.FormatTAP,
		OutputFile:   filepath.Join(dir, "results"),
	}
	formatter := NewFormatter(cfg, log.NewLogger(), fileutil.NewFileManager())

	// When
	path, err := formatter.Write(sampleReport())

	// Then
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "results.tap"), path)
}

func sampleReport() Report {
	startedAt := time.Date(2026, time.August, 25, 10, 0, 0, 0, time.UTC)
	return Report{
		Results: []suite.Result{
			{Name: "environment has HOME", Category: "ENVIRONMENT", Status: suite.StatusPassed, Attempt: 1, StartedAt: startedAt, Duration: 12 * time.Millisecond},
			{Name: "configs regenerate cleanly", Category: "CONFIG_GENERATION", Status: suite.StatusPassed, Attempt: 1, StartedAt: startedAt, Duration: 80 * time.Millisecond},
			{
				Name:      "no private keys in tree",
				Category:  "SECURITY",
				Status:    suite.StatusFailed,
				Attempt:   1,
				StartedAt: startedAt,
				Duration:  150 * time.Millisecond,
				Error:     &suite.TestError{Message: "found BEGIN RSA PRIVATE KEY in secrets/dev.yaml"},
			},
			{Name: "sops roundtrip", Category: "ENCRYPTION", Status: suite.StatusSkipped, Attempt: 1, StartedAt: startedAt},
			{Name: "cli prints usage", Category: "CLI_SMOKE", Status: suite.StatusPassed, Attempt: 1, StartedAt: startedAt, Duration: 30 * time.Millisecond},
		},
		Passed:    3,
		Failed:    1,
		Skipped:   1,
		StartedAt: startedAt,
	}
}
