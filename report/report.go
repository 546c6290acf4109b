// Package report renders the suite's result log into the machine-readable
// formats CI systems consume: TAP13, JUnit XML and JSON.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/nixfleet/integration-runner/config"
	"github.com/nixfleet/integration-runner/suite"
)

// Report is the formatter input: the full result log plus run metadata.
type Report struct {
	Results   []suite.Result
	Passed    int
	Failed    int
	Skipped   int
	StartedAt time.Time
	Artifacts []string
}

// Total is the result-log length, which after retries may exceed the number
// of distinct test names.
func (r Report) Total() int {
	return len(r.Results)
}

// Formatter ...
type Formatter struct {
	cfg         *config.Config
	logger      log.Logger
	fileManager fileutil.FileManager
}

// NewFormatter ...
func NewFormatter(cfg *config.Config, logger log.Logger, fileManager fileutil.FileManager) Formatter {
	return Formatter{
		cfg:         cfg,
		logger:      logger,
		fileManager: fileManager,
	}
}

// Write renders the report in the configured format and routes it to the
// configured output file, or to stdout when no file is set. The console
// format is a no-op here: the suite's own summary covers it. Returns the
// written file path when a file was written.
func (f Formatter) Write(report Report) (string, error) {
	var content, extension string

	switch f.cfg.OutputFormat {
	case config.FormatConsole:
		return "", nil
	case config.FormatTAP:
		content = RenderTAP(report)
		extension = ".tap"
	case config.FormatJUnit:
		rendered, err := RenderJUnit(report)
		if err != nil {
			return "", fmt.Errorf("failed to render JUnit report: %s", err)
		}
		content = rendered
		extension = ".xml"
	case config.FormatJSON:
		rendered, err := RenderJSON(report, f.cfg)
		if err != nil {
			return "", fmt.Errorf("failed to render JSON report: %s", err)
		}
		content = rendered
		extension = ".json"
	default:
		return "", fmt.Errorf("unknown output format: %s", f.cfg.OutputFormat)
	}

	if f.cfg.OutputFile == "" {
		fmt.Fprintln(os.Stdout, content)
		return "", nil
	}

	outputPath := rewriteExtension(f.cfg.OutputFile, extension)
	if err := f.fileManager.Write(outputPath, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write report (%s): %s", outputPath, err)
	}

	f.logger.Donef("Report written: %s", outputPath)
	return outputPath, nil
}

// The configured output file keeps its name but the extension always
// matches the chosen format.
func rewriteExtension(pth, extension string) string {
	return strings.TrimSuffix(pth, filepath.Ext(pth)) + extension
}

func statusOK(status suite.Status) bool {
	return status != suite.StatusFailed
}
