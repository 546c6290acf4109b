package report

import (
	"fmt"
	"strings"

	"github.com/nixfleet/integration-runner/suite"
)

// RenderTAP renders the result log as TAP version 13. The plan covers the
// whole log, one line per entry in append order, 1-based numbering.
func RenderTAP(report Report) string {
	var b strings.Builder

	b.WriteString("TAP version 13\n")
	fmt.Fprintf(&b, "1..%d\n", report.Total())

	for i, result := range report.Results {
		number := i + 1

		switch {
		case result.Status == suite.StatusSkipped:
			fmt.Fprintf(&b, "ok %d - %s # SKIP\n", number, result.Name)
		case statusOK(result.Status):
			fmt.Fprintf(&b, "ok %d - %s\n", number, result.Name)
		default:
			fmt.Fprintf(&b, "not ok %d - %s\n", number, result.Name)
			b.WriteString("  ---\n")
			message := ""
			if result.Error != nil {
				message = result.Error.Message
			}
			fmt.Fprintf(&b, "  message: %s\n", escapeTAPValue(message))
			b.WriteString("  severity: fail\n")
			fmt.Fprintf(&b, "  duration_ms: %d\n", result.Duration.Milliseconds())
			fmt.Fprintf(&b, "  category: %s\n", result.Category)
			b.WriteString("  ...\n")
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Diagnostic values live in a YAML-ish block; newlines would break the
// line-oriented parsers consuming it.
func escapeTAPValue(value string) string {
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.ReplaceAll(value, "\n", " ")
	return value
}
