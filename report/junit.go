package report

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"time"

	"github.com/nixfleet/integration-runner/suite"
)

type junitTestSuite struct {
	XMLName   xml.Name        `xml:"testsuite"`
	Name      string          `xml:"name,attr"`
	Tests     int             `xml:"tests,attr"`
	Failures  int             `xml:"failures,attr"`
	Errors    int             `xml:"errors,attr"`
	Skipped   int             `xml:"skipped,attr"`
	Time      string          `xml:"time,attr"`
	TestCases []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	XMLName   xml.Name      `xml:"testcase"`
	ClassName string        `xml:"classname,attr"`
	Name      string        `xml:"name,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Skipped   *junitSkipped `xml:"skipped,omitempty"`
}

type junitFailure struct {
	XMLName xml.Name `xml:"failure"`
	Message string   `xml:"message,attr"`
	Value   string   `xml:",cdata"`
}

type junitSkipped struct {
	XMLName xml.Name `xml:"skipped"`
}

var junitNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9 ._/()-]`)

// RenderJUnit renders one <testsuite> covering the whole result log. Every
// failure is a test failure, never an execution error, so the errors
// attribute is always literally 0.
func RenderJUnit(report Report) (string, error) {
	testSuite := junitTestSuite{
		Name:     "integration-tests",
		Tests:    report.Total(),
		Failures: report.Failed,
		Errors:   0,
		Skipped:  report.Skipped,
		Time:     formatJUnitSeconds(time.Since(report.StartedAt)),
	}

	for _, result := range report.Results {
		testCase := junitTestCase{
			ClassName: result.Category,
			Name:      sanitizeJUnitName(result.Name),
			Time:      formatJUnitSeconds(result.Duration),
		}

		switch result.Status {
		case suite.StatusSkipped:
			testCase.Skipped = &junitSkipped{}
		case suite.StatusFailed:
			message, stack := "", ""
			if result.Error != nil {
				message = result.Error.Message
				stack = result.Error.Stack
			}
			if stack == "" {
				stack = message
			}
			testCase.Failure = &junitFailure{
				Message: message,
				Value:   stack,
			}
		}

		testSuite.TestCases = append(testSuite.TestCases, testCase)
	}

	content, err := xml.MarshalIndent(testSuite, "", "  ")
	if err != nil {
		return "", err
	}
	return xml.Header + string(content), nil
}

func formatJUnitSeconds(duration time.Duration) string {
	return fmt.Sprintf("%.3f", duration.Seconds())
}

func sanitizeJUnitName(name string) string {
	return junitNameSanitizer.ReplaceAllString(name, "_")
}
