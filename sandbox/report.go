package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/c360studio/conductor/workflow"
)

// ReportFileName is where the harness must write its structured report,
// relative to the bundle's output directory.
const ReportFileName = "report.json"

// Report is the harness's structured account of a run.
type Report struct {
	ExitCode     int                `json:"exit_code"`
	DurationS    float64            `json:"duration_s"`
	Tests        []TestOutcome      `json:"tests"`
	StaticChecks []StaticCheck      `json:"static_checks"`
	Metrics      map[string]float64 `json:"metrics"`
	Artifacts    []string           `json:"artifacts"`
}

// TestOutcome is one test's result inside a report.
type TestOutcome struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // passed | failed | error | skipped
	Message string `json:"message,omitempty"`
	Trace   string `json:"trace,omitempty"`
}

// StaticCheck is a lint, type, or security check result.
type StaticCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// parseReport loads and decodes a report file. The two failure modes are
// distinguished so callers can classify missing-report separately from
// schema-invalid.
func parseReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errMissingReport
		}
		return nil, fmt.Errorf("read report: %w", err)
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("%w: %v", errSchemaInvalid, err)
	}
	return &report, nil
}

var (
	errMissingReport = fmt.Errorf("report file missing")
	errSchemaInvalid = fmt.Errorf("report did not parse")
)

// failuresFromReport converts failing tests and checks into structured
// failures for downstream analysis.
func failuresFromReport(report *Report) []workflow.Failure {
	var failures []workflow.Failure
	for _, test := range report.Tests {
		if test.Status == "failed" || test.Status == "error" {
			failures = append(failures, workflow.Failure{
				Test:    test.Name,
				Message: test.Message,
				Trace:   test.Trace,
			})
		}
	}
	for _, check := range report.StaticChecks {
		if !check.Passed {
			failures = append(failures, workflow.Failure{
				Kind:    "static-check",
				Test:    check.Name,
				Message: check.Message,
			})
		}
	}
	return failures
}

func anyStaticFailed(report *Report) bool {
	for _, check := range report.StaticChecks {
		if !check.Passed {
			return true
		}
	}
	return false
}

func anyTestFailed(report *Report) bool {
	for _, test := range report.Tests {
		if test.Status == "failed" || test.Status == "error" {
			return true
		}
	}
	return false
}

// tracebackLineRe matches interpreter traceback frames so a timeout result
// can point at the last executed line.
var tracebackLineRe = regexp.MustCompile(`File "([^"]+)", line (\d+)`)

// lastExecutedLine extracts the deepest stack frame from captured output.
// Best effort; returns empty when no frame is found.
func lastExecutedLine(output string) string {
	matches := tracebackLineRe.FindAllString(output, -1)
	if len(matches) == 0 {
		return ""
	}
	return strings.TrimSpace(matches[len(matches)-1])
}

// truncate caps a capture for inclusion in results, keeping the tail where
// errors usually live.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
