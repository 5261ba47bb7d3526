// Package failure classifies task failures and derives fix-strategy hints.
// It is shared by the sandbox gateway (report interpretation) and the
// scheduler (branch-task synthesis and routing).
package failure

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/c360studio/conductor/workflow"
)

// Failure classes. These double as branch reasons on synthesized tasks.
const (
	ClassImplementationBug = workflow.BranchImplementationBug
	ClassSpecMismatch      = workflow.BranchSpecMismatch
	ClassTimeout           = workflow.BranchTimeout
	ClassMissingDependency = workflow.BranchMissingDependency
	ClassFlakyTest         = workflow.BranchFlakyTest
	ClassUnknown           = workflow.BranchUnknown
)

var (
	importErrorRe = regexp.MustCompile(`(?m)(ImportError|ModuleNotFoundError|No module named)`)
	assertionRe   = regexp.MustCompile(`(?m)AssertionError`)
	signatureRe   = regexp.MustCompile(`(?m)(takes \d+ positional arguments?|unexpected keyword argument|missing \d+ required positional|got multiple values for argument|signature mismatch)`)
	timeoutRe     = regexp.MustCompile(`(?i)(timed? ?out|deadline exceeded|wall.?clock)`)
	flakyRe       = regexp.MustCompile(`(?i)(flaky|non.?deterministic|intermittent)`)
)

// Classify determines the failure class for a failed task. Structured
// failures from the sandbox report are preferred; stderr heuristics are the
// fallback. An explicit timeout always classifies as timeout.
func Classify(failures []workflow.Failure, stderr string, timedOut bool) string {
	if timedOut {
		return ClassTimeout
	}

	for _, f := range failures {
		switch f.Kind {
		case ClassImplementationBug, ClassSpecMismatch, ClassTimeout,
			ClassMissingDependency, ClassFlakyTest:
			return f.Kind
		}
		if class := classifyText(f.Message + "\n" + f.Trace); class != ClassUnknown {
			return class
		}
	}

	return classifyText(stderr)
}

func classifyText(text string) string {
	if text == "" {
		return ClassUnknown
	}
	switch {
	case importErrorRe.MatchString(text):
		return ClassMissingDependency
	case timeoutRe.MatchString(text):
		return ClassTimeout
	case flakyRe.MatchString(text):
		return ClassFlakyTest
	case assertionRe.MatchString(text):
		// Signature-related assertions point at the interface contract,
		// not the code.
		if signatureRe.MatchString(text) {
			return ClassSpecMismatch
		}
		return ClassImplementationBug
	case signatureRe.MatchString(text):
		return ClassSpecMismatch
	default:
		return ClassUnknown
	}
}

// defaultRouting maps failure classes to the worker role that should drive
// the repair. Timeouts route to the implementer: slow code must be fixed, not
// given a longer leash.
var defaultRouting = map[string]string{
	ClassImplementationBug: workflow.RoleImplement,
	ClassSpecMismatch:      workflow.RoleDesign,
	ClassTimeout:           workflow.RoleImplement,
	ClassMissingDependency: workflow.RoleRepair,
	ClassFlakyTest:         workflow.RoleRepair,
	ClassUnknown:           workflow.RoleRepair,
}

// RouteRole resolves the repair role for a failure class. Task-level
// failure_routing metadata overrides the defaults.
func RouteRole(class string, overrides map[string]string) string {
	if role, ok := overrides[class]; ok && role != "" {
		return role
	}
	if role, ok := defaultRouting[class]; ok {
		return role
	}
	return workflow.RoleRepair
}

// slowPattern pairs a code/trace regex with the hint delivered to the next
// attempt.
type slowPattern struct {
	re     *regexp.Regexp
	reason string
	hint   string
}

var slowPatterns = []slowPattern{
	{
		re:     regexp.MustCompile(`(?m)while\s+True\s*:`),
		reason: "infinite loop",
		hint:   "Bound loops with MAX_ITERATIONS; add break on condition.",
	},
	{
		re:     regexp.MustCompile(`(?m)(\.iterrows\(\)|\.itertuples\(\)|for\s+\w+\s+in\s+range\(len\(.*\)\).*\n.*for\s+\w+\s+in\s+range\(len\()`),
		reason: "large data",
		hint:   "Vectorize; cap dataset size; avoid nested row loops.",
	},
	{
		re:     regexp.MustCompile(`(?m)(requests\.(get|post|put|delete)|urllib\.|socket\.(socket|create_connection)|http\.client)`),
		reason: "blocking I/O",
		hint:   "Sandbox has no network; use injected data source.",
	},
	{
		re:     regexp.MustCompile(`(?m)(subprocess\.(run|call|Popen)|\.recv\(|\.read\()\s*[^)]*\)`),
		reason: "missing timeout",
		hint:   "Pass explicit timeout to all I/O.",
	},
}

// TimeoutHint inspects a failing code excerpt (or trace) for known slow-code
// anti-patterns and returns the matching fix hint. The bool reports whether a
// pattern matched.
func TimeoutHint(excerpt string) (string, bool) {
	for _, p := range slowPatterns {
		if p.re.MatchString(excerpt) {
			return p.hint, true
		}
	}
	return "", false
}

// Summarize renders a structured failure summary for a branch task
// description: failure class, per-test messages, a stack excerpt, and the
// fix-strategy hint when one applies.
func Summarize(class string, failures []workflow.Failure, stderr, excerpt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Failure class: %s\n", class)

	for _, f := range failures {
		if f.Test != "" {
			fmt.Fprintf(&b, "Failing test: %s\n", f.Test)
		}
		if f.Message != "" {
			fmt.Fprintf(&b, "  %s\n", firstLines(f.Message, 3))
		}
		if f.Trace != "" {
			fmt.Fprintf(&b, "Stack excerpt:\n%s\n", firstLines(f.Trace, 8))
		}
	}

	if len(failures) == 0 && stderr != "" {
		fmt.Fprintf(&b, "Stderr excerpt:\n%s\n", lastLines(stderr, 8))
	}

	if class == ClassTimeout {
		if hint, ok := TimeoutHint(excerpt + "\n" + stderr); ok {
			fmt.Fprintf(&b, "Fix strategy: %s\n", hint)
		} else {
			b.WriteString("Fix strategy: Profile the hot path; execution must finish under the task timeout.\n")
		}
	}

	return b.String()
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
