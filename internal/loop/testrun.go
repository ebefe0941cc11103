package loop

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// testOutcome is the parsed result of one test-command run.
type testOutcome struct {
	Passed  bool
	Summary string
	Failing []string
}

var (
	passedRe = regexp.MustCompile(`(\d+) passed`)
	failedRe = regexp.MustCompile(`(\d+) failed`)

	// go test and pytest failure lines.
	goFailRe = regexp.MustCompile(`(?m)^\s*--- FAIL: (\S+)`)
	pyFailRe = regexp.MustCompile(`(?m)^FAILED (\S+)`)
)

// runTests executes the configured test command against the task's test
// files and parses the output for a pass/fail summary.
func runTests(ctx context.Context, command string, testFiles []string, timeout time.Duration, workDir string) testOutcome {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	full := command
	if len(testFiles) > 0 {
		full = command + " " + strings.Join(testFiles, " ")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", full)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()

	if ctx.Err() == context.DeadlineExceeded {
		return testOutcome{Summary: "tests timed out"}
	}

	output := string(out)
	passed, failed, parsed := parseSummary(output)
	failing := extractFailingTests(output)

	switch {
	case parsed:
		return testOutcome{
			Passed:  err == nil && failed == 0,
			Summary: fmt.Sprintf("%d passed, %d failed", passed, failed),
			Failing: failing,
		}
	case err == nil:
		return testOutcome{Passed: true, Summary: "tests passed"}
	default:
		return testOutcome{
			Summary: fmt.Sprintf("tests failed: %s", firstLine(output, err)),
			Failing: failing,
		}
	}
}

func parseSummary(output string) (passed, failed int, ok bool) {
	if m := passedRe.FindStringSubmatch(output); m != nil {
		passed, _ = strconv.Atoi(m[1])
		ok = true
	}
	if m := failedRe.FindStringSubmatch(output); m != nil {
		failed, _ = strconv.Atoi(m[1])
		ok = true
	}
	return passed, failed, ok
}

func extractFailingTests(output string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, re := range []*regexp.Regexp{goFailRe, pyFailRe} {
		for _, m := range re.FindAllStringSubmatch(output, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				names = append(names, m[1])
			}
		}
	}
	return names
}

func firstLine(output string, err error) string {
	for _, line := range strings.Split(output, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return err.Error()
}
