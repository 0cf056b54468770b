// Package verify runs phase validation commands and compares results against
// the pre-patch baseline so pre-existing failures are not charged to the
// current patch.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"overseer/pkg/logx"
)

// maxOutputBytes bounds the captured tail fed back into prompts.
const maxOutputBytes = 64 * 1024

// Outcome is one verification run.
type Outcome struct {
	Passed   bool
	ExitCode int
	Output   string
	// Failures are stable failing-check identifiers parsed from the output.
	Failures []string
	Duration time.Duration
}

// Delta compares a run against the baseline taken before the patch.
type Delta struct {
	// New failures appeared after the patch; these fail the gate.
	New []string
	// Fixed failures existed in the baseline and are gone now.
	Fixed []string
	// Preexisting failures were already broken before the patch.
	Preexisting []string
	// Flaky failures appeared once and passed on the retry; warnings only.
	Flaky []string
}

// Clean reports whether the patch introduced no new failures.
func (d Delta) Clean() bool {
	return len(d.New) == 0
}

// Runner executes validation commands inside the workspace.
type Runner struct {
	root    string
	timeout time.Duration
	logger  *logx.Logger
}

// NewRunner creates a runner rooted at the workspace with a per-command timeout.
func NewRunner(root string, timeout time.Duration) *Runner {
	return &Runner{root: root, timeout: timeout, logger: logx.NewLogger("verify")}
}

// Run executes a shell command and parses its failures. A non-zero exit is a
// result, not an error; errors mean the command could not be run at all.
func (r *Runner) Run(ctx context.Context, command string) (*Outcome, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("validation command is empty")
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	outcome := &Outcome{
		Output:   tail(buf.Bytes()),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("validation command timed out after %s", r.timeout)
	}
	if err == nil {
		outcome.Passed = true
		return outcome, nil
	}

	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); !ok {
		return nil, fmt.Errorf("failed to run validation command: %w", err)
	}
	outcome.ExitCode = exitErr.ExitCode()
	outcome.Failures = ParseFailures(outcome.Output)
	r.logger.Info("validation failed (exit %d, %d parsed failures)", outcome.ExitCode, len(outcome.Failures))
	return outcome, nil
}

// Compare diffs a post-patch outcome against the pre-patch baseline.
func Compare(baseline, current *Outcome) Delta {
	base := make(map[string]bool, len(baseline.Failures))
	for _, f := range baseline.Failures {
		base[f] = true
	}
	cur := make(map[string]bool, len(current.Failures))
	for _, f := range current.Failures {
		cur[f] = true
	}

	var delta Delta
	for _, f := range current.Failures {
		if base[f] {
			delta.Preexisting = append(delta.Preexisting, f)
		} else {
			delta.New = append(delta.New, f)
		}
	}
	for _, f := range baseline.Failures {
		if !cur[f] {
			delta.Fixed = append(delta.Fixed, f)
		}
	}

	// A failed run with nothing parseable still counts as one new failure,
	// otherwise unparseable output would pass the gate.
	if !current.Passed && len(current.Failures) == 0 && len(delta.New) == 0 {
		delta.New = append(delta.New, fmt.Sprintf("exit-code-%d", current.ExitCode))
		if !baseline.Passed && len(baseline.Failures) == 0 {
			delta.New = nil
			delta.Preexisting = append(delta.Preexisting, fmt.Sprintf("exit-code-%d", current.ExitCode))
		}
	}

	sort.Strings(delta.New)
	sort.Strings(delta.Fixed)
	sort.Strings(delta.Preexisting)
	return delta
}

// Reconcile folds a retry run into the first delta. New failures that passed
// on the retry move to Flaky; only failures present in both runs stay New.
func Reconcile(first, retry Delta) Delta {
	still := make(map[string]bool, len(retry.New))
	for _, f := range retry.New {
		still[f] = true
	}

	out := retry
	for _, f := range first.New {
		if !still[f] {
			out.Flaky = append(out.Flaky, f)
		}
	}
	sort.Strings(out.Flaky)
	return out
}

var failurePatterns = []*regexp.Regexp{ //nolint:gochecknoglobals
	regexp.MustCompile(`(?m)^--- FAIL: (\S+)`),          // go test
	regexp.MustCompile(`(?m)^FAIL\s+(\S+)\s`),           // go test package summary
	regexp.MustCompile(`(?m)^FAILED (\S+)`),             // pytest-style summaries
	regexp.MustCompile(`(?m)^(\S+\.go:\d+:\d+): `),      // compiler errors
	regexp.MustCompile(`(?m)^\s*✕ (.+)$`),               // jest
}

// ParseFailures extracts stable failure identifiers from test runner output.
func ParseFailures(output string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, re := range failurePatterns {
		for _, m := range re.FindAllStringSubmatch(output, -1) {
			id := strings.TrimSpace(m[1])
			if id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

func tail(b []byte) string {
	if len(b) <= maxOutputBytes {
		return string(b)
	}
	return string(b[len(b)-maxOutputBytes:])
}

func asExitError(err error, target **exec.ExitError) bool {
	e, ok := err.(*exec.ExitError) //nolint:errorlint // exec.Run returns it directly
	if ok {
		*target = e
	}
	return ok
}
