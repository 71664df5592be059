// Package harness invokes the project's test suite and reports
// structured results. AutoForge does not implement a test framework;
// this is only the contract for invoking one.
package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrUnavailable indicates the harness itself could not run (missing
// binary, failed to start). Callers treat this as an infrastructure
// condition, not a test failure.
var ErrUnavailable = errors.New("test harness unavailable")

// FailingCheck is one failed test.
type FailingCheck struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Result is the outcome of one harness run.
type Result struct {
	Passed        bool           `json:"passed"`
	FailingChecks []FailingCheck `json:"failing_checks,omitempty"`

	// Output is the raw harness output, kept for debug-stage context.
	Output string `json:"output,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Harness runs the test suite for a workspace.
type Harness interface {
	Run(ctx context.Context, workspacePath string) (*Result, error)
}

// CommandHarness runs a configured test command (for example
// "go test ./...") inside the workspace directory.
type CommandHarness struct {
	command []string
	timeout time.Duration
}

// NewCommandHarness creates a harness around the given command line.
func NewCommandHarness(command []string, timeout time.Duration) (*CommandHarness, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("harness command is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &CommandHarness{command: command, timeout: timeout}, nil
}

// Run implements Harness. A zero exit status is a pass; a nonzero exit
// is a fail with the failing checks parsed from the output. Inability
// to start the command at all surfaces as ErrUnavailable.
func (h *CommandHarness) Run(ctx context.Context, workspacePath string) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, h.command[0], h.command[1:]...)
	cmd.Dir = workspacePath

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err == nil {
		return &Result{Passed: true, Output: out.String(), Duration: duration}, nil
	}

	// A timed-out command is killed and reports an exit error, so the
	// deadline check has to come first.
	if runCtx.Err() != nil {
		return nil, fmt.Errorf("%w: test command timed out after %s", ErrUnavailable, h.timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &Result{
			Passed:        false,
			FailingChecks: parseFailingChecks(out.String()),
			Output:        out.String(),
			Duration:      duration,
		}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// parseFailingChecks extracts failed test names from go-test style
// output. Unrecognized output yields a single catch-all check so the
// debug stage always has something to work with.
func parseFailingChecks(output string) []FailingCheck {
	var checks []FailingCheck
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "--- FAIL:") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "--- FAIL:"))
		name := rest
		if i := strings.IndexByte(rest, ' '); i > 0 {
			name = rest[:i]
		}
		checks = append(checks, FailingCheck{Name: name, Message: trimmed})
	}
	if len(checks) == 0 {
		msg := output
		const max = 400
		if len(msg) > max {
			msg = msg[len(msg)-max:]
		}
		checks = append(checks, FailingCheck{Name: "suite", Message: strings.TrimSpace(msg)})
	}
	return checks
}
