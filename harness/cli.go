package harness

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/qbit-ai/qbit-evals/client"
	"github.com/qbit-ai/qbit-evals/runner"
)

const defaultCLITimeout = 120 * time.Second

// CLIRunner executes the qbit binary in one-shot mode and captures its output.
type CLIRunner struct {
	binaryPath string
	workspace  string
	logger     *zap.Logger
	timeout    time.Duration
}

// CLIResult captures one CLI invocation.
type CLIResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// JSONRunResult is a CLI run parsed from --json output. It carries the same
// accessors as a streaming run plus the process exit code.
type JSONRunResult struct {
	runner.RunResult
	ExitCode int
}

// NewCLIRunner creates a runner for the qbit binary. workspace, when
// non-empty, becomes the process working directory.
func NewCLIRunner(binaryPath, workspace string, logger *zap.Logger) *CLIRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CLIRunner{
		binaryPath: binaryPath,
		workspace:  workspace,
		logger:     logger.With(zap.String("component", "qbit-cli")),
		timeout:    defaultCLITimeout,
	}
}

// Run executes the binary with the given arguments. A non-zero exit is
// reported through ExitCode, not as an error; err is reserved for failures to
// run the process at all (or the timeout elapsing).
func (r *CLIRunner) Run(ctx context.Context, args ...string) (*CLIResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.binaryPath, args...)
	if r.workspace != "" {
		cmd.Dir = r.workspace
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("Running CLI", zap.Strings("args", args))
	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("qbit %s timed out after %s", strings.Join(args, " "), r.timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run qbit %s: %w", strings.Join(args, " "), err)
		}
	}
	return &CLIResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
	}, nil
}

// RunPrompt executes a single prompt in one-shot mode with auto-approval.
func (r *CLIRunner) RunPrompt(ctx context.Context, prompt string) (*CLIResult, error) {
	return r.Run(ctx, "-e", prompt, "--auto-approve")
}

// RunPromptJSON executes a single prompt with --json and parses the JSONL
// event stream from stdout into a run result.
func (r *CLIRunner) RunPromptJSON(ctx context.Context, prompt string) (*JSONRunResult, error) {
	res, err := r.Run(ctx, "-e", prompt, "--auto-approve", "--json")
	if err != nil {
		return nil, err
	}
	events, err := ParseJSONOutput(res.Stdout)
	if err != nil {
		return nil, err
	}
	result := &JSONRunResult{ExitCode: res.ExitCode}
	result.Events = events
	result.Response = runner.ResponseFromEvents(events)
	result.Stderr = res.Stderr
	_, hadError := result.ErrorEvent()
	result.Success = res.ExitCode == 0 && !hadError
	return result, nil
}

// ParseJSONOutput parses JSONL event output, one JSON object per line. Blank
// lines are skipped; a line that is not valid JSON is an error. Unlike the
// SSE path, an object without an "event" field gets type "unknown".
func ParseJSONOutput(stdout string) ([]client.Event, error) {
	var events []client.Event
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			return nil, fmt.Errorf("parse JSON output line %d: %w", lineNo, err)
		}
		ev := client.Event{Type: "unknown", Data: payload}
		if typ, ok := payload["event"].(string); ok {
			ev.Type = typ
			delete(payload, "event")
		}
		if ts, ok := payload["timestamp"].(float64); ok {
			ev.Timestamp = int64(ts)
			delete(payload, "timestamp")
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan JSON output: %w", err)
	}
	return events, nil
}
