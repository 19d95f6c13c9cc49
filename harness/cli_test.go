package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/qbit-ai/qbit-evals/client"
)

func TestParseJSONOutput(t *testing.T) {
	stdout := `{"event":"started","timestamp":1000,"turn_id":"t1"}
{"event":"text_delta","timestamp":1001,"delta":"4","accumulated":"4"}

{"event":"completed","timestamp":1002,"response":"4","tokens_used":12}
`
	events, err := ParseJSONOutput(stdout)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, client.EventStarted, events[0].Type)
	assert.Equal(t, int64(1000), events[0].Timestamp)
	assert.Equal(t, "t1", events[0].GetString("turn_id"))
	assert.NotContains(t, events[0].Data, "event")
	assert.NotContains(t, events[0].Data, "timestamp")

	assert.Equal(t, "4", events[2].GetString("response"))
}

func TestParseJSONOutputDefaultsToUnknown(t *testing.T) {
	events, err := ParseJSONOutput(`{"delta":"x"}`)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "unknown", events[0].Type)
	assert.Equal(t, int64(0), events[0].Timestamp)
}

func TestParseJSONOutputRejectsGarbage(t *testing.T) {
	_, err := ParseJSONOutput("{\"event\":\"started\"}\nnot json\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestParseJSONOutputEmpty(t *testing.T) {
	events, err := ParseJSONOutput("")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCLIRunnerEcho(t *testing.T) {
	// Any executable works for exercising capture plumbing.
	r := NewCLIRunner("/bin/echo", "", zaptest.NewLogger(t))
	res, err := r.Run(context.Background(), "hello", "world")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello world\n", res.Stdout)
	assert.Empty(t, res.Stderr)
}

func TestCLIRunnerNonZeroExit(t *testing.T) {
	r := NewCLIRunner("/bin/sh", "", zaptest.NewLogger(t))
	res, err := r.Run(context.Background(), "-c", "echo oops >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestCLIRunnerMissingBinary(t *testing.T) {
	r := NewCLIRunner("/nonexistent/qbit", "", zaptest.NewLogger(t))
	_, err := r.Run(context.Background(), "-e", "hi")
	require.Error(t, err)
}
