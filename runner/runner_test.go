package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/qbit-ai/qbit-evals/client"
	"github.com/qbit-ai/qbit-evals/internal/qbittest"
)

func setup(t *testing.T, script []string) (*qbittest.Server, *client.Client, string) {
	t.Helper()
	srv := qbittest.New(script)
	t.Cleanup(srv.Close)

	c, err := client.New(srv.URL(), client.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	sessionID, err := c.CreateSession(context.Background())
	require.NoError(t, err)
	return srv, c, sessionID
}

func TestRunCollectsResult(t *testing.T) {
	_, c, sessionID := setup(t, qbittest.CompletedScript())
	r := New(c, sessionID, zaptest.NewLogger(t))

	result, err := r.Run(context.Background(), "What is 2+2?", TimeoutDefault)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "4", result.Response)
	assert.Len(t, result.Events, 3)

	completed, ok := result.CompletedEvent()
	require.True(t, ok)
	assert.Equal(t, client.EventCompleted, completed.Type)

	tokens, ok := result.TokensUsed()
	require.True(t, ok)
	assert.Equal(t, int64(12), tokens)

	duration, ok := result.DurationMS()
	require.True(t, ok)
	assert.Equal(t, int64(2), duration)
}

func TestRunMarksErrorEventUnsuccessful(t *testing.T) {
	script := []string{
		"event: started",
		`data: {"event":"started","timestamp":1}`,
		"event: error",
		`data: {"timestamp":2,"message":"tool exploded"}`,
	}
	_, c, sessionID := setup(t, script)
	r := New(c, sessionID, zaptest.NewLogger(t))

	// An error event is protocol content, not a transport failure.
	result, err := r.Run(context.Background(), "hi", TimeoutDefault)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "tool exploded", result.Stderr)
	errEvent, ok := result.ErrorEvent()
	require.True(t, ok)
	assert.Equal(t, "tool exploded", errEvent.GetString("message"))
}

func TestRunResultToolAccessors(t *testing.T) {
	script := []string{
		"event: started",
		`data: {"event":"started","timestamp":1}`,
		"event: tool_auto_approved",
		`data: {"timestamp":2,"tool_name":"read_file"}`,
		"event: tool_result",
		`data: {"timestamp":3,"tool_name":"read_file","output":"contents"}`,
		"event: completed",
		`data: {"timestamp":4,"response":"done"}`,
	}
	_, c, sessionID := setup(t, script)
	r := New(c, sessionID, zaptest.NewLogger(t))

	result, err := r.Run(context.Background(), "read the file", TimeoutDefault)
	require.NoError(t, err)

	assert.Len(t, result.ToolCalls(), 1)
	assert.Len(t, result.ToolResults(), 1)
	assert.True(t, result.HasTool("read_file"))
	assert.False(t, result.HasTool("write_file"))

	output, ok := result.ToolOutput("read_file")
	require.True(t, ok)
	assert.Equal(t, "contents", output)
}

func TestResponseFromEventsFallsBackToDelta(t *testing.T) {
	events := []client.Event{
		{Type: client.EventStarted, Timestamp: 1},
		{Type: client.EventTextDelta, Timestamp: 2, Data: map[string]any{"delta": "par", "accumulated": "par"}},
		{Type: client.EventTextDelta, Timestamp: 3, Data: map[string]any{"delta": "tial", "accumulated": "partial"}},
	}
	assert.Equal(t, "partial", ResponseFromEvents(events))
	assert.Equal(t, "", ResponseFromEvents(nil))
}

func TestRunBatchSequential(t *testing.T) {
	_, c, sessionID := setup(t, qbittest.CompletedScript())
	r := New(c, sessionID, zaptest.NewLogger(t))

	batch, err := r.RunBatch(context.Background(), []string{"one", "two", "three"}, TimeoutBatch)
	require.NoError(t, err)

	assert.True(t, batch.Success)
	require.Len(t, batch.Responses, 3)
	for _, response := range batch.Responses {
		assert.Equal(t, "4", response)
	}
	assert.Contains(t, batch.Stderr, "[batch] [1/3] Executing:")
	assert.Contains(t, batch.Stderr, "[batch] All 3 prompt(s) completed")
}

func TestRunConcurrentBoundedPool(t *testing.T) {
	srv := qbittest.New(qbittest.CompletedScript())
	t.Cleanup(srv.Close)

	c, err := client.New(srv.URL(), client.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	prompts := []string{"a", "b", "c", "d", "e"}
	results, err := RunConcurrent(context.Background(), c, prompts, 2, 30*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.Len(t, results, len(prompts))
	for i, result := range results {
		require.NotNil(t, result, "result %d missing", i)
		assert.Equal(t, "4", result.Response)
	}
	// Every worker deleted its own session.
	assert.Equal(t, 0, srv.SessionCount())
}
