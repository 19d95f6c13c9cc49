package runner

import (
	"github.com/qbit-ai/qbit-evals/client"
)

// RunResult is the outcome of running a single prompt: the full event
// sequence plus convenience accessors over it.
type RunResult struct {
	Events   []client.Event
	Response string
	Success  bool
	Stderr   string
}

// ResponseFromEvents extracts the final response text from an event sequence:
// the completed event's response field, falling back to the accumulated text
// of the last text_delta if no completed event arrived.
func ResponseFromEvents(events []client.Event) string {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == client.EventCompleted {
			return events[i].GetString("response")
		}
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == client.EventTextDelta {
			return events[i].GetString("accumulated")
		}
	}
	return ""
}

// ToolCalls returns the tool invocation events, both explicitly approved and
// auto-approved ones.
func (r *RunResult) ToolCalls() []client.Event {
	var calls []client.Event
	for _, ev := range r.Events {
		if ev.Type == client.EventToolCall || ev.Type == client.EventToolAutoApproved {
			calls = append(calls, ev)
		}
	}
	return calls
}

// ToolResults returns the tool_result events.
func (r *RunResult) ToolResults() []client.Event {
	var results []client.Event
	for _, ev := range r.Events {
		if ev.Type == client.EventToolResult {
			results = append(results, ev)
		}
	}
	return results
}

// CompletedEvent returns the completed event, or false if none arrived.
func (r *RunResult) CompletedEvent() (client.Event, bool) {
	return r.lastOfType(client.EventCompleted)
}

// ErrorEvent returns the error event, or false if none arrived.
func (r *RunResult) ErrorEvent() (client.Event, bool) {
	return r.lastOfType(client.EventError)
}

func (r *RunResult) lastOfType(eventType string) (client.Event, bool) {
	for i := len(r.Events) - 1; i >= 0; i-- {
		if r.Events[i].Type == eventType {
			return r.Events[i], true
		}
	}
	return client.Event{}, false
}

// TokensUsed returns tokens_used from the completed event.
func (r *RunResult) TokensUsed() (int64, bool) {
	completed, ok := r.CompletedEvent()
	if !ok {
		return 0, false
	}
	return completed.GetInt("tokens_used")
}

// DurationMS returns duration_ms from the completed event.
func (r *RunResult) DurationMS() (int64, bool) {
	completed, ok := r.CompletedEvent()
	if !ok {
		return 0, false
	}
	return completed.GetInt("duration_ms")
}

// HasTool reports whether the named tool was called during the run.
func (r *RunResult) HasTool(toolName string) bool {
	for _, tc := range r.ToolCalls() {
		if tc.GetString("tool_name") == toolName {
			return true
		}
	}
	return false
}

// ToolOutput returns the output of the named tool's first result, or false if
// the tool produced none.
func (r *RunResult) ToolOutput(toolName string) (string, bool) {
	for _, tr := range r.ToolResults() {
		if tr.GetString("tool_name") == toolName {
			return tr.GetString("output"), true
		}
	}
	return "", false
}

// BatchResult is the outcome of running multiple prompts.
type BatchResult struct {
	Responses []string
	Success   bool
	Stdout    string
	Stderr    string
}
