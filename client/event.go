package client

import (
	"encoding/json"
	"fmt"
)

// Event type names emitted by the qbit server. The set is open: the server
// may introduce new types (sub_agent_*, workflow_*, loop_*) and the client
// passes them through untouched.
const (
	EventStarted          = "started"
	EventTextDelta        = "text_delta"
	EventToolCall         = "tool_call"
	EventToolResult       = "tool_result"
	EventToolApproval     = "tool_approval"
	EventToolAutoApproved = "tool_auto_approved"
	EventToolDenied       = "tool_denied"
	EventReasoning        = "reasoning"
	EventCompleted        = "completed"
	EventError            = "error"
	EventCustom           = "custom"
)

// streamEndName is the payload name of the custom event the server emits as a
// workaround for abrupt SSE stream closure. The proper completed/error event
// should already have been received before it.
const streamEndName = "stream_end"

// Event is one decoded frame of the qbit execution stream. Type and Timestamp
// are lifted out of the JSON body; everything else stays in Data. An Event is
// immutable once yielded and the stream keeps no history of it.
type Event struct {
	Type      string
	Timestamp int64
	Data      map[string]any
}

// decodeEvent parses one data: payload. The body's own "event" field wins over
// the event: line type; a missing "timestamp" decodes as 0.
func decodeEvent(lineType string, data []byte) (Event, error) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return Event{}, fmt.Errorf("invalid event payload %q: %w", truncate(string(data), 120), err)
	}

	ev := Event{Type: lineType}
	if t, ok := payload["event"].(string); ok {
		ev.Type = t
	}
	delete(payload, "event")

	if ts, ok := payload["timestamp"].(float64); ok {
		ev.Timestamp = int64(ts)
	}
	delete(payload, "timestamp")

	ev.Data = payload
	return ev, nil
}

// IsTerminal reports whether no further events should be expected after this
// one: completed, error, or the server's stream_end workaround.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventCompleted, EventError:
		return true
	case EventCustom:
		return e.GetString("name") == streamEndName
	}
	return false
}

// Response returns the response field of a completed event, or "" for any
// other event type.
func (e Event) Response() string {
	if e.Type != EventCompleted {
		return ""
	}
	return e.GetString("response")
}

// Get returns an event-specific payload field.
func (e Event) Get(key string) (any, bool) {
	v, ok := e.Data[key]
	return v, ok
}

// GetString returns a payload field as a string, or "" if absent or not a
// string.
func (e Event) GetString(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// GetInt returns a numeric payload field. JSON numbers decode as float64, so
// integral fields (tokens_used, duration_ms) come back through here.
func (e Event) GetInt(key string) (int64, bool) {
	f, ok := e.Data[key].(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
