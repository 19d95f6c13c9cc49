package sidecar

import (
	"fmt"
	"strings"
)

// Layer1State is the agent's working-memory snapshot: what it is trying to
// do, what it decided, and what it knows about the files it touched.
type Layer1State struct {
	GoalStack     []Goal                 `json:"goal_stack"`
	Narrative     string                 `json:"narrative"`
	Decisions     []Decision             `json:"decisions"`
	FileContexts  map[string]FileContext `json:"file_contexts"`
	Errors        []StateError           `json:"errors"`
	OpenQuestions []OpenQuestion         `json:"open_questions"`
}

type Goal struct {
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Completed   bool   `json:"completed"`
}

type Decision struct {
	Choice    string `json:"choice"`
	Rationale string `json:"rationale"`
	Category  string `json:"category"`
}

type FileContext struct {
	Summary string `json:"summary"`
}

type StateError struct {
	Message  string `json:"message"`
	Resolved bool   `json:"resolved"`
}

type OpenQuestion struct {
	Question string `json:"question"`
	Priority string `json:"priority"`
}

// InjectableContext renders a concise summary of the state suitable for
// injection into an agent prompt: top goals, narrative, recent decisions,
// file understanding, and open issues, truncated to maxLen.
func (s *Layer1State) InjectableContext(maxLen int) string {
	if s == nil {
		return ""
	}
	var parts []string

	if len(s.GoalStack) > 0 {
		var lines []string
		for _, g := range clip(s.GoalStack, 3) {
			status := "○"
			if g.Completed {
				status = "✓"
			}
			lines = append(lines, fmt.Sprintf("  %s [%s] %s", status, g.Priority, head(g.Description, 100)))
		}
		parts = append(parts, "GOALS:\n"+strings.Join(lines, "\n"))
	}

	if s.Narrative != "" {
		parts = append(parts, "NARRATIVE:\n  "+head(s.Narrative, 300))
	}

	if len(s.Decisions) > 0 {
		var lines []string
		for _, d := range clip(s.Decisions, 2) {
			lines = append(lines, "  - "+head(d.Choice, 80))
			if d.Rationale != "" {
				lines = append(lines, "    Reason: "+head(d.Rationale, 50))
			}
		}
		parts = append(parts, "RECENT DECISIONS:\n"+strings.Join(lines, "\n"))
	}

	if len(s.FileContexts) > 0 {
		var lines []string
		for path, ctx := range s.FileContexts {
			lines = append(lines, fmt.Sprintf("  - %s: %s", path, head(ctx.Summary, 60)))
			if len(lines) == 5 {
				break
			}
		}
		parts = append(parts, "FILE CONTEXT:\n"+strings.Join(lines, "\n"))
	}

	if len(s.Errors) > 0 {
		var lines []string
		for _, e := range clip(s.Errors, 2) {
			tag := "[OPEN]"
			if e.Resolved {
				tag = "[RESOLVED]"
			}
			lines = append(lines, fmt.Sprintf("  - %s %s", tag, head(e.Message, 60)))
		}
		parts = append(parts, "ERRORS:\n"+strings.Join(lines, "\n"))
	}

	if len(s.OpenQuestions) > 0 {
		var lines []string
		for _, q := range clip(s.OpenQuestions, 2) {
			priority := q.Priority
			if priority == "" {
				priority = "unknown"
			}
			lines = append(lines, fmt.Sprintf("  - [%s] %s", priority, head(q.Question, 60)))
		}
		parts = append(parts, "OPEN QUESTIONS:\n"+strings.Join(lines, "\n"))
	}

	context := strings.Join(parts, "\n\n")
	if len(context) > maxLen {
		context = context[:maxLen-3] + "..."
	}
	return context
}

func clip[T any](items []T, n int) []T {
	if len(items) > n {
		return items[:n]
	}
	return items
}

func head(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
