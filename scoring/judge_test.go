package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPrompt(t *testing.T) {
	prompt := buildPrompt(Criteria{
		Input:     "What is 2+2?",
		Actual:    "4",
		Statement: "the response gives the correct sum",
	})
	assert.Contains(t, prompt, "INPUT PROMPT:\nWhat is 2+2?")
	assert.Contains(t, prompt, "AGENT RESPONSE:\n4")
	assert.Contains(t, prompt, "CRITERION:\nthe response gives the correct sum")
	assert.Contains(t, prompt, `"score"`)
}

func TestParseVerdict(t *testing.T) {
	v, err := parseVerdict(`{"score": 0.9, "reason": "correct and concise"}`)
	require.NoError(t, err)
	assert.True(t, v.Pass)
	assert.Equal(t, 0.9, v.Score)
	assert.Equal(t, "correct and concise", v.Reason)
}

func TestParseVerdictCodeFence(t *testing.T) {
	v, err := parseVerdict("```json\n{\"score\": 0.3, \"reason\": \"missing the fix\"}\n```")
	require.NoError(t, err)
	assert.False(t, v.Pass)
	assert.Equal(t, 0.3, v.Score)
}

func TestParseVerdictBoundary(t *testing.T) {
	v, err := parseVerdict(`{"score": 0.5, "reason": "borderline"}`)
	require.NoError(t, err)
	assert.True(t, v.Pass, "0.5 is a pass")
}

func TestParseVerdictRejectsGarbage(t *testing.T) {
	_, err := parseVerdict("I think it looks fine!")
	require.Error(t, err)

	_, err = parseVerdict(`{"score": 2.0, "reason": "overenthusiastic"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}
