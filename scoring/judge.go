// Package scoring grades agent responses with an LLM judge. Each criterion
// is a plain-language statement about the response; the judge returns a
// strict JSON verdict at temperature zero.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/qbit-ai/qbit-evals/config"
)

// Criteria describes one graded check.
type Criteria struct {
	// Input is the prompt the agent was given.
	Input string
	// Actual is the agent's response.
	Actual string
	// Statement is the claim to evaluate, e.g. "the response names the
	// correct file and explains the fix".
	Statement string
}

// Verdict is the judge's decision.
type Verdict struct {
	Pass   bool    `json:"pass"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// Judge scores responses against criteria using a Gemini model.
type Judge struct {
	client *genai.Client
	model  string
	temp   float32
	logger *zap.Logger
}

// NewJudge builds a judge from evaluation config. The API key is required.
func NewJudge(ctx context.Context, cfg config.Eval, logger *zap.Logger) (*Judge, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("scoring: API key is required (set GEMINI_API_KEY or eval.api_key)")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("scoring: create client: %w", err)
	}
	return &Judge{
		client: gc,
		model:  cfg.Model,
		temp:   float32(cfg.Temperature),
		logger: logger.With(zap.String("component", "judge")),
	}, nil
}

// Score evaluates one criterion. Verdicts below 0.5 fail.
func (j *Judge) Score(ctx context.Context, c Criteria) (Verdict, error) {
	prompt := buildPrompt(c)
	config := &genai.GenerateContentConfig{
		Temperature:      &j.temp,
		ResponseMIMEType: "application/json",
	}
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: prompt}},
	}}

	resp, err := j.client.Models.GenerateContent(ctx, j.model, contents, config)
	if err != nil {
		return Verdict{}, fmt.Errorf("scoring: generate verdict: %w", err)
	}
	verdict, err := parseVerdict(resp.Text())
	if err != nil {
		return Verdict{}, err
	}
	j.logger.Debug("Scored criterion",
		zap.String("statement", c.Statement),
		zap.Float64("score", verdict.Score),
		zap.Bool("pass", verdict.Pass))
	return verdict, nil
}

func buildPrompt(c Criteria) string {
	var b strings.Builder
	b.WriteString("You are grading an AI coding agent's response against a criterion.\n\n")
	fmt.Fprintf(&b, "INPUT PROMPT:\n%s\n\n", c.Input)
	fmt.Fprintf(&b, "AGENT RESPONSE:\n%s\n\n", c.Actual)
	fmt.Fprintf(&b, "CRITERION:\n%s\n\n", c.Statement)
	b.WriteString(`Respond with only a JSON object, no other text:
{"score": <0.0 to 1.0>, "reason": "<one sentence>"}
A score of 1.0 means the criterion is fully satisfied, 0.0 means not at all.`)
	return b.String()
}

// parseVerdict decodes the judge's JSON, tolerating a markdown code fence
// around it. A score of 0.5 or above passes.
func parseVerdict(text string) (Verdict, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var verdict Verdict
	if err := json.Unmarshal([]byte(cleaned), &verdict); err != nil {
		return Verdict{}, fmt.Errorf("scoring: parse verdict %q: %w", truncate(text, 200), err)
	}
	if verdict.Score < 0 || verdict.Score > 1 {
		return Verdict{}, fmt.Errorf("scoring: verdict score %v out of range", verdict.Score)
	}
	verdict.Pass = verdict.Score >= 0.5
	return verdict, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
