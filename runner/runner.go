// Package runner collects execution streams into structured results and runs
// prompt batches, sequentially within one session or concurrently across
// independent sessions.
package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qbit-ai/qbit-evals/client"
)

// Default per-prompt deadlines requested of the server.
const (
	TimeoutDefault = 60 * time.Second
	TimeoutBatch   = 180 * time.Second
)

// StreamingRunner executes prompts in one server session and collects the
// resulting events. It is the primary interface for evaluation tests.
type StreamingRunner struct {
	client    *client.Client
	sessionID string
	logger    *zap.Logger
}

// New creates a runner bound to an existing session.
func New(c *client.Client, sessionID string, logger *zap.Logger) *StreamingRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingRunner{
		client:    c,
		sessionID: sessionID,
		logger:    logger.With(zap.String("sessionID", sessionID)),
	}
}

// Run executes one prompt and returns the collected result. An error event in
// the stream marks the result unsuccessful but is not a Go error; transport
// and protocol failures are.
func (r *StreamingRunner) Run(ctx context.Context, prompt string, timeout time.Duration) (*RunResult, error) {
	r.logger.Debug("Running prompt", zap.String("prompt", truncate(prompt, 80)))

	stream := r.client.Execute(ctx, r.sessionID, prompt,
		client.WithServerTimeout(int(timeout.Seconds())))
	defer stream.Close()

	var events []client.Event
	for ev := range stream.Events() {
		events = append(events, ev)
		r.logger.Debug("Event", zap.String("type", ev.Type))
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("execute prompt: %w", err)
	}

	result := &RunResult{
		Events:   events,
		Response: ResponseFromEvents(events),
		Success:  true,
	}
	if errEvent, ok := result.ErrorEvent(); ok {
		result.Success = false
		result.Stderr = errEvent.GetString("message")
	}
	r.logger.Debug("Prompt finished",
		zap.Bool("success", result.Success),
		zap.String("response", truncate(result.Response, 100)))
	return result, nil
}

// RunBatch executes prompts sequentially in the runner's session, preserving
// conversation context between them. Failures of individual prompts are
// recorded in the batch rather than aborting it.
func (r *StreamingRunner) RunBatch(ctx context.Context, prompts []string, timeout time.Duration) (*BatchResult, error) {
	responses := make([]string, 0, len(prompts))
	var stderrLines []string
	success := true

	for i, prompt := range prompts {
		progress := fmt.Sprintf("[batch] [%d/%d] Executing: %s", i+1, len(prompts), truncate(prompt, 50))
		stderrLines = append(stderrLines, progress)
		r.logger.Info("Batch progress", zap.Int("index", i+1), zap.Int("total", len(prompts)))

		result, err := r.Run(ctx, prompt, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			success = false
			responses = append(responses, fmt.Sprintf("Error: %v", err))
			stderrLines = append(stderrLines, fmt.Sprintf("[batch] [%d/%d] Error: %v", i+1, len(prompts), err))
			continue
		}
		responses = append(responses, result.Response)
		if !result.Success {
			success = false
		}
		stderrLines = append(stderrLines, fmt.Sprintf("[batch] [%d/%d] Complete", i+1, len(prompts)))
	}
	stderrLines = append(stderrLines, fmt.Sprintf("[batch] All %d prompt(s) completed", len(prompts)))

	return &BatchResult{
		Responses: responses,
		Success:   success,
		Stdout:    strings.Join(responses, "\n"),
		Stderr:    strings.Join(stderrLines, "\n"),
	}, nil
}

// RunConcurrent executes independent prompts against the same server with a
// bounded worker pool, one fresh session per prompt. Results come back in
// prompt order. The client imposes no cross-call coordination; each call owns
// its connection exclusively.
func RunConcurrent(ctx context.Context, c *client.Client, prompts []string, limit int, timeout time.Duration, logger *zap.Logger) ([]*RunResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = 1
	}

	results := make([]*RunResult, len(prompts))
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, prompt := range prompts {
		g.Go(func() error {
			sessionID, err := c.CreateSession(groupCtx)
			if err != nil {
				return fmt.Errorf("prompt %d: %w", i, err)
			}
			defer func() {
				if _, err := c.DeleteSession(context.WithoutCancel(groupCtx), sessionID); err != nil {
					logger.Warn("Failed to delete session", zap.String("sessionID", sessionID), zap.Error(err))
				}
			}()

			result, err := New(c, sessionID, logger).Run(groupCtx, prompt, timeout)
			if err != nil {
				return fmt.Errorf("prompt %d: %w", i, err)
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
