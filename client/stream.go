package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/cenkalti/backoff.v1"
)

// keepAliveSentinel is a transport no-op the server interleaves between real
// events; it must be skipped without decoding.
const keepAliveSentinel = "keep-alive"

// ExecuteOption configures a single Execute call.
type ExecuteOption func(*executeConfig)

type executeConfig struct {
	timeoutSecs int
}

// WithServerTimeout asks the server to abort the execution after the given
// number of seconds. This is a payload field, not a client-enforced deadline;
// when unset the server applies its own default.
func WithServerTimeout(secs int) ExecuteOption {
	return func(cfg *executeConfig) { cfg.timeoutSecs = secs }
}

// Stream is the lazily-produced, single-pass event sequence of one execute
// call. Read Events until it closes, then check Err. Close abandons the
// stream and releases the underlying connection; it is safe to call at any
// point and more than once.
type Stream struct {
	events chan Event
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Events returns the event channel. It closes after the first terminal event,
// on EOF, or when the stream fails; in the failure case Err reports why.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Err returns the error that ended the stream, if any. It is meaningful only
// after the Events channel has closed. A stream that was closed by the caller
// or ended at EOF without a terminal event reports nil.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close abandons the stream. The network reader stops and the connection is
// released.
func (s *Stream) Close() {
	s.cancel()
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// linearBackOff waits retryDelay * attempt between connection retries and
// stops after maxRetries retries.
type linearBackOff struct {
	interval   time.Duration
	maxRetries int
	attempt    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt > b.maxRetries {
		return backoff.Stop
	}
	return time.Duration(b.attempt) * b.interval
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// Execute runs a prompt in the given session and streams the resulting
// events. Events are yielded one at a time as they are parsed off the wire;
// the client buffers nothing beyond the current line and keeps no history.
//
// Connection-level failures restart the whole request with linear backoff, up
// to the client's retry bound. HTTP status errors and malformed payloads end
// the stream immediately and are never retried. A stream that ends at EOF
// without a terminal event closes normally.
func (c *Client) Execute(ctx context.Context, sessionID, prompt string, opts ...ExecuteOption) *Stream {
	cfg := executeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan Event),
		cancel: cancel,
	}
	go c.runStream(streamCtx, sessionID, prompt, cfg, s)
	return s
}

func (c *Client) runStream(ctx context.Context, sessionID, prompt string, cfg executeConfig, s *Stream) {
	defer s.cancel()
	defer close(s.events)

	logger := c.logger.With(zap.String("sessionID", sessionID))

	body := map[string]any{"prompt": prompt}
	if cfg.timeoutSecs > 0 {
		body["timeout_secs"] = cfg.timeoutSecs
	}
	payload, err := json.Marshal(body)
	if err != nil {
		s.setErr(fmt.Errorf("marshal execute request: %w", err))
		return
	}

	bo := backoff.WithContext(&linearBackOff{
		interval:   c.retryDelay,
		maxRetries: c.maxRetries,
	}, ctx)

	attempt := 0
	for {
		attempt++
		retryable, err := c.streamAttempt(ctx, sessionID, payload, s, logger.With(zap.Int("attempt", attempt)))
		if err == nil {
			return
		}
		if !retryable {
			s.setErr(err)
			return
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			logger.Error("Connection retries exhausted", zap.Error(err), zap.Int("attempts", attempt))
			s.setErr(err)
			return
		}
		logger.Warn("Connection error, retrying", zap.Error(err), zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			// Abandoned mid-backoff; the caller closed the stream.
			return
		}
	}
}

// streamAttempt performs one request/read cycle. A nil error means the stream
// finished (terminal event, EOF, or the caller went away). retryable marks
// connection-level failures; status and decode errors are final.
func (c *Client) streamAttempt(ctx context.Context, sessionID string, payload []byte, s *Stream, logger *zap.Logger) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sessions/"+sessionID+"/execute", bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("create execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return true, fmt.Errorf("execute request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	scanner := bufio.NewScanner(resp.Body)
	// A single data: line can carry an entire tool result.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	eventType := "message"
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			// Frame separator.
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == keepAliveSentinel {
				continue
			}
			ev, err := decodeEvent(eventType, []byte(data))
			if err != nil {
				return false, err
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return false, nil
			}
			if ev.IsTerminal() {
				logger.Debug("Terminal event received", zap.String("type", ev.Type))
				return false, nil
			}
		default:
			// id:, retry:, comments: not part of this protocol, ignored.
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return true, fmt.Errorf("read event stream: %w", err)
	}

	// EOF without a terminal event. The server closed gracefully; treat the
	// sequence as exhausted rather than failed.
	logger.Debug("Stream closed without terminal event")
	return false, nil
}

// ExecuteSimple runs a prompt and returns only the final response text. An
// error event aborts with its message; a stream that ends with neither
// completed nor error is an error here, unlike in Execute.
func (c *Client) ExecuteSimple(ctx context.Context, sessionID, prompt string, opts ...ExecuteOption) (string, error) {
	stream := c.Execute(ctx, sessionID, prompt, opts...)
	defer stream.Close()

	for ev := range stream.Events() {
		switch ev.Type {
		case EventCompleted:
			return ev.GetString("response"), nil
		case EventError:
			return "", fmt.Errorf("execution error: %s", ev.GetString("message"))
		}
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	return "", errors.New("no completion event received")
}
