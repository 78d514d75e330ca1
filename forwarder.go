package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	forwardSource = "kontent-webhook"

	// isoTimestamp matches JavaScript's Date.toISOString output.
	isoTimestamp = "2006-01-02T15:04:05.000Z07:00"

	maxDownstreamBody = 1 << 20
)

var errUnexpectedStatus = errors.New("unexpected downstream status")

// httpDoer is the slice of *http.Client the forwarder needs.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// forwardWrapper is the body sent to the campaign API.
type forwardWrapper struct {
	WebhookData json.RawMessage `json:"webhook_data"`
	Timestamp   string          `json:"timestamp"`
	Source      string          `json:"source"`
}

// forwardResult reports the outcome of a single attempt. Err is set
// whenever Success is false.
type forwardResult struct {
	Success    bool
	StatusCode int
	Response   json.RawMessage
	Err        error
}

// forwarder relays payloads to the campaign-send endpoint. One POST per
// call, no retries.
type forwarder struct {
	url     string
	apiKey  string
	timeout time.Duration
	client  httpDoer
	logger  *slog.Logger
	now     func() time.Time
}

func newForwarder(cfg SenderConfig, client httpDoer, logger *slog.Logger) *forwarder {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &forwarder{
		url:     cfg.URL,
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		client:  client,
		logger:  logger,
		now:     time.Now,
	}
}

// forward posts payload wrapped with a timestamp and source tag. Failures
// are reported in the result, never returned or retried.
func (f *forwarder) forward(ctx context.Context, payload json.RawMessage) forwardResult {
	start := time.Now()
	result := f.post(ctx, payload)

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	forwardsTotal.WithLabelValues(outcome).Inc()
	forwardDuration.Observe(time.Since(start).Seconds())

	logger := loggerFrom(ctx, f.logger)
	if result.Success {
		logger.Info("forwarded to sender", "status", result.StatusCode)
	} else {
		attrs := []any{"error", result.Err}
		if result.StatusCode != 0 {
			attrs = append(attrs, "status", result.StatusCode, "response", string(result.Response))
		}
		logger.Error("forward to sender failed", attrs...)
	}
	return result
}

func (f *forwarder) post(ctx context.Context, payload json.RawMessage) forwardResult {
	body, err := json.Marshal(forwardWrapper{
		WebhookData: payload,
		Timestamp:   f.now().UTC().Format(isoTimestamp),
		Source:      forwardSource,
	})
	if err != nil {
		return forwardResult{Err: fmt.Errorf("encoding forward body: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return forwardResult{Err: fmt.Errorf("building forward request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.apiKey)
	if id := requestIDFrom(ctx); id != "" {
		req.Header.Set(requestIDHeader, id)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return forwardResult{Err: fmt.Errorf("posting to sender: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDownstreamBody))
	if err != nil {
		return forwardResult{StatusCode: resp.StatusCode, Err: fmt.Errorf("reading sender response: %w", err)}
	}

	result := forwardResult{StatusCode: resp.StatusCode, Response: asJSON(raw)}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Err = fmt.Errorf("%w: %d", errUnexpectedStatus, resp.StatusCode)
		return result
	}
	result.Success = true
	return result
}

// asJSON keeps valid JSON as-is and quotes anything else.
func asJSON(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(trimmed))
	return quoted
}
