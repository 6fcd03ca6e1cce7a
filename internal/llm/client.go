// Package llm is a minimal OpenAI-compatible chat-completion client with
// bounded retry. The agent loop issues exactly one in-flight request at a
// time; retries are local to a call and never overlap the next step.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/polychat/sandbox-worker/internal/otel"
	"github.com/polychat/sandbox-worker/internal/taskerr"
)

// Message is one entry in the chat transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one chat-completion call.
type Request struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// Client calls an OpenAI-compatible chat-completions endpoint.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Retry      RetryOptions
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 120 * time.Second}
}

// ChatCompletion performs one completion with retry on transient failures
// and returns the assistant text. Exhausted retries re-return the last error.
func (c *Client) ChatCompletion(ctx context.Context, req Request) (string, error) {
	retry := c.Retry.normalized()
	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		start := time.Now()
		text, err := c.completeOnce(ctx, req)
		otel.RecordModelRequest(ctx, attempt, err == nil, time.Since(start))
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == retry.MaxAttempts {
			break
		}
		if err := sleep(ctx, retry.delay(attempt)); err != nil {
			return "", &taskerr.CancellationError{Reason: err.Error()}
		}
	}
	return "", lastErr
}

func (c *Client) completeOnce(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	url := strings.TrimSuffix(c.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.client().Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", &taskerr.CancellationError{Reason: ctx.Err().Error()}
		}
		return "", &taskerr.APIError{Msg: err.Error(), Retryable: isNetworkTransient(err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &taskerr.APIError{
			Status:    resp.StatusCode,
			Msg:       strings.TrimSpace(string(sample)),
			Retryable: retryableStatus(resp.StatusCode),
		}
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", &taskerr.ResponseError{Msg: "malformed completion body", Excerpt: err.Error()}
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return "", &taskerr.ResponseError{Msg: "empty completion"}
	}
	return decoded.Choices[0].Message.Content, nil
}

// retryableStatus reports whether an HTTP status is worth retrying:
// 408/409/425/429 and all 5xx.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

func isNetworkTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}

func isRetryable(err error) bool {
	var api *taskerr.APIError
	if errors.As(err, &api) {
		return api.Retryable
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
