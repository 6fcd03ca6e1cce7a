package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polychat/sandbox-worker/internal/taskerr"
)

func completionBody(content string) string {
	return `{"choices":[{"message":{"content":` + jsonString(content) + `}}]}`
}

func jsonString(s string) string {
	return `"` + s + `"`
}

func fastRetry() RetryOptions {
	return RetryOptions{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("auth = %q", got)
		}
		_, _ = w.Write([]byte(completionBody("hello")))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, APIKey: "key", Retry: fastRetry()}
	text, err := c.ChatCompletion(context.Background(), Request{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatal(err)
	}
	if text != "hello" {
		t.Errorf("text = %q", text)
	}
}

func TestChatCompletionRetriesOn429(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(completionBody("ok")))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Retry: fastRetry()}
	text, err := c.ChatCompletion(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if text != "ok" || atomic.LoadInt32(&calls) != 3 {
		t.Errorf("text = %q, calls = %d", text, calls)
	}
}

func TestChatCompletionDoesNotRetry4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Retry: fastRetry()}
	_, err := c.ChatCompletion(context.Background(), Request{Model: "m"})
	var api *taskerr.APIError
	if !errors.As(err, &api) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if api.Retryable || api.Status != http.StatusUnauthorized {
		t.Errorf("api = %+v", api)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestChatCompletionExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Retry: fastRetry()}
	_, err := c.ChatCompletion(context.Background(), Request{Model: "m"})
	var api *taskerr.APIError
	if !errors.As(err, &api) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if !api.Retryable {
		t.Error("last error should keep its retryable flag")
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestChatCompletionEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Retry: fastRetry()}
	_, err := c.ChatCompletion(context.Background(), Request{Model: "m"})
	var response *taskerr.ResponseError
	if !errors.As(err, &response) {
		t.Fatalf("expected ResponseError, got %v", err)
	}
}

func TestRetryOptionsNormalized(t *testing.T) {
	r := RetryOptions{}.normalized()
	if r.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d", r.MaxAttempts)
	}
	r = RetryOptions{MaxAttempts: 99}.normalized()
	if r.MaxAttempts != MaxAttemptsCap {
		t.Errorf("MaxAttempts = %d, want cap %d", r.MaxAttempts, MaxAttemptsCap)
	}
}

func TestRetryDelayCapped(t *testing.T) {
	r := RetryOptions{BaseDelay: time.Second, MaxDelay: 2 * time.Second, MaxAttempts: 5}.normalized()
	for attempt := 1; attempt <= 5; attempt++ {
		d := r.delay(attempt)
		if d < time.Millisecond || d > 3*time.Second {
			t.Errorf("delay(%d) = %s out of range", attempt, d)
		}
	}
}
