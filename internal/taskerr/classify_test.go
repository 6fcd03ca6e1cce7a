package taskerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyTypedErrors(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		wantType  string
		retryable bool
	}{
		{"cancellation", &CancellationError{Reason: "user requested"}, TypeCancelled, false},
		{"timeout", &TimeoutError{Limit: time.Minute, Elapsed: 2 * time.Minute}, TypeCancelled, false},
		{"context cancel", context.Canceled, TypeCancelled, false},
		{"validation", &ValidationError{Msg: "task text required"}, TypeValidation, false},
		{"repository", &RepositoryError{Op: "clone", Msg: "exit 128"}, TypeRepository, false},
		{"api retryable", &APIError{Status: 429, Msg: "rate limited", Retryable: true}, TypeModelRequest, true},
		{"api terminal", &APIError{Status: 401, Msg: "bad key"}, TypeModelRequest, false},
		{"response", &ResponseError{Msg: "empty completion"}, TypeModelResponse, false},
		{"policy", &PolicyError{Command: "sudo rm", Msg: "blocked"}, TypeCommandPolicy, false},
		{"command", &CommandError{Command: "make", ExitCode: 2, Failures: 3}, TypeCommandExecution, false},
		{"loop", &LoopError{Msg: "step budget exhausted"}, TypeAgentLoop, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			if got.Type != tc.wantType {
				t.Errorf("type = %q, want %q", got.Type, tc.wantType)
			}
			if got.Retryable != tc.retryable {
				t.Errorf("retryable = %v, want %v", got.Retryable, tc.retryable)
			}
			if got.Message == "" {
				t.Error("message empty")
			}
		})
	}
}

func TestClassifyWrappedError(t *testing.T) {
	err := fmt.Errorf("agent step: %w", &APIError{Status: 503, Msg: "upstream", Retryable: true})
	got := Classify(err)
	if got.Type != TypeModelRequest || !got.Retryable {
		t.Errorf("wrapped APIError classified as %+v", got)
	}
}

func TestClassifyHeuristics(t *testing.T) {
	cases := []struct {
		err      string
		wantType string
	}{
		{"git clone failed: exit 128", TypeRepository},
		{"chat completion returned status 500", TypeModelRequest},
		{"could not parse decision payload", TypeModelResponse},
		{"command exited nonzero", TypeCommandExecution},
		{"operation cancelled by peer", TypeCancelled},
		{"something odd happened", TypeUnknown},
	}
	for _, tc := range cases {
		got := Classify(errors.New(tc.err))
		if got.Type != tc.wantType {
			t.Errorf("Classify(%q).Type = %q, want %q", tc.err, got.Type, tc.wantType)
		}
	}
}
