// Package taskerr defines the typed errors raised by the worker's components
// and the single classifier that translates any failure into the external
// result/event contract.
package taskerr

import (
	"fmt"
	"time"
)

// Error types reported in TaskResult.ErrorType and terminal events.
const (
	TypeCancelled        = "cancelled"
	TypeValidation       = "validation_error"
	TypeRepository       = "repository_error"
	TypeModelRequest     = "model_request_error"
	TypeModelResponse    = "model_response_error"
	TypeCommandPolicy    = "command_policy_error"
	TypeCommandExecution = "command_execution_error"
	TypeAgentLoop        = "agent_loop_error"
	TypeUnknown          = "unknown_error"
)

// CancellationError is raised from a checkpoint when the run was aborted
// locally or cancelled remotely. Reason carries the remote reason when known.
type CancellationError struct {
	Reason string
}

func (e *CancellationError) Error() string {
	if e.Reason == "" {
		return "run cancelled"
	}
	return "run cancelled: " + e.Reason
}

// TimeoutError is raised from a checkpoint once the advisory wall-clock
// budget has elapsed.
type TimeoutError struct {
	Limit   time.Duration
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run timed out after %s (limit %s)", e.Elapsed.Round(time.Second), e.Limit)
}

// ValidationError reports invalid run input (empty task, malformed repo spec).
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// RepositoryError reports clone/branch/diff/commit failures.
type RepositoryError struct {
	Op  string
	Msg string
}

func (e *RepositoryError) Error() string { return e.Op + ": " + e.Msg }

// APIError is a model-endpoint failure. Retryable mirrors the HTTP status
// classification done by the client.
type APIError struct {
	Status    int
	Msg       string
	Retryable bool
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("model request failed (status %d): %s", e.Status, e.Msg)
	}
	return "model request failed: " + e.Msg
}

// ResponseError reports an unusable model response (empty body, undecodable
// decision). Excerpt is a truncated sample of the offending text.
type ResponseError struct {
	Msg     string
	Excerpt string
}

func (e *ResponseError) Error() string {
	if e.Excerpt != "" {
		return e.Msg + ": " + e.Excerpt
	}
	return e.Msg
}

// PolicyError reports a command rejected by the safety rules before execution.
type PolicyError struct {
	Command string
	Msg     string
}

func (e *PolicyError) Error() string { return "command rejected: " + e.Msg }

// CommandError reports that the consecutive command-failure budget was
// exhausted inside the agent loop.
type CommandError struct {
	Command  string
	ExitCode int
	Failures int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed %d times in a row (last exit %d)", e.Failures, e.ExitCode)
}

// LoopError reports that the agent loop terminated without finishing (e.g.
// step budget exhausted).
type LoopError struct {
	Msg string
}

func (e *LoopError) Error() string { return e.Msg }
