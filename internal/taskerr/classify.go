package taskerr

import (
	"context"
	"errors"
	"strings"
)

// Classified is the external shape of a failure.
type Classified struct {
	Type      string
	Message   string
	Retryable bool
}

// Classify maps any error to the external taxonomy. Typed errors are matched
// first; plain errors fall back to message-substring heuristics. This is the
// sole translation point between internal failures and the result/event
// contract.
func Classify(err error) Classified {
	if err == nil {
		return Classified{Type: TypeUnknown, Message: "unknown error"}
	}

	var cancelled *CancellationError
	if errors.As(err, &cancelled) {
		return Classified{Type: TypeCancelled, Message: cancelled.Error()}
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		// The taxonomy has no timeout member; a timeout terminates the run
		// the same way a cancellation does.
		return Classified{Type: TypeCancelled, Message: timeout.Error()}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Classified{Type: TypeCancelled, Message: err.Error()}
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return Classified{Type: TypeValidation, Message: validation.Error()}
	}
	var repo *RepositoryError
	if errors.As(err, &repo) {
		return Classified{Type: TypeRepository, Message: repo.Error()}
	}
	var api *APIError
	if errors.As(err, &api) {
		return Classified{Type: TypeModelRequest, Message: api.Error(), Retryable: api.Retryable}
	}
	var response *ResponseError
	if errors.As(err, &response) {
		return Classified{Type: TypeModelResponse, Message: response.Error()}
	}
	var policy *PolicyError
	if errors.As(err, &policy) {
		return Classified{Type: TypeCommandPolicy, Message: policy.Error()}
	}
	var command *CommandError
	if errors.As(err, &command) {
		return Classified{Type: TypeCommandExecution, Message: command.Error()}
	}
	var loop *LoopError
	if errors.As(err, &loop) {
		return Classified{Type: TypeAgentLoop, Message: loop.Error()}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "cancel"):
		return Classified{Type: TypeCancelled, Message: msg}
	case strings.Contains(lower, "clone") || strings.Contains(lower, "repository") || strings.Contains(lower, "git "):
		return Classified{Type: TypeRepository, Message: msg}
	case strings.Contains(lower, "completion") || strings.Contains(lower, "model request"):
		return Classified{Type: TypeModelRequest, Message: msg}
	case strings.Contains(lower, "parse") || strings.Contains(lower, "decision"):
		return Classified{Type: TypeModelResponse, Message: msg}
	case strings.Contains(lower, "command"):
		return Classified{Type: TypeCommandExecution, Message: msg}
	default:
		return Classified{Type: TypeUnknown, Message: msg}
	}
}
