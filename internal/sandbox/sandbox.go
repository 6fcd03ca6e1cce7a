// Package sandbox defines the exec/file/git capability a run operates
// against, and a local implementation backed by os/exec under an
// exclusively-owned working directory. Isolation hardening is the host's
// concern; this package defines the contract the rest of the worker uses.
package sandbox

import (
	"context"
	"time"
)

// ExecResult is the outcome of one command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExecOptions adjusts one Exec call.
type ExecOptions struct {
	Cwd     string        // relative to the sandbox working dir; "" = working dir
	Timeout time.Duration // 0 = no per-command limit
}

// CheckoutParams describes a git clone into the sandbox. AuthHeader, when
// set, is passed via git's http.extraHeader so credentials never appear in
// the URL or in process listings of the clone URL.
type CheckoutParams struct {
	URL        string
	Dir        string // target directory, relative to the sandbox working dir
	Branch     string // optional: branch to create after clone
	Depth      int    // 0 = full history
	AuthHeader string // optional "AUTHORIZATION: basic ..." value
}

// Sandbox is the capability a run owns exclusively from start to Destroy.
type Sandbox interface {
	// Exec runs a single shell command and captures its output. A nonzero
	// exit code is reported in ExecResult, not as an error; errors are
	// reserved for failures to execute at all.
	Exec(ctx context.Context, command string, opts ExecOptions) (ExecResult, error)

	// GitCheckout clones a repository into the sandbox.
	GitCheckout(ctx context.Context, params CheckoutParams) error

	// ReadFile returns the content of a file inside the sandbox.
	ReadFile(ctx context.Context, path string) (string, error)

	// WriteFile replaces the content of a file inside the sandbox.
	WriteFile(ctx context.Context, path string, content string) error

	// Exists reports whether a path exists inside the sandbox.
	Exists(ctx context.Context, path string) (bool, error)

	// WorkDir returns the absolute path of the sandbox working directory.
	WorkDir() string

	// Destroy removes the sandbox and everything in it. Idempotent.
	Destroy(ctx context.Context) error
}
