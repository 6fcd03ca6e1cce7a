package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultExecTimeout bounds a single command when the caller sets none.
const DefaultExecTimeout = 5 * time.Minute

// Local runs commands with os/exec under a private temp directory. One Local
// per run; the directory is never shared and Destroy removes it.
type Local struct {
	root      string
	destroyed bool
}

// NewLocal creates a sandbox working directory under baseDir (or the system
// temp dir when empty).
func NewLocal(baseDir string) (*Local, error) {
	if baseDir != "" {
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return nil, err
		}
	}
	root, err := os.MkdirTemp(baseDir, "sandbox-run-")
	if err != nil {
		return nil, err
	}
	return &Local{root: root}, nil
}

func (l *Local) WorkDir() string { return l.root }

// resolve confines a sandbox-relative path to the working directory.
func (l *Local) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path required")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", path)
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes sandbox: %s", path)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *Local) Exec(ctx context.Context, command string, opts ExecOptions) (ExecResult, error) {
	if l.destroyed {
		return ExecResult{}, fmt.Errorf("sandbox destroyed")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "bash", "-c", command)
	dir := l.root
	if opts.Cwd != "" {
		resolved, err := l.resolve(opts.Cwd)
		if err != nil {
			return ExecResult{}, err
		}
		dir = resolved
	}
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if execCtx.Err() == context.DeadlineExceeded {
			result.ExitCode = -1
			result.Stderr = strings.TrimSpace(result.Stderr + "\ncommand timed out after " + timeout.String())
			return result, nil
		}
		return result, err
	}
	return result, nil
}

func (l *Local) GitCheckout(ctx context.Context, params CheckoutParams) error {
	if params.URL == "" || params.Dir == "" {
		return fmt.Errorf("checkout url and dir required")
	}
	target, err := l.resolve(params.Dir)
	if err != nil {
		return err
	}
	args := []string{}
	if params.AuthHeader != "" {
		args = append(args, "-c", "http.extraHeader="+params.AuthHeader)
	}
	args = append(args, "clone")
	if params.Depth > 0 {
		args = append(args, "--depth", fmt.Sprintf("%d", params.Depth))
	}
	args = append(args, params.URL, target)

	cmd := exec.CommandContext(ctx, "git", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		// The auth header is in argv; report only git's own output.
		return fmt.Errorf("git clone failed: %s", sanitizeGitOutput(string(out), params.AuthHeader))
	}
	if params.Branch != "" {
		branch := exec.CommandContext(ctx, "git", "checkout", "-b", params.Branch)
		branch.Dir = target
		if out, err := branch.CombinedOutput(); err != nil {
			return fmt.Errorf("git checkout -b %s: %s", params.Branch, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

func sanitizeGitOutput(out, authHeader string) string {
	s := strings.TrimSpace(out)
	if authHeader != "" {
		s = strings.ReplaceAll(s, authHeader, "[redacted]")
	}
	return s
}

func (l *Local) ReadFile(ctx context.Context, path string) (string, error) {
	resolved, err := l.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (l *Local) WriteFile(ctx context.Context, path string, content string) error {
	resolved, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return err
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

func (l *Local) Exists(ctx context.Context, path string) (bool, error) {
	resolved, err := l.resolve(path)
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(resolved)
	if statErr == nil {
		return true, nil
	}
	if os.IsNotExist(statErr) {
		return false, nil
	}
	return false, statErr
}

func (l *Local) Destroy(ctx context.Context) error {
	if l.destroyed {
		return nil
	}
	l.destroyed = true
	return os.RemoveAll(l.root)
}
