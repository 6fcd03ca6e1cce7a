// Package gitops expresses the git operations of a run (clone, branch, diff,
// commit) over the sandbox capability. Credentials travel via git's
// http.extraHeader and never appear in command lines visible to logs.
package gitops

import (
	"context"
	"fmt"
	"strings"

	"github.com/polychat/sandbox-worker/internal/sandbox"
	"github.com/polychat/sandbox-worker/internal/shellsafe"
	"github.com/polychat/sandbox-worker/internal/taskerr"
)

const (
	commitAuthorName  = "Polychat Agent"
	commitAuthorEmail = "agent@polychat.app"
)

// BranchName returns the worker-style branch name for a run:
// polychat/<task-type>/<short-run-id>.
func BranchName(taskType, runID string) string {
	if taskType == "" {
		taskType = "task"
	}
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	if short == "" {
		short = "local"
	}
	return fmt.Sprintf("polychat/%s/%s", taskType, short)
}

// Clone shallow-clones the repository into the sandbox under ref.TargetDir.
func Clone(ctx context.Context, sb sandbox.Sandbox, ref shellsafe.RepoRef) error {
	err := sb.GitCheckout(ctx, sandbox.CheckoutParams{
		URL:        ref.CloneURL,
		Dir:        ref.TargetDir,
		Depth:      1,
		AuthHeader: ref.AuthHeader,
	})
	if err != nil {
		return &taskerr.RepositoryError{Op: "clone", Msg: err.Error()}
	}
	return nil
}

// CreateBranch creates and checks out a new branch in the repo directory.
func CreateBranch(ctx context.Context, sb sandbox.Sandbox, repoDir, name string) error {
	res, err := sb.Exec(ctx, "git checkout -b "+shellsafe.QuoteForShell(name), sandbox.ExecOptions{Cwd: repoDir})
	if err != nil {
		return &taskerr.RepositoryError{Op: "branch", Msg: err.Error()}
	}
	if res.ExitCode != 0 {
		return &taskerr.RepositoryError{Op: "branch", Msg: strings.TrimSpace(res.Stderr)}
	}
	return nil
}

// HasChanges reports whether the work tree has any modification.
func HasChanges(ctx context.Context, sb sandbox.Sandbox, repoDir string) (bool, error) {
	res, err := sb.Exec(ctx, "git status --porcelain", sandbox.ExecOptions{Cwd: repoDir})
	if err != nil {
		return false, &taskerr.RepositoryError{Op: "status", Msg: err.Error()}
	}
	if res.ExitCode != 0 {
		return false, &taskerr.RepositoryError{Op: "status", Msg: strings.TrimSpace(res.Stderr)}
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

// Diff stages everything and returns the staged diff against HEAD. Staging
// first makes new files show up; the sandbox is destroyed after the run, so
// leftover staging is harmless when no commit follows.
func Diff(ctx context.Context, sb sandbox.Sandbox, repoDir string) (string, error) {
	if res, err := sb.Exec(ctx, "git add -A", sandbox.ExecOptions{Cwd: repoDir}); err != nil || res.ExitCode != 0 {
		return "", diffError("stage", res, err)
	}
	res, err := sb.Exec(ctx, "git diff --cached", sandbox.ExecOptions{Cwd: repoDir})
	if err != nil || res.ExitCode != 0 {
		return "", diffError("diff", res, err)
	}
	return res.Stdout, nil
}

func diffError(op string, res sandbox.ExecResult, err error) error {
	if err != nil {
		return &taskerr.RepositoryError{Op: op, Msg: err.Error()}
	}
	return &taskerr.RepositoryError{Op: op, Msg: strings.TrimSpace(res.Stderr)}
}

// Commit commits the staged changes and returns the new HEAD SHA.
func Commit(ctx context.Context, sb sandbox.Sandbox, repoDir, message string) (string, error) {
	setup := []string{
		"git config user.name " + shellsafe.QuoteForShell(commitAuthorName),
		"git config user.email " + shellsafe.QuoteForShell(commitAuthorEmail),
	}
	for _, cmd := range setup {
		if res, err := sb.Exec(ctx, cmd, sandbox.ExecOptions{Cwd: repoDir}); err != nil || res.ExitCode != 0 {
			return "", diffError("config", res, err)
		}
	}
	res, err := sb.Exec(ctx, "git commit -m "+shellsafe.QuoteForShell(message), sandbox.ExecOptions{Cwd: repoDir})
	if err != nil {
		return "", &taskerr.RepositoryError{Op: "commit", Msg: err.Error()}
	}
	if res.ExitCode != 0 {
		return "", &taskerr.RepositoryError{Op: "commit", Msg: strings.TrimSpace(res.Stderr + " " + res.Stdout)}
	}
	head, err := sb.Exec(ctx, "git rev-parse HEAD", sandbox.ExecOptions{Cwd: repoDir})
	if err != nil || head.ExitCode != 0 {
		return "", diffError("rev-parse", head, err)
	}
	return strings.TrimSpace(head.Stdout), nil
}
