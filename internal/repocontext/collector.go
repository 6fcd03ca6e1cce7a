// Package repocontext builds the bounded, read-only view of a cloned
// repository that seeds the model's prompts: top-level entries, snippets of
// canonical descriptor files, and task instructions (PRD or .implement).
package repocontext

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/polychat/sandbox-worker/internal/sandbox"
	"github.com/polychat/sandbox-worker/internal/shellsafe"
)

// Bounds keeping prompt size predictable.
const (
	MaxTopLevelEntries = 80
	MaxSnippetLines    = 120
	MaxSnippetChars    = 5000
	MaxPathLength      = 512
)

// Instruction sources.
const (
	SourcePrd       = "prd"
	SourceImplement = "implement"
	SourceNone      = "none"
)

// FileSnippet is a bounded read of one repository file.
type FileSnippet struct {
	Path      string
	Snippet   string
	Truncated bool
}

// Context is the read-only repository view handed to prompt construction.
type Context struct {
	TopLevelEntries       []string
	Files                 []FileSnippet
	TaskInstructions      string
	TaskInstructionSource string
	Prd                   *PrdContext
}

// descriptorFiles are read (when present) to describe the project.
var descriptorFiles = []string{
	"README.md", "README", "package.json", "pyproject.toml", "go.mod",
	"Cargo.toml", "Makefile", "requirements.txt", "tsconfig.json", "composer.json",
}

// prdJSONPaths are checked in order; first hit wins.
var prdJSONPaths = []string{"prd.json", "ralph/prd.json", ".ralph/prd.json", "tasks/prd.json"}

// prdMarkdownPaths are the markdown fallbacks.
var prdMarkdownPaths = []string{"PRD.md", "prd.md", "docs/PRD.md", "docs/prd.md"}

const implementPath = ".implement"

// Collect builds the repository context. It degrades rather than fails: a
// missing or malformed instruction file reduces the context, never aborts
// the run.
func Collect(ctx context.Context, sb sandbox.Sandbox, repoDir string) (*Context, error) {
	out := &Context{TaskInstructionSource: SourceNone}

	entries, err := listTopLevel(ctx, sb, repoDir)
	if err != nil {
		return nil, err
	}
	out.TopLevelEntries = entries

	for _, name := range descriptorFiles {
		ok, err := sb.Exists(ctx, repoDir+"/"+name)
		if err != nil || !ok {
			continue
		}
		snippet, err := ReadRepositoryFileSnippet(ctx, sb, repoDir, name, 1, MaxSnippetLines)
		if err != nil {
			slog.Debug("skipping unreadable descriptor", "file", name, "err", err)
			continue
		}
		out.Files = append(out.Files, snippet)
	}

	collectInstructions(ctx, sb, repoDir, out)
	return out, nil
}

func listTopLevel(ctx context.Context, sb sandbox.Sandbox, repoDir string) ([]string, error) {
	res, err := sb.Exec(ctx, "ls -1A", sandbox.ExecOptions{Cwd: repoDir})
	if err != nil {
		return nil, fmt.Errorf("list repository entries: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("list repository entries: %s", strings.TrimSpace(res.Stderr))
	}
	var entries []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == ".git" {
			continue
		}
		entries = append(entries, line)
		if len(entries) >= MaxTopLevelEntries {
			break
		}
	}
	return entries, nil
}

// collectInstructions applies the precedence structured prd.json > markdown
// PRD > .implement > none.
func collectInstructions(ctx context.Context, sb sandbox.Sandbox, repoDir string, out *Context) {
	for _, path := range prdJSONPaths {
		ok, err := sb.Exists(ctx, repoDir+"/"+path)
		if err != nil || !ok {
			continue
		}
		raw, err := sb.ReadFile(ctx, repoDir+"/"+path)
		if err != nil {
			continue
		}
		out.TaskInstructionSource = SourcePrd
		prd, parseErr := ParsePrd(path, raw)
		if parseErr != nil {
			// A broken prd.json still carries intent; include it as text.
			slog.Warn("prd.json parse failed; including raw text", "path", path, "err", parseErr)
			out.TaskInstructions = clampChars(raw, MaxSnippetChars)
			return
		}
		out.Prd = prd
		out.TaskInstructions = clampChars(prd.Summary(), MaxSnippetChars)
		return
	}

	for _, path := range prdMarkdownPaths {
		ok, err := sb.Exists(ctx, repoDir+"/"+path)
		if err != nil || !ok {
			continue
		}
		snippet, err := ReadRepositoryFileSnippet(ctx, sb, repoDir, path, 1, MaxSnippetLines)
		if err != nil {
			continue
		}
		out.TaskInstructionSource = SourcePrd
		out.TaskInstructions = snippet.Snippet
		return
	}

	if ok, err := sb.Exists(ctx, repoDir+"/"+implementPath); err == nil && ok {
		snippet, err := ReadRepositoryFileSnippet(ctx, sb, repoDir, implementPath, 1, MaxSnippetLines)
		if err == nil {
			out.TaskInstructionSource = SourceImplement
			out.TaskInstructions = snippet.Snippet
			return
		}
	}
}

// ReadRepositoryFileSnippet reads a bounded line window from a repository
// file via the sandbox's exec capability, so whole files are never loaded.
// The path is validated against traversal and the window clamped to the
// snippet bounds.
func ReadRepositoryFileSnippet(ctx context.Context, sb sandbox.Sandbox, repoDir, path string, startLine, maxLines int) (FileSnippet, error) {
	if err := validateRelPath(path); err != nil {
		return FileSnippet{}, err
	}
	if startLine < 1 {
		startLine = 1
	}
	if maxLines < 1 || maxLines > MaxSnippetLines {
		maxLines = MaxSnippetLines
	}
	endLine := startLine + maxLines - 1

	cmd := fmt.Sprintf("sed -n '%d,%dp' -- %s", startLine, endLine, shellsafe.QuoteForShell(path))
	res, err := sb.Exec(ctx, cmd, sandbox.ExecOptions{Cwd: repoDir})
	if err != nil {
		return FileSnippet{}, err
	}
	if res.ExitCode != 0 {
		return FileSnippet{}, fmt.Errorf("read %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	snippet := res.Stdout
	truncated := false
	if len(snippet) > MaxSnippetChars {
		snippet = snippet[:MaxSnippetChars]
		truncated = true
	}
	return FileSnippet{Path: path, Snippet: snippet, Truncated: truncated}, nil
}

func validateRelPath(path string) error {
	if path == "" {
		return fmt.Errorf("path required")
	}
	if len(path) > MaxPathLength {
		return fmt.Errorf("path too long")
	}
	if strings.HasPrefix(path, "/") {
		return fmt.Errorf("absolute paths are not allowed")
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "." || seg == ".." {
			return fmt.Errorf("path traversal is not allowed")
		}
	}
	for _, r := range path {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("control characters in path")
		}
	}
	return nil
}

func clampChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
