// Package shellsafe validates and normalizes shell text before anything is
// executed in the sandbox, and resolves repository identifiers. Every command
// an agent proposes passes through AssertSafeCommand first.
package shellsafe

import (
	"strings"

	"github.com/polychat/sandbox-worker/internal/taskerr"
)

// MaxCommandLength is the longest command line AssertSafeCommand accepts.
const MaxCommandLength = 500

// chainOperators join or background commands; agents get exactly one command
// per decision, so all of these are rejected.
var chainOperators = []string{"&&", "||", ";", "|", "&"}

// denyList contains substrings that must never appear in an agent command.
var denyList = []string{
	"rm -rf /",
	"rm -rf ~",
	"rm -rf *",
	"sudo ",
	"mkfs.",
	"> /dev/sd",
	"chmod 777 /",
	"git push",
	"curl | sh",
	"curl | bash",
	"wget | sh",
	"wget | bash",
	":(){ :|:& };:", // fork bomb
}

// readOnlyDenyPrefixes are mutating commands rejected in read-only mode.
var readOnlyDenyPrefixes = []string{
	"git add", "git commit", "git checkout", "git reset", "git clean",
	"git rebase", "git merge", "git stash", "git rm", "git mv",
	"rm ", "rmdir ", "mv ", "cp ", "touch ", "mkdir ", "tee ", "truncate ",
	"npm install", "npm i ", "npm ci", "yarn add", "yarn install",
	"pnpm add", "pnpm install", "pip install", "go get", "cargo add",
	"apt ", "apt-get ", "brew ",
}

// Options adjusts validation. ReadOnly additionally rejects mutating git,
// file, and package-manager commands.
type Options struct {
	ReadOnly bool
}

// AssertSafeCommand rejects commands that are empty, overlong, multi-line,
// chained, use substitution, or match the destructive deny list. The returned
// error is always a *taskerr.PolicyError.
func AssertSafeCommand(cmd string, opts Options) error {
	trimmed := strings.TrimSpace(cmd)
	if trimmed == "" {
		return &taskerr.PolicyError{Command: cmd, Msg: "empty command"}
	}
	if len(trimmed) > MaxCommandLength {
		return &taskerr.PolicyError{Command: trimmed, Msg: "command exceeds maximum length"}
	}
	if strings.ContainsAny(trimmed, "\n\r") {
		return &taskerr.PolicyError{Command: trimmed, Msg: "multi-line commands are not allowed"}
	}
	for _, op := range chainOperators {
		if strings.Contains(trimmed, op) {
			return &taskerr.PolicyError{Command: trimmed, Msg: "chained or piped commands are not allowed (" + op + ")"}
		}
	}
	if strings.Contains(trimmed, "`") || strings.Contains(trimmed, "$(") {
		return &taskerr.PolicyError{Command: trimmed, Msg: "command substitution is not allowed"}
	}
	lower := strings.ToLower(trimmed)
	for _, deny := range denyList {
		if strings.Contains(lower, strings.ToLower(deny)) {
			return &taskerr.PolicyError{Command: trimmed, Msg: "destructive command blocked: " + deny}
		}
	}
	if opts.ReadOnly {
		for _, prefix := range readOnlyDenyPrefixes {
			if strings.HasPrefix(lower, prefix) || lower == strings.TrimSpace(prefix) {
				return &taskerr.PolicyError{Command: trimmed, Msg: "mutating command not allowed in read-only mode"}
			}
		}
		if strings.Contains(trimmed, ">") {
			return &taskerr.PolicyError{Command: trimmed, Msg: "redirection not allowed in read-only mode"}
		}
	}
	return nil
}

// QuoteForShell single-quote-escapes a value for safe interpolation into a
// shell command line.
func QuoteForShell(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
