// Package qualitygate derives validation commands from the agent's written
// plans and runs them after the loop finishes. The gate verdict decides
// whether a commit may be created.
package qualitygate

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/polychat/sandbox-worker/internal/control"
	"github.com/polychat/sandbox-worker/internal/events"
	"github.com/polychat/sandbox-worker/internal/otel"
	"github.com/polychat/sandbox-worker/internal/sandbox"
	"github.com/polychat/sandbox-worker/internal/shellsafe"
)

// MaxGateCommands caps how many derived checks the gate will run.
const MaxGateCommands = 5

const maxCheckOutputChars = 2000

// validationMarkers mark a mentioned command as a check worth re-running.
var validationMarkers = []string{
	"test", "lint", "typecheck", "type-check", "tsc", "vet", "build", "verify",
}

// mutationPatterns exclude commands that would change state rather than
// validate it.
var mutationPatterns = []string{
	"install", "git add", "git commit", "git push", "publish", "deploy",
	"rm ", "mv ", "> ",
}

var (
	fencedRe = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9_-]*\n)?(.*?)```")
	inlineRe = regexp.MustCompile("`([^`\n]+)`")
)

// DeriveQualityGateCommands scans plan text for commands the agent said it
// would validate with. Only explicitly marked commands are considered: fenced
// blocks, inline code spans, and "$ "-prefixed lines. Prose never becomes a
// command.
func DeriveQualityGateCommands(plans []string) []string {
	var commands []string
	seen := map[string]bool{}

	for _, plan := range plans {
		for _, candidate := range extractCandidates(plan) {
			candidate = strings.TrimSpace(candidate)
			if candidate == "" || seen[candidate] {
				continue
			}
			if !isValidationCommand(candidate) {
				continue
			}
			if err := shellsafe.AssertSafeCommand(candidate, shellsafe.Options{}); err != nil {
				continue
			}
			seen[candidate] = true
			commands = append(commands, candidate)
			if len(commands) == MaxGateCommands {
				return commands
			}
		}
	}
	return commands
}

func extractCandidates(plan string) []string {
	var out []string
	for _, m := range fencedRe.FindAllStringSubmatch(plan, -1) {
		for _, line := range strings.Split(m[1], "\n") {
			out = append(out, strings.TrimPrefix(strings.TrimSpace(line), "$ "))
		}
	}
	stripped := fencedRe.ReplaceAllString(plan, "")
	for _, m := range inlineRe.FindAllStringSubmatch(stripped, -1) {
		out = append(out, m[1])
	}
	for _, line := range strings.Split(stripped, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "$ ") {
			out = append(out, strings.TrimPrefix(line, "$ "))
		}
	}
	return out
}

func isValidationCommand(cmd string) bool {
	lower := strings.ToLower(cmd)
	for _, p := range mutationPatterns {
		if strings.Contains(lower, p) {
			return false
		}
	}
	for _, m := range validationMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// CheckResult records one executed gate command.
type CheckResult struct {
	Command  string `json:"command"`
	Passed   bool   `json:"passed"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
}

// GateResult is the aggregate verdict. A skipped gate passes; the absence of
// a detectable check is not a failure.
type GateResult struct {
	Passed  bool          `json:"passed"`
	Skipped bool          `json:"skipped"`
	Summary string        `json:"summary"`
	Checks  []CheckResult `json:"checks,omitempty"`
}

// Run executes the derived commands sequentially in the repo directory, with
// a checkpoint before each one.
func Run(ctx context.Context, sb sandbox.Sandbox, repoDir string, commands []string, checkpoint control.Checkpoint, emitter *events.Emitter) (GateResult, error) {
	emitter.Emit(events.QualityGateCommandsPicked, map[string]any{"commands": commands})

	if len(commands) == 0 {
		emitter.Emit(events.QualityGateSkipped, nil)
		return GateResult{
			Passed:  true,
			Skipped: true,
			Summary: "quality gate skipped: no validation commands derived from the plan",
		}, nil
	}

	emitter.Emit(events.QualityGateStarted, map[string]any{"count": len(commands)})
	result := GateResult{Passed: true}

	for _, command := range commands {
		if err := checkpoint(ctx, "quality gate check"); err != nil {
			return GateResult{}, err
		}
		emitter.Emit(events.QualityGateCheckStarted, map[string]any{"command": command})

		exec, err := sb.Exec(ctx, command, sandbox.ExecOptions{Cwd: repoDir})
		if err != nil {
			return GateResult{}, fmt.Errorf("quality gate command execution: %w", err)
		}
		passed := exec.ExitCode == 0
		otel.RecordGateCheck(ctx, passed)

		check := CheckResult{
			Command:  command,
			Passed:   passed,
			ExitCode: exec.ExitCode,
			Output:   clipOutput(exec.Stdout, exec.Stderr),
		}
		result.Checks = append(result.Checks, check)

		if passed {
			emitter.Emit(events.QualityGateCheckPassed, map[string]any{"command": command})
		} else {
			result.Passed = false
			emitter.Emit(events.QualityGateCheckFailed, map[string]any{
				"command":   command,
				"exit_code": exec.ExitCode,
			})
		}
	}

	passedCount := 0
	for _, c := range result.Checks {
		if c.Passed {
			passedCount++
		}
	}
	result.Summary = fmt.Sprintf("%d/%d checks passed", passedCount, len(result.Checks))
	emitter.Emit(events.QualityGateCompleted, map[string]any{
		"passed":  result.Passed,
		"summary": result.Summary,
	})
	return result, nil
}

func clipOutput(stdout, stderr string) string {
	combined := strings.TrimSpace(stdout)
	if s := strings.TrimSpace(stderr); s != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += s
	}
	if len(combined) > maxCheckOutputChars {
		combined = combined[:maxCheckOutputChars] + "\n...(truncated)"
	}
	return combined
}
