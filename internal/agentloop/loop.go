// Package agentloop runs the per-step decision cycle: ask the model for a
// decision over the full linear transcript, apply it, append the observation,
// repeat. There is no separate memory structure; the transcript is the state.
package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/polychat/sandbox-worker/internal/control"
	"github.com/polychat/sandbox-worker/internal/decision"
	"github.com/polychat/sandbox-worker/internal/events"
	"github.com/polychat/sandbox-worker/internal/llm"
	"github.com/polychat/sandbox-worker/internal/otel"
	"github.com/polychat/sandbox-worker/internal/repocontext"
	"github.com/polychat/sandbox-worker/internal/sandbox"
	"github.com/polychat/sandbox-worker/internal/shellsafe"
	"github.com/polychat/sandbox-worker/internal/taskerr"
)

// Budgets bounding a run. Step count and command count are independent;
// consecutive failures reset on any success.
const (
	MaxAgentSteps                 = 30
	MaxCommands                   = 50
	MaxConsecutiveCommandFailures = 3

	maxPlanChars        = 4000
	maxObservationChars = 6000
)

// ModelCaller is the single model capability the loop needs. *llm.Client
// satisfies it.
type ModelCaller interface {
	ChatCompletion(ctx context.Context, req llm.Request) (string, error)
}

// Loop executes the agent state machine for one run.
type Loop struct {
	Model      ModelCaller
	ModelName  string
	Sandbox    sandbox.Sandbox
	RepoDir    string
	Checkpoint control.Checkpoint
	Emitter    *events.Emitter

	// Zero values fall back to the package defaults.
	MaxSteps       int
	MaxCommandRuns int
	MaxFailures    int
}

// Result is returned by the only success exit, a finish decision.
type Result struct {
	CommandCount int
	Summary      string
	FinalPlan    string
	Plans        []string
}

func (l *Loop) maxSteps() int {
	if l.MaxSteps > 0 {
		return l.MaxSteps
	}
	return MaxAgentSteps
}

func (l *Loop) maxCommands() int {
	if l.MaxCommandRuns > 0 {
		return l.MaxCommandRuns
	}
	return MaxCommands
}

func (l *Loop) maxFailures() int {
	if l.MaxFailures > 0 {
		return l.MaxFailures
	}
	return MaxConsecutiveCommandFailures
}

// Run drives the loop to a finish decision or a terminal error. The
// transcript arrives seeded with the system prompt, the planning exchange,
// and the initial plan; every decision and observation is appended to it and
// replayed in full on each completion call.
func (l *Loop) Run(ctx context.Context, transcript []llm.Message, initialPlan string) (Result, error) {
	plan := truncate(initialPlan, maxPlanChars)
	plans := []string{}
	if plan != "" {
		plans = append(plans, plan)
	}
	commandCount := 0
	consecutiveFailures := 0

	for step := 1; step <= l.maxSteps(); step++ {
		l.Emitter.Emit(events.AgentStepStarted, map[string]any{"step": step})

		raw, err := l.Model.ChatCompletion(ctx, llm.Request{Model: l.ModelName, Messages: transcript})
		if err != nil {
			return Result{}, err
		}
		transcript = append(transcript, llm.Message{Role: "assistant", Content: raw})

		d, err := decision.Parse(raw)
		if err != nil {
			return Result{}, err
		}
		l.Emitter.Emit(events.AgentDecision, map[string]any{"step": step, "action": d.Action})
		otel.RecordAgentStep(ctx, d.Action)

		var observation string
		switch d.Action {
		case decision.ActionUpdatePlan:
			plan = truncate(d.Plan, maxPlanChars)
			plans = append(plans, plan)
			l.Emitter.Emit(events.PlanUpdated, map[string]any{"step": step, "plan": plan})
			observation = "Plan updated. Continue with the next decision."

		case decision.ActionReadFile:
			observation = l.readFile(ctx, step, d)

		case decision.ActionRunCommand:
			result, err := l.runCommand(ctx, step, d.Command, commandCount)
			if err != nil {
				return Result{}, err
			}
			commandCount++
			if result.ExitCode == 0 {
				consecutiveFailures = 0
			} else {
				consecutiveFailures++
				if consecutiveFailures >= l.maxFailures() {
					return Result{}, &taskerr.CommandError{
						Command:  d.Command,
						ExitCode: result.ExitCode,
						Failures: consecutiveFailures,
					}
				}
			}
			observation = formatExecObservation(d.Command, result)

		case decision.ActionFinish:
			return Result{
				CommandCount: commandCount,
				Summary:      d.Summary,
				FinalPlan:    plan,
				Plans:        plans,
			}, nil
		}

		transcript = append(transcript, llm.Message{Role: "user", Content: truncate(observation, maxObservationChars)})
	}

	return Result{}, &taskerr.LoopError{Msg: fmt.Sprintf("agent did not finish within %d steps", l.maxSteps())}
}

func (l *Loop) readFile(ctx context.Context, step int, d decision.Decision) string {
	snippet, err := repocontext.ReadRepositoryFileSnippet(ctx, l.Sandbox, l.RepoDir, d.Path, d.StartLine, d.MaxLines)
	if err != nil {
		// A bad read is feedback, not a run failure.
		l.Emitter.Emit(events.FileRead, map[string]any{"step": step, "path": d.Path, "error": err.Error()})
		return fmt.Sprintf("Could not read %s: %s", d.Path, err)
	}
	l.Emitter.Emit(events.FileRead, map[string]any{"step": step, "path": d.Path, "bytes": len(snippet.Snippet)})
	var suffix string
	if snippet.Truncated {
		suffix = "\n(truncated)"
	}
	return fmt.Sprintf("Content of %s:\n%s%s", d.Path, snippet.Snippet, suffix)
}

func (l *Loop) runCommand(ctx context.Context, step int, command string, commandCount int) (sandbox.ExecResult, error) {
	if err := l.Checkpoint(ctx, "before command"); err != nil {
		return sandbox.ExecResult{}, err
	}
	if commandCount >= l.maxCommands() {
		return sandbox.ExecResult{}, &taskerr.LoopError{Msg: fmt.Sprintf("command budget of %d exhausted", l.maxCommands())}
	}
	if err := shellsafe.AssertSafeCommand(command, shellsafe.Options{}); err != nil {
		return sandbox.ExecResult{}, err
	}
	if err := l.Checkpoint(ctx, "command validated"); err != nil {
		return sandbox.ExecResult{}, err
	}

	l.Emitter.Emit(events.CommandStarted, map[string]any{"step": step, "command": command})
	slog.Info("executing agent command", "step", step, "command", command)
	start := time.Now()
	result, err := l.Sandbox.Exec(ctx, command, sandbox.ExecOptions{Cwd: l.RepoDir})
	otel.RecordCommand(ctx, err == nil && result.ExitCode == 0, time.Since(start))
	if err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("command execution: %w", err)
	}
	if cpErr := l.Checkpoint(ctx, "after command"); cpErr != nil {
		return sandbox.ExecResult{}, cpErr
	}

	if result.ExitCode == 0 {
		l.Emitter.Emit(events.CommandCompleted, map[string]any{"step": step, "command": command, "exit_code": 0})
	} else {
		l.Emitter.Emit(events.CommandFailed, map[string]any{"step": step, "command": command, "exit_code": result.ExitCode})
	}
	return result, nil
}

func formatExecObservation(command string, res sandbox.ExecResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "$ %s\nexit code: %d\n", command, res.ExitCode)
	if out := strings.TrimSpace(res.Stdout); out != "" {
		b.WriteString("stdout:\n" + out + "\n")
	}
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		b.WriteString("stderr:\n" + errOut + "\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n...(truncated)"
}
