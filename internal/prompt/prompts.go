package prompt

import (
	"fmt"
	"strings"

	"github.com/polychat/sandbox-worker/internal/repocontext"
)

// decisionProtocol tells the model the exact JSON shapes the decision parser
// accepts. One JSON object per response, nothing else required.
const decisionProtocol = `Respond with exactly one JSON object (optionally in a fenced code block):
  {"action": "run_command", "command": "<single shell command>", "reasoning": "<why>"}
  {"action": "read_file", "path": "<relative path>", "startLine": <n>, "maxLines": <n>}
  {"action": "update_plan", "plan": "<the revised plan>"}
  {"action": "finish", "summary": "<what was done>"}
Rules: one command per step, no shell operators (&&, ;, |), no interactive
commands, paths relative to the repository root.`

// SystemPrompt renders the system message for the whole run.
func SystemPrompt(sel Selection) string {
	var b strings.Builder
	b.WriteString("You are an autonomous coding agent working inside a sandboxed clone of a repository. ")
	b.WriteString("You work step by step: each response is one decision, and you see the outcome before the next.\n\n")
	b.WriteString("Execution guidance: ")
	b.WriteString(sel.Strategy.ExecutionGuidance)
	b.WriteString("\n\n")
	b.WriteString(decisionProtocol)
	return b.String()
}

// PlanningPrompt renders the initial planning request from the task and the
// collected repository context.
func PlanningPrompt(task string, rc *repocontext.Context, sel Selection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", task)

	if rc != nil {
		if len(rc.TopLevelEntries) > 0 {
			b.WriteString("Repository top-level entries:\n")
			for _, e := range rc.TopLevelEntries {
				fmt.Fprintf(&b, "  %s\n", e)
			}
			b.WriteString("\n")
		}
		for _, f := range rc.Files {
			fmt.Fprintf(&b, "--- %s ---\n%s\n", f.Path, f.Snippet)
			if f.Truncated {
				b.WriteString("(truncated)\n")
			}
		}
		if rc.TaskInstructions != "" {
			fmt.Fprintf(&b, "\nTask instructions (%s):\n%s\n", rc.TaskInstructionSource, rc.TaskInstructions)
		}
	}

	b.WriteString("\nPlanning guidance: ")
	b.WriteString(sel.Strategy.PlanningGuidance)
	b.WriteString("\n")
	for _, ex := range sel.Strategy.Examples {
		fmt.Fprintf(&b, "Example: %s\n", ex)
	}
	b.WriteString("\nWrite a short numbered plan for this task, including the exact commands you will use to validate the result. Then begin with your first decision.")
	return b.String()
}
