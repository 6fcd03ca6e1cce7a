// Package prompt selects a guidance profile for a run and renders the
// planning and step prompts. Selection is a pure function of the request:
// explicit override, then task-text keywords, then the task-type default.
package prompt

import (
	"strings"

	"github.com/polychat/sandbox-worker/pkg/models"
)

// Selection sources, in precedence order.
const (
	SourceExplicit        = "explicit"
	SourceTaskKeywords    = "task-keywords"
	SourceTaskTypeDefault = "task-type-default"
)

// Strategy is one guidance profile.
type Strategy struct {
	Name              string
	PlanningGuidance  string
	ExecutionGuidance string
	Examples          []string
}

// Selection is the outcome of strategy resolution.
type Selection struct {
	Strategy Strategy
	Source   string
}

var strategies = map[string]Strategy{
	models.StrategyFeatureDelivery: {
		Name: models.StrategyFeatureDelivery,
		PlanningGuidance: "Understand the existing structure before adding anything. " +
			"Plan the smallest vertical slice that delivers the feature end to end, " +
			"then list the files you expect to touch and the validation commands you will run.",
		ExecutionGuidance: "Implement incrementally and re-run the project's own checks after " +
			"each meaningful change. Prefer extending existing patterns over inventing new ones.",
		Examples: []string{
			`Task: "Add a JSON export endpoint" -> plan: locate the router, mirror an existing handler, add serializer, run the test suite.`,
		},
	},
	models.StrategyBugFix: {
		Name: models.StrategyBugFix,
		PlanningGuidance: "Reproduce before you repair. Identify the failing input or code path, " +
			"state the root cause explicitly in the plan, and only then describe the fix.",
		ExecutionGuidance: "Make the smallest change that removes the root cause. Add or adjust a " +
			"regression test that fails without the fix, and run it both ways when possible.",
		Examples: []string{
			`Task: "Fix null pointer in login" -> plan: find the dereference, trace where the nil enters, guard or fix the source, add a regression test.`,
		},
	},
	models.StrategyRefactor: {
		Name: models.StrategyRefactor,
		PlanningGuidance: "Behavior must not change. Map the code to move before moving it, and " +
			"keep each step independently verifiable against the existing tests.",
		ExecutionGuidance: "Refactor in small, reversible steps and run the test suite between " +
			"them. Never mix behavior changes into a refactoring commit.",
		Examples: []string{
			`Task: "Extract the billing calculations into a module" -> plan: inventory call sites, move pure functions first, re-run tests, then migrate callers.`,
		},
	},
	models.StrategyTestHardening: {
		Name: models.StrategyTestHardening,
		PlanningGuidance: "Find what the existing tests miss. Read the current suite, list the " +
			"uncovered behaviors that matter, and plan tests that pin them down.",
		ExecutionGuidance: "Write tests that document behavior, not implementation. Each new test " +
			"should fail if the behavior it protects regresses.",
		Examples: []string{
			`Task: "Improve coverage of the parser" -> plan: run coverage, pick the untested branches with real consequences, write table-driven cases.`,
		},
	},
}

// bug-fix keywords include the verbs people actually type; "Fix null pointer
// in login" must resolve by keywords, not by type default.
var keywordRules = []struct {
	strategy string
	keywords []string
}{
	{models.StrategyBugFix, []string{"bug", "regression", "fix", "crash", "broken", "null pointer", "exception"}},
	{models.StrategyRefactor, []string{"refactor", "tech debt", "debt", "cleanup", "restructure"}},
	{models.StrategyTestHardening, []string{"test", "coverage", "flaky"}},
}

var taskTypeDefaults = map[string]string{
	models.TaskTypeFeature:  models.StrategyFeatureDelivery,
	models.TaskTypeBugFix:   models.StrategyBugFix,
	models.TaskTypeRefactor: models.StrategyRefactor,
	models.TaskTypeChore:    models.StrategyRefactor,
}

// Resolve maps (explicit request, task text, task type) to a strategy. It has
// no side effects and is fully table-testable.
func Resolve(requested, taskText, taskType string) Selection {
	if requested != "" && requested != models.StrategyAuto {
		if s, ok := strategies[requested]; ok {
			return Selection{Strategy: s, Source: SourceExplicit}
		}
	}

	lower := strings.ToLower(taskText)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return Selection{Strategy: strategies[rule.strategy], Source: SourceTaskKeywords}
			}
		}
	}

	if name, ok := taskTypeDefaults[taskType]; ok {
		return Selection{Strategy: strategies[name], Source: SourceTaskTypeDefault}
	}
	return Selection{Strategy: strategies[models.StrategyFeatureDelivery], Source: SourceTaskTypeDefault}
}
