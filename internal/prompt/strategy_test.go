package prompt

import (
	"strings"
	"testing"

	"github.com/polychat/sandbox-worker/pkg/models"
)

func TestResolve(t *testing.T) {
	cases := []struct {
		name       string
		requested  string
		taskText   string
		taskType   string
		wantName   string
		wantSource string
	}{
		{
			name:       "explicit override wins",
			requested:  models.StrategyTestHardening,
			taskText:   "fix the login bug",
			taskType:   models.TaskTypeBugFix,
			wantName:   models.StrategyTestHardening,
			wantSource: SourceExplicit,
		},
		{
			name:       "auto defers to keywords",
			requested:  models.StrategyAuto,
			taskText:   "Fix null pointer in login",
			taskType:   models.TaskTypeBugFix,
			wantName:   models.StrategyBugFix,
			wantSource: SourceTaskKeywords,
		},
		{
			name:       "regression keyword",
			taskText:   "address the regression in checkout",
			taskType:   models.TaskTypeFeature,
			wantName:   models.StrategyBugFix,
			wantSource: SourceTaskKeywords,
		},
		{
			name:       "refactor keyword",
			taskText:   "refactor the payment module",
			taskType:   models.TaskTypeFeature,
			wantName:   models.StrategyRefactor,
			wantSource: SourceTaskKeywords,
		},
		{
			name:       "coverage keyword",
			taskText:   "raise coverage of the parser",
			taskType:   models.TaskTypeFeature,
			wantName:   models.StrategyTestHardening,
			wantSource: SourceTaskKeywords,
		},
		{
			name:       "task type default",
			taskText:   "add dark mode",
			taskType:   models.TaskTypeFeature,
			wantName:   models.StrategyFeatureDelivery,
			wantSource: SourceTaskTypeDefault,
		},
		{
			name:       "chore defaults to refactor",
			taskText:   "update the changelog generator",
			taskType:   models.TaskTypeChore,
			wantName:   models.StrategyRefactor,
			wantSource: SourceTaskTypeDefault,
		},
		{
			name:       "unknown type falls back to feature delivery",
			taskText:   "do the thing",
			taskType:   "mystery",
			wantName:   models.StrategyFeatureDelivery,
			wantSource: SourceTaskTypeDefault,
		},
		{
			name:       "unknown explicit strategy ignored",
			requested:  "yolo",
			taskText:   "add dark mode",
			taskType:   models.TaskTypeFeature,
			wantName:   models.StrategyFeatureDelivery,
			wantSource: SourceTaskTypeDefault,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Resolve(tc.requested, tc.taskText, tc.taskType)
			if got.Strategy.Name != tc.wantName {
				t.Errorf("strategy = %q, want %q", got.Strategy.Name, tc.wantName)
			}
			if got.Source != tc.wantSource {
				t.Errorf("source = %q, want %q", got.Source, tc.wantSource)
			}
		})
	}
}

func TestResolveIsPure(t *testing.T) {
	a := Resolve("", "fix crash", "")
	b := Resolve("", "fix crash", "")
	if a.Strategy.Name != b.Strategy.Name || a.Source != b.Source {
		t.Error("resolution not deterministic")
	}
}

func TestPromptsCarryGuidance(t *testing.T) {
	sel := Resolve("", "Fix null pointer in login", models.TaskTypeBugFix)
	sys := SystemPrompt(sel)
	if !strings.Contains(sys, sel.Strategy.ExecutionGuidance) {
		t.Error("system prompt missing execution guidance")
	}
	if !strings.Contains(sys, "run_command") {
		t.Error("system prompt missing decision protocol")
	}
	plan := PlanningPrompt("Fix null pointer in login", nil, sel)
	if !strings.Contains(plan, sel.Strategy.PlanningGuidance) {
		t.Error("planning prompt missing planning guidance")
	}
}
