// Package orchestrator drives one run end to end: clone, context, plan,
// agent loop, quality gate, story tracker, diff, commit. It is the single
// place where internal errors are classified and folded into a TaskResult;
// nothing below it ever reaches the caller as an error.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/polychat/sandbox-worker/internal/agentloop"
	"github.com/polychat/sandbox-worker/internal/control"
	"github.com/polychat/sandbox-worker/internal/events"
	"github.com/polychat/sandbox-worker/internal/gitops"
	"github.com/polychat/sandbox-worker/internal/llm"
	"github.com/polychat/sandbox-worker/internal/otel"
	"github.com/polychat/sandbox-worker/internal/prompt"
	"github.com/polychat/sandbox-worker/internal/qualitygate"
	"github.com/polychat/sandbox-worker/internal/repocontext"
	"github.com/polychat/sandbox-worker/internal/sandbox"
	"github.com/polychat/sandbox-worker/internal/shellsafe"
	"github.com/polychat/sandbox-worker/internal/storytracker"
	"github.com/polychat/sandbox-worker/internal/taskerr"
	"github.com/polychat/sandbox-worker/pkg/models"
)

// Options wires an orchestrator. NewSandbox and Model are required; the rest
// have working defaults.
type Options struct {
	NewSandbox func() (sandbox.Sandbox, error)
	Model      agentloop.ModelCaller
	ModelName  string // default model when TaskParams.Model is empty

	// NewController builds the run controller; nil means a local controller
	// with no remote fetcher. The emitter is the run's emitter, so pause and
	// resume events land in the same stream as everything else.
	NewController func(params models.TaskParams, emitter *events.Emitter) *control.Controller

	Sink      events.Sink // external event consumer; nil = discard
	LogBudget int         // result log cap in bytes; 0 = models.DefaultResultLogBudget

	Loop agentloop.Loop // budget overrides; Model/Sandbox/etc are filled per run
}

// Orchestrator executes runs sequentially. One instance may serve many runs;
// each run gets its own sandbox and emitter.
type Orchestrator struct {
	opts Options
}

func New(opts Options) *Orchestrator {
	if opts.LogBudget <= 0 {
		opts.LogBudget = models.DefaultResultLogBudget
	}
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}
	return &Orchestrator{opts: opts}
}

// Execute runs one task to completion. It never returns an error; failures
// are classified into the result. The sandbox is destroyed on every path.
func (o *Orchestrator) Execute(ctx context.Context, params models.TaskParams, secrets models.TaskSecrets) models.TaskResult {
	recorder := newLogRecorder(o.opts.LogBudget)
	emitter := events.NewEmitter(params.RunID, events.MultiSink{recorder, o.opts.Sink})

	var ctrl *control.Controller
	if o.opts.NewController != nil {
		ctrl = o.opts.NewController(params, emitter)
	}
	if ctrl == nil {
		// Remote pause/cancel needs both a run id and a control endpoint;
		// without them the controller only enforces the timeout.
		var fetcher control.Fetcher
		if params.RunID != "" && params.PolychatAPIURL != "" {
			fetcher = &control.HTTPFetcher{
				BaseURL: params.PolychatAPIURL,
				RunID:   params.RunID,
				Token:   secrets.UserToken,
			}
		}
		ctrl = control.New(control.Options{
			Timeout: time.Duration(params.TimeoutSeconds) * time.Second,
			Fetcher: fetcher,
			Emitter: emitter,
		})
	}

	start := time.Now()
	emitter.Emit(events.TaskStarted, map[string]any{
		"repo":      params.Repo,
		"task_type": params.TaskType,
	})

	result, err := o.run(ctx, params, secrets, ctrl.Checkpoint, emitter)
	if err != nil {
		classified := taskerr.Classify(err)
		slog.Error("run failed", "run_id", params.RunID, "error_type", classified.Type, "error", classified.Message)
		if classified.Type == taskerr.TypeCancelled {
			emitter.Emit(events.TaskCancelled, map[string]any{"reason": classified.Message})
		} else {
			emitter.Emit(events.TaskFailed, map[string]any{
				"error":      classified.Message,
				"error_type": classified.Type,
			})
		}
		otel.RecordRun(ctx, "failure", classified.Type, time.Since(start))
		return models.TaskResult{
			Success:   false,
			Error:     classified.Message,
			ErrorType: classified.Type,
			Logs:      recorder.String(),
		}
	}

	otel.RecordRun(ctx, "success", "", time.Since(start))
	result.Logs = recorder.String()
	return result
}

func (o *Orchestrator) run(ctx context.Context, params models.TaskParams, secrets models.TaskSecrets, checkpoint control.Checkpoint, emitter *events.Emitter) (models.TaskResult, error) {
	if strings.TrimSpace(params.Task) == "" {
		return models.TaskResult{}, &taskerr.ValidationError{Msg: "task must not be empty"}
	}
	ref, err := shellsafe.ResolveGitHubRepo(params.Repo, secrets.GitHubToken)
	if err != nil {
		return models.TaskResult{}, err
	}

	sb, err := o.opts.NewSandbox()
	if err != nil {
		return models.TaskResult{}, fmt.Errorf("sandbox setup: %w", err)
	}
	defer func() {
		if derr := sb.Destroy(context.WithoutCancel(ctx)); derr != nil {
			slog.Warn("sandbox destroy failed", "error", derr)
		}
	}()

	repoDir := ref.TargetDir

	if err := checkpoint(ctx, "before clone"); err != nil {
		return models.TaskResult{}, err
	}
	emitter.Emit(events.RepoCloneStarted, map[string]any{"repo": ref.DisplayName})
	if err := gitops.Clone(ctx, sb, ref); err != nil {
		return models.TaskResult{}, err
	}
	emitter.Emit(events.RepoCloneCompleted, map[string]any{"repo": ref.DisplayName})
	if err := checkpoint(ctx, "after clone"); err != nil {
		return models.TaskResult{}, err
	}

	branch := gitops.BranchName(params.TaskType, params.RunID)
	if err := gitops.CreateBranch(ctx, sb, repoDir, branch); err != nil {
		return models.TaskResult{}, err
	}
	emitter.Emit(events.GitBranchCreated, map[string]any{"branch": branch})

	rc, err := repocontext.Collect(ctx, sb, repoDir)
	if err != nil {
		return models.TaskResult{}, err
	}
	prdStories := 0
	if rc.Prd != nil {
		prdStories = len(rc.Prd.Stories)
	}
	emitter.Emit(events.RepoContextCollected, map[string]any{
		"entries":            len(rc.TopLevelEntries),
		"instruction_source": rc.TaskInstructionSource,
		"prd_stories":        prdStories,
	})

	sel := prompt.Resolve(params.PromptStrategy, params.Task, params.TaskType)
	otel.RecordStrategySelected(ctx, sel.Strategy.Name)
	emitter.Emit(events.PromptStrategySelected, map[string]any{
		"strategy": sel.Strategy.Name,
		"source":   sel.Source,
	})

	modelName := params.Model
	if modelName == "" {
		modelName = o.opts.ModelName
	}

	emitter.Emit(events.PlanningStarted, nil)
	system := prompt.SystemPrompt(sel)
	planning := prompt.PlanningPrompt(params.Task, rc, sel)
	plan, err := o.opts.Model.ChatCompletion(ctx, llm.Request{
		Model: modelName,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: planning},
		},
	})
	if err != nil {
		return models.TaskResult{}, err
	}
	emitter.Emit(events.PlanningCompleted, map[string]any{"plan": plan})
	if batch := qualitygate.DeriveQualityGateCommands([]string{plan}); len(batch) > 0 {
		emitter.Emit(events.CommandBatchReady, map[string]any{"commands": batch})
	}

	loop := o.opts.Loop
	loop.Model = o.opts.Model
	loop.ModelName = modelName
	loop.Sandbox = sb
	loop.RepoDir = repoDir
	loop.Checkpoint = checkpoint
	loop.Emitter = emitter

	transcript := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: planning},
		{Role: "assistant", Content: plan},
		{Role: "user", Content: "Proceed with your first decision."},
	}
	loopRes, err := loop.Run(ctx, transcript, plan)
	if err != nil {
		return models.TaskResult{}, err
	}

	gateCommands := qualitygate.DeriveQualityGateCommands(loopRes.Plans)
	gateRes, err := qualitygate.Run(ctx, sb, repoDir, gateCommands, checkpoint, emitter)
	if err != nil {
		return models.TaskResult{}, err
	}

	storytracker.Record(ctx, sb, repoDir, rc.Prd, params.Task, loopRes.Plans, gateRes.Passed, emitter)

	if err := checkpoint(ctx, "before diff"); err != nil {
		return models.TaskResult{}, err
	}
	hasChanges, err := gitops.HasChanges(ctx, sb, repoDir)
	if err != nil {
		return models.TaskResult{}, err
	}
	var diff string
	if hasChanges {
		diff, err = gitops.Diff(ctx, sb, repoDir)
		if err != nil {
			return models.TaskResult{}, err
		}
		emitter.Emit(events.DiffGenerated, map[string]any{"bytes": len(diff)})
	}

	switch {
	case !params.ShouldCommit:
		emitter.Emit(events.CommitSkipped, map[string]any{"reason": "commit not requested"})
	case !gateRes.Passed:
		emitter.Emit(events.CommitSkipped, map[string]any{"reason": "quality gate failed"})
	case !hasChanges:
		emitter.Emit(events.CommitSkipped, map[string]any{"reason": "no changes"})
	default:
		if err := checkpoint(ctx, "before commit"); err != nil {
			return models.TaskResult{}, err
		}
		sha, err := gitops.Commit(ctx, sb, repoDir, commitMessage(params, loopRes.Summary))
		if err != nil {
			return models.TaskResult{}, err
		}
		emitter.Emit(events.CommitCreated, map[string]any{"sha": sha, "branch": branch})
	}

	summary := loopRes.Summary
	if gateRes.Skipped {
		summary += "\n\n" + gateRes.Summary
	} else {
		summary += fmt.Sprintf("\n\nQuality gate: %s", gateRes.Summary)
	}
	emitter.Emit(events.AgentFinished, map[string]any{
		"summary":       loopRes.Summary,
		"command_count": loopRes.CommandCount,
		"gate_passed":   gateRes.Passed,
	})

	return models.TaskResult{
		Success:    true,
		Diff:       diff,
		BranchName: branch,
		Summary:    summary,
	}, nil
}

func commitMessage(params models.TaskParams, summary string) string {
	first := strings.SplitN(strings.TrimSpace(summary), "\n", 2)[0]
	if first == "" {
		first = strings.SplitN(strings.TrimSpace(params.Task), "\n", 2)[0]
	}
	const max = 72
	if len(first) > max {
		first = first[:max]
	}
	return first
}
