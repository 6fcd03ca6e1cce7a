package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/polychat/sandbox-worker/internal/agentloop"
	"github.com/polychat/sandbox-worker/internal/config"
	"github.com/polychat/sandbox-worker/internal/events"
	"github.com/polychat/sandbox-worker/internal/llm"
	"github.com/polychat/sandbox-worker/internal/orchestrator"
	"github.com/polychat/sandbox-worker/internal/sandbox"
	"github.com/polychat/sandbox-worker/pkg/models"
)

func newRunCmd() *cobra.Command {
	var (
		repo       string
		task       string
		taskType   string
		model      string
		strategy   string
		commit     bool
		timeoutSec int
		jsonOut    bool
		showDiff   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one task locally and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if repo == "" || task == "" {
				return fmt.Errorf("--repo and --task are required")
			}
			home := config.MustHomeFrom(cmd.Context())
			cfg, err := config.Load(home)
			if err != nil {
				return err
			}

			params := models.TaskParams{
				Repo:           repo,
				Task:           task,
				TaskType:       taskType,
				Model:          model,
				ShouldCommit:   commit,
				PromptStrategy: strategy,
				RunID:          uuid.NewString(),
				TimeoutSeconds: timeoutSec,
			}
			// Credentials come from the environment only; they never appear
			// on the command line or in the printed result.
			secrets := models.TaskSecrets{
				UserToken:   os.Getenv("SANDBOX_WORKER_USER_TOKEN"),
				GitHubToken: githubTokenFromEnv(),
			}

			var sink events.Sink = events.Discard
			if !jsonOut {
				sink = newEventPrinter(cmd.ErrOrStderr())
			}

			orch := orchestrator.New(orchestrator.Options{
				NewSandbox: func() (sandbox.Sandbox, error) {
					return sandbox.NewLocal(cfg.Sandbox.Root)
				},
				Model: &llm.Client{
					BaseURL: cfg.Model.BaseURL,
					APIKey:  cfg.Model.APIKey,
				},
				ModelName: cfg.Model.Name,
				Sink:      sink,
				Loop: agentloop.Loop{
					MaxSteps:       cfg.Budgets.MaxAgentSteps,
					MaxCommandRuns: cfg.Budgets.MaxCommands,
				},
			})

			result := orch.Execute(cmd.Context(), params, secrets)

			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			if result.Success {
				_, _ = color.New(color.FgGreen, color.Bold).Fprintln(out, "run succeeded")
			} else {
				_, _ = color.New(color.FgRed, color.Bold).Fprintf(out, "run failed (%s)\n", result.ErrorType)
				_, _ = fmt.Fprintln(out, result.Error)
			}
			if result.BranchName != "" {
				_, _ = fmt.Fprintf(out, "branch:  %s\n", result.BranchName)
			}
			if result.Summary != "" {
				_, _ = fmt.Fprintf(out, "summary: %s\n", result.Summary)
			}
			if showDiff && result.Diff != "" {
				_, _ = fmt.Fprintln(out)
				printDiff(out, result.Diff)
			}
			if !result.Success {
				return fmt.Errorf("run %s failed", params.RunID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "Repository (owner/repo or https URL)")
	cmd.Flags().StringVar(&task, "task", "", "Task text")
	cmd.Flags().StringVar(&taskType, "type", "feature", "Task type: feature, bug-fix, refactor, chore")
	cmd.Flags().StringVar(&model, "model", "", "Model override (default from config)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "Prompt strategy (default: auto)")
	cmd.Flags().BoolVar(&commit, "commit", false, "Commit the changes when the quality gate passes")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 0, "Wall-clock budget in seconds (0 = none)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the result as JSON, suppress the event stream")
	cmd.Flags().BoolVar(&showDiff, "diff", true, "Print the generated diff")

	return cmd
}

func githubTokenFromEnv() string {
	if v := os.Getenv("SANDBOX_WORKER_GITHUB_TOKEN"); v != "" {
		return v
	}
	return os.Getenv("GITHUB_TOKEN")
}
