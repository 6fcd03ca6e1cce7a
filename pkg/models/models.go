// Package models provides shared types for the sandbox-worker HTTP API and
// external tools. These types mirror the API JSON and are stable for use by
// pkg/client and other consumers.
package models

import "time"

// TaskParams is the immutable specification of one run. It is created once at
// ingress and never mutated afterwards.
type TaskParams struct {
	Repo           string `json:"repo"`                      // "owner/repo" or https URL
	Task           string `json:"task"`                      // natural-language task text
	TaskType       string `json:"task_type,omitempty"`       // feature | bug-fix | refactor | chore
	Model          string `json:"model,omitempty"`           // model override; empty = worker default
	ShouldCommit   bool   `json:"should_commit,omitempty"`   // create a commit when the quality gate passes
	PromptStrategy string `json:"prompt_strategy,omitempty"` // explicit strategy or "auto"
	PolychatAPIURL string `json:"polychat_api_url"`          // base URL of the platform API
	InstallationID string `json:"installation_id,omitempty"` // GitHub App installation, when present
	RunID          string `json:"run_id,omitempty"`          // enables remote run control when set
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"` // advisory wall-clock budget; 0 = none
}

// TaskSecrets carries credentials for one run. Passed alongside TaskParams,
// never logged and never embedded in URLs.
type TaskSecrets struct {
	UserToken   string `json:"-"`
	GitHubToken string `json:"-"`
}

// TaskResult is the single value returned for a run. Errors never escape the
// orchestrator; they are folded into Success/Error/ErrorType here.
type TaskResult struct {
	Success    bool   `json:"success"`
	Logs       string `json:"logs,omitempty"`
	Diff       string `json:"diff,omitempty"`
	BranchName string `json:"branch_name,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorType  string `json:"error_type,omitempty"`
}

// RunControl is the externally polled control state for a run.
type RunControl struct {
	State  string `json:"state"` // running | paused | cancelled
	Reason string `json:"reason,omitempty"`
}

// Run is a run record as exposed by the worker daemon API.
type Run struct {
	RunID     string      `json:"run_id"`
	Params    TaskParams  `json:"params"`
	Control   RunControl  `json:"control"`
	Result    *TaskResult `json:"result,omitempty"`
	CreatedAt time.Time   `json:"created_at,omitempty"`
	UpdatedAt time.Time   `json:"updated_at,omitempty"`
}
