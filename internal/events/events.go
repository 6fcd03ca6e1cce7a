// Package events defines the ordered, push-only event stream a run emits.
// The core never buffers events; it hands each one to a Sink and moves on.
package events

import "time"

// Event is one emission record. Data carries the type-specific payload.
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Event types, in rough emission order over a run's lifetime.
const (
	TaskStarted               = "task_started"
	RepoCloneStarted          = "repo_clone_started"
	RepoCloneCompleted        = "repo_clone_completed"
	GitBranchCreated          = "git_branch_created"
	RepoContextCollected      = "repo_context_collected"
	PromptStrategySelected    = "prompt_strategy_selected"
	PlanningStarted           = "planning_started"
	PlanningCompleted         = "planning_completed"
	CommandBatchReady         = "command_batch_ready"
	AgentStepStarted          = "agent_step_started"
	AgentDecision             = "agent_decision"
	PlanUpdated               = "plan_updated"
	FileRead                  = "file_read"
	CommandStarted            = "command_started"
	CommandCompleted          = "command_completed"
	CommandFailed             = "command_failed"
	QualityGateCommandsPicked = "quality_gate_commands_selected"
	QualityGateStarted        = "quality_gate_started"
	QualityGateCheckStarted   = "quality_gate_check_started"
	QualityGateCheckPassed    = "quality_gate_check_passed"
	QualityGateCheckFailed    = "quality_gate_check_failed"
	QualityGateCompleted      = "quality_gate_completed"
	QualityGateSkipped        = "quality_gate_skipped"
	StoryTrackerSelected      = "story_tracker_selected"
	StoryTrackerPrdUpdated    = "story_tracker_prd_updated"
	StoryTrackerProgress      = "story_tracker_progress_updated"
	StoryTrackerSkipped       = "story_tracker_skipped"
	DiffGenerated             = "diff_generated"
	CommitCreated             = "commit_created"
	CommitSkipped             = "commit_skipped"
	RunPaused                 = "run_paused"
	RunResumed                = "run_resumed"
	TaskCancelled             = "task_cancelled"
	TaskFailed                = "task_failed"
	AgentFinished             = "agent_finished"
)

// Sink receives events. Implementations must not block for long; slow
// consumers should buffer or drop on their side.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// MultiSink fans one event out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Discard drops every event. Useful as a default and in tests.
var Discard Sink = SinkFunc(func(Event) {})
