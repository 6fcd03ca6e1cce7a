package models

// Run control states.
const (
	RunStateRunning   = "running"
	RunStatePaused    = "paused"
	RunStateCancelled = "cancelled"
)

// Task types accepted at ingress.
const (
	TaskTypeFeature  = "feature"
	TaskTypeBugFix   = "bug-fix"
	TaskTypeRefactor = "refactor"
	TaskTypeChore    = "chore"
)

// Prompt strategies. "auto" defers selection to task text and task type.
const (
	StrategyAuto            = "auto"
	StrategyFeatureDelivery = "feature-delivery"
	StrategyBugFix          = "bug-fix"
	StrategyRefactor        = "refactor"
	StrategyTestHardening   = "test-hardening"
)

// Default limits.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultSSEChannelBuffer    = 256
	DefaultResultLogBudget     = 64 << 10 // truncation budget for TaskResult.Logs
)
