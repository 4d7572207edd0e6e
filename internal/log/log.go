package log

// Shared slog attribute keys.
const (
	ProjectKey    = "project"
	RootKey       = "root"
	TaskIDKey     = "task_id"
	TaskNameKey   = "task_name"
	StatusKey     = "status"
	ModeKey       = "mode"
	WorkflowIDKey = "workflow_id"
	StepKey       = "step"
	ToolKey       = "tool"
	BackupKey     = "backup"
	CountKey      = "count"
)
