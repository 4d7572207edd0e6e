package metrickeys

const (
	Prefix = "taskvine."

	// Tasks
	TaskBatchInserted = Prefix + "task.batch.inserted"
	TaskBatchDuration = Prefix + "task.batch.duration"
	TaskCompleted     = Prefix + "task.completed"
	TaskDeleted       = Prefix + "task.deleted"
	TasksCleared      = Prefix + "task.cleared"

	// Store
	LockAcquired   = Prefix + "store.lock.acquired"
	LockTimeout    = Prefix + "store.lock.timeout"
	LockWaitTime   = Prefix + "store.lock.wait_time"
	BackupWritten  = Prefix + "store.backup.written"
	CollectionSize = Prefix + "store.collection.size"

	// Workflows
	WorkflowCreated    = Prefix + "workflow.created"
	WorkflowCompleted  = Prefix + "workflow.completed"
	WorkflowPaused     = Prefix + "workflow.paused"
	WorkflowEvicted    = Prefix + "workflow.evicted"
	WorkflowStepFailed = Prefix + "workflow.step.failed"
)

// Tag names
const (
	Backend = "backend"
	Project = "project"
	Mode    = "mode"
	Tool    = "tool"
)
