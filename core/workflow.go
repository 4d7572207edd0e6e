package core

import "time"

// StepStatus is the lifecycle state of a single workflow step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
)

// WorkflowStatus is derived from the step statuses, never set directly except
// at creation.
type WorkflowStatus string

const (
	WorkflowStatusInProgress WorkflowStatus = "in_progress"
	WorkflowStatusCompleted  WorkflowStatus = "completed"
	WorkflowStatusFailed     WorkflowStatus = "failed"
	WorkflowStatusPaused     WorkflowStatus = "paused"
)

// Step is one external tool invocation tracked within a workflow.
type Step struct {
	Tool   string         `json:"tool"`
	Status StepStatus     `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Workflow tracks a bounded, ordered sequence of tool invocations bound to one
// task. It references the task by id but does not own it.
type Workflow struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"taskId"`
	Project     string         `json:"project"`
	Steps       []Step         `json:"steps"`
	CurrentStep int            `json:"currentStep"`
	Status      WorkflowStatus `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Active reports whether the workflow can still make progress.
func (w *Workflow) Active() bool {
	return w.Status == WorkflowStatusInProgress || w.Status == WorkflowStatusPaused
}

// Clone returns a deep copy of the workflow.
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.Steps = make([]Step, len(w.Steps))
	for i, s := range w.Steps {
		c.Steps[i] = s
		if s.Output != nil {
			out := make(map[string]any, len(s.Output))
			for k, v := range s.Output {
				out[k] = v
			}
			c.Steps[i].Output = out
		}
	}
	return &c
}

// StateTransfer is an append-only audit record of data handed from one step to
// the next.
type StateTransfer struct {
	WorkflowID string         `json:"workflowId"`
	SourceTool string         `json:"sourceTool"`
	TargetTool string         `json:"targetTool"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
