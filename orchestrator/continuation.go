package orchestrator

import (
	"fmt"

	"github.com/taskvine/taskvine/core"
)

// Continuation is the orchestrator's recommendation of what the caller should
// invoke next. It is the contract the tool layer uses to surface the next
// operation to the agent.
type Continuation struct {
	ShouldProceed  bool           `json:"shouldProceed"`
	NextTool       string         `json:"nextTool,omitempty"`
	NextToolParams map[string]any `json:"nextToolParams,omitempty"`
	Reason         string         `json:"reason"`
	FallbackAction string         `json:"fallbackAction,omitempty"`
}

// Continuation computes the next action for the given workflow. It is a pure
// function of current state: it never mutates the workflow.
func (o *Orchestrator) Continuation(workflowID string) (*Continuation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, ok := o.store.Get(workflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	return o.continuation(w), nil
}

func (o *Orchestrator) continuation(w *core.Workflow) *Continuation {
	if len(w.Steps) == 0 || w.CurrentStep >= len(w.Steps) {
		return &Continuation{
			ShouldProceed: false,
			Reason:        "No current step found",
		}
	}

	if w.Status == core.WorkflowStatusCompleted {
		return &Continuation{
			ShouldProceed: false,
			Reason:        fmt.Sprintf("Workflow %s is already completed", w.ID),
		}
	}

	step := w.Steps[w.CurrentStep]
	if step.Status == core.StepStatusFailed {
		fallback := fmt.Sprintf("Retry %s after resolving the failure", step.Tool)
		if step.Error != "" {
			fallback = fmt.Sprintf("Retry %s after resolving: %s", step.Tool, step.Error)
		}
		return &Continuation{
			ShouldProceed:  false,
			Reason:         fmt.Sprintf("Current step %s failed; workflow is paused", step.Tool),
			FallbackAction: fallback,
		}
	}

	params := map[string]any{
		"taskId":  w.TaskID,
		"project": w.Project,
	}
	// Carry over the latest payload handed to the next tool, if any.
	transfers := o.store.Transfers(w.ID)
	for i := len(transfers) - 1; i >= 0; i-- {
		if transfers[i].TargetTool != step.Tool {
			continue
		}
		for k, v := range transfers[i].Payload {
			if _, reserved := params[k]; !reserved {
				params[k] = v
			}
		}
		break
	}

	return &Continuation{
		ShouldProceed:  true,
		NextTool:       step.Tool,
		NextToolParams: params,
		Reason:         fmt.Sprintf("Step %d of %d: invoke %s", w.CurrentStep+1, len(w.Steps), step.Tool),
	}
}
