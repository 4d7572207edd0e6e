// Package client is the high-level facade over project resolution, the task
// graph, and workflow orchestration. An agent integration talks to this
// package only; the lower-level packages remain usable on their own.
package client

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskvine/taskvine/backend"
	"github.com/taskvine/taskvine/core"
	"github.com/taskvine/taskvine/graph"
	"github.com/taskvine/taskvine/internal/log"
	"github.com/taskvine/taskvine/orchestrator"
	"github.com/taskvine/taskvine/project"
)

type Client struct {
	backend      backend.Backend
	resolver     *project.Resolver
	graph        *graph.Manager
	orchestrator *orchestrator.Orchestrator
}

func New(b backend.Backend, resolver *project.Resolver, opts ...orchestrator.Option) *Client {
	options := b.Options()

	opts = append([]orchestrator.Option{
		orchestrator.WithLogger(options.Logger),
		orchestrator.WithMetrics(options.Metrics),
		orchestrator.WithClock(options.Clock),
	}, opts...)

	return &Client{
		backend:      b,
		resolver:     resolver,
		graph:        graph.NewManager(b),
		orchestrator: orchestrator.New(opts...),
	}
}

// SetCurrentProject makes project the default for subsequent calls on the
// returned context. Calls that pass an explicit project name are unaffected.
func (c *Client) SetCurrentProject(ctx context.Context, name string) (context.Context, error) {
	return c.resolver.SetCurrent(ctx, name)
}

// PlanTasks writes a batch of task drafts into the named project using the
// given update mode. The whole batch is validated and persisted atomically.
func (c *Client) PlanTasks(ctx context.Context, projectName string, drafts []graph.TaskDraft, mode graph.UpdateMode, globalNote string) ([]*core.Task, error) {
	ctx, span := c.backend.Tracer().Start(ctx, "PlanTasks", trace.WithAttributes(
		attribute.String(log.ModeKey, string(mode)),
		attribute.Int(log.CountKey, len(drafts)),
	))
	defer span.End()

	root, err := c.resolver.Resolve(ctx, projectName)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String(log.ProjectKey, root.Name))

	return c.graph.InsertBatch(ctx, root, drafts, mode, globalNote)
}

// ListTasks returns the project's tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, projectName string, filter graph.StatusFilter) ([]*core.Task, error) {
	root, err := c.resolver.Resolve(ctx, projectName)
	if err != nil {
		return nil, err
	}

	return c.graph.List(ctx, root, filter)
}

// GetTask returns a single task by id.
func (c *Client) GetTask(ctx context.Context, projectName, id string) (*core.Task, error) {
	root, err := c.resolver.Resolve(ctx, projectName)
	if err != nil {
		return nil, err
	}

	return c.graph.Get(ctx, root, id)
}

// UpdateTaskStatus moves a task one step forward in its lifecycle.
func (c *Client) UpdateTaskStatus(ctx context.Context, projectName, id string, status core.TaskStatus) (*core.Task, error) {
	ctx, span := c.backend.Tracer().Start(ctx, "UpdateTaskStatus", trace.WithAttributes(
		attribute.String(log.TaskIDKey, id),
		attribute.String(log.StatusKey, string(status)),
	))
	defer span.End()

	root, err := c.resolver.Resolve(ctx, projectName)
	if err != nil {
		return nil, err
	}

	return c.graph.UpdateStatus(ctx, root, id, status, "")
}

// CompleteTask marks a task completed with the given summary. If the task
// has an active workflow, its current step is completed as well.
func (c *Client) CompleteTask(ctx context.Context, projectName, id, summary string) (*core.Task, error) {
	ctx, span := c.backend.Tracer().Start(ctx, "CompleteTask", trace.WithAttributes(
		attribute.String(log.TaskIDKey, id),
	))
	defer span.End()

	root, err := c.resolver.Resolve(ctx, projectName)
	if err != nil {
		return nil, err
	}

	task, err := c.graph.UpdateStatus(ctx, root, id, core.TaskStatusCompleted, summary)
	if err != nil {
		return nil, err
	}

	if w := c.orchestrator.FindByTaskID(id); w != nil && w.Active() {
		c.orchestrator.UpdateStepStatus(w.ID, w.CurrentStep, core.StepStatusCompleted,
			map[string]any{"summary": summary}, "")
	}

	return task, nil
}

// DeleteTask removes an incomplete task that no other task depends on.
func (c *Client) DeleteTask(ctx context.Context, projectName, id string) error {
	ctx, span := c.backend.Tracer().Start(ctx, "DeleteTask", trace.WithAttributes(
		attribute.String(log.TaskIDKey, id),
	))
	defer span.End()

	root, err := c.resolver.Resolve(ctx, projectName)
	if err != nil {
		return err
	}

	return c.graph.Delete(ctx, root, id)
}

// ClearAllTasks wipes the project's tasks after backing up the completed
// ones. It returns the backup location. confirm must be true.
func (c *Client) ClearAllTasks(ctx context.Context, projectName string, confirm bool) (string, error) {
	ctx, span := c.backend.Tracer().Start(ctx, "ClearAllTasks")
	defer span.End()

	root, err := c.resolver.Resolve(ctx, projectName)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String(log.ProjectKey, root.Name))

	return c.graph.ClearAll(ctx, root, confirm)
}

// Stats returns task counts by status for the project.
func (c *Client) Stats(ctx context.Context, projectName string) (*backend.Stats, error) {
	root, err := c.resolver.Resolve(ctx, projectName)
	if err != nil {
		return nil, err
	}

	return c.graph.Stats(ctx, root)
}

// StartWorkflow begins a guided tool sequence for the given task. The task
// must exist in the project and must not already have an active workflow.
func (c *Client) StartWorkflow(ctx context.Context, projectName, taskID string, tools []string) (*core.Workflow, error) {
	ctx, span := c.backend.Tracer().Start(ctx, "StartWorkflow", trace.WithAttributes(
		attribute.String(log.TaskIDKey, taskID),
	))
	defer span.End()

	root, err := c.resolver.Resolve(ctx, projectName)
	if err != nil {
		return nil, err
	}

	if _, err := c.graph.Get(ctx, root, taskID); err != nil {
		return nil, err
	}

	return c.orchestrator.Create(taskID, root.Name, tools)
}

// StartWorkflowFromTemplate is StartWorkflow with a named template sequence.
func (c *Client) StartWorkflowFromTemplate(ctx context.Context, projectName, taskID, template string) (*core.Workflow, error) {
	ctx, span := c.backend.Tracer().Start(ctx, "StartWorkflowFromTemplate", trace.WithAttributes(
		attribute.String(log.TaskIDKey, taskID),
	))
	defer span.End()

	root, err := c.resolver.Resolve(ctx, projectName)
	if err != nil {
		return nil, err
	}

	if _, err := c.graph.Get(ctx, root, taskID); err != nil {
		return nil, err
	}

	return c.orchestrator.CreateFromTemplate(taskID, root.Name, template)
}

// GetWorkflow returns a workflow by id.
func (c *Client) GetWorkflow(ctx context.Context, workflowID string) (*core.Workflow, error) {
	return c.orchestrator.Get(workflowID)
}

// CompleteStep marks a workflow step completed and records any data it
// produced for the next step.
func (c *Client) CompleteStep(ctx context.Context, workflowID string, index int, output map[string]any) error {
	ctx, span := c.backend.Tracer().Start(ctx, "CompleteStep", trace.WithAttributes(
		attribute.String(log.WorkflowIDKey, workflowID),
		attribute.Int(log.StepKey, index),
	))
	defer span.End()

	w, err := c.orchestrator.Get(workflowID)
	if err != nil {
		return err
	}

	if !c.orchestrator.UpdateStepStatus(workflowID, index, core.StepStatusCompleted, output, "") {
		return fmt.Errorf("step %d out of range for workflow %s", index, workflowID)
	}

	if output != nil && index+1 < len(w.Steps) {
		return c.orchestrator.RecordStateTransfer(workflowID, w.Steps[index].Tool, w.Steps[index+1].Tool, output)
	}

	return nil
}

// FailStep marks a workflow step failed, pausing the workflow.
func (c *Client) FailStep(ctx context.Context, workflowID string, index int, stepErr string) error {
	ctx, span := c.backend.Tracer().Start(ctx, "FailStep", trace.WithAttributes(
		attribute.String(log.WorkflowIDKey, workflowID),
		attribute.Int(log.StepKey, index),
	))
	defer span.End()

	if _, err := c.orchestrator.Get(workflowID); err != nil {
		return err
	}

	if !c.orchestrator.UpdateStepStatus(workflowID, index, core.StepStatusFailed, nil, stepErr) {
		return fmt.Errorf("step %d out of range for workflow %s", index, workflowID)
	}

	return nil
}

// Continuation tells the agent what to do next for the workflow.
func (c *Client) Continuation(ctx context.Context, workflowID string) (*orchestrator.Continuation, error) {
	return c.orchestrator.Continuation(workflowID)
}

// WorkflowMonitoring returns progress counters for a workflow, or nil if it
// does not exist.
func (c *Client) WorkflowMonitoring(workflowID string) *orchestrator.MonitoringData {
	return c.orchestrator.Monitoring(workflowID)
}
