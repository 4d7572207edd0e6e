// Package orchestrator tracks multi-step tool call sequences bound to tasks.
// It never executes anything itself: the external agent does the work and
// reports step outcomes back; the orchestrator's job is deterministic
// sequencing and telling the caller what to invoke next.
package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/taskvine/taskvine/core"
	"github.com/taskvine/taskvine/internal/log"
	"github.com/taskvine/taskvine/internal/metrickeys"
	im "github.com/taskvine/taskvine/internal/metrics"
	"github.com/taskvine/taskvine/metrics"
)

var (
	// ErrWorkflowNotFound is returned for an unknown workflow id.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowConflict is returned when a task already has an active
	// workflow. One task, one active sequence.
	ErrWorkflowConflict = errors.New("task already has an active workflow")

	// ErrEmptySequence is returned when a workflow is created without steps.
	ErrEmptySequence = errors.New("workflow requires at least one tool")

	// ErrUnknownTemplate is returned when a named tool sequence is not
	// registered.
	ErrUnknownTemplate = errors.New("unknown workflow template")
)

type Options struct {
	Logger    *slog.Logger
	Metrics   metrics.Client
	Clock     clock.Clock
	Store     Store
	Templates []Template
}

type Option func(*Options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) Option {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithStore(s Store) Option {
	return func(o *Options) {
		o.Store = s
	}
}

func WithTemplates(templates []Template) Option {
	return func(o *Options) {
		o.Templates = templates
	}
}

// Orchestrator is a small state machine per workflow instance. Transitions
// are serialized by an internal lock because UpdateStepStatus is not
// idempotent: double-completing a step must not double-advance.
type Orchestrator struct {
	store     Store
	clock     clock.Clock
	logger    *slog.Logger
	metrics   metrics.Client
	templates map[string]Template

	mu sync.Mutex
}

func New(opts ...Option) *Orchestrator {
	options := Options{
		Logger:    slog.Default(),
		Metrics:   im.NewNoopMetricsClient(),
		Clock:     clock.New(),
		Templates: DefaultTemplates(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Store == nil {
		options.Store = NewMemoryStore()
	}

	templates := make(map[string]Template, len(options.Templates))
	for _, tpl := range options.Templates {
		templates[tpl.Name] = tpl
	}

	return &Orchestrator{
		store:     options.Store,
		clock:     options.Clock,
		logger:    options.Logger,
		metrics:   options.Metrics,
		templates: templates,
	}
}

// Create starts tracking a new workflow for the given task. The first step is
// immediately in progress. A task with an active workflow cannot get a second
// one.
func (o *Orchestrator) Create(taskID, project string, tools []string) (*core.Workflow, error) {
	if len(tools) == 0 {
		return nil, ErrEmptySequence
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.store.FindByTaskID(taskID); ok && existing.Active() {
		return nil, fmt.Errorf("%w: task %s, workflow %s", ErrWorkflowConflict, taskID, existing.ID)
	}

	now := o.clock.Now().UTC()
	steps := make([]core.Step, len(tools))
	for i, tool := range tools {
		steps[i] = core.Step{Tool: tool, Status: core.StepStatusPending}
	}
	steps[0].Status = core.StepStatusInProgress

	w := &core.Workflow{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		Project:     project,
		Steps:       steps,
		CurrentStep: 0,
		Status:      core.WorkflowStatusInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	o.store.Put(w)

	o.metrics.Counter(metrickeys.WorkflowCreated, metrics.Tags{metrickeys.Project: project}, 1)
	o.logger.Debug("Created workflow",
		log.WorkflowIDKey, w.ID, log.TaskIDKey, taskID, log.ProjectKey, project, log.CountKey, len(tools))

	return w.Clone(), nil
}

// CreateFromTemplate starts a workflow from a registered named tool sequence.
func (o *Orchestrator) CreateFromTemplate(taskID, project, template string) (*core.Workflow, error) {
	tpl, ok := o.templates[template]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, template)
	}
	return o.Create(taskID, project, tpl.Tools)
}

// Get returns a copy of the workflow with the given id.
func (o *Orchestrator) Get(workflowID string) (*core.Workflow, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, ok := o.store.Get(workflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return w.Clone(), nil
}

// FindByTaskID returns the task's workflow, or nil if it has none.
func (o *Orchestrator) FindByTaskID(taskID string) *core.Workflow {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, ok := o.store.FindByTaskID(taskID)
	if !ok {
		return nil
	}
	return w.Clone()
}

// UpdateStepStatus records the outcome of one step. Completing the current
// step advances to the next incomplete one; failing the current step pauses
// the workflow with later steps untouched. Workflow status is derived from
// the steps after every update, never assigned directly. An unknown workflow
// or out-of-range index returns false: that is a caller programming error,
// not a data error.
func (o *Orchestrator) UpdateStepStatus(workflowID string, index int, status core.StepStatus, output map[string]any, stepErr string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, ok := o.store.Get(workflowID)
	if !ok {
		return false
	}
	if index < 0 || index >= len(w.Steps) {
		return false
	}

	step := &w.Steps[index]
	step.Status = status
	if output != nil {
		step.Output = output
	}
	step.Error = stepErr

	switch status {
	case core.StepStatusCompleted:
		if index == w.CurrentStep {
			// Steps may have been completed out of order; skip past them.
			next := index + 1
			for next < len(w.Steps) && w.Steps[next].Status == core.StepStatusCompleted {
				next++
			}
			if next < len(w.Steps) {
				w.CurrentStep = next
				if w.Steps[next].Status == core.StepStatusPending {
					w.Steps[next].Status = core.StepStatusInProgress
				}
			}
		}
	case core.StepStatusFailed:
		// currentStep stays put so the failed step can be retried.
		o.metrics.Counter(metrickeys.WorkflowStepFailed,
			metrics.Tags{metrickeys.Project: w.Project, metrickeys.Tool: step.Tool}, 1)
	}

	prev := w.Status
	deriveStatus(w)
	if w.Status != prev {
		switch w.Status {
		case core.WorkflowStatusCompleted:
			o.metrics.Counter(metrickeys.WorkflowCompleted, metrics.Tags{metrickeys.Project: w.Project}, 1)
		case core.WorkflowStatusPaused:
			o.metrics.Counter(metrickeys.WorkflowPaused, metrics.Tags{metrickeys.Project: w.Project}, 1)
		}
	}

	w.UpdatedAt = o.clock.Now().UTC()
	o.store.Put(w)

	o.logger.Debug("Updated workflow step",
		log.WorkflowIDKey, workflowID, log.StepKey, index, log.ToolKey, step.Tool, log.StatusKey, string(status))

	return true
}

// deriveStatus recomputes the workflow-level status from its steps: completed
// iff every step is completed, paused iff the current step is failed,
// otherwise in progress.
func deriveStatus(w *core.Workflow) {
	completed := 0
	for _, s := range w.Steps {
		if s.Status == core.StepStatusCompleted {
			completed++
		}
	}

	switch {
	case completed == len(w.Steps):
		w.Status = core.WorkflowStatusCompleted
	case w.Steps[w.CurrentStep].Status == core.StepStatusFailed:
		w.Status = core.WorkflowStatusPaused
	default:
		w.Status = core.WorkflowStatusInProgress
	}
}

// RecordStateTransfer appends an audit record of data handed from one step to
// the next.
func (o *Orchestrator) RecordStateTransfer(workflowID, sourceTool, targetTool string, data map[string]any) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, ok := o.store.Get(workflowID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	o.store.AppendTransfer(&core.StateTransfer{
		WorkflowID: workflowID,
		SourceTool: sourceTool,
		TargetTool: targetTool,
		Payload:    data,
		Timestamp:  o.clock.Now().UTC(),
	})

	w.UpdatedAt = o.clock.Now().UTC()
	o.store.Put(w)

	return nil
}

// StateTransferHistory returns the workflow's transfer records in insertion
// order.
func (o *Orchestrator) StateTransferHistory(workflowID string) []*core.StateTransfer {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.store.Transfers(workflowID)
}

// MonitoringData summarizes a workflow's progress for observability surfaces.
type MonitoringData struct {
	WorkflowID     string    `json:"workflowId"`
	TotalSteps     int       `json:"totalSteps"`
	CompletedSteps int       `json:"completedSteps"`
	FailedSteps    int       `json:"failedSteps"`
	ErrorRate      float64   `json:"errorRate"`
	LastActivity   time.Time `json:"lastActivity"`
}

// Monitoring returns progress data for the given workflow, or nil for an
// unknown id: monitoring is best-effort and never throws.
func (o *Orchestrator) Monitoring(workflowID string) *MonitoringData {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, ok := o.store.Get(workflowID)
	if !ok {
		return nil
	}

	data := &MonitoringData{
		WorkflowID:   w.ID,
		TotalSteps:   len(w.Steps),
		LastActivity: w.UpdatedAt,
	}
	for _, s := range w.Steps {
		switch s.Status {
		case core.StepStatusCompleted:
			data.CompletedSteps++
		case core.StepStatusFailed:
			data.FailedSteps++
		}
	}
	if data.TotalSteps > 0 {
		data.ErrorRate = float64(data.FailedSteps) / float64(data.TotalSteps)
	}

	return data
}

// CleanupExpired evicts workflows whose last activity is older than maxAge,
// along with their transfer records, and returns how many were evicted.
// maxAge 0 evicts everything.
func (o *Orchestrator) CleanupExpired(maxAge time.Duration) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := o.clock.Now().UTC().Add(-maxAge)

	evicted := 0
	for _, w := range o.store.List() {
		if maxAge == 0 || w.UpdatedAt.Before(cutoff) {
			o.store.Delete(w.ID)
			o.store.DeleteTransfers(w.ID)
			evicted++
		}
	}

	if evicted > 0 {
		o.metrics.Counter(metrickeys.WorkflowEvicted, metrics.Tags{}, int64(evicted))
		o.logger.Debug("Evicted expired workflows", log.CountKey, evicted)
	}

	return evicted
}
