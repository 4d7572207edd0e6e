// Package graph enforces all task invariants: acyclic dependencies, the
// forward-only status lifecycle, and delete/clear guards. It is the only
// component that mutates a project's task collection, and every mutation runs
// under the store's per-root lock so partial application is never observable.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/taskvine/taskvine/backend"
	"github.com/taskvine/taskvine/core"
	"github.com/taskvine/taskvine/internal/log"
	"github.com/taskvine/taskvine/internal/metrickeys"
	"github.com/taskvine/taskvine/metrics"
)

// StatusFilter selects tasks by status in List.
type StatusFilter string

const (
	FilterAll        StatusFilter = "all"
	FilterPending    StatusFilter = StatusFilter(core.TaskStatusPending)
	FilterInProgress StatusFilter = StatusFilter(core.TaskStatusInProgress)
	FilterCompleted  StatusFilter = StatusFilter(core.TaskStatusCompleted)
)

// Manager owns the task collection of every project it is pointed at.
type Manager struct {
	backend backend.Backend
	clock   clock.Clock
	logger  *slog.Logger
	metrics metrics.Client
}

func NewManager(b backend.Backend) *Manager {
	opts := b.Options()

	return &Manager{
		backend: b,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: b.Metrics(),
	}
}

// List returns the project's tasks, optionally filtered by status. An empty
// filter behaves like FilterAll.
func (m *Manager) List(ctx context.Context, root core.ProjectRoot, filter StatusFilter) ([]*core.Task, error) {
	tasks, err := m.backend.Load(ctx, root)
	if err != nil {
		return nil, err
	}

	if filter == "" || filter == FilterAll {
		return tasks, nil
	}

	filtered := make([]*core.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == core.TaskStatus(filter) {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

// Get returns the task with the given id or ErrTaskNotFound.
func (m *Manager) Get(ctx context.Context, root core.ProjectRoot, id string) (*core.Task, error) {
	tasks, err := m.backend.Load(ctx, root)
	if err != nil {
		return nil, err
	}

	for _, t := range tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// Stats returns per-status counts for the project.
func (m *Manager) Stats(ctx context.Context, root core.ProjectRoot) (*backend.Stats, error) {
	return m.backend.Stats(ctx, root)
}

// UpdateStatus moves a task forward through its lifecycle. Backward or
// skipping transitions are rejected; a task may only start while all of its
// dependencies are completed; completing requires a summary. Completion also
// triggers the related-file reclassification pass, since files planned as
// CREATE may have materialized by now.
func (m *Manager) UpdateStatus(ctx context.Context, root core.ProjectRoot, id string, status core.TaskStatus, summary string) (*core.Task, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: invalid status %q", ErrInvariant, status)
	}

	var updated *core.Task
	err := m.backend.WithLock(ctx, root, func(ctx context.Context) error {
		tasks, err := m.backend.Load(ctx, root)
		if err != nil {
			return err
		}

		var task *core.Task
		for _, t := range tasks {
			if t.ID == id {
				task = t
				break
			}
		}
		if task == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}

		if !task.Status.CanTransition(status) {
			return fmt.Errorf("%w: cannot transition task %q from %s to %s", ErrInvariant, task.Name, task.Status, status)
		}

		if status == core.TaskStatusInProgress {
			if blocking := incompleteDependencies(task, tasks); len(blocking) > 0 {
				return fmt.Errorf("%w: task %q has incomplete dependencies: %s",
					ErrInvariant, task.Name, strings.Join(blocking, ", "))
			}
		}

		now := m.clock.Now().UTC()
		if status == core.TaskStatusCompleted {
			if summary == "" {
				return fmt.Errorf("%w: completing task %q requires a summary", ErrInvariant, task.Name)
			}
			task.Summary = summary
			completedAt := now
			task.CompletedAt = &completedAt

			// Files other tasks planned to CREATE may exist now.
			reclassifyRelatedFiles(tasks, now)
		}

		task.Status = status
		task.UpdatedAt = now

		if err := m.backend.Save(ctx, root, tasks); err != nil {
			return err
		}

		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	if status == core.TaskStatusCompleted {
		m.metrics.Counter(metrickeys.TaskCompleted, metrics.Tags{metrickeys.Project: root.Name}, 1)
	}
	m.logger.Debug("Updated task status",
		log.ProjectKey, root.Name, log.TaskIDKey, id, log.StatusKey, string(status))

	return updated, nil
}

// Delete removes a single task. Completed tasks are kept for the audit trail
// and tasks that others depend on cannot be removed without breaking them.
func (m *Manager) Delete(ctx context.Context, root core.ProjectRoot, id string) error {
	err := m.backend.WithLock(ctx, root, func(ctx context.Context) error {
		tasks, err := m.backend.Load(ctx, root)
		if err != nil {
			return err
		}

		idx := -1
		for i, t := range tasks {
			if t.ID == id {
				idx = i
				break
			}
		}
		if idx == -1 {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}

		task := tasks[idx]
		if task.Status == core.TaskStatusCompleted {
			return fmt.Errorf("%w: cannot delete completed task %q", ErrInvariant, task.Name)
		}

		var dependents []string
		for _, t := range tasks {
			if t.ID != id && t.DependsOn(id) {
				dependents = append(dependents, t.Name)
			}
		}
		if len(dependents) > 0 {
			return fmt.Errorf("%w: task %q still has dependents: %s",
				ErrInvariant, task.Name, strings.Join(dependents, ", "))
		}

		tasks = append(tasks[:idx], tasks[idx+1:]...)
		return m.backend.Save(ctx, root, tasks)
	})
	if err != nil {
		return err
	}

	m.metrics.Counter(metrickeys.TaskDeleted, metrics.Tags{metrickeys.Project: root.Name}, 1)
	m.logger.Debug("Deleted task", log.ProjectKey, root.Name, log.TaskIDKey, id)

	return nil
}

// ClearAll removes every task in the project. It is irreversible, so it
// requires confirm=true, and it snapshots all completed tasks into the
// project's backup before deleting anything; a failed backup aborts the clear.
// Returns the backup location, or "" when there was nothing to back up.
func (m *Manager) ClearAll(ctx context.Context, root core.ProjectRoot, confirm bool) (string, error) {
	if !confirm {
		return "", ErrConfirmRequired
	}

	var location string
	err := m.backend.WithLock(ctx, root, func(ctx context.Context) error {
		tasks, err := m.backend.Load(ctx, root)
		if err != nil {
			return err
		}

		var completed []*core.Task
		for _, t := range tasks {
			if t.Status == core.TaskStatusCompleted {
				completed = append(completed, t)
			}
		}

		if len(completed) > 0 {
			location, err = m.backend.AppendBackup(ctx, root, completed)
			if err != nil {
				return fmt.Errorf("backing up completed tasks: %w", err)
			}
		}

		return m.backend.Save(ctx, root, nil)
	})
	if err != nil {
		return "", err
	}

	m.metrics.Counter(metrickeys.TasksCleared, metrics.Tags{metrickeys.Project: root.Name}, 1)
	m.logger.Info("Cleared all tasks", log.ProjectKey, root.Name, log.BackupKey, location)

	return location, nil
}

// incompleteDependencies returns the names (or ids, for dangling references)
// of task's dependencies that are not completed.
func incompleteDependencies(task *core.Task, tasks []*core.Task) []string {
	byID := make(map[string]*core.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var blocking []string
	for _, d := range task.Dependencies {
		dep, ok := byID[d.TaskID]
		if !ok {
			blocking = append(blocking, d.TaskID)
			continue
		}
		if dep.Status != core.TaskStatusCompleted {
			blocking = append(blocking, dep.Name)
		}
	}
	return blocking
}

// reclassifyRelatedFiles flips CREATE entries to TO_MODIFY for paths that
// already exist on disk. This is the only place a task's intent metadata
// mutates itself; it runs at plan time for new tasks and again whenever a task
// completes. Returns the number of entries changed.
func reclassifyRelatedFiles(tasks []*core.Task, now time.Time) int {
	changed := 0
	for _, t := range tasks {
		if t.Status == core.TaskStatusCompleted {
			continue
		}
		touched := false
		for i, rf := range t.RelatedFiles {
			if rf.Type != core.RelatedFileCreate {
				continue
			}
			if _, err := os.Stat(rf.Path); err == nil {
				t.RelatedFiles[i].Type = core.RelatedFileToModify
				touched = true
				changed++
			}
		}
		if touched {
			t.UpdatedAt = now
		}
	}
	return changed
}
