package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/taskvine/taskvine/core"
	"github.com/taskvine/taskvine/internal/log"
	"github.com/taskvine/taskvine/internal/metrickeys"
	"github.com/taskvine/taskvine/metrics"
)

// UpdateMode controls how a batch insert treats the existing collection.
type UpdateMode string

const (
	// UpdateModeAppend adds the batch as new tasks; a name collision with an
	// existing pending or in-progress task is an error.
	UpdateModeAppend UpdateMode = "append"

	// UpdateModeOverwrite replaces the entire pending/in-progress set,
	// preserving completed tasks untouched.
	UpdateModeOverwrite UpdateMode = "overwrite"

	// UpdateModeSelective updates tasks matched by name in place (preserving
	// id and creation time) and inserts the rest.
	UpdateModeSelective UpdateMode = "selective"

	// UpdateModeClearAllTasks backs up completed tasks, deletes everything,
	// then inserts the batch.
	UpdateModeClearAllTasks UpdateMode = "clearAllTasks"
)

func (m UpdateMode) Valid() bool {
	switch m {
	case UpdateModeAppend, UpdateModeOverwrite, UpdateModeSelective, UpdateModeClearAllTasks:
		return true
	}
	return false
}

// TaskDraft is the caller-provided shape of a task in a planning batch.
// Dependencies may reference other tasks by id or by name; names may point at
// existing tasks or at other tasks in the same batch.
type TaskDraft struct {
	Name                 string
	Description          string
	Notes                string
	ImplementationGuide  string
	VerificationCriteria string
	Dependencies         []string
	RelatedFiles         []core.RelatedFile
}

// InsertBatch applies a planning batch to the project's collection under the
// given mode. The whole batch is validated against the resulting graph before
// anything is persisted: a name conflict, unknown dependency reference, or
// cycle rejects the entire batch. Returns the tasks the batch produced, in
// input order.
func (m *Manager) InsertBatch(ctx context.Context, root core.ProjectRoot, drafts []TaskDraft, mode UpdateMode, globalNote string) ([]*core.Task, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if len(drafts) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvariant)
	}

	timer := metrics.Timer(m.metrics, m.clock, metrickeys.TaskBatchDuration,
		metrics.Tags{metrickeys.Project: root.Name, metrickeys.Mode: string(mode)})
	defer timer.Stop()

	seen := map[string]bool{}
	for _, d := range drafts {
		if d.Name == "" {
			return nil, fmt.Errorf("%w: task with empty name", ErrInvariant)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("%w: duplicate name %q within batch", ErrNameConflict, d.Name)
		}
		seen[d.Name] = true
	}

	var batch []*core.Task
	err := m.backend.WithLock(ctx, root, func(ctx context.Context) error {
		existing, err := m.backend.Load(ctx, root)
		if err != nil {
			return err
		}

		if mode == UpdateModeClearAllTasks {
			var completed []*core.Task
			for _, t := range existing {
				if t.Status == core.TaskStatusCompleted {
					completed = append(completed, t)
				}
			}
			if len(completed) > 0 {
				if _, err := m.backend.AppendBackup(ctx, root, completed); err != nil {
					return fmt.Errorf("backing up completed tasks: %w", err)
				}
			}
			existing = nil
		}

		base := existing
		if mode == UpdateModeOverwrite {
			base = base[:0:0]
			for _, t := range existing {
				if t.Status == core.TaskStatusCompleted {
					base = append(base, t)
				}
			}
		}

		activeByName := map[string]*core.Task{}
		for _, t := range base {
			if t.Status != core.TaskStatusCompleted {
				activeByName[t.Name] = t
			}
		}

		now := m.clock.Now().UTC()
		batch = batch[:0]
		union := append([]*core.Task{}, base...)

		// Dependency refs are resolved after the whole batch is materialized,
		// since drafts may reference each other in either direction.
		pendingDeps := map[string][]string{}

		for _, d := range drafts {
			if existingTask, ok := activeByName[d.Name]; ok && mode == UpdateModeSelective {
				existingTask.Description = d.Description
				existingTask.Notes = noteWithGlobal(d.Notes, globalNote)
				existingTask.ImplementationGuide = d.ImplementationGuide
				existingTask.VerificationCriteria = d.VerificationCriteria
				existingTask.RelatedFiles = append([]core.RelatedFile(nil), d.RelatedFiles...)
				existingTask.UpdatedAt = now
				pendingDeps[existingTask.ID] = d.Dependencies
				batch = append(batch, existingTask)
				continue
			}

			if _, ok := activeByName[d.Name]; ok {
				return fmt.Errorf("%w: %q", ErrNameConflict, d.Name)
			}

			t := &core.Task{
				ID:                   uuid.NewString(),
				Name:                 d.Name,
				Description:          d.Description,
				Notes:                noteWithGlobal(d.Notes, globalNote),
				ImplementationGuide:  d.ImplementationGuide,
				VerificationCriteria: d.VerificationCriteria,
				Status:               core.TaskStatusPending,
				Dependencies:         []core.Dependency{},
				RelatedFiles:         append([]core.RelatedFile(nil), d.RelatedFiles...),
				CreatedAt:            now,
				UpdatedAt:            now,
			}
			pendingDeps[t.ID] = d.Dependencies
			batch = append(batch, t)
			union = append(union, t)
		}

		if err := resolveDependencies(union, pendingDeps); err != nil {
			return err
		}

		if err := checkAcyclic(union); err != nil {
			return err
		}

		reclassifyRelatedFiles(batch, now)

		if err := m.backend.Save(ctx, root, union); err != nil {
			return err
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	m.metrics.Counter(metrickeys.TaskBatchInserted,
		metrics.Tags{metrickeys.Project: root.Name, metrickeys.Mode: string(mode)}, int64(len(batch)))
	m.logger.Debug("Inserted task batch",
		log.ProjectKey, root.Name, log.ModeKey, string(mode), log.CountKey, len(batch))

	return batch, nil
}

// resolveDependencies normalizes the raw dependency references of the given
// tasks to ids. A reference matches a task id first, then a task name within
// union; anything else is ErrUnknownDependency. Duplicate references collapse,
// preserving first-seen order.
func resolveDependencies(union []*core.Task, pendingDeps map[string][]string) error {
	byID := make(map[string]*core.Task, len(union))
	byName := make(map[string]*core.Task, len(union))
	for _, t := range union {
		byID[t.ID] = t
		byName[t.Name] = t
	}

	for id, refs := range pendingDeps {
		task := byID[id]
		deps := make([]core.Dependency, 0, len(refs))
		added := map[string]bool{}
		for _, ref := range refs {
			target, ok := byID[ref]
			if !ok {
				target, ok = byName[ref]
			}
			if !ok {
				return fmt.Errorf("%w: task %q depends on %q", ErrUnknownDependency, task.Name, ref)
			}
			if target.ID == task.ID {
				return &CycleError{Cycle: []string{task.Name, task.Name}}
			}
			if !added[target.ID] {
				deps = append(deps, core.Dependency{TaskID: target.ID})
				added[target.ID] = true
			}
		}
		task.Dependencies = deps
	}

	return nil
}

func noteWithGlobal(notes, globalNote string) string {
	if globalNote == "" {
		return notes
	}
	if notes == "" {
		return globalNote
	}
	return notes + "\n\n" + globalNote
}
