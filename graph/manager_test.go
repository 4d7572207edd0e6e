package graph_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskvine/taskvine/backend"
	"github.com/taskvine/taskvine/backend/file"
	"github.com/taskvine/taskvine/core"
	"github.com/taskvine/taskvine/graph"
	"github.com/taskvine/taskvine/internal/metrickeys"
	"github.com/taskvine/taskvine/metrics"
)

func setup(t *testing.T) (*graph.Manager, core.ProjectRoot) {
	b := file.NewFileBackend()
	t.Cleanup(func() { _ = b.Close() })

	return graph.NewManager(b), core.ProjectRoot{Name: "test", Dir: t.TempDir()}
}

func plan(t *testing.T, m *graph.Manager, root core.ProjectRoot, drafts ...graph.TaskDraft) []*core.Task {
	t.Helper()
	tasks, err := m.InsertBatch(context.Background(), root, drafts, graph.UpdateModeAppend, "")
	require.NoError(t, err)
	return tasks
}

func Test_InsertBatch_Append(t *testing.T) {
	m, root := setup(t)
	ctx := context.Background()

	tasks := plan(t, m, root,
		graph.TaskDraft{Name: "design", Description: "design the thing"},
		graph.TaskDraft{Name: "build", Description: "build it", Dependencies: []string{"design"}},
	)
	require.Len(t, tasks, 2)
	require.NotEmpty(t, tasks[0].ID)
	require.Equal(t, core.TaskStatusPending, tasks[0].Status)

	// Name dependency resolved to the id.
	require.Len(t, tasks[1].Dependencies, 1)
	require.Equal(t, tasks[0].ID, tasks[1].Dependencies[0].TaskID)

	// Appending a colliding name fails and applies nothing.
	_, err := m.InsertBatch(ctx, root,
		[]graph.TaskDraft{{Name: "test3"}, {Name: "design"}}, graph.UpdateModeAppend, "")
	require.ErrorIs(t, err, graph.ErrNameConflict)

	all, err := m.List(ctx, root, graph.FilterAll)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

type capturedMetrics struct {
	distributions map[string]float64
	gauges        map[string]int64
}

func (c *capturedMetrics) Counter(name string, tags metrics.Tags, value int64)           {}
func (c *capturedMetrics) Timing(name string, tags metrics.Tags, duration time.Duration) {}
func (c *capturedMetrics) WithTags(tags metrics.Tags) metrics.Client                     { return c }

func (c *capturedMetrics) Distribution(name string, tags metrics.Tags, value float64) {
	c.distributions[name] = value
}

func (c *capturedMetrics) Gauge(name string, tags metrics.Tags, value int64) {
	c.gauges[name] = value
}

func Test_InsertBatch_EmitsMetrics(t *testing.T) {
	captured := &capturedMetrics{distributions: map[string]float64{}, gauges: map[string]int64{}}

	b := file.NewFileBackend(backend.WithMetrics(captured))
	t.Cleanup(func() { _ = b.Close() })

	m := graph.NewManager(b)
	root := core.ProjectRoot{Name: "test", Dir: t.TempDir()}

	plan(t, m, root, graph.TaskDraft{Name: "a"}, graph.TaskDraft{Name: "b"})

	assert.Contains(t, captured.distributions, metrickeys.TaskBatchDuration)
	assert.Equal(t, int64(2), captured.gauges[metrickeys.CollectionSize])
}

func Test_InsertBatch_GlobalNote(t *testing.T) {
	m, root := setup(t)

	tasks := func() []*core.Task {
		tasks, err := m.InsertBatch(context.Background(), root,
			[]graph.TaskDraft{{Name: "a", Notes: "own note"}, {Name: "b"}},
			graph.UpdateModeAppend, "shared context")
		require.NoError(t, err)
		return tasks
	}()

	assert.Equal(t, "own note\n\nshared context", tasks[0].Notes)
	assert.Equal(t, "shared context", tasks[1].Notes)
}

func Test_InsertBatch_RejectsCycles(t *testing.T) {
	m, root := setup(t)
	ctx := context.Background()

	_, err := m.InsertBatch(ctx, root, []graph.TaskDraft{
		{Name: "a", Dependencies: []string{"c"}},
		{Name: "b", Dependencies: []string{"a"}},
		{Name: "c", Dependencies: []string{"b"}},
	}, graph.UpdateModeAppend, "")

	var cycle *graph.CycleError
	require.ErrorAs(t, err, &cycle)
	require.GreaterOrEqual(t, len(cycle.Cycle), 3)

	// Nothing was persisted.
	all, err := m.List(ctx, root, graph.FilterAll)
	require.NoError(t, err)
	require.Empty(t, all)
}

func Test_InsertBatch_RejectsSelfDependency(t *testing.T) {
	m, root := setup(t)

	_, err := m.InsertBatch(context.Background(), root,
		[]graph.TaskDraft{{Name: "a", Dependencies: []string{"a"}}},
		graph.UpdateModeAppend, "")

	var cycle *graph.CycleError
	require.ErrorAs(t, err, &cycle)
}

func Test_InsertBatch_RejectsCycleAcrossBatches(t *testing.T) {
	m, root := setup(t)
	ctx := context.Background()

	existing := plan(t, m, root,
		graph.TaskDraft{Name: "a"},
		graph.TaskDraft{Name: "b", Dependencies: []string{"a"}},
	)

	// Selectively rewire a to depend on b: a -> b -> a.
	_, err := m.InsertBatch(ctx, root,
		[]graph.TaskDraft{{Name: "a", Dependencies: []string{existing[1].ID}}},
		graph.UpdateModeSelective, "")

	var cycle *graph.CycleError
	require.ErrorAs(t, err, &cycle)
}

func Test_InsertBatch_UnknownDependency(t *testing.T) {
	m, root := setup(t)

	_, err := m.InsertBatch(context.Background(), root,
		[]graph.TaskDraft{{Name: "a", Dependencies: []string{"nope"}}},
		graph.UpdateModeAppend, "")
	require.ErrorIs(t, err, graph.ErrUnknownDependency)
}

func Test_InsertBatch_Overwrite(t *testing.T) {
	m, root := setup(t)
	ctx := context.Background()

	tasks := plan(t, m, root, graph.TaskDraft{Name: "done"}, graph.TaskDraft{Name: "doomed"})

	_, err := m.UpdateStatus(ctx, root, tasks[0].ID, core.TaskStatusInProgress, "")
	require.NoError(t, err)
	_, err = m.UpdateStatus(ctx, root, tasks[0].ID, core.TaskStatusCompleted, "did it")
	require.NoError(t, err)

	_, err = m.InsertBatch(ctx, root,
		[]graph.TaskDraft{{Name: "fresh"}}, graph.UpdateModeOverwrite, "")
	require.NoError(t, err)

	all, err := m.List(ctx, root, graph.FilterAll)
	require.NoError(t, err)
	require.Len(t, all, 2)

	names := []string{all[0].Name, all[1].Name}
	assert.Contains(t, names, "done")
	assert.Contains(t, names, "fresh")
	assert.NotContains(t, names, "doomed")
}

func Test_InsertBatch_Selective(t *testing.T) {
	m, root := setup(t)
	ctx := context.Background()

	orig := plan(t, m, root, graph.TaskDraft{Name: "a", Description: "v1"})

	updated, err := m.InsertBatch(ctx, root, []graph.TaskDraft{
		{Name: "a", Description: "v2"},
		{Name: "b", Description: "new"},
	}, graph.UpdateModeSelective, "")
	require.NoError(t, err)
	require.Len(t, updated, 2)

	// Updated in place: same id and creation time, new description.
	assert.Equal(t, orig[0].ID, updated[0].ID)
	assert.Equal(t, orig[0].CreatedAt, updated[0].CreatedAt)
	assert.Equal(t, "v2", updated[0].Description)

	all, err := m.List(ctx, root, graph.FilterAll)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func Test_InsertBatch_ClearAllTasks(t *testing.T) {
	m, root := setup(t)
	ctx := context.Background()

	tasks := plan(t, m, root, graph.TaskDraft{Name: "old"})
	_, err := m.UpdateStatus(ctx, root, tasks[0].ID, core.TaskStatusInProgress, "")
	require.NoError(t, err)
	_, err = m.UpdateStatus(ctx, root, tasks[0].ID, core.TaskStatusCompleted, "done")
	require.NoError(t, err)

	_, err = m.InsertBatch(ctx, root,
		[]graph.TaskDraft{{Name: "new"}}, graph.UpdateModeClearAllTasks, "")
	require.NoError(t, err)

	all, err := m.List(ctx, root, graph.FilterAll)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "new", all[0].Name)

	// The completed task was snapshotted before the clear.
	entries, err := os.ReadDir(filepath.Join(root.Dir, "memory"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func Test_UpdateStatus_Lifecycle(t *testing.T) {
	m, root := setup(t)
	ctx := context.Background()

	tasks := plan(t, m, root,
		graph.TaskDraft{Name: "dep"},
		graph.TaskDraft{Name: "main", Dependencies: []string{"dep"}},
	)
	dep, main := tasks[0], tasks[1]

	// Dependency gate: main cannot start while dep is not completed.
	_, err := m.UpdateStatus(ctx, root, main.ID, core.TaskStatusInProgress, "")
	require.ErrorIs(t, err, graph.ErrInvariant)

	// Skipping a state is rejected.
	_, err = m.UpdateStatus(ctx, root, dep.ID, core.TaskStatusCompleted, "s")
	require.ErrorIs(t, err, graph.ErrInvariant)

	_, err = m.UpdateStatus(ctx, root, dep.ID, core.TaskStatusInProgress, "")
	require.NoError(t, err)

	// Completion requires a summary.
	_, err = m.UpdateStatus(ctx, root, dep.ID, core.TaskStatusCompleted, "")
	require.ErrorIs(t, err, graph.ErrInvariant)

	completed, err := m.UpdateStatus(ctx, root, dep.ID, core.TaskStatusCompleted, "implemented")
	require.NoError(t, err)
	assert.Equal(t, "implemented", completed.Summary)
	require.NotNil(t, completed.CompletedAt)

	// Backward transition is rejected.
	_, err = m.UpdateStatus(ctx, root, dep.ID, core.TaskStatusPending, "")
	require.ErrorIs(t, err, graph.ErrInvariant)

	// Gate lifted after the dependency completed.
	_, err = m.UpdateStatus(ctx, root, main.ID, core.TaskStatusInProgress, "")
	require.NoError(t, err)

	// Unknown id.
	_, err = m.UpdateStatus(ctx, root, "missing", core.TaskStatusInProgress, "")
	require.ErrorIs(t, err, graph.ErrTaskNotFound)
}

func Test_Delete_Guards(t *testing.T) {
	m, root := setup(t)
	ctx := context.Background()

	tasks := plan(t, m, root,
		graph.TaskDraft{Name: "dep"},
		graph.TaskDraft{Name: "main", Dependencies: []string{"dep"}},
	)
	dep, main := tasks[0], tasks[1]

	// dep has a dependent.
	err := m.Delete(ctx, root, dep.ID)
	require.ErrorIs(t, err, graph.ErrInvariant)

	// Deleting the dependent first is fine.
	require.NoError(t, m.Delete(ctx, root, main.ID))
	require.NoError(t, m.Delete(ctx, root, dep.ID))

	err = m.Delete(ctx, root, dep.ID)
	require.ErrorIs(t, err, graph.ErrTaskNotFound)
}

func Test_Delete_RefusesCompleted(t *testing.T) {
	m, root := setup(t)
	ctx := context.Background()

	tasks := plan(t, m, root, graph.TaskDraft{Name: "a"})
	_, err := m.UpdateStatus(ctx, root, tasks[0].ID, core.TaskStatusInProgress, "")
	require.NoError(t, err)
	_, err = m.UpdateStatus(ctx, root, tasks[0].ID, core.TaskStatusCompleted, "done")
	require.NoError(t, err)

	err = m.Delete(ctx, root, tasks[0].ID)
	require.ErrorIs(t, err, graph.ErrInvariant)
}

func Test_ClearAll(t *testing.T) {
	m, root := setup(t)
	ctx := context.Background()

	tasks := plan(t, m, root, graph.TaskDraft{Name: "a"}, graph.TaskDraft{Name: "b"})
	_, err := m.UpdateStatus(ctx, root, tasks[0].ID, core.TaskStatusInProgress, "")
	require.NoError(t, err)
	_, err = m.UpdateStatus(ctx, root, tasks[0].ID, core.TaskStatusCompleted, "done")
	require.NoError(t, err)

	// Guard: confirm is required.
	_, err = m.ClearAll(ctx, root, false)
	require.ErrorIs(t, err, graph.ErrConfirmRequired)

	location, err := m.ClearAll(ctx, root, true)
	require.NoError(t, err)
	require.NotEmpty(t, location)

	all, err := m.List(ctx, root, graph.FilterAll)
	require.NoError(t, err)
	require.Empty(t, all)

	// Union property: the backup holds exactly the previously completed tasks.
	data, err := os.ReadFile(location)
	require.NoError(t, err)
	require.Contains(t, string(data), tasks[0].ID)
	require.NotContains(t, string(data), tasks[1].ID)
}

func Test_List_Filters(t *testing.T) {
	m, root := setup(t)
	ctx := context.Background()

	tasks := plan(t, m, root, graph.TaskDraft{Name: "a"}, graph.TaskDraft{Name: "b"})
	_, err := m.UpdateStatus(ctx, root, tasks[0].ID, core.TaskStatusInProgress, "")
	require.NoError(t, err)

	pending, err := m.List(ctx, root, graph.FilterPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].Name)

	inProgress, err := m.List(ctx, root, graph.FilterInProgress)
	require.NoError(t, err)
	require.Len(t, inProgress, 1)

	completed, err := m.List(ctx, root, graph.FilterCompleted)
	require.NoError(t, err)
	require.Empty(t, completed)
}

func Test_Reclassification_AtPlanTime(t *testing.T) {
	m, root := setup(t)

	existing := filepath.Join(t.TempDir(), "existing.go")
	require.NoError(t, os.WriteFile(existing, []byte("package x\n"), 0o644))
	missing := filepath.Join(t.TempDir(), "missing.go")

	tasks := plan(t, m, root, graph.TaskDraft{
		Name: "a",
		RelatedFiles: []core.RelatedFile{
			{Path: existing, Type: core.RelatedFileCreate},
			{Path: missing, Type: core.RelatedFileCreate},
			{Path: existing, Type: core.RelatedFileReference},
		},
	})

	// A CREATE target that already exists is reclassified; everything else is
	// left alone.
	assert.Equal(t, core.RelatedFileToModify, tasks[0].RelatedFiles[0].Type)
	assert.Equal(t, core.RelatedFileCreate, tasks[0].RelatedFiles[1].Type)
	assert.Equal(t, core.RelatedFileReference, tasks[0].RelatedFiles[2].Type)
}

func Test_Reclassification_OnCompletion(t *testing.T) {
	m, root := setup(t)
	ctx := context.Background()

	dir := t.TempDir()
	target := filepath.Join(dir, "generated.go")

	tasks := plan(t, m, root,
		graph.TaskDraft{Name: "producer"},
		graph.TaskDraft{Name: "consumer", RelatedFiles: []core.RelatedFile{
			{Path: target, Type: core.RelatedFileCreate},
		}},
	)

	// The target materializes while the producer runs.
	_, err := m.UpdateStatus(ctx, root, tasks[0].ID, core.TaskStatusInProgress, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(target, []byte("package x\n"), 0o644))
	_, err = m.UpdateStatus(ctx, root, tasks[0].ID, core.TaskStatusCompleted, "wrote it")
	require.NoError(t, err)

	consumer, err := m.Get(ctx, root, tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, core.RelatedFileToModify, consumer.RelatedFiles[0].Type)
}

func Test_InsertBatch_ConcurrentBatchesAreSerialized(t *testing.T) {
	b := file.NewFileBackend(backend.WithLockTimeout(2 * time.Second))
	t.Cleanup(func() { _ = b.Close() })
	m := graph.NewManager(b)
	root := core.ProjectRoot{Name: "test", Dir: t.TempDir()}
	ctx := context.Background()

	errs := make(chan error, 2)
	go func() {
		_, err := m.InsertBatch(ctx, root, []graph.TaskDraft{{Name: "a1"}, {Name: "a2"}}, graph.UpdateModeAppend, "")
		errs <- err
	}()
	go func() {
		_, err := m.InsertBatch(ctx, root, []graph.TaskDraft{{Name: "b1"}, {Name: "b2"}}, graph.UpdateModeAppend, "")
		errs <- err
	}()

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	all, err := m.List(ctx, root, graph.FilterAll)
	require.NoError(t, err)
	require.Len(t, all, 4)
}
