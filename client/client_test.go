package client_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskvine/taskvine/backend/sqlite"
	"github.com/taskvine/taskvine/client"
	"github.com/taskvine/taskvine/core"
	"github.com/taskvine/taskvine/graph"
	"github.com/taskvine/taskvine/project"
)

func newTestClient(t *testing.T) *client.Client {
	b := sqlite.NewInMemoryBackend()
	t.Cleanup(func() { _ = b.Close() })

	resolver := project.NewResolver(t.TempDir())
	return client.New(b, resolver)
}

func Test_Client_PlanExecuteVerifyFlow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	ctx, err := c.SetCurrentProject(ctx, "demo")
	require.NoError(t, err)

	// Plan two dependent tasks. The empty project name falls back to the
	// current project on the context.
	tasks, err := c.PlanTasks(ctx, "", []graph.TaskDraft{
		{Name: "build parser", Description: "Write the input parser"},
		{Name: "wire parser", Description: "Hook the parser into the pipeline", Dependencies: []string{"build parser"}},
	}, graph.UpdateModeAppend, "")
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	parser := tasks[0]
	wire := tasks[1]

	// The dependent task cannot start before its dependency completes.
	_, err = c.UpdateTaskStatus(ctx, "", wire.ID, core.TaskStatusInProgress)
	require.Error(t, err)

	// Drive the first task through a workflow.
	w, err := c.StartWorkflowFromTemplate(ctx, "", parser.ID, "execute")
	require.NoError(t, err)

	cont, err := c.Continuation(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, cont.ShouldProceed)
	assert.Equal(t, "execute_task", cont.NextTool)
	assert.Equal(t, parser.ID, cont.NextToolParams["taskId"])
	assert.Equal(t, "demo", cont.NextToolParams["project"])

	_, err = c.UpdateTaskStatus(ctx, "", parser.ID, core.TaskStatusInProgress)
	require.NoError(t, err)

	require.NoError(t, c.CompleteStep(ctx, w.ID, 0, map[string]any{"diff": "parser.go"}))

	cont, err = c.Continuation(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, cont.ShouldProceed)
	assert.Equal(t, "verify_task", cont.NextTool)
	assert.Equal(t, "parser.go", cont.NextToolParams["diff"])

	// Completing the task also completes the verify step and the workflow.
	_, err = c.CompleteTask(ctx, "", parser.ID, "Parser implemented and covered by tests")
	require.NoError(t, err)

	done, err := c.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStatusCompleted, done.Status)

	// The dependency gate is now open.
	_, err = c.UpdateTaskStatus(ctx, "", wire.ID, core.TaskStatusInProgress)
	require.NoError(t, err)

	stats, err := c.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.InProgress)
}

func Test_Client_ProjectsAreIsolated(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.PlanTasks(ctx, "alpha", []graph.TaskDraft{{Name: "a"}}, graph.UpdateModeAppend, "")
	require.NoError(t, err)

	tasks, err := c.ListTasks(ctx, "beta", graph.FilterAll)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	tasks, err = c.ListTasks(ctx, "alpha", graph.FilterAll)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func Test_Client_NoProject(t *testing.T) {
	c := newTestClient(t)

	_, err := c.ListTasks(context.Background(), "", graph.FilterAll)
	require.ErrorIs(t, err, project.ErrProjectRequired)
}

func Test_Client_StartWorkflowRequiresTask(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.PlanTasks(ctx, "demo", []graph.TaskDraft{{Name: "a"}}, graph.UpdateModeAppend, "")
	require.NoError(t, err)

	_, err = c.StartWorkflow(ctx, "demo", "missing-task", []string{"execute_task"})
	require.ErrorIs(t, err, graph.ErrTaskNotFound)
}

func Test_Client_FailStepPausesWorkflow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	tasks, err := c.PlanTasks(ctx, "demo", []graph.TaskDraft{{Name: "a"}}, graph.UpdateModeAppend, "")
	require.NoError(t, err)

	w, err := c.StartWorkflow(ctx, "demo", tasks[0].ID, []string{"execute_task", "verify_task"})
	require.NoError(t, err)

	require.NoError(t, c.CompleteStep(ctx, w.ID, 0, nil))
	require.NoError(t, c.FailStep(ctx, w.ID, 1, "tests failed"))

	cont, err := c.Continuation(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, cont.ShouldProceed)
	assert.Contains(t, cont.FallbackAction, "verify_task")

	data := c.WorkflowMonitoring(w.ID)
	require.NotNil(t, data)
	assert.Equal(t, 1, data.FailedSteps)
}

func Test_Client_ClearAllTasks(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	tasks, err := c.PlanTasks(ctx, "demo", []graph.TaskDraft{{Name: "a"}}, graph.UpdateModeAppend, "")
	require.NoError(t, err)

	_, err = c.UpdateTaskStatus(ctx, "demo", tasks[0].ID, core.TaskStatusInProgress)
	require.NoError(t, err)
	_, err = c.CompleteTask(ctx, "demo", tasks[0].ID, "done")
	require.NoError(t, err)

	_, err = c.ClearAllTasks(ctx, "demo", false)
	require.ErrorIs(t, err, graph.ErrConfirmRequired)

	location, err := c.ClearAllTasks(ctx, "demo", true)
	require.NoError(t, err)
	assert.NotEmpty(t, location)

	remaining, err := c.ListTasks(ctx, "demo", graph.FilterAll)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
