package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/taskvine/taskvine/backend"
	"github.com/taskvine/taskvine/backend/test"
	"github.com/taskvine/taskvine/core"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func Test_FileBackend(t *testing.T) {
	test.BackendTest(t, func(t *testing.T) backend.Backend {
		return NewFileBackend(backend.WithLockTimeout(500 * time.Millisecond))
	}, nil)
}

func Test_FileBackend_CorruptCollection(t *testing.T) {
	b := NewFileBackend()
	root := core.ProjectRoot{Name: "p1", Dir: t.TempDir()}

	require.NoError(t, os.WriteFile(filepath.Join(root.Dir, "tasks.json"), []byte("{not json"), 0o644))

	_, err := b.Load(context.Background(), root)
	require.Error(t, err)

	var corrupt *backend.CorruptError
	require.ErrorAs(t, err, &corrupt)
	require.Equal(t, filepath.Join(root.Dir, "tasks.json"), corrupt.Location)
	require.NotEmpty(t, corrupt.Stack())
}

func Test_FileBackend_NoTempFileLeftBehind(t *testing.T) {
	b := NewFileBackend()
	root := core.ProjectRoot{Name: "p1", Dir: t.TempDir()}

	task := &core.Task{ID: "t1", Name: "a", Status: core.TaskStatusPending}
	require.NoError(t, b.Save(context.Background(), root, []*core.Task{task}))

	entries, err := os.ReadDir(root.Dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "tasks.json", entries[0].Name())
}

func Test_FileBackend_BackupFileShape(t *testing.T) {
	// Fixed clock keeps both appends in the same dated backup file.
	mc := clock.NewMock()
	b := NewFileBackend(backend.WithClock(mc))
	root := core.ProjectRoot{Name: "p1", Dir: t.TempDir()}
	ctx := context.Background()

	completed := []*core.Task{
		{ID: "t1", Name: "a", Status: core.TaskStatusCompleted},
		{ID: "t2", Name: "b", Status: core.TaskStatusCompleted},
	}

	location, err := b.AppendBackup(ctx, root, completed)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root.Dir, "memory"), filepath.Dir(location))

	data, err := os.ReadFile(location)
	require.NoError(t, err)

	var c struct {
		Tasks []*core.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(data, &c))
	require.Len(t, c.Tasks, 2)

	// Appending within the same second extends the same dated file.
	_, err = b.AppendBackup(ctx, root, completed[:1])
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(root.Dir, "memory"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
