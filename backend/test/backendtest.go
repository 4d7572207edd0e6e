// Package test contains a conformance suite that every store backend must
// pass. Backend packages call BackendTest from their own tests.
package test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/taskvine/taskvine/backend"
	"github.com/taskvine/taskvine/core"
)

// BackendTest runs the conformance suite. setup must return a fresh backend
// configured with a short lock timeout (the timeout test holds the lock for
// longer than the configured bound). teardown may be nil.
func BackendTest(t *testing.T, setup func(t *testing.T) backend.Backend, teardown func(b backend.Backend)) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, b backend.Backend, root core.ProjectRoot)
	}{
		{
			name: "Load_MissingCollectionIsEmpty",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, root core.ProjectRoot) {
				tasks, err := b.Load(ctx, root)
				require.NoError(t, err)
				require.Empty(t, tasks)
			},
		},
		{
			name: "SaveLoad_RoundTrip",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, root core.ProjectRoot) {
				in := sampleTasks(3)
				require.NoError(t, b.Save(ctx, root, in))

				out, err := b.Load(ctx, root)
				require.NoError(t, err)
				require.Len(t, out, 3)
				for i := range in {
					require.Equal(t, in[i].ID, out[i].ID)
					require.Equal(t, in[i].Name, out[i].Name)
					require.Equal(t, in[i].Status, out[i].Status)
					require.Equal(t, in[i].Dependencies, out[i].Dependencies)
				}

				// Saving the loaded collection back must not change it.
				require.NoError(t, b.Save(ctx, root, out))
				again, err := b.Load(ctx, root)
				require.NoError(t, err)
				require.Equal(t, out, again)
			},
		},
		{
			name: "Save_ReplacesCollection",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, root core.ProjectRoot) {
				require.NoError(t, b.Save(ctx, root, sampleTasks(5)))
				replacement := sampleTasks(2)
				require.NoError(t, b.Save(ctx, root, replacement))

				out, err := b.Load(ctx, root)
				require.NoError(t, err)
				require.Len(t, out, 2)
				require.Equal(t, replacement[0].ID, out[0].ID)
			},
		},
		{
			name: "Save_EmptyCollection",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, root core.ProjectRoot) {
				require.NoError(t, b.Save(ctx, root, sampleTasks(2)))
				require.NoError(t, b.Save(ctx, root, nil))

				out, err := b.Load(ctx, root)
				require.NoError(t, err)
				require.Empty(t, out)
			},
		},
		{
			name: "Roots_AreIsolated",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, root core.ProjectRoot) {
				other := newRoot(t)
				require.NoError(t, b.Save(ctx, root, sampleTasks(2)))
				require.NoError(t, b.Save(ctx, other, sampleTasks(1)))

				out, err := b.Load(ctx, root)
				require.NoError(t, err)
				require.Len(t, out, 2)

				out, err = b.Load(ctx, other)
				require.NoError(t, err)
				require.Len(t, out, 1)
			},
		},
		{
			name: "WithLock_SerializesWriters",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, root core.ProjectRoot) {
				const writers = 4
				const perWriter = 5

				var wg sync.WaitGroup
				errs := make(chan error, writers)
				for w := 0; w < writers; w++ {
					wg.Add(1)
					go func(w int) {
						defer wg.Done()
						for i := 0; i < perWriter; i++ {
							err := b.WithLock(ctx, root, func(ctx context.Context) error {
								tasks, err := b.Load(ctx, root)
								if err != nil {
									return err
								}
								tasks = append(tasks, sampleTask(fmt.Sprintf("w%d-t%d", w, i)))
								return b.Save(ctx, root, tasks)
							})
							if err != nil {
								errs <- err
								return
							}
						}
					}(w)
				}
				wg.Wait()
				close(errs)
				for err := range errs {
					require.NoError(t, err)
				}

				out, err := b.Load(ctx, root)
				require.NoError(t, err)
				require.Len(t, out, writers*perWriter)
			},
		},
		{
			name: "WithLock_Reentrant",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, root core.ProjectRoot) {
				err := b.WithLock(ctx, root, func(ctx context.Context) error {
					return b.WithLock(ctx, root, func(ctx context.Context) error {
						return b.Save(ctx, root, sampleTasks(1))
					})
				})
				require.NoError(t, err)

				out, err := b.Load(ctx, root)
				require.NoError(t, err)
				require.Len(t, out, 1)
			},
		},
		{
			name: "WithLock_TimesOut",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, root core.ProjectRoot) {
				held := make(chan struct{})
				done := make(chan struct{})
				go func() {
					_ = b.WithLock(ctx, root, func(ctx context.Context) error {
						close(held)
						<-done
						return nil
					})
				}()
				<-held
				defer close(done)

				err := b.WithLock(ctx, root, func(ctx context.Context) error {
					return nil
				})
				require.ErrorIs(t, err, backend.ErrLockTimeout)
			},
		},
		{
			name: "WithLock_IndependentRootsDoNotBlock",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, root core.ProjectRoot) {
				other := newRoot(t)
				held := make(chan struct{})
				done := make(chan struct{})
				go func() {
					_ = b.WithLock(ctx, root, func(ctx context.Context) error {
						close(held)
						<-done
						return nil
					})
				}()
				<-held
				defer close(done)

				err := b.WithLock(ctx, other, func(ctx context.Context) error {
					return nil
				})
				require.NoError(t, err)
			},
		},
		{
			name: "AppendBackup_ReturnsLocation",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, root core.ProjectRoot) {
				completed := sampleTasks(2)
				for _, task := range completed {
					task.Status = core.TaskStatusCompleted
				}

				location, err := b.AppendBackup(ctx, root, completed)
				require.NoError(t, err)
				require.NotEmpty(t, location)

				// A second append must also succeed.
				_, err = b.AppendBackup(ctx, root, completed[:1])
				require.NoError(t, err)
			},
		},
		{
			name: "Stats_CountsByStatus",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, root core.ProjectRoot) {
				tasks := sampleTasks(4)
				tasks[0].Status = core.TaskStatusInProgress
				tasks[1].Status = core.TaskStatusCompleted
				tasks[2].Status = core.TaskStatusCompleted
				require.NoError(t, b.Save(ctx, root, tasks))

				s, err := b.Stats(ctx, root)
				require.NoError(t, err)
				require.Equal(t, 4, s.Total)
				require.Equal(t, 1, s.Pending)
				require.Equal(t, 1, s.InProgress)
				require.Equal(t, 2, s.Completed)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := setup(t)
			ctx := context.Background()

			t.Cleanup(func() {
				if teardown != nil {
					teardown(b)
				} else {
					_ = b.Close()
				}
			})

			tt.f(t, ctx, b, newRoot(t))
		})
	}
}

func newRoot(t *testing.T) core.ProjectRoot {
	name := fmt.Sprintf("p%s", uuid.NewString()[:8])
	return core.ProjectRoot{
		Name: name,
		Dir:  t.TempDir(),
	}
}

func sampleTask(name string) *core.Task {
	now := time.Now().UTC().Truncate(time.Second)
	return &core.Task{
		ID:           uuid.NewString(),
		Name:         name,
		Description:  "sample task " + name,
		Status:       core.TaskStatusPending,
		Dependencies: []core.Dependency{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func sampleTasks(n int) []*core.Task {
	tasks := make([]*core.Task, n)
	for i := range tasks {
		tasks[i] = sampleTask(fmt.Sprintf("task-%d", i))
	}
	return tasks
}
