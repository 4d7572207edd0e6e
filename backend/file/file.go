// Package file implements the task store over one tasks.json per project
// root. Writes go through a temp file and rename so a crash mid-write never
// leaves a torn collection, and all mutation passes through a per-root lock.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/trace"

	"github.com/taskvine/taskvine/backend"
	"github.com/taskvine/taskvine/core"
	"github.com/taskvine/taskvine/internal/lock"
	"github.com/taskvine/taskvine/internal/log"
	"github.com/taskvine/taskvine/internal/metrickeys"
	"github.com/taskvine/taskvine/metrics"
)

const (
	collectionFile = "tasks.json"
	backupDir      = "memory"
)

// taskCollection is the persisted shape of tasks.json.
type taskCollection struct {
	Tasks []*core.Task `json:"tasks"`
}

type fileBackend struct {
	options *backend.Options
	locks   *lock.Registry
}

var _ backend.Backend = (*fileBackend)(nil)

func NewFileBackend(opts ...backend.BackendOption) backend.Backend {
	options := backend.ApplyOptions(opts...)

	return &fileBackend{
		options: &options,
		locks:   lock.NewRegistry(),
	}
}

func (fb *fileBackend) Load(ctx context.Context, root core.ProjectRoot) ([]*core.Task, error) {
	path := filepath.Join(root.Dir, collectionFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing collection is an empty one.
			return nil, nil
		}
		return nil, fmt.Errorf("reading task collection: %w", err)
	}

	var c taskCollection
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, backend.NewCorruptError(path, err)
	}

	return c.Tasks, nil
}

func (fb *fileBackend) Save(ctx context.Context, root core.ProjectRoot, tasks []*core.Task) error {
	if err := os.MkdirAll(root.Dir, 0o755); err != nil {
		return fmt.Errorf("creating project directory: %w", err)
	}

	if tasks == nil {
		tasks = []*core.Task{}
	}

	data, err := json.MarshalIndent(&taskCollection{Tasks: tasks}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling task collection: %w", err)
	}

	path := filepath.Join(root.Dir, collectionFile)
	if err := atomicWrite(path, data); err != nil {
		return fmt.Errorf("writing task collection: %w", err)
	}

	fb.Metrics().Gauge(metrickeys.CollectionSize, metrics.Tags{metrickeys.Project: root.Name}, int64(len(tasks)))

	return nil
}

// atomicWrite writes data to a temp file in the same directory and renames it
// over path.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (fb *fileBackend) WithLock(ctx context.Context, root core.ProjectRoot, fn func(ctx context.Context) error) error {
	key := root.Dir

	if lock.Held(ctx, key) {
		return fn(ctx)
	}

	start := fb.options.Clock.Now()
	release, err := fb.locks.Acquire(ctx, key, fb.options.LockTimeout, fb.options.LockRetryInterval, fb.options.Clock)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			fb.Metrics().Counter(metrickeys.LockTimeout, metrics.Tags{metrickeys.Project: root.Name}, 1)
			fb.options.Logger.Warn("Task store lock wait timed out", log.ProjectKey, root.Name, log.RootKey, root.Dir)
			return fmt.Errorf("%w: project %s", backend.ErrLockTimeout, root.Name)
		}
		return err
	}
	defer release()

	fb.Metrics().Counter(metrickeys.LockAcquired, metrics.Tags{metrickeys.Project: root.Name}, 1)
	fb.Metrics().Timing(metrickeys.LockWaitTime, metrics.Tags{metrickeys.Project: root.Name}, fb.options.Clock.Since(start))

	return fn(lock.MarkHeld(ctx, key))
}

func (fb *fileBackend) AppendBackup(ctx context.Context, root core.ProjectRoot, tasks []*core.Task) (string, error) {
	dir := filepath.Join(root.Dir, backupDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}

	stamp := fb.options.Clock.Now().UTC().Format("2006-01-02T15-04-05")
	path := filepath.Join(dir, fmt.Sprintf("tasks_%s.json", stamp))

	// Two clears within the same second land in the same dated file; append to
	// it instead of overwriting.
	var c taskCollection
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &c); err != nil {
			return "", backend.NewCorruptError(path, err)
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading existing backup: %w", err)
	}
	c.Tasks = append(c.Tasks, tasks...)

	data, err := json.MarshalIndent(&c, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling backup: %w", err)
	}
	if err := atomicWrite(path, data); err != nil {
		return "", fmt.Errorf("writing backup: %w", err)
	}

	fb.Metrics().Counter(metrickeys.BackupWritten, metrics.Tags{metrickeys.Project: root.Name}, 1)
	fb.options.Logger.Debug("Wrote completed-task backup", log.ProjectKey, root.Name, log.BackupKey, path, log.CountKey, len(tasks))

	return path, nil
}

func (fb *fileBackend) Stats(ctx context.Context, root core.ProjectRoot) (*backend.Stats, error) {
	tasks, err := fb.Load(ctx, root)
	if err != nil {
		return nil, err
	}
	return backend.CountTasks(tasks), nil
}

func (fb *fileBackend) Tracer() trace.Tracer {
	return fb.options.TracerProvider.Tracer(backend.TracerName)
}

func (fb *fileBackend) Metrics() metrics.Client {
	return fb.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "file"})
}

func (fb *fileBackend) Options() *backend.Options {
	return fb.options
}

func (fb *fileBackend) Close() error {
	return nil
}
