package backend

import (
	"context"
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskvine/taskvine/core"
	"github.com/taskvine/taskvine/metrics"
)

var (
	// ErrLockTimeout is returned when the per-root lock could not be acquired
	// within the configured bound. Retryable by the caller.
	ErrLockTimeout = errors.New("task store lock acquisition timed out")
)

const TracerName = "taskvine"

// CorruptError indicates a task collection that exists but cannot be parsed.
// It is fatal: the store never repairs or discards a corrupt collection on its
// own, since that risks silently losing dependency information. The stack of
// the detection site is retained for post-mortem diagnosis.
type CorruptError struct {
	// Location of the corrupt collection, e.g. a file path or a database key.
	Location string

	wrapped *goerrors.Error
}

func NewCorruptError(location string, cause error) *CorruptError {
	return &CorruptError{
		Location: location,
		wrapped:  goerrors.Wrap(cause, 1),
	}
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("task collection at %s is corrupt: %v", e.Location, e.wrapped.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.wrapped.Err
}

// Stack returns the stack trace captured when the corruption was detected.
func (e *CorruptError) Stack() string {
	return e.wrapped.ErrorStack()
}

// Backend is the embedded transactional store for per-project task
// collections. Implementations must guarantee that Save is atomic and that
// WithLock serializes all callers for the same root. Different roots share
// nothing and may proceed in parallel.
type Backend interface {
	// Load reads the task collection for the given root. A missing collection
	// is an empty one, not an error. A malformed collection is a *CorruptError.
	Load(ctx context.Context, root core.ProjectRoot) ([]*core.Task, error)

	// Save atomically replaces the task collection for the given root. A crash
	// mid-save never leaves a partially written collection behind.
	Save(ctx context.Context, root core.ProjectRoot, tasks []*core.Task) error

	// WithLock runs fn while holding the exclusive lock for root. Acquisition
	// waits at most the configured lock timeout and then fails with
	// ErrLockTimeout. Nested WithLock calls for the same root within fn are
	// safe; they run under the already-held lock.
	WithLock(ctx context.Context, root core.ProjectRoot, fn func(ctx context.Context) error) error

	// AppendBackup appends the given tasks to a dated backup for root and
	// returns the backup location. Callers performing a destructive clear must
	// abort if this fails.
	AppendBackup(ctx context.Context, root core.ProjectRoot, tasks []*core.Task) (string, error)

	// Stats returns per-status task counts for the given root.
	Stats(ctx context.Context, root core.ProjectRoot) (*Stats, error)

	// Tracer returns the configured tracer for the backend
	Tracer() trace.Tracer

	// Metrics returns the configured metrics client for the backend
	Metrics() metrics.Client

	// Options returns the configured options for the backend
	Options() *Options

	// Close closes any underlying resources
	Close() error
}

// Stats holds per-project task counts by status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
}

// CountTasks computes Stats from an in-memory collection. Backends without a
// cheaper native count can use it after Load.
func CountTasks(tasks []*core.Task) *Stats {
	s := &Stats{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case core.TaskStatusPending:
			s.Pending++
		case core.TaskStatusInProgress:
			s.InProgress++
		case core.TaskStatusCompleted:
			s.Completed++
		}
	}
	return s
}
