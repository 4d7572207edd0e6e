// Package sqlite implements the task store over a single embedded sqlite
// database. Collections are keyed by project name; every Save replaces the
// project's rows in one transaction, which gives the same atomicity the file
// backend gets from rename.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/taskvine/taskvine/backend"
	"github.com/taskvine/taskvine/core"
	"github.com/taskvine/taskvine/internal/lock"
	"github.com/taskvine/taskvine/internal/log"
	"github.com/taskvine/taskvine/internal/metrickeys"
	"github.com/taskvine/taskvine/metrics"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

// NewInMemoryBackend creates a store backed by an in-memory sqlite database,
// useful for tests.
func NewInMemoryBackend(opts ...backend.BackendOption) backend.Backend {
	b := newSqliteBackend(":memory:", opts...)

	b.db.SetMaxOpenConns(1)

	return b
}

func NewSqliteBackend(path string, opts ...backend.BackendOption) backend.Backend {
	return newSqliteBackend(fmt.Sprintf("file:%v?_pragma=busy_timeout(5000)", path), opts...)
}

func newSqliteBackend(dsn string, opts ...backend.BackendOption) *sqliteBackend {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		panic(err)
	}

	options := backend.ApplyOptions(opts...)

	b := &sqliteBackend{
		db:      db,
		options: &options,
		locks:   lock.NewRegistry(),
	}

	if err := b.Migrate(); err != nil {
		panic(err)
	}

	return b
}

type sqliteBackend struct {
	db      *sql.DB
	options *backend.Options
	locks   *lock.Registry
}

var _ backend.Backend = (*sqliteBackend)(nil)

// Migrate applies any pending database migrations.
func (sb *sqliteBackend) Migrate() error {
	dbi, err := migratesqlite.WithInstance(sb.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "sqlite", dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	return nil
}

func (sb *sqliteBackend) Load(ctx context.Context, root core.ProjectRoot) ([]*core.Task, error) {
	rows, err := sb.db.QueryContext(
		ctx, "SELECT id, payload FROM tasks WHERE project = ? ORDER BY position", root.Name)
	if err != nil {
		return nil, fmt.Errorf("querying task collection: %w", err)
	}
	defer rows.Close()

	var tasks []*core.Task
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}

		var t core.Task
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, backend.NewCorruptError(fmt.Sprintf("tasks/%s/%s", root.Name, id), err)
		}
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading task rows: %w", err)
	}

	return tasks, nil
}

func (sb *sqliteBackend) Save(ctx context.Context, root core.ProjectRoot, tasks []*core.Task) error {
	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE project = ?", root.Name); err != nil {
		return fmt.Errorf("clearing previous collection: %w", err)
	}

	for i, t := range tasks {
		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshaling task %s: %w", t.ID, err)
		}
		if _, err := tx.ExecContext(
			ctx,
			"INSERT INTO tasks (project, id, position, payload) VALUES (?, ?, ?, ?)",
			root.Name, t.ID, i, string(payload),
		); err != nil {
			return fmt.Errorf("inserting task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("saving task collection: %w", err)
	}

	sb.Metrics().Gauge(metrickeys.CollectionSize, metrics.Tags{metrickeys.Project: root.Name}, int64(len(tasks)))

	return nil
}

func (sb *sqliteBackend) WithLock(ctx context.Context, root core.ProjectRoot, fn func(ctx context.Context) error) error {
	key := root.Name

	if lock.Held(ctx, key) {
		return fn(ctx)
	}

	release, err := sb.locks.Acquire(ctx, key, sb.options.LockTimeout, sb.options.LockRetryInterval, sb.options.Clock)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			sb.Metrics().Counter(metrickeys.LockTimeout, metrics.Tags{metrickeys.Project: root.Name}, 1)
			return fmt.Errorf("%w: project %s", backend.ErrLockTimeout, root.Name)
		}
		return err
	}
	defer release()

	sb.Metrics().Counter(metrickeys.LockAcquired, metrics.Tags{metrickeys.Project: root.Name}, 1)

	return fn(lock.MarkHeld(ctx, key))
}

func (sb *sqliteBackend) AppendBackup(ctx context.Context, root core.ProjectRoot, tasks []*core.Task) (string, error) {
	createdAt := sb.options.Clock.Now().UTC().Format(time.RFC3339)

	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, t := range tasks {
		payload, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("marshaling task %s: %w", t.ID, err)
		}
		if _, err := tx.ExecContext(
			ctx,
			"INSERT INTO backups (project, created_at, payload) VALUES (?, ?, ?)",
			root.Name, createdAt, string(payload),
		); err != nil {
			return "", fmt.Errorf("appending backup row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("writing backup: %w", err)
	}

	location := fmt.Sprintf("backups/%s/%s", root.Name, createdAt)
	sb.Metrics().Counter(metrickeys.BackupWritten, metrics.Tags{metrickeys.Project: root.Name}, 1)
	sb.options.Logger.Debug("Wrote completed-task backup", log.ProjectKey, root.Name, log.BackupKey, location, log.CountKey, len(tasks))

	return location, nil
}

func (sb *sqliteBackend) Stats(ctx context.Context, root core.ProjectRoot) (*backend.Stats, error) {
	rows, err := sb.db.QueryContext(
		ctx,
		"SELECT json_extract(payload, '$.status'), COUNT(*) FROM tasks WHERE project = ? GROUP BY 1",
		root.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	defer rows.Close()

	s := &backend.Stats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning stats row: %w", err)
		}

		s.Total += count
		switch core.TaskStatus(status) {
		case core.TaskStatusPending:
			s.Pending = count
		case core.TaskStatusInProgress:
			s.InProgress = count
		case core.TaskStatusCompleted:
			s.Completed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading stats rows: %w", err)
	}

	return s, nil
}

func (sb *sqliteBackend) Tracer() trace.Tracer {
	return sb.options.TracerProvider.Tracer(backend.TracerName)
}

func (sb *sqliteBackend) Metrics() metrics.Client {
	return sb.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "sqlite"})
}

func (sb *sqliteBackend) Options() *backend.Options {
	return sb.options
}

func (sb *sqliteBackend) Close() error {
	return sb.db.Close()
}
