// Package project maps logical project names to isolated storage roots. Every
// project gets its own directory under the data root; there is no shared
// default, so a caller that never names a project gets an error instead of
// another tenant's data.
package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jellydator/ttlcache/v3"

	"github.com/taskvine/taskvine/core"
	"github.com/taskvine/taskvine/internal/log"
)

var (
	// ErrProjectRequired is returned when no project was given explicitly and
	// none is set on the context.
	ErrProjectRequired = errors.New("no project specified and no current project set")

	// ErrInvalidProject is returned when a project name sanitizes to nothing
	// usable as a directory name.
	ErrInvalidProject = errors.New("invalid project name")
)

type currentKey struct{}

// WithCurrent returns a context carrying name as the current project. The
// current project is call-sequence scoped, never process global: concurrent
// call sequences carry their own value and cannot leak into each other.
func WithCurrent(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, currentKey{}, name)
}

// Current returns the current project carried by ctx, or "".
func Current(ctx context.Context) string {
	name, _ := ctx.Value(currentKey{}).(string)
	return name
}

// Sanitize maps a logical project name to a filesystem-safe token: lowercase,
// [a-z0-9_-] kept, runs of anything else collapsed to a single '-'.
func Sanitize(name string) (string, error) {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastDash = false
		case r == '-':
			if !lastDash {
				b.WriteByte('-')
			}
			lastDash = true
		default:
			if !lastDash {
				b.WriteByte('-')
			}
			lastDash = true
		}
	}

	s := strings.Trim(b.String(), "-")
	if s == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidProject, name)
	}
	return s, nil
}

type ResolverOption func(*Resolver)

func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// Resolver resolves project names to storage roots under a single data root
// directory. Resolutions are cached for the process lifetime and invalidated
// when the current project changes.
type Resolver struct {
	dataDir string
	logger  *slog.Logger
	cache   *ttlcache.Cache[string, core.ProjectRoot]
}

func NewResolver(dataDir string, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		dataDir: dataDir,
		logger:  slog.Default(),
		cache:   ttlcache.New[string, core.ProjectRoot](),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Resolve produces the storage root for the explicitly given project, falling
// back to the context's current project. With neither it fails with
// ErrProjectRequired rather than defaulting to a shared directory.
func (r *Resolver) Resolve(ctx context.Context, explicit string) (core.ProjectRoot, error) {
	name := explicit
	if name == "" {
		name = Current(ctx)
	}
	if name == "" {
		return core.ProjectRoot{}, ErrProjectRequired
	}

	sanitized, err := Sanitize(name)
	if err != nil {
		return core.ProjectRoot{}, err
	}

	if item := r.cache.Get(sanitized); item != nil {
		return item.Value(), nil
	}

	dir := filepath.Join(r.dataDir, sanitized)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return core.ProjectRoot{}, fmt.Errorf("creating project directory: %w", err)
	}

	root := core.ProjectRoot{Name: sanitized, Dir: dir}
	r.cache.Set(sanitized, root, ttlcache.NoTTL)

	r.logger.Debug("Resolved project root", log.ProjectKey, sanitized, log.RootKey, dir)

	return root, nil
}

// SetCurrent switches the current project on the returned context and
// invalidates the cached resolution for it, so the next Resolve re-checks the
// directory.
func (r *Resolver) SetCurrent(ctx context.Context, name string) (context.Context, error) {
	sanitized, err := Sanitize(name)
	if err != nil {
		return ctx, err
	}

	r.Invalidate(sanitized)

	return WithCurrent(ctx, sanitized), nil
}

// Invalidate drops the cached resolution for the given (sanitized) name.
func (r *Resolver) Invalidate(name string) {
	r.cache.Delete(name)
}
