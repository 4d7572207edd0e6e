// Package lock provides the in-process per-root locking shared by the store
// backends. Locks are plain semaphores keyed by root; acquisition polls on an
// exponential backoff schedule until the configured bound expires.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// ErrTimeout is returned when the lock could not be acquired within the bound.
var ErrTimeout = errors.New("lock wait timed out")

type Registry struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sems: map[string]chan struct{}{},
	}
}

func (r *Registry) sem(key string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sems[key]
	if !ok {
		s = make(chan struct{}, 1)
		r.sems[key] = s
	}
	return s
}

// Acquire takes the exclusive lock for key, waiting at most timeout. It
// returns a release function, or ErrTimeout if the bound expired, or the
// context error if ctx was canceled while waiting.
func (r *Registry) Acquire(ctx context.Context, key string, timeout, retryInterval time.Duration, clk clock.Clock) (func(), error) {
	s := r.sem(key)

	// Fast path, no backoff machinery when uncontended.
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	default:
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInterval
	b.MaxElapsedTime = timeout
	b.Clock = clk
	b.Reset()

	err := backoff.Retry(func() error {
		select {
		case s <- struct{}{}:
			return nil
		default:
			return ErrTimeout
		}
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTimeout
	}

	return func() { <-s }, nil
}

type heldKey struct{}

// Held reports whether the current call chain already holds the lock for key,
// as recorded by MarkHeld.
func Held(ctx context.Context, key string) bool {
	held, _ := ctx.Value(heldKey{}).(map[string]struct{})
	_, ok := held[key]
	return ok
}

// MarkHeld records on the context that the lock for key is held, making nested
// WithLock calls for the same root reentrant instead of self-deadlocking.
func MarkHeld(ctx context.Context, key string) context.Context {
	prev, _ := ctx.Value(heldKey{}).(map[string]struct{})
	held := make(map[string]struct{}, len(prev)+1)
	for k := range prev {
		held[k] = struct{}{}
	}
	held[key] = struct{}{}
	return context.WithValue(ctx, heldKey{}, held)
}
