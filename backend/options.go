package backend

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	mi "github.com/taskvine/taskvine/internal/metrics"
	"github.com/taskvine/taskvine/metrics"
)

type Options struct {
	Logger *slog.Logger

	Metrics metrics.Client

	TracerProvider trace.TracerProvider

	// Clock is the time source for timestamps and lock deadlines. Tests swap
	// in a mock clock.
	Clock clock.Clock

	// LockTimeout bounds how long a WithLock call waits for the per-root lock
	// before failing with ErrLockTimeout.
	LockTimeout time.Duration

	// LockRetryInterval is the initial interval between lock acquisition
	// attempts; attempts back off exponentially up to LockTimeout.
	LockRetryInterval time.Duration
}

var DefaultOptions Options = Options{
	LockTimeout:       5 * time.Second,
	LockRetryInterval: 5 * time.Millisecond,

	Logger:         slog.Default(),
	Metrics:        mi.NewNoopMetricsClient(),
	TracerProvider: noop.NewTracerProvider(),
	Clock:          clock.New(),
}

type BackendOption func(*Options)

func WithLogger(logger *slog.Logger) BackendOption {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) BackendOption {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) BackendOption {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithClock(c clock.Clock) BackendOption {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithLockTimeout(timeout time.Duration) BackendOption {
	return func(o *Options) {
		o.LockTimeout = timeout
	}
}

func WithLockRetryInterval(interval time.Duration) BackendOption {
	return func(o *Options) {
		o.LockRetryInterval = interval
	}
}

func ApplyOptions(opts ...BackendOption) Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	return options
}
