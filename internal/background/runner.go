// Package background runs the process-wide maintenance loops: alert
// evaluation, audit log retention and connection pool sweeps. The loops run
// in exactly one process per deployment, elected through the singleton lock;
// replicas that lose the election serve API traffic with the loops skipped.
package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/kubedeck/internal/logging"
)

// Config holds configuration options for the runner.
type Config struct {
	// RetentionDays is how long audit records are kept.
	//
	// Default: 30.
	RetentionDays int

	// CleanupInterval is how often the retention pruner runs.
	//
	// Default: 24 hours.
	CleanupInterval time.Duration

	// CleanupBatchSize bounds one retention delete, keeping transactions
	// small on busy tables.
	//
	// Default: 5000.
	CleanupBatchSize int

	// SweepInterval is how often expired pooled connections are dropped.
	//
	// Default: 60 seconds.
	SweepInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RetentionDays:    30,
		CleanupInterval:  24 * time.Hour,
		CleanupBatchSize: 5000,
		SweepInterval:    60 * time.Second,
	}
}

// ErrCloseTimeout is returned by Close when the loops do not finish in time.
var ErrCloseTimeout = errors.New("timed out waiting for background tasks")

// Locker elects the loop-running process. Satisfied by *singleton.Lock.
type Locker interface {
	TryAcquire() (bool, error)
	Release() error
	Path() string
}

// Task is a long-running component the runner owns opaquely. Satisfied by
// *alerts.Evaluator.
type Task interface {
	Start()
	Stop()
}

// AuditPruner deletes expired audit records. Satisfied by *store.Store.
type AuditPruner interface {
	DeleteAuditBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// Sweeper drops expired pooled connections. Satisfied by *kube.Pool.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

// Runner drives the maintenance loops under the singleton lock.
//
// Run blocks until the context is canceled. Close waits a bounded time for
// the loops to wind down, then releases the lock either way.
type Runner struct {
	lock      Locker
	evaluator Task
	pruner    AuditPruner
	sweeper   Sweeper

	config Config
	logger *slog.Logger

	started atomic.Bool
	held    atomic.Bool
	done    chan struct{}

	// Clock abstraction for testing
	now func() time.Time
}

// Option is a functional option for configuring the Runner.
type Option func(*Runner)

// WithConfig sets the runner configuration.
func WithConfig(config Config) Option {
	return func(r *Runner) {
		r.config = config
	}
}

// WithLogger sets the logger for the runner.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// withClock sets the clock function for testing.
func withClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// NewRunner creates a background loop runner.
func NewRunner(lock Locker, evaluator Task, pruner AuditPruner, sweeper Sweeper, opts ...Option) *Runner {
	r := &Runner{
		lock:      lock,
		evaluator: evaluator,
		pruner:    pruner,
		sweeper:   sweeper,
		config:    DefaultConfig(),
		logger:    slog.Default(),
		done:      make(chan struct{}),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	// Validate configuration
	if r.config.RetentionDays <= 0 {
		r.config.RetentionDays = DefaultConfig().RetentionDays
	}
	if r.config.CleanupInterval <= 0 {
		r.config.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if r.config.CleanupBatchSize <= 0 {
		r.config.CleanupBatchSize = DefaultConfig().CleanupBatchSize
	}
	if r.config.SweepInterval <= 0 {
		r.config.SweepInterval = DefaultConfig().SweepInterval
	}

	return r
}

// Run elects this process and drives the loops until ctx is canceled. When
// another process holds the lock, Run logs and returns nil immediately; the
// API keeps serving either way.
func (r *Runner) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("background runner already ran")
	}
	defer close(r.done)

	acquired, err := r.lock.TryAcquire()
	if err != nil {
		return fmt.Errorf("background lock: %w", err)
	}
	if !acquired {
		r.logger.Info("Background tasks skipped, another instance holds the lock",
			"lockfile", r.lock.Path())
		return nil
	}
	r.held.Store(true)

	r.logger.Info("Background tasks started",
		"lockfile", r.lock.Path(),
		"retention_days", r.config.RetentionDays,
		"cleanup_interval", r.config.CleanupInterval,
		"sweep_interval", r.config.SweepInterval)

	if r.evaluator != nil {
		r.evaluator.Start()
		defer r.evaluator.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.retentionLoop(gctx)
	})
	g.Go(func() error {
		return r.sweepLoop(gctx)
	})
	return g.Wait()
}

// Close waits up to timeout for Run to finish, then releases the lock. It is
// safe to call when the lock was never acquired.
func (r *Runner) Close(timeout time.Duration) error {
	var waitErr error
	if r.started.Load() {
		select {
		case <-r.done:
		case <-time.After(timeout):
			waitErr = ErrCloseTimeout
		}
	}

	if r.held.CompareAndSwap(true, false) {
		if err := r.lock.Release(); err != nil {
			r.logger.Error("Failed to release background lock", logging.Err(err))
			if waitErr == nil {
				waitErr = err
			}
		}
	}
	return waitErr
}

// retentionLoop prunes expired audit records, once at startup and then on
// every cleanup interval.
func (r *Runner) retentionLoop(ctx context.Context) error {
	r.pruneAudit(ctx)

	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.pruneAudit(ctx)
		}
	}
}

// pruneAudit deletes expired records in bounded batches until drained.
func (r *Runner) pruneAudit(ctx context.Context) {
	cutoff := r.now().Add(-time.Duration(r.config.RetentionDays) * 24 * time.Hour)

	var total int64
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := r.pruner.DeleteAuditBefore(ctx, cutoff, r.config.CleanupBatchSize)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("Audit retention prune failed",
					logging.Task("audit-retention"),
					logging.Err(err))
			}
			return
		}
		total += n
		if n < int64(r.config.CleanupBatchSize) {
			break
		}
	}

	if total > 0 {
		r.logger.Info("Pruned expired audit records",
			logging.Task("audit-retention"),
			"deleted", total,
			"cutoff", cutoff.Format(time.RFC3339))
	}
}

// sweepLoop drops expired pooled connections on every sweep interval.
func (r *Runner) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.sweeper.Sweep(ctx); n > 0 {
				r.logger.Debug("Swept expired pooled connections",
					logging.Task("pool-sweep"),
					"evicted", n)
			}
		}
	}
}
