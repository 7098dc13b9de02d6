// Package audit records every mutation against the control plane. Records
// flow through a bounded in-memory buffer into the store so a slow or
// unavailable database can never stall or fail the mutation path: when the
// buffer is full the record is dropped and counted, never the request.
package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/giantswarm/kubedeck/internal/logging"
	"github.com/giantswarm/kubedeck/internal/store"
)

// Defaults for the sink's buffering behavior.
const (
	// DefaultBufferSize is how many records may wait for the writer.
	DefaultBufferSize = 256

	// defaultFlushInterval bounds how stale a buffered record may get.
	defaultFlushInterval = time.Second

	// defaultFlushTimeout bounds one store write.
	defaultFlushTimeout = 5 * time.Second

	// maxBatch caps how many records go into one store transaction.
	maxBatch = 100
)

// Entry is one auditable action. Zero Time means "now".
type Entry struct {
	Time         time.Time
	UserID       *int64
	ClusterID    *int64
	Action       string
	ResourceKind string
	ResourceName string
	Namespace    string
	Details      map[string]any
	IP           string
	UserAgent    string
	Success      bool
	Error        string
}

// Writer is the slice of the store the sink needs. *store.Store satisfies it.
type Writer interface {
	InsertAuditLogs(ctx context.Context, records []store.AuditRecord) error
}

// Sink buffers audit entries and writes them to the store in batches from a
// single goroutine.
type Sink struct {
	writer        Writer
	logger        *slog.Logger
	entries       chan Entry
	quit          chan struct{}
	done          chan struct{}
	flushInterval time.Duration
	flushTimeout  time.Duration
	now           func() time.Time

	closed  atomic.Bool
	dropped atomic.Int64
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithSinkLogger sets the logger for drop and write-failure warnings.
func WithSinkLogger(logger *slog.Logger) SinkOption {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBufferSize overrides the record buffer capacity.
func WithBufferSize(n int) SinkOption {
	return func(s *Sink) {
		if n > 0 {
			s.entries = make(chan Entry, n)
		}
	}
}

// WithFlushInterval overrides how often buffered records are written out.
func WithFlushInterval(d time.Duration) SinkOption {
	return func(s *Sink) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// withSinkClock replaces the time source in tests.
func withSinkClock(now func() time.Time) SinkOption {
	return func(s *Sink) {
		s.now = now
	}
}

// NewSink creates a Sink and starts its writer goroutine.
func NewSink(writer Writer, opts ...SinkOption) *Sink {
	s := &Sink{
		writer:        writer,
		logger:        slog.Default(),
		entries:       make(chan Entry, DefaultBufferSize),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		flushInterval: defaultFlushInterval,
		flushTimeout:  defaultFlushTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.WithComponent(s.logger, "audit")

	go s.run()
	return s
}

// Record buffers one entry. It never blocks and never returns an error; if
// the buffer is full or the sink is closed the entry is dropped and counted.
func (s *Sink) Record(e Entry) {
	if s.closed.Load() {
		s.dropped.Add(1)
		return
	}
	if e.Time.IsZero() {
		e.Time = s.now()
	}

	select {
	case s.entries <- e:
	default:
		s.dropped.Add(1)
		s.logger.Warn("Audit buffer full, dropping record",
			logging.Action(e.Action),
			slog.Int64("dropped_total", s.dropped.Load()))
	}
}

// Dropped returns how many entries were lost to a full buffer, a failed
// write, or recording after shutdown.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops the sink after flushing what is buffered. The context bounds
// the wait. Safe to call more than once.
func (s *Sink) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.quit)

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the single writer goroutine: it batches entries and flushes on
// size, interval, or shutdown.
func (s *Sink) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]store.AuditRecord, 0, maxBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.flushTimeout)
		defer cancel()

		if err := s.writer.InsertAuditLogs(ctx, batch); err != nil {
			s.dropped.Add(int64(len(batch)))
			s.logger.Warn("Failed to persist audit batch",
				slog.Int("batch_size", len(batch)), logging.Err(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-s.entries:
			batch = append(batch, toRecord(e))
			if len(batch) >= maxBatch {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.quit:
			// Drain whatever made it into the buffer, then flush once.
			for {
				select {
				case e := <-s.entries:
					batch = append(batch, toRecord(e))
					if len(batch) >= maxBatch {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func toRecord(e Entry) store.AuditRecord {
	return store.AuditRecord{
		CreatedAt:    e.Time,
		UserID:       e.UserID,
		ClusterID:    e.ClusterID,
		Action:       e.Action,
		ResourceKind: e.ResourceKind,
		ResourceName: e.ResourceName,
		Namespace:    e.Namespace,
		Details:      store.JSONMap(e.Details),
		IP:           e.IP,
		UserAgent:    e.UserAgent,
		Success:      e.Success,
		Error:        e.Error,
	}
}
