package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crmgate/crmgate/internal/platform/database"
	"github.com/crmgate/crmgate/internal/platform/metrics"
)

// Reasons an event is spilled to the structured log instead of the
// audit_events table.
const (
	SpillBufferFull  = "buffer_full"
	SpillClosed      = "closed"
	SpillFlushFailed = "flush_failed"
)

const flushTimeout = 5 * time.Second

// LoggerConfig configures the async audit logger.
type LoggerConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func (c LoggerConfig) withDefaults() LoggerConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	return c
}

// AsyncLogger persists events in batches from a single background worker.
// Log never blocks a request: an event that cannot be queued or written is
// spilled to the structured log, so denials stay traceable even when the
// database is unavailable.
type AsyncLogger struct {
	queue  chan Event
	store  *Store
	db     database.Querier
	cfg    LoggerConfig
	logger *slog.Logger

	closed atomic.Bool
	stop   context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewAsyncLogger starts the worker. A nil logger uses slog.Default.
func NewAsyncLogger(db database.Querier, store *Store, cfg LoggerConfig, logger *slog.Logger) *AsyncLogger {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	ctx, stop := context.WithCancel(context.Background())
	l := &AsyncLogger{
		queue:  make(chan Event, cfg.BufferSize),
		store:  store,
		db:     db,
		cfg:    cfg,
		logger: logger,
		stop:   stop,
		done:   make(chan struct{}),
	}
	go l.run(ctx)
	return l
}

func (l *AsyncLogger) Log(_ context.Context, event Event) {
	if l.closed.Load() {
		l.spill(event, SpillClosed)
		return
	}
	select {
	case l.queue <- event:
	default:
		l.spill(event, SpillBufferFull)
	}
}

// Close stops the worker and writes whatever is still queued.
func (l *AsyncLogger) Close() error {
	l.once.Do(func() {
		l.closed.Store(true)
		l.stop()
		<-l.done
		l.write(l.drain(nil))
	})
	return nil
}

func (l *AsyncLogger) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	pending := make([]Event, 0, l.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			l.write(l.drain(pending))
			return
		case e := <-l.queue:
			pending = append(pending, e)
			if len(pending) < l.cfg.BatchSize {
				continue
			}
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
		}
		l.write(pending)
		pending = make([]Event, 0, l.cfg.BatchSize)
	}
}

func (l *AsyncLogger) write(events []Event) {
	if len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := l.store.InsertBatch(ctx, l.db, events); err != nil {
		l.logger.Error("audit flush failed", "error", err, "count", len(events))
		for _, e := range events {
			l.spill(e, SpillFlushFailed)
		}
	}
}

// drain appends every queued event to pending without blocking.
func (l *AsyncLogger) drain(pending []Event) []Event {
	for {
		select {
		case e := <-l.queue:
			pending = append(pending, e)
		default:
			return pending
		}
	}
}

func (l *AsyncLogger) spill(e Event, reason string) {
	metrics.AuditEventsSpilled.WithLabelValues(reason).Inc()
	attrs := []any{"reason", reason, "action", e.Action, "resource_type", e.ResourceType, "source", e.Source}
	if e.TenantID != nil {
		attrs = append(attrs, "tenant_id", e.TenantID.String())
	}
	if e.UserID != nil {
		attrs = append(attrs, "user_id", e.UserID.String())
	}
	if len(e.Metadata) > 0 {
		attrs = append(attrs, "metadata", e.Metadata)
	}
	l.logger.Warn("audit event not persisted", attrs...)
}
