package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/rolegraph/pkg/async"
	"github.com/platinummonkey/rolegraph/pkg/observability"
	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

// Logger writes audit events to a destination
type Logger interface {
	Log(ctx context.Context, event *Event) error
	Close() error
}

// Store is a Logger that can also be queried
type Store interface {
	Logger

	// Search returns matching events, newest first
	Search(ctx context.Context, filter Filter) ([]*Event, error)

	// Get returns one event, or nil when it does not exist
	Get(ctx context.Context, id string) (*Event, error)
}

type noOpLogger struct{}

func (noOpLogger) Log(context.Context, *Event) error { return nil }
func (noOpLogger) Close() error                      { return nil }

// NewNoOpLogger returns a logger that discards every event
func NewNoOpLogger() Logger {
	return noOpLogger{}
}

// RecorderConfig configures a Recorder
type RecorderConfig struct {
	Workers int
	// QueueSize bounds the events waiting for a worker; defaults to twice Workers
	QueueSize int
	Timeout   time.Duration
	OnEvent   func(*Event)
	AppLogger *observability.Logger
}

// Recorder turns engine changes into audit events and writes them in the background.
// Engine listeners run under the engine's write lock, so events are queued without
// blocking and dropped when the queue is full.
type Recorder struct {
	logger  Logger
	pool    *async.WorkerPool
	onEvent func(*Event)
	log     *observability.Logger
}

// NewRecorder creates a recorder writing to logger
func NewRecorder(ctx context.Context, logger Logger, config RecorderConfig) *Recorder {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.AppLogger == nil {
		config.AppLogger = observability.Discard()
	}
	return &Recorder{
		logger: logger,
		pool: async.NewWorkerPool(ctx, async.PoolConfig{
			Name:        "audit delivery",
			Workers:     config.Workers,
			QueueSize:   config.QueueSize,
			TaskTimeout: config.Timeout,
		}),
		onEvent: config.OnEvent,
		log:     config.AppLogger,
	}
}

// Listener returns the engine change listener, for rbac.WithChangeListener
func (r *Recorder) Listener() rbac.ChangeListener {
	return r.Record
}

// Record queues one change
func (r *Recorder) Record(change rbac.Change) {
	event := EventFromChange(change)
	queued := r.pool.TrySubmit(func(ctx context.Context) error {
		if err := r.logger.Log(ctx, event); err != nil {
			r.log.WithField("event_id", event.ID).WithError(err).Error("Failed to write audit event")
			return err
		}
		if r.onEvent != nil {
			r.onEvent(event)
		}
		return nil
	})
	if !queued {
		r.log.WithFields(map[string]interface{}{
			"event_type": event.EventType,
			"generation": event.Generation,
			"dropped":    r.pool.Dropped(),
		}).Warn("Audit queue full, event dropped")
	}
}

// Dropped returns how many events were dropped because the queue was full
func (r *Recorder) Dropped() int64 {
	return r.pool.Dropped()
}

// Close drains queued events and closes the logger
func (r *Recorder) Close(timeout time.Duration) error {
	if err := r.pool.Shutdown(timeout); err != nil {
		return err
	}
	return r.logger.Close()
}
