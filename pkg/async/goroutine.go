package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/rolegraph/pkg/observability"
)

// ErrPoolClosed is returned when submitting to a pool that has been shut down
var ErrPoolClosed = errors.New("worker pool shut down")

var logger atomic.Pointer[observability.Logger]

func init() {
	logger.Store(observability.Discard())
}

// SetLogger sets the logger used for panics and task errors
func SetLogger(l *observability.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// Task is a unit of background work. It must honor ctx.
type Task func(ctx context.Context) error

// run calls fn and converts a panic into an error carrying the stack.
func run(ctx context.Context, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// PanicError wraps a value recovered from a task.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func report(task string, err error) {
	log := logger.Load().WithField("task", task)
	var p *PanicError
	if errors.As(err, &p) {
		log.WithField("stack", string(p.Stack)).WithError(err).Error("Recovered from panic")
		return
	}
	log.WithError(err).Warn("Background task failed")
}

// SafeGo runs fn on its own goroutine bounded by timeout. Errors and panics
// are logged, never propagated.
//
//	SafeGo(ctx, 5*time.Second, "snapshot export", func(ctx context.Context) error {
//	    return exporter.Export(ctx, snap)
//	})
func SafeGo(parent context.Context, timeout time.Duration, name string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		if err := run(ctx, fn); err != nil {
			report(name, err)
		}
	}()
}

// SafeGoNoError is SafeGo for tasks that cannot fail.
func SafeGoNoError(parent context.Context, timeout time.Duration, name string, fn func(context.Context)) {
	SafeGo(parent, timeout, name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// PoolConfig sizes a WorkerPool.
type PoolConfig struct {
	Name        string
	Workers     int
	QueueSize   int // defaults to twice the worker count
	TaskTimeout time.Duration
}

// WorkerPool runs queued tasks on a fixed set of goroutines. Task errors and
// panics are delivered on Errors, best effort.
type WorkerPool struct {
	cfg     PoolConfig
	queue   chan Task
	done    chan struct{}
	errs    chan error
	ctx     context.Context
	cancel  context.CancelFunc
	dropped atomic.Int64

	// mu guards closed and the close of queue against concurrent sends
	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool starts cfg.Workers goroutines. The pool stops when ctx is
// cancelled or Shutdown is called.
//
//	pool := NewWorkerPool(ctx, PoolConfig{Name: "audit delivery", Workers: 4, TaskTimeout: 30 * time.Second})
//	defer pool.Shutdown(5 * time.Second)
func NewWorkerPool(ctx context.Context, cfg PoolConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 2
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &WorkerPool{
		cfg:    cfg,
		queue:  make(chan Task, cfg.QueueSize),
		done:   make(chan struct{}),
		errs:   make(chan error, cfg.Workers*10),
		ctx:    ctx,
		cancel: cancel,
	}

	var wg sync.WaitGroup
	wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go func() {
			defer wg.Done()
			p.work()
		}()
	}
	go func() {
		wg.Wait()
		close(p.done)
	}()
	return p
}

// Submit queues fn, blocking while the queue is full.
func (p *WorkerPool) Submit(fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- fn:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// TrySubmit queues fn without blocking. It reports false, and counts a drop,
// when the queue is full or the pool is shut down.
func (p *WorkerPool) TrySubmit(fn Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.closed {
		select {
		case p.queue <- fn:
			return true
		default:
		}
	}
	p.dropped.Add(1)
	return false
}

// Dropped returns how many tasks TrySubmit could not queue
func (p *WorkerPool) Dropped() int64 {
	return p.dropped.Load()
}

// Errors receives task errors. Errors are discarded when nobody reads them.
func (p *WorkerPool) Errors() <-chan error {
	return p.errs
}

// Shutdown stops intake and waits up to timeout for queued tasks to finish.
// Tasks still running after timeout see their context cancelled.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	defer p.cancel()
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%s pool shutdown timed out after %v", p.cfg.Name, timeout)
	}
}

func (p *WorkerPool) work() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn, ok := <-p.queue:
			if !ok {
				return
			}
			p.exec(fn)
		}
	}
}

func (p *WorkerPool) exec(fn Task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.TaskTimeout)
	defer cancel()
	err := run(ctx, fn)
	if err == nil {
		return
	}
	select {
	case p.errs <- err:
	default:
		report(p.cfg.Name, err)
	}
}
