// Package async runs background work with panic recovery, per-task timeouts and logged
// errors.
//
// SafeGo starts one task. WorkerPool runs a fixed number of workers over a bounded queue;
// Submit blocks when the queue is full, TrySubmit drops the task and counts it instead,
// which suits callers that must not block, such as engine change listeners.
//
//	pool := async.NewWorkerPool(ctx, async.PoolConfig{Name: "audit delivery", Workers: 4, QueueSize: 256})
//	defer pool.Shutdown(5 * time.Second)
//
//	if !pool.TrySubmit(func(ctx context.Context) error { return sink.Log(ctx, event) }) {
//		// queue full
//	}
//
// Panics and task errors are written to the logger set with SetLogger.
package async
