package sentry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// BackgroundWorker runs delivery tasks on a fixed pool of goroutines. The
// number of admitted, unfinished tasks never exceeds the queue size; Perform
// never blocks.
type BackgroundWorker struct {
	tasks    chan func()
	threads  int
	maxQueue int64
	pending  atomic.Int64
	discard  atomic.Bool
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewBackgroundWorker starts threads goroutines. With zero threads Perform
// runs tasks inline on the calling goroutine.
func NewBackgroundWorker(threads, maxQueue int, logger *zap.Logger) *BackgroundWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxQueue <= 0 {
		maxQueue = 1
	}

	w := &BackgroundWorker{
		threads:  threads,
		maxQueue: int64(maxQueue),
		logger:   logger,
	}
	if threads <= 0 {
		w.threads = 0
		return w
	}

	w.tasks = make(chan func(), maxQueue)
	for i := 0; i < threads; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}
	return w
}

// IsInline reports whether tasks run on the calling goroutine.
func (w *BackgroundWorker) IsInline() bool {
	return w.threads == 0
}

// Perform schedules task. It returns false when the queue is full or the
// worker is shut down; the task is then not run.
func (w *BackgroundWorker) Perform(task func()) bool {
	if w.IsInline() {
		w.mu.RLock()
		closed := w.closed
		w.mu.RUnlock()
		if closed {
			return false
		}
		w.run(w.logger, task)
		return true
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return false
	}
	if w.pending.Add(1) > w.maxQueue {
		w.pending.Add(-1)
		w.logger.Warn("background queue is full, dropping task",
			zap.Int64("queue_size", w.maxQueue))
		return false
	}

	select {
	case w.tasks <- task:
		return true
	default:
		w.pending.Add(-1)
		return false
	}
}

// Len returns the number of admitted tasks that did not finish yet.
func (w *BackgroundWorker) Len() int {
	return int(w.pending.Load())
}

// Flush waits until every admitted task finished or ctx is done. It reports
// whether the queue was drained.
func (w *BackgroundWorker) Flush(ctx context.Context) bool {
	if w.pending.Load() == 0 {
		return true
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.pending.Load() == 0
		case <-ticker.C:
			if w.pending.Load() == 0 {
				return true
			}
		}
	}
}

// Shutdown stops accepting tasks. With drain the queued tasks still run
// until ctx is done, otherwise they are discarded.
func (w *BackgroundWorker) Shutdown(ctx context.Context, drain bool) error {
	const op = errors.Op("sentry_worker_shutdown")

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if !drain {
		w.discard.Store(true)
	}
	if w.tasks != nil {
		close(w.tasks)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Debug("background worker stopped")
		return nil
	case <-ctx.Done():
		w.discard.Store(true)
		w.logger.Warn("background worker stopped before the queue was drained",
			zap.Int("pending", w.Len()))
		return errors.E(op, ctx.Err())
	}
}

func (w *BackgroundWorker) worker(id int) {
	defer w.wg.Done()

	logger := w.logger.With(zap.Int("worker_id", id))
	for task := range w.tasks {
		if !w.discard.Load() {
			w.run(logger, task)
		}
		w.pending.Add(-1)
	}
}

// run executes task, isolating the pool from its panics.
func (w *BackgroundWorker) run(logger *zap.Logger, task func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("background task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}
