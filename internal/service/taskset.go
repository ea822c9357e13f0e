package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrShutdownTimeout is returned by [TaskSet.Shutdown] when tasks do not
// finish within the allowed time.
var ErrShutdownTimeout = errors.New("tasks did not stop in time")

// TaskSet tracks a service's background tasks. Every task receives a context
// derived from the set's root context; Shutdown cancels that context and
// waits a bounded time for the tasks to drain.
//
// All exported methods are safe for concurrent use.
type TaskSet struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	mu   sync.Mutex
	wg   sync.WaitGroup
	errs []error
	done bool
}

// NewTaskSet creates a TaskSet rooted at ctx.
func NewTaskSet(ctx context.Context, log *slog.Logger) *TaskSet {
	if log == nil {
		log = slog.Default()
	}
	tctx, cancel := context.WithCancel(ctx)
	return &TaskSet{ctx: tctx, cancel: cancel, log: log}
}

// Go starts fn as a tracked task. A non-nil error returned after the set was
// cancelled is discarded; any other error is recorded and logged. Calling Go
// after Shutdown is a no-op.
func (ts *TaskSet) Go(name string, fn func(ctx context.Context) error) {
	ts.mu.Lock()
	if ts.done {
		ts.mu.Unlock()
		ts.log.Warn("task rejected after shutdown", "task", name)
		return
	}
	ts.wg.Add(1)
	ts.mu.Unlock()

	go func() {
		defer ts.wg.Done()
		err := fn(ts.ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		ts.log.Error("background task failed", "task", name, "err", err)
		ts.mu.Lock()
		ts.errs = append(ts.errs, fmt.Errorf("task %s: %w", name, err))
		ts.mu.Unlock()
	}()
}

// Shutdown cancels all tasks and waits up to timeout for them to finish.
// It returns the joined task errors, plus [ErrShutdownTimeout] if the wait
// expired.
func (ts *TaskSet) Shutdown(timeout time.Duration) error {
	ts.mu.Lock()
	ts.done = true
	ts.mu.Unlock()
	ts.cancel()

	waited := make(chan struct{})
	go func() {
		ts.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(timeout):
		ts.mu.Lock()
		ts.errs = append(ts.errs, ErrShutdownTimeout)
		ts.mu.Unlock()
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	return errors.Join(ts.errs...)
}
