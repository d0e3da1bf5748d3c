// Package async runs short bookkeeping tasks on a bounded set of goroutines
// and lets the caller wait for them.
//
// The scheduler uses it for failure isolation: the failure-log write for a
// failed job must happen outside the job's (rolled back) transaction, on its
// own unit of work, and the firing must not complete until that write is done.
// Run gives exactly that: a fresh goroutine, a slot bounded by a semaphore,
// and a synchronous wait that the caller may abandon without killing the task.
package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/teranos/jobkeeper/errors"
)

var (
	// ErrNotStarted marks a task that never ran because no slot freed up in time.
	ErrNotStarted = errors.New("isolated task not started")
	// ErrWaitInterrupted marks an abandoned wait. The task keeps running.
	ErrWaitInterrupted = errors.New("wait for isolated task interrupted")
	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("runner closed")
)

// Task is a unit of isolated work. ctx is detached from the caller's
// cancellation and bounded by the runner's task timeout.
type Task func(ctx context.Context) error

// Config controls a Runner.
type Config struct {
	// Workers bounds how many tasks run at once (default 4).
	Workers int
	// TaskTimeout bounds a single task, including the wait for a slot (default 30s).
	TaskTimeout time.Duration
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{Workers: 4, TaskTimeout: 30 * time.Second}
}

// Runner executes tasks on bounded, awaited goroutines.
type Runner struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRunner creates a runner. Zero config fields take their defaults.
func NewRunner(cfg Config, logger *zap.SugaredLogger) *Runner {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		timeout: cfg.TaskTimeout,
		logger:  logger,
	}
}

// Run starts task on its own goroutine and blocks until it finishes or ctx is
// done. The task's own error is returned unchanged. When ctx ends first the
// error is marked ErrWaitInterrupted and the task completes in the background.
func (r *Runner) Run(ctx context.Context, task Task) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.WithStack(ErrClosed)
	}
	r.wg.Add(1)
	r.mu.Unlock()

	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)

	if err := r.sem.Acquire(taskCtx, 1); err != nil {
		cancel()
		r.wg.Done()
		return errors.Mark(errors.Wrap(err, "acquire isolation slot"), ErrNotStarted)
	}

	done := make(chan error, 1)
	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)
		defer cancel()
		done <- r.safeRun(taskCtx, task)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Mark(errors.Wrap(ctx.Err(), "wait for isolated task"), ErrWaitInterrupted)
	}
}

func (r *Runner) safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Errorw("Isolated task panicked",
				"panic", fmt.Sprint(p),
				"stack", string(debug.Stack()))
			err = errors.Newf("isolated task panicked: %v", p)
		}
	}()
	return task(ctx)
}

// Close stops accepting tasks and waits for running ones, or until ctx is done.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		r.logger.Warnw("Isolation runner closed with tasks still running")
		return errors.Wrap(ctx.Err(), "close isolation runner")
	}
}
