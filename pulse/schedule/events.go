package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/logger"
)

// EventKind identifies a point in a job's execution.
type EventKind int

const (
	// EventJobExecuting fires before the job body. Observer errors abort the firing.
	EventJobExecuting EventKind = iota
	// EventJobFailed fires when the job body or its flush failed. Best effort.
	EventJobFailed
	// EventJobCompleted fires once per firing during cleanup, whatever the outcome. Best effort.
	EventJobCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventJobExecuting:
		return "job_executing"
	case EventJobFailed:
		return "job_failed"
	case EventJobCompleted:
		return "job_completed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered to observers.
type Event struct {
	Kind     EventKind
	Job      Identifier
	FiringID string
	Err      error         // set on EventJobFailed, and on EventJobCompleted after a failure
	Duration time.Duration // set on EventJobCompleted
}

// Observer receives lifecycle events.
type Observer interface {
	OnEvent(ctx context.Context, ev Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event) error

func (f ObserverFunc) OnEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Events is an ordered list of observers. Observers are called in
// registration order. Dispatch is used for "before" phases and stops at the
// first failure; Notify is used for notifications and only logs failures.
type Events struct {
	mu        sync.RWMutex
	observers []Observer
	logger    *zap.SugaredLogger
}

// NewEvents creates an empty observer list.
func NewEvents(logger *zap.SugaredLogger) *Events {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Events{logger: logger}
}

// Add appends an observer.
func (e *Events) Add(o Observer) {
	e.mu.Lock()
	e.observers = append(e.observers, o)
	e.mu.Unlock()
}

func (e *Events) snapshot() []Observer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Observer, len(e.observers))
	copy(out, e.observers)
	return out
}

// Dispatch delivers ev to each observer in order and returns the first error
// (a panic counts as an error). Remaining observers are skipped.
func (e *Events) Dispatch(ctx context.Context, ev Event) error {
	for i, o := range e.snapshot() {
		if err := deliver(ctx, o, ev); err != nil {
			return errors.Wrapf(err, "observer %d rejected %s", i, ev.Kind)
		}
	}
	return nil
}

// Notify delivers ev to every observer, logging failures.
func (e *Events) Notify(ctx context.Context, ev Event) {
	for i, o := range e.snapshot() {
		if err := deliver(ctx, o, ev); err != nil {
			logger.WithContext(e.logger, ctx).Warnw("Lifecycle observer failed",
				"observer", i,
				"event", ev.Kind.String(),
				logger.FieldJobName, ev.Job.JobName,
				logger.FieldError, err)
		}
	}
}

func deliver(ctx context.Context, o Observer, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("observer panicked: %v", p)
		}
	}()
	return o.OnEvent(ctx, ev)
}
