// Package actions runs the follow-on work triggered by status changes.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/carrot-ci/carrot/pkg/config"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrStopped is returned when enqueueing on a stopped queue.
var ErrStopped = errors.New("action queue stopped")

// Kind names a follow-on action.
type Kind string

const (
	// StartEval submits the eval job of a split run.
	StartEval Kind = "start_eval"
	// SubmitBuiltRun submits a run whose software builds all succeeded.
	SubmitBuiltRun Kind = "submit_built_run"
	// SubmitRun submits a created run left behind by its submitter.
	SubmitRun Kind = "submit_run"
	// GenerateRunReports starts every report attached to the run's
	// template.
	GenerateRunReports Kind = "generate_run_reports"
	// NotifyRun announces a finished run.
	NotifyRun Kind = "notify_run"
	// NotifyReport announces a finished report map.
	NotifyReport Kind = "notify_report"
	// BuildFinished announces a finished software build.
	BuildFinished Kind = "build_finished"
)

// Action is one unit of follow-on work on the record with the given ID.
type Action struct {
	Kind Kind
	ID   uuid.UUID
}

func (a Action) String() string {
	return fmt.Sprintf("%s(%s)", a.Kind, a.ID)
}

// Handler performs actions.
type Handler interface {
	Handle(ctx context.Context, a Action) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, a Action) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, a Action) error {
	return f(ctx, a)
}

// Queue buffers actions and runs them on a fixed pool of workers.
type Queue interface {
	Start(ctx context.Context) error
	Stop() error
	// Enqueue blocks until the action is buffered, the queue stops, or
	// ctx is done.
	Enqueue(ctx context.Context, a Action) error
}

// Compile-time interface check.
var _ Queue = (*queue)(nil)

type queue struct {
	log      logrus.FieldLogger
	handler  Handler
	workers  int
	ch       chan Action
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewQueue creates an action queue sized by cfg.
func NewQueue(
	log logrus.FieldLogger,
	cfg *config.ActionsConfig,
	handler Handler,
) Queue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	return &queue{
		log:     log.WithField("component", "actions"),
		handler: handler,
		workers: workers,
		ch:      make(chan Action, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// Start launches the workers.
func (q *queue) Start(ctx context.Context) error {
	q.log.WithFields(logrus.Fields{
		"workers":    q.workers,
		"queue_size": cap(q.ch),
	}).Info("Starting action queue")

	for range q.workers {
		q.wg.Add(1)

		go func() {
			defer q.wg.Done()

			for {
				select {
				case <-q.done:
					return
				case <-ctx.Done():
					return
				case a := <-q.ch:
					q.run(ctx, a)
				}
			}
		}()
	}

	return nil
}

// Stop waits for in-flight actions. Buffered actions that have not
// started are dropped.
func (q *queue) Stop() error {
	q.stopOnce.Do(func() { close(q.done) })
	q.wg.Wait()

	if pending := len(q.ch); pending > 0 {
		q.log.WithField("pending", pending).Warn("Dropped pending actions")
	}

	q.log.Info("Action queue stopped")

	return nil
}

func (q *queue) Enqueue(ctx context.Context, a Action) error {
	select {
	case <-q.done:
		return ErrStopped
	default:
	}

	select {
	case q.ch <- a:
		q.log.WithField("action", a.String()).Debug("Enqueued action")

		return nil
	case <-q.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *queue) run(ctx context.Context, a Action) {
	log := q.log.WithField("action", a.String())

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Action panicked")
		}
	}()

	if err := q.handler.Handle(ctx, a); err != nil {
		log.WithError(err).Error("Action failed")

		return
	}

	log.Debug("Action completed")
}
