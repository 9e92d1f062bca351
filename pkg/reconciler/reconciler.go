// Package reconciler drives runs, reports and software builds to a
// terminal status by polling the engine.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carrot-ci/carrot/pkg/actions"
	"github.com/carrot-ci/carrot/pkg/config"
	"github.com/carrot-ci/carrot/pkg/engine"
	"github.com/carrot-ci/carrot/pkg/status"
	"github.com/carrot-ci/carrot/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Enqueuer accepts follow-on actions.
type Enqueuer interface {
	Enqueue(ctx context.Context, a actions.Action) error
}

// Reconciler is a background service that periodically advances every
// unfinished record.
type Reconciler interface {
	Start(ctx context.Context) error
	Stop() error
	// Tick runs one reconciliation pass. It returns an EscalatedFailure
	// when an external system has failed too often; every other problem
	// is logged and retried on the next pass.
	Tick(ctx context.Context) error
	// Fatal delivers the EscalatedFailure that stopped the background
	// loop.
	Fatal() <-chan error
}

// Compile-time interface check.
var _ Reconciler = (*reconciler)(nil)

type reconciler struct {
	log          logrus.FieldLogger
	store        store.Store
	engine       engine.Client
	queue        Enqueuer
	mapper       *status.Mapper
	split        bool
	interval     time.Duration
	queryTimeout time.Duration
	concurrency  int
	failures     *failureTracker

	running atomic.Bool
	fatal   chan error
	done    chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup

	// dispatched holds runs whose dispatch action was enqueued while
	// they wait in building or test_succeeded.
	dispatchMu sync.Mutex
	dispatched map[uuid.UUID]dispatch
	now        func() time.Time
}

type dispatch struct {
	status status.Run
	at     time.Time
}

// NewReconciler creates a reconciler. It fails if the engine status map
// is invalid.
func NewReconciler(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	eng engine.Client,
	queue Enqueuer,
) (Reconciler, error) {
	mapper, err := status.NewMapper(cfg.Engine.StatusMap)
	if err != nil {
		return nil, fmt.Errorf("building status mapper: %w", err)
	}

	concurrency := cfg.Reconciler.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &reconciler{
		log:          log.WithField("component", "reconciler"),
		store:        st,
		engine:       eng,
		queue:        queue,
		mapper:       mapper,
		split:        cfg.Submission.Mode == config.ModeSplit,
		interval:     cfg.Reconciler.GetInterval(),
		queryTimeout: cfg.Reconciler.GetQueryTimeout(),
		concurrency:  concurrency,
		failures:     newFailureTracker(cfg.Reconciler.FailureThreshold),
		fatal:        make(chan error, 1),
		done:         make(chan struct{}),
		dispatched:   make(map[uuid.UUID]dispatch),
		now:          time.Now,
	}, nil
}

// Start launches a background goroutine that runs an immediate pass and
// then ticks at the configured interval. An escalated failure ends the
// loop and is delivered on Fatal.
func (r *reconciler) Start(ctx context.Context) error {
	r.log.WithFields(logrus.Fields{
		"interval":    r.interval.String(),
		"concurrency": r.concurrency,
	}).Info("Starting reconciler")

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		if r.pass(ctx) {
			return
		}

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if r.pass(ctx) {
					return
				}
			case <-r.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the loop to stop and waits for the current pass.
func (r *reconciler) Stop() error {
	r.stop.Do(func() { close(r.done) })
	r.wg.Wait()

	r.log.Info("Reconciler stopped")

	return nil
}

func (r *reconciler) Fatal() <-chan error {
	return r.fatal
}

// pass runs one tick and reports whether the loop must end.
func (r *reconciler) pass(ctx context.Context) bool {
	err := r.Tick(ctx)
	if err == nil {
		return false
	}

	var escalated *EscalatedFailure
	if !errors.As(err, &escalated) {
		return false
	}

	r.log.WithError(err).
		WithField("system", escalated.System).
		Error("Reconciliation escalated, stopping")

	r.fatal <- err

	return true
}

func (r *reconciler) Tick(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		r.log.Debug("Reconciliation pass already running, skipping")

		return nil
	}

	defer r.running.Store(false)

	start := time.Now()

	// Builds first so that runs waiting on them advance in the same pass.
	for _, phase := range []struct {
		name string
		fn   func(context.Context) error
	}{
		{"builds", r.reconcileBuilds},
		{"runs", r.reconcileRuns},
		{"reports", r.reconcileReports},
	} {
		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			return nil
		default:
		}

		if err := phase.fn(ctx); err != nil {
			var escalated *EscalatedFailure
			if errors.As(err, &escalated) {
				return escalated
			}

			r.log.WithError(err).
				WithField("kind", phase.name).
				Warn("Reconciliation failed")
		}
	}

	r.log.WithField("duration", time.Since(start).Round(time.Millisecond)).
		Debug("Reconciliation pass completed")

	return nil
}

// forEach runs fn for every item on a bounded pool. Record-level errors
// are logged and skipped; an EscalatedFailure cancels the rest.
func forEach[T any](
	ctx context.Context,
	r *reconciler,
	kind string,
	items []T,
	id func(T) uuid.UUID,
	fn func(context.Context, T) error,
) error {
	if len(items) == 0 {
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, item := range items {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case <-r.done:
				return nil
			default:
			}

			if err := fn(gCtx, item); err != nil {
				var escalated *EscalatedFailure
				if errors.As(err, &escalated) {
					return escalated
				}

				r.log.WithError(err).
					WithField("kind", kind).
					WithField("id", id(item)).
					Warn("Failed to reconcile record")

				return nil //nolint:nilerr // log and continue
			}

			return nil
		})
	}

	return g.Wait()
}

// query calls the engine with the query timeout and accounts the result
// against the engine's failure counter. Only unavailability counts as a
// failure; any answer from the engine resets the counter.
func query[T any](
	ctx context.Context,
	r *reconciler,
	fn func(context.Context) (T, error),
) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	v, err := fn(ctx)

	system := r.engine.Name()

	switch {
	case err == nil:
		r.failures.Success(system)
	case engine.IsUnavailable(err):
		if escalated := r.failures.Failure(system, err); escalated != nil {
			return v, escalated
		}
	default:
		r.failures.Success(system)
	}

	return v, err
}

func (r *reconciler) enqueue(ctx context.Context, log logrus.FieldLogger, as ...actions.Action) {
	for _, a := range as {
		if err := r.queue.Enqueue(ctx, a); err != nil {
			log.WithError(err).
				WithField("action", a.String()).
				Error("Failed to enqueue action")

			continue
		}

		log.WithField("action", a.String()).Debug("Action enqueued")
	}
}
