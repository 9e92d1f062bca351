package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/carrot-ci/carrot/pkg/engine"
	"github.com/carrot-ci/carrot/pkg/notify"
	"github.com/carrot-ci/carrot/pkg/store"
	"github.com/carrot-ci/carrot/pkg/submission"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Handler = (*dispatcher)(nil)

type dispatcher struct {
	log      logrus.FieldLogger
	store    store.Store
	svc      submission.Service
	notifier notify.Notifier
}

// NewHandler returns the Handler that performs every action Kind.
func NewHandler(
	log logrus.FieldLogger,
	st store.Store,
	svc submission.Service,
	notifier notify.Notifier,
) Handler {
	return &dispatcher{
		log:      log.WithField("component", "actions"),
		store:    st,
		svc:      svc,
		notifier: notifier,
	}
}

func (d *dispatcher) Handle(ctx context.Context, a Action) error {
	switch a.Kind {
	case StartEval:
		return d.dispatchRun(ctx, a, d.svc.StartEval)
	case SubmitBuiltRun, SubmitRun:
		return d.dispatchRun(ctx, a, d.svc.Submit)
	case GenerateRunReports:
		return d.generateRunReports(ctx, a)
	case NotifyRun:
		run, err := d.store.GetRun(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("getting run: %w", err)
		}

		return d.notifier.NotifyRun(ctx, run)
	case NotifyReport:
		m, err := d.store.GetReportMap(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("getting report map: %w", err)
		}

		return d.notifier.NotifyReport(ctx, m)
	case BuildFinished:
		b, err := d.store.GetSoftwareBuild(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("getting software build: %w", err)
		}

		return d.notifier.NotifyBuild(ctx, b)
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// dispatchRun runs a submission step for a run. A run that was already
// moved on by someone else is left alone and an unavailable engine leaves
// the run for the reconciler to dispatch again. Any other failure
// finishes the run as carrot_failed.
func (d *dispatcher) dispatchRun(
	ctx context.Context,
	a Action,
	step func(context.Context, uuid.UUID) (*store.Run, error),
) error {
	run, err := step(ctx, a.ID)
	if err == nil {
		d.log.WithField("run_id", run.ID).
			WithField("status", run.Status).
			Info("Run dispatched")

		return nil
	}

	if errors.Is(err, store.ErrConflict) {
		d.log.WithField("run_id", a.ID).
			WithError(err).
			Debug("Run already dispatched")

		return nil
	}

	if engine.IsUnavailable(err) {
		return fmt.Errorf("engine unavailable, run left for retry: %w", err)
	}

	if failErr := d.svc.FailRun(ctx, a.ID, err); failErr != nil {
		return errors.Join(err, fmt.Errorf("marking run failed: %w", failErr))
	}

	return err
}

// generateRunReports starts every report attached to the template of a
// finished run. Reports already generated for the run are skipped.
func (d *dispatcher) generateRunReports(ctx context.Context, a Action) error {
	run, err := d.store.GetRun(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("getting run: %w", err)
	}

	test, err := d.store.GetTest(ctx, run.TestID)
	if err != nil {
		return fmt.Errorf("getting test: %w", err)
	}

	reports, err := d.store.ListTemplateReports(ctx, test.TemplateID)
	if err != nil {
		return fmt.Errorf("listing template reports: %w", err)
	}

	var errs []error

	for _, report := range reports {
		log := d.log.WithField("run_id", run.ID).WithField("report_id", report.ID)

		m, err := d.svc.StartReport(ctx, store.RunOwner{ID: run.ID}, report.ID)
		if err != nil {
			var dup *submission.DuplicateNameError
			if errors.As(err, &dup) {
				log.Debug("Report already generated")

				continue
			}

			errs = append(errs, fmt.Errorf("report %s: %w", report.Name, err))

			continue
		}

		log.WithField("report_map_id", m.ID).Info("Report started")
	}

	return errors.Join(errs...)
}
