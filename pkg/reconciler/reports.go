package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/carrot-ci/carrot/pkg/actions"
	"github.com/carrot-ci/carrot/pkg/engine"
	"github.com/carrot-ci/carrot/pkg/status"
	"github.com/carrot-ci/carrot/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func (r *reconciler) reconcileReports(ctx context.Context) error {
	maps, err := r.store.ListUnfinishedReportMaps(ctx)
	if err != nil {
		return fmt.Errorf("listing unfinished report maps: %w", err)
	}

	return forEach(ctx, r, "report_map", maps,
		func(m store.ReportMap) uuid.UUID { return m.ID },
		func(ctx context.Context, m store.ReportMap) error {
			return r.reconcileReport(ctx, &m)
		},
	)
}

func (r *reconciler) reconcileReport(ctx context.Context, m *store.ReportMap) error {
	log := r.log.WithField("report_map_id", m.ID).
		WithField("report_id", m.ReportID).
		WithField("job_id", m.JobID)

	// A map without a job is still being dispatched, unless its
	// submitter gave up on it.
	if m.JobID == "" {
		if !r.orphaned(m.CreatedAt) {
			return nil
		}

		log.Warn("Report was never dispatched, marking failed")

		return r.applyReport(ctx, log, m, store.ReportMapUpdate{
			Status:  status.ReportFailed,
			Results: mergeResults(m.Results, map[string]any{"error": "report was never dispatched"}),
		})
	}

	job, err := query(ctx, r, func(ctx context.Context) (*engine.JobStatus, error) {
		return r.engine.Status(ctx, m.JobID)
	})
	if err != nil {
		return err
	}

	phase, ok := r.mapper.Map(job.Status)
	if !ok {
		return fmt.Errorf("unmapped engine status %q", job.Status)
	}

	next, ok := status.ReportForPhase(phase)
	if !ok || next == m.Status || !m.Status.CanTransitionTo(next) {
		return nil
	}

	update := store.ReportMapUpdate{Status: next}

	if next == status.ReportSucceeded {
		outputs, err := query(ctx, r, func(ctx context.Context) (map[string]any, error) {
			return r.engine.Outputs(ctx, m.JobID)
		})
		if err != nil {
			return fmt.Errorf("getting outputs: %w", err)
		}

		update.Results = mergeResults(m.Results, outputs)
	}

	return r.applyReport(ctx, log, m, update)
}

// applyReport writes update and announces a report that finished.
func (r *reconciler) applyReport(
	ctx context.Context, log logrus.FieldLogger, m *store.ReportMap, update store.ReportMapUpdate,
) error {
	err := r.store.TransitionReportMap(ctx, m.ID, m.Status, update)

	switch {
	case err == nil:
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrInvalidTransition):
		log.WithError(err).Debug("Report map changed concurrently")

		return nil
	default:
		return fmt.Errorf("updating report map: %w", err)
	}

	log.WithField("to", update.Status).Info("Report status changed")

	if update.Status.IsTerminal() {
		r.enqueue(ctx, log, actions.Action{Kind: actions.NotifyReport, ID: m.ID})
	}

	return nil
}
