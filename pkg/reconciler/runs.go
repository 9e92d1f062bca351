package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carrot-ci/carrot/pkg/actions"
	"github.com/carrot-ci/carrot/pkg/engine"
	"github.com/carrot-ci/carrot/pkg/status"
	"github.com/carrot-ci/carrot/pkg/store"
	"github.com/carrot-ci/carrot/pkg/wdl"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

const (
	// evalCall is the fully qualified eval call of a merged job.
	evalCall = wdl.MergedWorkflowName + "." + wdl.EvalCallAlias

	// redispatchAfter is how long a run may sit in building or
	// test_succeeded after its dispatch was enqueued before it is
	// enqueued again. It outlives the submission claim.
	redispatchAfter = 15 * time.Minute

	// orphanAfter is how long a record may sit in created without an
	// engine job before its submitter is presumed gone. It outlives the
	// submission claim.
	orphanAfter = 15 * time.Minute
)

func (r *reconciler) reconcileRuns(ctx context.Context) error {
	runs, err := r.store.ListUnfinishedRuns(ctx)
	if err != nil {
		return fmt.Errorf("listing unfinished runs: %w", err)
	}

	r.pruneDispatched(runs)

	return forEach(ctx, r, "run", runs,
		func(run store.Run) uuid.UUID { return run.ID },
		func(ctx context.Context, run store.Run) error {
			return r.reconcileRun(ctx, &run)
		},
	)
}

func (r *reconciler) reconcileRun(ctx context.Context, run *store.Run) error {
	log := r.log.WithField("run_id", run.ID).WithField("status", run.Status)

	switch run.Status {
	case status.RunCreated:
		// Owned by the submission pipeline until it is orphaned and no
		// live claim remains.
		if r.orphaned(run.CreatedAt) && !r.claimed(run) {
			r.dispatchOnce(ctx, log, run, actions.SubmitRun)
		}

		return nil
	case status.RunBuilding:
		return r.reconcileBuildingRun(ctx, log, run)
	case status.RunTestSucceeded:
		r.dispatchOnce(ctx, log, run, actions.StartEval)

		return nil
	case status.RunAborting:
		return r.finishAbort(ctx, log, run)
	}

	jobID, split, eval := r.activeJob(run)
	if jobID == "" {
		return fmt.Errorf("run in %s has no job", run.Status)
	}

	log = log.WithField("job_id", jobID)

	job, err := query(ctx, r, func(ctx context.Context) (*engine.JobStatus, error) {
		return r.engine.Status(ctx, jobID)
	})
	if err != nil {
		return err
	}

	phase, ok := r.mapper.Map(job.Status)
	if !ok {
		return fmt.Errorf("unmapped engine status %q", job.Status)
	}

	next, ok := status.RunForPhase(phase, split, eval)
	if !ok || next == run.Status || !run.Status.CanTransitionTo(next) {
		return nil
	}

	update := store.RunUpdate{Status: next}

	switch phase {
	case status.PhaseSucceeded:
		outputs, err := query(ctx, r, func(ctx context.Context) (map[string]any, error) {
			return r.engine.Outputs(ctx, jobID)
		})
		if err != nil {
			return fmt.Errorf("getting outputs: %w", err)
		}

		update.Results = mergeResults(run.Results, outputs)
	case status.PhaseFailed, status.PhaseAborted:
		if !split {
			update.Status, err = r.partitionMergedFailure(ctx, jobID, phase)
			if err != nil {
				return err
			}
		}
	}

	if !r.transitionRun(ctx, log, run, update) {
		return nil
	}

	r.runFollowUp(ctx, log, run.ID, update.Status)

	return nil
}

// activeJob returns the job a run is waiting on and the vocabulary to
// read its status with.
func (r *reconciler) activeJob(run *store.Run) (jobID string, split, eval bool) {
	if run.EvalJobID != "" {
		return run.EvalJobID, true, true
	}

	switch run.Status {
	case status.RunTestSubmitted, status.RunTestQueued,
		status.RunTestStarting, status.RunTestRunning:
		return run.TestJobID, true, false
	case status.RunSubmitted, status.RunQueued, status.RunRunning:
		return run.TestJobID, false, false
	}

	return run.TestJobID, r.split, false
}

// partitionMergedFailure decides whether a failed merged job failed in
// its test or its eval call.
func (r *reconciler) partitionMergedFailure(
	ctx context.Context, jobID string, phase status.Phase,
) (status.Run, error) {
	md, err := query(ctx, r, func(ctx context.Context) (engine.Metadata, error) {
		return r.engine.Metadata(ctx, jobID, engine.MetadataParams{
			IncludeKeys: []string{"calls", "executionStatus"},
		})
	})
	if err != nil {
		return "", fmt.Errorf("getting metadata: %w", err)
	}

	evalFailed := md.CallFailed(evalCall)

	switch {
	case phase == status.PhaseAborted && evalFailed:
		return status.RunEvalAborted, nil
	case phase == status.PhaseAborted:
		return status.RunTestAborted, nil
	case evalFailed:
		return status.RunEvalFailed, nil
	default:
		return status.RunTestFailed, nil
	}
}

// reconcileBuildingRun advances a run once all of its builds finished.
func (r *reconciler) reconcileBuildingRun(
	ctx context.Context, log logrus.FieldLogger, run *store.Run,
) error {
	builds, err := r.store.ListRunBuilds(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("listing run builds: %w", err)
	}

	for _, b := range builds {
		if b.Status == status.BuildFailed || b.Status == status.BuildAborted {
			update := store.RunUpdate{
				Status: status.RunBuildFailed,
				Results: datatypes.JSONMap{
					"error": fmt.Sprintf("software build %s %s", b.ID, b.Status),
				},
			}

			if r.transitionRun(ctx, log, run, update) {
				r.runFollowUp(ctx, log, run.ID, update.Status)
			}

			return nil
		}
	}

	for _, b := range builds {
		if b.Status != status.BuildSucceeded {
			return nil
		}
	}

	r.dispatchOnce(ctx, log, run, actions.SubmitBuiltRun)

	return nil
}

// finishAbort cancels the run's engine jobs and moves it to aborted
// whatever the engine says.
func (r *reconciler) finishAbort(
	ctx context.Context, log logrus.FieldLogger, run *store.Run,
) error {
	for _, jobID := range []string{run.TestJobID, run.EvalJobID} {
		if jobID == "" {
			continue
		}

		if _, err := query(ctx, r, func(ctx context.Context) (*engine.JobStatus, error) {
			return r.engine.Abort(ctx, jobID)
		}); err != nil {
			var escalated *EscalatedFailure
			if errors.As(err, &escalated) {
				return err
			}

			log.WithError(err).WithField("job_id", jobID).Warn("Failed to abort job")
		}
	}

	if r.transitionRun(ctx, log, run, store.RunUpdate{Status: status.RunAborted}) {
		r.runFollowUp(ctx, log, run.ID, status.RunAborted)
	}

	return nil
}

// orphaned reports whether a record created at created is old enough to
// have been abandoned by its submitter.
func (r *reconciler) orphaned(created time.Time) bool {
	return r.now().Sub(created) >= orphanAfter
}

func (r *reconciler) claimed(run *store.Run) bool {
	return run.ClaimedBy != "" && run.ClaimExpiresAt != nil &&
		run.ClaimExpiresAt.After(r.now())
}

// transitionRun applies update and reports whether this caller won the
// transition. Losing to a concurrent writer is not an error.
func (r *reconciler) transitionRun(
	ctx context.Context, log logrus.FieldLogger, run *store.Run, update store.RunUpdate,
) bool {
	err := r.store.TransitionRun(ctx, run.ID, run.Status, update)

	switch {
	case err == nil:
		log.WithField("to", update.Status).Info("Run status changed")

		return true
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrInvalidTransition):
		log.WithError(err).Debug("Run changed concurrently")
	default:
		log.WithError(err).Warn("Failed to update run")
	}

	return false
}

// runFollowUp enqueues the actions for a run that entered status to.
func (r *reconciler) runFollowUp(
	ctx context.Context, log logrus.FieldLogger, id uuid.UUID, to status.Run,
) {
	switch {
	case to == status.RunTestSucceeded:
		r.markDispatched(id, to)
		r.enqueue(ctx, log, actions.Action{Kind: actions.StartEval, ID: id})
	case to == status.RunSucceeded:
		r.enqueue(ctx, log,
			actions.Action{Kind: actions.NotifyRun, ID: id},
			actions.Action{Kind: actions.GenerateRunReports, ID: id},
		)
	case to.IsTerminal():
		r.enqueue(ctx, log, actions.Action{Kind: actions.NotifyRun, ID: id})
	}
}

// dispatchOnce enqueues kind for a run waiting in its current status
// unless it was already enqueued while the run was in that status.
func (r *reconciler) dispatchOnce(
	ctx context.Context, log logrus.FieldLogger, run *store.Run, kind actions.Kind,
) {
	if !r.markDispatched(run.ID, run.Status) {
		return
	}

	r.enqueue(ctx, log, actions.Action{Kind: kind, ID: run.ID})
}

// markDispatched records a dispatch for a run in status s. It returns
// false if one was recorded less than redispatchAfter ago.
func (r *reconciler) markDispatched(id uuid.UUID, s status.Run) bool {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	now := r.now()

	if prev, ok := r.dispatched[id]; ok && prev.status == s &&
		now.Sub(prev.at) < redispatchAfter {
		return false
	}

	r.dispatched[id] = dispatch{status: s, at: now}

	return true
}

// pruneDispatched forgets runs that left the status they were
// dispatched in.
func (r *reconciler) pruneDispatched(runs []store.Run) {
	current := make(map[uuid.UUID]status.Run, len(runs))
	for _, run := range runs {
		current[run.ID] = run.Status
	}

	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	for id, d := range r.dispatched {
		if current[id] != d.status {
			delete(r.dispatched, id)
		}
	}
}

func mergeResults(existing datatypes.JSONMap, outputs map[string]any) datatypes.JSONMap {
	results := make(datatypes.JSONMap, len(existing)+len(outputs))

	for k, v := range existing {
		results[k] = v
	}

	for k, v := range outputs {
		results[k] = v
	}

	return results
}
