package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/carrot-ci/carrot/pkg/actions"
	"github.com/carrot-ci/carrot/pkg/engine"
	"github.com/carrot-ci/carrot/pkg/status"
	"github.com/carrot-ci/carrot/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// imageURLOutput is the output of the build workflow naming the pushed
// image.
const imageURLOutput = "out_image_url"

func (r *reconciler) reconcileBuilds(ctx context.Context) error {
	builds, err := r.store.ListUnfinishedBuilds(ctx)
	if err != nil {
		return fmt.Errorf("listing unfinished builds: %w", err)
	}

	return forEach(ctx, r, "build", builds,
		func(b store.SoftwareBuild) uuid.UUID { return b.ID },
		func(ctx context.Context, b store.SoftwareBuild) error {
			return r.reconcileBuild(ctx, &b)
		},
	)
}

func (r *reconciler) reconcileBuild(ctx context.Context, b *store.SoftwareBuild) error {
	log := r.log.WithField("build_id", b.ID).WithField("job_id", b.JobID)

	// A build without a job is still being dispatched, unless its
	// submitter gave up on it.
	if b.JobID == "" {
		if !r.orphaned(b.CreatedAt) {
			return nil
		}

		log.Warn("Build was never dispatched, marking failed")

		return r.applyBuild(ctx, log, b, store.BuildUpdate{Status: status.BuildFailed})
	}

	job, err := query(ctx, r, func(ctx context.Context) (*engine.JobStatus, error) {
		return r.engine.Status(ctx, b.JobID)
	})
	if err != nil {
		return err
	}

	phase, ok := r.mapper.Map(job.Status)
	if !ok {
		return fmt.Errorf("unmapped engine status %q", job.Status)
	}

	next, ok := status.BuildForPhase(phase)
	if !ok || next == b.Status || !b.Status.CanTransitionTo(next) {
		return nil
	}

	update := store.BuildUpdate{Status: next}

	if next == status.BuildSucceeded {
		outputs, err := query(ctx, r, func(ctx context.Context) (map[string]any, error) {
			return r.engine.Outputs(ctx, b.JobID)
		})
		if err != nil {
			return fmt.Errorf("getting outputs: %w", err)
		}

		image, ok := imageURL(outputs)
		if !ok {
			log.Warn("Build succeeded without an image URL, marking failed")

			update.Status = status.BuildFailed
		} else {
			update.ImageURL = &image
		}
	}

	return r.applyBuild(ctx, log, b, update)
}

// applyBuild writes update and announces a build that finished.
func (r *reconciler) applyBuild(
	ctx context.Context, log logrus.FieldLogger, b *store.SoftwareBuild, update store.BuildUpdate,
) error {
	err := r.store.TransitionBuild(ctx, b.ID, b.Status, update)

	switch {
	case err == nil:
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrInvalidTransition):
		log.WithError(err).Debug("Build changed concurrently")

		return nil
	default:
		return fmt.Errorf("updating build: %w", err)
	}

	log.WithField("to", update.Status).Info("Build status changed")

	if update.Status.IsTerminal() {
		r.enqueue(ctx, log, actions.Action{Kind: actions.BuildFinished, ID: b.ID})
	}

	return nil
}

// imageURL finds the image URL among the outputs of a build job, keyed
// "<workflow>.out_image_url".
func imageURL(outputs map[string]any) (string, bool) {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		if k != imageURLOutput && !strings.HasSuffix(k, "."+imageURLOutput) {
			continue
		}

		if s, ok := outputs[k].(string); ok && s != "" {
			return s, true
		}
	}

	return "", false
}
