package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/carrot-ci/carrot/pkg/engine"
	"github.com/carrot-ci/carrot/pkg/status"
	"github.com/carrot-ci/carrot/pkg/store"
	"github.com/carrot-ci/carrot/pkg/wdl"
	"github.com/google/uuid"
)

// ErrBuildsDisabled is returned when no build workflow is configured.
var ErrBuildsDisabled = errors.New("software builds are not configured")

// StartBuild returns the newest usable build of the version, or submits
// the configured build workflow for it. A build that fails to dispatch
// is kept as failed; a job whose handle cannot be stored is aborted.
func (s *service) StartBuild(
	ctx context.Context, versionID uuid.UUID,
) (*store.SoftwareBuild, error) {
	if s.cfg.Builds.WorkflowLocation == "" {
		return nil, &SubmissionError{Err: ErrBuildsDisabled}
	}

	version, err := s.store.GetSoftwareVersion(ctx, versionID)
	if err != nil {
		return nil, storeError(
			"getting software version", "software version", versionID.String(), err,
		)
	}

	sw, err := s.store.GetSoftware(ctx, version.SoftwareID)
	if err != nil {
		return nil, storeError("getting software", "software", version.SoftwareID.String(), err)
	}

	existing, err := s.store.FindUsableBuild(ctx, version.ID)
	if err == nil {
		return existing, nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return nil, &PersistenceError{Op: "finding usable build", Err: err}
	}

	build := &store.SoftwareBuild{
		ID:                uuid.New(),
		SoftwareVersionID: version.ID,
		Status:            status.BuildCreated,
	}

	if err := s.store.CreateSoftwareBuild(ctx, build); err != nil {
		return nil, &PersistenceError{Op: "creating software build", Err: err}
	}

	log := s.log.WithField("build_id", build.ID).
		WithField("software", sw.Name).
		WithField("commit", version.Commit)

	job, err := s.submitBuild(ctx, build, sw, version)
	if err != nil {
		if failErr := s.store.TransitionBuild(
			context.WithoutCancel(ctx), build.ID, build.Status,
			store.BuildUpdate{Status: status.BuildFailed},
		); failErr != nil {
			log.WithError(failErr).Error("Failed to mark build as failed")
		}

		return nil, err
	}

	if err := s.store.TransitionBuild(ctx, build.ID, build.Status, store.BuildUpdate{
		Status: status.BuildSubmitted,
		JobID:  &job.ID,
	}); err != nil {
		s.abortUntracked(ctx, log, job.ID, err)

		return nil, &PersistenceError{Op: "recording build job", Err: err}
	}

	log.WithField("job_id", job.ID).Info("Software build submitted")

	updated, err := s.store.GetSoftwareBuild(ctx, build.ID)
	if err != nil {
		return nil, &PersistenceError{Op: "reloading software build", Err: err}
	}

	return updated, nil
}

func (s *service) submitBuild(
	ctx context.Context,
	build *store.SoftwareBuild,
	sw *store.Software,
	version *store.SoftwareVersion,
) (*engine.JobStatus, error) {
	docs, err := s.fetchDocs(ctx, map[string]string{
		"build": s.cfg.Builds.WorkflowLocation,
	})
	if err != nil {
		return nil, err
	}

	wf, err := wdl.Parse(string(docs["build"]))
	if err != nil {
		return nil, &CombineError{Reason: err.Error(), Err: err}
	}

	inputs, err := json.Marshal(WorkflowInputs(wf, map[string]any{
		"software_name": sw.Name,
		"repo_url":      sw.RepositoryURL,
		"commit":        version.Commit,
		"registry_host": s.cfg.Builds.RegistryHost,
	}))
	if err != nil {
		return nil, &SubmissionError{Err: fmt.Errorf("encoding inputs: %w", err)}
	}

	job, err := s.engine.Submit(ctx, &engine.SubmitRequest{
		Source: docs["build"],
		Inputs: inputs,
		Labels: map[string]string{
			"carrot-build-id": build.ID.String(),
			"carrot-phase":    "build",
		},
	})
	if err != nil {
		return nil, &SubmissionError{Err: err}
	}

	return job, nil
}
