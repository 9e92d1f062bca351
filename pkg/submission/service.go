// Package submission turns runs, reports and software builds into engine
// jobs.
package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carrot-ci/carrot/pkg/config"
	"github.com/carrot-ci/carrot/pkg/engine"
	"github.com/carrot-ci/carrot/pkg/fetcher"
	"github.com/carrot-ci/carrot/pkg/status"
	"github.com/carrot-ci/carrot/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

const (
	// ImageBuildPrefix marks an input value that names a software commit
	// to be built, as "image_build:<software>|<commit>". The value is
	// replaced with the built image URL before submission.
	ImageBuildPrefix = "image_build:"

	// claimTTL bounds how long a crashed submitter can block a run.
	claimTTL = 10 * time.Minute
)

// Service is the entry point for creating and dispatching work.
type Service interface {
	// CreateRun validates and stores a new run, then submits it unless it
	// has to wait for software builds.
	CreateRun(ctx context.Context, req *CreateRunRequest) (*store.Run, error)
	// Submit dispatches a created or building run to the engine.
	Submit(ctx context.Context, runID uuid.UUID) (*store.Run, error)
	// StartEval dispatches the eval job of a split run whose test job
	// succeeded.
	StartEval(ctx context.Context, runID uuid.UUID) (*store.Run, error)
	// AbortRun marks a run for cancellation.
	AbortRun(ctx context.Context, runID uuid.UUID) (*store.Run, error)
	// FailRun moves a run that could not be dispatched to carrot_failed.
	FailRun(ctx context.Context, runID uuid.UUID, cause error) error
	// StartReport generates a report for owner.
	StartReport(
		ctx context.Context, owner store.Owner, reportID uuid.UUID,
	) (*store.ReportMap, error)
	// StartBuild builds a software version, reusing a usable build.
	StartBuild(
		ctx context.Context, versionID uuid.UUID,
	) (*store.SoftwareBuild, error)
}

// CreateRunRequest describes a run to create.
type CreateRunRequest struct {
	TestID       uuid.UUID      `json:"test_id"`
	Name         string         `json:"name"`
	RunGroupID   *uuid.UUID     `json:"run_group_id,omitempty"`
	TestInput    map[string]any `json:"test_input,omitempty"`
	EvalInput    map[string]any `json:"eval_input,omitempty"`
	CreatedBy    string         `json:"created_by,omitempty"`
	GitHubTarget string         `json:"github_target,omitempty"`
}

// Compile-time interface check.
var _ Service = (*service)(nil)

type service struct {
	log     logrus.FieldLogger
	cfg     *config.Config
	store   store.Store
	fetcher fetcher.Fetcher
	engine  engine.Client
}

// NewService creates a submission service.
func NewService(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	f fetcher.Fetcher,
	eng engine.Client,
) Service {
	return &service{
		log:     log.WithField("component", "submission"),
		cfg:     cfg,
		store:   st,
		fetcher: f,
		engine:  eng,
	}
}

// CreateRun merges the test defaults under the caller's inputs, stores
// the run and then starts any image builds the inputs ask for. A run
// without builds is submitted straight away. If starting builds or
// submitting fails the run is kept as carrot_failed and the error is
// returned.
func (s *service) CreateRun(
	ctx context.Context, req *CreateRunRequest,
) (*store.Run, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, &SubmissionError{Err: errors.New("run name is required")}
	}

	test, err := s.store.GetTest(ctx, req.TestID)
	if err != nil {
		return nil, storeError("getting test", "test", req.TestID.String(), err)
	}

	if _, err := s.store.GetRunByName(ctx, req.Name); err == nil {
		return nil, &DuplicateNameError{Kind: "run", Name: req.Name}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, &PersistenceError{Op: "looking up run name", Err: err}
	}

	if req.RunGroupID != nil {
		if _, err := s.store.GetRunGroup(ctx, *req.RunGroupID); err != nil {
			return nil, storeError(
				"getting run group", "run group", req.RunGroupID.String(), err,
			)
		}
	}

	run := &store.Run{
		ID:           uuid.New(),
		TestID:       test.ID,
		RunGroupID:   req.RunGroupID,
		Name:         req.Name,
		Status:       status.RunCreated,
		TestInput:    MergeInputs(test.TestInputDefaults, req.TestInput),
		EvalInput:    MergeInputs(test.EvalInputDefaults, req.EvalInput),
		GitHubTarget: req.GitHubTarget,
		CreatedBy:    req.CreatedBy,
	}

	// Unknown software is rejected before anything is stored.
	versions, err := s.buildVersions(ctx, run)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateRun(ctx, run, nil); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, &DuplicateNameError{Kind: "run", Name: req.Name, Err: err}
		}

		return nil, &PersistenceError{Op: "creating run", Err: err}
	}

	log := s.log.WithField("run_id", run.ID).WithField("run", run.Name)

	if len(versions) > 0 {
		return s.waitOnBuilds(ctx, log, run, versions)
	}

	log.Info("Run created")

	submitted, err := s.Submit(ctx, run.ID)
	if err != nil {
		s.failCreatedRun(ctx, log, run.ID, err)

		return nil, err
	}

	return submitted, nil
}

// waitOnBuilds starts a build of every version and parks the run in
// building until they finish.
func (s *service) waitOnBuilds(
	ctx context.Context,
	log logrus.FieldLogger,
	run *store.Run,
	versions []*store.SoftwareVersion,
) (*store.Run, error) {
	ids := make([]uuid.UUID, 0, len(versions))

	for _, version := range versions {
		build, err := s.StartBuild(ctx, version.ID)
		if err != nil {
			s.failCreatedRun(ctx, log, run.ID, err)

			return nil, err
		}

		ids = append(ids, build.ID)
	}

	if err := s.store.WaitOnBuilds(ctx, run.ID, ids); err != nil {
		perr := &PersistenceError{Op: "linking run builds", Err: err}
		s.failCreatedRun(ctx, log, run.ID, perr)

		return nil, perr
	}

	log.WithField("builds", len(ids)).Info("Run waiting on software builds")

	return s.reload(ctx, run.ID)
}

func (s *service) failCreatedRun(
	ctx context.Context, log logrus.FieldLogger, runID uuid.UUID, cause error,
) {
	if err := s.FailRun(context.WithoutCancel(ctx), runID, cause); err != nil {
		log.WithError(err).Error("Failed to mark run as failed")
	}
}

// AbortRun moves a non-terminal run to aborting. The reconciler cancels
// any engine job and finishes the run on its next pass.
func (s *service) AbortRun(
	ctx context.Context, runID uuid.UUID,
) (*store.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, storeError("getting run", "run", runID.String(), err)
	}

	if run.Status == status.RunAborting {
		return run, nil
	}

	if run.Status.IsTerminal() {
		return nil, &PersistenceError{
			Op:  "aborting run",
			Err: fmt.Errorf("run is %s: %w", run.Status, store.ErrConflict),
		}
	}

	if err := s.store.TransitionRun(ctx, run.ID, run.Status, store.RunUpdate{
		Status: status.RunAborting,
	}); err != nil {
		return nil, &PersistenceError{Op: "aborting run", Err: err}
	}

	s.log.WithField("run_id", run.ID).
		WithField("from", run.Status).
		Info("Run marked for abort")

	return s.reload(ctx, run.ID)
}

// FailRun records an orchestration failure on a non-terminal run.
func (s *service) FailRun(ctx context.Context, runID uuid.UUID, cause error) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("getting run: %w", err)
	}

	if run.Status.IsTerminal() {
		return nil
	}

	results := datatypes.JSONMap{}
	for k, v := range run.Results {
		results[k] = v
	}

	if cause != nil {
		results["error"] = cause.Error()
	}

	if err := s.store.TransitionRun(ctx, run.ID, run.Status, store.RunUpdate{
		Status:  status.RunCarrotFailed,
		Results: results,
	}); err != nil {
		return fmt.Errorf("transitioning run: %w", err)
	}

	s.log.WithField("run_id", run.ID).
		WithError(cause).
		Warn("Run failed during dispatch")

	return nil
}

// buildVersions resolves the software version of every image_build
// input value.
func (s *service) buildVersions(
	ctx context.Context, run *store.Run,
) ([]*store.SoftwareVersion, error) {
	refs := imageBuildRefs(run.TestInput, run.EvalInput)
	if len(refs) == 0 {
		return nil, nil
	}

	if s.cfg.Builds.WorkflowLocation == "" {
		return nil, &SubmissionError{Err: ErrBuildsDisabled}
	}

	versions := make([]*store.SoftwareVersion, 0, len(refs))

	for _, ref := range refs {
		sw, err := s.store.GetSoftwareByName(ctx, ref.software)
		if err != nil {
			return nil, storeError("getting software", "software", ref.software, err)
		}

		version, err := s.store.GetOrCreateSoftwareVersion(ctx, sw.ID, ref.commit)
		if err != nil {
			return nil, &PersistenceError{Op: "getting software version", Err: err}
		}

		versions = append(versions, version)
	}

	return versions, nil
}

// resolveImageBuilds replaces every image_build value in inputs with the
// image URL of the matching succeeded build.
func (s *service) resolveImageBuilds(
	ctx context.Context, runID uuid.UUID, inputs ...datatypes.JSONMap,
) error {
	if len(imageBuildRefs(inputs...)) == 0 {
		return nil
	}

	builds, err := s.store.ListRunBuilds(ctx, runID)
	if err != nil {
		return &PersistenceError{Op: "listing run builds", Err: err}
	}

	images := make(map[string]string, len(builds))

	for _, b := range builds {
		if b.Status != status.BuildSucceeded {
			continue
		}

		version, err := s.store.GetSoftwareVersion(ctx, b.SoftwareVersionID)
		if err != nil {
			return &PersistenceError{Op: "getting software version", Err: err}
		}

		sw, err := s.store.GetSoftware(ctx, version.SoftwareID)
		if err != nil {
			return &PersistenceError{Op: "getting software", Err: err}
		}

		images[sw.Name+"|"+version.Commit] = b.ImageURL
	}

	for _, in := range inputs {
		for k, v := range in {
			str, ok := v.(string)
			if !ok || !strings.HasPrefix(str, ImageBuildPrefix) {
				continue
			}

			image, ok := images[strings.TrimPrefix(str, ImageBuildPrefix)]
			if !ok {
				return &SubmissionError{
					Err: fmt.Errorf("no succeeded build for input %s=%s", k, str),
				}
			}

			in[k] = image
		}
	}

	return nil
}

func (s *service) reload(ctx context.Context, runID uuid.UUID) (*store.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, &PersistenceError{Op: "reloading run", Err: err}
	}

	return run, nil
}

type imageBuildRef struct {
	software string
	commit   string
}

// imageBuildRefs collects the distinct image_build references in inputs,
// in first-seen order of sorted keys.
func imageBuildRefs(inputs ...datatypes.JSONMap) []imageBuildRef {
	var (
		refs []imageBuildRef
		seen = make(map[string]struct{})
	)

	for _, in := range inputs {
		for _, k := range sortedKeys(in) {
			str, ok := in[k].(string)
			if !ok || !strings.HasPrefix(str, ImageBuildPrefix) {
				continue
			}

			ref := strings.TrimPrefix(str, ImageBuildPrefix)

			software, commit, ok := strings.Cut(ref, "|")
			if !ok || software == "" || commit == "" {
				continue
			}

			if _, dup := seen[ref]; dup {
				continue
			}

			seen[ref] = struct{}{}
			refs = append(refs, imageBuildRef{software: software, commit: commit})
		}
	}

	return refs
}

// storeError maps a store lookup failure onto NotFoundError or
// PersistenceError.
func storeError(op, kind, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Kind: kind, ID: id, Err: err}
	}

	return &PersistenceError{Op: op, Err: err}
}
