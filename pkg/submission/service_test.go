package submission_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/carrot-ci/carrot/pkg/config"
	"github.com/carrot-ci/carrot/pkg/engine"
	"github.com/carrot-ci/carrot/pkg/engine/enginetest"
	"github.com/carrot-ci/carrot/pkg/fetcher"
	"github.com/carrot-ci/carrot/pkg/status"
	"github.com/carrot-ci/carrot/pkg/store"
	"github.com/carrot-ci/carrot/pkg/submission"
	"github.com/carrot-ci/carrot/pkg/wdl"
)

const (
	testLocation   = "gs://bucket/test.wdl"
	evalLocation   = "gs://bucket/eval.wdl"
	reportLocation = "gs://bucket/report.wdl"
	buildLocation  = "gs://bucket/build.wdl"

	testWorkflow = `version 1.0

workflow test_wf {
    input {
        String in_x
    }

    call run_it { input: x = in_x }

    output {
        String out_r = run_it.r
    }
}
`

	evalWorkflow = `version 1.0

workflow eval_wf {
    input {
        String in_r
        Int? in_threshold
    }

    call check { input: r = in_r }

    output {
        Boolean out_ok = check.ok
    }
}
`

	reportWorkflow = `version 1.0

workflow report_wf {
    input {
        String in_run_name
        Map[String, String] in_results
    }
}
`

	buildWorkflow = `version 1.0

workflow docker_build {
    input {
        String in_repo_url
        String in_commit
        String in_software_name
        String in_registry_host
    }

    output {
        String out_image_url = "x"
    }
}
`
)

type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[string][]byte
	calls []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{docs: map[string][]byte{
		testLocation:   []byte(testWorkflow),
		evalLocation:   []byte(evalWorkflow),
		reportLocation: []byte(reportWorkflow),
		buildLocation:  []byte(buildWorkflow),
	}}
}

func (f *fakeFetcher) Fetch(_ context.Context, location string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, location)

	data, ok := f.docs[location]
	if !ok {
		return nil, fmt.Errorf("fetching %s: %w", location, fetcher.ErrNotFound)
	}

	return data, nil
}

type fixture struct {
	store   store.Store
	engine  *enginetest.Fake
	fetcher *fakeFetcher
	cfg     *config.Config
	svc     submission.Service
	test    *store.Test
}

func setup(t *testing.T, mode string) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := config.Default()
	cfg.Database.SQLite.Path = ":memory:"
	cfg.Submission.Mode = mode
	cfg.Builds.WorkflowLocation = buildLocation
	cfg.Builds.RegistryHost = "registry.example.com"

	st := store.NewStore(log, &cfg.Database)
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	f := &fixture{
		store:   st,
		engine:  enginetest.NewFake(),
		fetcher: newFakeFetcher(),
		cfg:     cfg,
	}
	f.svc = submission.NewService(log, cfg, st, f.fetcher, f.engine)

	ctx := context.Background()

	tmpl := &store.Template{
		Name:    "alignment",
		TestWDL: testLocation,
		EvalWDL: evalLocation,
	}
	require.NoError(t, st.CreateTemplate(ctx, tmpl))

	f.test = &store.Test{
		Name:       "alignment-small",
		TemplateID: tmpl.ID,
	}
	require.NoError(t, st.CreateTest(ctx, f.test))

	return f
}

func decodeInputs(t *testing.T, req *engine.SubmitRequest) map[string]any {
	t.Helper()

	var inputs map[string]any
	require.NoError(t, json.Unmarshal(req.Inputs, &inputs))

	return inputs
}

func TestMergeInputs_EvalWins(t *testing.T) {
	merged := submission.MergeInputs(
		map[string]any{"a": 1},
		map[string]any{"a": 2, "b": 3},
	)
	assert.Equal(t, datatypes.JSONMap{"a": 2, "b": 3}, merged)

	prefixed := submission.PrefixInputs(wdl.MergedWorkflowName, merged)
	assert.Equal(t, map[string]any{
		"merged_workflow.a": 2,
		"merged_workflow.b": 3,
	}, prefixed)
}

func TestCreateRun_MergedEndToEnd(t *testing.T) {
	f := setup(t, config.ModeMerged)
	ctx := context.Background()

	run, err := f.svc.CreateRun(ctx, &submission.CreateRunRequest{
		TestID:    f.test.ID,
		Name:      "run-1",
		TestInput: map[string]any{"x": "a"},
		EvalInput: map[string]any{},
	})
	require.NoError(t, err)

	assert.Equal(t, status.RunSubmitted, run.Status)
	assert.Equal(t, "job-1", run.TestJobID)

	reqs := f.engine.Submitted()
	require.Len(t, reqs, 1)

	source := string(reqs[0].Source)
	assert.Contains(t, source, "workflow merged_workflow {")
	assert.Contains(t, source, "in_r = call_test.out_r")
	assert.Contains(t, source, `import "test.wdl" as test`)
	assert.Equal(t, map[string]any{"merged_workflow.x": "a"}, decodeInputs(t, reqs[0]))
	assert.NotEmpty(t, reqs[0].Dependencies)
	assert.Equal(t, run.ID.String(), reqs[0].Labels["carrot-run-id"])
}

func TestCreateRun_DefaultsUnderOverrides(t *testing.T) {
	f := setup(t, config.ModeMerged)
	ctx := context.Background()

	test := &store.Test{
		Name:              "with-defaults",
		TemplateID:        f.test.TemplateID,
		TestInputDefaults: datatypes.JSONMap{"x": "default", "extra": 1},
		EvalInputDefaults: datatypes.JSONMap{"threshold": 5},
	}
	require.NoError(t, f.store.CreateTest(ctx, test))

	run, err := f.svc.CreateRun(ctx, &submission.CreateRunRequest{
		TestID:    test.ID,
		Name:      "run-defaults",
		TestInput: map[string]any{"x": "override"},
	})
	require.NoError(t, err)

	assert.Equal(t, "override", run.TestInput["x"])
	assert.EqualValues(t, 1, run.TestInput["extra"])
	assert.EqualValues(t, 5, run.EvalInput["threshold"])

	inputs := decodeInputs(t, f.engine.Submitted()[0])
	assert.Equal(t, "override", inputs["merged_workflow.x"])
	assert.EqualValues(t, 5, inputs["merged_workflow.threshold"])
}

func TestCreateRun_DuplicateName(t *testing.T) {
	f := setup(t, config.ModeMerged)
	ctx := context.Background()

	req := &submission.CreateRunRequest{
		TestID:    f.test.ID,
		Name:      "dup",
		TestInput: map[string]any{"x": "a"},
	}

	_, err := f.svc.CreateRun(ctx, req)
	require.NoError(t, err)

	_, err = f.svc.CreateRun(ctx, req)
	require.Error(t, err)

	var dup *submission.DuplicateNameError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "dup", dup.Name)

	// Only the first run reached the engine.
	assert.Len(t, f.engine.Submitted(), 1)
}

func TestCreateRun_UnknownTest(t *testing.T) {
	f := setup(t, config.ModeMerged)

	_, err := f.svc.CreateRun(context.Background(), &submission.CreateRunRequest{
		TestID: uuid.New(),
		Name:   "orphan",
	})

	var nf *submission.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "test", nf.Kind)

	_, err = f.store.GetRunByName(context.Background(), "orphan")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateRun_FetchFailureSubmitsNothing(t *testing.T) {
	f := setup(t, config.ModeMerged)
	ctx := context.Background()

	delete(f.fetcher.docs, evalLocation)

	_, err := f.svc.CreateRun(ctx, &submission.CreateRunRequest{
		TestID: f.test.ID,
		Name:   "no-eval",
	})
	require.Error(t, err)

	var fe *submission.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, evalLocation, fe.Location)
	require.ErrorIs(t, err, fetcher.ErrNotFound)

	assert.Empty(t, f.engine.Submitted())

	run, err := f.store.GetRunByName(ctx, "no-eval")
	require.NoError(t, err)
	assert.Equal(t, status.RunCarrotFailed, run.Status)
	assert.Empty(t, run.TestJobID)
	assert.NotNil(t, run.FinishedAt)
}

func TestSubmit_CombineError(t *testing.T) {
	f := setup(t, config.ModeMerged)
	ctx := context.Background()

	f.fetcher.docs[testLocation] = []byte("version 1.0\ntask only {}\n")

	run := &store.Run{TestID: f.test.ID, Name: "bad-doc"}
	require.NoError(t, f.store.CreateRun(ctx, run, nil))

	_, err := f.svc.Submit(ctx, run.ID)

	var ce *submission.CombineError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Reason, "name not found")

	var pe *wdl.ParseError
	require.True(t, errors.As(err, &pe))

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, status.RunCreated, got.Status)
	assert.Empty(t, got.ClaimedBy)
	assert.Empty(t, f.engine.Submitted())
}

func TestSubmit_EngineRejects(t *testing.T) {
	f := setup(t, config.ModeMerged)
	ctx := context.Background()

	f.engine.FailSubmit(&engine.HTTPError{Op: "submit", StatusCode: 500})

	run := &store.Run{TestID: f.test.ID, Name: "rejected"}
	require.NoError(t, f.store.CreateRun(ctx, run, nil))

	_, err := f.svc.Submit(ctx, run.ID)

	var se *submission.SubmissionError
	require.True(t, errors.As(err, &se))

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, status.RunCreated, got.Status)
	assert.Empty(t, got.ClaimedBy)
}

func TestSubmit_ClaimedRunIsNotSubmittedTwice(t *testing.T) {
	f := setup(t, config.ModeMerged)
	ctx := context.Background()

	run := &store.Run{TestID: f.test.ID, Name: "claimed"}
	require.NoError(t, f.store.CreateRun(ctx, run, nil))
	require.NoError(t, f.store.ClaimRun(ctx, run.ID, status.RunCreated, "other", time.Minute))

	_, err := f.svc.Submit(ctx, run.ID)
	require.ErrorIs(t, err, store.ErrConflict)
	assert.Empty(t, f.engine.Submitted())

	// A submitted run cannot be submitted again.
	require.NoError(t, f.store.ReleaseRunClaim(ctx, run.ID, "other"))

	_, err = f.svc.Submit(ctx, run.ID)
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, run.ID)
	require.ErrorIs(t, err, store.ErrConflict)
	assert.Len(t, f.engine.Submitted(), 1)
}

func TestSplitMode_TestThenEval(t *testing.T) {
	f := setup(t, config.ModeSplit)
	ctx := context.Background()

	run, err := f.svc.CreateRun(ctx, &submission.CreateRunRequest{
		TestID:    f.test.ID,
		Name:      "split-1",
		TestInput: map[string]any{"x": "a"},
		EvalInput: map[string]any{"threshold": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, status.RunTestSubmitted, run.Status)

	reqs := f.engine.Submitted()
	require.Len(t, reqs, 1)
	assert.Equal(t, testWorkflow, string(reqs[0].Source))
	assert.Equal(t, map[string]any{"test_wf.in_x": "a"}, decodeInputs(t, reqs[0]))

	_, err = f.svc.StartEval(ctx, run.ID)
	require.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, f.store.TransitionRun(ctx, run.ID, run.Status, store.RunUpdate{
		Status: status.RunTestSucceeded,
	}))
	f.engine.SetOutputs(run.TestJobID, map[string]any{"test_wf.out_r": "result"})

	run, err = f.svc.StartEval(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, status.RunEvalSubmitted, run.Status)
	assert.Equal(t, "job-2", run.EvalJobID)

	reqs = f.engine.Submitted()
	require.Len(t, reqs, 2)
	assert.Equal(t, map[string]any{
		"eval_wf.in_r":         "result",
		"eval_wf.in_threshold": float64(3),
	}, decodeInputs(t, reqs[1]))
}

func TestWireOutputs(t *testing.T) {
	wf, err := wdl.Parse(evalWorkflow)
	require.NoError(t, err)

	wired := submission.WireOutputs(wf, map[string]any{
		"test_wf.out_r":      "r",
		"test_wf.out_unused": "u",
		"test_wf.other":      "o",
	})
	assert.Equal(t, map[string]any{"r": "r"}, wired)
}

func TestAbortRun(t *testing.T) {
	f := setup(t, config.ModeMerged)
	ctx := context.Background()

	run, err := f.svc.CreateRun(ctx, &submission.CreateRunRequest{
		TestID:    f.test.ID,
		Name:      "to-abort",
		TestInput: map[string]any{"x": "a"},
	})
	require.NoError(t, err)

	run, err = f.svc.AbortRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, status.RunAborting, run.Status)

	// Aborting twice is a no-op.
	run, err = f.svc.AbortRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, status.RunAborting, run.Status)

	require.NoError(t, f.store.TransitionRun(ctx, run.ID, run.Status, store.RunUpdate{
		Status: status.RunAborted,
	}))

	_, err = f.svc.AbortRun(ctx, run.ID)
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestStartReport(t *testing.T) {
	f := setup(t, config.ModeMerged)
	ctx := context.Background()

	report := &store.Report{
		Name:             "summary",
		WorkflowLocation: reportLocation,
		Config:           datatypes.JSONMap{"title": "Nightly"},
	}
	require.NoError(t, f.store.CreateReport(ctx, report))

	run := &store.Run{
		TestID:  f.test.ID,
		Name:    "reported",
		Results: datatypes.JSONMap{"ok": "true"},
	}
	require.NoError(t, f.store.CreateRun(ctx, run, nil))

	owner := store.RunOwner{ID: run.ID}

	// Unfinished runs cannot be reported on.
	_, err := f.svc.StartReport(ctx, owner, report.ID)
	require.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, f.store.TransitionRun(ctx, run.ID, status.RunCreated, store.RunUpdate{
		Status: status.RunSucceeded,
	}))

	m, err := f.svc.StartReport(ctx, owner, report.ID)
	require.NoError(t, err)
	assert.Equal(t, status.ReportSubmitted, m.Status)
	assert.Equal(t, store.OwnerKindRun, m.OwnerKind)
	assert.NotEmpty(t, m.JobID)

	reqs := f.engine.Submitted()
	require.Len(t, reqs, 1)

	inputs := decodeInputs(t, reqs[0])
	assert.Equal(t, "reported", inputs["report_wf.in_run_name"])
	assert.Equal(t, map[string]any{"ok": "true"}, inputs["report_wf.in_results"])
	assert.Equal(t, "Nightly", inputs["report_wf.title"])

	_, err = f.svc.StartReport(ctx, owner, report.ID)

	var dup *submission.DuplicateNameError
	require.True(t, errors.As(err, &dup))
}

func TestStartReport_DispatchFailureMarksFailed(t *testing.T) {
	f := setup(t, config.ModeMerged)
	ctx := context.Background()

	report := &store.Report{Name: "broken", WorkflowLocation: "gs://bucket/missing.wdl"}
	require.NoError(t, f.store.CreateReport(ctx, report))

	group := &store.RunGroup{Name: "nightly"}
	require.NoError(t, f.store.CreateRunGroup(ctx, group))

	owner := store.RunGroupOwner{ID: group.ID}

	_, err := f.svc.StartReport(ctx, owner, report.ID)

	var fe *submission.FetchError
	require.True(t, errors.As(err, &fe))

	maps, err := f.store.ListReportMapsByOwner(ctx, owner)
	require.NoError(t, err)
	require.Len(t, maps, 1)
	assert.Equal(t, status.ReportFailed, maps[0].Status)
	assert.NotNil(t, maps[0].FinishedAt)
}

func TestCreateRun_WaitsOnImageBuilds(t *testing.T) {
	f := setup(t, config.ModeMerged)
	ctx := context.Background()

	sw := &store.Software{Name: "aligner", RepositoryURL: "https://example.com/aligner.git"}
	require.NoError(t, f.store.CreateSoftware(ctx, sw))

	run, err := f.svc.CreateRun(ctx, &submission.CreateRunRequest{
		TestID: f.test.ID,
		Name:   "needs-image",
		TestInput: map[string]any{
			"x":     "a",
			"image": submission.ImageBuildPrefix + "aligner|abc123",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, status.RunBuilding, run.Status)

	builds, err := f.store.ListRunBuilds(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Equal(t, status.BuildSubmitted, builds[0].Status)

	reqs := f.engine.Submitted()
	require.Len(t, reqs, 1)
	assert.Equal(t, map[string]any{
		"docker_build.in_software_name": "aligner",
		"docker_build.in_repo_url":      "https://example.com/aligner.git",
		"docker_build.in_commit":        "abc123",
		"docker_build.in_registry_host": "registry.example.com",
	}, decodeInputs(t, reqs[0]))

	// Submitting before the build finished fails and leaves the run alone.
	_, err = f.svc.Submit(ctx, run.ID)
	require.Error(t, err)

	image := "registry.example.com/aligner:abc123"
	require.NoError(t, f.store.TransitionBuild(ctx, builds[0].ID, builds[0].Status, store.BuildUpdate{
		Status:   status.BuildSucceeded,
		ImageURL: &image,
	}))

	run, err = f.svc.Submit(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, status.RunSubmitted, run.Status)

	reqs = f.engine.Submitted()
	require.Len(t, reqs, 2)

	inputs := decodeInputs(t, reqs[1])
	assert.Equal(t, image, inputs["merged_workflow.image"])

	// The stored run keeps the build reference.
	assert.Equal(t, submission.ImageBuildPrefix+"aligner|abc123", run.TestInput["image"])
}

func TestStartBuild_ReusesUsableBuild(t *testing.T) {
	f := setup(t, config.ModeMerged)
	ctx := context.Background()

	sw := &store.Software{Name: "caller", RepositoryURL: "https://example.com/caller.git"}
	require.NoError(t, f.store.CreateSoftware(ctx, sw))

	version, err := f.store.GetOrCreateSoftwareVersion(ctx, sw.ID, "deadbeef")
	require.NoError(t, err)

	first, err := f.svc.StartBuild(ctx, version.ID)
	require.NoError(t, err)

	second, err := f.svc.StartBuild(ctx, version.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.engine.Submitted(), 1)

	f.cfg.Builds.WorkflowLocation = ""

	_, err = f.svc.StartBuild(ctx, version.ID)
	require.ErrorIs(t, err, submission.ErrBuildsDisabled)
}

// jobWriteFailingStore fails every write that records an engine job on a
// build or report map.
type jobWriteFailingStore struct {
	store.Store
}

func (s *jobWriteFailingStore) TransitionBuild(
	ctx context.Context, id uuid.UUID, from status.Build, update store.BuildUpdate,
) error {
	if update.JobID != nil {
		return errors.New("database is gone")
	}

	return s.Store.TransitionBuild(ctx, id, from, update)
}

func (s *jobWriteFailingStore) TransitionReportMap(
	ctx context.Context, id uuid.UUID, from status.ReportMap, update store.ReportMapUpdate,
) error {
	if update.JobID != nil {
		return errors.New("database is gone")
	}

	return s.Store.TransitionReportMap(ctx, id, from, update)
}

func TestUnrecordedJobsAreAborted(t *testing.T) {
	f := setup(t, config.ModeMerged)
	ctx := context.Background()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	svc := submission.NewService(
		log, f.cfg, &jobWriteFailingStore{Store: f.store}, f.fetcher, f.engine,
	)

	sw := &store.Software{Name: "sorter", RepositoryURL: "https://example.com/sorter.git"}
	require.NoError(t, f.store.CreateSoftware(ctx, sw))

	version, err := f.store.GetOrCreateSoftwareVersion(ctx, sw.ID, "cafe")
	require.NoError(t, err)

	_, err = svc.StartBuild(ctx, version.ID)

	var pe *submission.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, []string{"job-1"}, f.engine.Aborted())

	report := &store.Report{Name: "summary", WorkflowLocation: reportLocation}
	require.NoError(t, f.store.CreateReport(ctx, report))

	run := &store.Run{TestID: f.test.ID, Name: "finished", Status: status.RunSucceeded}
	require.NoError(t, f.store.CreateRun(ctx, run, nil))

	_, err = svc.StartReport(ctx, store.RunOwner{ID: run.ID}, report.ID)
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, []string{"job-1", "job-2"}, f.engine.Aborted())
}

func TestStartBuild_IgnoresBuildWithoutJob(t *testing.T) {
	f := setup(t, config.ModeMerged)
	ctx := context.Background()

	sw := &store.Software{Name: "indexer", RepositoryURL: "https://example.com/indexer.git"}
	require.NoError(t, f.store.CreateSoftware(ctx, sw))

	version, err := f.store.GetOrCreateSoftwareVersion(ctx, sw.ID, "f00d")
	require.NoError(t, err)

	stuck := &store.SoftwareBuild{SoftwareVersionID: version.ID, Status: status.BuildCreated}
	require.NoError(t, f.store.CreateSoftwareBuild(ctx, stuck))

	build, err := f.svc.StartBuild(ctx, version.ID)
	require.NoError(t, err)
	assert.NotEqual(t, stuck.ID, build.ID)
	assert.Equal(t, status.BuildSubmitted, build.Status)
	assert.Len(t, f.engine.Submitted(), 1)
}

// nameRaceStore hides existing run names from the pre-insert lookup, as
// if a concurrent request inserted the name right after it.
type nameRaceStore struct {
	store.Store
}

func (s *nameRaceStore) GetRunByName(context.Context, string) (*store.Run, error) {
	return nil, fmt.Errorf("getting run by name: %w", store.ErrNotFound)
}

func TestCreateRun_DuplicateNameStartsNoBuilds(t *testing.T) {
	f := setup(t, config.ModeMerged)
	ctx := context.Background()

	sw := &store.Software{Name: "aligner", RepositoryURL: "https://example.com/aligner.git"}
	require.NoError(t, f.store.CreateSoftware(ctx, sw))

	require.NoError(t, f.store.CreateRun(ctx, &store.Run{TestID: f.test.ID, Name: "taken"}, nil))

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	svc := submission.NewService(log, f.cfg, &nameRaceStore{Store: f.store}, f.fetcher, f.engine)

	_, err := svc.CreateRun(ctx, &submission.CreateRunRequest{
		TestID:    f.test.ID,
		Name:      "taken",
		TestInput: map[string]any{"image": submission.ImageBuildPrefix + "aligner|abc123"},
	})

	var dup *submission.DuplicateNameError
	require.True(t, errors.As(err, &dup))
	assert.Empty(t, f.engine.Submitted())
}

func TestCreateRun_BuildDispatchFailureFailsRun(t *testing.T) {
	f := setup(t, config.ModeMerged)
	ctx := context.Background()

	sw := &store.Software{Name: "aligner", RepositoryURL: "https://example.com/aligner.git"}
	require.NoError(t, f.store.CreateSoftware(ctx, sw))

	f.engine.FailSubmit(errors.New("engine rejected workflow"))

	_, err := f.svc.CreateRun(ctx, &submission.CreateRunRequest{
		TestID:    f.test.ID,
		Name:      "unbuildable",
		TestInput: map[string]any{"image": submission.ImageBuildPrefix + "aligner|abc123"},
	})
	require.Error(t, err)

	run, err := f.store.GetRunByName(ctx, "unbuildable")
	require.NoError(t, err)
	assert.Equal(t, status.RunCarrotFailed, run.Status)
	assert.NotNil(t, run.FinishedAt)

	// Unknown software is rejected before the run is stored.
	_, err = f.svc.CreateRun(ctx, &submission.CreateRunRequest{
		TestID:    f.test.ID,
		Name:      "unknown-software",
		TestInput: map[string]any{"image": submission.ImageBuildPrefix + "nobody|abc123"},
	})

	var nf *submission.NotFoundError
	require.True(t, errors.As(err, &nf))

	_, err = f.store.GetRunByName(ctx, "unknown-software")
	require.ErrorIs(t, err, store.ErrNotFound)
}
