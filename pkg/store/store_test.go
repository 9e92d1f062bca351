package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/carrot-ci/carrot/pkg/config"
	"github.com/carrot-ci/carrot/pkg/status"
	"github.com/carrot-ci/carrot/pkg/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func createTest(t *testing.T, s store.Store) *store.Test {
	t.Helper()

	ctx := context.Background()

	tmpl := &store.Template{
		Name:    "tmpl-" + uuid.NewString(),
		TestWDL: "gs://bucket/test.wdl",
		EvalWDL: "gs://bucket/eval.wdl",
	}
	require.NoError(t, s.CreateTemplate(ctx, tmpl))

	test := &store.Test{
		Name:              "test-" + uuid.NewString(),
		TemplateID:        tmpl.ID,
		TestInputDefaults: datatypes.JSONMap{"x": "default"},
	}
	require.NoError(t, s.CreateTest(ctx, test))

	return test
}

func TestStore_CreateAndGetRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	test := createTest(t, s)

	run := &store.Run{
		TestID:    test.ID,
		Name:      "nightly",
		TestInput: datatypes.JSONMap{"x": "a"},
		EvalInput: datatypes.JSONMap{},
		CreatedBy: "dev@example.com",
	}
	require.NoError(t, s.CreateRun(ctx, run, nil))
	assert.NotEqual(t, uuid.Nil, run.ID)
	assert.Equal(t, status.RunCreated, run.Status)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly", got.Name)
	assert.Equal(t, "a", got.TestInput["x"])
	assert.Nil(t, got.FinishedAt)

	byName, err := s.GetRunByName(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, run.ID, byName.ID)

	_, err = s.GetRun(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_CreateRunDuplicateName(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	test := createTest(t, s)

	require.NoError(t, s.CreateRun(ctx, &store.Run{TestID: test.ID, Name: "dup"}, nil))

	second := &store.Run{TestID: test.ID, Name: "dup"}
	err := s.CreateRun(ctx, second, []uuid.UUID{uuid.New()})
	require.ErrorIs(t, err, store.ErrDuplicate)

	// The failed insert left no build links behind.
	builds, err := s.ListRunBuilds(ctx, second.ID)
	require.NoError(t, err)
	assert.Empty(t, builds)
}

func TestStore_TransitionRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	test := createTest(t, s)

	run := &store.Run{TestID: test.ID, Name: "transition"}
	require.NoError(t, s.CreateRun(ctx, run, nil))

	jobID := "job-1"
	require.NoError(t, s.TransitionRun(ctx, run.ID, status.RunCreated, store.RunUpdate{
		Status:    status.RunSubmitted,
		TestJobID: &jobID,
	}))

	t.Run("stale expected status conflicts", func(t *testing.T) {
		err := s.TransitionRun(ctx, run.ID, status.RunCreated, store.RunUpdate{
			Status: status.RunSubmitted,
		})
		require.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("backwards move is rejected", func(t *testing.T) {
		err := s.TransitionRun(ctx, run.ID, status.RunRunning, store.RunUpdate{
			Status: status.RunSubmitted,
		})
		require.ErrorIs(t, err, store.ErrInvalidTransition)
	})

	t.Run("terminal status stamps finished_at", func(t *testing.T) {
		require.NoError(t, s.TransitionRun(ctx, run.ID, status.RunSubmitted, store.RunUpdate{
			Status:  status.RunSucceeded,
			Results: datatypes.JSONMap{"merged_workflow.out_ok": true},
		}))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, status.RunSucceeded, got.Status)
		assert.Equal(t, "job-1", got.TestJobID)
		assert.NotNil(t, got.FinishedAt)
		assert.Equal(t, true, got.Results["merged_workflow.out_ok"])

		unfinished, err := s.ListUnfinishedRuns(ctx)
		require.NoError(t, err)
		assert.Empty(t, unfinished)
	})

	t.Run("terminal status is never left", func(t *testing.T) {
		err := s.TransitionRun(ctx, run.ID, status.RunSucceeded, store.RunUpdate{
			Status: status.RunRunning,
		})
		require.ErrorIs(t, err, store.ErrInvalidTransition)
	})
}

func TestStore_ClaimRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	test := createTest(t, s)

	run := &store.Run{TestID: test.ID, Name: "claim"}
	require.NoError(t, s.CreateRun(ctx, run, nil))

	require.NoError(t, s.ClaimRun(ctx, run.ID, status.RunCreated, "a", time.Minute))

	err := s.ClaimRun(ctx, run.ID, status.RunCreated, "b", time.Minute)
	require.ErrorIs(t, err, store.ErrConflict)

	// Releasing with the wrong owner is a no-op.
	require.NoError(t, s.ReleaseRunClaim(ctx, run.ID, "b"))
	require.ErrorIs(t,
		s.ClaimRun(ctx, run.ID, status.RunCreated, "b", time.Minute),
		store.ErrConflict,
	)

	require.NoError(t, s.ReleaseRunClaim(ctx, run.ID, "a"))
	require.NoError(t, s.ClaimRun(ctx, run.ID, status.RunCreated, "b", time.Minute))

	// A run in another status cannot be claimed for submission.
	require.ErrorIs(t,
		s.ClaimRun(ctx, run.ID, status.RunTestSucceeded, "c", time.Minute),
		store.ErrConflict,
	)

	t.Run("expired claim can be taken over", func(t *testing.T) {
		other := &store.Run{TestID: test.ID, Name: "claim-expired"}
		require.NoError(t, s.CreateRun(ctx, other, nil))

		require.NoError(t, s.ClaimRun(ctx, other.ID, status.RunCreated, "a", -time.Minute))
		require.NoError(t, s.ClaimRun(ctx, other.ID, status.RunCreated, "b", time.Minute))
	})
}

func TestStore_DeleteRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	test := createTest(t, s)

	report := &store.Report{Name: "summary", WorkflowLocation: "gs://bucket/report.wdl"}
	require.NoError(t, s.CreateReport(ctx, report))

	newFinishedRun := func(name string) *store.Run {
		run := &store.Run{TestID: test.ID, Name: name}
		require.NoError(t, s.CreateRun(ctx, run, nil))
		require.NoError(t, s.TransitionRun(ctx, run.ID, status.RunCreated, store.RunUpdate{
			Status: status.RunTestFailed,
		}))

		return run
	}

	t.Run("unfinished run cannot be deleted", func(t *testing.T) {
		run := &store.Run{TestID: test.ID, Name: "in-flight"}
		require.NoError(t, s.CreateRun(ctx, run, nil))

		require.ErrorIs(t, s.DeleteRun(ctx, run.ID), store.ErrConflict)
	})

	t.Run("succeeded report blocks deletion", func(t *testing.T) {
		run := newFinishedRun("with-report")

		m := &store.ReportMap{
			OwnerKind: store.OwnerKindRun,
			OwnerID:   run.ID,
			ReportID:  report.ID,
		}
		require.NoError(t, s.CreateReportMap(ctx, m))
		require.ErrorIs(t, s.DeleteRun(ctx, run.ID), store.ErrConflict)

		require.NoError(t, s.TransitionReportMap(ctx, m.ID, status.ReportCreated,
			store.ReportMapUpdate{Status: status.ReportSucceeded}))
		require.ErrorIs(t, s.DeleteRun(ctx, run.ID), store.ErrConflict)
	})

	t.Run("failed report is removed with the run", func(t *testing.T) {
		run := newFinishedRun("with-failed-report")

		m := &store.ReportMap{
			OwnerKind: store.OwnerKindRun,
			OwnerID:   run.ID,
			ReportID:  report.ID,
		}
		require.NoError(t, s.CreateReportMap(ctx, m))
		require.NoError(t, s.TransitionReportMap(ctx, m.ID, status.ReportCreated,
			store.ReportMapUpdate{Status: status.ReportFailed}))

		require.NoError(t, s.DeleteRun(ctx, run.ID))

		_, err := s.GetRun(ctx, run.ID)
		require.ErrorIs(t, err, store.ErrNotFound)

		_, err = s.GetReportMap(ctx, m.ID)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("missing run", func(t *testing.T) {
		require.ErrorIs(t, s.DeleteRun(ctx, uuid.New()), store.ErrNotFound)
	})
}

func TestStore_ReportMaps(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	test := createTest(t, s)

	tmpl, err := s.GetTemplate(ctx, test.TemplateID)
	require.NoError(t, err)

	report := &store.Report{Name: "summary", WorkflowLocation: "gs://bucket/report.wdl"}
	require.NoError(t, s.CreateReport(ctx, report))
	require.NoError(t, s.CreateTemplateReport(ctx, &store.TemplateReport{
		TemplateID: tmpl.ID,
		ReportID:   report.ID,
	}))

	reports, err := s.ListTemplateReports(ctx, tmpl.ID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, report.ID, reports[0].ID)

	group := &store.RunGroup{Name: "weekly"}
	require.NoError(t, s.CreateRunGroup(ctx, group))

	m := &store.ReportMap{
		OwnerKind: store.OwnerKindRunGroup,
		OwnerID:   group.ID,
		ReportID:  report.ID,
	}
	require.NoError(t, s.CreateReportMap(ctx, m))

	dup := &store.ReportMap{
		OwnerKind: store.OwnerKindRunGroup,
		OwnerID:   group.ID,
		ReportID:  report.ID,
	}
	require.ErrorIs(t, s.CreateReportMap(ctx, dup), store.ErrDuplicate)

	owner, err := m.Owner()
	require.NoError(t, err)
	assert.Equal(t, store.RunGroupOwner{ID: group.ID}, owner)

	byOwner, err := s.ListReportMapsByOwner(ctx, owner)
	require.NoError(t, err)
	require.Len(t, byOwner, 1)

	unfinished, err := s.ListUnfinishedReportMaps(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)

	job := "report-job"
	require.NoError(t, s.TransitionReportMap(ctx, m.ID, status.ReportCreated,
		store.ReportMapUpdate{Status: status.ReportSubmitted, JobID: &job}))
	require.NoError(t, s.TransitionReportMap(ctx, m.ID, status.ReportSubmitted,
		store.ReportMapUpdate{
			Status:  status.ReportSucceeded,
			Results: datatypes.JSONMap{"html": "gs://bucket/report.html"},
		}))

	got, err := s.GetReportMap(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "report-job", got.JobID)
	assert.NotNil(t, got.FinishedAt)
	assert.Equal(t, "gs://bucket/report.html", got.Results["html"])
}

func TestStore_SoftwareBuilds(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sw := &store.Software{Name: "aligner", RepositoryURL: "https://github.com/example/aligner"}
	require.NoError(t, s.CreateSoftware(ctx, sw))

	v1, err := s.GetOrCreateSoftwareVersion(ctx, sw.ID, "abc123")
	require.NoError(t, err)

	again, err := s.GetOrCreateSoftwareVersion(ctx, sw.ID, "abc123")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, again.ID)

	_, err = s.FindUsableBuild(ctx, v1.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	failed := &store.SoftwareBuild{SoftwareVersionID: v1.ID}
	require.NoError(t, s.CreateSoftwareBuild(ctx, failed))
	require.NoError(t, s.TransitionBuild(ctx, failed.ID, status.BuildCreated,
		store.BuildUpdate{Status: status.BuildFailed}))

	_, err = s.FindUsableBuild(ctx, v1.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	build := &store.SoftwareBuild{SoftwareVersionID: v1.ID}
	require.NoError(t, s.CreateSoftwareBuild(ctx, build))

	// Not usable until it has an engine job.
	_, err = s.FindUsableBuild(ctx, v1.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	jobID := "build-job-1"
	require.NoError(t, s.TransitionBuild(ctx, build.ID, status.BuildCreated,
		store.BuildUpdate{Status: status.BuildSubmitted, JobID: &jobID}))

	usable, err := s.FindUsableBuild(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, build.ID, usable.ID)

	image := "registry.example.com/aligner:abc123"
	require.NoError(t, s.TransitionBuild(ctx, build.ID, status.BuildSubmitted,
		store.BuildUpdate{Status: status.BuildSucceeded, ImageURL: &image}))

	unfinished, err := s.ListUnfinishedBuilds(ctx)
	require.NoError(t, err)
	assert.Empty(t, unfinished)

	test := createTest(t, s)
	run := &store.Run{TestID: test.ID, Name: "built", Status: status.RunBuilding}
	require.NoError(t, s.CreateRun(ctx, run, []uuid.UUID{build.ID}))

	builds, err := s.ListRunBuilds(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Equal(t, image, builds[0].ImageURL)
}
