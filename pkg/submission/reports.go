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
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// StartReport creates the report map for owner and submits the report
// workflow. A report can be generated once per owner; a second request
// fails with DuplicateNameError. If dispatch fails after the map was
// created the map is marked failed.
func (s *service) StartReport(
	ctx context.Context, owner store.Owner, reportID uuid.UUID,
) (*store.ReportMap, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, storeError("getting report", "report", reportID.String(), err)
	}

	ownerInputs, err := s.ownerInputs(ctx, owner)
	if err != nil {
		return nil, err
	}

	m := &store.ReportMap{
		ID:        uuid.New(),
		OwnerKind: owner.Kind(),
		OwnerID:   owner.EntityID(),
		ReportID:  report.ID,
		Status:    status.ReportCreated,
	}

	if err := s.store.CreateReportMap(ctx, m); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, &DuplicateNameError{
				Kind: "report map",
				Name: fmt.Sprintf("%s/%s/%s", owner.Kind(), owner.EntityID(), report.Name),
				Err:  err,
			}
		}

		return nil, &PersistenceError{Op: "creating report map", Err: err}
	}

	log := s.log.WithField("report_id", report.ID).
		WithField("report_map_id", m.ID).
		WithField("owner", fmt.Sprintf("%s/%s", owner.Kind(), owner.EntityID()))

	job, err := s.submitReport(ctx, report, m, ownerInputs)
	if err != nil {
		s.failReportMap(ctx, log, m, err)

		return nil, err
	}

	if err := s.store.TransitionReportMap(ctx, m.ID, m.Status, store.ReportMapUpdate{
		Status: status.ReportSubmitted,
		JobID:  &job.ID,
	}); err != nil {
		s.abortUntracked(ctx, log, job.ID, err)

		return nil, &PersistenceError{Op: "recording report job", Err: err}
	}

	log.WithField("job_id", job.ID).Info("Report submitted")

	updated, err := s.store.GetReportMap(ctx, m.ID)
	if err != nil {
		return nil, &PersistenceError{Op: "reloading report map", Err: err}
	}

	return updated, nil
}

func (s *service) submitReport(
	ctx context.Context,
	report *store.Report,
	m *store.ReportMap,
	ownerInputs map[string]any,
) (*engine.JobStatus, error) {
	docs, err := s.fetchDocs(ctx, map[string]string{"report": report.WorkflowLocation})
	if err != nil {
		return nil, err
	}

	wf, err := wdl.Parse(string(docs["report"]))
	if err != nil {
		return nil, &CombineError{Reason: err.Error(), Err: err}
	}

	inputs, err := json.Marshal(
		WorkflowInputs(wf, MergeInputs(report.Config, ownerInputs)),
	)
	if err != nil {
		return nil, &SubmissionError{Err: fmt.Errorf("encoding inputs: %w", err)}
	}

	job, err := s.engine.Submit(ctx, &engine.SubmitRequest{
		Source: docs["report"],
		Inputs: inputs,
		Labels: map[string]string{
			"carrot-report-map-id": m.ID.String(),
			"carrot-phase":         "report",
		},
	})
	if err != nil {
		return nil, &SubmissionError{Err: err}
	}

	return job, nil
}

// ownerInputs describes the owner of a report as workflow inputs. Only
// finished runs can be reported on.
func (s *service) ownerInputs(
	ctx context.Context, owner store.Owner,
) (map[string]any, error) {
	switch o := owner.(type) {
	case store.RunOwner:
		run, err := s.store.GetRun(ctx, o.ID)
		if err != nil {
			return nil, storeError("getting run", "run", o.ID.String(), err)
		}

		if !run.Status.IsTerminal() {
			return nil, &SubmissionError{
				Err: fmt.Errorf("run is %s: %w", run.Status, store.ErrConflict),
			}
		}

		return map[string]any{
			"run_name": run.Name,
			"status":   run.Status.String(),
			"results":  map[string]any(run.Results),
		}, nil

	case store.RunGroupOwner:
		group, err := s.store.GetRunGroup(ctx, o.ID)
		if err != nil {
			return nil, storeError("getting run group", "run group", o.ID.String(), err)
		}

		runs, err := s.store.ListRunsByGroup(ctx, group.ID)
		if err != nil {
			return nil, &PersistenceError{Op: "listing group runs", Err: err}
		}

		names := make([]string, 0, len(runs))
		results := make([]map[string]any, 0, len(runs))

		for _, run := range runs {
			if !run.Status.IsTerminal() {
				continue
			}

			names = append(names, run.Name)
			results = append(results, run.Results)
		}

		return map[string]any{
			"group_name": group.Name,
			"run_names":  names,
			"results":    results,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported report owner %T", owner)
	}
}

func (s *service) failReportMap(
	ctx context.Context, log logrus.FieldLogger, m *store.ReportMap, cause error,
) {
	if err := s.store.TransitionReportMap(
		context.WithoutCancel(ctx), m.ID, m.Status, store.ReportMapUpdate{
			Status:  status.ReportFailed,
			Results: datatypes.JSONMap{"error": cause.Error()},
		},
	); err != nil {
		log.WithError(err).Error("Failed to mark report as failed")

		return
	}

	log.WithError(cause).Warn("Report dispatch failed")
}
