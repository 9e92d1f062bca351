package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/carrot-ci/carrot/pkg/config"
	"github.com/carrot-ci/carrot/pkg/engine"
	"github.com/carrot-ci/carrot/pkg/status"
	"github.com/carrot-ci/carrot/pkg/store"
	"github.com/carrot-ci/carrot/pkg/wdl"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

const (
	// Import paths of the two source documents inside the dependency
	// archive of a merged job.
	testImportPath = "test.wdl"
	evalImportPath = "eval.wdl"
)

// templateDocs holds the fetched artifacts of a template.
type templateDocs struct {
	test     []byte
	eval     []byte
	testDeps []byte
	evalDeps []byte
}

// Submit resolves the run's template, builds the engine job and submits
// it exactly once. Nothing is persisted unless the engine accepted the
// job. Concurrent calls for the same run are serialised by a claim on
// the run row; the loser fails with a SubmissionError wrapping
// store.ErrConflict.
func (s *service) Submit(ctx context.Context, runID uuid.UUID) (*store.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, storeError("getting run", "run", runID.String(), err)
	}

	if run.Status != status.RunCreated && run.Status != status.RunBuilding {
		return nil, &SubmissionError{
			Err: fmt.Errorf("run is %s: %w", run.Status, store.ErrConflict),
		}
	}

	split := s.cfg.Submission.Mode == config.ModeSplit
	next := status.RunSubmitted

	if split {
		next = status.RunTestSubmitted
	}

	var job *engine.JobStatus

	err = s.withClaim(ctx, run, func() error {
		tmpl, err := s.template(ctx, run.TestID)
		if err != nil {
			return err
		}

		testInput := copyInputs(run.TestInput)
		evalInput := copyInputs(run.EvalInput)

		if err := s.resolveImageBuilds(ctx, run.ID, testInput, evalInput); err != nil {
			return err
		}

		var req *engine.SubmitRequest

		if split {
			req, err = s.testRequest(ctx, run, tmpl, testInput)
		} else {
			req, err = s.mergedRequest(ctx, run, tmpl, testInput, evalInput)
		}

		if err != nil {
			return err
		}

		job, err = s.engine.Submit(ctx, req)
		if err != nil {
			return &SubmissionError{Err: err}
		}

		return s.recordJob(ctx, run, job.ID, store.RunUpdate{
			Status:    next,
			TestJobID: &job.ID,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("run_id", run.ID).
		WithField("job_id", job.ID).
		WithField("status", next).
		Info("Run submitted")

	return s.reload(ctx, run.ID)
}

// StartEval submits the eval job of a split run. Every eval in_x is fed
// from the test job's out_x, then the run's eval input is laid over the
// wired values.
func (s *service) StartEval(ctx context.Context, runID uuid.UUID) (*store.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, storeError("getting run", "run", runID.String(), err)
	}

	if run.Status != status.RunTestSucceeded {
		return nil, &SubmissionError{
			Err: fmt.Errorf("run is %s: %w", run.Status, store.ErrConflict),
		}
	}

	var job *engine.JobStatus

	err = s.withClaim(ctx, run, func() error {
		tmpl, err := s.template(ctx, run.TestID)
		if err != nil {
			return err
		}

		evalInput := copyInputs(run.EvalInput)
		if err := s.resolveImageBuilds(ctx, run.ID, evalInput); err != nil {
			return err
		}

		docs, err := s.fetchDocs(ctx, map[string]string{
			"eval":      tmpl.EvalWDL,
			"eval_deps": tmpl.EvalWDLDependencies,
		})
		if err != nil {
			return err
		}

		wf, err := wdl.Parse(string(docs["eval"]))
		if err != nil {
			return &CombineError{Reason: err.Error(), Err: err}
		}

		outputs, err := s.engine.Outputs(ctx, run.TestJobID)
		if err != nil {
			return &SubmissionError{Err: fmt.Errorf("getting test outputs: %w", err)}
		}

		wired := WireOutputs(wf, outputs)
		for k, v := range evalInput {
			wired[k] = v
		}

		inputs, err := json.Marshal(WorkflowInputs(wf, wired))
		if err != nil {
			return &SubmissionError{Err: fmt.Errorf("encoding inputs: %w", err)}
		}

		job, err = s.engine.Submit(ctx, &engine.SubmitRequest{
			Source:       docs["eval"],
			Dependencies: docs["eval_deps"],
			Inputs:       inputs,
			Labels:       runLabels(run, "eval"),
		})
		if err != nil {
			return &SubmissionError{Err: err}
		}

		return s.recordJob(ctx, run, job.ID, store.RunUpdate{
			Status:    status.RunEvalSubmitted,
			EvalJobID: &job.ID,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("run_id", run.ID).
		WithField("job_id", job.ID).
		Info("Eval job submitted")

	return s.reload(ctx, run.ID)
}

// mergedRequest builds the single combined job of a merged run.
func (s *service) mergedRequest(
	ctx context.Context,
	run *store.Run,
	tmpl *store.Template,
	testInput, evalInput datatypes.JSONMap,
) (*engine.SubmitRequest, error) {
	docs, err := s.fetchTemplate(ctx, tmpl)
	if err != nil {
		return nil, err
	}

	merged, err := wdl.Combine(
		string(docs.test), testImportPath, string(docs.eval), evalImportPath,
	)
	if err != nil {
		return nil, &CombineError{Reason: err.Error(), Err: err}
	}

	var archives [][]byte

	for _, a := range [][]byte{docs.testDeps, docs.evalDeps} {
		if len(a) > 0 {
			archives = append(archives, a)
		}
	}

	deps, err := engine.ZipDependencies(s.cfg.Fetcher.GetMaxDocumentSize(), map[string][]byte{
		testImportPath: docs.test,
		evalImportPath: docs.eval,
	}, archives...)
	if err != nil {
		return nil, &CombineError{Reason: err.Error(), Err: err}
	}

	inputs, err := json.Marshal(
		PrefixInputs(wdl.MergedWorkflowName, MergeInputs(testInput, evalInput)),
	)
	if err != nil {
		return nil, &SubmissionError{Err: fmt.Errorf("encoding inputs: %w", err)}
	}

	return &engine.SubmitRequest{
		Source:       []byte(merged),
		Dependencies: deps,
		Inputs:       inputs,
		Labels:       runLabels(run, "merged"),
	}, nil
}

// testRequest builds the test job of a split run.
func (s *service) testRequest(
	ctx context.Context,
	run *store.Run,
	tmpl *store.Template,
	testInput datatypes.JSONMap,
) (*engine.SubmitRequest, error) {
	docs, err := s.fetchDocs(ctx, map[string]string{
		"test":      tmpl.TestWDL,
		"test_deps": tmpl.TestWDLDependencies,
	})
	if err != nil {
		return nil, err
	}

	wf, err := wdl.Parse(string(docs["test"]))
	if err != nil {
		return nil, &CombineError{Reason: err.Error(), Err: err}
	}

	inputs, err := json.Marshal(WorkflowInputs(wf, testInput))
	if err != nil {
		return nil, &SubmissionError{Err: fmt.Errorf("encoding inputs: %w", err)}
	}

	return &engine.SubmitRequest{
		Source:       docs["test"],
		Dependencies: docs["test_deps"],
		Inputs:       inputs,
		Labels:       runLabels(run, "test"),
	}, nil
}

// withClaim runs fn while holding the submission claim on run.
func (s *service) withClaim(ctx context.Context, run *store.Run, fn func() error) error {
	owner := uuid.NewString()

	if err := s.store.ClaimRun(ctx, run.ID, run.Status, owner, claimTTL); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return &SubmissionError{Err: fmt.Errorf("run is being submitted: %w", err)}
		}

		return &PersistenceError{Op: "claiming run", Err: err}
	}

	defer func() {
		// The claim may already be gone if the run finished meanwhile.
		if err := s.store.ReleaseRunClaim(
			context.WithoutCancel(ctx), run.ID, owner,
		); err != nil {
			s.log.WithField("run_id", run.ID).
				WithError(err).
				Warn("Failed to release run claim")
		}
	}()

	return fn()
}

// recordJob persists an accepted job. If the write fails the job is
// aborted so that no untracked work is left on the engine.
func (s *service) recordJob(
	ctx context.Context, run *store.Run, jobID string, update store.RunUpdate,
) error {
	err := s.store.TransitionRun(ctx, run.ID, run.Status, update)
	if err == nil {
		return nil
	}

	s.abortUntracked(ctx, s.log.WithField("run_id", run.ID), jobID, err)

	return &PersistenceError{Op: "recording submitted job", Err: err}
}

// abortUntracked aborts a job whose handle could not be stored.
func (s *service) abortUntracked(
	ctx context.Context, log logrus.FieldLogger, jobID string, cause error,
) {
	log = log.WithField("job_id", jobID)
	log.WithError(cause).Error("Failed to record submitted job, aborting it")

	if _, err := s.engine.Abort(context.WithoutCancel(ctx), jobID); err != nil {
		log.WithError(err).Error("Failed to abort untracked job")
	}
}

func (s *service) template(ctx context.Context, testID uuid.UUID) (*store.Template, error) {
	test, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return nil, storeError("getting test", "test", testID.String(), err)
	}

	tmpl, err := s.store.GetTemplate(ctx, test.TemplateID)
	if err != nil {
		return nil, storeError("getting template", "template", test.TemplateID.String(), err)
	}

	return tmpl, nil
}

func (s *service) fetchTemplate(
	ctx context.Context, tmpl *store.Template,
) (*templateDocs, error) {
	docs, err := s.fetchDocs(ctx, map[string]string{
		"test":      tmpl.TestWDL,
		"eval":      tmpl.EvalWDL,
		"test_deps": tmpl.TestWDLDependencies,
		"eval_deps": tmpl.EvalWDLDependencies,
	})
	if err != nil {
		return nil, err
	}

	return &templateDocs{
		test:     docs["test"],
		eval:     docs["eval"],
		testDeps: docs["test_deps"],
		evalDeps: docs["eval_deps"],
	}, nil
}

// fetchDocs fetches every non-empty location concurrently. The first
// failure, in key order, is returned as a FetchError.
func (s *service) fetchDocs(
	ctx context.Context, locations map[string]string,
) (map[string][]byte, error) {
	keys := sortedKeys(locations)
	results := make([][]byte, len(keys))
	errs := make([]error, len(keys))

	g, gctx := errgroup.WithContext(ctx)

	for i, key := range keys {
		location := locations[key]
		if location == "" {
			continue
		}

		g.Go(func() error {
			data, err := s.fetcher.Fetch(gctx, location)
			if err != nil {
				errs[i] = &FetchError{Location: location, Err: err}

				return errs[i]
			}

			results[i] = data

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, e := range errs {
			if e != nil && !errors.Is(e, context.Canceled) {
				return nil, e
			}
		}

		return nil, err
	}

	docs := make(map[string][]byte, len(keys))
	for i, key := range keys {
		if results[i] != nil {
			docs[key] = results[i]
		}
	}

	return docs, nil
}

// MergeInputs overlays override on base. Keys in override win; values
// are not merged recursively.
func MergeInputs(base, override map[string]any) datatypes.JSONMap {
	merged := make(datatypes.JSONMap, len(base)+len(override))

	for k, v := range base {
		merged[k] = v
	}

	for k, v := range override {
		merged[k] = v
	}

	return merged
}

// PrefixInputs qualifies every top-level key with "<workflow>.".
func PrefixInputs(workflow string, inputs map[string]any) map[string]any {
	prefixed := make(map[string]any, len(inputs))

	for k, v := range inputs {
		prefixed[workflow+"."+k] = v
	}

	return prefixed
}

// WorkflowInputs keys values for a direct submission of wf. A key that
// names a declared input by its stripped name is mapped to the
// declaration; any other key is passed through as is.
func WorkflowInputs(wf *wdl.Workflow, values map[string]any) map[string]any {
	named := make(map[string]any, len(values))

	for k, v := range values {
		if d, ok := wf.Input(k); ok {
			k = d.Name
		}

		named[k] = v
	}

	return PrefixInputs(wf.Name, named)
}

// WireOutputs returns, keyed by stripped name, the outputs of a finished
// job that feed inputs of wf. Output keys are "<workflow>.out_<name>".
func WireOutputs(wf *wdl.Workflow, outputs map[string]any) map[string]any {
	byName := make(map[string]any, len(outputs))

	for key, v := range outputs {
		name := key
		if i := strings.LastIndex(key, "."); i >= 0 {
			name = key[i+1:]
		}

		if stripped, ok := strings.CutPrefix(name, wdl.OutputPrefix); ok {
			byName[stripped] = v
		}
	}

	wired := make(map[string]any)

	for _, in := range wf.Inputs {
		if v, ok := byName[in.Stripped]; ok {
			wired[in.Stripped] = v
		}
	}

	return wired
}

func runLabels(run *store.Run, phase string) map[string]string {
	return map[string]string{
		"carrot-run-id": run.ID.String(),
		"carrot-phase":  phase,
	}
}

func copyInputs(in datatypes.JSONMap) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
