// Package enginetest provides an in-memory engine.Client for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/carrot-ci/carrot/pkg/engine"
)

// Compile-time interface check.
var _ engine.Client = (*Fake)(nil)

// Fake records submissions and serves statuses set by the test.
type Fake struct {
	mu sync.Mutex

	submitted   []*engine.SubmitRequest
	jobs        map[string]string
	outputs     map[string]map[string]any
	metadata    map[string]engine.Metadata
	aborted     []string
	submitErr   error
	statusErr   error
	statusCalls int
	nextID      int
}

// NewFake creates an empty fake engine.
func NewFake() *Fake {
	return &Fake{
		jobs:     make(map[string]string),
		outputs:  make(map[string]map[string]any),
		metadata: make(map[string]engine.Metadata),
	}
}

func (f *Fake) Name() string { return "engine" }

func (f *Fake) Submit(_ context.Context, req *engine.SubmitRequest) (*engine.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.submitErr != nil {
		return nil, f.submitErr
	}

	f.nextID++
	id := fmt.Sprintf("job-%d", f.nextID)

	f.submitted = append(f.submitted, req)
	f.jobs[id] = "Submitted"

	return &engine.JobStatus{ID: id, Status: "Submitted"}, nil
}

func (f *Fake) Status(_ context.Context, id string) (*engine.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statusCalls++

	if f.statusErr != nil {
		return nil, f.statusErr
	}

	s, ok := f.jobs[id]
	if !ok {
		return nil, &engine.HTTPError{Op: "status", StatusCode: 404}
	}

	return &engine.JobStatus{ID: id, Status: s}, nil
}

func (f *Fake) Metadata(
	_ context.Context, id string, _ engine.MetadataParams,
) (engine.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if md, ok := f.metadata[id]; ok {
		return md, nil
	}

	return engine.Metadata{}, nil
}

func (f *Fake) Outputs(_ context.Context, id string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if out, ok := f.outputs[id]; ok {
		return out, nil
	}

	return map[string]any{}, nil
}

func (f *Fake) Abort(_ context.Context, id string) (*engine.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.aborted = append(f.aborted, id)
	f.jobs[id] = "Aborted"

	return &engine.JobStatus{ID: id, Status: "Aborting"}, nil
}

// SetStatus sets the status reported for job id.
func (f *Fake) SetStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.jobs[id] = status
}

// SetOutputs sets the outputs reported for job id.
func (f *Fake) SetOutputs(id string, outputs map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.outputs[id] = outputs
}

// SetMetadata sets the metadata reported for job id.
func (f *Fake) SetMetadata(id string, md engine.Metadata) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.metadata[id] = md
}

// FailSubmit makes every Submit return err. A nil err clears it.
func (f *Fake) FailSubmit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submitErr = err
}

// FailStatus makes every Status call return err. A nil err clears it.
func (f *Fake) FailStatus(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statusErr = err
}

// Submitted returns the requests submitted so far.
func (f *Fake) Submitted() []*engine.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*engine.SubmitRequest(nil), f.submitted...)
}

// Aborted returns the IDs of aborted jobs.
func (f *Fake) Aborted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.aborted...)
}

// StatusCalls returns how many status queries were made.
func (f *Fake) StatusCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.statusCalls
}
