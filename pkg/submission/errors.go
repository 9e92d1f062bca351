package submission

import (
	"fmt"
)

// NotFoundError is returned when a referenced entity does not exist.
type NotFoundError struct {
	Kind string
	ID   string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// DuplicateNameError is returned when a name is already taken.
type DuplicateNameError struct {
	Kind string
	Name string
	Err  error
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("%s name %q already exists", e.Kind, e.Name)
}

func (e *DuplicateNameError) Unwrap() error { return e.Err }

// FetchError is returned when a workflow document or archive could not
// be retrieved.
type FetchError struct {
	Location string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.Location, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// CombineError is returned when workflow documents could not be parsed
// or merged.
type CombineError struct {
	Reason string
	Err    error
}

func (e *CombineError) Error() string {
	return "combining workflows: " + e.Reason
}

func (e *CombineError) Unwrap() error { return e.Err }

// SubmissionError is returned when the engine rejected a job, could not
// be reached, or the record was not in a submittable state.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submitting to engine: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// PersistenceError is returned when a storage operation failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
