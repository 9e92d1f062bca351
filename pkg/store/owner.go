package store

import (
	"fmt"

	"github.com/google/uuid"
)

// OwnerKind discriminates the owner of a report map in storage.
type OwnerKind string

const (
	OwnerKindRun      OwnerKind = "run"
	OwnerKindRunGroup OwnerKind = "run_group"
)

// Owner is the entity a report is generated for: either a RunOwner or a
// RunGroupOwner. Dispatch with a type switch.
type Owner interface {
	Kind() OwnerKind
	EntityID() uuid.UUID

	owner()
}

// RunOwner is a report owner that is a single run.
type RunOwner struct {
	ID uuid.UUID
}

// Kind returns OwnerKindRun.
func (RunOwner) Kind() OwnerKind { return OwnerKindRun }

// EntityID returns the run ID.
func (o RunOwner) EntityID() uuid.UUID { return o.ID }

func (RunOwner) owner() {}

// RunGroupOwner is a report owner that is a group of runs.
type RunGroupOwner struct {
	ID uuid.UUID
}

// Kind returns OwnerKindRunGroup.
func (RunGroupOwner) Kind() OwnerKind { return OwnerKindRunGroup }

// EntityID returns the run group ID.
func (o RunGroupOwner) EntityID() uuid.UUID { return o.ID }

func (RunGroupOwner) owner() {}

// ParseOwnerKind converts a stored or user supplied kind into an Owner.
func ParseOwnerKind(kind string, id uuid.UUID) (Owner, error) {
	return ownerFrom(OwnerKind(kind), id)
}

func ownerFrom(kind OwnerKind, id uuid.UUID) (Owner, error) {
	switch kind {
	case OwnerKindRun:
		return RunOwner{ID: id}, nil
	case OwnerKindRunGroup:
		return RunGroupOwner{ID: id}, nil
	default:
		return nil, fmt.Errorf("unknown report owner kind %q", kind)
	}
}
