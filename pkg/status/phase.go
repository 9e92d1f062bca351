package status

import (
	"fmt"
	"strings"
)

// Phase is the engine-agnostic state of one external job.
type Phase string

const (
	PhaseSubmitted Phase = "submitted"
	PhaseQueued    Phase = "queued"
	PhaseStarting  Phase = "starting"
	PhaseRunning   Phase = "running"
	PhaseAborting  Phase = "aborting"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseAborted   Phase = "aborted"
)

var phases = map[Phase]struct{}{
	PhaseSubmitted: {},
	PhaseQueued:    {},
	PhaseStarting:  {},
	PhaseRunning:   {},
	PhaseAborting:  {},
	PhaseSucceeded: {},
	PhaseFailed:    {},
	PhaseAborted:   {},
}

// IsTerminal returns true if the external job has finished.
func (p Phase) IsTerminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed || p == PhaseAborted
}

// Mapper translates an external system's status vocabulary into phases.
type Mapper struct {
	table map[string]Phase
}

// NewMapper builds a Mapper from a table of external status to phase
// name. External statuses are matched case-insensitively.
func NewMapper(table map[string]string) (*Mapper, error) {
	m := &Mapper{table: make(map[string]Phase, len(table))}

	for external, phase := range table {
		p := Phase(strings.ToLower(strings.TrimSpace(phase)))
		if _, ok := phases[p]; !ok {
			return nil, fmt.Errorf("status %q maps to unknown phase %q", external, phase)
		}

		m.table[normalize(external)] = p
	}

	return m, nil
}

// Map returns the phase for an external status.
func (m *Mapper) Map(external string) (Phase, bool) {
	p, ok := m.table[normalize(external)]

	return p, ok
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// RunForPhase returns the run status that an external job in phase p
// implies. split selects the split-mode vocabulary and eval selects the
// eval job of a split run. Terminal failures of a merged job are
// reported as test-phase failures; callers refine them with call-level
// metadata. The second return value is false for phases that do not
// move a run (aborting).
func RunForPhase(p Phase, split, eval bool) (Run, bool) {
	if !split {
		switch p {
		case PhaseSubmitted:
			return RunSubmitted, true
		case PhaseQueued:
			return RunQueued, true
		case PhaseStarting, PhaseRunning:
			return RunRunning, true
		case PhaseSucceeded:
			return RunSucceeded, true
		case PhaseFailed:
			return RunTestFailed, true
		case PhaseAborted:
			return RunTestAborted, true
		}

		return "", false
	}

	if eval {
		switch p {
		case PhaseSubmitted:
			return RunEvalSubmitted, true
		case PhaseQueued:
			return RunEvalQueued, true
		case PhaseStarting:
			return RunEvalStarting, true
		case PhaseRunning:
			return RunEvalRunning, true
		case PhaseSucceeded:
			return RunSucceeded, true
		case PhaseFailed:
			return RunEvalFailed, true
		case PhaseAborted:
			return RunEvalAborted, true
		}

		return "", false
	}

	switch p {
	case PhaseSubmitted:
		return RunTestSubmitted, true
	case PhaseQueued:
		return RunTestQueued, true
	case PhaseStarting:
		return RunTestStarting, true
	case PhaseRunning:
		return RunTestRunning, true
	case PhaseSucceeded:
		return RunTestSucceeded, true
	case PhaseFailed:
		return RunTestFailed, true
	case PhaseAborted:
		return RunTestAborted, true
	}

	return "", false
}

// ReportForPhase returns the report status implied by phase p.
func ReportForPhase(p Phase) (ReportMap, bool) {
	switch p {
	case PhaseSubmitted, PhaseQueued:
		return ReportSubmitted, true
	case PhaseStarting, PhaseRunning:
		return ReportRunning, true
	case PhaseSucceeded:
		return ReportSucceeded, true
	case PhaseFailed, PhaseAborted:
		return ReportFailed, true
	}

	return "", false
}

// BuildForPhase returns the build status implied by phase p.
func BuildForPhase(p Phase) (Build, bool) {
	switch p {
	case PhaseSubmitted, PhaseQueued:
		return BuildSubmitted, true
	case PhaseStarting:
		return BuildStarting, true
	case PhaseRunning:
		return BuildRunning, true
	case PhaseSucceeded:
		return BuildSucceeded, true
	case PhaseFailed:
		return BuildFailed, true
	case PhaseAborted:
		return BuildAborted, true
	}

	return "", false
}
