// Package status defines the lifecycle states of runs, report maps and
// software builds, and the mapping from external job statuses onto them.
package status

// Run is the lifecycle state of a Run.
type Run string

const (
	RunCreated  Run = "created"
	RunBuilding Run = "building"

	// Merged mode: one engine job covers both phases.
	RunSubmitted Run = "submitted"
	RunQueued    Run = "queued"
	RunRunning   Run = "running"

	// Split mode: test and eval phases are separate engine jobs.
	RunTestSubmitted Run = "test_submitted"
	RunTestQueued    Run = "test_queued"
	RunTestStarting  Run = "test_starting"
	RunTestRunning   Run = "test_running"
	RunTestSucceeded Run = "test_succeeded"
	RunEvalSubmitted Run = "eval_submitted"
	RunEvalQueued    Run = "eval_queued"
	RunEvalStarting  Run = "eval_starting"
	RunEvalRunning   Run = "eval_running"

	RunAborting Run = "aborting"

	RunSucceeded    Run = "succeeded"
	RunCarrotFailed Run = "carrot_failed"
	RunBuildFailed  Run = "build_failed"
	RunTestFailed   Run = "test_failed"
	RunEvalFailed   Run = "eval_failed"
	RunTestAborted  Run = "test_aborted"
	RunEvalAborted  Run = "eval_aborted"
	RunAborted      Run = "aborted"
)

// terminalRank is shared by every terminal state of every kind.
const terminalRank = 1000

var runRanks = map[Run]int{
	RunCreated:       0,
	RunBuilding:      1,
	RunSubmitted:     2,
	RunQueued:        3,
	RunRunning:       4,
	RunTestSubmitted: 5,
	RunTestQueued:    6,
	RunTestStarting:  7,
	RunTestRunning:   8,
	RunTestSucceeded: 9,
	RunEvalSubmitted: 10,
	RunEvalQueued:    11,
	RunEvalStarting:  12,
	RunEvalRunning:   13,
	RunAborting:      100,
	RunSucceeded:     terminalRank,
	RunCarrotFailed:  terminalRank,
	RunBuildFailed:   terminalRank,
	RunTestFailed:    terminalRank,
	RunEvalFailed:    terminalRank,
	RunTestAborted:   terminalRank,
	RunEvalAborted:   terminalRank,
	RunAborted:       terminalRank,
}

// String returns the string representation of the run status.
func (s Run) String() string {
	return string(s)
}

// Valid reports whether s is a known run status.
func (s Run) Valid() bool {
	_, ok := runRanks[s]

	return ok
}

// IsTerminal returns true if the run is in a final state.
func (s Run) IsTerminal() bool {
	return runRanks[s] == terminalRank
}

// IsFailure returns true for every terminal state other than success.
func (s Run) IsFailure() bool {
	return s.IsTerminal() && s != RunSucceeded
}

// CanTransitionTo returns true if moving from the current state to next
// moves the run forward. Terminal states are never left, and a run that
// is aborting may only finish.
func (s Run) CanTransitionTo(next Run) bool {
	return canAdvance(runRanks, s, next, s == RunAborting)
}

// ReportMap is the lifecycle state of a report generated for a run or
// run group.
type ReportMap string

const (
	ReportCreated   ReportMap = "created"
	ReportSubmitted ReportMap = "submitted"
	ReportRunning   ReportMap = "running"
	ReportSucceeded ReportMap = "succeeded"
	ReportFailed    ReportMap = "failed"
)

var reportRanks = map[ReportMap]int{
	ReportCreated:   0,
	ReportSubmitted: 1,
	ReportRunning:   2,
	ReportSucceeded: terminalRank,
	ReportFailed:    terminalRank,
}

// String returns the string representation of the report status.
func (s ReportMap) String() string {
	return string(s)
}

// IsTerminal returns true if the report is in a final state.
func (s ReportMap) IsTerminal() bool {
	return reportRanks[s] == terminalRank
}

// CanTransitionTo returns true if moving from the current state to next
// moves the report forward.
func (s ReportMap) CanTransitionTo(next ReportMap) bool {
	return canAdvance(reportRanks, s, next, false)
}

// Build is the lifecycle state of a software build.
type Build string

const (
	BuildCreated   Build = "created"
	BuildSubmitted Build = "submitted"
	BuildStarting  Build = "starting"
	BuildRunning   Build = "running"
	BuildSucceeded Build = "succeeded"
	BuildFailed    Build = "failed"
	BuildAborted   Build = "aborted"
)

var buildRanks = map[Build]int{
	BuildCreated:   0,
	BuildSubmitted: 1,
	BuildStarting:  2,
	BuildRunning:   3,
	BuildSucceeded: terminalRank,
	BuildFailed:    terminalRank,
	BuildAborted:   terminalRank,
}

// String returns the string representation of the build status.
func (s Build) String() string {
	return string(s)
}

// IsTerminal returns true if the build is in a final state.
func (s Build) IsTerminal() bool {
	return buildRanks[s] == terminalRank
}

// CanTransitionTo returns true if moving from the current state to next
// moves the build forward.
func (s Build) CanTransitionTo(next Build) bool {
	return canAdvance(buildRanks, s, next, false)
}

func canAdvance[S comparable](ranks map[S]int, from, to S, finishOnly bool) bool {
	fromRank, ok := ranks[from]
	if !ok {
		return false
	}

	toRank, ok := ranks[to]
	if !ok || from == to || fromRank == terminalRank {
		return false
	}

	if toRank == terminalRank {
		return true
	}

	return !finishOnly && toRank > fromRank
}
