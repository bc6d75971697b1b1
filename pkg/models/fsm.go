package models

import "fmt"

// validTransitions maps from-state to allowed to-states for flywheel jobs.
// Failed is reachable from every non-terminal state; canceled from every
// non-terminal state via user cancel. Completed and failed are terminal:
// a failed job is never resumed, resubmission creates a new job.
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusCreated: {
		JobStatusLoadingData: true,
		JobStatusFailed:      true,
		JobStatusCanceled:    true,
	},
	JobStatusLoadingData: {
		JobStatusBaselineEval: true,
		JobStatusFailed:       true,
		JobStatusCanceled:     true,
	},
	JobStatusBaselineEval: {
		JobStatusRunningCandidates: true,
		JobStatusFailed:            true,
		JobStatusCanceled:          true,
	},
	JobStatusRunningCandidates: {
		JobStatusAggregating: true,
		JobStatusFailed:      true,
		JobStatusCanceled:    true,
	},
	JobStatusAggregating: {
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusCanceled:  true,
	},
	// Terminal states
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCanceled:  {},
}

// ValidateTransition checks if a job state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the job state admits no further transitions
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed || state == JobStatusCanceled
}

// IsCandidateTerminal returns true once a candidate sub-pipeline has reached
// a terminal sub-state. Aggregation only starts after every candidate is
// terminal.
func IsCandidateTerminal(state CandidateStatus) bool {
	return state == CandidateStatusCompleted || state == CandidateStatusFailed
}
