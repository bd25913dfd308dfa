package engine

import "fmt"

// JobStatus is the lifecycle of a submitted prompt as seen by the worker.
type JobStatus int

const (
	JobQueued JobStatus = iota
	JobRunning
	JobSucceeded
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobQueued:
		return "QUEUED"
	case JobRunning:
		return "RUNNING"
	case JobSucceeded:
		return "SUCCEEDED"
	case JobFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("JobStatus(%d)", int(s))
	}
}

func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	JobQueued: {
		JobRunning:   true,
		JobSucceeded: true,
		JobFailed:    true,
	},
	JobRunning: {
		JobSucceeded: true,
		JobFailed:    true,
	},
}

// CanTransition reports whether s may move to next. Statuses only move
// forward and never leave a terminal status.
func (s JobStatus) CanTransition(next JobStatus) bool {
	return allowedTransitions[s][next]
}

// ValidateTransition is CanTransition with a descriptive error.
func ValidateTransition(from, to JobStatus) error {
	if from.Terminal() {
		return fmt.Errorf("cannot transition from terminal status %s", from)
	}
	if !from.CanTransition(to) {
		return fmt.Errorf("invalid job status transition from %s to %s", from, to)
	}
	return nil
}
