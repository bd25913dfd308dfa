package orchestrator

import (
	"fmt"

	"comfyworker/internal/engine"
	"comfyworker/internal/pkg/errors"
)

// State is a step of one submission.
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StatePolling
	StateCompleted
	StateFailed
	StateTransportError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSubmitting:
		return "SUBMITTING"
	case StatePolling:
		return "POLLING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	case StateTransportError:
		return "TRANSPORT_ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTransportError
}

var transitions = map[State]map[State]bool{
	StateIdle: {
		StateSubmitting: true,
	},
	StateSubmitting: {
		StatePolling:        true,
		StateTransportError: true,
	},
	StatePolling: {
		StateCompleted:      true,
		StateFailed:         true,
		StateTransportError: true,
	},
}

// machine tracks one submission: the orchestrator state and the job
// status derived from it.
type machine struct {
	state  State
	status engine.JobStatus
	trace  []State
}

func newMachine() *machine {
	return &machine{state: StateIdle, status: engine.JobQueued, trace: []State{StateIdle}}
}

func (m *machine) to(next State) error {
	if !transitions[m.state][next] {
		return errors.Newf(errors.CodeInternal, "invalid orchestrator transition from %s to %s", m.state, next)
	}
	m.state = next
	m.trace = append(m.trace, next)
	return nil
}

func (m *machine) setStatus(next engine.JobStatus) error {
	if m.status == next {
		return nil
	}
	if err := engine.ValidateTransition(m.status, next); err != nil {
		return errors.Wrap(err, "orchestrator.status", "invalid job status change")
	}
	m.status = next
	return nil
}
