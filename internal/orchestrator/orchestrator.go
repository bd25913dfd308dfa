// Package orchestrator submits a prepared graph to the engine, polls until
// the engine reports a terminal status and classifies the outcome.
package orchestrator

import (
	"context"
	"time"

	"comfyworker/internal/engine"
	"comfyworker/internal/metrics"
	"comfyworker/internal/pkg/errors"
	"comfyworker/internal/pkg/logger"
	"comfyworker/internal/workflow"
)

const defaultHeartbeatEvery = 30

// Engine is the part of the engine client the orchestrator drives.
type Engine interface {
	Submit(ctx context.Context, prompt any) (string, error)
	History(ctx context.Context, promptID string) (*engine.HistoryEntry, bool, error)
}

type Options struct {
	PollInterval time.Duration
	// HeartbeatEvery logs a status line on the first poll and then every
	// HeartbeatEvery polls.
	HeartbeatEvery int
}

type Orchestrator struct {
	engine    Engine
	log       *logger.Logger
	metrics   *metrics.Metrics
	interval  time.Duration
	heartbeat int
}

func New(eng Engine, log *logger.Logger, m *metrics.Metrics, opts Options) *Orchestrator {
	if log == nil {
		log = logger.NewDefault()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = defaultHeartbeatEvery
	}
	return &Orchestrator{
		engine:    eng,
		log:       log.WithComponent("orchestrator"),
		metrics:   m,
		interval:  opts.PollInterval,
		heartbeat: opts.HeartbeatEvery,
	}
}

// Result is a completed prompt.
type Result struct {
	PromptID string
	Outputs  engine.Manifest
	Polls    int
	Status   engine.JobStatus
	Trace    []State
}

// Failure is a submission that ended in Failed or TransportError. Err
// always carries a coded error, so errors.GetCode works on a Failure.
type Failure struct {
	State    State
	Status   engine.JobStatus
	Reason   string
	PromptID string
	// HTTP is set when the engine rejected the submission.
	HTTP  *engine.HTTPError
	Trace []State
	Err   error
}

func (f *Failure) Error() string { return f.Reason }
func (f *Failure) Unwrap() error { return f.Err }

// Code returns the failure kind.
func (f *Failure) Code() errors.Code { return errors.GetCode(f.Err) }

// Run drives Idle -> Submitting -> Polling -> {Completed, Failed,
// TransportError}. A nil error means the prompt completed with outputs.
func (o *Orchestrator) Run(ctx context.Context, payload workflow.Payload) (*Result, error) {
	start := time.Now()
	log := o.log.FromContext(ctx)
	m := newMachine()

	res, err := o.run(ctx, m, payload)

	outcome := "SUCCESS"
	if err != nil {
		outcome = string(errors.GetCode(err))
	}
	o.metrics.ObserveDuration(outcome, time.Since(start))
	log.Debug("orchestration finished", "state", m.state.String(), "status", m.status.String(), "duration_ms", time.Since(start).Milliseconds())
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, m *machine, payload workflow.Payload) (*Result, error) {
	log := o.log.FromContext(ctx)

	if err := m.to(StateSubmitting); err != nil {
		return nil, err
	}
	log.Debug("queuing prompt")

	promptID, err := o.engine.Submit(ctx, payload)
	if err != nil {
		return nil, o.submitFailure(ctx, m, err)
	}
	log.Info("prompt queued successfully", "prompt_id", promptID)

	if err := m.to(StatePolling); err != nil {
		return nil, err
	}

	entry, polls, err := o.poll(ctx, m, promptID)
	if err != nil {
		return nil, err
	}

	return o.classify(ctx, m, promptID, entry, polls)
}

func (o *Orchestrator) submitFailure(ctx context.Context, m *machine, err error) error {
	log := o.log.FromContext(ctx)
	if terr := m.to(StateTransportError); terr != nil {
		return terr
	}

	var httpErr *engine.HTTPError
	if errors.As(err, &httpErr) {
		log.Error("engine rejected prompt", "status_code", httpErr.StatusCode, "body", httpErr.Body)
		return &Failure{
			State:  m.state,
			Status: m.status,
			Reason: httpErr.Error(),
			HTTP:   httpErr,
			Trace:  m.trace,
			Err:    errors.WrapWithCode(httpErr, errors.CodeTransport, "orchestrator.submit", "engine rejected prompt"),
		}
	}

	log.Error("failed to submit prompt", "error", err.Error())
	return &Failure{
		State:  m.state,
		Status: m.status,
		Reason: err.Error(),
		Trace:  m.trace,
		Err:    transportCause(err, "orchestrator.submit"),
	}
}

// poll asks for the history record until the engine has one. There is no
// cap on attempts; ctx bounds the wait.
func (o *Orchestrator) poll(ctx context.Context, m *machine, promptID string) (*engine.HistoryEntry, int, error) {
	log := o.log.FromContext(ctx).With("prompt_id", promptID)

	for attempt := 0; ; attempt++ {
		if attempt%o.heartbeat == 0 {
			log.Info("getting status of prompt", "attempt", attempt)
		}
		o.metrics.PollAttempt()

		entry, found, err := o.engine.History(ctx, promptID)
		if err != nil {
			return nil, attempt + 1, o.transportFailure(ctx, m, promptID, err, "orchestrator.poll")
		}
		if found {
			return entry, attempt + 1, nil
		}
		if attempt == 0 {
			if err := m.setStatus(engine.JobRunning); err != nil {
				return nil, attempt + 1, err
			}
		}

		select {
		case <-ctx.Done():
			return nil, attempt + 1, o.transportFailure(ctx, m, promptID, ctx.Err(), "orchestrator.poll")
		case <-time.After(o.interval):
		}
	}
}

func (o *Orchestrator) transportFailure(ctx context.Context, m *machine, promptID string, err error, op string) error {
	if terr := m.to(StateTransportError); terr != nil {
		return terr
	}
	o.log.FromContext(ctx).Error("lost track of prompt", "prompt_id", promptID, "error", err.Error())
	return &Failure{
		State:    m.state,
		Status:   m.status,
		Reason:   err.Error(),
		PromptID: promptID,
		Trace:    m.trace,
		Err:      transportCause(err, op),
	}
}

func (o *Orchestrator) classify(ctx context.Context, m *machine, promptID string, entry *engine.HistoryEntry, polls int) (*Result, error) {
	log := o.log.FromContext(ctx).With("prompt_id", promptID)

	fail := func(code errors.Code, reason string) error {
		if err := m.to(StateFailed); err != nil {
			return err
		}
		if err := m.setStatus(engine.JobFailed); err != nil {
			return err
		}
		return &Failure{
			State:    m.state,
			Status:   m.status,
			Reason:   reason,
			PromptID: promptID,
			Trace:    m.trace,
			Err:      errors.New(code, reason).WithField("prompt_id", promptID),
		}
	}

	if entry.Status.Succeeded() {
		if entry.Outputs.Len() == 0 {
			log.Error("no output found for prompt")
			return nil, fail(errors.CodeUnclassified, "no output found for prompt id: "+promptID)
		}
		if err := m.to(StateCompleted); err != nil {
			return nil, err
		}
		if err := m.setStatus(engine.JobSucceeded); err != nil {
			return nil, err
		}
		log.Info("files generated successfully for prompt", "polls", polls)
		return &Result{
			PromptID: promptID,
			Outputs:  entry.Outputs,
			Polls:    polls,
			Status:   m.status,
			Trace:    m.trace,
		}, nil
	}

	if ee, ok := entry.Status.ExecutionError(); ok {
		log.Error("prompt execution failed", "node_id", ee.NodeID, "node_type", ee.NodeType)
		return nil, fail(errors.CodeExecution, ee.Reason())
	}

	reason := "job did not complete for prompt_id: " + promptID
	log.Error(reason)
	log.Debug("history record", "record", string(entry.Raw))
	return nil, fail(errors.CodeUnclassified, reason)
}

// transportCause keeps the code of an already coded error (timeouts stay
// timeouts) and marks everything else as a transport error.
func transportCause(err error, op string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errors.WrapWithCode(err, errors.CodeTimeout, op, "invocation deadline exceeded")
	case errors.Is(err, context.Canceled):
		return errors.WrapWithCode(err, errors.CodeTransport, op, "invocation canceled")
	}
	var coded *errors.Error
	if errors.As(err, &coded) {
		return errors.Wrap(err, op, "engine request failed")
	}
	return errors.WrapWithCode(err, errors.CodeTransport, op, "engine request failed")
}
