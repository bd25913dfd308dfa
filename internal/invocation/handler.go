// Package invocation is the worker's entry point: it validates one event,
// runs it through preparation, orchestration and assembly, and maps the
// outcome to the response contract.
package invocation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"comfyworker/internal/assembler"
	"comfyworker/internal/engine"
	"comfyworker/internal/metrics"
	"comfyworker/internal/orchestrator"
	"comfyworker/internal/pkg/errors"
	"comfyworker/internal/pkg/logger"
	"comfyworker/internal/workflow"
)

const ImagesFormat = "webp"

type Preparer interface {
	Prepare(ctx context.Context, workflowName string, params json.RawMessage) (workflow.Payload, error)
}

// WorkflowCatalog is implemented by preparers that can tell whether a
// named workflow exists before preparing it.
type WorkflowCatalog interface {
	HasWorkflow(ctx context.Context, name string) bool
}

type Runner interface {
	Run(ctx context.Context, payload workflow.Payload) (*orchestrator.Result, error)
}

type Assembler interface {
	Assemble(ctx context.Context, m engine.Manifest) (*assembler.Result, error)
}

type Handler struct {
	preparer  Preparer
	runner    Runner
	assembler Assembler
	log       *logger.Logger
	metrics   *metrics.Metrics
}

func NewHandler(p Preparer, r Runner, a Assembler, log *logger.Logger, m *metrics.Metrics) *Handler {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Handler{
		preparer:  p,
		runner:    r,
		assembler: a,
		log:       log.WithComponent("invocation"),
		metrics:   m,
	}
}

// Handle runs one event to completion. It never returns an error: every
// failure is logged with the job id and encoded in the Response.
func (h *Handler) Handle(ctx context.Context, ev Event) (resp Response) {
	ctx = logger.ContextWithJobID(ctx, ev.ID)
	log := h.log.FromContext(ctx)
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			err := errors.Newf(errors.CodeInternal, "unexpected failure: %v", rec)
			log.Error("invocation panicked", "panic", fmt.Sprint(rec), "stack", err.StackTrace())
			resp = failureResponse(err)
		}
		outcome := "SUCCESS"
		if resp.Failed() {
			outcome = string(resp.Code)
		}
		h.metrics.Invocation(outcome)
		log.Info("invocation finished", "outcome", outcome, "duration_ms", time.Since(start).Milliseconds())
	}()

	var known func(string) bool
	if c, ok := h.preparer.(WorkflowCatalog); ok {
		known = func(name string) bool { return c.HasWorkflow(ctx, name) }
	}
	in, err := ParseInput(ev.Input, known)
	if err != nil {
		return h.fail(ctx, "invalid input", err)
	}
	log.Info("workflow", "workflow", in.Workflow)

	payload, err := h.preparer.Prepare(ctx, in.Workflow, in.Payload)
	if err != nil {
		return h.fail(ctx, "unable to prepare workflow payload for: "+in.Workflow, err)
	}

	res, err := h.runner.Run(ctx, payload)
	if err != nil {
		return h.fail(ctx, "prompt did not complete", err)
	}

	out, err := h.assembler.Assemble(ctx, res.Outputs)
	if err != nil {
		return h.fail(ctx, "failed to collect outputs", err)
	}

	return Response{
		Callback: in.Callback,
		Images:   out.Images,
		Texts:    out.Texts,
		Objects:  out.Objects,
	}
}

func (h *Handler) fail(ctx context.Context, msg string, err error) Response {
	resp := failureResponse(err)
	h.log.LogError(ctx, msg, err, "code", string(resp.Code))
	return resp
}

// failureResponse maps err to one of the failure shapes: {error} for bad
// input, {error, output} for a rejected submission and {error,
// refresh_worker} for everything else.
func failureResponse(err error) Response {
	code := errors.GetCode(err)

	if code == errors.CodeValidation {
		return Response{Error: reason(err), Code: code}
	}

	var f *orchestrator.Failure
	if errors.As(err, &f) && f.HTTP != nil {
		return Response{
			Error:     f.HTTP.Error(),
			Output:    f.HTTP.Body,
			HasOutput: true,
			Code:      code,
		}
	}

	return Response{Error: reason(err), RefreshWorker: true, Code: code}
}

// reason is the caller-facing text of err, without operation names or
// codes.
func reason(err error) string {
	var f *orchestrator.Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	var e *errors.Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	return err.Error()
}
