package worker

import (
	"context"
	"encoding/json"
	"time"

	"comfyworker/internal/invocation"
	"comfyworker/internal/pkg/logger"
	"comfyworker/internal/worker/queue"
)

// Run waits for the engine, then handles queued envelopes one at a time
// until ctx is canceled.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	if d.PopTimeout <= 0 {
		d.PopTimeout = 5 * time.Second
	}

	if d.Engine != nil {
		if err := d.Engine.WaitReady(ctx, d.ReadyInterval); err != nil {
			log.Info("worker stopped before the engine was ready")
			return err
		}
		log.Info("engine is reachable")
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("worker context canceled, stopping")
			return ctx.Err()
		default:
		}

		env, err := d.Queue.Pop(ctx, d.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping due to context cancellation")
				return ctx.Err()
			}
			log.Warn("queue pop error, retrying", "error", err.Error())
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if env == nil {
			continue
		}

		process(ctx, d, log, env)
	}
}

func process(ctx context.Context, d Deps, log *logger.Logger, env *queue.Envelope) {
	jobCtx := logger.ContextWithJobID(ctx, env.ID)
	jobLog := log.WithJobID(env.ID)

	if err := d.Queue.SetStatus(jobCtx, env.ID, queue.StatusInProgress, nil); err != nil {
		jobLog.Warn("failed to mark job in progress", "error", err.Error())
	}

	if d.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, d.JobTimeout)
		defer cancel()
	}

	jobLog.Info("processing job")
	start := time.Now()

	resp := d.Handler.Handle(jobCtx, invocation.Event{ID: env.ID, Input: env.Input})

	status := queue.StatusCompleted
	if resp.Failed() {
		status = queue.StatusFailed
	}
	out, err := json.Marshal(resp)
	if err != nil {
		jobLog.Error("failed to encode response", "error", err.Error())
		out, _ = json.Marshal(map[string]any{"error": "failed to encode response", "refresh_worker": true})
		status = queue.StatusFailed
	}

	// The result is stored even when the job context has expired.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.Queue.SetStatus(storeCtx, env.ID, status, out); err != nil {
		jobLog.Error("failed to store job result", "error", err.Error())
	}

	if status == queue.StatusFailed {
		// Transient failures are the engine's or the store's, not the job's.
		logFailure := jobLog.Error
		if resp.Code.Retriable() {
			logFailure = jobLog.Warn
		}
		logFailure("job failed",
			"error", resp.Error,
			"code", string(resp.Code),
			"retriable", resp.Code.Retriable(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}
	jobLog.Info("job completed", "duration_ms", time.Since(start).Milliseconds())
}
