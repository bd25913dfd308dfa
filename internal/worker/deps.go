package worker

import (
	"context"
	"encoding/json"
	"time"

	"comfyworker/internal/invocation"
	"comfyworker/internal/pkg/logger"
	"comfyworker/internal/worker/queue"
)

type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) (*queue.Envelope, error)
	SetStatus(ctx context.Context, id string, status queue.Status, output json.RawMessage) error
}

type Handler interface {
	Handle(ctx context.Context, ev invocation.Event) invocation.Response
}

// Readiness blocks until the engine answers.
type Readiness interface {
	WaitReady(ctx context.Context, interval time.Duration) error
}

type Deps struct {
	Queue   Queue
	Handler Handler
	Engine  Readiness
	Log     *logger.Logger

	ReadyInterval time.Duration
	// JobTimeout bounds one invocation; zero means none.
	JobTimeout time.Duration
	// PopTimeout bounds one BRPOP so cancellation is noticed.
	PopTimeout time.Duration
}
