package handlers

import (
	"context"

	"comfyworker/internal/invocation"
	"comfyworker/internal/models"
	"comfyworker/internal/objectstore"
	"comfyworker/internal/pkg/logger"
	"comfyworker/internal/worker/queue"
)

type Invoker interface {
	Handle(ctx context.Context, ev invocation.Event) invocation.Response
}

type JobQueue interface {
	Push(ctx context.Context, env queue.Envelope) error
	Status(ctx context.Context, id string) (*queue.Record, error)
	Ping(ctx context.Context) error
}

type TemplateStore interface {
	Put(ctx context.Context, t *models.WorkflowTemplate) error
	List(ctx context.Context) ([]models.WorkflowTemplate, error)
	Get(ctx context.Context, name string) (*models.WorkflowTemplate, error)
	Delete(ctx context.Context, name string) error
}

type EngineProbe interface {
	Ready(ctx context.Context) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the handlers. Only Invoker is required; routes whose
// dependency is nil answer 503.
type Deps struct {
	Invoker   Invoker
	Queue     JobQueue
	Templates TemplateStore
	Engine    EngineProbe
	Storage   *objectstore.Gateway
	Database  Pinger
	Log       *logger.Logger
	Service   string
}

type Handler struct {
	invoker   Invoker
	queue     JobQueue
	templates TemplateStore
	engine    EngineProbe
	storage   *objectstore.Gateway
	db        Pinger
	log       *logger.Logger
	service   string
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.Service == "" {
		d.Service = "comfyworker"
	}
	return &Handler{
		invoker:   d.Invoker,
		queue:     d.Queue,
		templates: d.Templates,
		engine:    d.Engine,
		storage:   d.Storage,
		db:        d.Database,
		log:       log.WithComponent("httpapi"),
		service:   d.Service,
	}
}
