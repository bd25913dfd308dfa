package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"comfyworker/internal/httpapi/handlers"
	"comfyworker/internal/pkg/logger"
	"comfyworker/internal/pkg/middleware"
)

type Deps struct {
	handlers.Deps
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// RunSyncTimeout bounds /runsync; zero means none.
	RunSyncTimeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))

	h := handlers.New(d.Deps)
	wrap := func(fn middleware.ErrorHandlerFunc) http.HandlerFunc {
		return middleware.WrapHandler(log, fn)
	}

	// ---- HEALTH ----
	r.Get("/health", h.Health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	// ---- INVOCATIONS ----
	r.With(middleware.Deadline(d.RunSyncTimeout)).Post("/runsync", wrap(h.RunSync))
	r.Post("/run", wrap(h.Run))
	r.Get("/status/{id}", wrap(h.Status))

	// ---- TEMPLATES ----
	r.Get("/templates", wrap(h.ListTemplates))
	r.Get("/templates/{name}", wrap(h.GetTemplate))
	r.Put("/templates/{name}", wrap(h.PutTemplate))
	r.Delete("/templates/{name}", wrap(h.DeleteTemplate))

	// ---- OBJECTS ----
	r.Get("/objects", wrap(h.ListObjects))
	r.Get("/objects/url", wrap(h.ObjectURL))

	return r
}
