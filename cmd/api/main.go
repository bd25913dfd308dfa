package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"comfyworker/internal/app"
	"comfyworker/internal/config"
	"comfyworker/internal/httpapi"
	"comfyworker/internal/httpapi/handlers"
	"comfyworker/internal/pkg/logger"
	"comfyworker/internal/pkg/shutdown"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault().LogFatal("failed to load configuration", err)
	}

	log := app.NewLogger(cfg)
	log.Info("starting comfyworker API", "engine", cfg.Engine.BaseURL)

	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	a, err := app.Build(context.Background(), cfg, log, shutdownMgr)
	if err != nil {
		log.LogFatal("failed to initialize", err)
	}

	deps := handlers.Deps{
		Invoker: a.Handler,
		Engine:  a.Engine,
		Storage: a.Gateway,
		Log:     log,
		Service: cfg.Log.ServiceName,
	}
	// Typed nils must not reach the handler interfaces.
	if a.Queue != nil {
		deps.Queue = a.Queue
	}
	if a.Templates != nil {
		deps.Templates = a.Templates
	}
	if a.Pool != nil {
		deps.Database = a.Pool
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Deps:           deps,
		Metrics:        a.Metrics.Handler(),
		RunSyncTimeout: cfg.Queue.JobTimeout,
	})

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.HTTP.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", "error", err.Error())
			shutdownMgr.Trigger()
		}
	}()

	shutdownMgr.Wait()
}
