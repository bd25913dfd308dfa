package main

import (
	"context"
	"errors"
	"flag"
	"time"

	"comfyworker/internal/app"
	"comfyworker/internal/config"
	"comfyworker/internal/pkg/logger"
	"comfyworker/internal/pkg/shutdown"
	"comfyworker/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault().LogFatal("failed to load configuration", err)
	}

	log := app.NewLogger(cfg)
	if cfg.Queue.RedisAddr == "" {
		log.LogFatal("missing required configuration", errors.New("REDIS_ADDR is not set"))
	}

	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	a, err := app.Build(context.Background(), cfg, log, shutdownMgr)
	if err != nil {
		log.LogFatal("failed to initialize", err)
	}

	ctx := shutdownMgr.Context()
	stopped := make(chan struct{})
	shutdownMgr.Register("worker", func(sctx context.Context) error {
		select {
		case <-stopped:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	})

	go func() {
		defer close(stopped)
		log.Info("comfyworker worker started", "queue", cfg.Queue.Name, "engine", cfg.Engine.BaseURL)
		err := worker.Run(ctx, worker.Deps{
			Queue:         a.Queue,
			Handler:       a.Handler,
			Engine:        a.Engine,
			Log:           log,
			ReadyInterval: cfg.Engine.ReadyInterval,
			JobTimeout:    cfg.Queue.JobTimeout,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("worker stopped", "error", err.Error())
			shutdownMgr.Trigger()
		}
	}()

	shutdownMgr.Wait()
}
