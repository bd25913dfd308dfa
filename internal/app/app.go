// Package app builds the invocation pipeline and its dependencies from
// configuration. Both binaries start here.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"comfyworker/internal/assembler"
	"comfyworker/internal/config"
	"comfyworker/internal/engine"
	"comfyworker/internal/invocation"
	"comfyworker/internal/metrics"
	"comfyworker/internal/objectstore"
	"comfyworker/internal/orchestrator"
	"comfyworker/internal/pkg/logger"
	"comfyworker/internal/pkg/shutdown"
	"comfyworker/internal/ports"
	"comfyworker/internal/repositories"
	"comfyworker/internal/storage"
	"comfyworker/internal/worker/queue"
	"comfyworker/internal/workflow"
)

type App struct {
	Config   *config.Config
	Log      *logger.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Engine    *engine.Client
	Gateway   *objectstore.Gateway
	Handler   *invocation.Handler
	Templates *repositories.TemplateRepository

	Pool  *pgxpool.Pool
	Redis *redis.Client
	Queue *queue.RedisQueue
}

// NewLogger builds the process logger, with the remote sink when
// LOG_API_ENDPOINT is set.
func NewLogger(cfg *config.Config) *logger.Logger {
	return logger.New(logger.Config{
		Level:         cfg.Log.Level,
		Format:        cfg.Log.Format,
		AddSource:     cfg.Log.Source,
		ServiceName:   cfg.Log.ServiceName,
		MaxMessageLen: cfg.Log.MaxLen,
		Sink: logger.SinkConfig{
			Endpoint: cfg.Log.APIEndpoint,
			Token:    cfg.Log.APIToken,
			Timeout:  cfg.Log.APITimeout,
			AppName:  cfg.Log.ServiceName,
			Host:     config.HostMetadata(),
		},
	})
}

// Build connects every configured dependency and assembles the handler.
// Connections are registered on sm for closing. Postgres and Redis are
// optional: without DATABASE_URL templates come from TEMPLATES_DIR only,
// and without REDIS_ADDR there is no queue.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger, sm *shutdown.Manager) (*App, error) {
	a := &App{Config: cfg, Log: log}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	// A configured store that cannot be reached disables storage; only a
	// provider name with no backend stops the process.
	backend, err := storage.NewBackend(ctx, cfg)
	switch {
	case errors.Is(err, storage.ErrUnknownProvider):
		return nil, err
	case err != nil:
		log.Warn("object store unavailable, storage disabled",
			"provider", cfg.Storage.Provider,
			"credentials_unavailable", errors.Is(err, ports.ErrCredentialsUnavailable),
			"error", err.Error())
		backend = nil
	}
	a.Gateway = objectstore.NewGateway(backend, log, a.Metrics)
	log.Info("object store ready", "provider", a.Gateway.Provider())

	a.Engine = engine.NewClient(engine.Options{
		BaseURL:      cfg.Engine.BaseURL,
		Timeout:      cfg.Engine.RequestTimeout,
		RetryMax:     cfg.Engine.RetryMax,
		RetryWaitMin: cfg.Engine.RetryWaitMin,
		RetryWaitMax: cfg.Engine.RetryWaitMax,
		Logger:       log,
	})

	sources := workflow.Sources{}
	if cfg.Database.URL != "" {
		if err := a.connectPostgres(ctx, sm); err != nil {
			return nil, err
		}
		sources = append(sources, a.Templates)
	}
	sources = append(sources, workflow.FileTemplates{Dir: cfg.Templates.Dir})

	if cfg.Queue.RedisAddr != "" {
		if err := a.connectRedis(ctx, sm); err != nil {
			return nil, err
		}
	}

	orch := orchestrator.New(a.Engine, log, a.Metrics, orchestrator.Options{
		PollInterval: cfg.Engine.PollInterval,
	})
	asm := assembler.New(assembler.Options{
		OutputDir:   cfg.Engine.OutputDir,
		RemoteDir:   cfg.S3.OutputDir,
		Gateway:     a.Gateway,
		Stage:       cfg.Stage.Outputs,
		StagePrefix: cfg.Stage.Prefix,
		StageURLTTL: cfg.Stage.URLTTL,
		Allocator:   objectstore.NewAllocator(a.Gateway, cfg.S3.OutputDir),
		Logger:      log,
		Metrics:     a.Metrics,
	})
	prep := workflow.NewPreparer(sources)
	if a.Gateway.Enabled() {
		prep.WithInputs(&workflow.InputStager{
			Store:     a.Gateway,
			RemoteDir: cfg.S3.InputDir,
			LocalDir:  cfg.Engine.InputDir,
		})
	}
	a.Handler = invocation.NewHandler(prep, orch, asm, log, a.Metrics)
	return a, nil
}

func (a *App) connectPostgres(ctx context.Context, sm *shutdown.Manager) error {
	a.Log.Info("connecting to PostgreSQL")
	pool, err := pgxpool.New(ctx, a.Config.Database.URL)
	if err != nil {
		return err
	}
	sm.RegisterSimple("postgres", pool.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return err
	}

	a.Pool = pool
	a.Templates = repositories.NewTemplateRepository(pool)
	if err := a.Templates.EnsureSchema(ctx); err != nil {
		return err
	}
	a.Log.Info("PostgreSQL connected")
	return nil
}

func (a *App) connectRedis(ctx context.Context, sm *shutdown.Manager) error {
	a.Log.Info("connecting to Redis")
	rdb := redis.NewClient(&redis.Options{Addr: a.Config.Queue.RedisAddr})
	sm.Register("redis", func(context.Context) error { return rdb.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return err
	}

	a.Redis = rdb
	a.Queue = queue.NewRedisQueue(rdb, a.Config.Queue.Name, a.Config.Queue.ResultTTL)
	a.Log.Info("Redis connected", "queue", a.Config.Queue.Name)
	return nil
}
