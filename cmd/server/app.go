package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/canvas-engine/internal/canvas"
	"github.com/example/canvas-engine/internal/collab"
	"github.com/example/canvas-engine/internal/config"
	"github.com/example/canvas-engine/internal/entity"
	"github.com/example/canvas-engine/internal/llm"
	"github.com/example/canvas-engine/internal/queue"
)

// app is the wired service graph shared by every subcommand.
type app struct {
	resources   *config.Resources
	sessions    *collab.Manager
	broadcaster *collab.RedisBroadcaster
	jobs        queue.Queue
	entities    *entity.Service
	canvases    *canvas.Service
}

func buildApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	resources, err := config.NewResources(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize resources: %w", err)
	}

	// Every process edits under its own origin so peers can order its updates.
	siteID := fmt.Sprintf("%s-%s", cfg.AppName, uuid.NewString()[:8])
	engine := collab.NewEngine(resources.Objects, siteID, logger)

	opts := []collab.Option{collab.WithLockTTL(cfg.LockTTL)}
	var broadcaster *collab.RedisBroadcaster
	if resources.Redis != nil {
		broadcaster = collab.NewRedisBroadcaster(resources.Redis, siteID, logger)
		opts = append(opts,
			collab.WithLocker(collab.NewRedisLocker(resources.Redis, 0)),
			collab.WithPublisher(broadcaster),
		)
	}
	sessions := collab.NewManager(engine, logger, opts...)

	var jobs queue.Queue
	switch cfg.QueueBackend {
	case config.QueueBackendRedis:
		jobs = queue.NewRedis(resources.Redis)
	default:
		jobs = queue.NewMemory()
	}

	var titles llm.TitleGenerator
	if cfg.LLMAPIKey != "" {
		titles = llm.NewOpenAI(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMDefaultModel, logger)
	} else {
		logger.Warn().Msg("llm.api_key not set; auto-naming disabled")
	}

	entities := entity.NewService(resources.Store, resources.Objects, logger)
	canvases, err := canvas.NewService(canvas.Dependencies{
		Store:    resources.Store,
		Objects:  resources.Objects,
		Index:    resources.Index,
		Sessions: sessions,
		Queue:    jobs,
		Entities: entities,
		Titles:   titles,
		Logger:   logger,
	})
	if err != nil {
		_ = resources.Close()
		return nil, err
	}
	entities.SetRemover(canvases)

	return &app{
		resources:   resources,
		sessions:    sessions,
		broadcaster: broadcaster,
		jobs:        jobs,
		entities:    entities,
		canvases:    canvases,
	}, nil
}

// worker returns a queue worker with every background job registered.
func (a *app) worker(logger zerolog.Logger) *queue.Worker {
	w := queue.NewWorker(a.jobs, logger)
	w.Handle(entity.DeleteJobName, a.entities.HandleDeleteJob)
	a.canvases.RegisterJobs(w)
	return w
}

func (a *app) Close() error {
	return a.resources.Close()
}
