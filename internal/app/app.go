// Package app assembles the extraction services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/chunk-extractor/config"
	"github.com/feichai0017/chunk-extractor/internal/agent"
	"github.com/feichai0017/chunk-extractor/internal/service/chunking"
	"github.com/feichai0017/chunk-extractor/internal/service/document"
	"github.com/feichai0017/chunk-extractor/internal/service/extraction"
	"github.com/feichai0017/chunk-extractor/internal/service/progress"
	"github.com/feichai0017/chunk-extractor/internal/utils/validator"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
	"github.com/feichai0017/chunk-extractor/pkg/queue"
	"github.com/feichai0017/chunk-extractor/pkg/storage"
	"github.com/feichai0017/chunk-extractor/pkg/worker"
)

type App struct {
	Config  *config.Config
	Redis   redis.UniversalClient
	Ledger  *progress.Ledger
	Mirror  *progress.RedisMirror
	Queue   *queue.AsynqQueue
	Service *document.DocumentService

	closers []io.Closer
	logger  logger.Logger
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg config.LogConfig, name string) (logger.Logger, error) {
	return logger.NewLogger(
		logger.WithLevel(cfg.Level),
		logger.WithEncoding(cfg.Encoding),
		logger.WithOutputPaths(cfg.OutputPaths),
		logger.WithInitialFields(map[string]interface{}{"service": name}),
	)
}

// New connects to Redis, storage and the extraction provider and wires the
// document service.
func New(ctx context.Context, cfg *config.Config, log logger.Logger) (*App, error) {
	a := &App{Config: cfg, logger: log}

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, a.Redis)
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ledgerOpts := progress.Options{
		Retention:       cfg.Progress.Retention,
		CleanupInterval: cfg.Progress.CleanupInterval,
	}
	a.Mirror = progress.NewRedisMirror(a.Redis, cfg.Progress.Retention)
	if cfg.Progress.MirrorToRedis {
		ledgerOpts.Mirror = a.Mirror
	}
	a.Ledger = progress.NewLedger(ledgerOpts, log)

	store, err := storage.NewStorage(ctx, cfg.Storage, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	backend, err := agent.NewBackend(ctx, cfg.Extraction, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	if c, ok := backend.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	client := extraction.NewClient(backend, extraction.NewGate(cfg.Extraction.GateSize), extraction.Options{
		MaxAttempts:    cfg.Extraction.MaxAttempts,
		AttemptTimeout: cfg.Extraction.AttemptTimeout,
		Policy:         Policy(cfg.Extraction),
	}, log)

	a.Queue = queue.NewAsynqQueue(cfg.Queue, cfg.Redis, a.Redis)
	a.closers = append(a.closers, a.Queue)

	planner := chunking.NewPlanner(chunking.Options{
		PagesPerChunk:   cfg.Chunking.PagesPerChunk,
		PageThreshold:   cfg.Chunking.PageThreshold,
		SizeThresholdMB: cfg.Chunking.SizeThresholdMB,
	}, log)
	docValidator := validator.NewDocumentValidator(log, &validator.ValidatorConfig{
		MaxFileSize:  int64(cfg.Upload.MaxFileSizeMB) << 20,
		AllowedTypes: validator.DefaultConfig().AllowedTypes,
		MaxPageCount: cfg.Upload.MaxPages,
	})

	a.Service = document.NewService(
		agent.NewProcessorFactory(log),
		docValidator,
		planner,
		a.Ledger,
		client,
		a.Queue,
		store,
		log,
		document.ServiceConfig{
			UploadPrefix:    cfg.Storage.UploadPrefix,
			ResultPrefix:    cfg.Storage.ResultPrefix,
			RetentionPeriod: cfg.Storage.Retention(),
			CleanupPeriod:   cfg.Queue.CleanupPeriod,
			Coordinator:     document.CoordinatorOptions{WorkerConcurrency: cfg.Coordinator.WorkerConcurrency},
		},
	)
	return a, nil
}

// Policy converts the configured backoff schedules. Unset classes keep
// their defaults.
func Policy(cfg config.ExtractionConfig) extraction.Policy {
	p := extraction.DefaultPolicy()
	set := func(dst *extraction.Backoff, src config.ClassBackoff) {
		if src.Unit > 0 {
			dst.Unit = src.Unit
		}
		if src.Cap > 0 {
			dst.Cap = src.Cap
		}
	}
	set(&p.Timeout, cfg.Backoff.Timeout)
	set(&p.RateLimit, cfg.Backoff.RateLimit)
	set(&p.Transient, cfg.Backoff.Transient)
	if cfg.MaxJitter > 0 {
		p.MaxJitter = cfg.MaxJitter
	}
	return p
}

// Run starts the ledger sweeper and storage cleanup; both stop with ctx.
func (a *App) Run(ctx context.Context) {
	go a.Ledger.Run(ctx)
	go a.Service.RunCleanup(ctx)
}

func (a *App) NewWorker() *worker.DocumentWorker {
	return worker.NewDocumentWorker(a.Config.Queue, a.Config.Redis, a.Config.Server.ShutdownTimeout, a.Service, a.logger)
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
