package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/chunk-extractor/config"
	"github.com/feichai0017/chunk-extractor/internal/models"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
	"github.com/feichai0017/chunk-extractor/pkg/queue"
)

// DocumentHandler runs one extraction task to completion.
type DocumentHandler interface {
	HandleDocument(ctx context.Context, task *queue.Task) error
}

type DocumentWorker struct {
	BaseWorker
	handler DocumentHandler
}

func NewDocumentWorker(cfg config.QueueConfig, redisCfg config.RedisConfig, shutdownTimeout time.Duration, handler DocumentHandler, log logger.Logger) *DocumentWorker {
	log = log.Named("worker")
	server := asynq.NewServer(queue.RedisOpt(redisCfg), asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          cfg.Queues,
		ShutdownTimeout: shutdownTimeout,
		Logger:          asynqLogger{l: log},
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			return time.Duration(n) * time.Minute
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			log.Error("task failed", logger.String("task_id", id), logger.String("type", task.Type()), logger.Error(err))
		}),
	})

	w := &DocumentWorker{
		BaseWorker: BaseWorker{
			server: server,
			mux:    asynq.NewServeMux(),
			logger: log,
		},
		handler: handler,
	}
	w.mux.HandleFunc(queue.TaskTypeDocumentExtract, w.handleDocumentExtract)
	return w
}

func (w *DocumentWorker) handleDocumentExtract(ctx context.Context, t *asynq.Task) error {
	var task queue.Task
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("failed to unmarshal task: %v: %w", err, asynq.SkipRetry)
	}
	if task.ID == "" || task.ObjectKey == "" {
		return fmt.Errorf("invalid task data: missing id or object key: %w", asynq.SkipRetry)
	}

	ctx = logger.WithDocumentID(ctx, task.ID)
	if id, ok := asynq.GetTaskID(ctx); ok {
		ctx = logger.WithTaskID(ctx, id)
	}
	log := logger.FromContext(ctx, w.logger)
	log.Info("processing document",
		logger.String("file_name", task.FileName),
		logger.Int64("file_size", task.FileSize),
	)

	writeResult(log, t, map[string]any{"status": "processing"})

	err := w.handler.HandleDocument(ctx, &task)
	switch {
	case err == nil:
		writeResult(log, t, map[string]any{"status": "done"})
		return nil
	case errors.Is(err, models.ErrInvalidDocument), errors.Is(err, models.ErrAlreadyInitialized):
		writeResult(log, t, map[string]any{"status": "rejected", "error": err.Error()})
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		writeResult(log, t, map[string]any{"status": "failed", "error": err.Error()})
		return err
	}
}

func writeResult(log logger.Logger, t *asynq.Task, v map[string]any) {
	rw := t.ResultWriter()
	if rw == nil {
		return
	}
	data, _ := json.Marshal(v)
	if _, err := rw.Write(data); err != nil {
		log.Warn("failed to write task result", logger.Error(err))
	}
}
