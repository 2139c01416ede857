package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/chunk-extractor/internal/agent"
	"github.com/feichai0017/chunk-extractor/internal/models"
	"github.com/feichai0017/chunk-extractor/internal/service/chunking"
	"github.com/feichai0017/chunk-extractor/internal/service/progress"
	"github.com/feichai0017/chunk-extractor/internal/utils/validator"
	"github.com/feichai0017/chunk-extractor/pkg/converters"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
	"github.com/feichai0017/chunk-extractor/pkg/queue"
	"github.com/feichai0017/chunk-extractor/pkg/storage"
)

type ServiceConfig struct {
	UploadPrefix    string
	ResultPrefix    string
	QueuePriority   int
	RetentionPeriod time.Duration
	CleanupPeriod   time.Duration
	Coordinator     CoordinatorOptions
}

// DocumentService accepts uploads, runs queued documents through the
// coordinator and stores their results.
type DocumentService struct {
	processorFactory *agent.ProcessorFactory
	validator        *validator.DocumentValidator
	coordinator      *Coordinator
	ledger           *progress.Ledger
	queue            queue.Queue
	storage          storage.Storage
	converter        *converters.JSONConverter
	logger           logger.Logger
	config           ServiceConfig

	// metadata of documents being processed, read when the result arrives
	inflight sync.Map
}

func NewService(
	factory *agent.ProcessorFactory,
	docValidator *validator.DocumentValidator,
	planner *chunking.Planner,
	ledger *progress.Ledger,
	extractor Extractor,
	q queue.Queue,
	store storage.Storage,
	log logger.Logger,
	cfg ServiceConfig,
) *DocumentService {
	if cfg.UploadPrefix == "" {
		cfg.UploadPrefix = "uploads"
	}
	if cfg.ResultPrefix == "" {
		cfg.ResultPrefix = "results"
	}
	if cfg.QueuePriority == 0 {
		cfg.QueuePriority = queue.PriorityDefault
	}

	s := &DocumentService{
		processorFactory: factory,
		validator:        docValidator,
		ledger:           ledger,
		queue:            q,
		storage:          store,
		converter:        converters.NewJSONConverter(),
		logger:           log.Named("document"),
		config:           cfg,
	}
	s.coordinator = NewCoordinator(planner, ledger, extractor, s, cfg.Coordinator, log)
	return s
}

func (s *DocumentService) Coordinator() *Coordinator { return s.coordinator }

func (s *DocumentService) ProcessFile(ctx context.Context, header *multipart.FileHeader) (*Submission, error) {
	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return s.Submit(ctx, header.Filename, f)
}

// Submit validates an upload, stores it and queues it for extraction.
func (s *DocumentService) Submit(ctx context.Context, fileName string, r io.Reader) (*Submission, error) {
	res, err := s.validator.Validate(fileName, r)
	if err != nil {
		return nil, err
	}
	if !res.IsValid {
		s.logger.Info("upload rejected",
			logger.String("filename", fileName),
			logger.Any("errors", res.Errors),
		)
		return nil, &UploadRejectedError{FileName: fileName, Errors: res.Errors}
	}

	docID := uuid.NewString()
	key := s.uploadKey(docID)
	if _, err := s.storage.Store(ctx, bytes.NewReader(res.Data), res.FileInfo.Size, key, res.FileInfo.MimeType); err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}

	task := &queue.Task{
		ID:        docID,
		Priority:  s.config.QueuePriority,
		ObjectKey: key,
		FileName:  fileName,
		FileSize:  res.FileInfo.Size,
		CreatedAt: time.Now(),
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		if delErr := s.storage.Delete(ctx, key); delErr != nil {
			s.logger.Warn("failed to remove orphaned upload", logger.String("key", key), logger.Error(delErr))
		}
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	s.logger.Info("document submitted",
		logger.String("document_id", docID),
		logger.String("filename", fileName),
		logger.Int("pages", res.FileInfo.Pages),
	)
	return &Submission{
		DocumentID: docID,
		TaskID:     task.ID,
		FileName:   fileName,
		FileSize:   res.FileInfo.Size,
		Pages:      res.FileInfo.Pages,
		Status:     string(models.DocumentPending),
	}, nil
}

// ProcessBatch submits every file; the result keeps the input order. The
// first failure stops the batch.
func (s *DocumentService) ProcessBatch(ctx context.Context, files []*multipart.FileHeader) ([]*Submission, error) {
	subs := make([]*Submission, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, header := range files {
		g.Go(func() error {
			sub, err := s.ProcessFile(ctx, header)
			if err != nil {
				return fmt.Errorf("failed to process file %s: %w", header.Filename, err)
			}
			subs[i] = sub
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return subs, err
	}
	return subs, nil
}

// HandleDocument is the queue handler: it loads the stored upload and runs
// it to a terminal state.
func (s *DocumentService) HandleDocument(ctx context.Context, task *queue.Task) error {
	if task == nil || task.ID == "" || task.ObjectKey == "" {
		return &models.InvalidDocumentError{Reason: "task is missing its document"}
	}
	log := logger.FromContext(ctx, s.logger).With(logger.String("document_id", task.ID))
	if s.coordinator.Running(task.ID) {
		return &models.AlreadyInitializedError{DocumentID: task.ID}
	}

	reader, err := s.storage.Get(ctx, task.ObjectKey)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &models.InvalidDocumentError{Reason: "upload no longer stored", Err: err}
		}
		return fmt.Errorf("failed to get file: %w", err)
	}
	defer reader.Close()

	processor, err := s.processorFactory.GetProcessor(task.FileName)
	if err != nil {
		return &models.InvalidDocumentError{Reason: "unsupported file type", Err: err}
	}
	doc, err := processor.Load(ctx, task.ID, reader)
	if err != nil {
		return err
	}

	meta := doc.Metadata()
	meta.FileName = task.FileName
	meta.FileSize = task.FileSize
	meta.CreatedAt = task.CreatedAt
	s.inflight.Store(task.ID, meta)
	defer s.inflight.Delete(task.ID)

	s.saveStatus(ctx, log, &queue.TaskStatus{
		TaskID:    task.ID,
		Status:    string(models.DocumentProcessing),
		StartedAt: time.Now(),
	})

	if _, err := s.coordinator.Process(ctx, task.ID, doc); err != nil {
		// a duplicate delivery must not overwrite the running document's status
		if errors.Is(err, models.ErrAlreadyInitialized) {
			return err
		}
		s.saveStatus(ctx, log, &queue.TaskStatus{
			TaskID:     task.ID,
			Status:     string(models.DocumentError),
			Error:      err.Error(),
			FinishedAt: time.Now(),
		})
		return err
	}
	return nil
}

// Deliver persists a finished document. It is called by the coordinator
// after the ledger has been finalized.
func (s *DocumentService) Deliver(ctx context.Context, result *models.DocumentResult) error {
	var meta models.DocumentMetadata
	if v, ok := s.inflight.Load(result.DocumentID); ok {
		meta = v.(models.DocumentMetadata)
	}
	chunks, err := s.ledger.Chunks(result.DocumentID)
	if err != nil {
		return fmt.Errorf("failed to read chunks: %w", err)
	}

	doc, err := s.converter.Convert(result, chunks, meta)
	if err != nil {
		return fmt.Errorf("failed to convert result: %w", err)
	}
	var buf bytes.Buffer
	if err := converters.Encode(&buf, doc); err != nil {
		return err
	}
	if _, err := s.storage.Store(ctx, &buf, int64(buf.Len()), s.resultKey(result.DocumentID), "application/json"); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}

	status := &queue.TaskStatus{
		TaskID:     result.DocumentID,
		Status:     string(result.Status),
		StartedAt:  result.CompletedAt.Add(-result.ProcessingTime),
		FinishedAt: result.CompletedAt,
	}
	if result.TotalChunks > 0 {
		status.Progress = float64(result.CompletedChunks+result.FailedChunks) / float64(result.TotalChunks)
	}
	if len(result.FailedRanges) > 0 {
		status.Error = fmt.Sprintf("%d of %d chunks failed", result.FailedChunks, result.TotalChunks)
	}
	s.saveStatus(ctx, s.logger.With(logger.String("document_id", result.DocumentID)), status)
	return nil
}

func (s *DocumentService) GetProcessingStatus(ctx context.Context, docID string) (*queue.TaskStatus, error) {
	status, err := s.queue.GetTaskStatus(ctx, docID)
	if err != nil {
		if errors.Is(err, queue.ErrTaskNotFound) {
			return nil, &models.NotFoundError{DocumentID: docID}
		}
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}
	return status, nil
}

func (s *DocumentService) GetProcessedDocument(ctx context.Context, docID string) (*converters.ProcessedDocument, error) {
	reader, err := s.storage.Get(ctx, s.resultKey(docID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &models.NotFoundError{DocumentID: docID}
		}
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	defer reader.Close()
	return converters.Decode(reader)
}

// CancelTask stops a document running in this process and removes or
// signals its queue task.
func (s *DocumentService) CancelTask(ctx context.Context, docID string) error {
	local := s.coordinator.Cancel(docID)

	err := s.queue.CancelTask(ctx, docID)
	switch {
	case err == nil || local:
	case errors.Is(err, queue.ErrTaskNotFound):
		return &models.NotFoundError{DocumentID: docID}
	default:
		return fmt.Errorf("failed to cancel task: %w", err)
	}

	s.logger.Info("task cancelled", logger.String("document_id", docID), logger.Bool("local", local))
	return nil
}

// CleanupTasks removes uploads and results older than the retention period.
func (s *DocumentService) CleanupTasks(ctx context.Context) (int, error) {
	threshold := time.Now().Add(-s.config.RetentionPeriod)
	removed := 0
	var errs []error
	for _, prefix := range []string{s.config.UploadPrefix, s.config.ResultPrefix} {
		n, err := s.storage.CleanupBefore(ctx, prefix, threshold)
		removed += n
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to cleanup %s: %w", prefix, err))
		}
	}

	s.logger.Info("completed storage cleanup",
		logger.Time("threshold", threshold),
		logger.Int("removed", removed),
	)
	return removed, errors.Join(errs...)
}

// RunCleanup calls CleanupTasks every CleanupPeriod until ctx is done.
func (s *DocumentService) RunCleanup(ctx context.Context) {
	if s.config.CleanupPeriod <= 0 || s.config.RetentionPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CleanupTasks(ctx); err != nil {
				s.logger.Error("storage cleanup failed", logger.Error(err))
			}
		}
	}
}

func (s *DocumentService) saveStatus(ctx context.Context, log logger.Logger, status *queue.TaskStatus) {
	if err := s.queue.SaveFinalStatus(context.WithoutCancel(ctx), status); err != nil {
		log.Error("failed to save task status", logger.String("status", status.Status), logger.Error(err))
	}
}

func (s *DocumentService) uploadKey(docID string) string {
	return fmt.Sprintf("%s/%s.pdf", s.config.UploadPrefix, docID)
}

func (s *DocumentService) resultKey(docID string) string {
	return fmt.Sprintf("%s/%s.json", s.config.ResultPrefix, docID)
}
