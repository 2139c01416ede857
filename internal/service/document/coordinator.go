package document

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	agentdoc "github.com/feichai0017/chunk-extractor/internal/agent/document"
	"github.com/feichai0017/chunk-extractor/internal/models"
	"github.com/feichai0017/chunk-extractor/internal/service/chunking"
	"github.com/feichai0017/chunk-extractor/internal/service/extraction"
	"github.com/feichai0017/chunk-extractor/internal/service/progress"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
)

// Extractor runs the attempt sequence of one chunk; *extraction.Client
// implements it.
type Extractor interface {
	Extract(ctx context.Context, chunk models.ChunkDescriptor, instructions string) (*extraction.Result, error)
}

// ResultSink receives every finished document result.
type ResultSink interface {
	Deliver(ctx context.Context, result *models.DocumentResult) error
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	// WorkerConcurrency bounds how many chunks, across all documents, are
	// in flight at once. It should be at least the extraction gate size.
	WorkerConcurrency int
}

// Coordinator plans a document, dispatches its chunks, records their
// outcomes in the ledger and aggregates the result.
type Coordinator struct {
	planner   *chunking.Planner
	ledger    *progress.Ledger
	extractor Extractor
	sink      ResultSink
	workers   *semaphore.Weighted
	now       func() time.Time
	logger    logger.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewCoordinator(
	planner *chunking.Planner,
	ledger *progress.Ledger,
	extractor Extractor,
	sink ResultSink,
	opts CoordinatorOptions,
	log logger.Logger,
) *Coordinator {
	if opts.WorkerConcurrency < 1 {
		opts.WorkerConcurrency = 8
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Coordinator{
		planner:   planner,
		ledger:    ledger,
		extractor: extractor,
		sink:      sink,
		workers:   semaphore.NewWeighted(int64(opts.WorkerConcurrency)),
		now:       time.Now,
		logger:    log.Named("coordinator"),
		running:   make(map[string]context.CancelFunc),
	}
}

// Process runs a document to its terminal state. Planning and ledger
// initialization errors are returned before any chunk starts; chunk failures
// are folded into the result's status.
func (c *Coordinator) Process(ctx context.Context, docID string, src agentdoc.Source) (*models.DocumentResult, error) {
	start := c.now()
	log := c.logger.With(logger.String("document_id", docID))

	chunks, err := c.planner.Plan(src)
	if err != nil {
		return nil, fmt.Errorf("failed to plan document: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !c.register(docID, cancel) {
		return nil, fmt.Errorf("failed to initialize progress: %w", &models.AlreadyInitializedError{DocumentID: docID})
	}
	defer c.unregister(docID)

	ranges := make([]models.PageRange, len(chunks))
	for i, chunk := range chunks {
		ranges[i] = chunk.Pages
	}
	if err := c.ledger.Initialize(docID, ranges); err != nil {
		return nil, fmt.Errorf("failed to initialize progress: %w", err)
	}
	// an entry that never reaches Finalize is removed, closing its subscribers
	finalized := false
	defer func() {
		if !finalized {
			c.ledger.Teardown(docID)
		}
	}()

	log.Info("dispatching chunks",
		logger.Int("chunks", len(chunks)),
		logger.Int("pages", src.PageCount()),
	)

	var g errgroup.Group
	for _, chunk := range chunks {
		g.Go(func() error {
			c.runChunk(runCtx, docID, chunk, len(chunks))
			return nil
		})
	}
	_ = g.Wait()

	outcomes, err := c.ledger.Chunks(docID)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk outcomes: %w", err)
	}
	// a cancel that lands after every chunk finished does not change the result
	cancelled := runCtx.Err() != nil && !allTerminal(outcomes)

	result := Aggregate(docID, outcomes, cancelled)
	result.PageCount = src.PageCount()
	result.Chunked = len(chunks) > 1
	result.CompletedAt = c.now()
	result.ProcessingTime = result.CompletedAt.Sub(start)

	if err := c.ledger.Finalize(docID, result.Status); err != nil {
		log.Error("failed to finalize progress", logger.Error(err))
	} else {
		finalized = true
	}

	log.Info("document finished",
		logger.String("status", string(result.Status)),
		logger.Int("completed", result.CompletedChunks),
		logger.Int("failed", result.FailedChunks),
		logger.String("confidence", string(result.Confidence)),
		logger.Duration("elapsed", result.ProcessingTime),
	)

	if c.sink != nil {
		if err := c.sink.Deliver(context.WithoutCancel(ctx), result); err != nil {
			log.Error("failed to deliver result", logger.Error(err))
		}
	}
	return result, nil
}

// Cancel stops a running document. It reports whether the document was
// running.
func (c *Coordinator) Cancel(docID string) bool {
	c.mu.Lock()
	cancel, ok := c.running[docID]
	c.mu.Unlock()
	if ok {
		c.logger.Info("cancelling document", logger.String("document_id", docID))
		cancel()
	}
	return ok
}

// Running reports whether docID is being processed.
func (c *Coordinator) Running(docID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[docID]
	return ok
}

func (c *Coordinator) register(docID string, cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.running[docID]; ok {
		return false
	}
	c.running[docID] = cancel
	return true
}

func (c *Coordinator) unregister(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, docID)
}

// runChunk takes a worker slot, runs the chunk's attempt sequence and
// records its outcome. A cancelled chunk is left unrecorded.
func (c *Coordinator) runChunk(ctx context.Context, docID string, chunk models.ChunkDescriptor, total int) {
	log := c.logger.With(
		logger.String("document_id", docID),
		logger.Int("chunk", chunk.Index),
		logger.String("pages", chunk.Pages.String()),
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error("chunk panicked", logger.Any("panic", r), logger.Stack())
			c.recordFailure(log, docID, chunk.Index, models.ChunkError{
				Kind:    models.KindNonRetryable,
				Message: fmt.Sprintf("panic: %v", r),
			})
		}
	}()

	if ctx.Err() != nil {
		return
	}
	if err := c.workers.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.workers.Release(1)
	if ctx.Err() != nil {
		return
	}

	if err := c.ledger.MarkProcessing(docID, chunk.Index); err != nil {
		log.Error("failed to mark chunk processing", logger.Error(err))
		return
	}

	res, err := c.extractor.Extract(ctx, chunk, extraction.BuildInstructions(chunk, total))
	if err != nil {
		var extErr *models.ExtractionError
		if errors.As(err, &extErr) {
			if extErr.Kind == models.KindCancelled {
				return
			}
			c.recordFailure(log, docID, chunk.Index, extErr.ChunkError())
			return
		}
		kind, status := extraction.Classify(ctx, err)
		if kind == models.KindCancelled {
			return
		}
		c.recordFailure(log, docID, chunk.Index, models.ChunkError{
			Kind:       kind,
			StatusCode: status,
			Message:    err.Error(),
		})
		return
	}

	success := models.ChunkSuccess{
		Text:           res.Content.Text,
		Confidence:     res.Content.Confidence,
		HasHandwriting: res.Content.HasHandwriting,
		Attempts:       res.Attempts,
	}
	if err := c.ledger.MarkCompleted(docID, chunk.Index, success); err != nil {
		log.Error("failed to record chunk result", logger.Error(err))
	}
}

func allTerminal(outcomes []models.ChunkOutcome) bool {
	for _, o := range outcomes {
		if !o.Status.Terminal() {
			return false
		}
	}
	return true
}

func (c *Coordinator) recordFailure(log logger.Logger, docID string, index int, failure models.ChunkError) {
	log.Warn("chunk failed",
		logger.String("kind", string(failure.Kind)),
		logger.Int("attempts", failure.Attempts),
		logger.String("error", failure.Message),
	)
	if err := c.ledger.MarkFailed(docID, index, failure); err != nil {
		log.Error("failed to record chunk failure", logger.Error(err))
	}
}
