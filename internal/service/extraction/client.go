package extraction

import (
	"context"
	"errors"
	"time"

	"github.com/feichai0017/chunk-extractor/internal/models"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
)

// Request is one call to the extraction service.
type Request struct {
	Payload      []byte
	MIMEType     string
	Pages        models.PageRange
	Instructions string
}

// Content is what the service extracted from a chunk.
type Content struct {
	Text string
	// Confidence is empty when the service reports no quality signal.
	Confidence     models.ConfidenceLevel
	HasHandwriting bool
}

// Backend is an external extraction service. Implementations must honor ctx
// and report service failures as *ServiceError.
type Backend interface {
	Name() string
	Extract(ctx context.Context, req Request) (*Content, error)
}

// Result is a successful attempt sequence.
type Result struct {
	Content  Content
	Attempts int
}

// Options configures a Client. Zero values take defaults.
type Options struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	Policy         Policy
}

// Client calls a Backend through the admission gate and retries failures
// according to their class. It has no knowledge of the progress ledger.
type Client struct {
	backend Backend
	gate    *Gate
	opts    Options
	sleep   func(ctx context.Context, d time.Duration) error
	logger  logger.Logger
}

func NewClient(backend Backend, gate *Gate, opts Options, log logger.Logger) *Client {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 120 * time.Second
	}
	if opts.Policy.unset() {
		jitter := opts.Policy.Jitter
		opts.Policy = DefaultPolicy()
		opts.Policy.Jitter = jitter
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{
		backend: backend,
		gate:    gate,
		opts:    opts,
		sleep:   sleep,
		logger:  log.Named("extraction").With(logger.String("backend", backend.Name())),
	}
}

// Gate returns the admission gate the client uses.
func (c *Client) Gate() *Gate { return c.gate }

// Extract runs the attempt sequence for one chunk. On failure the error is a
// *models.ExtractionError carrying the failure class and attempt count.
func (c *Client) Extract(ctx context.Context, chunk models.ChunkDescriptor, instructions string) (*Result, error) {
	req := Request{
		Payload:      chunk.Payload,
		MIMEType:     "application/pdf",
		Pages:        chunk.Pages,
		Instructions: instructions,
	}

	var (
		lastErr    error
		lastKind   models.ErrorKind
		lastStatus int
	)
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		content, err := c.attempt(ctx, req)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("chunk extracted after retry",
					logger.Int("chunk", chunk.Index),
					logger.Int("attempts", attempt),
				)
			}
			return &Result{Content: *content, Attempts: attempt}, nil
		}

		lastErr = err
		lastKind, lastStatus = Classify(ctx, err)
		if !lastKind.Retryable() {
			if lastKind != models.KindCancelled {
				c.logger.Warn("non-retryable extraction error",
					logger.Int("chunk", chunk.Index),
					logger.Int("attempt", attempt),
					logger.Int("status", lastStatus),
					logger.Error(err),
				)
			}
			return nil, &models.ExtractionError{Kind: lastKind, StatusCode: lastStatus, Attempts: attempt, Err: err}
		}
		if attempt == c.opts.MaxAttempts {
			break
		}

		delay := c.opts.Policy.Delay(lastKind, attempt)
		c.logger.Warn("retryable extraction error",
			logger.Int("chunk", chunk.Index),
			logger.String("pages", chunk.Pages.String()),
			logger.Int("attempt", attempt),
			logger.String("kind", string(lastKind)),
			logger.Duration("backoff", delay),
			logger.Error(err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, &models.ExtractionError{Kind: models.KindCancelled, Attempts: attempt, Err: err}
		}
	}

	c.logger.Error("extraction retries exhausted",
		logger.Int("chunk", chunk.Index),
		logger.Int("attempts", c.opts.MaxAttempts),
		logger.String("kind", string(lastKind)),
		logger.Error(lastErr),
	)
	return nil, &models.ExtractionError{
		Kind:       lastKind,
		StatusCode: lastStatus,
		Attempts:   c.opts.MaxAttempts,
		Err:        lastErr,
	}
}

// attempt makes one gated call. The permit is held only for the call itself.
func (c *Client) attempt(ctx context.Context, req Request) (*Content, error) {
	if err := c.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.gate.Release()

	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()

	content, err := c.backend.Extract(attemptCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, &attemptTimeoutError{err: err}
		}
		return nil, err
	}
	if content == nil {
		return nil, &ServiceError{StatusCode: 502, Message: "empty response"}
	}
	return content, nil
}
