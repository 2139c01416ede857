package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/feichai0017/chunk-extractor/internal/models"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
)

const subscriberBuffer = 16

// Mirror receives every committed event of every document, in commit order
// per document. Publish is called from a dedicated goroutine per document,
// so a slow mirror never delays ledger writers.
type Mirror interface {
	Publish(ctx context.Context, event models.ProgressEvent) error
}

// Options configures a Ledger.
type Options struct {
	// Retention is how long a finalized document stays readable.
	Retention       time.Duration
	CleanupInterval time.Duration
	Mirror          Mirror
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Ledger is the in-memory source of truth for chunk state. Each document has
// its own lock; the ledger lock only guards the document map.
type Ledger struct {
	mu   sync.RWMutex
	docs map[string]*docState

	retention       time.Duration
	cleanupInterval time.Duration
	mirror          Mirror
	now             func() time.Time
	logger          logger.Logger

	// lifetime bounds the mirror followers; Run cancels it on return.
	lifetime context.Context
	stop     context.CancelFunc
}

type docState struct {
	mu sync.Mutex

	id          string
	chunks      []models.ChunkOutcome
	counts      map[models.ChunkStatus]int
	status      models.DocumentStatus
	startedAt   time.Time
	updatedAt   time.Time
	finalizedAt time.Time
	removed     bool

	// events is append-only; changed is closed and replaced on every append
	// so waiting subscribers wake up.
	events  []models.ProgressEvent
	changed chan struct{}
}

// NewLedger creates a ledger. Zero option values take defaults.
func NewLedger(opts Options, log logger.Logger) *Ledger {
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = logger.NewNop()
	}
	lifetime, stop := context.WithCancel(context.Background())
	return &Ledger{
		lifetime:        lifetime,
		stop:            stop,
		docs:            make(map[string]*docState),
		retention:       opts.Retention,
		cleanupInterval: opts.CleanupInterval,
		mirror:          opts.Mirror,
		now:             opts.Now,
		logger:          log.Named("progress"),
	}
}

// Initialize registers a document whose chunks cover pages, one range per
// chunk in index order. All chunks start pending.
func (l *Ledger) Initialize(docID string, pages []models.PageRange) error {
	if len(pages) == 0 {
		return &models.InvalidDocumentError{Reason: "document has no chunks"}
	}

	now := l.now()
	doc := &docState{
		id:        docID,
		chunks:    make([]models.ChunkOutcome, len(pages)),
		counts:    map[models.ChunkStatus]int{models.ChunkPending: len(pages)},
		status:    models.DocumentPending,
		startedAt: now,
		updatedAt: now,
		changed:   make(chan struct{}),
	}
	for i, r := range pages {
		doc.chunks[i] = models.ChunkOutcome{
			ChunkIndex: i,
			Pages:      r,
			Status:     models.ChunkPending,
			UpdatedAt:  now,
		}
	}

	l.mu.Lock()
	if existing, ok := l.docs[docID]; ok {
		existing.mu.Lock()
		live := !l.expired(existing)
		if !live {
			existing.remove()
		}
		existing.mu.Unlock()
		if live {
			l.mu.Unlock()
			return &models.AlreadyInitializedError{DocumentID: docID}
		}
	}
	l.docs[docID] = doc
	doc.mu.Lock()
	l.mu.Unlock()

	doc.append(models.EventInitialized, -1, "", nil, now)
	doc.mu.Unlock()

	l.logger.Debug("document initialized",
		logger.String("document_id", docID),
		logger.Int("total_chunks", len(pages)),
	)

	if l.mirror != nil {
		l.startMirror(doc)
	}
	return nil
}

// MarkProcessing moves a chunk from pending to processing. Marking a chunk
// that is already processing is a no-op.
func (l *Ledger) MarkProcessing(docID string, index int) error {
	doc, err := l.lookup(docID)
	if err != nil {
		return err
	}
	defer doc.mu.Unlock()

	chunk, err := doc.chunk(index)
	if err != nil {
		return err
	}
	if err := doc.writable(index, chunk.Status, models.ChunkProcessing); err != nil {
		return err
	}

	switch chunk.Status {
	case models.ChunkProcessing:
		return nil
	case models.ChunkPending:
	default:
		return &models.InvalidTransitionError{
			DocumentID: docID,
			ChunkIndex: index,
			From:       chunk.Status,
			To:         models.ChunkProcessing,
		}
	}

	now := l.now()
	doc.setStatus(chunk, models.ChunkProcessing, now)
	if doc.status == models.DocumentPending {
		doc.status = models.DocumentProcessing
	}
	doc.append(models.EventChunkProcessing, index, models.ChunkProcessing, nil, now)
	return nil
}

// MarkCompleted records a chunk's successful outcome. Repeating the same
// outcome is a no-op; a different terminal outcome is rejected.
func (l *Ledger) MarkCompleted(docID string, index int, result models.ChunkSuccess) error {
	doc, err := l.lookup(docID)
	if err != nil {
		return err
	}
	defer doc.mu.Unlock()

	chunk, err := doc.chunk(index)
	if err != nil {
		return err
	}
	if err := doc.writable(index, chunk.Status, models.ChunkCompleted); err != nil {
		return err
	}

	switch chunk.Status {
	case models.ChunkCompleted:
		if *chunk.Success == result {
			return nil
		}
		return &models.InvalidTransitionError{
			DocumentID: docID,
			ChunkIndex: index,
			From:       chunk.Status,
			To:         models.ChunkCompleted,
			Reason:     "conflicting result",
		}
	case models.ChunkFailed:
		return &models.InvalidTransitionError{
			DocumentID: docID,
			ChunkIndex: index,
			From:       chunk.Status,
			To:         models.ChunkCompleted,
		}
	}

	now := l.now()
	res := result
	chunk.Success = &res
	doc.setStatus(chunk, models.ChunkCompleted, now)
	doc.append(models.EventChunkCompleted, index, models.ChunkCompleted, nil, now)
	return nil
}

// MarkFailed records a chunk's final failure. Repeating the same failure is
// a no-op; a different terminal outcome is rejected.
func (l *Ledger) MarkFailed(docID string, index int, failure models.ChunkError) error {
	doc, err := l.lookup(docID)
	if err != nil {
		return err
	}
	defer doc.mu.Unlock()

	chunk, err := doc.chunk(index)
	if err != nil {
		return err
	}
	if err := doc.writable(index, chunk.Status, models.ChunkFailed); err != nil {
		return err
	}

	switch chunk.Status {
	case models.ChunkFailed:
		if *chunk.Failure == failure {
			return nil
		}
		return &models.InvalidTransitionError{
			DocumentID: docID,
			ChunkIndex: index,
			From:       chunk.Status,
			To:         models.ChunkFailed,
			Reason:     "conflicting failure",
		}
	case models.ChunkCompleted:
		return &models.InvalidTransitionError{
			DocumentID: docID,
			ChunkIndex: index,
			From:       chunk.Status,
			To:         models.ChunkFailed,
		}
	}

	now := l.now()
	f := failure
	chunk.Failure = &f
	doc.setStatus(chunk, models.ChunkFailed, now)
	doc.append(models.EventChunkFailed, index, models.ChunkFailed, &f, now)
	return nil
}

// Finalize records the document's terminal status and starts its retention
// window. Finalizing again with the same status is a no-op.
func (l *Ledger) Finalize(docID string, status models.DocumentStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot finalize document %s as %s: %w", docID, status, models.ErrInvalidTransition)
	}

	doc, err := l.lookup(docID)
	if err != nil {
		return err
	}
	defer doc.mu.Unlock()

	if !doc.finalizedAt.IsZero() {
		if doc.status == status {
			return nil
		}
		return fmt.Errorf("document %s already finalized as %s: %w", docID, doc.status, models.ErrInvalidTransition)
	}

	now := l.now()
	doc.status = status
	doc.finalizedAt = now
	doc.updatedAt = now
	doc.append(models.EventFinalized, -1, "", nil, now)

	l.logger.Debug("document finalized",
		logger.String("document_id", docID),
		logger.String("status", string(status)),
	)
	return nil
}

// GetProgress returns a consistent snapshot of a document.
func (l *Ledger) GetProgress(docID string) (models.DocumentProgress, error) {
	doc, err := l.lookup(docID)
	if err != nil {
		return models.DocumentProgress{}, err
	}
	defer doc.mu.Unlock()
	return doc.snapshot(), nil
}

// Chunks returns copies of every chunk outcome ordered by index.
func (l *Ledger) Chunks(docID string) ([]models.ChunkOutcome, error) {
	doc, err := l.lookup(docID)
	if err != nil {
		return nil, err
	}
	defer doc.mu.Unlock()

	out := make([]models.ChunkOutcome, len(doc.chunks))
	for i, c := range doc.chunks {
		out[i] = c
		if c.Success != nil {
			s := *c.Success
			out[i].Success = &s
		}
		if c.Failure != nil {
			f := *c.Failure
			out[i].Failure = &f
		}
	}
	return out, nil
}

// Subscribe returns the document's events from the first one on. Each
// subscriber has its own cursor, so every subscriber sees every event once
// and in commit order. The channel is closed after the finalized event, when
// ctx is done, or when the document is removed.
func (l *Ledger) Subscribe(ctx context.Context, docID string) (<-chan models.ProgressEvent, error) {
	doc, err := l.lookup(docID)
	if err != nil {
		return nil, err
	}
	doc.mu.Unlock()

	out := make(chan models.ProgressEvent, subscriberBuffer)
	go doc.follow(ctx, out)
	return out, nil
}

// Teardown removes a document immediately and closes its subscriptions.
func (l *Ledger) Teardown(docID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if doc, ok := l.docs[docID]; ok {
		doc.mu.Lock()
		doc.remove()
		doc.mu.Unlock()
		delete(l.docs, docID)
	}
}

// Cleanup removes documents whose retention window has passed and returns
// how many were removed.
func (l *Ledger) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, doc := range l.docs {
		doc.mu.Lock()
		if l.expired(doc) {
			doc.remove()
			delete(l.docs, id)
			removed++
		}
		doc.mu.Unlock()
	}
	if removed > 0 {
		l.logger.Info("removed expired documents", logger.Int("count", removed))
	}
	return removed
}

// Run sweeps expired documents until ctx is done. When it returns, mirroring
// stops for every document.
func (l *Ledger) Run(ctx context.Context) {
	defer l.stop()
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

// lookup returns the live document with its lock held.
func (l *Ledger) lookup(docID string) (*docState, error) {
	l.mu.RLock()
	doc, ok := l.docs[docID]
	l.mu.RUnlock()
	if !ok {
		return nil, &models.NotFoundError{DocumentID: docID}
	}

	doc.mu.Lock()
	if doc.removed || l.expired(doc) {
		doc.mu.Unlock()
		return nil, &models.NotFoundError{DocumentID: docID}
	}
	return doc, nil
}

// expired must be called with doc.mu held.
func (l *Ledger) expired(doc *docState) bool {
	if doc.removed {
		return true
	}
	if doc.finalizedAt.IsZero() {
		return false
	}
	return l.now().Sub(doc.finalizedAt) > l.retention
}

func (l *Ledger) startMirror(doc *docState) {
	events := make(chan models.ProgressEvent, subscriberBuffer)
	go doc.follow(l.lifetime, events)
	go func() {
		for ev := range events {
			if err := l.mirror.Publish(context.Background(), ev); err != nil {
				l.logger.Warn("failed to mirror progress event",
					logger.String("document_id", ev.DocumentID),
					logger.Int("sequence", ev.Sequence),
					logger.Error(err),
				)
			}
		}
	}()
}

func (d *docState) chunk(index int) (*models.ChunkOutcome, error) {
	if index < 0 || index >= len(d.chunks) {
		return nil, &models.NotFoundError{DocumentID: d.id, ChunkIndex: &index}
	}
	return &d.chunks[index], nil
}

// writable rejects chunk writes once the document has been finalized.
func (d *docState) writable(index int, from, to models.ChunkStatus) error {
	if d.finalizedAt.IsZero() {
		return nil
	}
	return &models.InvalidTransitionError{
		DocumentID: d.id,
		ChunkIndex: index,
		From:       from,
		To:         to,
		Reason:     "document finalized",
	}
}

func (d *docState) setStatus(chunk *models.ChunkOutcome, to models.ChunkStatus, now time.Time) {
	d.counts[chunk.Status]--
	d.counts[to]++
	chunk.Status = to
	chunk.UpdatedAt = now
	d.updatedAt = now
}

func (d *docState) snapshot() models.DocumentProgress {
	total := len(d.chunks)
	p := models.DocumentProgress{
		DocumentID:  d.id,
		TotalChunks: total,
		Pending:     d.counts[models.ChunkPending],
		Processing:  d.counts[models.ChunkProcessing],
		Completed:   d.counts[models.ChunkCompleted],
		Failed:      d.counts[models.ChunkFailed],
		Status:      d.status,
		StartedAt:   d.startedAt,
		UpdatedAt:   d.updatedAt,
	}
	if total > 0 {
		p.OverallProgress = float64(p.Completed+p.Failed) / float64(total)
	}
	return p
}

// append must be called with d.mu held.
func (d *docState) append(t models.EventType, index int, status models.ChunkStatus, failure *models.ChunkError, now time.Time) {
	ev := models.ProgressEvent{
		Sequence:    len(d.events),
		DocumentID:  d.id,
		Type:        t,
		ChunkIndex:  index,
		ChunkStatus: status,
		Progress:    d.snapshot(),
		Timestamp:   now,
	}
	if failure != nil {
		f := *failure
		ev.Error = &f
	}
	d.events = append(d.events, ev)
	close(d.changed)
	d.changed = make(chan struct{})
}

// remove must be called with d.mu held.
func (d *docState) remove() {
	if d.removed {
		return
	}
	d.removed = true
	close(d.changed)
}

func (d *docState) follow(ctx context.Context, out chan<- models.ProgressEvent) {
	defer close(out)

	cursor := 0
	for {
		if ctx.Err() != nil {
			return
		}
		d.mu.Lock()
		if cursor < len(d.events) {
			ev := d.events[cursor]
			d.mu.Unlock()
			cursor++

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type == models.EventFinalized {
				return
			}
			continue
		}
		if d.removed {
			d.mu.Unlock()
			return
		}
		wait := d.changed
		d.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return
		}
	}
}
