package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/chunk-extractor/internal/models"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func pages(n int) []models.PageRange {
	out := make([]models.PageRange, n)
	for i := range out {
		out[i] = models.PageRange{Start: i + 1, End: i + 1}
	}
	return out
}

func newTestLedger(t *testing.T, clock *fakeClock) *Ledger {
	t.Helper()
	opts := Options{Retention: time.Hour}
	if clock != nil {
		opts.Now = clock.Now
	}
	return NewLedger(opts, logger.NewTestLogger())
}

func assertCounts(t *testing.T, l *Ledger, docID string, pending, processing, completed, failed int) {
	t.Helper()
	p, err := l.GetProgress(docID)
	require.NoError(t, err)
	assert.Equal(t, pending, p.Pending, "pending")
	assert.Equal(t, processing, p.Processing, "processing")
	assert.Equal(t, completed, p.Completed, "completed")
	assert.Equal(t, failed, p.Failed, "failed")
	assert.Equal(t, p.TotalChunks, p.Pending+p.Processing+p.Completed+p.Failed)
}

func drain(t *testing.T, ch <-chan models.ProgressEvent) []models.ProgressEvent {
	t.Helper()
	var events []models.ProgressEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("subscription not closed, got %d events", len(events))
			return events
		}
	}
}

func TestLedgerTransitions(t *testing.T) {
	l := newTestLedger(t, nil)
	require.NoError(t, l.Initialize("doc", pages(3)))
	assertCounts(t, l, "doc", 3, 0, 0, 0)

	require.NoError(t, l.MarkProcessing("doc", 0))
	require.NoError(t, l.MarkProcessing("doc", 0), "processing twice is a no-op")
	assertCounts(t, l, "doc", 2, 1, 0, 0)

	require.NoError(t, l.MarkCompleted("doc", 0, models.ChunkSuccess{Text: "a", Attempts: 1}))
	assertCounts(t, l, "doc", 2, 0, 1, 0)

	require.NoError(t, l.MarkProcessing("doc", 1))
	require.NoError(t, l.MarkFailed("doc", 1, models.ChunkError{Kind: models.KindNonRetryable, Message: "bad"}))
	assertCounts(t, l, "doc", 1, 0, 1, 1)

	p, err := l.GetProgress("doc")
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, p.OverallProgress, 1e-9)
	assert.Equal(t, models.DocumentProcessing, p.Status)
}

func TestLedgerRejectsInvalidTransitions(t *testing.T) {
	l := newTestLedger(t, nil)
	require.NoError(t, l.Initialize("doc", pages(2)))
	require.NoError(t, l.MarkCompleted("doc", 0, models.ChunkSuccess{Text: "a"}))

	err := l.MarkProcessing("doc", 0)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	err = l.MarkCompleted("doc", 0, models.ChunkSuccess{Text: "b"})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	err = l.MarkFailed("doc", 0, models.ChunkError{Kind: models.KindTransient})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	err = l.MarkProcessing("doc", 7)
	assert.ErrorIs(t, err, models.ErrNotFound)

	err = l.MarkProcessing("missing", 0)
	assert.ErrorIs(t, err, models.ErrNotFound)

	assertCounts(t, l, "doc", 1, 0, 1, 0)
}

func TestLedgerCompletionIsIdempotent(t *testing.T) {
	l := newTestLedger(t, nil)
	require.NoError(t, l.Initialize("doc", pages(1)))

	success := models.ChunkSuccess{Text: "same", Confidence: models.ConfidenceHigh, Attempts: 2}
	require.NoError(t, l.MarkCompleted("doc", 0, success))
	require.NoError(t, l.MarkCompleted("doc", 0, success))
	assertCounts(t, l, "doc", 0, 0, 1, 0)

	failure := models.ChunkError{Kind: models.KindTimeout, Message: "deadline"}
	require.NoError(t, l.Initialize("other", pages(1)))
	require.NoError(t, l.MarkFailed("other", 0, failure))
	require.NoError(t, l.MarkFailed("other", 0, failure))
	assertCounts(t, l, "other", 0, 0, 0, 1)

	require.NoError(t, l.Finalize("doc", models.DocumentCompleted))
	events := drain(t, mustSubscribe(t, l, "doc"))
	completed := 0
	for _, ev := range events {
		if ev.Type == models.EventChunkCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed, "duplicate completion must not emit an event")
}

func TestLedgerConcurrentWritersCountOnce(t *testing.T) {
	l := newTestLedger(t, nil)
	require.NoError(t, l.Initialize("doc", pages(4)))

	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.MarkProcessing("doc", 2)
			_ = l.MarkCompleted("doc", 2, models.ChunkSuccess{Text: "page 3"})
		}()
	}
	wg.Wait()

	assertCounts(t, l, "doc", 3, 0, 1, 0)
	chunks, err := l.Chunks("doc")
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	assert.Equal(t, models.ChunkCompleted, chunks[2].Status)
	assert.Equal(t, "page 3", chunks[2].Success.Text)
}

func TestLedgerConcurrentDocuments(t *testing.T) {
	l := newTestLedger(t, nil)

	var wg sync.WaitGroup
	for d := 0; d < 8; d++ {
		id := string(rune('a' + d))
		require.NoError(t, l.Initialize(id, pages(10)))
		for c := 0; c < 10; c++ {
			wg.Add(1)
			go func(c int) {
				defer wg.Done()
				assert.NoError(t, l.MarkProcessing(id, c))
				if c%3 == 0 {
					assert.NoError(t, l.MarkFailed(id, c, models.ChunkError{Kind: models.KindTransient}))
					return
				}
				assert.NoError(t, l.MarkCompleted(id, c, models.ChunkSuccess{Text: "x"}))
			}(c)
		}
	}
	wg.Wait()

	for d := 0; d < 8; d++ {
		assertCounts(t, l, string(rune('a'+d)), 0, 0, 6, 4)
	}
}

func mustSubscribe(t *testing.T, l *Ledger, docID string) <-chan models.ProgressEvent {
	t.Helper()
	ch, err := l.Subscribe(context.Background(), docID)
	require.NoError(t, err)
	return ch
}

func TestLedgerSubscribersSeeEveryEventInOrder(t *testing.T) {
	l := newTestLedger(t, nil)
	require.NoError(t, l.Initialize("doc", pages(3)))

	first := mustSubscribe(t, l, "doc")
	second := mustSubscribe(t, l, "doc")

	for i := 0; i < 3; i++ {
		require.NoError(t, l.MarkProcessing("doc", i))
		require.NoError(t, l.MarkCompleted("doc", i, models.ChunkSuccess{Text: "t"}))
	}
	require.NoError(t, l.Finalize("doc", models.DocumentCompleted))

	a := drain(t, first)
	b := drain(t, second)
	require.Len(t, a, 8)
	assert.Equal(t, a, b)

	for i, ev := range a {
		assert.Equal(t, i, ev.Sequence)
	}
	assert.Equal(t, models.EventInitialized, a[0].Type)
	assert.Equal(t, models.EventFinalized, a[len(a)-1].Type)
	assert.Equal(t, models.DocumentCompleted, a[len(a)-1].Progress.Status)

	late := drain(t, mustSubscribe(t, l, "doc"))
	assert.Equal(t, a, late, "late subscribers replay the full log")
}

func TestLedgerSubscriptionEndsWithContext(t *testing.T) {
	l := newTestLedger(t, nil)
	require.NoError(t, l.Initialize("doc", pages(2)))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := l.Subscribe(ctx, "doc")
	require.NoError(t, err)

	ev := <-ch
	assert.Equal(t, models.EventInitialized, ev.Type)
	cancel()
	drain(t, ch)
}

func TestLedgerTeardownClosesSubscriptions(t *testing.T) {
	l := newTestLedger(t, nil)
	require.NoError(t, l.Initialize("doc", pages(2)))
	ch := mustSubscribe(t, l, "doc")

	l.Teardown("doc")
	drain(t, ch)

	_, err := l.GetProgress("doc")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLedgerRetention(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(t, clock)
	require.NoError(t, l.Initialize("doc", pages(1)))

	err := l.Initialize("doc", pages(1))
	assert.ErrorIs(t, err, models.ErrAlreadyInitialized)

	require.NoError(t, l.MarkFailed("doc", 0, models.ChunkError{Kind: models.KindNonRetryable}))
	require.NoError(t, l.Finalize("doc", models.DocumentError))
	require.NoError(t, l.Finalize("doc", models.DocumentError), "same status is a no-op")
	assert.ErrorIs(t, l.Finalize("doc", models.DocumentCompleted), models.ErrInvalidTransition)

	clock.Advance(59 * time.Minute)
	p, err := l.GetProgress("doc")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentError, p.Status)
	assert.Equal(t, 0, l.Cleanup())

	clock.Advance(2 * time.Minute)
	_, err = l.GetProgress("doc")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = l.Subscribe(context.Background(), "doc")
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.Equal(t, 1, l.Cleanup())
	require.NoError(t, l.Initialize("doc", pages(2)), "expired ids can be reused")
}

func TestLedgerRejectsWritesAfterFinalize(t *testing.T) {
	l := newTestLedger(t, nil)
	require.NoError(t, l.Initialize("doc", pages(2)))
	require.NoError(t, l.Finalize("doc", models.DocumentCancelled))

	assert.ErrorIs(t, l.MarkProcessing("doc", 0), models.ErrInvalidTransition)
	assert.ErrorIs(t, l.MarkCompleted("doc", 1, models.ChunkSuccess{}), models.ErrInvalidTransition)
	assert.ErrorIs(t, l.Finalize("doc", models.DocumentProcessing), models.ErrInvalidTransition)
	assertCounts(t, l, "doc", 2, 0, 0, 0)
}

func TestLedgerInitializeRejectsEmptyDocument(t *testing.T) {
	l := newTestLedger(t, nil)
	assert.ErrorIs(t, l.Initialize("doc", nil), models.ErrInvalidDocument)
}

type recordingMirror struct {
	mu     sync.Mutex
	events []models.ProgressEvent
	done   chan struct{}
}

func (m *recordingMirror) Publish(_ context.Context, ev models.ProgressEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if ev.Type == models.EventFinalized {
		close(m.done)
	}
	return nil
}

func (m *recordingMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestLedgerMirrorStopsWhenRunReturns(t *testing.T) {
	mirror := &recordingMirror{done: make(chan struct{})}
	l := NewLedger(Options{Mirror: mirror, CleanupInterval: time.Hour}, logger.NewNop())

	require.NoError(t, l.Initialize("doc", pages(2)))
	require.Eventually(t, func() bool { return mirror.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(stopped)
	}()
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	require.NoError(t, l.MarkProcessing("doc", 0))
	assert.Never(t, func() bool { return mirror.count() > 1 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestLedgerMirrorReceivesEvents(t *testing.T) {
	mirror := &recordingMirror{done: make(chan struct{})}
	l := NewLedger(Options{Mirror: mirror}, logger.NewNop())

	require.NoError(t, l.Initialize("doc", pages(2)))
	require.NoError(t, l.MarkProcessing("doc", 0))
	require.NoError(t, l.MarkCompleted("doc", 0, models.ChunkSuccess{Text: "a"}))
	require.NoError(t, l.MarkFailed("doc", 1, models.ChunkError{Kind: models.KindRateLimit, Message: "429"}))
	require.NoError(t, l.Finalize("doc", models.DocumentPartialError))

	select {
	case <-mirror.done:
	case <-time.After(2 * time.Second):
		t.Fatal("mirror did not receive the finalized event")
	}

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	require.Len(t, mirror.events, 5)
	assert.Equal(t, models.EventChunkFailed, mirror.events[3].Type)
	assert.Equal(t, models.KindRateLimit, mirror.events[3].Error.Kind)
}
