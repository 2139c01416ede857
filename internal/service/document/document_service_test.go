package document

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/chunk-extractor/internal/agent"
	"github.com/feichai0017/chunk-extractor/internal/agent/document/pdf/pdftest"
	"github.com/feichai0017/chunk-extractor/internal/models"
	"github.com/feichai0017/chunk-extractor/internal/service/chunking"
	"github.com/feichai0017/chunk-extractor/internal/service/extraction"
	"github.com/feichai0017/chunk-extractor/internal/service/progress"
	"github.com/feichai0017/chunk-extractor/internal/utils/validator"
	"github.com/feichai0017/chunk-extractor/pkg/converters"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
	"github.com/feichai0017/chunk-extractor/pkg/queue"
)

type memObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

type memStorage struct {
	mu       sync.Mutex
	objects  map[string]memObject
	cleanups []string
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string]memObject)}
}

func (s *memStorage) Store(_ context.Context, r io.Reader, _ int64, key, contentType string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memObject{data: data, contentType: contentType, modified: time.Now()}
	return key, nil
}

func (s *memStorage) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, fs.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *memStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memStorage) CleanupBefore(_ context.Context, prefix string, threshold time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, prefix)
	n := 0
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix+"/") && obj.modified.Before(threshold) {
			delete(s.objects, key)
			n++
		}
	}
	return n, nil
}

type memQueue struct {
	mu        sync.Mutex
	tasks     []*queue.Task
	statuses  map[string]*queue.TaskStatus
	cancelled []string
	enqueue   error
}

func newMemQueue() *memQueue {
	return &memQueue{statuses: make(map[string]*queue.TaskStatus)}
}

func (q *memQueue) Enqueue(_ context.Context, task *queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueue != nil {
		return q.enqueue
	}
	q.tasks = append(q.tasks, task)
	q.statuses[task.ID] = &queue.TaskStatus{TaskID: task.ID, Status: "pending"}
	return nil
}

func (q *memQueue) GetTaskStatus(_ context.Context, taskID string) (*queue.TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.statuses[taskID]
	if !ok {
		return nil, queue.ErrTaskNotFound
	}
	return st, nil
}

func (q *memQueue) CancelTask(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.statuses[taskID]; !ok {
		return queue.ErrTaskNotFound
	}
	q.cancelled = append(q.cancelled, taskID)
	return nil
}

func (q *memQueue) SaveFinalStatus(_ context.Context, status *queue.TaskStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.statuses[status.TaskID] = status
	return nil
}

func (q *memQueue) status(id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.statuses[id]; ok {
		return st.Status
	}
	return ""
}

type serviceHarness struct {
	svc     *DocumentService
	store   *memStorage
	queue   *memQueue
	ledger  *progress.Ledger
	backend *pageBackend
}

func newServiceHarness(t *testing.T, handle func(ctx context.Context, page int) (*extraction.Content, error)) *serviceHarness {
	t.Helper()
	log := logger.NewTestLogger()
	backend := &pageBackend{handle: handle}
	client := extraction.NewClient(backend, extraction.NewGate(2), extraction.Options{
		MaxAttempts:    2,
		AttemptTimeout: 5 * time.Second,
	}, log)
	ledger := progress.NewLedger(progress.Options{}, log)
	store := newMemStorage()
	q := newMemQueue()

	svc := NewService(
		agent.NewProcessorFactory(log),
		validator.NewDocumentValidator(log, validator.DefaultConfig()),
		chunking.NewPlanner(chunking.DefaultOptions(), log),
		ledger,
		client,
		q,
		store,
		log,
		ServiceConfig{RetentionPeriod: time.Hour, Coordinator: CoordinatorOptions{WorkerConcurrency: 4}},
	)
	return &serviceHarness{svc: svc, store: store, queue: q, ledger: ledger, backend: backend}
}

func TestSubmitStoresAndEnqueues(t *testing.T) {
	h := newServiceHarness(t, succeed)

	sub, err := h.svc.Submit(context.Background(), "survey.pdf", bytes.NewReader(pdftest.Build(3)))
	require.NoError(t, err)

	assert.NotEmpty(t, sub.DocumentID)
	assert.Equal(t, sub.DocumentID, sub.TaskID)
	assert.Equal(t, 3, sub.Pages)
	assert.Equal(t, "pending", sub.Status)

	require.Len(t, h.queue.tasks, 1)
	task := h.queue.tasks[0]
	assert.Equal(t, "uploads/"+sub.DocumentID+".pdf", task.ObjectKey)
	assert.Equal(t, "survey.pdf", task.FileName)
	assert.Equal(t, queue.PriorityDefault, task.Priority)

	obj, ok := h.store.objects[task.ObjectKey]
	require.True(t, ok)
	assert.Equal(t, "application/pdf", obj.contentType)
	assert.Equal(t, pdftest.Build(3), obj.data)
}

func TestSubmitRejectsInvalidUpload(t *testing.T) {
	h := newServiceHarness(t, succeed)

	_, err := h.svc.Submit(context.Background(), "notes.txt", strings.NewReader("plain text"))
	require.ErrorIs(t, err, models.ErrInvalidDocument)

	var rejected *UploadRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.NotEmpty(t, rejected.Errors)
	assert.Empty(t, h.queue.tasks)
	assert.Empty(t, h.store.objects)
}

func TestSubmitRemovesUploadWhenEnqueueFails(t *testing.T) {
	h := newServiceHarness(t, succeed)
	h.queue.enqueue = fmt.Errorf("redis down")

	_, err := h.svc.Submit(context.Background(), "survey.pdf", bytes.NewReader(pdftest.Build(1)))
	require.Error(t, err)
	assert.Empty(t, h.store.objects)
}

func TestHandleDocumentStoresResult(t *testing.T) {
	h := newServiceHarness(t, succeed)
	ctx := context.Background()

	sub, err := h.svc.Submit(ctx, "survey.pdf", bytes.NewReader(pdftest.Build(3)))
	require.NoError(t, err)

	require.NoError(t, h.svc.HandleDocument(ctx, h.queue.tasks[0]))
	assert.Equal(t, "completed", h.queue.status(sub.DocumentID))

	doc, err := h.svc.GetProcessedDocument(ctx, sub.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, sub.DocumentID, doc.DocumentID)
	assert.Equal(t, models.DocumentCompleted, doc.Status)
	assert.Contains(t, doc.Text, pageText(1))
	assert.NotEmpty(t, doc.Content)
	assert.Equal(t, "survey.pdf", doc.Metadata.FileName)
	assert.Equal(t, 3, doc.Metadata.PageCount)

	st, err := h.svc.GetProcessingStatus(ctx, sub.DocumentID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, st.Progress, 1e-9)
}

func TestHandleDocumentRecordsFailure(t *testing.T) {
	h := newServiceHarness(t, func(context.Context, int) (*extraction.Content, error) {
		return nil, &extraction.ServiceError{StatusCode: 400, Message: "bad request"}
	})
	ctx := context.Background()

	sub, err := h.svc.Submit(ctx, "survey.pdf", bytes.NewReader(pdftest.Build(2)))
	require.NoError(t, err)
	require.NoError(t, h.svc.HandleDocument(ctx, h.queue.tasks[0]))

	st, err := h.svc.GetProcessingStatus(ctx, sub.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "error", st.Status)
	assert.NotEmpty(t, st.Error)

	doc, err := h.svc.GetProcessedDocument(ctx, sub.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentError, doc.Status)
}

func TestHandleDocumentMissingUpload(t *testing.T) {
	h := newServiceHarness(t, succeed)

	err := h.svc.HandleDocument(context.Background(), &queue.Task{
		ID:        "gone",
		ObjectKey: "uploads/gone.pdf",
		FileName:  "gone.pdf",
	})
	assert.ErrorIs(t, err, models.ErrInvalidDocument)
	assert.Zero(t, h.backend.calls.Load())
}

func TestGetProcessedDocumentNotFound(t *testing.T) {
	h := newServiceHarness(t, succeed)

	_, err := h.svc.GetProcessedDocument(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = h.svc.GetProcessingStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCancelTask(t *testing.T) {
	h := newServiceHarness(t, succeed)
	ctx := context.Background()

	assert.ErrorIs(t, h.svc.CancelTask(ctx, "missing"), models.ErrNotFound)

	sub, err := h.svc.Submit(ctx, "survey.pdf", bytes.NewReader(pdftest.Build(1)))
	require.NoError(t, err)
	require.NoError(t, h.svc.CancelTask(ctx, sub.DocumentID))
	assert.Equal(t, []string{sub.DocumentID}, h.queue.cancelled)
}

func TestCleanupTasks(t *testing.T) {
	h := newServiceHarness(t, succeed)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	h.store.objects["uploads/a.pdf"] = memObject{modified: old}
	h.store.objects["results/a.json"] = memObject{modified: old}
	h.store.objects["results/b.json"] = memObject{modified: time.Now()}

	n, err := h.svc.CleanupTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"uploads", "results"}, h.store.cleanups)
	assert.Contains(t, h.store.objects, "results/b.json")
}

func TestProcessedDocumentRoundTrip(t *testing.T) {
	h := newServiceHarness(t, succeed)
	ctx := context.Background()

	sub, err := h.svc.Submit(ctx, "survey.pdf", bytes.NewReader(pdftest.Build(1)))
	require.NoError(t, err)
	require.NoError(t, h.svc.HandleDocument(ctx, h.queue.tasks[0]))

	obj := h.store.objects["results/"+sub.DocumentID+".json"]
	assert.Equal(t, "application/json", obj.contentType)
	doc, err := converters.Decode(bytes.NewReader(obj.data))
	require.NoError(t, err)
	assert.Equal(t, sub.DocumentID, doc.DocumentID)
}
