package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/chunk-extractor/internal/models"
	"github.com/feichai0017/chunk-extractor/internal/service/document"
	"github.com/feichai0017/chunk-extractor/internal/service/progress"
	"github.com/feichai0017/chunk-extractor/internal/utils/validator"
	"github.com/feichai0017/chunk-extractor/pkg/converters"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
	"github.com/feichai0017/chunk-extractor/pkg/queue"
)

type fakeService struct {
	submitErr error
	results   map[string]*converters.ProcessedDocument
	cancelled []string
	uploaded  []string
}

func (s *fakeService) ProcessFile(_ context.Context, header *multipart.FileHeader) (*document.Submission, error) {
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	s.uploaded = append(s.uploaded, header.Filename)
	return &document.Submission{DocumentID: "doc-1", TaskID: "doc-1", FileName: header.Filename, Status: "pending"}, nil
}

func (s *fakeService) ProcessBatch(ctx context.Context, files []*multipart.FileHeader) ([]*document.Submission, error) {
	var subs []*document.Submission
	for _, f := range files {
		sub, err := s.ProcessFile(ctx, f)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *fakeService) Submit(context.Context, string, io.Reader) (*document.Submission, error) {
	return nil, nil
}

func (s *fakeService) GetProcessingStatus(_ context.Context, docID string) (*queue.TaskStatus, error) {
	if docID != "doc-1" {
		return nil, &models.NotFoundError{DocumentID: docID}
	}
	return &queue.TaskStatus{TaskID: docID, Status: "processing", Progress: 0.5}, nil
}

func (s *fakeService) HandleDocument(context.Context, *queue.Task) error { return nil }

func (s *fakeService) GetProcessedDocument(_ context.Context, docID string) (*converters.ProcessedDocument, error) {
	doc, ok := s.results[docID]
	if !ok {
		return nil, &models.NotFoundError{DocumentID: docID}
	}
	return doc, nil
}

func (s *fakeService) CancelTask(_ context.Context, docID string) error {
	if docID != "doc-1" {
		return &models.NotFoundError{DocumentID: docID}
	}
	s.cancelled = append(s.cancelled, docID)
	return nil
}

func (s *fakeService) CleanupTasks(context.Context) (int, error) { return 0, nil }

type testServer struct {
	engine  *gin.Engine
	service *fakeService
	ledger  *progress.Ledger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.NewTestLogger()
	svc := &fakeService{results: map[string]*converters.ProcessedDocument{}}
	ledger := progress.NewLedger(progress.Options{}, log)
	h := NewDocumentHandler(svc, NewProgressReader(ledger, nil), log)

	r := gin.New()
	docs := r.Group("/api/v1/documents")
	docs.POST("", h.ProcessDocument)
	docs.POST("/batch", h.ProcessBatch)
	docs.GET("/:id/status", h.GetStatus)
	docs.GET("/:id/progress", h.GetProgress)
	docs.GET("/:id/progress/stream", h.StreamProgress)
	docs.GET("/:id/chunks", h.GetChunks)
	docs.GET("/:id/result", h.GetResult)
	docs.DELETE("/:id", h.CancelTask)
	return &testServer{engine: r, service: svc, ledger: ledger}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, field string, names ...string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, name := range names {
		part, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = part.Write([]byte("%PDF-1.4"))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	path := "/api/v1/documents"
	if field == "files" {
		path += "/batch"
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// runDocument records a finished two-chunk document in the ledger.
func runDocument(t *testing.T, l *progress.Ledger, docID string) {
	t.Helper()
	require.NoError(t, l.Initialize(docID, []models.PageRange{{Start: 1, End: 1}, {Start: 2, End: 2}}))
	for i := range 2 {
		require.NoError(t, l.MarkProcessing(docID, i))
	}
	require.NoError(t, l.MarkCompleted(docID, 0, models.ChunkSuccess{Text: "first", Attempts: 1}))
	require.NoError(t, l.MarkFailed(docID, 1, models.ChunkError{Kind: models.KindNonRetryable, StatusCode: 400, Attempts: 1}))
	require.NoError(t, l.Finalize(docID, models.DocumentPartialError))
}

func TestProcessDocument(t *testing.T) {
	s := newTestServer(t)

	w := s.do(uploadRequest(t, "file", "scan.pdf"))
	require.Equal(t, http.StatusAccepted, w.Code)

	var sub document.Submission
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))
	assert.Equal(t, "doc-1", sub.DocumentID)
	assert.Equal(t, "doc-1", sub.TaskID)
	assert.Equal(t, []string{"scan.pdf"}, s.service.uploaded)
}

func TestProcessDocumentRequiresFile(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")

	w := s.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcessDocumentRejected(t *testing.T) {
	s := newTestServer(t)
	s.service.submitErr = &document.UploadRejectedError{
		FileName: "scan.pdf",
		Errors:   []validator.ValidationError{{Code: "TOO_MANY_PAGES", Message: "too many pages", Field: "pages"}},
	}

	w := s.do(uploadRequest(t, "file", "scan.pdf"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "TOO_MANY_PAGES")
}

func TestProcessBatch(t *testing.T) {
	s := newTestServer(t)

	w := s.do(uploadRequest(t, "files", "a.pdf", "b.pdf"))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, s.service.uploaded)
	assert.Contains(t, w.Body.String(), "Processing 2 documents")
}

func TestGetProgress(t *testing.T) {
	s := newTestServer(t)
	runDocument(t, s.ledger, "doc-1")

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1/progress", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var p models.DocumentProgress
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, 2, p.TotalChunks)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, models.DocumentPartialError, p.Status)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/unknown/progress", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetChunksFallsBackToStoredResult(t *testing.T) {
	s := newTestServer(t)
	runDocument(t, s.ledger, "doc-1")
	s.service.results["old"] = &converters.ProcessedDocument{
		DocumentID: "old",
		Content:    []converters.ChunkContent{{Position: 1, Status: models.ChunkCompleted, Text: "archived"}},
	}

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1/chunks", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var live struct {
		Chunks []models.ChunkOutcome `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &live))
	require.Len(t, live.Chunks, 2)
	assert.Equal(t, models.ChunkCompleted, live.Chunks[0].Status)
	assert.Equal(t, models.ChunkFailed, live.Chunks[1].Status)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/old/chunks", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "archived")

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/none/chunks", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamProgress(t *testing.T) {
	s := newTestServer(t)
	runDocument(t, s.ledger, "doc-1")

	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/documents/doc-1/progress/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	stream := string(body)

	order := []string{"event:snapshot", "event:initialized", "event:chunk_completed", "event:chunk_failed", "event:finalized"}
	last := -1
	for _, name := range order {
		idx := strings.Index(stream, name)
		require.GreaterOrEqual(t, idx, 0, "%s missing from stream", name)
		assert.Greater(t, idx, last, "%s out of order", name)
		last = idx
	}
}

func TestStreamProgressUnknownDocument(t *testing.T) {
	s := newTestServer(t)
	w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/missing/progress/stream", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetResult(t *testing.T) {
	s := newTestServer(t)
	s.service.results["doc-1"] = &converters.ProcessedDocument{DocumentID: "doc-1", Status: models.DocumentCompleted, Text: "hello"}

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1/result", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"text":"hello"`)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1/result?download=true", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "attachment; filename=result_doc-1.json", w.Header().Get("Content-Disposition"))
	doc, err := converters.Decode(w.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.Text)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/other/result", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetStatusAndCancel(t *testing.T) {
	s := newTestServer(t)

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"processing"`)

	w = s.do(httptest.NewRequest(http.MethodDelete, "/api/v1/documents/doc-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"doc-1"}, s.service.cancelled)

	w = s.do(httptest.NewRequest(http.MethodDelete, "/api/v1/documents/other", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
