package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/chunk-extractor/internal/models"
	"github.com/feichai0017/chunk-extractor/internal/service/document"
	"github.com/feichai0017/chunk-extractor/pkg/converters"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
)

type DocumentHandler struct {
	service  document.DocumentProcessor
	progress *ProgressReader
	logger   logger.Logger
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func NewDocumentHandler(service document.DocumentProcessor, progress *ProgressReader, log logger.Logger) *DocumentHandler {
	return &DocumentHandler{
		service:  service,
		progress: progress,
		logger:   log.Named("http"),
	}
}

// ProcessDocument accepts one PDF in the "file" form field.
func (h *DocumentHandler) ProcessDocument(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid file upload", err)
		return
	}

	sub, err := h.service.ProcessFile(c.Request.Context(), header)
	if err != nil {
		h.handleServiceError(c, "Failed to process file", err)
		return
	}
	c.JSON(http.StatusAccepted, sub)
}

// ProcessBatch accepts several PDFs in the "files" form field.
func (h *DocumentHandler) ProcessBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid form data", err)
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		h.handleError(c, http.StatusBadRequest, "No files provided", nil)
		return
	}

	subs, err := h.service.ProcessBatch(c.Request.Context(), files)
	if err != nil {
		h.handleServiceError(c, "Failed to process files", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":   fmt.Sprintf("Processing %d documents", len(files)),
		"documents": subs,
	})
}

// GetStatus returns the queue-level status of a document.
func (h *DocumentHandler) GetStatus(c *gin.Context) {
	status, err := h.service.GetProcessingStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleServiceError(c, "Failed to get status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetProgress returns the chunk counts of a document.
func (h *DocumentHandler) GetProgress(c *gin.Context) {
	prog, err := h.progress.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleServiceError(c, "Failed to get progress", err)
		return
	}
	c.JSON(http.StatusOK, prog)
}

// GetChunks returns per-chunk outcomes, from the ledger while it retains the
// document and from the stored result afterwards.
func (h *DocumentHandler) GetChunks(c *gin.Context) {
	docID := c.Param("id")
	chunks, err := h.progress.Chunks(docID)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"documentId": docID, "chunks": chunks})
		return
	}
	if !errors.Is(err, models.ErrNotFound) {
		h.handleServiceError(c, "Failed to get chunks", err)
		return
	}

	doc, err := h.service.GetProcessedDocument(c.Request.Context(), docID)
	if err != nil {
		h.handleServiceError(c, "Failed to get chunks", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documentId": docID, "chunks": doc.Content})
}

// StreamProgress sends progress as server-sent events. The first event is
// the current snapshot; the stream ends after the finalized event.
func (h *DocumentHandler) StreamProgress(c *gin.Context) {
	ctx := c.Request.Context()
	prog, events, err := h.progress.Follow(ctx, c.Param("id"))
	if err != nil {
		h.handleServiceError(c, "Failed to follow progress", err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("snapshot", prog)
	c.Writer.Flush()
	if events == nil {
		return
	}

	c.Stream(func(_ io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return ev.Type != models.EventFinalized
		case <-ctx.Done():
			return false
		}
	})
}

// GetResult returns the stored result. With ?download=true it is sent as
// an attachment.
func (h *DocumentHandler) GetResult(c *gin.Context) {
	docID := c.Param("id")
	doc, err := h.service.GetProcessedDocument(c.Request.Context(), docID)
	if err != nil {
		h.handleServiceError(c, "Failed to get result", err)
		return
	}

	if c.Query("download") == "true" {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=result_%s.json", docID))
		c.Header("Content-Type", "application/json")
		c.Status(http.StatusOK)
		if err := converters.Encode(c.Writer, doc); err != nil {
			h.logger.Error("failed to write result", logger.String("document_id", docID), logger.Error(err))
		}
		return
	}
	c.JSON(http.StatusOK, doc)
}

// CancelTask stops a queued or running document.
func (h *DocumentHandler) CancelTask(c *gin.Context) {
	docID := c.Param("id")
	if err := h.service.CancelTask(c.Request.Context(), docID); err != nil {
		h.handleServiceError(c, "Failed to cancel task", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Task cancelled successfully",
		"documentId": docID,
	})
}

func (h *DocumentHandler) handleServiceError(c *gin.Context, message string, err error) {
	var rejected *document.UploadRejectedError
	switch {
	case errors.As(err, &rejected):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Message: message, Details: rejected.Errors})
	case errors.Is(err, models.ErrInvalidDocument):
		h.handleError(c, http.StatusBadRequest, message, err)
	case errors.Is(err, models.ErrNotFound):
		h.handleError(c, http.StatusNotFound, message, err)
	default:
		h.handleError(c, http.StatusInternalServerError, message, err)
	}
}

func (h *DocumentHandler) handleError(c *gin.Context, status int, message string, err error) {
	fields := []logger.Field{
		logger.String("path", c.Request.URL.Path),
		logger.Int("status", status),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, fields...)
	} else {
		h.logger.Info(message, fields...)
	}

	response := ErrorResponse{Message: message}
	if err != nil {
		response.Error = err.Error()
	}
	c.JSON(status, response)
}
