package document

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"strings"

	"github.com/feichai0017/chunk-extractor/internal/models"
	"github.com/feichai0017/chunk-extractor/internal/utils/validator"
	"github.com/feichai0017/chunk-extractor/pkg/converters"
	"github.com/feichai0017/chunk-extractor/pkg/queue"
)

type DocumentProcessor interface {
	ProcessFile(ctx context.Context, header *multipart.FileHeader) (*Submission, error)
	ProcessBatch(ctx context.Context, files []*multipart.FileHeader) ([]*Submission, error)
	Submit(ctx context.Context, fileName string, r io.Reader) (*Submission, error)
	GetProcessingStatus(ctx context.Context, docID string) (*queue.TaskStatus, error)
	HandleDocument(ctx context.Context, task *queue.Task) error
	GetProcessedDocument(ctx context.Context, docID string) (*converters.ProcessedDocument, error)
	CancelTask(ctx context.Context, docID string) error
	CleanupTasks(ctx context.Context) (int, error)
}

// Submission is returned when an upload has been stored and queued.
type Submission struct {
	DocumentID string `json:"documentId"`
	TaskID     string `json:"taskId"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
	Pages      int    `json:"pages"`
	Status     string `json:"status"`
}

// UploadRejectedError carries the rules an upload broke.
type UploadRejectedError struct {
	FileName string
	Errors   []validator.ValidationError
}

func (e *UploadRejectedError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Message
	}
	return fmt.Sprintf("upload %s rejected: %s", e.FileName, strings.Join(msgs, "; "))
}

func (e *UploadRejectedError) Is(target error) bool { return target == models.ErrInvalidDocument }
