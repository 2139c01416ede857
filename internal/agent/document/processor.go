package document

import (
	"github.com/feichai0017/chunk-extractor/internal/models"
)

// Source is a loaded document the chunk planner can split.
type Source interface {
	PageCount() int
	Size() int64
	Bytes() []byte
	// Slice returns a standalone document holding only the pages in r.
	Slice(r models.PageRange) ([]byte, error)
}

// MetadataSource is implemented by sources that can describe themselves.
type MetadataSource interface {
	Source
	Metadata() models.DocumentMetadata
}
