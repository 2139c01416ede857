package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/feichai0017/chunk-extractor/internal/models"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
)

const mimeType = "application/pdf"

// Document is an in-memory PDF. It implements document.Source.
type Document struct {
	data  []byte
	pages int
	conf  *model.Configuration
	meta  models.DocumentMetadata
}

// Processor loads PDFs for the chunk planner.
type Processor struct {
	logger logger.Logger
}

func NewProcessor(log logger.Logger) *Processor {
	return &Processor{logger: log.Named("pdf")}
}

func (p *Processor) CanProcess(mime string) bool {
	return mime == mimeType
}

// Load reads a whole PDF into memory and counts its pages.
func (p *Processor) Load(ctx context.Context, id string, r io.Reader) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read pdf: %w", err)
	}

	doc, err := Open(content)
	if err != nil {
		return nil, err
	}
	doc.meta.ID = id

	p.logger.Debug("pdf loaded",
		logger.String("document_id", id),
		logger.Int("pages", doc.pages),
		logger.Int64("size", doc.Size()),
		logger.String("title", doc.meta.Title),
	)
	return doc, nil
}

// Open parses data. Page counting uses relaxed validation so slightly
// malformed scans still load.
func Open(data []byte) (*Document, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pages, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return nil, &models.InvalidDocumentError{Reason: "unreadable pdf", Err: err}
	}

	doc := &Document{
		data:  data,
		pages: pages,
		conf:  conf,
		meta: models.DocumentMetadata{
			FileSize:  int64(len(data)),
			MimeType:  mimeType,
			Pages:     pages,
			CreatedAt: time.Now(),
		},
	}
	doc.meta.Title, doc.meta.Author = readInfo(data)
	return doc, nil
}

func (d *Document) PageCount() int { return d.pages }
func (d *Document) Size() int64    { return int64(len(d.data)) }
func (d *Document) Bytes() []byte  { return d.data }

func (d *Document) Metadata() models.DocumentMetadata { return d.meta }

// Slice writes a new PDF holding pages r.Start through r.End.
func (d *Document) Slice(r models.PageRange) ([]byte, error) {
	if !r.Valid() || r.End > d.pages {
		return nil, fmt.Errorf("page range %s outside document of %d pages", r, d.pages)
	}

	var buf bytes.Buffer
	if err := api.Trim(bytes.NewReader(d.data), &buf, []string{r.String()}, d.conf); err != nil {
		return nil, fmt.Errorf("failed to slice pages %s: %w", r, err)
	}
	return buf.Bytes(), nil
}

// readInfo returns the Title and Author entries of the trailer's Info
// dictionary. Missing or unreadable entries are returned empty.
func readInfo(data []byte) (title, author string) {
	defer func() {
		// ledongthuc/pdf panics on some malformed cross-reference tables
		if recover() != nil {
			title, author = "", ""
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", ""
	}
	info := reader.Trailer().Key("Info")
	if info.IsNull() {
		return "", ""
	}
	if v := info.Key("Title"); !v.IsNull() {
		title = v.Text()
	}
	if v := info.Key("Author"); !v.IsNull() {
		author = v.Text()
	}
	return title, author
}
