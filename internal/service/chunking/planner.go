package chunking

import (
	"github.com/feichai0017/chunk-extractor/internal/agent/document"
	"github.com/feichai0017/chunk-extractor/internal/models"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
)

const bytesPerMB = 1024 * 1024

// Options controls when and how documents are split.
type Options struct {
	// PagesPerChunk is the width of each chunk (the last may be narrower).
	PagesPerChunk int
	// Documents with more pages than PageThreshold, or larger than
	// SizeThresholdMB, are chunked.
	PageThreshold   int
	SizeThresholdMB float64
}

// DefaultOptions chunks everything above a single page or 5 MB, one page
// per chunk.
func DefaultOptions() Options {
	return Options{PagesPerChunk: 1, PageThreshold: 1, SizeThresholdMB: 5.0}
}

// Planner turns a document into ordered chunk descriptors.
type Planner struct {
	opts   Options
	logger logger.Logger
}

func NewPlanner(opts Options, log logger.Logger) *Planner {
	if opts.PagesPerChunk < 1 {
		opts.PagesPerChunk = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Planner{opts: opts, logger: log.Named("planner")}
}

// ShouldChunk reports whether a document of the given size is split.
func (p *Planner) ShouldChunk(pageCount int, sizeBytes int64) bool {
	return ShouldChunk(p.opts, pageCount, sizeBytes)
}

// ShouldChunk reports whether a document exceeds either threshold.
func ShouldChunk(opts Options, pageCount int, sizeBytes int64) bool {
	sizeMB := float64(sizeBytes) / bytesPerMB
	return pageCount > opts.PageThreshold || sizeMB > opts.SizeThresholdMB
}

// Ranges partitions pages 1..pageCount into consecutive ranges of width
// pages; the last range may be narrower. It returns ceil(pageCount/width)
// ranges.
func Ranges(pageCount, width int) []models.PageRange {
	if pageCount < 1 {
		return nil
	}
	if width < 1 {
		width = 1
	}

	ranges := make([]models.PageRange, 0, (pageCount+width-1)/width)
	for start := 1; start <= pageCount; start += width {
		end := min(start+width-1, pageCount)
		ranges = append(ranges, models.PageRange{Start: start, End: end})
	}
	return ranges
}

// Plan splits src. A document below both thresholds becomes a single
// descriptor carrying the original bytes.
func (p *Planner) Plan(src document.Source) ([]models.ChunkDescriptor, error) {
	pages := src.PageCount()
	if pages < 1 {
		return nil, &models.InvalidDocumentError{Reason: "document has no pages"}
	}

	if !p.ShouldChunk(pages, src.Size()) {
		return []models.ChunkDescriptor{{
			Index:   0,
			Pages:   models.PageRange{Start: 1, End: pages},
			Payload: src.Bytes(),
		}}, nil
	}

	ranges := Ranges(pages, p.opts.PagesPerChunk)
	chunks := make([]models.ChunkDescriptor, len(ranges))
	for i, r := range ranges {
		payload, err := src.Slice(r)
		if err != nil {
			return nil, &models.InvalidDocumentError{Reason: "failed to slice pages " + r.String(), Err: err}
		}
		chunks[i] = models.ChunkDescriptor{Index: i, Pages: r, Payload: payload}
	}

	p.logger.Info("document chunked",
		logger.Int("pages", pages),
		logger.Int64("size", src.Size()),
		logger.Int("chunks", len(chunks)),
		logger.Int("pages_per_chunk", p.opts.PagesPerChunk),
	)
	return chunks, nil
}
