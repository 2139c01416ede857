package document

import (
	"fmt"
	"sort"
	"strings"

	"github.com/feichai0017/chunk-extractor/internal/models"
)

const blockSeparator = "\n\n"

// Aggregate folds chunk outcomes into a document result. Completed text is
// concatenated in chunk order with a page marker before each block; adjacent
// failed chunks are reported as one range. Confidence is the lowest level any
// chunk reported, or medium when none did.
func Aggregate(docID string, outcomes []models.ChunkOutcome, cancelled bool) *models.DocumentResult {
	sorted := make([]models.ChunkOutcome, len(outcomes))
	copy(sorted, outcomes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChunkIndex < sorted[j].ChunkIndex })

	result := &models.DocumentResult{
		DocumentID:   docID,
		TotalChunks:  len(sorted),
		FailedRanges: []models.PageRange{},
	}

	var (
		blocks     []string
		confidence models.ConfidenceLevel
		lastFailed = -2
	)
	for _, o := range sorted {
		switch o.Status {
		case models.ChunkCompleted:
			result.CompletedChunks++
			blocks = append(blocks, PageMarker(o.Pages)+"\n"+strings.TrimSpace(o.Success.Text))
			if o.Success.Confidence.Valid() {
				confidence = models.MinConfidence(confidence, o.Success.Confidence)
			}
			result.HasHandwriting = result.HasHandwriting || o.Success.HasHandwriting

		case models.ChunkFailed:
			result.FailedChunks++
			if n := len(result.FailedRanges); n > 0 && lastFailed == o.ChunkIndex-1 {
				result.FailedRanges[n-1].End = o.Pages.End
			} else {
				result.FailedRanges = append(result.FailedRanges, o.Pages)
			}
			lastFailed = o.ChunkIndex
		}
	}

	result.AggregatedText = strings.Join(blocks, blockSeparator)
	if !confidence.Valid() {
		confidence = models.ConfidenceMedium
	}
	result.Confidence = confidence

	switch {
	case cancelled:
		result.Status = models.DocumentCancelled
	case result.CompletedChunks == result.TotalChunks:
		result.Status = models.DocumentCompleted
	case result.CompletedChunks == 0:
		result.Status = models.DocumentError
	default:
		result.Status = models.DocumentPartialError
	}
	return result
}

// PageMarker is the line placed before each chunk's text.
func PageMarker(r models.PageRange) string {
	if r.Start == r.End {
		return fmt.Sprintf("=== PAGE %d ===", r.Start)
	}
	return fmt.Sprintf("=== PAGES %d-%d ===", r.Start, r.End)
}
