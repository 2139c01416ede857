package converters

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/feichai0017/chunk-extractor/internal/models"
)

// ProcessedDocument is the stored form of a finished document.
type ProcessedDocument struct {
	DocumentID  string                `json:"documentId"`
	Status      models.DocumentStatus `json:"status"`
	Text        string                `json:"text"`
	Content     []ChunkContent        `json:"content"`
	Metadata    DocumentMetadata      `json:"metadata"`
	ProcessedAt string                `json:"processedAt"`
}

// ChunkContent is one chunk's outcome.
type ChunkContent struct {
	Position       int                    `json:"position"`
	Pages          models.PageRange       `json:"pages"`
	Status         models.ChunkStatus     `json:"status"`
	Text           string                 `json:"text,omitempty"`
	Confidence     models.ConfidenceLevel `json:"confidence,omitempty"`
	HasHandwriting bool                   `json:"hasHandwriting,omitempty"`
	Attempts       int                    `json:"attempts,omitempty"`
	Error          *models.ChunkError     `json:"error,omitempty"`
}

type DocumentMetadata struct {
	FileName       string                 `json:"fileName,omitempty"`
	FileSize       int64                  `json:"fileSize,omitempty"`
	Title          string                 `json:"title,omitempty"`
	Author         string                 `json:"author,omitempty"`
	PageCount      int                    `json:"pageCount"`
	Chunked        bool                   `json:"chunked"`
	TotalChunks    int                    `json:"totalChunks"`
	Completed      int                    `json:"completedChunks"`
	Failed         int                    `json:"failedChunks"`
	FailedRanges   []models.PageRange     `json:"failedRanges"`
	Confidence     models.ConfidenceLevel `json:"confidence"`
	HasHandwriting bool                   `json:"hasHandwriting"`
	ProcessingMs   int64                  `json:"processingMs"`
}

type JSONConverter struct{}

func NewJSONConverter() *JSONConverter {
	return &JSONConverter{}
}

// Convert combines a result with its chunk outcomes and the upload's
// metadata. Chunks are ordered by index.
func (c *JSONConverter) Convert(result *models.DocumentResult, chunks []models.ChunkOutcome, meta models.DocumentMetadata) (*ProcessedDocument, error) {
	if result == nil {
		return nil, errors.New("no result to convert")
	}

	doc := &ProcessedDocument{
		DocumentID:  result.DocumentID,
		Status:      result.Status,
		Text:        result.AggregatedText,
		Content:     make([]ChunkContent, 0, len(chunks)),
		ProcessedAt: result.CompletedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Metadata: DocumentMetadata{
			FileName:       meta.FileName,
			FileSize:       meta.FileSize,
			Title:          meta.Title,
			Author:         meta.Author,
			PageCount:      result.PageCount,
			Chunked:        result.Chunked,
			TotalChunks:    result.TotalChunks,
			Completed:      result.CompletedChunks,
			Failed:         result.FailedChunks,
			FailedRanges:   result.FailedRanges,
			Confidence:     result.Confidence,
			HasHandwriting: result.HasHandwriting,
			ProcessingMs:   result.ProcessingTime.Milliseconds(),
		},
	}

	sorted := make([]models.ChunkOutcome, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChunkIndex < sorted[j].ChunkIndex })

	for _, chunk := range sorted {
		content := ChunkContent{
			Position: chunk.ChunkIndex + 1,
			Pages:    chunk.Pages,
			Status:   chunk.Status,
			Error:    chunk.Failure,
		}
		if chunk.Success != nil {
			content.Text = chunk.Success.Text
			content.Confidence = chunk.Success.Confidence
			content.HasHandwriting = chunk.Success.HasHandwriting
			content.Attempts = chunk.Success.Attempts
		}
		if chunk.Failure != nil {
			content.Attempts = chunk.Failure.Attempts
		}
		doc.Content = append(doc.Content, content)
	}
	return doc, nil
}

// Encode writes doc as indented JSON.
func Encode(w io.Writer, doc *ProcessedDocument) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	return nil
}

func Decode(r io.Reader) (*ProcessedDocument, error) {
	var doc ProcessedDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return &doc, nil
}
