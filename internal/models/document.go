package models

import (
	"fmt"
	"time"
)

// DocumentMetadata describes an uploaded PDF.
type DocumentMetadata struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Author    string    `json:"author,omitempty"`
	FileName  string    `json:"fileName"`
	FileSize  int64     `json:"fileSize"`
	MimeType  string    `json:"mimeType"`
	Pages     int       `json:"pages"`
	CreatedAt time.Time `json:"createdAt"`
}

// PageRange is a 1-based inclusive span of pages.
type PageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Pages returns the number of pages covered.
func (r PageRange) Pages() int {
	return r.End - r.Start + 1
}

// Valid reports whether r is a non-empty 1-based range.
func (r PageRange) Valid() bool {
	return r.Start >= 1 && r.End >= r.Start
}

func (r PageRange) String() string {
	if r.Start == r.End {
		return fmt.Sprintf("%d", r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// ChunkDescriptor is one unit of extraction work. Descriptors of a document
// partition its pages and are ordered by Index.
type ChunkDescriptor struct {
	Index   int       `json:"index"`
	Pages   PageRange `json:"pages"`
	Payload []byte    `json:"-"`
}

// DocumentStatus is the aggregate state of a document run.
type DocumentStatus string

const (
	DocumentPending      DocumentStatus = "pending"
	DocumentProcessing   DocumentStatus = "processing"
	DocumentCompleted    DocumentStatus = "completed"
	DocumentPartialError DocumentStatus = "partial_error"
	DocumentError        DocumentStatus = "error"
	DocumentCancelled    DocumentStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected.
func (s DocumentStatus) Terminal() bool {
	switch s {
	case DocumentCompleted, DocumentPartialError, DocumentError, DocumentCancelled:
		return true
	}
	return false
}

// ConfidenceLevel is a coarse quality rating.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// Rank orders levels from low (0) to high (2); unknown values rank -1.
func (c ConfidenceLevel) Rank() int {
	switch c {
	case ConfidenceLow:
		return 0
	case ConfidenceMedium:
		return 1
	case ConfidenceHigh:
		return 2
	}
	return -1
}

// Valid reports whether c is one of the known levels.
func (c ConfidenceLevel) Valid() bool {
	return c.Rank() >= 0
}

// MinConfidence returns the lower of a and b, ignoring unknown values.
func MinConfidence(a, b ConfidenceLevel) ConfidenceLevel {
	switch {
	case !a.Valid():
		return b
	case !b.Valid():
		return a
	case b.Rank() < a.Rank():
		return b
	}
	return a
}

// ParseConfidence maps free text such as "High" to a level.
func ParseConfidence(s string) (ConfidenceLevel, bool) {
	switch s {
	case "high", "High", "HIGH":
		return ConfidenceHigh, true
	case "medium", "Medium", "MEDIUM":
		return ConfidenceMedium, true
	case "low", "Low", "LOW":
		return ConfidenceLow, true
	}
	return "", false
}

// DocumentResult is the aggregated outcome of a document run.
type DocumentResult struct {
	DocumentID      string          `json:"documentId"`
	Status          DocumentStatus  `json:"status"`
	AggregatedText  string          `json:"aggregatedText"`
	Confidence      ConfidenceLevel `json:"confidence"`
	FailedRanges    []PageRange     `json:"failedRanges"`
	TotalChunks     int             `json:"totalChunks"`
	CompletedChunks int             `json:"completedChunks"`
	FailedChunks    int             `json:"failedChunks"`
	PageCount       int             `json:"pageCount"`
	Chunked         bool            `json:"chunked"`
	HasHandwriting  bool            `json:"hasHandwriting"`
	ProcessingTime  time.Duration   `json:"processingTime"`
	CompletedAt     time.Time       `json:"completedAt"`
}
