package models

import "time"

// ChunkStatus is the lifecycle state of a single chunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkProcessing ChunkStatus = "processing"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkFailed     ChunkStatus = "failed"
)

func (s ChunkStatus) Terminal() bool {
	return s == ChunkCompleted || s == ChunkFailed
}

// ChunkSuccess is the payload of a completed chunk.
type ChunkSuccess struct {
	Text           string          `json:"text"`
	Confidence     ConfidenceLevel `json:"confidence,omitempty"`
	HasHandwriting bool            `json:"hasHandwriting,omitempty"`
	Attempts       int             `json:"attempts"`
}

// ChunkError is the payload of a failed chunk.
type ChunkError struct {
	Kind       ErrorKind `json:"kind"`
	StatusCode int       `json:"statusCode,omitempty"`
	Message    string    `json:"message"`
	Attempts   int       `json:"attempts"`
}

func (e ChunkError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// ChunkOutcome is the ledger's view of one chunk. Success is set only when
// Status is completed and Failure only when Status is failed.
type ChunkOutcome struct {
	ChunkIndex int           `json:"chunkIndex"`
	Pages      PageRange     `json:"pages"`
	Status     ChunkStatus   `json:"status"`
	Success    *ChunkSuccess `json:"success,omitempty"`
	Failure    *ChunkError   `json:"failure,omitempty"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// DocumentProgress is a point-in-time snapshot of a document's chunks.
// Pending+Processing+Completed+Failed always equals TotalChunks.
type DocumentProgress struct {
	DocumentID      string         `json:"documentId"`
	TotalChunks     int            `json:"totalChunks"`
	Pending         int            `json:"pending"`
	Processing      int            `json:"processing"`
	Completed       int            `json:"completed"`
	Failed          int            `json:"failed"`
	OverallProgress float64        `json:"overallProgress"`
	Status          DocumentStatus `json:"status"`
	StartedAt       time.Time      `json:"startedAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// EventType names a ledger event.
type EventType string

const (
	EventInitialized     EventType = "initialized"
	EventChunkProcessing EventType = "chunk_processing"
	EventChunkCompleted  EventType = "chunk_completed"
	EventChunkFailed     EventType = "chunk_failed"
	EventFinalized       EventType = "finalized"
)

// ProgressEvent is one committed ledger transition. Sequence numbers are
// dense per document starting at 0.
type ProgressEvent struct {
	Sequence    int              `json:"sequence"`
	DocumentID  string           `json:"documentId"`
	Type        EventType        `json:"type"`
	ChunkIndex  int              `json:"chunkIndex"`
	ChunkStatus ChunkStatus      `json:"chunkStatus,omitempty"`
	Error       *ChunkError      `json:"error,omitempty"`
	Progress    DocumentProgress `json:"progress"`
	Timestamp   time.Time        `json:"timestamp"`
}
