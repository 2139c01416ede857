package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidDocument    = errors.New("invalid document")
	ErrAlreadyInitialized = errors.New("document already initialized")
	ErrInvalidTransition  = errors.New("invalid chunk transition")
	ErrNotFound           = errors.New("document not found")
)

// InvalidDocumentError is returned when a document cannot be planned.
type InvalidDocumentError struct {
	Reason string
	Err    error
}

func (e *InvalidDocumentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid document: %s: %v", e.Reason, e.Err)
	}
	return "invalid document: " + e.Reason
}

func (e *InvalidDocumentError) Unwrap() error        { return e.Err }
func (e *InvalidDocumentError) Is(target error) bool { return target == ErrInvalidDocument }

// AlreadyInitializedError is returned when a live ledger entry exists.
type AlreadyInitializedError struct {
	DocumentID string
}

func (e *AlreadyInitializedError) Error() string {
	return fmt.Sprintf("document %s already initialized", e.DocumentID)
}

func (e *AlreadyInitializedError) Is(target error) bool { return target == ErrAlreadyInitialized }

// InvalidTransitionError is returned for a chunk transition the state
// machine does not allow.
type InvalidTransitionError struct {
	DocumentID string
	ChunkIndex int
	From       ChunkStatus
	To         ChunkStatus
	Reason     string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("document %s chunk %d: cannot move from %s to %s", e.DocumentID, e.ChunkIndex, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// NotFoundError is returned for unknown or expired documents, and for chunk
// indexes outside a document.
type NotFoundError struct {
	DocumentID string
	ChunkIndex *int
}

func (e *NotFoundError) Error() string {
	if e.ChunkIndex != nil {
		return fmt.Sprintf("document %s has no chunk %d", e.DocumentID, *e.ChunkIndex)
	}
	return fmt.Sprintf("document %s not found", e.DocumentID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ErrorKind classifies an extraction failure.
type ErrorKind string

const (
	KindTimeout      ErrorKind = "timeout"
	KindRateLimit    ErrorKind = "rate_limit"
	KindTransient    ErrorKind = "transient"
	KindNonRetryable ErrorKind = "non_retryable"
	KindCancelled    ErrorKind = "cancelled"
)

// Retryable reports whether another attempt may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindRateLimit, KindTransient:
		return true
	}
	return false
}

var (
	ErrTimeout          = errors.New("extraction timed out")
	ErrRateLimited      = errors.New("extraction rate limited")
	ErrTransientService = errors.New("extraction service unavailable")
	ErrNonRetryable     = errors.New("extraction rejected")
	ErrCancelled        = errors.New("extraction cancelled")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindRateLimit:
		return ErrRateLimited
	case KindTransient:
		return ErrTransientService
	case KindCancelled:
		return ErrCancelled
	}
	return ErrNonRetryable
}

// ExtractionError is the final error of a chunk's attempt sequence.
type ExtractionError struct {
	Kind       ErrorKind
	StatusCode int
	Attempts   int
	Err        error
}

func (e *ExtractionError) Error() string {
	msg := fmt.Sprintf("%s after %d attempt(s)", e.Kind, e.Attempts)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func (e *ExtractionError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// ChunkError converts e into the ledger representation.
func (e *ExtractionError) ChunkError() ChunkError {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return ChunkError{
		Kind:       e.Kind,
		StatusCode: e.StatusCode,
		Message:    msg,
		Attempts:   e.Attempts,
	}
}
