package handlers

import (
	"context"
	"errors"

	"github.com/feichai0017/chunk-extractor/internal/models"
)

// LocalProgress is the in-process ledger.
type LocalProgress interface {
	GetProgress(docID string) (models.DocumentProgress, error)
	Chunks(docID string) ([]models.ChunkOutcome, error)
	Subscribe(ctx context.Context, docID string) (<-chan models.ProgressEvent, error)
}

// RemoteProgress follows documents processed by another process.
type RemoteProgress interface {
	Snapshot(ctx context.Context, docID string) (models.DocumentProgress, error)
	Subscribe(ctx context.Context, docID string) (<-chan models.ProgressEvent, error)
}

// ProgressReader answers from the local ledger first and falls back to the
// remote mirror, which may be nil.
type ProgressReader struct {
	local  LocalProgress
	remote RemoteProgress
}

func NewProgressReader(local LocalProgress, remote RemoteProgress) *ProgressReader {
	return &ProgressReader{local: local, remote: remote}
}

func (p *ProgressReader) Progress(ctx context.Context, docID string) (models.DocumentProgress, error) {
	prog, err := p.local.GetProgress(docID)
	if err == nil || !errors.Is(err, models.ErrNotFound) || p.remote == nil {
		return prog, err
	}
	return p.remote.Snapshot(ctx, docID)
}

func (p *ProgressReader) Chunks(docID string) ([]models.ChunkOutcome, error) {
	return p.local.Chunks(docID)
}

// Follow returns the current progress and a channel of the events after it.
// A nil channel means the document has already reached a terminal state.
// Local subscriptions replay the whole event log after the snapshot.
func (p *ProgressReader) Follow(ctx context.Context, docID string) (models.DocumentProgress, <-chan models.ProgressEvent, error) {
	prog, err := p.local.GetProgress(docID)
	if err == nil {
		events, err := p.local.Subscribe(ctx, docID)
		return prog, events, err
	}
	if !errors.Is(err, models.ErrNotFound) || p.remote == nil {
		return prog, nil, err
	}

	// subscribe before reading the snapshot so no event falls between them
	events, err := p.remote.Subscribe(ctx, docID)
	if err != nil {
		return prog, nil, err
	}
	prog, err = p.remote.Snapshot(ctx, docID)
	if err != nil || prog.Status.Terminal() {
		drain(events)
		return prog, nil, err
	}
	return prog, events, nil
}

// drain consumes an abandoned subscription until its context ends.
func drain(events <-chan models.ProgressEvent) {
	go func() {
		for range events {
		}
	}()
}
