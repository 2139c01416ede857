package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/feichai0017/chunk-extractor/config"
	"github.com/feichai0017/chunk-extractor/internal/agent/document/pdf"
	"github.com/feichai0017/chunk-extractor/internal/agent/extractor"
	"github.com/feichai0017/chunk-extractor/internal/service/extraction"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
)

var extToMIME = map[string]string{
	".pdf": "application/pdf",
}

// MIMEType maps a file name to the MIME type of a supported document.
func MIMEType(fileName string) (string, error) {
	mimeType, ok := extToMIME[strings.ToLower(filepath.Ext(fileName))]
	if !ok {
		return "", fmt.Errorf("unsupported file type: %s", filepath.Ext(fileName))
	}
	return mimeType, nil
}

type ProcessorFactory struct {
	processors map[string]*pdf.Processor
	logger     logger.Logger
}

func NewProcessorFactory(log logger.Logger) *ProcessorFactory {
	return &ProcessorFactory{
		processors: map[string]*pdf.Processor{
			"application/pdf": pdf.NewProcessor(log),
		},
		logger: log,
	}
}

// GetProcessor returns the loader for a file name or MIME type.
func (f *ProcessorFactory) GetProcessor(fileType string) (*pdf.Processor, error) {
	mimeType := strings.ToLower(fileType)
	if !strings.Contains(mimeType, "/") {
		var err error
		if mimeType, err = MIMEType(fileType); err != nil {
			f.logger.Warn("unsupported file type", logger.String("fileType", fileType))
			return nil, err
		}
	}

	processor, ok := f.processors[mimeType]
	if !ok {
		return nil, fmt.Errorf("no processor found for mime type: %s", mimeType)
	}
	return processor, nil
}

// NewBackend builds the extraction backend named by cfg.Provider. Backends
// holding connections also implement io.Closer.
func NewBackend(ctx context.Context, cfg config.ExtractionConfig, log logger.Logger) (extraction.Backend, error) {
	log.Info("creating extraction backend", logger.String("provider", cfg.Provider))

	var (
		backend extraction.Backend
		err     error
	)
	switch cfg.Provider {
	case "gemini":
		backend, err = extractor.NewGemini(ctx, cfg.Gemini, log)
	case "vertex":
		backend, err = extractor.NewVertex(ctx, cfg.Vertex, cfg.Gemini, log)
	case "textract":
		backend, err = extractor.NewTextract(ctx, cfg.Textract, log)
	case "ollama":
		backend = extractor.NewOllama(cfg.Ollama, cfg.Gemini.Temperature, log)
	case "tesseract":
		backend = extractor.NewTesseract(cfg.Tesseract, log)
	default:
		return nil, fmt.Errorf("unknown extraction provider: %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend: %w", cfg.Provider, err)
	}
	return backend, nil
}
