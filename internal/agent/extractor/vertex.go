package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	vertex "cloud.google.com/go/vertexai/genai"

	"github.com/feichai0017/chunk-extractor/config"
	"github.com/feichai0017/chunk-extractor/internal/service/extraction"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
)

// Vertex reaches Gemini models through Vertex AI with application default
// credentials.
type Vertex struct {
	client *vertex.Client
	model  *vertex.GenerativeModel
	logger logger.Logger
}

func NewVertex(ctx context.Context, cfg config.VertexConfig, gen config.GeminiConfig, log logger.Logger) (*Vertex, error) {
	if cfg.ProjectID == "" || cfg.Location == "" {
		return nil, errors.New("vertex project and location are required")
	}
	client, err := vertex.NewClient(ctx, cfg.ProjectID, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex client: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	model.SetTemperature(gen.Temperature)
	if gen.MaxTokens > 0 {
		model.SetMaxOutputTokens(gen.MaxTokens)
	}
	model.SystemInstruction = &vertex.Content{Parts: []vertex.Part{vertex.Text(systemInstruction)}}

	return &Vertex{client: client, model: model, logger: log.Named("vertex")}, nil
}

func (v *Vertex) Name() string { return "vertex" }

func (v *Vertex) Extract(ctx context.Context, req extraction.Request) (*extraction.Content, error) {
	resp, err := v.model.GenerateContent(ctx,
		vertex.Blob{MIMEType: req.MIMEType, Data: req.Payload},
		vertex.Text(req.Instructions),
	)
	if err != nil {
		var blocked *vertex.BlockedError
		if errors.As(err, &blocked) {
			return nil, &extraction.ServiceError{StatusCode: StatusUnprocessable, Code: "BLOCKED", Message: blocked.Error(), Err: err}
		}
		return nil, serviceError(err)
	}

	var b strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(vertex.Text); ok {
				b.WriteString(string(t))
			}
		}
	}
	if b.Len() == 0 {
		v.logger.Warn("empty response", logger.String("pages", req.Pages.String()))
	}
	return Assess(b.String())
}

func (v *Vertex) Close() error {
	return v.client.Close()
}
