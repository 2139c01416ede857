package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/feichai0017/chunk-extractor/config"
	"github.com/feichai0017/chunk-extractor/internal/service/extraction"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
)

// Gemini sends each chunk as an inline PDF to the Gemini API.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
	logger logger.Logger
}

func NewGemini(ctx context.Context, cfg config.GeminiConfig, log logger.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	model.SetTemperature(cfg.Temperature)
	if cfg.MaxTokens > 0 {
		model.SetMaxOutputTokens(cfg.MaxTokens)
	}
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemInstruction)}}

	return &Gemini{client: client, model: model, logger: log.Named("gemini")}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Extract(ctx context.Context, req extraction.Request) (*extraction.Content, error) {
	resp, err := g.model.GenerateContent(ctx,
		genai.Blob{MIMEType: req.MIMEType, Data: req.Payload},
		genai.Text(req.Instructions),
	)
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return nil, &extraction.ServiceError{StatusCode: StatusUnprocessable, Code: "BLOCKED", Message: blocked.Error(), Err: err}
		}
		return nil, serviceError(err)
	}

	var b strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}
	if b.Len() == 0 {
		g.logger.Warn("empty response", logger.String("pages", req.Pages.String()))
	}
	return Assess(b.String())
}

func (g *Gemini) Close() error {
	return g.client.Close()
}

const systemInstruction = "You transcribe documents. Reproduce every piece of text exactly as it appears, " +
	"mark anything you cannot read with the conventions you are given, and never summarize."
