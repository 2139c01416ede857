package extractor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/feichai0017/chunk-extractor/config"
	"github.com/feichai0017/chunk-extractor/internal/service/extraction"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
)

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Images  []string       `json:"images"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Model    string `json:"model"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Ollama renders each page and asks a local vision model to transcribe it.
type Ollama struct {
	baseURL     string
	model       string
	dpi         float64
	temperature float32
	httpClient  *http.Client
	logger      logger.Logger
}

func NewOllama(cfg config.OllamaConfig, temperature float32, log logger.Logger) *Ollama {
	dpi := cfg.DPI
	if dpi <= 0 {
		dpi = 150
	}
	return &Ollama{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		dpi:         float64(dpi),
		temperature: temperature,
		// the per-attempt context bounds each call
		httpClient: &http.Client{},
		logger:     log.Named("ollama"),
	}
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Extract(ctx context.Context, req extraction.Request) (*extraction.Content, error) {
	pages, err := renderPages(ctx, req.Payload, req.Pages.Start, o.dpi)
	if err != nil {
		return nil, err
	}

	texts := make([]string, 0, len(pages))
	for _, p := range pages {
		data, err := encodePage(p, imaging.JPEG, imaging.JPEGQuality(85))
		if err != nil {
			return nil, err
		}
		text, err := o.generate(ctx, req.Instructions, base64.StdEncoding.EncodeToString(data))
		if err != nil {
			return nil, err
		}
		if len(pages) > 1 && !strings.Contains(text, "--- PAGE") {
			text = fmt.Sprintf("--- PAGE %d ---\n%s", p.Number, text)
		}
		texts = append(texts, text)
	}
	return Assess(strings.Join(texts, "\n\n"))
}

func (o *Ollama) generate(ctx context.Context, prompt, image string) (string, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:   o.model,
		Prompt:  prompt,
		Images:  []string{image},
		Options: map[string]any{"temperature": o.temperature},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &extraction.ServiceError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	var result ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &extraction.ServiceError{StatusCode: http.StatusBadGateway, Message: "malformed response", Err: err}
	}
	if result.Error != "" {
		return "", &extraction.ServiceError{StatusCode: http.StatusInternalServerError, Message: result.Error}
	}
	return result.Response, nil
}

func (o *Ollama) Close() error {
	o.httpClient.CloseIdleConnections()
	return nil
}
