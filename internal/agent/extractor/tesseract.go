package extractor

import (
	"context"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"

	"github.com/feichai0017/chunk-extractor/config"
	"github.com/feichai0017/chunk-extractor/internal/service/extraction"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
)

// Tesseract runs local OCR. It ignores the instructions and reports word
// confidence averaged over the chunk.
type Tesseract struct {
	languages []string
	dpi       float64
	pipeline  Pipeline
	logger    logger.Logger
}

func NewTesseract(cfg config.TesseractConfig, log logger.Logger) *Tesseract {
	langs := cfg.Languages
	if len(langs) == 0 {
		langs = []string{"eng"}
	}
	dpi := cfg.DPI
	if dpi <= 0 {
		dpi = 300
	}
	return &Tesseract{
		languages: langs,
		dpi:       float64(dpi),
		pipeline:  DefaultPipeline(cfg.Threshold),
		logger:    log.Named("tesseract"),
	}
}

func (t *Tesseract) Name() string { return "tesseract" }

func (t *Tesseract) Extract(ctx context.Context, req extraction.Request) (*extraction.Content, error) {
	pages, err := renderPages(ctx, req.Payload, req.Pages.Start, t.dpi)
	if err != nil {
		return nil, err
	}

	// gosseract clients are not safe for concurrent use
	client := gosseract.NewClient()
	defer client.Close()
	if err := client.SetLanguage(t.languages...); err != nil {
		return nil, unreadable(fmt.Errorf("set language: %w", err))
	}
	if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		return nil, unreadable(fmt.Errorf("set page segmentation: %w", err))
	}

	var (
		texts []string
		total float64
		words int
	)
	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := t.pipeline.Apply(p.Image)
		if err != nil {
			return nil, unreadable(fmt.Errorf("preprocess page %d: %w", p.Number, err))
		}
		data, err := encodePage(page{Number: p.Number, Image: img}, imaging.PNG)
		if err != nil {
			return nil, err
		}
		if err := client.SetImageFromBytes(data); err != nil {
			return nil, unreadable(fmt.Errorf("load page %d: %w", p.Number, err))
		}
		text, err := client.Text()
		if err != nil {
			return nil, unreadable(fmt.Errorf("recognize page %d: %w", p.Number, err))
		}
		boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
		if err != nil {
			t.logger.Warn("failed to read word confidence", logger.Int("page", p.Number), logger.Error(err))
		}
		for _, box := range boxes {
			total += box.Confidence
			words++
		}
		texts = append(texts, fmt.Sprintf("--- PAGE %d ---\n%s", p.Number, strings.TrimSpace(text)))
	}

	content := &extraction.Content{Text: strings.Join(texts, "\n\n")}
	if words > 0 {
		content.Confidence = scoreConfidence(total / float64(words))
	}
	return content, nil
}
