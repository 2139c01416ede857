package extractor

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/disintegration/imaging"

	"github.com/feichai0017/chunk-extractor/config"
	"github.com/feichai0017/chunk-extractor/internal/service/extraction"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
)

// AnalyzeAPI is the part of the Textract client the backend uses.
type AnalyzeAPI interface {
	AnalyzeDocument(ctx context.Context, in *textract.AnalyzeDocumentInput, optFns ...func(*textract.Options)) (*textract.AnalyzeDocumentOutput, error)
}

// Textract analyzes each page of a chunk with AWS Textract. The synchronous
// API accepts one page per call, so pages are rendered first.
type Textract struct {
	client   AnalyzeAPI
	dpi      float64
	features []types.FeatureType
	logger   logger.Logger
}

func NewTextract(ctx context.Context, cfg config.TextractConfig, log logger.Logger) (*Textract, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := textract.NewFromConfig(awsCfg, func(o *textract.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// retries belong to the extraction client
		o.RetryMaxAttempts = 1
	})
	return NewTextractWithClient(client, log), nil
}

func NewTextractWithClient(client AnalyzeAPI, log logger.Logger) *Textract {
	return &Textract{
		client:   client,
		dpi:      200,
		features: []types.FeatureType{types.FeatureTypeTables, types.FeatureTypeForms},
		logger:   log.Named("textract"),
	}
}

func (t *Textract) Name() string { return "textract" }

func (t *Textract) Extract(ctx context.Context, req extraction.Request) (*extraction.Content, error) {
	pages, err := renderPages(ctx, req.Payload, req.Pages.Start, t.dpi)
	if err != nil {
		return nil, err
	}

	var (
		texts []string
		total float64
		lines int
	)
	for _, p := range pages {
		data, err := encodePage(p, imaging.PNG)
		if err != nil {
			return nil, err
		}
		out, err := t.client.AnalyzeDocument(ctx, &textract.AnalyzeDocumentInput{
			Document:     &types.Document{Bytes: data},
			FeatureTypes: t.features,
		})
		if err != nil {
			return nil, serviceError(err)
		}

		pa := analyzeBlocks(out.Blocks)
		total += pa.confidenceSum
		lines += pa.lines
		texts = append(texts, fmt.Sprintf("--- PAGE %d ---\n%s", p.Number, pa.text()))
	}

	content := &extraction.Content{Text: strings.Join(texts, "\n\n")}
	if lines > 0 {
		content.Confidence = scoreConfidence(total / float64(lines))
	}
	return content, nil
}

type pageAnalysis struct {
	body          []string
	tables        []string
	forms         []string
	confidenceSum float64
	lines         int
}

func (a pageAnalysis) text() string {
	parts := []string{strings.Join(a.body, "\n")}
	parts = append(parts, a.tables...)
	if len(a.forms) > 0 {
		parts = append(parts, strings.Join(a.forms, "\n"))
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

func analyzeBlocks(blocks []types.Block) pageAnalysis {
	byID := make(map[string]types.Block, len(blocks))
	for _, b := range blocks {
		if b.Id != nil {
			byID[*b.Id] = b
		}
	}

	var a pageAnalysis
	for _, b := range blocks {
		switch b.BlockType {
		case types.BlockTypeLine:
			if b.Text == nil {
				continue
			}
			a.body = append(a.body, *b.Text)
			if b.Confidence != nil {
				a.confidenceSum += float64(*b.Confidence)
				a.lines++
			}
		case types.BlockTypeTable:
			if table := renderTable(b, byID); table != "" {
				a.tables = append(a.tables, table)
			}
		case types.BlockTypeKeyValueSet:
			if len(b.EntityTypes) == 0 || b.EntityTypes[0] != types.EntityTypeKey {
				continue
			}
			key := childText(b, byID)
			value := valueText(b, byID)
			if key != "" && value != "" {
				a.forms = append(a.forms, key+": "+value)
			}
		}
	}
	return a
}

// renderTable lays a table out as pipe-separated rows.
func renderTable(table types.Block, byID map[string]types.Block) string {
	var rows, cols int32
	var cells []types.Block
	for _, rel := range table.Relationships {
		if rel.Type != types.RelationshipTypeChild {
			continue
		}
		for _, id := range rel.Ids {
			cell, ok := byID[id]
			if !ok || cell.BlockType != types.BlockTypeCell || cell.RowIndex == nil || cell.ColumnIndex == nil {
				continue
			}
			rows = max(rows, *cell.RowIndex)
			cols = max(cols, *cell.ColumnIndex)
			cells = append(cells, cell)
		}
	}
	if rows == 0 || cols == 0 {
		return ""
	}

	grid := make([][]string, rows)
	for i := range grid {
		grid[i] = make([]string, cols)
	}
	for _, cell := range cells {
		grid[*cell.RowIndex-1][*cell.ColumnIndex-1] = childText(cell, byID)
	}

	out := make([]string, len(grid))
	for i, row := range grid {
		out[i] = "| " + strings.Join(row, " | ") + " |"
	}
	return strings.Join(out, "\n")
}

func childText(b types.Block, byID map[string]types.Block) string {
	var words []string
	for _, rel := range b.Relationships {
		if rel.Type != types.RelationshipTypeChild {
			continue
		}
		for _, id := range rel.Ids {
			if child, ok := byID[id]; ok && child.Text != nil && child.BlockType == types.BlockTypeWord {
				words = append(words, *child.Text)
			}
		}
	}
	return strings.Join(words, " ")
}

func valueText(key types.Block, byID map[string]types.Block) string {
	for _, rel := range key.Relationships {
		if rel.Type != types.RelationshipTypeValue {
			continue
		}
		for _, id := range rel.Ids {
			if value, ok := byID[id]; ok {
				return childText(value, byID)
			}
		}
	}
	return ""
}
