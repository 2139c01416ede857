package extractor

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"

	"github.com/feichai0017/chunk-extractor/internal/service/extraction"
)

// page is one rendered page of a chunk, numbered within the whole document.
type page struct {
	Number int
	Image  image.Image
}

// renderPages rasterizes every page of a chunk payload. first is the
// document page number of the chunk's first page.
func renderPages(ctx context.Context, data []byte, first int, dpi float64) ([]page, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, unreadable(err)
	}
	defer doc.Close()

	n := doc.NumPage()
	if n == 0 {
		return nil, unreadable(fmt.Errorf("chunk has no pages"))
	}

	pages := make([]page, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := doc.ImageDPI(i, dpi)
		if err != nil {
			return nil, unreadable(fmt.Errorf("render page %d: %w", first+i, err))
		}
		pages = append(pages, page{Number: first + i, Image: img})
	}
	return pages, nil
}

// encodePage serializes a rendered page in the format a backend uploads.
func encodePage(p page, format imaging.Format, opts ...imaging.EncodeOption) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, p.Image, format, opts...); err != nil {
		return nil, unreadable(fmt.Errorf("encode page %d: %w", p.Number, err))
	}
	return buf.Bytes(), nil
}

func unreadable(err error) error {
	return &extraction.ServiceError{
		StatusCode: StatusUnprocessable,
		Code:       "UNREADABLE_CHUNK",
		Message:    err.Error(),
		Err:        err,
	}
}
