package extractor

import (
	"errors"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Preprocessor transforms a rendered page before OCR.
type Preprocessor interface {
	Process(img image.Image) (image.Image, error)
}

// PreprocessFunc adapts a function to Preprocessor.
type PreprocessFunc func(img image.Image) (image.Image, error)

func (f PreprocessFunc) Process(img image.Image) (image.Image, error) { return f(img) }

// Grayscale drops color.
func Grayscale() Preprocessor {
	return PreprocessFunc(func(img image.Image) (image.Image, error) {
		return imaging.Grayscale(img), nil
	})
}

// Contrast changes contrast by pct percent, -100 to 100.
func Contrast(pct float64) Preprocessor {
	return PreprocessFunc(func(img image.Image) (image.Image, error) {
		return imaging.AdjustContrast(img, pct), nil
	})
}

// Sharpen applies an unsharp mask of the given sigma.
func Sharpen(sigma float64) Preprocessor {
	return PreprocessFunc(func(img image.Image) (image.Image, error) {
		return imaging.Sharpen(img, sigma), nil
	})
}

// Denoise blurs away speckle before binarization.
func Denoise(sigma float64) Preprocessor {
	return PreprocessFunc(func(img image.Image) (image.Image, error) {
		return imaging.Blur(img, sigma), nil
	})
}

// Binarize maps every pixel brighter than threshold to white and the rest to
// black.
func Binarize(threshold uint8) Preprocessor {
	return PreprocessFunc(func(img image.Image) (image.Image, error) {
		gray := imaging.Grayscale(img)
		bounds := gray.Bounds()
		out := image.NewGray(bounds)
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				if color.GrayModel.Convert(gray.At(x, y)).(color.Gray).Y > threshold {
					out.SetGray(x, y, color.Gray{Y: 255})
				} else {
					out.SetGray(x, y, color.Gray{Y: 0})
				}
			}
		}
		return out, nil
	})
}

// Pipeline runs preprocessors in order.
type Pipeline []Preprocessor

// DefaultPipeline is used for scanned pages. A zero threshold skips
// binarization.
func DefaultPipeline(threshold uint8) Pipeline {
	p := Pipeline{Grayscale(), Contrast(20), Sharpen(0.5)}
	if threshold > 0 {
		p = append(p, Denoise(0.5), Binarize(threshold))
	}
	return p
}

func (p Pipeline) Apply(img image.Image) (image.Image, error) {
	if img == nil {
		return nil, errors.New("input image is nil")
	}
	var err error
	for _, step := range p {
		img, err = step.Process(img)
		if err != nil {
			return nil, err
		}
		if img == nil {
			return nil, errors.New("preprocessor returned nil image")
		}
	}
	return img, nil
}
