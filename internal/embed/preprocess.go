package embed

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"

	// Catalog feeds mix formats; webp shows up often enough to matter.
	_ "golang.org/x/image/webp"

	"fotopoisk/internal/errors"
)

// Fixed enhancement constants. Catalog photos come from mixed lighting;
// a small contrast boost and a mild unsharp pass measurably improve
// nearest-neighbor agreement with human judgment. Not user-tunable.
const (
	contrastBoostPercent = 20
	sharpenSigma         = 0.5
)

// Channel statistics the CLIP backbone was trained with.
var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Preprocessor converts raw image bytes into the square, enhanced input a
// vision backbone expects. All methods are stateless and safe for
// concurrent use.
type Preprocessor struct {
	side int
}

// NewPreprocessor builds a Preprocessor for a square input of side pixels.
func NewPreprocessor(side int) *Preprocessor {
	return &Preprocessor{side: side}
}

// Side returns the configured square input size.
func (p *Preprocessor) Side() int { return p.side }

// Decode parses raw image bytes, honoring EXIF orientation.
func (p *Preprocessor) Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.New(errors.ErrCodeImageDecode, "cannot decode image", err).
			WithSuggestion("Supported formats: JPEG, PNG, GIF, TIFF, BMP, WebP")
	}
	return img, nil
}

// Prepare resizes the shorter side to the input size with Lanczos
// resampling, center-crops to a square, and applies the fixed contrast
// and sharpness enhancement.
func (p *Preprocessor) Prepare(img image.Image) *image.NRGBA {
	b := img.Bounds()
	var resized *image.NRGBA
	if b.Dx() <= b.Dy() {
		resized = imaging.Resize(img, p.side, 0, imaging.Lanczos)
	} else {
		resized = imaging.Resize(img, 0, p.side, imaging.Lanczos)
	}
	cropped := imaging.CropCenter(resized, p.side, p.side)
	enhanced := imaging.AdjustContrast(cropped, contrastBoostPercent)
	return imaging.Sharpen(enhanced, sharpenSigma)
}

// Process decodes and prepares in one step.
func (p *Preprocessor) Process(data []byte) (*image.NRGBA, error) {
	img, err := p.Decode(data)
	if err != nil {
		return nil, err
	}
	return p.Prepare(img), nil
}

// Tensor flattens a prepared image into CHW float32 layout normalized with
// the backbone's channel statistics. The input must already be square with
// the configured side.
func (p *Preprocessor) Tensor(img *image.NRGBA) []float32 {
	w, h := p.side, p.side
	out := make([]float32, 3*w*h)
	plane := w * h
	for y := 0; y < h; y++ {
		row := y * img.Stride
		for x := 0; x < w; x++ {
			px := row + x*4
			idx := y*w + x
			out[idx] = (float32(img.Pix[px])/255.0 - imagenetMean[0]) / imagenetStd[0]
			out[plane+idx] = (float32(img.Pix[px+1])/255.0 - imagenetMean[1]) / imagenetStd[1]
			out[2*plane+idx] = (float32(img.Pix[px+2])/255.0 - imagenetMean[2]) / imagenetStd[2]
		}
	}
	return out
}

// EncodePNG serializes a prepared image to PNG for transports that take
// encoded files. PNG keeps the enhancement lossless and byte-deterministic.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, errors.InternalError("cannot encode prepared image", err)
	}
	return buf.Bytes(), nil
}
