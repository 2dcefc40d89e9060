// Package embed turns product photos and product names into unit-norm
// vectors in a shared image/text space.
//
// A Backend produces raw backbone vectors (CLIP served over HTTP, CLIP via
// ONNX Runtime, or a deterministic hash backend for tests and air-gapped
// runs). The Embedder service owns everything around the backend: image
// fetch and decode, preprocessing, multi-pass averaging, image/text fusion
// for catalog items, an LRU vector cache, and the trainable adapter that
// maps backbone space into the serving space.
package embed

import (
	"context"
	"image"
)

// maxTextTokens bounds text inputs before they reach a backend. CLIP text
// towers accept 77 positions; two are reserved for begin/end markers.
const maxTextTokens = 75

// Fusion weights for catalog items: the photo dominates, the product name
// disambiguates visually similar items.
const (
	imageFusionWeight = 0.8
	textFusionWeight  = 0.2
)

// Backend embeds a single prepared image or a single text string into
// backbone space. Implementations must be safe for concurrent use.
type Backend interface {
	// EmbedImage embeds one already-prepared image (see Preprocessor) and
	// returns a vector of Dimensions() components. The result is not
	// required to be unit norm.
	EmbedImage(ctx context.Context, img image.Image) ([]float32, error)

	// EmbedText embeds one text string. Implementations truncate to the
	// token budget themselves; callers may pass arbitrary length.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the vector width (D).
	Dimensions() int

	// InputSize returns the square pixel size the backend expects.
	InputSize() int

	// ModelName identifies the backbone, e.g. "clip-vit-b-32".
	ModelName() string

	// Available reports whether the backend can serve requests right now.
	Available(ctx context.Context) bool

	// Close releases sockets, sessions and native handles.
	Close() error
}

// ImageSource is one query or catalog photo, given as exactly one of a
// local path, a remote URL, or raw bytes.
type ImageSource struct {
	Path string
	URL  string
	Data []byte
}

// FromPath builds an ImageSource backed by a local file.
func FromPath(path string) ImageSource { return ImageSource{Path: path} }

// FromURL builds an ImageSource backed by a remote image.
func FromURL(url string) ImageSource { return ImageSource{URL: url} }

// FromBytes builds an ImageSource from already-loaded bytes.
func FromBytes(data []byte) ImageSource { return ImageSource{Data: data} }

// IsZero reports whether no source was provided at all.
func (s ImageSource) IsZero() bool {
	return s.Path == "" && s.URL == "" && len(s.Data) == 0
}

// Describe returns a short human label for logs and error details.
func (s ImageSource) Describe() string {
	switch {
	case s.Path != "":
		return s.Path
	case s.URL != "":
		return s.URL
	case len(s.Data) > 0:
		return "inline bytes"
	default:
		return "empty source"
	}
}
