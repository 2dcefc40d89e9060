package embed

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"fotopoisk/internal/config"
	"fotopoisk/internal/errors"
)

// ProviderType names an embedding backend.
type ProviderType string

const (
	// ProviderClipServer talks to a CLIP model served as an HTTP sidecar
	// (default: GPU-friendly, model files stay out of this process).
	ProviderClipServer ProviderType = "clipserver"

	// ProviderONNX runs the CLIP towers in-process via ONNX Runtime.
	ProviderONNX ProviderType = "onnx"

	// ProviderStatic uses hash-based vectors (tests, air-gapped smoke runs).
	ProviderStatic ProviderType = "static"
)

// String returns the provider name.
func (p ProviderType) String() string { return string(p) }

// ParseProvider converts a config string to a ProviderType, defaulting to
// the sidecar.
func ParseProvider(s string) ProviderType {
	switch strings.ToLower(s) {
	case "onnx":
		return ProviderONNX
	case "static":
		return ProviderStatic
	default:
		return ProviderClipServer
	}
}

// ValidProviders returns all recognized provider names.
func ValidProviders() []string {
	return []string{string(ProviderClipServer), string(ProviderONNX), string(ProviderStatic)}
}

// IsValidProvider checks a provider name.
func IsValidProvider(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range ValidProviders() {
		if lower == p {
			return true
		}
	}
	return false
}

// NewBackend builds the configured backend. Selection is explicit: an
// unavailable backend is an error with a fix, never a silent downgrade to
// a weaker provider.
func NewBackend(ctx context.Context, cfg config.EmbeddingConfig) (Backend, error) {
	switch ParseProvider(cfg.Provider) {
	case ProviderClipServer:
		backend, err := NewClipServerBackend(ctx, ClipServerConfig{
			Endpoint:   cfg.Endpoint,
			Dimensions: cfg.Dim,
		})
		if err != nil {
			return nil, err
		}
		return backend, nil

	case ProviderONNX:
		backend, err := NewONNXBackend(ONNXConfig{
			LibraryPath:     cfg.ONNX.LibraryPath,
			VisionModelPath: cfg.ONNX.VisionModelPath,
			TextModelPath:   cfg.ONNX.TextModelPath,
			TokenizerPath:   cfg.ONNX.TokenizerPath,
			Dimensions:      cfg.Dim,
			IntraOpThreads:  cfg.ONNX.IntraOpThreads,
		})
		if err != nil {
			return nil, err
		}
		return backend, nil

	case ProviderStatic:
		dim := cfg.Dim
		if dim <= 0 {
			dim = DefaultClipDimensions
		}
		return NewStaticBackend(dim), nil

	default:
		return nil, errors.New(errors.ErrCodeInvalidArgument,
			"unknown embedding provider "+cfg.Provider, nil).
			WithSuggestion("Valid providers: " + strings.Join(ValidProviders(), ", "))
	}
}

// NewService assembles the full embedding service from configuration:
// backend, fetcher, cache and pass-averaging. The adapter starts as
// identity; the caller installs the registry's active adapter afterwards.
func NewService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Embedder, error) {
	backend, err := NewBackend(ctx, cfg.Embedding)
	if err != nil {
		return nil, err
	}

	fetcher := NewFetcher(
		WithFetchTimeout(time.Duration(cfg.Embedding.FetchTimeoutSeconds)*time.Second),
		WithMaxImageBytes(cfg.Embedding.ImageMaxBytes),
	)

	return NewEmbedder(backend,
		WithPasses(cfg.Embedding.Passes),
		WithCacheSize(cfg.Embedding.CacheSize),
		WithFetcher(fetcher),
		WithLogger(logger),
	), nil
}
