package embed

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"fotopoisk/internal/vec"
)

// DefaultPasses is how many forward passes get averaged per image. Vision
// kernels are not bit-deterministic across runs; averaging three passes
// keeps nearest-neighbor ranks stable.
const DefaultPasses = 3

// Embedder is the embedding service: it owns image fetch, preprocessing,
// pass-averaging, image/text fusion, the vector cache and the active
// adapter. All methods are safe for concurrent use; promotion swaps the
// adapter atomically, so in-flight requests finish under the version they
// started with.
type Embedder struct {
	backend Backend
	fetcher *Fetcher
	prep    *Preprocessor
	cache   *vectorCache
	handle  atomic.Pointer[Adapter]
	passes  int
	logger  *slog.Logger
}

// Option customizes an Embedder.
type Option func(*Embedder)

// WithPasses sets the number of averaged forward passes per image.
func WithPasses(n int) Option {
	return func(e *Embedder) {
		if n > 0 {
			e.passes = n
		}
	}
}

// WithFetcher replaces the image fetcher.
func WithFetcher(f *Fetcher) Option {
	return func(e *Embedder) { e.fetcher = f }
}

// WithCacheSize sets the vector cache capacity.
func WithCacheSize(n int) Option {
	return func(e *Embedder) { e.cache = newVectorCache(n) }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Embedder) { e.logger = l }
}

// WithAdapter installs the initial adapter.
func WithAdapter(a *Adapter) Option {
	return func(e *Embedder) { e.handle.Store(a) }
}

// NewEmbedder assembles the service around a backend.
func NewEmbedder(backend Backend, opts ...Option) *Embedder {
	e := &Embedder{
		backend: backend,
		fetcher: NewFetcher(),
		prep:    NewPreprocessor(backend.InputSize()),
		cache:   newVectorCache(DefaultVectorCacheSize),
		passes:  DefaultPasses,
		logger:  slog.Default(),
	}
	e.handle.Store(IdentityAdapter(backend.Dimensions()))
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EmbedImage embeds one photo into serving space: the full query path.
func (e *Embedder) EmbedImage(ctx context.Context, src ImageSource) ([]float32, error) {
	base, err := e.BaseImage(ctx, src)
	if err != nil {
		return nil, err
	}
	return e.Apply(base), nil
}

// EmbedText embeds text into serving space.
func (e *Embedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	base, err := e.BaseText(ctx, text)
	if err != nil {
		return nil, err
	}
	return e.Apply(base), nil
}

// EmbedProduct embeds a catalog item: photo fused with the product name.
// It returns both the serving-space vector and the backbone-space base
// vector; the base is what re-embedding maps through future adapters
// without refetching the photo.
func (e *Embedder) EmbedProduct(ctx context.Context, src ImageSource, name string) (adapted, base []float32, err error) {
	base, err = e.ProductBase(ctx, src, name)
	if err != nil {
		return nil, nil, err
	}
	return e.Apply(base), base, nil
}

// ProductBase computes the fused backbone-space vector for a catalog item.
func (e *Embedder) ProductBase(ctx context.Context, src ImageSource, name string) ([]float32, error) {
	imgBase, err := e.BaseImage(ctx, src)
	if err != nil {
		return nil, err
	}
	txtBase, err := e.BaseText(ctx, name)
	if err != nil {
		return nil, err
	}
	// A zero text vector (empty name) leaves the fused result equal to
	// the image vector after renormalization.
	return vec.Fuse(imgBase, txtBase, imageFusionWeight, textFusionWeight), nil
}

// BaseImage returns the averaged, unit-norm backbone vector for a photo.
// Results are cached by content hash of the raw bytes.
func (e *Embedder) BaseImage(ctx context.Context, src ImageSource) ([]float32, error) {
	raw, err := e.fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, err
	}

	key := imageKey(e.backend.ModelName(), raw)
	if v, ok := e.cache.get(key); ok {
		return v, nil
	}

	prepared, err := e.prep.Process(raw)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	sum := make([]float32, e.backend.Dimensions())
	for i := 0; i < e.passes; i++ {
		out, err := e.backend.EmbedImage(ctx, prepared)
		if err != nil {
			return nil, err
		}
		for j, v := range out {
			sum[j] += v
		}
	}
	for j := range sum {
		sum[j] /= float32(e.passes)
	}
	vec.NormalizeInPlace(sum)

	e.logger.Debug("image_embedded",
		slog.String("source", src.Describe()),
		slog.Int("passes", e.passes),
		slog.Duration("duration", time.Since(start)))

	e.cache.add(key, sum)
	return sum, nil
}

// BaseText returns the unit-norm backbone vector for text. Text towers are
// deterministic, so a single pass suffices. Empty text maps to the zero
// vector.
func (e *Embedder) BaseText(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, e.backend.Dimensions()), nil
	}

	key := textKey(e.backend.ModelName(), trimmed)
	if v, ok := e.cache.get(key); ok {
		return v, nil
	}

	out, err := e.backend.EmbedText(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	result := vec.Normalize(out)
	e.cache.add(key, result)
	return result, nil
}

// Apply maps a backbone vector through the active adapter.
func (e *Embedder) Apply(base []float32) []float32 {
	return e.handle.Load().Apply(base)
}

// ActiveAdapter returns the adapter currently serving queries.
func (e *Embedder) ActiveAdapter() *Adapter {
	return e.handle.Load()
}

// SwapAdapter atomically replaces the serving adapter. In-flight embeds
// keep the adapter they loaded; new requests see the new one.
func (e *Embedder) SwapAdapter(a *Adapter) {
	old := e.handle.Swap(a)
	e.logger.Info("adapter_swapped",
		slog.String("from", old.Version),
		slog.String("to", a.Version))
}

// ModelVersion returns the active adapter's registry version.
func (e *Embedder) ModelVersion() string {
	return e.handle.Load().Version
}

// BackboneName identifies the underlying model.
func (e *Embedder) BackboneName() string { return e.backend.ModelName() }

// Dimensions returns the vector width.
func (e *Embedder) Dimensions() int { return e.backend.Dimensions() }

// Available reports whether the backend can serve.
func (e *Embedder) Available(ctx context.Context) bool {
	return e.backend.Available(ctx)
}

// CacheStats reports vector cache counters.
func (e *Embedder) CacheStats() CacheStats { return e.cache.stats() }

// Close shuts down the backend.
func (e *Embedder) Close() error { return e.backend.Close() }
