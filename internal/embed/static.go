package embed

import (
	"context"
	"hash/fnv"
	"image"
	"regexp"
	"strings"
	"sync"

	"fotopoisk/internal/errors"
	"fotopoisk/internal/vec"
)

// StaticBackend generates embeddings with hashing instead of a model.
// Works without external dependencies (no network, no model files).
// Deterministic and fast, with no semantic quality: distinct inputs land
// far apart, identical inputs land exactly together. Intended for tests,
// smoke runs and air-gapped installs.
type StaticBackend struct {
	dim  int
	side int

	mu     sync.RWMutex
	closed bool
}

// Feature weights for vector generation.
const (
	staticTokenWeight = 0.7
	staticNgramWeight = 0.3
	staticNgramSize   = 3

	staticGridCells  = 4
	staticGridWeight = 0.6
	staticHashWeight = 0.4
)

// staticTokenRegex matches letter/digit runs; product names mix Latin and
// Cyrillic.
var staticTokenRegex = regexp.MustCompile(`[\p{L}\p{N}]+`)

// NewStaticBackend creates a static backend with the given vector width.
func NewStaticBackend(dim int) *StaticBackend {
	return &StaticBackend{dim: dim, side: 224}
}

// EmbedImage produces a deterministic vector from pixel content: a coarse
// color-grid signature so near-identical photos stay close, plus a
// full-content hash component so distinct photos rarely collide.
func (e *StaticBackend) EmbedImage(_ context.Context, img image.Image) ([]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	vector := make([]float32, e.dim)

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return vector, nil
	}
	cellW, cellH := (w+staticGridCells-1)/staticGridCells, (h+staticGridCells-1)/staticGridCells

	contentHash := fnv.New64()
	for cy := 0; cy < staticGridCells; cy++ {
		for cx := 0; cx < staticGridCells; cx++ {
			var sumR, sumG, sumB, n uint64
			for y := cy * cellH; y < (cy+1)*cellH && y < h; y += 2 {
				for x := cx * cellW; x < (cx+1)*cellW && x < w; x += 2 {
					r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
					sumR += uint64(r >> 8)
					sumG += uint64(g >> 8)
					sumB += uint64(bl >> 8)
					n++
					_, _ = contentHash.Write([]byte{byte(r >> 8), byte(g >> 8), byte(bl >> 8)})
				}
			}
			if n == 0 {
				continue
			}
			means := [3]float32{
				float32(sumR/n) / 255,
				float32(sumG/n) / 255,
				float32(sumB/n) / 255,
			}
			for c, m := range means {
				idx := hashToIndex(cellKey(cx, cy, c), e.dim)
				vector[idx] += staticGridWeight * m
			}
		}
	}

	rng := splitmix64(contentHash.Sum64())
	for i := 0; i < e.dim/16; i++ {
		idx := int(rng.next() % uint64(e.dim))
		sign := float32(1)
		if rng.next()&1 == 1 {
			sign = -1
		}
		vector[idx] += staticHashWeight * sign
	}

	return vec.Normalize(vector), nil
}

// EmbedText hashes tokens and character trigrams into the vector, roughly
// preserving token overlap between similar product names.
func (e *StaticBackend) EmbedText(_ context.Context, text string) ([]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, e.dim), nil
	}

	vector := make([]float32, e.dim)

	tokens := staticTokenRegex.FindAllString(strings.ToLower(trimmed), -1)
	if len(tokens) > maxTextTokens {
		tokens = tokens[:maxTextTokens]
	}
	for _, token := range tokens {
		vector[hashToIndex(token, e.dim)] += staticTokenWeight
	}

	for _, ngram := range runeNgrams(strings.Join(tokens, ""), staticNgramSize) {
		vector[hashToIndex(ngram, e.dim)] += staticNgramWeight
	}

	return vec.Normalize(vector), nil
}

// runeNgrams extracts n-rune sliding windows. Rune-based so Cyrillic text
// does not split mid-character.
func runeNgrams(text string, n int) []string {
	runes := []rune(text)
	if len(runes) < n {
		return nil
	}
	ngrams := make([]string, 0, len(runes)-n+1)
	for i := 0; i <= len(runes)-n; i++ {
		ngrams = append(ngrams, string(runes[i:i+n]))
	}
	return ngrams
}

func cellKey(cx, cy, channel int) string {
	return "cell:" + string(rune('0'+cx)) + ":" + string(rune('0'+cy)) + ":" + string(rune('0'+channel))
}

// hashToIndex uses FNV-64 to map a string to a vector position.
func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

// splitmixState is a tiny deterministic PRNG seeded from a content hash.
type splitmixState struct{ x uint64 }

func splitmix64(seed uint64) *splitmixState { return &splitmixState{x: seed} }

func (s *splitmixState) next() uint64 {
	s.x += 0x9E3779B97F4A7C15
	z := s.x
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

func (e *StaticBackend) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return errors.InferenceError("static backend is closed", nil)
	}
	return nil
}

// Dimensions returns the vector width.
func (e *StaticBackend) Dimensions() int { return e.dim }

// InputSize returns the square input side.
func (e *StaticBackend) InputSize() int { return e.side }

// ModelName returns the model identifier.
func (e *StaticBackend) ModelName() string { return "static-hash" }

// Available reports readiness (always true until Close).
func (e *StaticBackend) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close releases resources.
func (e *StaticBackend) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

var _ Backend = (*StaticBackend)(nil)
