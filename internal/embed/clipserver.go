package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"fotopoisk/internal/errors"
	"fotopoisk/internal/vec"
)

// Defaults for the CLIP sidecar.
const (
	DefaultClipEndpoint   = "http://localhost:8093"
	DefaultClipModel      = "clip-vit-b-32"
	DefaultClipDimensions = 512
	DefaultClipInputSize  = 224
	DefaultClipTimeout    = 10 * time.Second
	DefaultClipMaxRetries = 3
	clipPoolSize          = 8
	clipHealthTimeout     = 3 * time.Second
)

// ClipServerConfig configures the HTTP sidecar backend.
type ClipServerConfig struct {
	Endpoint   string
	Model      string
	Dimensions int
	InputSize  int
	Timeout    time.Duration
	MaxRetries int

	// SkipHealthCheck disables the startup ping (used in tests).
	SkipHealthCheck bool
}

// clipTextRequest is the JSON body for POST /embed/text.
type clipTextRequest struct {
	Text string `json:"text"`
}

// clipEmbedResponse is what both sidecar endpoints return.
type clipEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// ClipServerBackend embeds through a CLIP model served as an HTTP sidecar:
// multipart image posts to /embed/image, JSON text posts to /embed/text.
// A circuit breaker sits in front of the socket so a dead sidecar fails
// fast instead of stacking timeouts under load.
type ClipServerBackend struct {
	client    *http.Client
	transport *http.Transport
	config    ClipServerConfig
	breaker   *errors.CircuitBreaker

	mu     sync.RWMutex
	closed bool
}

var _ Backend = (*ClipServerBackend)(nil)

// NewClipServerBackend creates a sidecar backend and verifies it responds
// unless SkipHealthCheck is set.
func NewClipServerBackend(ctx context.Context, cfg ClipServerConfig) (*ClipServerBackend, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultClipEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultClipModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultClipDimensions
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = DefaultClipInputSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultClipTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultClipMaxRetries
	}

	transport := &http.Transport{
		MaxIdleConns:        clipPoolSize,
		MaxIdleConnsPerHost: clipPoolSize,
		MaxConnsPerHost:     clipPoolSize * 2,
		IdleConnTimeout:     60 * time.Second,
	}

	// No client-level timeout: each attempt gets a context deadline in
	// withRetry, and a static timeout would override it.
	e := &ClipServerBackend{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		breaker:   errors.NewCircuitBreaker("clipserver"),
	}

	if !cfg.SkipHealthCheck {
		checkCtx, cancel := context.WithTimeout(ctx, clipHealthTimeout)
		defer cancel()
		if !e.Available(checkCtx) {
			transport.CloseIdleConnections()
			return nil, errors.New(errors.ErrCodeBackendUnavailable,
				fmt.Sprintf("embedding sidecar at %s is not responding", cfg.Endpoint), nil).
				WithSuggestion("Start the sidecar or set embedding.provider to onnx or static")
		}
	}

	return e, nil
}

// EmbedImage posts a prepared image to the sidecar and returns the
// unit-normalized vector.
func (e *ClipServerBackend) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	if err := e.checkBackendOpen(); err != nil {
		return nil, err
	}
	png, err := EncodePNG(img)
	if err != nil {
		return nil, err
	}
	return e.withRetry(ctx, "embed_image", func(attemptCtx context.Context) ([]float32, error) {
		return e.doEmbedImage(attemptCtx, png)
	})
}

// EmbedText posts text to the sidecar. Empty input returns a zero vector
// without a network call.
func (e *ClipServerBackend) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := e.checkBackendOpen(); err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, e.config.Dimensions), nil
	}
	trimmed = clampWords(trimmed, maxTextTokens)

	return e.withRetry(ctx, "embed_text", func(attemptCtx context.Context) ([]float32, error) {
		return e.doEmbedText(attemptCtx, trimmed)
	})
}

// withRetry runs one embedding call with exponential backoff, routing every
// attempt through the circuit breaker.
func (e *ClipServerBackend) withRetry(ctx context.Context, op string, fn func(context.Context) ([]float32, error)) ([]float32, error) {
	var lastErr error

	for attempt := 0; attempt < e.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt > 0 {
			backoff := time.Duration(100<<attempt) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		if !e.breaker.Allow() {
			return nil, errors.New(errors.ErrCodeBackendUnavailable,
				fmt.Sprintf("embedding sidecar at %s is unavailable (circuit open)", e.config.Endpoint),
				errors.ErrCircuitOpen).
				WithSuggestion("Check that the sidecar process is running and healthy")
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		result, err := fn(attemptCtx)
		cancel()

		if err == nil {
			e.breaker.RecordSuccess()
			return result, nil
		}
		e.breaker.RecordFailure()
		lastErr = err

		slog.Debug("sidecar_attempt_failed",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, errors.New(errors.ErrCodeInferenceFailed,
		fmt.Sprintf("%s failed after %d attempts", op, e.config.MaxRetries), lastErr)
}

func (e *ClipServerBackend) doEmbedImage(ctx context.Context, png []byte) ([]float32, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "image.png")
	if err != nil {
		return nil, fmt.Errorf("building multipart request: %w", err)
	}
	if _, err := fw.Write(png); err != nil {
		return nil, fmt.Errorf("building multipart request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("building multipart request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Endpoint+"/embed/image", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return e.roundTrip(req)
}

func (e *ClipServerBackend) doEmbedText(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(clipTextRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Endpoint+"/embed/text", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return e.roundTrip(req)
}

func (e *ClipServerBackend) roundTrip(req *http.Request) ([]float32, error) {
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("sidecar returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result clipEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding sidecar response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("sidecar returned an empty embedding")
	}
	if len(result.Embedding) != e.config.Dimensions {
		return nil, fmt.Errorf("sidecar returned %d components, expected %d", len(result.Embedding), e.config.Dimensions)
	}

	return vec.Normalize(result.Embedding), nil
}

// clampWords truncates text to at most n whitespace-separated words. The
// sidecar tokenizes properly on its side; this just bounds the payload.
func clampWords(text string, n int) string {
	fields := strings.Fields(text)
	if len(fields) <= n {
		return text
	}
	return strings.Join(fields[:n], " ")
}

// Dimensions returns the vector width.
func (e *ClipServerBackend) Dimensions() int { return e.config.Dimensions }

// InputSize returns the square input side.
func (e *ClipServerBackend) InputSize() int { return e.config.InputSize }

// ModelName returns the backbone identifier.
func (e *ClipServerBackend) ModelName() string { return e.config.Model }

// Available pings the sidecar health endpoint.
func (e *ClipServerBackend) Available(ctx context.Context) bool {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return false
	}
	e.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.Endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	return resp.StatusCode == http.StatusOK
}

// Breaker exposes the circuit breaker for health reporting.
func (e *ClipServerBackend) Breaker() *errors.CircuitBreaker { return e.breaker }

// Close releases pooled connections.
func (e *ClipServerBackend) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}

func (e *ClipServerBackend) checkBackendOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return errors.InferenceError("sidecar backend is closed", nil)
	}
	return nil
}
