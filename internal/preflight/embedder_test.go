package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fotopoisk/internal/config"
)

func TestCheckEmbedder_StaticWarns(t *testing.T) {
	// Given: the static test backend
	cfg := config.EmbeddingConfig{Provider: "static", Dim: 512}

	// When: checking the embedder
	result := New().CheckEmbedder(context.Background(), cfg)

	// Then: warns that retrieval quality is off
	assert.Equal(t, StatusWarn, result.Status)
	assert.Equal(t, "embedder", result.Name)
	assert.False(t, result.Required)
	assert.Contains(t, result.Message, "static")
}

func TestCheckEmbedder_ClipServerReachable(t *testing.T) {
	// Given: a healthy sidecar
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.EmbeddingConfig{Provider: "clipserver", Endpoint: srv.URL}

	// When: checking the embedder
	result := New().CheckEmbedder(context.Background(), cfg)

	// Then: passes with the endpoint in the message
	assert.Equal(t, StatusPass, result.Status)
	assert.Contains(t, result.Message, srv.URL)
}

func TestCheckEmbedder_ClipServerUnreachable(t *testing.T) {
	// Given: nothing listening on the endpoint
	cfg := config.EmbeddingConfig{Provider: "clipserver", Endpoint: "http://127.0.0.1:1"}

	// When: checking the embedder
	result := New().CheckEmbedder(context.Background(), cfg)

	// Then: warns only; the sidecar can start later
	assert.Equal(t, StatusWarn, result.Status)
	assert.False(t, result.IsCritical())
	assert.Contains(t, result.Message, "unreachable")
}

func TestCheckEmbedder_ClipServerUnhealthy(t *testing.T) {
	// Given: a sidecar that reports unhealthy
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := config.EmbeddingConfig{Provider: "clipserver", Endpoint: srv.URL}

	// When: checking the embedder
	result := New().CheckEmbedder(context.Background(), cfg)

	// Then: warns with the status code
	assert.Equal(t, StatusWarn, result.Status)
	assert.Contains(t, result.Message, "503")
}

func TestCheckEmbedder_ClipServerOffline(t *testing.T) {
	// Given: offline mode
	cfg := config.EmbeddingConfig{Provider: "clipserver", Endpoint: "http://localhost:8093"}

	// When: checking the embedder offline
	result := New(WithOffline(true)).CheckEmbedder(context.Background(), cfg)

	// Then: the probe is skipped, not failed
	assert.Equal(t, StatusPass, result.Status)
	assert.Contains(t, result.Message, "skipped")
}

func TestCheckEmbedder_ClipServerNoEndpoint(t *testing.T) {
	// Given: a clipserver config without an endpoint
	cfg := config.EmbeddingConfig{Provider: "clipserver"}

	// When: checking the embedder
	result := New().CheckEmbedder(context.Background(), cfg)

	// Then: warns about the missing endpoint
	assert.Equal(t, StatusWarn, result.Status)
	assert.Contains(t, result.Message, "no clipserver endpoint")
}

func TestCheckEmbedder_ONNXArtifactsPresent(t *testing.T) {
	// Given: all three onnx artifacts on disk
	dir := t.TempDir()
	paths := config.ONNXConfig{
		VisionModelPath: filepath.Join(dir, "vision.onnx"),
		TextModelPath:   filepath.Join(dir, "text.onnx"),
		TokenizerPath:   filepath.Join(dir, "tokenizer.json"),
	}
	for _, p := range []string{paths.VisionModelPath, paths.TextModelPath, paths.TokenizerPath} {
		require.NoError(t, os.WriteFile(p, []byte("model bytes"), 0o644))
	}

	cfg := config.EmbeddingConfig{Provider: "onnx", ONNX: paths}

	// When: checking the embedder
	result := New().CheckEmbedder(context.Background(), cfg)

	// Then: passes and is required for boot
	assert.Equal(t, StatusPass, result.Status)
	assert.True(t, result.Required)
	assert.Contains(t, result.Message, "onnx artifacts present")
}

func TestCheckEmbedder_ONNXMissingArtifact(t *testing.T) {
	// Given: a vision model path that does not exist
	dir := t.TempDir()
	cfg := config.EmbeddingConfig{
		Provider: "onnx",
		ONNX: config.ONNXConfig{
			VisionModelPath: filepath.Join(dir, "missing.onnx"),
			TextModelPath:   filepath.Join(dir, "text.onnx"),
			TokenizerPath:   filepath.Join(dir, "tokenizer.json"),
		},
	}

	// When: checking the embedder
	result := New().CheckEmbedder(context.Background(), cfg)

	// Then: fails hard; the factory will refuse to boot
	assert.Equal(t, StatusFail, result.Status)
	assert.True(t, result.IsCritical())
	assert.Contains(t, result.Message, "vision_model")
}

func TestCheckEmbedder_ONNXUnconfigured(t *testing.T) {
	// Given: the onnx provider with no artifact paths
	cfg := config.EmbeddingConfig{Provider: "onnx"}

	// When: checking the embedder
	result := New().CheckEmbedder(context.Background(), cfg)

	// Then: fails with the config key that is missing
	assert.Equal(t, StatusFail, result.Status)
	assert.Contains(t, result.Message, "embedding.onnx.vision_model")
}
