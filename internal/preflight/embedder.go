package preflight

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"fotopoisk/internal/config"
	"fotopoisk/internal/embed"
)

// endpointProbeTimeout bounds the clipserver health probe.
const endpointProbeTimeout = 3 * time.Second

// CheckEmbedder verifies the configured embedding backend can come up.
// The factory never downgrades providers silently, so an onnx config with
// missing artifacts is a boot failure, not a warning.
func (c *Checker) CheckEmbedder(ctx context.Context, cfg config.EmbeddingConfig) CheckResult {
	result := CheckResult{
		Name: "embedder",
	}

	switch embed.ParseProvider(cfg.Provider) {
	case embed.ProviderStatic:
		result.Status = StatusWarn
		result.Message = "static hash backend configured (deterministic, not CLIP)"
		result.Details = "Set embedding.provider to clipserver or onnx for real retrieval"
		return result

	case embed.ProviderONNX:
		return c.checkONNXArtifacts(cfg.ONNX)

	default:
		return c.checkClipServer(ctx, cfg.Endpoint)
	}
}

func (c *Checker) checkONNXArtifacts(cfg config.ONNXConfig) CheckResult {
	result := CheckResult{
		Name:     "embedder",
		Required: true,
	}

	paths := []struct {
		key  string
		path string
	}{
		{"vision_model", cfg.VisionModelPath},
		{"text_model", cfg.TextModelPath},
		{"tokenizer", cfg.TokenizerPath},
	}

	var total uint64
	for _, p := range paths {
		if p.path == "" {
			result.Status = StatusFail
			result.Message = fmt.Sprintf("embedding.onnx.%s is not configured", p.key)
			result.Details = "Download the CLIP ONNX export and point embedding.onnx.* at it"
			return result
		}
		info, err := os.Stat(p.path)
		if err != nil {
			result.Status = StatusFail
			result.Message = fmt.Sprintf("%s not found at %s", p.key, p.path)
			result.Details = "Download the CLIP ONNX export and point embedding.onnx.* at it"
			return result
		}
		total += uint64(info.Size())
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("onnx artifacts present (%s)", formatBytes(total))
	return result
}

// checkClipServer probes the sidecar health endpoint. An unreachable
// sidecar is a warning only: it can start after the service does, and the
// circuit breaker covers outages at runtime.
func (c *Checker) checkClipServer(ctx context.Context, endpoint string) CheckResult {
	result := CheckResult{
		Name: "embedder",
	}

	if endpoint == "" {
		result.Status = StatusWarn
		result.Message = "no clipserver endpoint configured"
		result.Details = "Set embedding.endpoint to the sidecar base URL"
		return result
	}

	if c.offline {
		result.Status = StatusPass
		result.Message = "clipserver probe skipped (offline)"
		return result
	}

	probeCtx, cancel := context.WithTimeout(ctx, endpointProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("invalid endpoint %s: %v", endpoint, err)
		return result
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		result.Status = StatusWarn
		result.Message = "clipserver unreachable at " + endpoint
		result.Details = "Start the CLIP sidecar or switch embedding.provider"
		return result
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("clipserver health returned %d", resp.StatusCode)
		return result
	}

	result.Status = StatusPass
	result.Message = "clipserver reachable at " + endpoint
	return result
}
