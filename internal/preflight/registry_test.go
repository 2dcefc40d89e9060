package preflight

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fotopoisk/internal/registry"
)

func TestCheckModelRegistry_FreshDir(t *testing.T) {
	// Given: a registry directory that does not exist yet
	dir := filepath.Join(t.TempDir(), "models")

	// When: checking the registry
	result := New().CheckModelRegistry(dir)

	// Then: the base adapter is the active model
	assert.Equal(t, StatusPass, result.Status)
	assert.Equal(t, "model_registry", result.Name)
	assert.Contains(t, result.Message, "base adapter")
	assert.Contains(t, result.Details, "0 artifact(s)")
}

func TestCheckModelRegistry_PromotedArtifact(t *testing.T) {
	// Given: a registry with a promoted fine-tuned adapter
	dir := filepath.Join(t.TempDir(), "models")
	reg, err := registry.NewRegistry(dir, "", nil)
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "adapter.bin")
	require.NoError(t, os.WriteFile(src, []byte("adapter weights"), 0o644))

	version := registry.NewVersion(time.Now())
	_, err = reg.Register(src, registry.OriginFineTuned, version, "doctor test")
	require.NoError(t, err)
	_, err = reg.Promote(version)
	require.NoError(t, err)

	// When: checking the registry
	result := New().CheckModelRegistry(dir)

	// Then: the active version resolves
	assert.Equal(t, StatusPass, result.Status)
	assert.Contains(t, result.Message, version)
	assert.Contains(t, result.Message, registry.OriginFineTuned)
}

func TestCheckModelRegistry_DanglingPointer(t *testing.T) {
	// Given: an active pointer naming an artifact that does not exist
	dir := filepath.Join(t.TempDir(), "models")
	reg, err := registry.NewRegistry(dir, "", nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(reg.ActivePointerPath(), []byte("20250101-000000"), 0o644))

	// When: checking the registry
	result := New().CheckModelRegistry(dir)

	// Then: fails with the promote suggestion
	assert.Equal(t, StatusFail, result.Status)
	assert.True(t, result.IsCritical())
	assert.Contains(t, result.Details, "Promote an existing version")
}
