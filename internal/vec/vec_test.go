package vec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_ProducesUnitNorm(t *testing.T) {
	// Given: an arbitrary non-zero vector
	v := []float32{3, 4, 0, 12}

	// When: normalizing
	got := Normalize(v)

	// Then: the result has unit norm and the input is untouched
	assert.InDelta(t, 1.0, Norm(got), 1e-6)
	assert.Equal(t, []float32{3, 4, 0, 12}, v)
}

func TestNormalize_ZeroVectorUnchanged(t *testing.T) {
	v := []float32{0, 0, 0}
	got := Normalize(v)
	assert.Equal(t, []float32{0, 0, 0}, got)
}

func TestNormalizeInPlace(t *testing.T) {
	v := []float32{1, 1, 1, 1}
	NormalizeInPlace(v)
	for _, x := range v {
		assert.InDelta(t, 0.5, float64(x), 1e-6)
	}
}

func TestIsNormalized(t *testing.T) {
	assert.True(t, IsNormalized([]float32{1, 0, 0}, 1e-5))
	assert.True(t, IsNormalized(Normalize([]float32{0.3, -0.7, 2.1}), 1e-5))
	assert.False(t, IsNormalized([]float32{1, 1, 0}, 1e-5))
}

func TestDot_EqualsCosineForUnitVectors(t *testing.T) {
	a := Normalize([]float32{1, 2, 3})
	b := Normalize([]float32{-2, 1, 0.5})

	assert.InDelta(t, Cosine(a, b), Dot(a, b), 1e-9)
}

func TestDot_OrthogonalAndParallel(t *testing.T) {
	assert.InDelta(t, 0.0, Dot([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 1.0, Dot([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, -1.0, Dot([]float32{1, 0}, []float32{-1, 0}), 1e-9)
}

func TestCosine_ZeroVectorIsZero(t *testing.T) {
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 0}))
}

func TestMean_AveragesComponentWise(t *testing.T) {
	vs := [][]float32{
		{1, 0, 3},
		{3, 0, 1},
		{2, 3, 2},
	}

	got := Mean(vs)

	assert.InDeltaSlice(t, []float32{2, 1, 2}, got, 1e-6)
	assert.Nil(t, Mean(nil))
}

func TestFuse_WeightsAndRenormalizes(t *testing.T) {
	// Given: image and text unit vectors on different axes
	img := []float32{1, 0}
	txt := []float32{0, 1}

	// When: fusing at the catalog ratio
	got := Fuse(img, txt, 0.8, 0.2)

	// Then: the direction reflects the 4:1 weighting and norm is 1
	require.InDelta(t, 1.0, Norm(got), 1e-6)
	assert.InDelta(t, 4.0, float64(got[0])/float64(got[1]), 1e-5)
}

func TestEncodeDecodeBlob_ByteExactRoundTrip(t *testing.T) {
	// Given: a vector with awkward values (negative zero, subnormal, NaN payloads excluded)
	v := []float32{0.123456789, -1e-30, float32(math.Pi), -0.0, 42}

	// When: encoding and decoding
	blob := EncodeBlob(v)
	back, err := DecodeBlob(blob, len(v))

	// Then: round-trip is exact to the bit
	require.NoError(t, err)
	require.Len(t, blob, len(v)*BytesPerComponent)
	for i := range v {
		assert.Equal(t, math.Float32bits(v[i]), math.Float32bits(back[i]), "component %d", i)
	}
}

func TestDecodeBlob_DimensionMismatch(t *testing.T) {
	blob := EncodeBlob([]float32{1, 2, 3})

	_, err := DecodeBlob(blob, 4)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "want 16")
}

func TestDecodeBlob_InferredDimension(t *testing.T) {
	blob := EncodeBlob([]float32{1, 2, 3})

	got, err := DecodeBlob(blob, 0)

	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestDecodeBlob_RaggedLength(t *testing.T) {
	_, err := DecodeBlob([]byte{1, 2, 3}, 0)
	assert.Error(t, err)
}
