package embed

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fotopoisk/internal/vec"
)

func TestIdentityAdapter_AppliesAsNoop(t *testing.T) {
	// Given an identity adapter and a unit vector
	a := IdentityAdapter(4)
	v := vec.Normalize([]float32{1, 2, 3, 4})

	// When applying
	out := a.Apply(v)

	// Then the vector is unchanged (up to float rounding)
	require.Len(t, out, 4)
	for i := range v {
		assert.InDelta(t, v[i], out[i], 1e-6)
	}
}

func TestAdapter_ApplyNormalizesOutput(t *testing.T) {
	// Given an adapter that doubles every component
	a := IdentityAdapter(3)
	for i := 0; i < 3; i++ {
		a.Weights[i*3+i] = 2
	}

	// When applying to a unit vector
	out := a.Apply([]float32{1, 0, 0})

	// Then the output is unit norm
	assert.InDelta(t, 1.0, vec.Norm(out), 1e-6)
	assert.InDelta(t, 1.0, float64(out[0]), 1e-6)
}

func TestAdapter_MarshalRoundTrip(t *testing.T) {
	// Given an adapter with distinctive values
	a := IdentityAdapter(8)
	a.Weights[3] = 0.25
	a.Weights[42] = -1.5
	a.Scale = 12.5
	a.Bias = -4.25

	// When serializing and parsing back
	data := a.Marshal()
	got, err := UnmarshalAdapter(data)

	// Then every field survives bit-exact
	require.NoError(t, err)
	assert.Equal(t, 8, got.Dim)
	assert.Equal(t, a.Weights, got.Weights)
	assert.Equal(t, a.Scale, got.Scale)
	assert.Equal(t, a.Bias, got.Bias)
}

func TestUnmarshalAdapter_RejectsCorruptArtifacts(t *testing.T) {
	valid := IdentityAdapter(4).Marshal()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", valid[:10]},
		{"wrong magic", append([]byte("NOTMAGIC"), valid[8:]...)},
		{"truncated weights", valid[:len(valid)-4]},
		{"trailing bytes", append(append([]byte{}, valid...), 0, 0, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalAdapter(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestAdapter_ScoreTracksCosine(t *testing.T) {
	// Given the identity adapter with the default head
	a := IdentityAdapter(3)

	x := []float32{1, 0, 0}
	aligned := []float32{1, 0, 0}
	orthogonal := []float32{0, 1, 0}

	// When scoring an aligned and an orthogonal pair
	pSame := a.Score(x, aligned)
	pDiff := a.Score(x, orthogonal)

	// Then aligned pairs score near 1 and orthogonal pairs near 0
	assert.Greater(t, pSame, 0.9)
	assert.Less(t, pDiff, 0.1)
}

func TestAdapter_CloneIsIndependent(t *testing.T) {
	// Given an adapter and its clone
	a := IdentityAdapter(2)
	clone := a.Clone()

	// When mutating the clone
	clone.Weights[0] = 99
	clone.Scale = 1

	// Then the original is untouched
	assert.Equal(t, float32(1), a.Weights[0])
	assert.Equal(t, float32(10), a.Scale)
}

func TestAdapter_ApplyZeroVector(t *testing.T) {
	// Given any adapter
	a := IdentityAdapter(3)

	// When applying to the zero vector
	out := a.Apply([]float32{0, 0, 0})

	// Then the result stays zero instead of becoming NaN
	for _, x := range out {
		assert.False(t, math.IsNaN(float64(x)))
		assert.Equal(t, float32(0), x)
	}
}
