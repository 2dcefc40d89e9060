package training

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fotopoisk/internal/embed"
)

// gradientTestModel builds a 3x3 model with an asymmetric weight matrix
// and a mild head, so no gradient component vanishes by symmetry or
// sigmoid saturation.
func gradientTestModel() *model {
	a := embed.IdentityAdapter(3)
	m := newModel(a)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.params[i*3+j] += 0.05 * float64(i+1) * float64(j-1)
		}
	}
	m.params[9] = 2.0   // scale
	m.params[10] = -0.5 // bias
	return m
}

func lossAt(t *testing.T, m *model, pr pair) float64 {
	t.Helper()
	scratch := make([]float64, len(m.params))
	loss, ok := m.accumulate(pr, scratch)
	require.True(t, ok)
	return loss
}

func TestModel_AccumulateMatchesFiniteDifference(t *testing.T) {
	x := []float32{0.8, 0.1, -0.3}
	y := []float32{0.2, 0.9, 0.1}

	for _, label := range []float64{1, 0} {
		t.Run(fmt.Sprintf("label=%v", label), func(t *testing.T) {
			// Given an analytic gradient for one pair
			m := gradientTestModel()
			pr := pair{X: x, Y: y, Label: label}
			grads := make([]float64, len(m.params))
			_, ok := m.accumulate(pr, grads)
			require.True(t, ok)

			// When probing every parameter with a central difference
			const h = 1e-5
			for i := range m.params {
				saved := m.params[i]
				m.params[i] = saved + h
				up := lossAt(t, m, pr)
				m.params[i] = saved - h
				down := lossAt(t, m, pr)
				m.params[i] = saved

				numeric := (up - down) / (2 * h)

				// Then both agree
				assert.InDelta(t, numeric, grads[i], 1e-6, "param %d", i)
			}
		})
	}
}

func TestModel_ForwardIdentityHead(t *testing.T) {
	// Given the pristine adapter (identity weights, scale 10, bias -5)
	m := newModel(embed.IdentityAdapter(2))

	// When scoring an identical pair and an orthogonal pair
	same, okSame := m.predict(pair{X: []float32{1, 0}, Y: []float32{1, 0}})
	orth, okOrth := m.predict(pair{X: []float32{1, 0}, Y: []float32{0, 1}})

	// Then cosine 1 maps to sigmoid(5) and cosine 0 to sigmoid(-5)
	require.True(t, okSame)
	require.True(t, okOrth)
	assert.InDelta(t, 0.99331, same, 1e-4)
	assert.InDelta(t, 0.00669, orth, 1e-4)
}

func TestModel_AdapterRoundTrip(t *testing.T) {
	// Given an adapter with distinctive parameters
	src := embed.IdentityAdapter(2)
	src.Weights = []float32{0.5, -0.25, 1.5, 2}
	src.Scale = 7
	src.Bias = -1.5

	// When loading it into a model and converting back
	got := newModel(src).adapter("20260825-120000")

	// Then nothing drifted and the version is stamped
	assert.Equal(t, "20260825-120000", got.Version)
	assert.Equal(t, src.Weights, got.Weights)
	assert.Equal(t, src.Scale, got.Scale)
	assert.Equal(t, src.Bias, got.Bias)
}

func TestModel_DegeneratePairContributesNothing(t *testing.T) {
	// Given a pair whose projection collapses to zero
	m := newModel(embed.IdentityAdapter(2))
	degenerate := pair{X: []float32{0, 0}, Y: []float32{1, 0}, Label: 1}

	grads := make([]float64, len(m.params))
	_, ok := m.accumulate(degenerate, grads)

	// Then it is rejected, leaves no gradient and counts as a miss
	assert.False(t, ok)
	for i, g := range grads {
		assert.Zero(t, g, "grad %d", i)
	}
	assert.Equal(t, 0.0, m.evaluate([]pair{degenerate}))
}

func TestModel_EvaluateAtHalfThreshold(t *testing.T) {
	m := newModel(embed.IdentityAdapter(2))
	x := []float32{1, 0}
	y := []float32{0, 1}

	pairs := []pair{
		{X: x, Y: x, Label: 1}, // high cosine, positive: hit
		{X: x, Y: y, Label: 0}, // low cosine, negative: hit
		{X: x, Y: x, Label: 0}, // high cosine, negative: miss
	}

	assert.InDelta(t, 2.0/3.0, m.evaluate(pairs), 1e-9)
	assert.Equal(t, 0.0, m.evaluate(nil))
}
