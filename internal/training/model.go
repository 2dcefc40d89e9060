package training

import (
	"math"

	"fotopoisk/internal/embed"
)

// model is the float64 working copy of an adapter during optimization.
// Parameters are packed as [W row-major | scale | bias] so the optimizer
// sees one flat vector. The scratch buffers make the trainer
// single-goroutine by construction.
type model struct {
	dim    int
	params []float64
	u, v   []float64
}

func newModel(a *embed.Adapter) *model {
	d := a.Dim
	m := &model{
		dim:    d,
		params: make([]float64, d*d+2),
		u:      make([]float64, d),
		v:      make([]float64, d),
	}
	for i, w := range a.Weights {
		m.params[i] = float64(w)
	}
	m.params[d*d] = float64(a.Scale)
	m.params[d*d+1] = float64(a.Bias)
	return m
}

// adapter converts the trained parameters back to the serving format.
func (m *model) adapter(version string) *embed.Adapter {
	d := m.dim
	a := &embed.Adapter{
		Version: version,
		Dim:     d,
		Weights: make([]float32, d*d),
		Scale:   float32(m.params[d*d]),
		Bias:    float32(m.params[d*d+1]),
	}
	for i := 0; i < d*d; i++ {
		a.Weights[i] = float32(m.params[i])
	}
	return a
}

func (m *model) scale() float64 { return m.params[m.dim*m.dim] }
func (m *model) bias() float64  { return m.params[m.dim*m.dim+1] }

// forward computes p = sigmoid(scale*cos(Wx, Wy) + bias), filling the
// scratch projections. Returns false when a projection collapses to zero,
// which makes the cosine undefined.
func (m *model) forward(pr pair) (prob, cos, nu, nv float64, ok bool) {
	d := m.dim
	w := m.params[:d*d]

	for i := 0; i < d; i++ {
		row := w[i*d:]
		var su, sv float64
		for j := 0; j < d; j++ {
			su += row[j] * float64(pr.X[j])
			sv += row[j] * float64(pr.Y[j])
		}
		m.u[i] = su
		m.v[i] = sv
	}

	var dot, uu, vv float64
	for i := 0; i < d; i++ {
		dot += m.u[i] * m.v[i]
		uu += m.u[i] * m.u[i]
		vv += m.v[i] * m.v[i]
	}
	nu = math.Sqrt(uu)
	nv = math.Sqrt(vv)
	if nu < 1e-12 || nv < 1e-12 {
		return 0, 0, nu, nv, false
	}

	cos = dot / (nu * nv)
	z := m.scale()*cos + m.bias()
	prob = 1 / (1 + math.Exp(-z))
	return prob, cos, nu, nv, true
}

// predict returns the head probability for one pair.
func (m *model) predict(pr pair) (float64, bool) {
	p, _, _, _, ok := m.forward(pr)
	return p, ok
}

// accumulate adds this pair's binary cross-entropy gradient into grads
// (same packing as params) and returns the pair loss. Degenerate pairs
// contribute nothing.
func (m *model) accumulate(pr pair, grads []float64) (float64, bool) {
	d := m.dim
	p, cos, nu, nv, ok := m.forward(pr)
	if !ok {
		return 0, false
	}

	// dL/dz for BCE with a sigmoid head collapses to p - label.
	dz := p - pr.Label
	grads[d*d] += dz * cos
	grads[d*d+1] += dz
	dc := dz * m.scale()

	// dc/du = (v_hat - cos*u_hat)/|u|, mirrored for v; the weight
	// gradient is the sum of the two outer products with x and y.
	for i := 0; i < d; i++ {
		gu := dc * (m.v[i]/(nu*nv) - cos*m.u[i]/(nu*nu))
		gv := dc * (m.u[i]/(nu*nv) - cos*m.v[i]/(nv*nv))
		row := grads[i*d:]
		for j := 0; j < d; j++ {
			row[j] += gu*float64(pr.X[j]) + gv*float64(pr.Y[j])
		}
	}

	pc := math.Min(math.Max(p, 1e-7), 1-1e-7)
	loss := -(pr.Label*math.Log(pc) + (1-pr.Label)*math.Log(1-pc))
	return loss, true
}

// evaluate returns label accuracy at threshold 0.5. Degenerate pairs
// count as misses.
func (m *model) evaluate(pairs []pair) float64 {
	if len(pairs) == 0 {
		return 0
	}
	hits := 0
	for _, pr := range pairs {
		p, ok := m.predict(pr)
		if !ok {
			continue
		}
		if (p >= 0.5) == (pr.Label >= 0.5) {
			hits++
		}
	}
	return float64(hits) / float64(len(pairs))
}
