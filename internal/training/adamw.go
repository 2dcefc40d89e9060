package training

import "math"

// adamW is a plain AdamW optimizer with decoupled weight decay. The decay
// skips the scale and bias head parameters: shrinking them toward zero
// would fight the calibration the head exists for.
type adamW struct {
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	decayUpTo   int

	t int
	m []float64
	v []float64
}

func newAdamW(lr, weightDecay float64, paramCount, decayUpTo int) *adamW {
	return &adamW{
		lr:          lr,
		beta1:       0.9,
		beta2:       0.999,
		eps:         1e-8,
		weightDecay: weightDecay,
		decayUpTo:   decayUpTo,
		m:           make([]float64, paramCount),
		v:           make([]float64, paramCount),
	}
}

// step applies one update in place. grads must already be averaged over
// the batch.
func (o *adamW) step(params, grads []float64) {
	o.t++
	bc1 := 1 - math.Pow(o.beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.beta2, float64(o.t))

	for i := range params {
		g := grads[i]
		o.m[i] = o.beta1*o.m[i] + (1-o.beta1)*g
		o.v[i] = o.beta2*o.v[i] + (1-o.beta2)*g*g

		mHat := o.m[i] / bc1
		vHat := o.v[i] / bc2

		update := mHat / (math.Sqrt(vHat) + o.eps)
		if i < o.decayUpTo {
			update += o.weightDecay * params[i]
		}
		params[i] -= o.lr * update
	}
}
