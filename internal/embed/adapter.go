package embed

import (
	"encoding/binary"
	"fmt"
	"math"

	"fotopoisk/internal/errors"
	"fotopoisk/internal/vec"
)

// adapterMagic marks serialized adapter artifacts.
var adapterMagic = [8]byte{'F', 'P', 'A', 'D', 'P', 'T', '0', '1'}

// adapterHeaderSize is magic + dim + scale + bias.
const adapterHeaderSize = 8 + 4 + 4 + 4

// maxAdapterDim rejects absurd headers before allocating dim*dim floats.
const maxAdapterDim = 8192

// Adapter is the trainable part of the embedding model: a square linear
// map applied on top of frozen backbone vectors, plus the similarity head
// (scale and bias) the training loss was fitted with. The backbone never
// changes; versioning, backup and promotion all operate on adapters.
type Adapter struct {
	// Version is the registry version string this adapter was stored
	// under. Empty for adapters that were never persisted.
	Version string

	// Dim is the vector width D. Weights holds D*D values row-major.
	Dim     int
	Weights []float32

	// Scale and Bias parameterize p = sigmoid(Scale*cos + Bias), the
	// probability head used during training and evaluation. Serving
	// ranks by plain cosine and ignores them.
	Scale float32
	Bias  float32
}

// IdentityAdapter returns the do-nothing adapter: W = I, so serving
// vectors equal backbone vectors. Scale and Bias start where a calibrated
// head would sit (cos 0.8 maps to p around 0.95, cos 0.2 to p around 0.05)
// so the first fine-tune does not waste epochs finding the operating range.
func IdentityAdapter(dim int) *Adapter {
	w := make([]float32, dim*dim)
	for i := 0; i < dim; i++ {
		w[i*dim+i] = 1
	}
	return &Adapter{Dim: dim, Weights: w, Scale: 10, Bias: -5}
}

// Clone returns a deep copy. Training mutates the copy, never the adapter
// that is live in the serving path.
func (a *Adapter) Clone() *Adapter {
	w := make([]float32, len(a.Weights))
	copy(w, a.Weights)
	return &Adapter{Version: a.Version, Dim: a.Dim, Weights: w, Scale: a.Scale, Bias: a.Bias}
}

// Apply maps a backbone vector into serving space and unit-normalizes the
// result. v must have exactly Dim components.
func (a *Adapter) Apply(v []float32) []float32 {
	out := make([]float32, a.Dim)
	for i := 0; i < a.Dim; i++ {
		row := a.Weights[i*a.Dim:]
		var sum float64
		for j := 0; j < a.Dim; j++ {
			sum += float64(row[j]) * float64(v[j])
		}
		out[i] = float32(sum)
	}
	vec.NormalizeInPlace(out)
	return out
}

// Score returns the trained head's probability that x and y depict the
// same item, computed over adapted vectors.
func (a *Adapter) Score(x, y []float32) float64 {
	cos := vec.Cosine(a.Apply(x), a.Apply(y))
	return sigmoid(float64(a.Scale)*cos + float64(a.Bias))
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// Marshal serializes the adapter. The artifact is self-describing up to
// the version string, which lives in the registry metadata instead.
func (a *Adapter) Marshal() []byte {
	buf := make([]byte, adapterHeaderSize+len(a.Weights)*4)
	copy(buf[:8], adapterMagic[:])
	binary.LittleEndian.PutUint32(buf[8:], uint32(a.Dim))
	binary.LittleEndian.PutUint32(buf[12:], math.Float32bits(a.Scale))
	binary.LittleEndian.PutUint32(buf[16:], math.Float32bits(a.Bias))
	for i, w := range a.Weights {
		binary.LittleEndian.PutUint32(buf[adapterHeaderSize+i*4:], math.Float32bits(w))
	}
	return buf
}

// UnmarshalAdapter parses a serialized adapter artifact.
func UnmarshalAdapter(data []byte) (*Adapter, error) {
	if len(data) < adapterHeaderSize {
		return nil, errors.New(errors.ErrCodeVectorDecode,
			fmt.Sprintf("adapter artifact is %d bytes, header needs %d", len(data), adapterHeaderSize), nil)
	}
	if [8]byte(data[:8]) != adapterMagic {
		return nil, errors.New(errors.ErrCodeVectorDecode, "adapter artifact has wrong magic", nil)
	}
	dim := int(binary.LittleEndian.Uint32(data[8:]))
	if dim <= 0 || dim > maxAdapterDim {
		return nil, errors.New(errors.ErrCodeVectorDecode,
			fmt.Sprintf("adapter artifact declares dimension %d", dim), nil)
	}
	want := adapterHeaderSize + dim*dim*4
	if len(data) != want {
		return nil, errors.New(errors.ErrCodeVectorDecode,
			fmt.Sprintf("adapter artifact is %d bytes, dimension %d needs %d", len(data), dim, want), nil)
	}
	a := &Adapter{
		Dim:     dim,
		Weights: make([]float32, dim*dim),
		Scale:   math.Float32frombits(binary.LittleEndian.Uint32(data[12:])),
		Bias:    math.Float32frombits(binary.LittleEndian.Uint32(data[16:])),
	}
	for i := range a.Weights {
		a.Weights[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[adapterHeaderSize+i*4:]))
	}
	return a, nil
}
