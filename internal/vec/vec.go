// Package vec provides float32 vector primitives shared by the embedder,
// the catalog store, and the retrieval engine.
//
// Embeddings are unit-norm []float32 slices. On disk they are raw
// little-endian float32 byte sequences (dim*4 bytes), and the codec here
// is the only place that layout is known. Accumulation happens in float64
// so norms and dot products stay stable for 512-dim inputs.
package vec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BytesPerComponent is the on-disk size of one vector component.
const BytesPerComponent = 4

// Norm returns the Euclidean norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-norm copy of v.
// Zero vectors are returned unchanged: there is no direction to keep.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	NormalizeInPlace(out)
	return out
}

// NormalizeInPlace scales v to unit norm in place.
func NormalizeInPlace(v []float32) {
	norm := Norm(v)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// IsNormalized reports whether v has unit norm within tol.
func IsNormalized(v []float32, tol float64) bool {
	return math.Abs(Norm(v)-1) <= tol
}

// Dot returns the dot product of a and b.
// For unit-norm inputs this equals cosine similarity.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Cosine returns the cosine similarity of a and b regardless of norm.
// Returns 0 when either vector is zero.
func Cosine(a, b []float32) float64 {
	na, nb := Norm(a), Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return Dot(a, b) / (na * nb)
}

// Mean returns the component-wise mean of vs.
// All vectors must share one dimension; the result is not normalized.
func Mean(vs [][]float32) []float32 {
	if len(vs) == 0 {
		return nil
	}
	out := make([]float64, len(vs[0]))
	for _, v := range vs {
		for i, x := range v {
			out[i] += float64(x)
		}
	}
	n := float64(len(vs))
	mean := make([]float32, len(out))
	for i, x := range out {
		mean[i] = float32(x / n)
	}
	return mean
}

// Fuse combines two unit vectors with the given weights and renormalizes.
// Catalog items fuse image and name embeddings at 0.8/0.2.
func Fuse(a, b []float32, wa, wb float64) []float32 {
	out := make([]float32, len(a))
	for i := range a {
		out[i] = float32(wa*float64(a[i]) + wb*float64(b[i]))
	}
	NormalizeInPlace(out)
	return out
}

// EncodeBlob serializes v as little-endian float32 bytes.
// Writing then reading back yields a byte-exact vector.
func EncodeBlob(v []float32) []byte {
	buf := make([]byte, len(v)*BytesPerComponent)
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*BytesPerComponent:], math.Float32bits(x))
	}
	return buf
}

// DecodeBlob parses a little-endian float32 byte sequence.
// When dim > 0 the blob length must be exactly dim*4 bytes; with dim 0 the
// dimension is inferred, requiring only that the length is a multiple of 4.
func DecodeBlob(blob []byte, dim int) ([]float32, error) {
	if dim > 0 {
		if len(blob) != dim*BytesPerComponent {
			return nil, fmt.Errorf("vector blob is %d bytes, want %d for dim %d",
				len(blob), dim*BytesPerComponent, dim)
		}
	} else if len(blob)%BytesPerComponent != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of %d",
			len(blob), BytesPerComponent)
	}

	out := make([]float32, len(blob)/BytesPerComponent)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*BytesPerComponent:]))
	}
	return out, nil
}
