package vector

import (
	"math"
	"slices"

	"github.com/hyperjump/revisit/pkg/utils"
)

// Normalize returns a unit-length copy of v. ok is false when v has zero norm
// or a non-finite component.
func Normalize(v []float32) (out []float32, ok bool) {
	out = slices.Clone(v)
	if !utils.NormalizeL2(out) {
		return nil, false
	}
	return out, true
}

// SquaredL2 returns the squared Euclidean distance between a and b.
// For unit vectors it equals 2 - 2*cos(a, b).
func SquaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// InnerProduct returns the inner product of two vectors (for normalized vectors equals cosine similarity).
func InnerProduct(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// L2Norm returns the L2 norm of a vector.
func L2Norm(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
