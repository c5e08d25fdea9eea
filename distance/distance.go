// Package distance provides the distance metrics used for vector comparison.
//
// All metrics are oriented so that smaller values mean closer vectors,
// including Dot, which is negated. Functions signal a dimension mismatch by
// returning the negative sentinel Mismatch instead of an error, since they
// sit on the search hot path.
package distance

import (
	"fmt"
	"math"
)

// Mismatch is returned by every distance function when the two vectors have
// different lengths. Legitimate distances for L2, SquaredL2 and Cosine are
// always non-negative, so a negative result is unambiguous there; callers of
// Dot are expected to validate dimensions up front.
const Mismatch = float32(-1)

// L2 calculates the Euclidean distance between two vectors.
func L2(a, b []float32) float32 {
	if len(a) != len(b) {
		return Mismatch
	}
	return float32(math.Sqrt(float64(squaredL2(a, b))))
}

// SquaredL2 calculates the squared Euclidean distance between two vectors.
// Useful when only relative order matters, since it avoids the sqrt.
func SquaredL2(a, b []float32) float32 {
	if len(a) != len(b) {
		return Mismatch
	}
	return squaredL2(a, b)
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Cosine calculates the cosine distance (1 - cosine similarity) between two
// vectors. Returns 1.0, maximal dissimilarity, when either vector has zero
// norm.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return Mismatch
	}

	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 1.0
	}

	return 1.0 - dot/float32(math.Sqrt(float64(normA))*math.Sqrt(float64(normB)))
}

// Dot calculates the negated dot product of two vectors, so that smaller
// values mean closer, consistent with the other metrics.
func Dot(a, b []float32) float32 {
	if len(a) != len(b) {
		return Mismatch
	}

	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return -dot
}

// Metric represents the distance metric used for vector comparison.
type Metric int

const (
	MetricL2 Metric = iota
	MetricCosine
	MetricDot
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "L2"
	case MetricCosine:
		return "Cosine"
	case MetricDot:
		return "Dot"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// Func is a function type for distance calculation.
type Func func(a, b []float32) float32

// Provider returns the distance function for the given metric. The function
// is selected once at index construction so the metric dispatch never sits
// on the per-comparison path.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricL2:
		return L2, nil
	case MetricCosine:
		return Cosine, nil
	case MetricDot:
		return Dot, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}
