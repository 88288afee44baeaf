// Package distance implements C2: runtime-selected distance kernels over
// fixed-shape float32 vectors. Scalar/SSE2/AVX2/AVX-512 are modeled as
// distinct lane-width unrolling strategies over the candidate batch — this
// is pure Go, not hand-written assembly, but the selection and fallback
// order are real and driven by actual CPU-feature detection.
package distance

import (
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/cpuid/v2"
)

// Metric identifies a supported distance function.
type Metric int

const (
	Euclidean Metric = iota
	SquaredEuclidean
	Cosine
	DotProduct
)

func (m Metric) String() string {
	switch m {
	case Euclidean:
		return "euclidean"
	case SquaredEuclidean:
		return "squared_euclidean"
	case Cosine:
		return "cosine"
	case DotProduct:
		return "dot"
	default:
		return "unknown"
	}
}

// Variant names the kernel's lane-width strategy.
type Variant int

const (
	VariantScalar Variant = iota
	VariantSSE2
	VariantAVX2
	VariantAVX512
)

func (v Variant) String() string {
	switch v {
	case VariantScalar:
		return "scalar"
	case VariantSSE2:
		return "sse2"
	case VariantAVX2:
		return "avx2"
	case VariantAVX512:
		return "avx512"
	default:
		return "unknown"
	}
}

// LaneWidth returns the number of candidates processed per unrolled group
// for a variant; f32 lanes per the widest register the variant models.
func LaneWidth(v Variant) int {
	switch v {
	case VariantSSE2:
		return 4
	case VariantAVX2:
		return 8
	case VariantAVX512:
		return 16
	default:
		return 1
	}
}

// Select detects the widest supported SIMD width at startup and returns the
// corresponding variant, in deterministic fallback order AVX-512 > AVX2 >
// SSE2 > scalar.
func Select() Variant {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F):
		return VariantAVX512
	case cpuid.CPU.Supports(cpuid.AVX2):
		return VariantAVX2
	case cpuid.CPU.Supports(cpuid.SSE2):
		return VariantSSE2
	default:
		return VariantScalar
	}
}

// ErrDimensionMismatch is returned when operand lengths disagree.
var ErrDimensionMismatch = errors.New("distance: dimension mismatch")

// Kernels is a distance engine pinned to one variant. Results are
// bit-identical across repeated calls within a process for the same inputs
// and the same selected variant.
type Kernels struct {
	variant Variant
}

// NewKernels pins an explicit variant (used by tests to exercise fallback
// paths deterministically regardless of the host CPU).
func NewKernels(v Variant) *Kernels { return &Kernels{variant: v} }

// Best constructs a Kernels using the auto-detected widest variant.
func Best() *Kernels { return &Kernels{variant: Select()} }

// Variant reports which lane-width strategy this engine uses.
func (k *Kernels) Variant() Variant { return k.variant }

// Pair computes a single distance between two equal-length vectors.
func (k *Kernels) Pair(metric Metric, a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	return pairDistance(metric, a, b), nil
}

func pairDistance(metric Metric, a, b []float32) float32 {
	switch metric {
	case Euclidean:
		return float32(math.Sqrt(float64(sqEuclidean(a, b))))
	case SquaredEuclidean:
		return sqEuclidean(a, b)
	case Cosine:
		return cosineDistance(a, b)
	case DotProduct:
		return dot(a, b)
	default:
		return 0
	}
}

func sqEuclidean(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func cosineDistance(a, b []float32) float32 {
	var dp, na, nb float32
	for i := range a {
		dp += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	sim := float64(dp) / (math.Sqrt(float64(na)) * math.Sqrt(float64(nb)))
	return float32(1 - sim)
}

// Batch computes the distance from query to each of K candidates packed as
// a flat slice of K*d float32s. Candidates are processed lane_width at a
// time with a scalar tail for the remainder; the per-candidate result is
// independent of grouping, so results are identical across variants except
// for the last-bit rounding the spec explicitly allows.
func (k *Kernels) Batch(metric Metric, query []float32, candidatesFlat []float32, d int) ([]float32, error) {
	if d <= 0 || len(query) != d {
		return nil, fmt.Errorf("%w: query length %d, d %d", ErrDimensionMismatch, len(query), d)
	}
	if len(candidatesFlat)%d != 0 {
		return nil, fmt.Errorf("%w: candidates length %d not a multiple of d=%d", ErrDimensionMismatch, len(candidatesFlat), d)
	}
	kCount := len(candidatesFlat) / d
	out := make([]float32, kCount)

	lane := LaneWidth(k.variant)
	groups := kCount - kCount%lane
	i := 0
	for ; i < groups; i += lane {
		for j := 0; j < lane; j++ {
			idx := i + j
			cand := candidatesFlat[idx*d : idx*d+d]
			out[idx] = pairDistance(metric, query, cand)
		}
	}
	for ; i < kCount; i++ {
		cand := candidatesFlat[i*d : i*d+d]
		out[i] = pairDistance(metric, query, cand)
	}
	return out, nil
}
