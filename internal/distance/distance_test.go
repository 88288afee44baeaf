package distance

import (
	"math"
	"testing"
)

func TestPairEuclidean(t *testing.T) {
	k := NewKernels(VariantScalar)
	a := []float32{0, 0}
	b := []float32{3, 4}
	got, err := k.Pair(Euclidean, a, b)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if math.Abs(float64(got)-5.0) > 1e-6 {
		t.Fatalf("expected 5.0, got %v", got)
	}
}

func TestPairDimensionMismatch(t *testing.T) {
	k := NewKernels(VariantScalar)
	if _, err := k.Pair(Euclidean, []float32{1, 2}, []float32{1}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestBatchMatchesPairAcrossVariants(t *testing.T) {
	d := 5
	query := []float32{1, 2, 3, 4, 5}
	const kCount = 37 // deliberately not a multiple of any lane width
	flat := make([]float32, kCount*d)
	for i := 0; i < kCount; i++ {
		for j := 0; j < d; j++ {
			flat[i*d+j] = float32(i + j)
		}
	}

	variants := []Variant{VariantScalar, VariantSSE2, VariantAVX2, VariantAVX512}
	for _, metric := range []Metric{Euclidean, SquaredEuclidean, Cosine, DotProduct} {
		var reference []float32
		for _, v := range variants {
			k := NewKernels(v)
			got, err := k.Batch(metric, query, flat, d)
			if err != nil {
				t.Fatalf("batch metric=%v variant=%v: %v", metric, v, err)
			}
			if len(got) != kCount {
				t.Fatalf("expected %d results, got %d", kCount, len(got))
			}
			for i := 0; i < kCount; i++ {
				want, _ := k.Pair(metric, query, flat[i*d:i*d+d])
				if got[i] != want {
					t.Fatalf("metric=%v variant=%v idx=%d: batch %v != pair %v", metric, v, i, got[i], want)
				}
			}
			if reference == nil {
				reference = got
			} else {
				for i := range got {
					if math.Abs(float64(got[i]-reference[i])) > 1e-4 {
						t.Fatalf("metric=%v variant=%v diverges from reference beyond rounding at %d: %v vs %v", metric, v, i, got[i], reference[i])
					}
				}
			}
		}
	}
}

func TestBatchRejectsBadShape(t *testing.T) {
	k := NewKernels(VariantScalar)
	if _, err := k.Batch(Euclidean, []float32{1, 2}, []float32{1, 2, 3}, 2); err == nil {
		t.Fatal("expected error for candidates not a multiple of d")
	}
}

func TestSelectIsDeterministic(t *testing.T) {
	a := Select()
	b := Select()
	if a != b {
		t.Fatalf("Select() not deterministic within a process: %v vs %v", a, b)
	}
}

func TestLaneWidthOrdering(t *testing.T) {
	if LaneWidth(VariantScalar) >= LaneWidth(VariantSSE2) ||
		LaneWidth(VariantSSE2) >= LaneWidth(VariantAVX2) ||
		LaneWidth(VariantAVX2) >= LaneWidth(VariantAVX512) {
		t.Fatal("expected strictly increasing lane widths scalar < sse2 < avx2 < avx512")
	}
}
