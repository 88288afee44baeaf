package codec

import "time"

// BenchResult reports one scheme's round-trip cost and size on a payload.
// BenchmarkAll never mutates storage — it only exercises Compress/Decompress
// in memory.
type BenchResult struct {
	Kind             Kind
	OriginalSize     int
	CompressedSize   int
	Ratio            float64
	CompressTime     time.Duration
	DecompressTime   time.Duration
	RoundTripExact   bool
}

// BenchmarkAll runs every scheme end-to-end against vec and reports
// comparative sizing and timing; it performs no I/O and leaves vec
// untouched.
func BenchmarkAll(vec []float32) ([]BenchResult, error) {
	kinds := []Kind{None, Q8, Q4, PQ, Sparse}
	results := make([]BenchResult, 0, len(kinds))

	for _, k := range kinds {
		start := time.Now()
		c, err := Compress(k, vec)
		compressTime := time.Since(start)
		if err != nil {
			return nil, err
		}

		start = time.Now()
		out, err := Decompress(c)
		decompressTime := time.Since(start)
		if err != nil {
			return nil, err
		}

		exact := len(out) == len(vec)
		if exact {
			for i := range vec {
				if out[i] != vec[i] {
					exact = false
					break
				}
			}
		}

		orig := c.OriginalSize()
		stored := c.StoredSize()
		ratio := 1.0
		if stored > 0 {
			ratio = float64(orig) / float64(stored)
		}

		results = append(results, BenchResult{
			Kind:           k,
			OriginalSize:   orig,
			CompressedSize: stored,
			Ratio:          ratio,
			CompressTime:   compressTime,
			DecompressTime: decompressTime,
			RoundTripExact: exact,
		})
	}
	return results, nil
}
