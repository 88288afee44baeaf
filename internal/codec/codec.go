// Package codec implements C3: compress/decompress schemes for vector
// payloads, a deterministic auto-select decision table, and a benchmark
// harness that exercises every scheme without mutating storage.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Kind identifies a compression scheme.
type Kind uint8

const (
	None Kind = iota
	Q8
	Q4
	PQ
	Sparse
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Q8:
		return "q8"
	case Q4:
		return "q4"
	case PQ:
		return "pq"
	case Sparse:
		return "sparse"
	default:
		return "unknown"
	}
}

// sparseZeroThreshold is the magnitude below which a component counts as
// zero for both sparsity scoring and the sparse codec's exactness claim.
const sparseZeroThreshold = 1e-9

// pqSubspaceSize is the fixed subspace width C3's (codec-level, not C5's
// trained-codebook) product quantization partitions d into.
const pqSubspaceSize = 8

// Compressed is a self-describing compressed vector: Meta carries the
// scheme's inline header (min/range, subspace bounds, sparse index/value
// lists — see spec.md §4.3), Payload carries the packed codes.
type Compressed struct {
	Kind    Kind
	D       int
	Meta    []byte
	Payload []byte
}

// OriginalSize is the byte length of the uncompressed f32 payload.
func (c Compressed) OriginalSize() int { return c.D * 4 }

// StoredSize is the total inline-header + payload byte length.
func (c Compressed) StoredSize() int { return len(c.Meta) + len(c.Payload) }

// Compress encodes vec with the requested scheme.
func Compress(kind Kind, vec []float32) (Compressed, error) {
	switch kind {
	case None:
		return compressNone(vec), nil
	case Q8:
		return compressScalarQuant(vec, 255), nil
	case Q4:
		return compressQ4(vec), nil
	case PQ:
		return compressPQ(vec), nil
	case Sparse:
		return compressSparse(vec), nil
	default:
		return Compressed{}, fmt.Errorf("codec: unknown kind %d", kind)
	}
}

// Decompress is the inverse of Compress, exact or within the scheme's
// advertised bound (spec.md §8 P2/P3).
func Decompress(c Compressed) ([]float32, error) {
	switch c.Kind {
	case None:
		return decompressNone(c)
	case Q8:
		return decompressScalarQuant(c, 255)
	case Q4:
		return decompressQ4(c)
	case PQ:
		return decompressPQ(c)
	case Sparse:
		return decompressSparse(c)
	default:
		return nil, fmt.Errorf("codec: unknown kind %d", c.Kind)
	}
}

// --- none ---

func compressNone(vec []float32) Compressed {
	payload := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(v))
	}
	return Compressed{Kind: None, D: len(vec), Payload: payload}
}

func decompressNone(c Compressed) ([]float32, error) {
	if len(c.Payload)%4 != 0 {
		return nil, fmt.Errorf("codec: none payload not a multiple of 4")
	}
	out := make([]float32, len(c.Payload)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(c.Payload[i*4:]))
	}
	return out, nil
}

// --- 8-bit scalar quantization (also reused at a coarser 15-level step by
// 4-bit quantization, and per subspace by PQ) ---

func minMax(vec []float32) (min, max float32) {
	if len(vec) == 0 {
		return 0, 0
	}
	min, max = vec[0], vec[0]
	for _, v := range vec[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

func compressScalarQuant(vec []float32, levels int) Compressed {
	min, max := minMax(vec)
	rng := max - min
	meta := make([]byte, 8)
	binary.LittleEndian.PutUint32(meta[0:4], math.Float32bits(min))
	binary.LittleEndian.PutUint32(meta[4:8], math.Float32bits(rng))

	payload := make([]byte, len(vec))
	for i, v := range vec {
		payload[i] = quantizeByte(v, min, rng, levels)
	}
	return Compressed{Kind: Q8, D: len(vec), Meta: meta, Payload: payload}
}

func quantizeByte(v, min, rng float32, levels int) byte {
	if rng == 0 {
		return 0
	}
	frac := (v - min) / rng
	code := int(frac*float32(levels) + 0.5)
	if code < 0 {
		code = 0
	}
	if code > levels {
		code = levels
	}
	return byte(code)
}

func dequantize(code byte, min, rng float32, levels int) float32 {
	if rng == 0 {
		return min
	}
	return min + rng*float32(code)/float32(levels)
}

func decompressScalarQuant(c Compressed, levels int) ([]float32, error) {
	if len(c.Meta) != 8 {
		return nil, fmt.Errorf("codec: q8 meta must be 8 bytes, got %d", len(c.Meta))
	}
	min := math.Float32frombits(binary.LittleEndian.Uint32(c.Meta[0:4]))
	rng := math.Float32frombits(binary.LittleEndian.Uint32(c.Meta[4:8]))
	out := make([]float32, len(c.Payload))
	for i, code := range c.Payload {
		out[i] = dequantize(code, min, rng, levels)
	}
	return out, nil
}

// --- 4-bit scalar quantization, two codes packed per byte ---

func compressQ4(vec []float32) Compressed {
	min, max := minMax(vec)
	rng := max - min
	meta := make([]byte, 8)
	binary.LittleEndian.PutUint32(meta[0:4], math.Float32bits(min))
	binary.LittleEndian.PutUint32(meta[4:8], math.Float32bits(rng))

	packed := make([]byte, (len(vec)+1)/2)
	for i, v := range vec {
		code := quantizeByte(v, min, rng, 15)
		if i%2 == 0 {
			packed[i/2] |= code
		} else {
			packed[i/2] |= code << 4
		}
	}
	return Compressed{Kind: Q4, D: len(vec), Meta: meta, Payload: packed}
}

func decompressQ4(c Compressed) ([]float32, error) {
	if len(c.Meta) != 8 {
		return nil, fmt.Errorf("codec: q4 meta must be 8 bytes, got %d", len(c.Meta))
	}
	min := math.Float32frombits(binary.LittleEndian.Uint32(c.Meta[0:4]))
	rng := math.Float32frombits(binary.LittleEndian.Uint32(c.Meta[4:8]))
	out := make([]float32, c.D)
	for i := 0; i < c.D; i++ {
		b := c.Payload[i/2]
		var code byte
		if i%2 == 0 {
			code = b & 0x0F
		} else {
			code = b >> 4
		}
		out[i] = dequantize(code, min, rng, 15)
	}
	return out, nil
}

// --- product quantization (codec-level): per-subspace min/range 8-bit
// quantization, not trained centroids (those live in
// internal/annindex/pq.go). ---

func compressPQ(vec []float32) Compressed {
	d := len(vec)
	subspace := pqSubspaceSize
	if subspace > d {
		subspace = d
	}
	nSub := (d + subspace - 1) / subspace

	meta := make([]byte, 8+nSub*8)
	binary.LittleEndian.PutUint32(meta[0:4], uint32(d))
	binary.LittleEndian.PutUint32(meta[4:8], uint32(subspace))

	payload := make([]byte, d)
	for s := 0; s < nSub; s++ {
		start := s * subspace
		end := start + subspace
		if end > d {
			end = d
		}
		sub := vec[start:end]
		min, max := minMax(sub)
		rng := max - min
		off := 8 + s*8
		binary.LittleEndian.PutUint32(meta[off:off+4], math.Float32bits(min))
		binary.LittleEndian.PutUint32(meta[off+4:off+8], math.Float32bits(rng))
		for i, v := range sub {
			payload[start+i] = quantizeByte(v, min, rng, 255)
		}
	}
	return Compressed{Kind: PQ, D: d, Meta: meta, Payload: payload}
}

func decompressPQ(c Compressed) ([]float32, error) {
	if len(c.Meta) < 8 {
		return nil, fmt.Errorf("codec: pq meta too short")
	}
	d := int(binary.LittleEndian.Uint32(c.Meta[0:4]))
	subspace := int(binary.LittleEndian.Uint32(c.Meta[4:8]))
	if subspace <= 0 {
		return nil, fmt.Errorf("codec: pq invalid subspace size %d", subspace)
	}
	nSub := (d + subspace - 1) / subspace
	if len(c.Meta) != 8+nSub*8 {
		return nil, fmt.Errorf("codec: pq meta length mismatch")
	}
	out := make([]float32, d)
	for s := 0; s < nSub; s++ {
		start := s * subspace
		end := start + subspace
		if end > d {
			end = d
		}
		off := 8 + s*8
		min := math.Float32frombits(binary.LittleEndian.Uint32(c.Meta[off : off+4]))
		rng := math.Float32frombits(binary.LittleEndian.Uint32(c.Meta[off+4 : off+8]))
		for i := start; i < end; i++ {
			out[i] = dequantize(c.Payload[i], min, rng, 255)
		}
	}
	return out, nil
}

// --- sparse: exact below sparseZeroThreshold ---

func compressSparse(vec []float32) Compressed {
	var idxList []uint32
	var valList []float32
	for i, v := range vec {
		if float32(math.Abs(float64(v))) >= sparseZeroThreshold {
			idxList = append(idxList, uint32(i))
			valList = append(valList, v)
		}
	}
	nnz := len(idxList)
	meta := make([]byte, 8)
	binary.LittleEndian.PutUint32(meta[0:4], uint32(len(vec)))
	binary.LittleEndian.PutUint32(meta[4:8], uint32(nnz))

	payload := make([]byte, nnz*4+nnz*4)
	for i, idx := range idxList {
		binary.LittleEndian.PutUint32(payload[i*4:], idx)
	}
	base := nnz * 4
	for i, v := range valList {
		binary.LittleEndian.PutUint32(payload[base+i*4:], math.Float32bits(v))
	}
	return Compressed{Kind: Sparse, D: len(vec), Meta: meta, Payload: payload}
}

func decompressSparse(c Compressed) ([]float32, error) {
	if len(c.Meta) != 8 {
		return nil, fmt.Errorf("codec: sparse meta must be 8 bytes")
	}
	d := int(binary.LittleEndian.Uint32(c.Meta[0:4]))
	nnz := int(binary.LittleEndian.Uint32(c.Meta[4:8]))
	if len(c.Payload) != nnz*8 {
		return nil, fmt.Errorf("codec: sparse payload length mismatch")
	}
	out := make([]float32, d)
	base := nnz * 4
	for i := 0; i < nnz; i++ {
		idx := binary.LittleEndian.Uint32(c.Payload[i*4:])
		val := math.Float32frombits(binary.LittleEndian.Uint32(c.Payload[base+i*4:]))
		if int(idx) >= d {
			return nil, fmt.Errorf("codec: sparse index %d out of range for d=%d", idx, d)
		}
		out[idx] = val
	}
	return out, nil
}

// --- auto-select decision table (spec.md §4.3) ---

// Sparsity returns the fraction of components below the sparse zero
// threshold.
func Sparsity(vec []float32) float64 {
	if len(vec) == 0 {
		return 0
	}
	var zeros int
	for _, v := range vec {
		if float32(math.Abs(float64(v))) < sparseZeroThreshold {
			zeros++
		}
	}
	return float64(zeros) / float64(len(vec))
}

// Entropy returns a normalized (0..1) Shannon entropy of vec's value
// distribution over a fixed 16-bin histogram spanning [min, max].
func Entropy(vec []float32) float64 {
	const bins = 16
	if len(vec) == 0 {
		return 0
	}
	min, max := minMax(vec)
	rng := max - min
	counts := make([]int, bins)
	for _, v := range vec {
		var b int
		if rng == 0 {
			b = 0
		} else {
			b = int(float64(v-min) / float64(rng) * float64(bins-1))
		}
		if b < 0 {
			b = 0
		}
		if b >= bins {
			b = bins - 1
		}
		counts[b]++
	}
	n := float64(len(vec))
	probs := make([]float64, bins)
	for i, c := range counts {
		probs[i] = float64(c) / n
	}
	h := stat.Entropy(probs) // natural-log Shannon entropy of the bin histogram
	maxH := math.Log(float64(bins))
	if maxH == 0 {
		return 0
	}
	return h / maxH
}

// MetaLen reports how many inline-header bytes a scheme writes for a
// payload of dimension d, letting callers that persist Meta and Payload
// concatenated (as vectorstore does, behind the fixed-size on-disk header)
// split them back apart without storing a separate length field.
func MetaLen(kind Kind, d int) int {
	switch kind {
	case None:
		return 0
	case Q8, Q4, Sparse:
		return 8
	case PQ:
		subspace := pqSubspaceSize
		if subspace > d {
			subspace = d
		}
		if subspace <= 0 {
			return 8
		}
		nSub := (d + subspace - 1) / subspace
		return 8 + nSub*8
	default:
		return 0
	}
}

// AutoSelect applies the decision table from spec.md §4.3 to an f32
// payload. Non-f32 element kinds are not modeled here; callers fall back
// to Q8 or Sparse per the spec's guidance.
func AutoSelect(vec []float32) Kind {
	d := len(vec)
	sigma := Sparsity(vec)
	h := Entropy(vec)

	switch {
	case sigma > 0.8:
		return Sparse
	case d >= 512:
		return PQ
	case h < 0.5:
		return Q4
	default:
		return Q8
	}
}
