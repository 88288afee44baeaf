package annindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/vexfs/vexfs/internal/distance"
)

// pqIndex is index-level product quantization: the dimension is split
// into numSubspaces equal chunks, each gets its own trained codebook (by
// Lloyd's algorithm over gonum vectors) of up to 256 centroids, and every
// stored vector is reduced to one byte per subspace. Distinct from
// internal/codec's inline-header PQ (untrained, per-vector min/range
// quantization, see compressPQ there). Search is asymmetric: the
// query stays full-precision, candidates are the quantized codes.
type pqIndex struct {
	mu      sync.RWMutex
	dim     int
	metric  distance.Metric
	kernels *distance.Kernels

	numSubspaces int
	subDim       int
	codebookSize int
	codebooks    [][]float32 // [subspace][code*subDim]

	codes map[uint64][]uint8 // id -> numSubspaces codes
	state State
}

func newPQIndex(dim int, metric distance.Metric, bc BuildContext) *pqIndex {
	m := bc.NumSubspaces
	if m <= 0 {
		m = 8
	}
	if dim%m != 0 {
		// Fall back to a divisor of dim so every subspace is equal width.
		for m > 1 && dim%m != 0 {
			m--
		}
	}
	k := bc.Codebook
	if k <= 0 || k > 256 {
		k = 256
	}
	return &pqIndex{
		dim: dim, metric: metric, kernels: distance.Best(),
		numSubspaces: m, subDim: dim / m, codebookSize: k,
		codes: make(map[uint64][]uint8),
		state: StateEmpty,
	}
}

func (p *pqIndex) Tag() Tag       { return TagPQ }
func (p *pqIndex) State() State   { p.mu.RLock(); defer p.mu.RUnlock(); return p.state }
func (p *pqIndex) Dimension() int { return p.dim }
func (p *pqIndex) Len() int       { p.mu.RLock(); defer p.mu.RUnlock(); return len(p.codes) }

func (p *pqIndex) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		Tag: TagPQ, State: p.state, VectorCount: len(p.codes), Dimension: p.dim, Metric: p.metric,
		MemoryEstBytes: int64(len(p.codes)) * int64(p.numSubspaces),
	}
}

// Build trains one codebook per subspace with Lloyd's algorithm, then
// encodes every vector to its nearest centroid index per subspace. PQ is
// the one strategy spec.md documents as retrain-on-bulk-change: Insert
// after Build encodes against the existing codebooks without retraining.
func (p *pqIndex) Build(_ BuildContext, vectors map[uint64][]float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateBuilding
	p.codes = make(map[uint64][]uint8, len(vectors))

	ids := make([]uint64, 0, len(vectors))
	for id, vec := range vectors {
		if len(vec) != p.dim {
			p.state = StateEmpty
			return fmt.Errorf("%w: id=%d has %d, want %d", ErrDimensionMismatch, id, len(vec), p.dim)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	p.codebooks = make([][]float32, p.numSubspaces)
	for s := 0; s < p.numSubspaces; s++ {
		p.codebooks[s] = p.trainSubspace(ids, vectors, s)
	}
	for _, id := range ids {
		p.codes[id] = p.encode(vectors[id])
	}
	p.state = StateReady
	return nil
}

// trainSubspace runs Lloyd's algorithm over one subDim-wide slice of
// every training vector, using gonum vectors for the centroid mean step.
func (p *pqIndex) trainSubspace(ids []uint64, vectors map[uint64][]float32, s int) []float32 {
	k := p.codebookSize
	if k > len(ids) {
		k = len(ids)
	}
	if k == 0 {
		return make([]float32, p.codebookSize*p.subDim)
	}
	start := s * p.subDim
	centroids := make([]float32, k*p.subDim)
	for c := 0; c < k; c++ {
		src := vectors[ids[c*len(ids)/k]][start : start+p.subDim]
		copy(centroids[c*p.subDim:c*p.subDim+p.subDim], src)
	}

	const iterations = 6
	for iter := 0; iter < iterations; iter++ {
		sums := make([]*mat.VecDense, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = mat.NewVecDense(p.subDim, nil)
		}
		for _, id := range ids {
			sub := vectors[id][start : start+p.subDim]
			c := nearestCode(sub, centroids, p.subDim, k)
			counts[c]++
			v := mat.NewVecDense(p.subDim, float64SliceFromFloat32(sub))
			sums[c].AddVec(sums[c], v)
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue
			}
			sums[c].ScaleVec(1.0/float64(counts[c]), sums[c])
			for j := 0; j < p.subDim; j++ {
				centroids[c*p.subDim+j] = float32(sums[c].AtVec(j))
			}
		}
	}
	if k < p.codebookSize {
		centroids = append(centroids, make([]float32, (p.codebookSize-k)*p.subDim)...)
	}
	return centroids
}

func float64SliceFromFloat32(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func nearestCode(sub []float32, centroids []float32, subDim, k int) int {
	best, bestDist := 0, float32(math.MaxFloat32)
	for c := 0; c < k; c++ {
		cent := centroids[c*subDim : c*subDim+subDim]
		var d float32
		for i := range sub {
			diff := sub[i] - cent[i]
			d += diff * diff
		}
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func (p *pqIndex) encode(vec []float32) []uint8 {
	codes := make([]uint8, p.numSubspaces)
	for s := 0; s < p.numSubspaces; s++ {
		start := s * p.subDim
		codes[s] = uint8(nearestCode(vec[start:start+p.subDim], p.codebooks[s], p.subDim, p.codebookSize))
	}
	return codes
}

func (p *pqIndex) decode(codes []uint8) []float32 {
	out := make([]float32, p.dim)
	for s, code := range codes {
		start := s * p.subDim
		copy(out[start:start+p.subDim], p.codebooks[s][int(code)*p.subDim:int(code)*p.subDim+p.subDim])
	}
	return out
}

// Insert encodes against the already-trained codebooks; it does not
// retrain them (spec.md's PQ is the one variant without insert-without-
// retrain parity — a caller that needs fresh codebooks must Build again).
func (p *pqIndex) Insert(id uint64, vec []float32) error {
	if len(vec) != p.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), p.dim)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateEmpty || len(p.codebooks) == 0 {
		return fmt.Errorf("annindex: pq has no trained codebooks, call Build first")
	}
	p.codes[id] = p.encode(vec)
	return nil
}

func (p *pqIndex) Remove(id uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.codes[id]; !ok {
		return ErrIDNotFound
	}
	delete(p.codes, id)
	if len(p.codes) == 0 {
		p.state = StateEmpty
	}
	return nil
}

func (p *pqIndex) Search(query []float32, k int) ([]Result, error) {
	if len(query) != p.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), p.dim)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != StateReady {
		return nil, ErrNotReady
	}
	results := make([]Result, 0, len(p.codes))
	for id, codes := range p.codes {
		approx := p.decode(codes)
		d, err := p.kernels.Pair(p.metric, query, approx)
		if err != nil {
			return nil, err
		}
		results = append(results, Result{ID: id, Distance: d})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// IDs returns every resident vector ID.
func (p *pqIndex) IDs() []uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]uint64, 0, len(p.codes))
	for id := range p.codes {
		out = append(out, id)
	}
	return out
}

func (p *pqIndex) Serialize() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(p.numSubspaces))
	binary.Write(&buf, binary.LittleEndian, uint32(p.subDim))
	binary.Write(&buf, binary.LittleEndian, uint32(p.codebookSize))
	for _, cb := range p.codebooks {
		for _, v := range cb {
			binary.Write(&buf, binary.LittleEndian, math.Float32bits(v))
		}
	}
	binary.Write(&buf, binary.LittleEndian, uint32(len(p.codes)))
	for id, codes := range p.codes {
		binary.Write(&buf, binary.LittleEndian, id)
		buf.Write(codes)
	}
	return buf.Bytes(), nil
}

func (p *pqIndex) Deserialize(dim int, metric distance.Metric, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dim, p.metric, p.kernels = dim, metric, distance.Best()
	r := bytes.NewReader(data)
	var m, subDim, k uint32
	if err := binary.Read(r, binary.LittleEndian, &m); err != nil {
		return fmt.Errorf("annindex: pq snapshot header: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &subDim); err != nil {
		return fmt.Errorf("annindex: pq snapshot header: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &k); err != nil {
		return fmt.Errorf("annindex: pq snapshot header: %w", err)
	}
	p.numSubspaces, p.subDim, p.codebookSize = int(m), int(subDim), int(k)
	p.codebooks = make([][]float32, p.numSubspaces)
	for s := range p.codebooks {
		cb := make([]float32, p.codebookSize*p.subDim)
		for i := range cb {
			var bits uint32
			if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
				return fmt.Errorf("annindex: pq snapshot codebook %d: %w", s, err)
			}
			cb[i] = math.Float32frombits(bits)
		}
		p.codebooks[s] = cb
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("annindex: pq snapshot count: %w", err)
	}
	p.codes = make(map[uint64][]uint8, n)
	for i := uint32(0); i < n; i++ {
		var id uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return fmt.Errorf("annindex: pq snapshot id %d: %w", i, err)
		}
		codes := make([]uint8, p.numSubspaces)
		if _, err := r.Read(codes); err != nil {
			return fmt.Errorf("annindex: pq snapshot codes %d: %w", i, err)
		}
		p.codes[id] = codes
	}
	p.state = StateEmpty
	if len(p.codes) > 0 {
		p.state = StateReady
	}
	return nil
}
