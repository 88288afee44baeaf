package annindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/vexfs/vexfs/internal/distance"
)

// lshIndex is random-hyperplane locality-sensitive hashing: each of
// numTables tables hashes a vector to a bucket by the sign pattern of its
// dot product against hyperplaneBits random hyperplanes; Search unions
// the query's bucket across all tables and re-ranks candidates exactly.
// When that union holds fewer than k vectors, every other resident vector
// is ranked exactly as well, so k >= Len() returns every resident ID.
// This is an approximate strategy by construction (spec.md §8 scenario 3
// measures its recall against flat, it does not require it to match).
type lshIndex struct {
	mu      sync.RWMutex
	dim     int
	metric  distance.Metric
	kernels *distance.Kernels

	numTables      int
	hyperplaneBits int
	hyperplanes    [][]float32 // numTables*hyperplaneBits*dim flattened per table

	buckets []map[uint64][]uint64 // one bucket map per table
	vecOf   map[uint64][]float32
	state   State
}

func newLSH(dim int, metric distance.Metric, bc BuildContext) *lshIndex {
	numTables := bc.NumTables
	if numTables <= 0 {
		numTables = 4
	}
	bits := bc.HyperplaneBits
	if bits <= 0 || bits > 63 {
		bits = 12
	}
	l := &lshIndex{
		dim: dim, metric: metric, kernels: distance.Best(),
		numTables: numTables, hyperplaneBits: bits,
		vecOf: make(map[uint64][]float32),
		state: StateEmpty,
	}
	l.generateHyperplanes()
	return l
}

// generateHyperplanes seeds a fixed-seed RNG so a given (dim, numTables,
// hyperplaneBits) configuration always produces the same hash family,
// keeping Search deterministic across process restarts that rebuild
// (rather than deserialize) the index.
func (l *lshIndex) generateHyperplanes() {
	rng := rand.New(rand.NewSource(int64(l.dim)*1_000_003 + int64(l.numTables)*97 + int64(l.hyperplaneBits)))
	l.hyperplanes = make([][]float32, l.numTables)
	for t := 0; t < l.numTables; t++ {
		plane := make([]float32, l.hyperplaneBits*l.dim)
		for i := range plane {
			plane[i] = float32(rng.NormFloat64())
		}
		l.hyperplanes[t] = plane
	}
	l.buckets = make([]map[uint64][]uint64, l.numTables)
	for t := range l.buckets {
		l.buckets[t] = make(map[uint64][]uint64)
	}
}

func (l *lshIndex) hash(table int, vec []float32) uint64 {
	plane := l.hyperplanes[table]
	var code uint64
	for b := 0; b < l.hyperplaneBits; b++ {
		hp := plane[b*l.dim : b*l.dim+l.dim]
		var dot float32
		for i, v := range vec {
			dot += v * hp[i]
		}
		if dot > 0 {
			code |= 1 << uint(b)
		}
	}
	return code
}

func (l *lshIndex) Tag() Tag       { return TagLSH }
func (l *lshIndex) State() State   { l.mu.RLock(); defer l.mu.RUnlock(); return l.state }
func (l *lshIndex) Dimension() int { return l.dim }
func (l *lshIndex) Len() int       { l.mu.RLock(); defer l.mu.RUnlock(); return len(l.vecOf) }

func (l *lshIndex) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{
		Tag: TagLSH, State: l.state, VectorCount: len(l.vecOf), Dimension: l.dim, Metric: l.metric,
		MemoryEstBytes: int64(len(l.vecOf)) * int64(l.dim) * 4,
	}
}

func (l *lshIndex) Build(_ BuildContext, vectors map[uint64][]float32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateBuilding
	l.vecOf = make(map[uint64][]float32, len(vectors))
	for t := range l.buckets {
		l.buckets[t] = make(map[uint64][]uint64)
	}
	for id, vec := range vectors {
		if len(vec) != l.dim {
			l.state = StateEmpty
			return fmt.Errorf("%w: id=%d has %d, want %d", ErrDimensionMismatch, id, len(vec), l.dim)
		}
		cp := append([]float32(nil), vec...)
		l.vecOf[id] = cp
		l.indexVectorLocked(id, cp)
	}
	l.state = StateReady
	return nil
}

func (l *lshIndex) indexVectorLocked(id uint64, vec []float32) {
	for t := 0; t < l.numTables; t++ {
		code := l.hash(t, vec)
		l.buckets[t][code] = append(l.buckets[t][code], id)
	}
}

func (l *lshIndex) Insert(id uint64, vec []float32) error {
	if len(vec) != l.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), l.dim)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.vecOf[id]; ok {
		l.removeLocked(id)
	}
	cp := append([]float32(nil), vec...)
	l.vecOf[id] = cp
	l.indexVectorLocked(id, cp)
	if l.state == StateEmpty {
		l.state = StateReady
	}
	return nil
}

func (l *lshIndex) removeLocked(id uint64) {
	vec, ok := l.vecOf[id]
	if !ok {
		return
	}
	for t := 0; t < l.numTables; t++ {
		code := l.hash(t, vec)
		list := l.buckets[t][code]
		for i, v := range list {
			if v == id {
				l.buckets[t][code] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	delete(l.vecOf, id)
}

func (l *lshIndex) Remove(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.vecOf[id]; !ok {
		return ErrIDNotFound
	}
	l.removeLocked(id)
	if len(l.vecOf) == 0 {
		l.state = StateEmpty
	}
	return nil
}

func (l *lshIndex) Search(query []float32, k int) ([]Result, error) {
	if len(query) != l.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), l.dim)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[uint64]bool)
	var results []Result
	for t := 0; t < l.numTables; t++ {
		code := l.hash(t, query)
		for _, id := range l.buckets[t][code] {
			if seen[id] {
				continue
			}
			seen[id] = true
			d, err := l.kernels.Pair(l.metric, query, l.vecOf[id])
			if err != nil {
				return nil, err
			}
			results = append(results, Result{ID: id, Distance: d})
		}
	}
	if len(results) < k {
		for id, vec := range l.vecOf {
			if seen[id] {
				continue
			}
			d, err := l.kernels.Pair(l.metric, query, vec)
			if err != nil {
				return nil, err
			}
			results = append(results, Result{ID: id, Distance: d})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// IDs returns every resident vector ID.
func (l *lshIndex) IDs() []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]uint64, 0, len(l.vecOf))
	for id := range l.vecOf {
		out = append(out, id)
	}
	return out
}

func (l *lshIndex) Serialize() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(l.numTables))
	binary.Write(&buf, binary.LittleEndian, uint32(l.hyperplaneBits))
	binary.Write(&buf, binary.LittleEndian, uint32(len(l.vecOf)))
	for id, vec := range l.vecOf {
		binary.Write(&buf, binary.LittleEndian, id)
		for _, v := range vec {
			binary.Write(&buf, binary.LittleEndian, math.Float32bits(v))
		}
	}
	return buf.Bytes(), nil
}

func (l *lshIndex) Deserialize(dim int, metric distance.Metric, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dim, l.metric, l.kernels = dim, metric, distance.Best()
	r := bytes.NewReader(data)
	var numTables, bits, n uint32
	if err := binary.Read(r, binary.LittleEndian, &numTables); err != nil {
		return fmt.Errorf("annindex: lsh snapshot header: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
		return fmt.Errorf("annindex: lsh snapshot header: %w", err)
	}
	l.numTables, l.hyperplaneBits = int(numTables), int(bits)
	l.generateHyperplanes()
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("annindex: lsh snapshot count: %w", err)
	}
	l.vecOf = make(map[uint64][]float32, n)
	for i := uint32(0); i < n; i++ {
		var id uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return fmt.Errorf("annindex: lsh snapshot id %d: %w", i, err)
		}
		vec := make([]float32, dim)
		for j := range vec {
			var b uint32
			if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
				return fmt.Errorf("annindex: lsh snapshot vector %d: %w", i, err)
			}
			vec[j] = math.Float32frombits(b)
		}
		l.vecOf[id] = vec
		l.indexVectorLocked(id, vec)
	}
	l.state = StateEmpty
	if len(l.vecOf) > 0 {
		l.state = StateReady
	}
	return nil
}
