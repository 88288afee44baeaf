package annindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/vexfs/vexfs/internal/distance"
)

// flatIndex is a brute-force index: exact search by scanning every stored
// vector. Grounded on other_examples' libravdb flat.Index (id->slot map
// plus a dense vector slice), generalized to the spec's id/metric model.
type flatIndex struct {
	mu      sync.RWMutex
	dim     int
	metric  distance.Metric
	kernels *distance.Kernels

	ids   []uint64
	slot  map[uint64]int
	flat  []float32 // len(ids)*dim, row-major
	state State
}

func newFlat(dim int, metric distance.Metric) *flatIndex {
	return &flatIndex{
		dim:     dim,
		metric:  metric,
		kernels: distance.Best(),
		slot:    make(map[uint64]int),
		state:   StateEmpty,
	}
}

func (f *flatIndex) Tag() Tag       { return TagFlat }
func (f *flatIndex) State() State   { f.mu.RLock(); defer f.mu.RUnlock(); return f.state }
func (f *flatIndex) Dimension() int { return f.dim }
func (f *flatIndex) Len() int       { f.mu.RLock(); defer f.mu.RUnlock(); return len(f.ids) }

func (f *flatIndex) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Stats{
		Tag: TagFlat, State: f.state, VectorCount: len(f.ids), Dimension: f.dim, Metric: f.metric,
		MemoryEstBytes: int64(len(f.flat)) * 4,
	}
}

func (f *flatIndex) Build(_ BuildContext, vectors map[uint64][]float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateBuilding
	f.ids = f.ids[:0]
	f.flat = f.flat[:0]
	f.slot = make(map[uint64]int, len(vectors))
	for id, vec := range vectors {
		if len(vec) != f.dim {
			f.state = StateEmpty
			return fmt.Errorf("%w: id=%d has %d, want %d", ErrDimensionMismatch, id, len(vec), f.dim)
		}
		f.slot[id] = len(f.ids)
		f.ids = append(f.ids, id)
		f.flat = append(f.flat, vec...)
	}
	f.state = StateReady
	return nil
}

func (f *flatIndex) Insert(id uint64, vec []float32) error {
	if len(vec) != f.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), f.dim)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx, ok := f.slot[id]; ok {
		copy(f.flat[idx*f.dim:idx*f.dim+f.dim], vec)
	} else {
		f.slot[id] = len(f.ids)
		f.ids = append(f.ids, id)
		f.flat = append(f.flat, vec...)
	}
	if f.state == StateEmpty {
		f.state = StateReady
	}
	return nil
}

func (f *flatIndex) Remove(id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.slot[id]
	if !ok {
		return ErrIDNotFound
	}
	last := len(f.ids) - 1
	lastID := f.ids[last]
	copy(f.flat[idx*f.dim:idx*f.dim+f.dim], f.flat[last*f.dim:last*f.dim+f.dim])
	f.ids[idx] = lastID
	f.ids = f.ids[:last]
	f.flat = f.flat[:last*f.dim]
	f.slot[lastID] = idx
	delete(f.slot, id)
	if len(f.ids) == 0 {
		f.state = StateEmpty
	}
	return nil
}

// Search is exact by construction: it is the recall oracle other
// strategies are measured against (spec.md §8 P5).
func (f *flatIndex) Search(query []float32, k int) ([]Result, error) {
	if len(query) != f.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), f.dim)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.state != StateReady && len(f.ids) == 0 {
		return nil, nil
	}
	dists, err := f.kernels.Batch(f.metric, query, f.flat, f.dim)
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(f.ids))
	for i, id := range f.ids {
		results[i] = Result{ID: id, Distance: dists[i]}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// IDs returns every resident vector ID (lets the orchestrator reseed its
// access-time tracking after Load without a dedicated snapshot field).
func (f *flatIndex) IDs() []uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]uint64, len(f.ids))
	copy(out, f.ids)
	return out
}

func (f *flatIndex) Serialize() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(f.ids)))
	for i, id := range f.ids {
		binary.Write(&buf, binary.LittleEndian, id)
		for _, v := range f.flat[i*f.dim : i*f.dim+f.dim] {
			binary.Write(&buf, binary.LittleEndian, math.Float32bits(v))
		}
	}
	return buf.Bytes(), nil
}

func (f *flatIndex) Deserialize(dim int, metric distance.Metric, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dim, f.metric, f.kernels = dim, metric, distance.Best()
	r := bytes.NewReader(data)
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("annindex: flat snapshot header: %w", err)
	}
	f.ids = make([]uint64, 0, n)
	f.flat = make([]float32, 0, int(n)*dim)
	f.slot = make(map[uint64]int, n)
	for i := uint32(0); i < n; i++ {
		var id uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return fmt.Errorf("annindex: flat snapshot id %d: %w", i, err)
		}
		f.slot[id] = len(f.ids)
		f.ids = append(f.ids, id)
		for j := 0; j < dim; j++ {
			var bits uint32
			if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
				return fmt.Errorf("annindex: flat snapshot vector %d: %w", i, err)
			}
			f.flat = append(f.flat, math.Float32frombits(bits))
		}
	}
	f.state = StateEmpty
	if len(f.ids) > 0 {
		f.state = StateReady
	}
	return nil
}
