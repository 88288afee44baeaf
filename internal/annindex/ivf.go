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

// ivfIndex is an inverted file index: vectors are assigned to the nearest
// of nLists centroids (trained by a fixed number of Lloyd iterations at
// Build time); Search probes the nProbe closest centroids' posting lists.
// Grounded on other_examples' VecLite IVFIndex (centroid slice + clusterID
// -> []vectorID + vectorID -> clusterID maps), generalized to carry full
// vectors in-process rather than delegating to an external storage layer.
type ivfIndex struct {
	mu      sync.RWMutex
	dim     int
	metric  distance.Metric
	kernels *distance.Kernels

	nLists int
	nProbe int

	centroids []float32 // nLists*dim
	postings  map[int][]uint64
	vecOf     map[uint64][]float32
	clusterOf map[uint64]int
	state     State
}

func newIVF(dim int, metric distance.Metric, bc BuildContext) *ivfIndex {
	nLists := bc.NumLists
	if nLists <= 0 {
		nLists = 16
	}
	nProbe := bc.NProbe
	if nProbe <= 0 {
		nProbe = 1
	}
	return &ivfIndex{
		dim: dim, metric: metric, kernels: distance.Best(),
		nLists: nLists, nProbe: nProbe,
		postings:  make(map[int][]uint64),
		vecOf:     make(map[uint64][]float32),
		clusterOf: make(map[uint64]int),
		state:     StateEmpty,
	}
}

func (x *ivfIndex) Tag() Tag       { return TagIVF }
func (x *ivfIndex) State() State   { x.mu.RLock(); defer x.mu.RUnlock(); return x.state }
func (x *ivfIndex) Dimension() int { return x.dim }
func (x *ivfIndex) Len() int       { x.mu.RLock(); defer x.mu.RUnlock(); return len(x.vecOf) }

func (x *ivfIndex) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{
		Tag: TagIVF, State: x.state, VectorCount: len(x.vecOf), Dimension: x.dim, Metric: x.metric,
		MemoryEstBytes: int64(len(x.vecOf)) * int64(x.dim) * 4,
	}
}

// Build trains centroids with Lloyd's algorithm (k-means), seeded by
// taking nLists input vectors spaced evenly over the ascending-sorted IDs,
// then assigns every vector to its nearest centroid's posting list.
func (x *ivfIndex) Build(_ BuildContext, vectors map[uint64][]float32) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.state = StateBuilding
	x.vecOf = make(map[uint64][]float32, len(vectors))
	x.clusterOf = make(map[uint64]int, len(vectors))
	x.postings = make(map[int][]uint64)

	ids := make([]uint64, 0, len(vectors))
	for id, vec := range vectors {
		if len(vec) != x.dim {
			x.state = StateEmpty
			return fmt.Errorf("%w: id=%d has %d, want %d", ErrDimensionMismatch, id, len(vec), x.dim)
		}
		cp := append([]float32(nil), vec...)
		x.vecOf[id] = cp
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		x.state = StateEmpty
		x.nLists = 0
		x.centroids = nil
		return nil
	}

	nLists := x.nLists
	if nLists > len(ids) {
		nLists = len(ids)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	x.centroids = make([]float32, nLists*x.dim)
	for c := 0; c < nLists; c++ {
		copy(x.centroids[c*x.dim:c*x.dim+x.dim], x.vecOf[ids[c*len(ids)/nLists]])
	}
	x.nLists = nLists

	const iterations = 8
	for iter := 0; iter < iterations; iter++ {
		sums := make([][]float32, nLists)
		counts := make([]int, nLists)
		for c := range sums {
			sums[c] = make([]float32, x.dim)
		}
		assign := make(map[uint64]int, len(ids))
		for _, id := range ids {
			c := x.nearestCentroid(x.vecOf[id])
			assign[id] = c
			counts[c]++
			for j, v := range x.vecOf[id] {
				sums[c][j] += v
			}
		}
		for c := 0; c < nLists; c++ {
			if counts[c] == 0 {
				continue
			}
			for j := range sums[c] {
				x.centroids[c*x.dim+j] = sums[c][j] / float32(counts[c])
			}
		}
		if iter == iterations-1 {
			for id, c := range assign {
				x.clusterOf[id] = c
				x.postings[c] = append(x.postings[c], id)
			}
		}
	}
	x.state = StateReady
	return nil
}

func (x *ivfIndex) nearestCentroid(vec []float32) int {
	best, bestDist := 0, float32(math.MaxFloat32)
	for c := 0; c < x.nLists; c++ {
		d, _ := x.kernels.Pair(distance.SquaredEuclidean, vec, x.centroids[c*x.dim:c*x.dim+x.dim])
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func (x *ivfIndex) nearestCentroids(vec []float32, n int) []int {
	type cd struct {
		c int
		d float32
	}
	cds := make([]cd, x.nLists)
	for c := 0; c < x.nLists; c++ {
		d, _ := x.kernels.Pair(distance.SquaredEuclidean, vec, x.centroids[c*x.dim:c*x.dim+x.dim])
		cds[c] = cd{c, d}
	}
	sort.Slice(cds, func(i, j int) bool { return cds[i].d < cds[j].d })
	if n > len(cds) {
		n = len(cds)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = cds[i].c
	}
	return out
}

func (x *ivfIndex) Insert(id uint64, vec []float32) error {
	if len(vec) != x.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), x.dim)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.nLists == 0 {
		// First vector ever: bootstrap a single-list index.
		x.nLists = 1
		x.centroids = append([]float32(nil), vec...)
	}
	if old, ok := x.clusterOf[id]; ok {
		x.removeFromPosting(old, id)
	}
	cp := append([]float32(nil), vec...)
	x.vecOf[id] = cp
	c := x.nearestCentroid(vec)
	x.clusterOf[id] = c
	x.postings[c] = append(x.postings[c], id)
	if x.state == StateEmpty {
		x.state = StateReady
	}
	return nil
}

func (x *ivfIndex) removeFromPosting(c int, id uint64) {
	list := x.postings[c]
	for i, v := range list {
		if v == id {
			x.postings[c] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (x *ivfIndex) Remove(id uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	c, ok := x.clusterOf[id]
	if !ok {
		return ErrIDNotFound
	}
	x.removeFromPosting(c, id)
	delete(x.clusterOf, id)
	delete(x.vecOf, id)
	if len(x.vecOf) == 0 {
		x.state = StateEmpty
	}
	return nil
}

func (x *ivfIndex) Search(query []float32, k int) ([]Result, error) {
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), x.dim)
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.nLists == 0 {
		return nil, nil
	}
	probe := x.nProbe
	if probe > x.nLists {
		probe = x.nLists
	}
	candidates := x.nearestCentroids(query, probe)

	var results []Result
	for _, c := range candidates {
		for _, id := range x.postings[c] {
			d, err := x.kernels.Pair(x.metric, query, x.vecOf[id])
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
func (x *ivfIndex) IDs() []uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]uint64, 0, len(x.vecOf))
	for id := range x.vecOf {
		out = append(out, id)
	}
	return out
}

func (x *ivfIndex) Serialize() ([]byte, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(x.nLists))
	binary.Write(&buf, binary.LittleEndian, uint32(x.nProbe))
	for _, v := range x.centroids {
		binary.Write(&buf, binary.LittleEndian, math.Float32bits(v))
	}
	binary.Write(&buf, binary.LittleEndian, uint32(len(x.vecOf)))
	for id, vec := range x.vecOf {
		binary.Write(&buf, binary.LittleEndian, id)
		binary.Write(&buf, binary.LittleEndian, uint32(x.clusterOf[id]))
		for _, v := range vec {
			binary.Write(&buf, binary.LittleEndian, math.Float32bits(v))
		}
	}
	return buf.Bytes(), nil
}

func (x *ivfIndex) Deserialize(dim int, metric distance.Metric, data []byte) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.dim, x.metric, x.kernels = dim, metric, distance.Best()
	r := bytes.NewReader(data)
	var nLists, nProbe uint32
	if err := binary.Read(r, binary.LittleEndian, &nLists); err != nil {
		return fmt.Errorf("annindex: ivf snapshot header: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &nProbe); err != nil {
		return fmt.Errorf("annindex: ivf snapshot header: %w", err)
	}
	x.nLists, x.nProbe = int(nLists), int(nProbe)
	x.centroids = make([]float32, int(nLists)*dim)
	for i := range x.centroids {
		var bits uint32
		if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
			return fmt.Errorf("annindex: ivf snapshot centroid %d: %w", i, err)
		}
		x.centroids[i] = math.Float32frombits(bits)
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("annindex: ivf snapshot count: %w", err)
	}
	x.vecOf = make(map[uint64][]float32, n)
	x.clusterOf = make(map[uint64]int, n)
	x.postings = make(map[int][]uint64)
	for i := uint32(0); i < n; i++ {
		var id uint64
		var cluster uint32
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return fmt.Errorf("annindex: ivf snapshot id %d: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &cluster); err != nil {
			return fmt.Errorf("annindex: ivf snapshot cluster %d: %w", i, err)
		}
		vec := make([]float32, dim)
		for j := range vec {
			var bits uint32
			if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
				return fmt.Errorf("annindex: ivf snapshot vector %d: %w", i, err)
			}
			vec[j] = math.Float32frombits(bits)
		}
		x.vecOf[id] = vec
		x.clusterOf[id] = int(cluster)
		x.postings[int(cluster)] = append(x.postings[int(cluster)], id)
	}
	x.state = StateEmpty
	if len(x.vecOf) > 0 {
		x.state = StateReady
	}
	return nil
}
