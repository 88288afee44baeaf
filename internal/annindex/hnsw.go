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

// hnswNode is one graph node: its vector, assigned top layer, and a
// per-layer neighbor list.
type hnswNode struct {
	id        uint64
	vec       []float32
	level     int
	neighbors [][]uint64 // neighbors[layer]
}

// hnswOp mirrors other_examples' incremental-HNSW change log: every
// insert/delete is recorded so a caller can audit or replay mutations
// against a snapshot without rebuilding from scratch.
type hnswOp struct {
	Seq    uint64
	Delete bool
	ID     uint64
}

// hnswIndex is a hierarchical navigable small-world graph: greedy descent
// through coarse upper layers narrows the entry point before a
// best-first search over layer 0 collects the final candidate set.
// Grounded on other_examples' mjm918-tur pkg/hnsw (change-log idiom) for
// the mutation bookkeeping; the graph construction/search algorithm
// itself follows Malkov & Yashunin's standard formulation that spec.md
// §5 and Open Question #4 (M/efConstruction/efSearch defaults) pin to.
type hnswIndex struct {
	mu      sync.RWMutex
	dim     int
	metric  distance.Metric
	kernels *distance.Kernels

	m              int
	efConstruction int
	efSearch       int
	levelMult      float64
	rng            *rand.Rand

	nodes      map[uint64]*hnswNode
	entryPoint uint64
	hasEntry   bool
	maxLevel   int

	changeLog []hnswOp
	nextSeq   uint64
	state     State
}

func newHNSW(dim int, metric distance.Metric, bc BuildContext) *hnswIndex {
	m := bc.M
	if m <= 0 {
		m = 16
	}
	efc := bc.EfConstruction
	if efc <= 0 {
		efc = 200
	}
	efs := bc.EfSearch
	if efs <= 0 {
		efs = 64
	}
	return &hnswIndex{
		dim: dim, metric: metric, kernels: distance.Best(),
		m: m, efConstruction: efc, efSearch: efs,
		levelMult: 1.0 / math.Log(float64(m)),
		rng:       rand.New(rand.NewSource(42)),
		nodes:     make(map[uint64]*hnswNode),
		nextSeq:   1,
		state:     StateEmpty,
	}
}

func (h *hnswIndex) Tag() Tag       { return TagHNSW }
func (h *hnswIndex) State() State   { h.mu.RLock(); defer h.mu.RUnlock(); return h.state }
func (h *hnswIndex) Dimension() int { return h.dim }
func (h *hnswIndex) Len() int       { h.mu.RLock(); defer h.mu.RUnlock(); return len(h.nodes) }

func (h *hnswIndex) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Tag: TagHNSW, State: h.state, VectorCount: len(h.nodes), Dimension: h.dim, Metric: h.metric,
		MemoryEstBytes: int64(len(h.nodes)) * int64(h.dim) * 4,
	}
}

func (h *hnswIndex) randomLevel() int {
	lvl := 0
	for h.rng.Float64() < 1.0/math.E && lvl < 32 {
		// Geometric draw: each further level is taken with probability
		// 1/e, capped at 32; levelMult is not consulted.
		lvl++
	}
	return lvl
}

func (h *hnswIndex) dist(a, b []float32) float32 {
	d, _ := h.kernels.Pair(h.metric, a, b)
	return d
}

func (h *hnswIndex) Build(_ BuildContext, vectors map[uint64][]float32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateBuilding
	h.nodes = make(map[uint64]*hnswNode, len(vectors))
	h.hasEntry = false
	h.maxLevel = 0
	h.changeLog = h.changeLog[:0]

	ids := make([]uint64, 0, len(vectors))
	for id, vec := range vectors {
		if len(vec) != h.dim {
			h.state = StateEmpty
			return fmt.Errorf("%w: id=%d has %d, want %d", ErrDimensionMismatch, id, len(vec), h.dim)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		h.insertLocked(id, vectors[id])
	}
	h.state = StateReady
	return nil
}

func (h *hnswIndex) Insert(id uint64, vec []float32) error {
	if len(vec) != h.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), h.dim)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.nodes[id]; ok {
		h.removeLocked(id)
	}
	h.insertLocked(id, vec)
	h.state = StateReady
	return nil
}

func (h *hnswIndex) insertLocked(id uint64, vec []float32) {
	cp := append([]float32(nil), vec...)
	level := h.randomLevel()
	node := &hnswNode{id: id, vec: cp, level: level, neighbors: make([][]uint64, level+1)}
	h.nodes[id] = node
	h.changeLog = append(h.changeLog, hnswOp{Seq: h.nextSeq, ID: id})
	h.nextSeq++

	if !h.hasEntry {
		h.entryPoint, h.hasEntry, h.maxLevel = id, true, level
		return
	}

	entry := h.entryPoint
	for layer := h.maxLevel; layer > level; layer-- {
		entry = h.greedyClosest(entry, vec, layer)
	}
	for layer := min(level, h.maxLevel); layer >= 0; layer-- {
		candidates := h.searchLayer(vec, entry, h.efConstruction, layer)
		neighbors := selectNeighbors(candidates, h.m)
		node.neighbors[layer] = neighbors
		for _, nb := range neighbors {
			h.connect(nb, id, layer)
		}
		if len(candidates) > 0 {
			entry = candidates[0].id
		}
	}
	if level > h.maxLevel {
		h.maxLevel = level
		h.entryPoint = id
	}
}

// connect adds id as a neighbor of nb at layer, pruning back to m if the
// list grows past it (keep the m closest to nb).
func (h *hnswIndex) connect(nb, id uint64, layer int) {
	n := h.nodes[nb]
	if n == nil || layer >= len(n.neighbors) {
		return
	}
	n.neighbors[layer] = append(n.neighbors[layer], id)
	if len(n.neighbors[layer]) <= h.m {
		return
	}
	type cd struct {
		id uint64
		d  float32
	}
	cds := make([]cd, len(n.neighbors[layer]))
	for i, nid := range n.neighbors[layer] {
		cds[i] = cd{nid, h.dist(n.vec, h.nodes[nid].vec)}
	}
	sort.Slice(cds, func(i, j int) bool { return cds[i].d < cds[j].d })
	pruned := make([]uint64, 0, h.m)
	for i := 0; i < h.m && i < len(cds); i++ {
		pruned = append(pruned, cds[i].id)
	}
	n.neighbors[layer] = pruned
}

func (h *hnswIndex) greedyClosest(entry uint64, query []float32, layer int) uint64 {
	current := entry
	currentDist := h.dist(query, h.nodes[current].vec)
	for {
		improved := false
		if layer < len(h.nodes[current].neighbors) {
			for _, nb := range h.nodes[current].neighbors[layer] {
				d := h.dist(query, h.nodes[nb].vec)
				if d < currentDist {
					current, currentDist, improved = nb, d, true
				}
			}
		}
		if !improved {
			return current
		}
	}
}

// searchLayer is a best-first search bounded to ef candidates, returning
// them sorted by ascending distance.
func (h *hnswIndex) searchLayer(query []float32, entry uint64, ef, layer int) []Result {
	visited := map[uint64]bool{entry: true}
	candidate := Result{ID: entry, Distance: h.dist(query, h.nodes[entry].vec)}
	best := []Result{candidate}
	frontier := []Result{candidate}

	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool { return lessResult(frontier[i], frontier[j]) })
		cur := frontier[0]
		frontier = frontier[1:]
		if len(best) >= ef {
			sort.Slice(best, func(i, j int) bool { return lessResult(best[i], best[j]) })
			if cur.Distance > best[ef-1].Distance {
				break
			}
		}
		node := h.nodes[cur.ID]
		if layer >= len(node.neighbors) {
			continue
		}
		for _, nb := range node.neighbors[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := h.dist(query, h.nodes[nb].vec)
			r := Result{ID: nb, Distance: d}
			best = append(best, r)
			frontier = append(frontier, r)
		}
	}
	sort.Slice(best, func(i, j int) bool { return lessResult(best[i], best[j]) })
	if len(best) > ef {
		best = best[:ef]
	}
	return best
}

// lessResult orders Results by ascending distance, with the lower ID
// winning an exact tie so Search's ranking is deterministic.
func lessResult(a, b Result) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}

func selectNeighbors(candidates []Result, m int) []uint64 {
	if m > len(candidates) {
		m = len(candidates)
	}
	out := make([]uint64, m)
	for i := 0; i < m; i++ {
		out[i] = candidates[i].ID
	}
	return out
}

func (h *hnswIndex) Remove(id uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.nodes[id]; !ok {
		return ErrIDNotFound
	}
	h.removeLocked(id)
	if len(h.nodes) == 0 {
		h.state = StateEmpty
	}
	return nil
}

func (h *hnswIndex) removeLocked(id uint64) {
	node := h.nodes[id]
	for layer, neighbors := range node.neighbors {
		for _, nb := range neighbors {
			n := h.nodes[nb]
			if n == nil || layer >= len(n.neighbors) {
				continue
			}
			for i, v := range n.neighbors[layer] {
				if v == id {
					n.neighbors[layer] = append(n.neighbors[layer][:i], n.neighbors[layer][i+1:]...)
					break
				}
			}
		}
	}
	delete(h.nodes, id)
	h.changeLog = append(h.changeLog, hnswOp{Seq: h.nextSeq, Delete: true, ID: id})
	h.nextSeq++

	if h.entryPoint == id {
		h.hasEntry = false
		for otherID := range h.nodes {
			h.entryPoint, h.hasEntry = otherID, true
			break
		}
	}
}

func (h *hnswIndex) Search(query []float32, k int) ([]Result, error) {
	if len(query) != h.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), h.dim)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.hasEntry {
		return nil, nil
	}
	entry := h.entryPoint
	for layer := h.maxLevel; layer > 0; layer-- {
		entry = h.greedyClosest(entry, query, layer)
	}
	ef := h.efSearch
	if ef < k {
		ef = k
	}
	results := h.searchLayer(query, entry, ef, 0)
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// IDs returns every resident vector ID.
func (h *hnswIndex) IDs() []uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]uint64, 0, len(h.nodes))
	for id := range h.nodes {
		out = append(out, id)
	}
	return out
}

func (h *hnswIndex) Serialize() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(h.m))
	binary.Write(&buf, binary.LittleEndian, uint32(h.efConstruction))
	binary.Write(&buf, binary.LittleEndian, uint32(h.efSearch))
	binary.Write(&buf, binary.LittleEndian, uint64(h.entryPoint))
	binary.Write(&buf, binary.LittleEndian, uint32(h.maxLevel))
	binary.Write(&buf, binary.LittleEndian, uint32(len(h.nodes)))
	for id, node := range h.nodes {
		binary.Write(&buf, binary.LittleEndian, id)
		binary.Write(&buf, binary.LittleEndian, uint32(node.level))
		for _, v := range node.vec {
			binary.Write(&buf, binary.LittleEndian, math.Float32bits(v))
		}
		binary.Write(&buf, binary.LittleEndian, uint32(len(node.neighbors)))
		for _, layerNeighbors := range node.neighbors {
			binary.Write(&buf, binary.LittleEndian, uint32(len(layerNeighbors)))
			for _, nb := range layerNeighbors {
				binary.Write(&buf, binary.LittleEndian, nb)
			}
		}
	}
	return buf.Bytes(), nil
}

func (h *hnswIndex) Deserialize(dim int, metric distance.Metric, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dim, h.metric, h.kernels = dim, metric, distance.Best()
	r := bytes.NewReader(data)
	var m, efc, efs uint32
	var entry uint64
	var maxLevel, n uint32
	if err := binary.Read(r, binary.LittleEndian, &m); err != nil {
		return fmt.Errorf("annindex: hnsw snapshot header: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &efc); err != nil {
		return fmt.Errorf("annindex: hnsw snapshot header: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &efs); err != nil {
		return fmt.Errorf("annindex: hnsw snapshot header: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &entry); err != nil {
		return fmt.Errorf("annindex: hnsw snapshot entry: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &maxLevel); err != nil {
		return fmt.Errorf("annindex: hnsw snapshot maxlevel: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("annindex: hnsw snapshot count: %w", err)
	}
	h.m, h.efConstruction, h.efSearch = int(m), int(efc), int(efs)
	h.entryPoint, h.hasEntry = entry, n > 0
	h.maxLevel = int(maxLevel)
	h.nodes = make(map[uint64]*hnswNode, n)

	for i := uint32(0); i < n; i++ {
		var id uint64
		var level uint32
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return fmt.Errorf("annindex: hnsw snapshot id %d: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &level); err != nil {
			return fmt.Errorf("annindex: hnsw snapshot level %d: %w", i, err)
		}
		vec := make([]float32, dim)
		for j := range vec {
			var bits uint32
			if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
				return fmt.Errorf("annindex: hnsw snapshot vector %d: %w", i, err)
			}
			vec[j] = math.Float32frombits(bits)
		}
		var numLayers uint32
		if err := binary.Read(r, binary.LittleEndian, &numLayers); err != nil {
			return fmt.Errorf("annindex: hnsw snapshot layers %d: %w", i, err)
		}
		neighbors := make([][]uint64, numLayers)
		for l := uint32(0); l < numLayers; l++ {
			var cnt uint32
			if err := binary.Read(r, binary.LittleEndian, &cnt); err != nil {
				return fmt.Errorf("annindex: hnsw snapshot neighbor count %d/%d: %w", i, l, err)
			}
			list := make([]uint64, cnt)
			for c := uint32(0); c < cnt; c++ {
				if err := binary.Read(r, binary.LittleEndian, &list[c]); err != nil {
					return fmt.Errorf("annindex: hnsw snapshot neighbor %d/%d/%d: %w", i, l, c, err)
				}
			}
			neighbors[l] = list
		}
		h.nodes[id] = &hnswNode{id: id, vec: vec, level: int(level), neighbors: neighbors}
	}
	h.state = StateEmpty
	if len(h.nodes) > 0 {
		h.state = StateReady
	}
	return nil
}
