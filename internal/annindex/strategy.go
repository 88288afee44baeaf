// Package annindex implements C5 (the ANN index strategies — Flat, LSH,
// IVF, PQ, HNSW — as a closed tagged-variant state machine) and C6 (the
// orchestrator that selects a strategy, tracks memory pressure, and
// persists/recovers a strategy-tagged snapshot).
package annindex

import (
	"errors"
	"fmt"

	"github.com/vexfs/vexfs/internal/distance"
)

// Tag identifies one of the five closed strategy variants.
type Tag uint8

const (
	TagFlat Tag = iota
	TagLSH
	TagIVF
	TagPQ
	TagHNSW
)

func (t Tag) String() string {
	switch t {
	case TagFlat:
		return "flat"
	case TagLSH:
		return "lsh"
	case TagIVF:
		return "ivf"
	case TagPQ:
		return "pq"
	case TagHNSW:
		return "hnsw"
	default:
		return "unknown"
	}
}

// State is the strategy's lifecycle stage: Empty (no vectors built yet),
// Building (bulk-load in progress, search not yet valid for some
// strategies), Ready (search-serving).
type State uint8

const (
	StateEmpty State = iota
	StateBuilding
	StateReady
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

var (
	// ErrNotReady is returned by PQ's Search while it has no trained
	// codebooks (state is Empty or Building); the other variants return
	// an empty result in that case.
	ErrNotReady = errors.New("annindex: strategy not ready")
	// ErrIDNotFound is returned by Remove for an unknown vector ID.
	ErrIDNotFound = errors.New("annindex: id not found")
	// ErrDimensionMismatch is returned when a vector's length doesn't
	// match the strategy's configured dimension.
	ErrDimensionMismatch = distance.ErrDimensionMismatch
)

// Result is one ranked neighbor.
type Result struct {
	ID       uint64
	Distance float32
}

// Stats reports strategy-agnostic operational counters, exposed by every
// variant's Stats() method and surfaced by the orchestrator.
type Stats struct {
	Tag           Tag
	State         State
	VectorCount   int
	Dimension     int
	Metric        distance.Metric
	MemoryEstBytes int64
}

// Strategy is the closed interface every index variant implements. Build
// bulk-loads from scratch (Empty/Building -> Ready); Insert/Remove mutate
// a Ready index in place where the algorithm allows it (PQ rejects insert
// until Build has trained its codebooks, documented per variant).
type Strategy interface {
	Tag() Tag
	State() State
	Dimension() int
	Len() int
	Stats() Stats

	Build(ctx BuildContext, vectors map[uint64][]float32) error
	Insert(id uint64, vec []float32) error
	Remove(id uint64) error
	Search(query []float32, k int) ([]Result, error)

	Serialize() ([]byte, error)
	Deserialize(dim int, metric distance.Metric, data []byte) error
}

// BuildContext carries build-time knobs too variant-specific to belong on
// every Strategy method signature (HNSW's M/efConstruction, IVF's
// nlist/nprobe, LSH's table/hyperplane count, PQ's subspace count).
type BuildContext struct {
	Metric distance.Metric

	// IVF
	NumLists int
	NProbe   int
	// LSH
	NumTables      int
	HyperplaneBits int
	// PQ
	NumSubspaces int
	Codebook     int // codes per subspace, <= 256
	// HNSW
	M              int
	EfConstruction int
	EfSearch       int
}

// DefaultBuildContext fills in the parameter defaults spec.md leaves open
// (Open Question #4: HNSW M=16/efConstruction=200/efSearch=64, in the
// Malkov/Yashunin range).
func DefaultBuildContext(metric distance.Metric) BuildContext {
	return BuildContext{
		Metric:         metric,
		NumLists:       16,
		NProbe:         4,
		NumTables:      8,
		HyperplaneBits: 12,
		NumSubspaces:   8,
		Codebook:       256,
		M:              16,
		EfConstruction: 200,
		EfSearch:       64,
	}
}

// Recommend implements spec.md §4.6's N/d-based strategy recommendation
// table: Flat while a full scan is still cheap, HNSW once N justifies
// its graph-build cost as long as d stays low enough to keep that graph
// small, PQ once d alone makes storing raw vectors expensive regardless
// of N, and IVF as the fallback for everything else.
func Recommend(n, d int) Tag {
	switch {
	case n <= 10000:
		return TagFlat
	case n <= 100000 && d <= 256:
		return TagHNSW
	case d >= 512:
		return TagPQ
	default:
		return TagIVF
	}
}

func newStrategyForTag(tag Tag, dim int, metric distance.Metric, bc BuildContext) (Strategy, error) {
	switch tag {
	case TagFlat:
		return newFlat(dim, metric), nil
	case TagLSH:
		return newLSH(dim, metric, bc), nil
	case TagIVF:
		return newIVF(dim, metric, bc), nil
	case TagPQ:
		return newPQIndex(dim, metric, bc), nil
	case TagHNSW:
		return newHNSW(dim, metric, bc), nil
	default:
		return nil, fmt.Errorf("annindex: unknown strategy tag %d", tag)
	}
}
