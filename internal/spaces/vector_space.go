package spaces

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/vexfs/vexfs/internal/annindex"
	"github.com/vexfs/vexfs/internal/distance"
	"github.com/vexfs/vexfs/internal/vectorstore"
)

// vectorSpaceBlockSize and vectorSpaceMaxBlocks are the block-allocator
// knobs a space's vectorstore.Engine is opened with; 0 lets the
// allocator grow the backing file as vectors are stored instead of
// pinning a fixed capacity up front.
const (
	vectorSpaceBlockSize = 4096
	vectorSpaceMaxBlocks = 0
)

// vectorSpace adapts the new C4/C5/C6 cores (vectorstore.Engine +
// annindex.Orchestrator) to the storage.VectorEngine interface the
// query engine dispatches against, replacing the teacher's
// FAISS-backed storage.VectorEngineImpl. Caller-supplied int64 ids are
// used directly as both the vectorstore inode and the annindex id, so
// a Search hit reports the caller's id. The vectorstore assigns its own
// vector id on Store; ids maps the caller id to it for GetVectorByID.
type vectorSpace struct {
	mu    sync.Mutex
	vs    *vectorstore.Engine
	idx   *annindex.Orchestrator
	ids   map[int64]uint64 // caller id -> vectorstore internal vector id
	dim   int
}

func newVectorSpace(spacePath string, dimension int, indexType, metric string, log *zap.Logger) (*vectorSpace, error) {
	dataFile := filepath.Join(spacePath, "vector_data.db")
	metaFile := filepath.Join(spacePath, "vector_meta.db")
	walFile := filepath.Join(spacePath, "vector_wal.db")

	vs, err := vectorstore.Open(dataFile, metaFile, walFile, vectorSpaceBlockSize, vectorSpaceMaxBlocks, log)
	if err != nil {
		return nil, fmt.Errorf("open vector storage: %w", err)
	}

	m := annindexMetric(metric)
	bc := annindex.DefaultBuildContext(m)
	idx := annindex.NewOrchestrator(dimension, m, bc, log)
	if tag, ok := annindexTag(indexType); ok {
		if err := idx.SelectStrategy(tag); err != nil {
			vs.Close()
			return nil, fmt.Errorf("select index strategy: %w", err)
		}
	}
	// SelectStrategy only constructs the variant; an empty Build puts it
	// through the same Empty->Ready initialization every variant's
	// Insert bootstrap path expects (centroids/tables/graph allocated),
	// rather than relying on Insert's own strategy==nil bootstrap, which
	// only fires when no strategy has been selected yet.
	if err := idx.Build(nil); err != nil {
		vs.Close()
		return nil, fmt.Errorf("initialize index: %w", err)
	}

	return &vectorSpace{
		vs: vs, idx: idx, dim: dimension,
		ids: make(map[int64]uint64),
	}, nil
}

// annindexTag maps the line-protocol index-type string (as validated
// by isAllowedIndexType, e.g. "HNSW32", "IVF16", "Flat") onto a Tag;
// ok is false for an empty/unrecognized string, leaving the
// orchestrator to pick one itself via Recommend on first Build.
func annindexTag(indexType string) (annindex.Tag, bool) {
	switch {
	case len(indexType) >= 4 && indexType[:4] == "Flat":
		return annindex.TagFlat, true
	case len(indexType) >= 4 && indexType[:4] == "HNSW":
		return annindex.TagHNSW, true
	case len(indexType) >= 3 && indexType[:3] == "IVF":
		return annindex.TagIVF, true
	case len(indexType) >= 2 && indexType[:2] == "PQ":
		return annindex.TagPQ, true
	default:
		return 0, false
	}
}

func annindexMetric(metric string) distance.Metric {
	switch metric {
	case "InnerProduct":
		return distance.DotProduct
	default:
		return distance.Euclidean
	}
}

func (v *vectorSpace) InsertVector(id int64, vector []float32) error {
	ctx := context.Background()
	v.mu.Lock()
	defer v.mu.Unlock()

	internalID, err := v.vs.StoreAuto(ctx, vector, uint64(id), vectorstore.KindF32)
	if err != nil {
		return err
	}
	if err := v.idx.Insert(uint64(id), vector); err != nil {
		_ = v.vs.Delete(ctx, internalID)
		return err
	}
	v.ids[id] = internalID
	return nil
}

func (v *vectorSpace) SearchTopK(query []float32, k int) ([]int64, []float32, error) {
	results, err := v.idx.Search(query, k)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]int64, len(results))
	dists := make([]float32, len(results))
	for i, r := range results {
		ids[i] = int64(r.ID)
		dists[i] = r.Distance
	}
	return ids, dists, nil
}

// RangeSearch has no direct annindex equivalent (every Strategy ranks
// by k, not by radius), so it over-fetches every resident vector via
// Search and filters client-side by distance.
func (v *vectorSpace) RangeSearch(query []float32, radius float32) ([]int64, []float32, error) {
	total := v.idx.Stats().VectorCount
	if total == 0 {
		return nil, nil, nil
	}
	results, err := v.idx.Search(query, total)
	if err != nil {
		return nil, nil, err
	}
	var ids []int64
	var dists []float32
	for _, r := range results {
		if r.Distance <= radius {
			ids = append(ids, int64(r.ID))
			dists = append(dists, r.Distance)
		}
	}
	return ids, dists, nil
}

func (v *vectorSpace) GetVectorByID(id int64) ([]float32, error) {
	v.mu.Lock()
	internalID, ok := v.ids[id]
	v.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("vector id %d not found", id)
	}
	_, vec, err := v.vs.Get(context.Background(), internalID)
	return vec, err
}

func (v *vectorSpace) Close() error {
	return v.vs.Close()
}
