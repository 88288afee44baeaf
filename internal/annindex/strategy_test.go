package annindex

import (
	"math/rand"
	"testing"

	"github.com/vexfs/vexfs/internal/blockstore"
	"github.com/vexfs/vexfs/internal/distance"
)

func randVec(r *rand.Rand, d int) []float32 {
	v := make([]float32, d)
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	return v
}

func idSet(results []Result) map[uint64]bool {
	out := make(map[uint64]bool, len(results))
	for _, r := range results {
		out[r.ID] = true
	}
	return out
}

// P4 (index containment): after any sequence of inserts and removes,
// search(q, k=∞) returns exactly the set of currently present IDs.
func TestContainmentAfterInsertsAndRemoves(t *testing.T) {
	for _, tag := range []Tag{TagFlat, TagLSH, TagIVF, TagHNSW} {
		t.Run(tag.String(), func(t *testing.T) {
			r := rand.New(rand.NewSource(7))
			dim := 8
			s, err := newStrategyForTag(tag, dim, distance.Euclidean, DefaultBuildContext(distance.Euclidean))
			if err != nil {
				t.Fatalf("new strategy: %v", err)
			}
			if err := s.Build(DefaultBuildContext(distance.Euclidean), nil); err != nil {
				t.Fatalf("build: %v", err)
			}

			present := map[uint64]bool{}
			for id := uint64(1); id <= 30; id++ {
				if err := s.Insert(id, randVec(r, dim)); err != nil {
					t.Fatalf("insert %d: %v", id, err)
				}
				present[id] = true
			}
			for _, id := range []uint64{3, 10, 17, 25} {
				if err := s.Remove(id); err != nil {
					t.Fatalf("remove %d: %v", id, err)
				}
				delete(present, id)
			}

			query := randVec(r, dim)
			got, err := s.Search(query, len(present)+10)
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			gotSet := idSet(got)
			if len(gotSet) != len(present) {
				t.Fatalf("%s: expected %d ids, got %d (%v)", tag, len(present), len(gotSet), gotSet)
			}
			for id := range present {
				if !gotSet[id] {
					t.Fatalf("%s: missing present id %d", tag, id)
				}
			}
		})
	}
}

// P5 (flat optimality): Flat's top-k is the ground truth other strategies
// are measured against; this test checks Flat alone returns its own
// brute-force-correct top-k (monotonically non-decreasing distances).
func TestFlatTopKIsSortedGroundTruth(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	dim := 16
	vectors := make(map[uint64][]float32, 200)
	for id := uint64(0); id < 200; id++ {
		vectors[id] = randVec(r, dim)
	}
	f := newFlat(dim, distance.Euclidean)
	if err := f.Build(BuildContext{}, vectors); err != nil {
		t.Fatalf("build: %v", err)
	}
	query := randVec(r, dim)
	got, err := f.Search(query, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 results, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Distance < got[i-1].Distance {
			t.Fatalf("flat results not sorted ascending at %d: %v < %v", i, got[i].Distance, got[i-1].Distance)
		}
	}
}

// Scenario 3 from spec.md §8: build Flat and LSH over 1000 random f32
// vectors of d=64 (seed 1); over 100 random queries at k=10, LSH's
// results should overlap Flat's ground truth by at least 5 on average.
func TestFlatVsLSHRecallOracle(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	dim := 64
	vectors := make(map[uint64][]float32, 1000)
	for id := uint64(0); id < 1000; id++ {
		vectors[id] = randVec(r, dim)
	}

	flat := newFlat(dim, distance.Euclidean)
	if err := flat.Build(BuildContext{}, vectors); err != nil {
		t.Fatalf("build flat: %v", err)
	}
	lsh := newLSH(dim, distance.Euclidean, BuildContext{NumTables: 12, HyperplaneBits: 10})
	if err := lsh.Build(BuildContext{}, vectors); err != nil {
		t.Fatalf("build lsh: %v", err)
	}

	const queries = 100
	const k = 10
	var totalOverlap int
	for q := 0; q < queries; q++ {
		query := randVec(r, dim)
		wantResults, err := flat.Search(query, k)
		if err != nil {
			t.Fatalf("flat search: %v", err)
		}
		gotResults, err := lsh.Search(query, k)
		if err != nil {
			t.Fatalf("lsh search: %v", err)
		}
		want := idSet(wantResults)
		for _, r := range gotResults {
			if want[r.ID] {
				totalOverlap++
			}
		}
	}
	avgOverlap := float64(totalOverlap) / float64(queries)
	if avgOverlap < 5 {
		t.Fatalf("expected average overlap >= 5, got %.2f", avgOverlap)
	}
}

func TestRecommendTable(t *testing.T) {
	if got := Recommend(500, 32); got != TagFlat {
		t.Fatalf("expected flat for small n, got %v", got)
	}
	if got := Recommend(10000, 32); got != TagFlat {
		t.Fatalf("expected flat for n at the flat boundary, got %v", got)
	}
	if got := Recommend(50000, 128); got != TagHNSW {
		t.Fatalf("expected hnsw for mid n with low d, got %v", got)
	}
	if got := Recommend(200000, 768); got != TagPQ {
		t.Fatalf("expected pq for high d, got %v", got)
	}
	if got := Recommend(1000000, 32); got != TagIVF {
		t.Fatalf("expected ivf for very large n with low d, got %v", got)
	}
}

func TestOrchestratorSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := rand.New(rand.NewSource(3))
	dim := 12
	o := NewOrchestrator(dim, distance.Euclidean, DefaultBuildContext(distance.Euclidean), nil)
	if err := o.SelectStrategy(TagFlat); err != nil {
		t.Fatalf("select: %v", err)
	}
	vectors := make(map[uint64][]float32, 50)
	for id := uint64(0); id < 50; id++ {
		vectors[id] = randVec(r, dim)
	}
	if err := o.Build(vectors); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := o.Snapshot(dir); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	o2 := NewOrchestrator(dim, distance.Euclidean, DefaultBuildContext(distance.Euclidean), nil)
	if err := o2.Load(dir, nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := o2.Stats().VectorCount; got != 50 {
		t.Fatalf("expected 50 recovered vectors, got %d", got)
	}
}

func TestOrchestratorIncrementalLogReplay(t *testing.T) {
	dir := t.TempDir()
	r := rand.New(rand.NewSource(7))
	dim := 12
	o := NewOrchestrator(dim, distance.Euclidean, DefaultBuildContext(distance.Euclidean), nil)
	if err := o.SelectStrategy(TagFlat); err != nil {
		t.Fatalf("select: %v", err)
	}
	vectors := make(map[uint64][]float32, 20)
	for id := uint64(0); id < 20; id++ {
		vectors[id] = randVec(r, dim)
	}
	if err := o.Build(vectors); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := o.Snapshot(dir); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := o.EnableLog(dir); err != nil {
		t.Fatalf("enable log: %v", err)
	}

	// These inserts/removes happen after the snapshot was taken, so only
	// the incremental log records them.
	for id := uint64(20); id < 25; id++ {
		if err := o.Insert(id, randVec(r, dim)); err != nil {
			t.Fatalf("insert %d: %v", id, err)
		}
	}
	if err := o.Remove(0); err != nil {
		t.Fatalf("remove: %v", err)
	}

	o2 := NewOrchestrator(dim, distance.Euclidean, DefaultBuildContext(distance.Euclidean), nil)
	if err := o2.Load(dir, nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got, want := o2.Stats().VectorCount, 24; got != want {
		t.Fatalf("expected %d vectors after replaying the incremental log, got %d", want, got)
	}
}

func TestOrchestratorLoadDropsOrphans(t *testing.T) {
	dir := t.TempDir()
	r := rand.New(rand.NewSource(11))
	dim := 8
	o := NewOrchestrator(dim, distance.Euclidean, DefaultBuildContext(distance.Euclidean), nil)
	if err := o.SelectStrategy(TagFlat); err != nil {
		t.Fatalf("select: %v", err)
	}
	vectors := make(map[uint64][]float32, 10)
	for id := uint64(0); id < 10; id++ {
		vectors[id] = randVec(r, dim)
	}
	if err := o.Build(vectors); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := o.Snapshot(dir); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	o2 := NewOrchestrator(dim, distance.Euclidean, DefaultBuildContext(distance.Euclidean), nil)
	isLive := func(id uint64) bool { return id != 3 && id != 7 }
	if err := o2.Load(dir, isLive); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got, want := o2.Stats().VectorCount, 8; got != want {
		t.Fatalf("expected orphaned ids dropped, got %d vectors, want %d", got, want)
	}
}

func TestOrchestratorEvictsUnderPressure(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	dim := 8
	o := NewOrchestrator(dim, distance.Euclidean, DefaultBuildContext(distance.Euclidean), nil)
	if err := o.SelectStrategy(TagFlat); err != nil {
		t.Fatalf("select: %v", err)
	}
	vectors := make(map[uint64][]float32, 40)
	for id := uint64(0); id < 40; id++ {
		vectors[id] = randVec(r, dim)
	}
	if err := o.Build(vectors); err != nil {
		t.Fatalf("build: %v", err)
	}
	evicted, err := o.ApplyPressure(blockstore.PressureHigh)
	if err != nil {
		t.Fatalf("apply pressure: %v", err)
	}
	if evicted == 0 {
		t.Fatal("expected some eviction under high pressure")
	}
	if got := o.Stats().VectorCount; got != 40-evicted {
		t.Fatalf("expected %d remaining, got %d", 40-evicted, got)
	}
}
