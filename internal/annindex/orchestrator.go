package annindex

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/vexfs/vexfs/internal/blockstore"
	"github.com/vexfs/vexfs/internal/distance"
	"github.com/vexfs/vexfs/internal/wal"
)

// accessEntry orders resident vectors by least-recently-searched, the
// same google/btree.Item idiom the teacher uses for its own index
// (internal/index/BTreeIndex.go), here giving ApplyPressure's LRU scan
// O(log n) insertion/removal instead of a full re-sort on every call.
type accessEntry struct {
	at int64
	id uint64
}

func (a accessEntry) Less(other btree.Item) bool {
	o := other.(accessEntry)
	if a.at != o.at {
		return a.at < o.at
	}
	return a.id < o.id
}

// manifestFormatVersion is bumped whenever Manifest's on-disk JSON shape
// changes incompatibly.
const manifestFormatVersion = 1

// opLogFileName is the incremental log's filename within a snapshot dir.
const opLogFileName = "oplog.db"

// Manifest is the snapshot-file header: enough to pick the right
// concrete Strategy and validate its payload before trusting it.
type Manifest struct {
	FormatVersion uint32 `json:"format_version"`
	StrategyTag   Tag    `json:"strategy_tag"`
	CRC32         uint32 `json:"crc32"`
	VectorCount   int    `json:"vector_count"`
	Dimension     int    `json:"dimension"`
	Metric        int    `json:"metric"`
	BuildTimeUnix int64  `json:"build_time_unix"`
	// LastLSN is the highest incremental-log sequence number already
	// folded into this snapshot's payload; Load only replays log entries
	// with a greater LSN.
	LastLSN uint64 `json:"last_lsn"`
}

// logRecord is one incremental-log entry: an insert or remove tagged
// with a monotonic sequence number, reusing the teacher's WAL (the same
// internal/wal.WAL that vectorstore.Engine logs mutations through) and
// the gob-encoded-mutation idiom from vectorstore.Engine.logMutation.
// The orchestrator already receives exactly these insert/remove calls,
// so logging them is sufficient to replay forward from a snapshot —
// no strategy-internal diff format is needed.
type logRecord struct {
	LSN    uint64
	Op     byte // 'I' insert, 'R' remove
	ID     uint64
	Vector []float32
}

func encodeLogRecord(r logRecord) string {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(r)
	return buf.String()
}

func decodeLogRecord(s string) (logRecord, error) {
	var r logRecord
	err := gob.NewDecoder(strings.NewReader(s)).Decode(&r)
	return r, err
}

// Orchestrator is C6: it owns exactly one live Strategy, selects which
// variant to build according to spec.md's N/d recommendation table (or an
// explicit override), responds to block-allocator memory pressure by
// evicting least-recently-searched vectors, and persists/recovers a
// strategy-tagged snapshot. Grounded on the teacher's
// checkpoint()/faiss.WriteIndex snapshot-then-fsync pattern in
// vector_storage.go, generalized to a manifest + payload pair.
type Orchestrator struct {
	mu       sync.RWMutex
	dim      int
	metric   distance.Metric
	bc       BuildContext
	strategy Strategy

	lastAccess map[uint64]int64 // id -> unix nanos of last Search hit
	accessTree *btree.BTree     // accessEntry ordered oldest-first, mirrors lastAccess

	opLog   *wal.WAL // incremental insert/remove log, nil until EnableLog
	nextLSN uint64   // next sequence number appendLogLocked will assign

	log *zap.Logger
}

func (o *Orchestrator) touchLocked(id uint64, at int64) {
	if prev, ok := o.lastAccess[id]; ok {
		o.accessTree.Delete(accessEntry{at: prev, id: id})
	}
	o.lastAccess[id] = at
	o.accessTree.ReplaceOrInsert(accessEntry{at: at, id: id})
}

func (o *Orchestrator) forgetLocked(id uint64) {
	if prev, ok := o.lastAccess[id]; ok {
		o.accessTree.Delete(accessEntry{at: prev, id: id})
		delete(o.lastAccess, id)
	}
}

// NewOrchestrator starts with no strategy built; call Build or Load.
func NewOrchestrator(dim int, metric distance.Metric, bc BuildContext, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		dim: dim, metric: metric, bc: bc,
		lastAccess: make(map[uint64]int64),
		accessTree: btree.New(32),
		nextLSN:    1,
		log:        log,
	}
}

// EnableLog turns on the incremental insert/remove log under dir,
// spec.md §4.6's second persistence path alongside Snapshot/Load's full
// snapshots. Call once per orchestrator lifetime (including after a
// Load, which already reopens any log left over from a prior run).
// Snapshot clears the log once its operations are folded into a fresh
// full snapshot.
func (o *Orchestrator) EnableLog(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w, err := wal.OpenWAL(filepath.Join(dir, opLogFileName))
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.opLog = w
	o.mu.Unlock()
	return nil
}

// appendLogLocked records an insert/remove under the next LSN; a no-op
// when no log is enabled. Must be called with o.mu held.
func (o *Orchestrator) appendLogLocked(op byte, id uint64, vec []float32) error {
	if o.opLog == nil {
		return nil
	}
	lsn := o.nextLSN
	o.nextLSN++
	rec := logRecord{LSN: lsn, Op: op, ID: id, Vector: vec}
	return o.opLog.WriteEntry(fmt.Sprintf("%020d", lsn), encodeLogRecord(rec))
}

// Build selects a strategy via Recommend (unless tag is explicitly
// overridden with SelectStrategy beforehand) and bulk-loads vectors.
func (o *Orchestrator) Build(vectors map[uint64][]float32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	tag := Recommend(len(vectors), o.dim)
	if o.strategy != nil {
		tag = o.strategy.Tag()
	}
	s, err := newStrategyForTag(tag, o.dim, o.metric, o.bc)
	if err != nil {
		return err
	}
	if err := s.Build(o.bc, vectors); err != nil {
		return err
	}
	o.strategy = s
	o.lastAccess = make(map[uint64]int64, len(vectors))
	o.accessTree = btree.New(32)
	now := time.Now().UnixNano()
	for id := range vectors {
		o.touchLocked(id, now)
	}
	// A bulk Build already captures every vector passed in; any log
	// entries from before this call are superseded, same as Snapshot
	// folding the log into a fresh payload.
	if o.opLog != nil {
		if err := o.opLog.Clear(); err != nil {
			return err
		}
	}
	o.nextLSN = 1
	o.log.Info("annindex: built strategy", zap.String("tag", tag.String()), zap.Int("vectors", len(vectors)))
	return nil
}

// SelectStrategy pins the next Build to a specific variant instead of
// letting Recommend choose one, used by callers that know their
// workload's shape better than the table does.
func (o *Orchestrator) SelectStrategy(tag Tag) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, err := newStrategyForTag(tag, o.dim, o.metric, o.bc)
	if err != nil {
		return err
	}
	o.strategy = s
	return nil
}

func (o *Orchestrator) Insert(id uint64, vec []float32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.strategy == nil {
		if err := o.buildEmptyLocked(); err != nil {
			return err
		}
	}
	if err := o.strategy.Insert(id, vec); err != nil {
		return err
	}
	if err := o.appendLogLocked('I', id, vec); err != nil {
		return err
	}
	o.touchLocked(id, time.Now().UnixNano())
	return nil
}

func (o *Orchestrator) buildEmptyLocked() error {
	tag := Recommend(0, o.dim)
	s, err := newStrategyForTag(tag, o.dim, o.metric, o.bc)
	if err != nil {
		return err
	}
	if err := s.Build(o.bc, nil); err != nil {
		return err
	}
	o.strategy = s
	return nil
}

func (o *Orchestrator) Remove(id uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.strategy == nil {
		return ErrIDNotFound
	}
	if err := o.strategy.Remove(id); err != nil {
		return err
	}
	if err := o.appendLogLocked('R', id, nil); err != nil {
		return err
	}
	o.forgetLocked(id)
	return nil
}

func (o *Orchestrator) Search(query []float32, k int) ([]Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.strategy == nil {
		return nil, nil
	}
	results, err := o.strategy.Search(query, k)
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixNano()
	for _, r := range results {
		o.touchLocked(r.ID, now)
	}
	return results, nil
}

func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.strategy == nil {
		return Stats{Dimension: o.dim, Metric: o.metric}
	}
	return o.strategy.Stats()
}

// ApplyPressure responds to C1's free-space pressure tier: High evicts
// the least-recently-searched quarter of resident vectors; Critical evicts
// three-fifths, a coarser "lazy-loading" style drop that assumes the
// caller can re-insert from Vector Storage on a future cache miss. Low
// and Medium are no-ops — eviction is a last resort, not a steady state.
func (o *Orchestrator) ApplyPressure(p blockstore.Pressure) (evicted int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.strategy == nil {
		return 0, nil
	}
	var fraction float64
	switch p {
	case blockstore.PressureHigh:
		fraction = 0.25
	case blockstore.PressureCritical:
		fraction = 0.6
	default:
		return 0, nil
	}

	n := int(float64(o.accessTree.Len()) * fraction)
	victims := make([]accessEntry, 0, n)
	o.accessTree.Ascend(func(item btree.Item) bool {
		if len(victims) >= n {
			return false
		}
		victims = append(victims, item.(accessEntry))
		return true
	})
	for _, v := range victims {
		if err := o.strategy.Remove(v.id); err != nil && err != ErrIDNotFound {
			return evicted, err
		}
		o.accessTree.Delete(v)
		delete(o.lastAccess, v.id)
		evicted++
	}
	o.log.Warn("annindex: evicted under pressure", zap.String("pressure", p.String()), zap.Int("evicted", evicted))
	return evicted, nil
}

// Snapshot persists the current strategy as manifest.json + snapshot.bin
// under dir.
func (o *Orchestrator) Snapshot(dir string) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.strategy == nil {
		return fmt.Errorf("annindex: no strategy to snapshot")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	payload, err := o.strategy.Serialize()
	if err != nil {
		return err
	}
	manifest := Manifest{
		FormatVersion: manifestFormatVersion,
		StrategyTag:   o.strategy.Tag(),
		CRC32:         crc32.ChecksumIEEE(payload),
		VectorCount:   o.strategy.Len(),
		Dimension:     o.dim,
		Metric:        int(o.metric),
		BuildTimeUnix: time.Now().Unix(),
		LastLSN:       o.nextLSN - 1,
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), manifestBytes, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "snapshot.bin"), payload, 0o644); err != nil {
		return err
	}
	// Every op up to LastLSN is now folded into the payload above; the
	// incremental log only needs to carry what comes after.
	if o.opLog != nil {
		if err := o.opLog.Clear(); err != nil {
			return err
		}
	}
	return nil
}

// Load recovers a previously-snapshotted strategy, verifying the CRC and
// vector count before trusting it (spec.md's "integrity check after
// load"), then replays any incremental-log entries with an LSN past the
// snapshot's own ("loads the newest valid snapshot, then replays the log
// from its LSN"). isLive, when non-nil, is consulted for every recovered
// ID; an ID it reports as no longer present in Vector Storage is an
// orphan — logged and dropped from the index rather than served stale
// (spec.md's "any orphan is logged and dropped"). Pass nil when the
// caller cannot yet cross-check against C4 (the integrity pass is then
// skipped, not silently assumed clean).
func (o *Orchestrator) Load(dir string, isLive func(id uint64) bool) error {
	manifestBytes, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return fmt.Errorf("annindex: read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return fmt.Errorf("annindex: parse manifest: %w", err)
	}
	if manifest.FormatVersion != manifestFormatVersion {
		return fmt.Errorf("annindex: manifest format version %d, want %d", manifest.FormatVersion, manifestFormatVersion)
	}
	payload, err := os.ReadFile(filepath.Join(dir, "snapshot.bin"))
	if err != nil {
		return fmt.Errorf("annindex: read snapshot: %w", err)
	}
	if crc := crc32.ChecksumIEEE(payload); crc != manifest.CRC32 {
		return fmt.Errorf("annindex: snapshot crc mismatch: got %d, want %d", crc, manifest.CRC32)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	s, err := newStrategyForTag(manifest.StrategyTag, manifest.Dimension, distance.Metric(manifest.Metric), o.bc)
	if err != nil {
		return err
	}
	if err := s.Deserialize(manifest.Dimension, distance.Metric(manifest.Metric), payload); err != nil {
		return fmt.Errorf("annindex: deserialize: %w", err)
	}
	if s.Len() != manifest.VectorCount {
		o.log.Warn("annindex: recovered vector count mismatch",
			zap.Int("manifest", manifest.VectorCount), zap.Int("recovered", s.Len()))
	}

	maxLSN := manifest.LastLSN
	logPath := filepath.Join(dir, opLogFileName)
	if _, statErr := os.Stat(logPath); statErr == nil {
		w, err := wal.OpenWAL(logPath)
		if err != nil {
			return fmt.Errorf("annindex: open op log: %w", err)
		}
		entries, err := w.ReplayAll()
		if err != nil {
			w.Close()
			return fmt.Errorf("annindex: replay op log: %w", err)
		}
		for _, e := range entries {
			rec, decErr := decodeLogRecord(e[1])
			if decErr != nil {
				o.log.Warn("annindex: skipping corrupt op log entry", zap.Error(decErr))
				continue
			}
			if rec.LSN <= manifest.LastLSN {
				continue
			}
			switch rec.Op {
			case 'I':
				if err := s.Insert(rec.ID, rec.Vector); err != nil {
					o.log.Warn("annindex: replaying logged insert failed", zap.Uint64("id", rec.ID), zap.Error(err))
				}
			case 'R':
				if err := s.Remove(rec.ID); err != nil && err != ErrIDNotFound {
					o.log.Warn("annindex: replaying logged remove failed", zap.Uint64("id", rec.ID), zap.Error(err))
				}
			}
			if rec.LSN > maxLSN {
				maxLSN = rec.LSN
			}
		}
		o.opLog = w
	}

	o.dim, o.metric = manifest.Dimension, distance.Metric(manifest.Metric)
	o.strategy = s
	o.nextLSN = maxLSN + 1
	o.lastAccess = make(map[uint64]int64, s.Len())
	o.accessTree = btree.New(32)
	now := time.Now().UnixNano()
	dropped := 0
	for _, id := range mustListIDs(s) {
		if isLive != nil && !isLive(id) {
			if err := s.Remove(id); err != nil && err != ErrIDNotFound {
				o.log.Warn("annindex: failed to drop orphaned index entry", zap.Uint64("id", id), zap.Error(err))
				continue
			}
			o.log.Warn("annindex: dropped orphaned index entry with no live vector", zap.Uint64("id", id))
			dropped++
			continue
		}
		o.touchLocked(id, now)
	}
	if dropped > 0 {
		o.log.Warn("annindex: integrity check dropped orphaned entries", zap.Int("dropped", dropped))
	}
	return nil
}

// Close releases the incremental log's file handle, if one was opened
// via EnableLog or recovered by Load.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.opLog == nil {
		return nil
	}
	err := o.opLog.Close()
	o.opLog = nil
	return err
}

// mustListIDs reseeds access-time tracking after Load via each concrete
// strategy's cheap ID enumeration.
func mustListIDs(s Strategy) []uint64 {
	if lister, ok := s.(idLister); ok {
		return lister.IDs()
	}
	return nil
}

// idLister is implemented by all five concrete strategies.
type idLister interface {
	IDs() []uint64
}
