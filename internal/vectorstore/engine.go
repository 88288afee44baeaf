// Package vectorstore implements C4: on-disk persistence of vectors with
// headers, compression via internal/codec, allocation via
// internal/blockstore, and the ID↔location / inode↔IDs maps that Vector
// Storage exposes to the rest of the core.
//
// Control flow (WAL-first, then ingest, then mark committed; batched
// background checkpointing) is adapted directly from the teacher's
// internal/storage/vector_storage.go, rewired from a FAISS-backed index to
// the block/codec facade this spec requires.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vexfs/vexfs/internal/blockstore"
	"github.com/vexfs/vexfs/internal/codec"
	"github.com/vexfs/vexfs/internal/wal"
)

// Location is the in-memory record of where a vector's blocks live, plus a
// cached copy of its header (owning inode, element kind, creation time);
// Get does not use the cache, it re-reads and re-verifies the on-disk
// header and payload.
type Location struct {
	StartBlock uint64
	BlockCount uint64
	Header     Header
}

type snapshot struct {
	NextID       uint64
	Locations    map[uint64]Location
	InodeVectors map[uint64][]uint64
}

// Engine is C4, Vector Storage.
type Engine struct {
	alloc    *blockstore.Allocator
	wal      *wal.WAL
	metaPath string

	mu           sync.RWMutex
	locations    map[uint64]Location
	inodeVectors map[uint64][]uint64
	nextID       uint64 // accessed only under mu

	log       *zap.Logger
	closeOnce sync.Once
	quitChan  chan struct{}
}

// Open mounts a vector storage engine: loads the latest metadata snapshot,
// replays any WAL entries recorded since, and starts background
// checkpointing.
func Open(dataPath, metaPath, walPath string, blockSize int, maxBlocks uint64, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	alloc, err := blockstore.Open(dataPath, blockSize, maxBlocks, log)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open blockstore: %w", err)
	}
	w, err := wal.OpenWAL(walPath)
	if err != nil {
		alloc.Close()
		return nil, fmt.Errorf("vectorstore: open wal: %w", err)
	}

	e := &Engine{
		alloc:        alloc,
		wal:          w,
		metaPath:     metaPath,
		locations:    make(map[uint64]Location),
		inodeVectors: make(map[uint64][]uint64),
		nextID:       1,
		log:          log,
		quitChan:     make(chan struct{}),
	}

	if err := e.loadSnapshot(); err != nil {
		return nil, fmt.Errorf("vectorstore: load snapshot: %w", err)
	}
	if err := e.replayWAL(); err != nil {
		return nil, fmt.Errorf("vectorstore: replay wal: %w", err)
	}

	go e.autoCheckpoint()
	return e, nil
}

func (e *Engine) loadSnapshot() error {
	f, err := os.Open(e.metaPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("%w: metadata snapshot: %v", ErrCorrupt, err)
	}
	e.nextID = snap.NextID
	if snap.Locations != nil {
		e.locations = snap.Locations
	}
	if snap.InodeVectors != nil {
		e.inodeVectors = snap.InodeVectors
	}
	return nil
}

func (e *Engine) saveSnapshot() error {
	tmp := e.metaPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	snap := snapshot{
		NextID:       e.nextID,
		Locations:    e.locations,
		InodeVectors: e.inodeVectors,
	}
	if err := gob.NewEncoder(f).Encode(snap); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, e.metaPath)
}

func (e *Engine) autoCheckpoint() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.checkpoint(); err != nil {
				e.log.Warn("vectorstore: periodic checkpoint failed", zap.Error(err))
			}
		case <-e.quitChan:
			return
		}
	}
}

func (e *Engine) checkpoint() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.alloc.SyncAll(); err != nil {
		return err
	}
	if err := e.saveSnapshot(); err != nil {
		return err
	}
	return e.wal.Clear()
}

// mutationRecord is what gets WAL-logged before a store/replace/delete is
// applied, so recovery can re-apply anything that didn't make it into the
// last checkpoint.
type mutationRecord struct {
	Op          byte // 'S' store, 'R' replace, 'D' delete
	VectorID    uint64
	Inode       uint64
	ElementKind ElementKind
	Compression codec.Kind
	Payload     []float32
}

func encodeMutation(m mutationRecord) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(m)
	return buf.Bytes()
}

func decodeGobMutation(b []byte) (mutationRecord, error) {
	var m mutationRecord
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m)
	return m, err
}

// Store persists payload against inode with an explicit compression scheme
// and returns its new vector ID.
func (e *Engine) Store(ctx context.Context, payload []float32, inode uint64, kind ElementKind, compression codec.Kind) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(payload) == 0 || len(payload) > MaxDimension {
		return 0, fmt.Errorf("%w: d=%d", ErrInvalidDimensions, len(payload))
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.mu.Unlock()

	rec := mutationRecord{Op: 'S', VectorID: id, Inode: inode, ElementKind: kind, Compression: compression, Payload: payload}
	if err := e.logMutation(rec); err != nil {
		return 0, err
	}
	if err := e.applyStore(rec); err != nil {
		return 0, err
	}
	return id, e.wal.MarkCommitted()
}

// StoreAuto is Store with the compression scheme chosen by codec.AutoSelect.
func (e *Engine) StoreAuto(ctx context.Context, payload []float32, inode uint64, kind ElementKind) (uint64, error) {
	return e.Store(ctx, payload, inode, kind, codec.AutoSelect(payload))
}

func (e *Engine) logMutation(rec mutationRecord) error {
	key := fmt.Sprintf("%020d", rec.VectorID)
	return e.wal.WriteEntry(key, string(encodeMutation(rec)))
}

func (e *Engine) applyStore(rec mutationRecord) error {
	compressed, err := codec.Compress(rec.Compression, rec.Payload)
	if err != nil {
		return err
	}
	now := time.Now().UnixNano()
	h := newHeader(rec.VectorID, rec.Inode, rec.ElementKind, uint8(rec.Compression),
		uint32(len(rec.Payload)), uint32(compressed.OriginalSize()), uint32(compressed.StoredSize()),
		now, now, append(append([]byte{}, compressed.Meta...), compressed.Payload...))

	body := append(h.Encode(), append(append([]byte{}, compressed.Meta...), compressed.Payload...)...)
	aligned := alignedSize(uint32(len(body)))
	blockSize := uint32(e.alloc.BlockSize())
	nBlocks := uint64((aligned + blockSize - 1) / blockSize)

	ids, err := e.alloc.Allocate(nBlocks, blockstore.HintVectorAligned)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfSpace, err)
	}

	if err := e.writeBlocks(ids, body); err != nil {
		e.alloc.Free(ids)
		return err
	}

	e.mu.Lock()
	e.locations[rec.VectorID] = Location{StartBlock: ids[0], BlockCount: nBlocks, Header: h}
	e.inodeVectors[rec.Inode] = append(e.inodeVectors[rec.Inode], rec.VectorID)
	e.mu.Unlock()
	return nil
}

func (e *Engine) writeBlocks(ids []uint64, body []byte) error {
	blockSize := e.alloc.BlockSize()
	for i, id := range ids {
		start := i * blockSize
		end := start + blockSize
		if end > len(body) {
			end = len(body)
		}
		chunk := body[start:end]
		if err := e.alloc.WriteBlock(id, chunk); err != nil {
			return err
		}
	}
	return nil
}

// Get reads a vector back, verifying magic, version, size, and CRC before
// decompressing.
func (e *Engine) Get(ctx context.Context, id uint64) (Header, []float32, error) {
	if err := ctx.Err(); err != nil {
		return Header{}, nil, err
	}
	e.mu.RLock()
	loc, ok := e.locations[id]
	e.mu.RUnlock()
	if !ok {
		return Header{}, nil, fmt.Errorf("%w: id=%d", ErrVectorNotFound, id)
	}

	body, err := e.readBlocks(loc)
	if err != nil {
		return Header{}, nil, err
	}
	h, err := DecodeHeader(body[:HeaderSize])
	if err != nil {
		return Header{}, nil, err
	}
	payload := body[HeaderSize : HeaderSize+int(h.StoredSize)]
	if crc := crc32.ChecksumIEEE(payload); crc != h.CRC32 {
		return Header{}, nil, fmt.Errorf("%w: crc mismatch for id=%d", ErrCorrupt, id)
	}

	metaLen := codec.MetaLen(codec.Kind(h.Compression), int(h.Dimension))
	if metaLen > len(payload) {
		return Header{}, nil, fmt.Errorf("%w: meta length %d exceeds stored size %d", ErrCorrupt, metaLen, len(payload))
	}
	meta, code := payload[:metaLen], payload[metaLen:]
	vec, err := codec.Decompress(codec.Compressed{Kind: codec.Kind(h.Compression), D: int(h.Dimension), Meta: meta, Payload: code})
	if err != nil {
		return Header{}, nil, fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
	}
	return h, vec, nil
}

func (e *Engine) readBlocks(loc Location) ([]byte, error) {
	blockSize := e.alloc.BlockSize()
	out := make([]byte, 0, int(loc.BlockCount)*blockSize)
	for i := uint64(0); i < loc.BlockCount; i++ {
		chunk, err := e.alloc.ReadBlock(loc.StartBlock + i)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// Delete frees a vector's blocks and unlinks it from both maps.
func (e *Engine) Delete(ctx context.Context, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	loc, ok := e.locations[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: id=%d", ErrVectorNotFound, id)
	}
	inode := loc.Header.Inode
	e.mu.Unlock()

	rec := mutationRecord{Op: 'D', VectorID: id, Inode: inode}
	if err := e.logMutation(rec); err != nil {
		return err
	}
	e.applyDelete(id)
	return e.wal.MarkCommitted()
}

func (e *Engine) applyDelete(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	loc, ok := e.locations[id]
	if !ok {
		return
	}
	ids := make([]uint64, loc.BlockCount)
	for i := range ids {
		ids[i] = loc.StartBlock + uint64(i)
	}
	e.alloc.Free(ids)
	delete(e.locations, id)

	inode := loc.Header.Inode
	list := e.inodeVectors[inode]
	for i, vid := range list {
		if vid == id {
			e.inodeVectors[inode] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(e.inodeVectors[inode]) == 0 {
		delete(e.inodeVectors, inode)
	}
}

// Replace is the sole mutation path for an existing vector ID (spec.md's
// data model: "mutated only by replace"), grounded on
// original_source/rust/src/vector/vector_storage.rs. It keeps the vector's
// ID and owning inode, frees the old block run, and bumps ModifiedAtUnix.
func (e *Engine) Replace(ctx context.Context, id uint64, payload []float32, compression codec.Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(payload) == 0 || len(payload) > MaxDimension {
		return fmt.Errorf("%w: d=%d", ErrInvalidDimensions, len(payload))
	}
	e.mu.RLock()
	loc, ok := e.locations[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrVectorNotFound, id)
	}

	rec := mutationRecord{Op: 'R', VectorID: id, Inode: loc.Header.Inode, ElementKind: loc.Header.ElementKind, Compression: compression, Payload: payload}
	if err := e.logMutation(rec); err != nil {
		return err
	}
	if err := e.applyReplace(rec); err != nil {
		return err
	}
	return e.wal.MarkCommitted()
}

func (e *Engine) applyReplace(rec mutationRecord) error {
	e.mu.Lock()
	oldLoc, ok := e.locations[rec.VectorID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrVectorNotFound, rec.VectorID)
	}

	compressed, err := codec.Compress(rec.Compression, rec.Payload)
	if err != nil {
		return err
	}
	now := time.Now().UnixNano()
	h := newHeader(rec.VectorID, rec.Inode, rec.ElementKind, uint8(rec.Compression),
		uint32(len(rec.Payload)), uint32(compressed.OriginalSize()), uint32(compressed.StoredSize()),
		oldLoc.Header.CreatedAtUnix, now, append(append([]byte{}, compressed.Meta...), compressed.Payload...))

	body := append(h.Encode(), append(append([]byte{}, compressed.Meta...), compressed.Payload...)...)
	aligned := alignedSize(uint32(len(body)))
	blockSize := uint32(e.alloc.BlockSize())
	nBlocks := uint64((aligned + blockSize - 1) / blockSize)

	ids, err := e.alloc.Allocate(nBlocks, blockstore.HintVectorAligned)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfSpace, err)
	}
	if err := e.writeBlocks(ids, body); err != nil {
		e.alloc.Free(ids)
		return err
	}

	e.mu.Lock()
	oldIDs := make([]uint64, oldLoc.BlockCount)
	for i := range oldIDs {
		oldIDs[i] = oldLoc.StartBlock + uint64(i)
	}
	e.alloc.Free(oldIDs)
	e.locations[rec.VectorID] = Location{StartBlock: ids[0], BlockCount: nBlocks, Header: h}
	e.mu.Unlock()
	return nil
}

// VectorsOf returns the insertion-ordered vector IDs owned by inode.
func (e *Engine) VectorsOf(inode uint64) []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	list := e.inodeVectors[inode]
	out := make([]uint64, len(list))
	copy(out, list)
	return out
}

// InodeOf returns the owning inode of a vector ID.
func (e *Engine) InodeOf(id uint64) (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	loc, ok := e.locations[id]
	if !ok {
		return 0, false
	}
	return loc.Header.Inode, true
}

// DeleteInode deletes every vector owned by inode (weak back-reference:
// deleting the inode cascades to its vectors, per spec.md's data model).
func (e *Engine) DeleteInode(ctx context.Context, inode uint64) error {
	for _, id := range e.VectorsOf(inode) {
		if err := e.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes the block allocator and persists both maps.
func (e *Engine) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.checkpoint()
}

func (e *Engine) replayWAL() error {
	entries, err := e.wal.ReplayAll()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		rec, err := decodeGobMutation([]byte(entry[1]))
		if err != nil {
			e.log.Warn("vectorstore: skipping corrupt wal entry", zap.Error(err))
			continue
		}
		switch rec.Op {
		case 'S':
			if _, ok := e.locations[rec.VectorID]; !ok {
				if err := e.applyStore(rec); err != nil {
					return err
				}
			}
		case 'R':
			if _, ok := e.locations[rec.VectorID]; ok {
				if err := e.applyReplace(rec); err != nil {
					return err
				}
			}
		case 'D':
			e.applyDelete(rec.VectorID)
		}
	}
	if len(entries) > 0 {
		return e.checkpoint()
	}
	return nil
}

// Close flushes and releases all resources.
func (e *Engine) Close() error {
	var outerErr error
	e.closeOnce.Do(func() {
		close(e.quitChan)
		if err := e.checkpoint(); err != nil {
			outerErr = fmt.Errorf("vectorstore: final checkpoint: %w", err)
		}
		e.wal.Close()
		e.alloc.Close()
	})
	return outerErr
}
