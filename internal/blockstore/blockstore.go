// Package blockstore implements C1, the block allocator facade. It is the
// sole path the vector core uses to touch storage; it never interprets
// payload bytes, only allocates/frees contiguous block runs and moves bytes
// in and out of them.
package blockstore

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Hint biases placement of a new allocation.
type Hint int

const (
	HintSequential Hint = iota
	HintRandom
	HintClustered
	HintVectorAligned
)

// Pressure is the qualitative allocator/memory scarcity tier.
type Pressure int

const (
	PressureLow Pressure = iota
	PressureMedium
	PressureHigh
	PressureCritical
)

func (p Pressure) String() string {
	switch p {
	case PressureLow:
		return "low"
	case PressureMedium:
		return "medium"
	case PressureHigh:
		return "high"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ErrOutOfSpace is returned when no run of the requested length is free and
// the file cannot be grown.
var ErrOutOfSpace = errors.New("blockstore: out of space")

type run struct {
	start uint64
	len   uint64
}

// Allocator is a fixed-block-size file with a free-run list.
type Allocator struct {
	mu        sync.Mutex
	file      *os.File
	blockSize int
	total     uint64 // blocks currently backed by the file
	free      []run  // sorted by start, non-overlapping, coalesced
	maxGrow   uint64 // grow ceiling in blocks; 0 means unbounded

	log *zap.Logger
}

// Open creates or reopens a block file. maxBlocks bounds growth (0 = unbounded),
// used to simulate resource pressure in tests and to cap a space's footprint.
func Open(path string, blockSize int, maxBlocks uint64, log *zap.Logger) (*Allocator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("blockstore: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockstore: stat: %w", err)
	}
	total := uint64(info.Size()) / uint64(blockSize)
	a := &Allocator{
		file:      f,
		blockSize: blockSize,
		total:     total,
		maxGrow:   maxBlocks,
		log:       log,
	}
	if total > 0 {
		a.free = []run{{start: 0, len: total}}
	}
	return a, nil
}

// Allocate reserves n contiguous blocks, growing the file if needed and
// permitted by maxBlocks. hint only affects which free run is chosen when
// several of adequate size exist.
func (a *Allocator) Allocate(n uint64, hint Hint) ([]uint64, error) {
	if n == 0 {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.pickRun(n, hint)
	if idx < 0 {
		if !a.grow(n) {
			return nil, ErrOutOfSpace
		}
		idx = a.pickRun(n, hint)
		if idx < 0 {
			return nil, ErrOutOfSpace
		}
	}

	r := a.free[idx]
	start := r.start
	if r.len == n {
		a.free = append(a.free[:idx], a.free[idx+1:]...)
	} else {
		a.free[idx] = run{start: r.start + n, len: r.len - n}
	}

	ids := make([]uint64, n)
	for i := uint64(0); i < n; i++ {
		ids[i] = start + i
	}
	return ids, nil
}

// pickRun returns the index of a free run able to satisfy n blocks, or -1.
// HintClustered/HintVectorAligned prefer the smallest run that still fits
// (best-fit, keeps large runs intact for later big allocations); the other
// hints use first-fit.
func (a *Allocator) pickRun(n uint64, hint Hint) int {
	best := -1
	for i, r := range a.free {
		if r.len < n {
			continue
		}
		switch hint {
		case HintClustered, HintVectorAligned:
			if best < 0 || r.len < a.free[best].len {
				best = i
			}
		default:
			return i
		}
	}
	return best
}

// grow extends the backing file by at least n blocks, respecting maxGrow.
func (a *Allocator) grow(n uint64) bool {
	newTotal := a.total + n
	if a.maxGrow != 0 && newTotal > a.maxGrow {
		if a.maxGrow <= a.total {
			return false
		}
		n = a.maxGrow - a.total
		newTotal = a.maxGrow
	}
	if err := a.file.Truncate(int64(newTotal) * int64(a.blockSize)); err != nil {
		a.log.Warn("blockstore: grow failed", zap.Error(err))
		return false
	}
	if len(a.free) > 0 && a.free[len(a.free)-1].start+a.free[len(a.free)-1].len == a.total {
		a.free[len(a.free)-1].len += newTotal - a.total
	} else {
		a.free = append(a.free, run{start: a.total, len: newTotal - a.total})
	}
	a.total = newTotal
	return true
}

// Free releases blocks back to the allocator, coalescing adjacent runs.
func (a *Allocator) Free(ids []uint64) {
	if len(ids) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	sorted := append([]uint64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, id := range sorted {
		a.insertFree(id, 1)
	}
}

func (a *Allocator) insertFree(start, length uint64) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].start >= start })
	a.free = append(a.free, run{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = run{start: start, len: length}
	a.coalesce()
}

func (a *Allocator) coalesce() {
	if len(a.free) < 2 {
		return
	}
	out := a.free[:1]
	for _, r := range a.free[1:] {
		last := &out[len(out)-1]
		if last.start+last.len == r.start {
			last.len += r.len
		} else {
			out = append(out, r)
		}
	}
	a.free = out
}

// ReadBlock reads exactly one block's worth of bytes.
func (a *Allocator) ReadBlock(id uint64) ([]byte, error) {
	buf := make([]byte, a.blockSize)
	if _, err := a.file.ReadAt(buf, int64(id)*int64(a.blockSize)); err != nil {
		return nil, fmt.Errorf("blockstore: read block %d: %w", id, err)
	}
	return buf, nil
}

// WriteBlock writes data into block id, zero-padding if shorter than the
// block size. data must not exceed the block size.
func (a *Allocator) WriteBlock(id uint64, data []byte) error {
	if len(data) > a.blockSize {
		return fmt.Errorf("blockstore: payload %d exceeds block size %d", len(data), a.blockSize)
	}
	buf := make([]byte, a.blockSize)
	copy(buf, data)
	if _, err := a.file.WriteAt(buf, int64(id)*int64(a.blockSize)); err != nil {
		return fmt.Errorf("blockstore: write block %d: %w", id, err)
	}
	return nil
}

// SyncAll durably flushes all prior writes.
func (a *Allocator) SyncAll() error {
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("blockstore: sync: %w", err)
	}
	return nil
}

// BlockSize reports the fixed block size in bytes.
func (a *Allocator) BlockSize() int { return a.blockSize }

// Pressure derives a qualitative scarcity tier from the free/total ratio.
// critical: free < 5%; high: < 15%; medium: < 35%; else low. An unbounded
// allocator (maxGrow == 0) reports the ratio against currently-backed
// blocks, since "total capacity" is otherwise undefined. For a bounded
// allocator, blocks it may still grow into count as free.
func (a *Allocator) Pressure() Pressure {
	a.mu.Lock()
	defer a.mu.Unlock()

	capacity := a.maxGrow
	if capacity == 0 {
		capacity = a.total
	}
	if capacity == 0 {
		return PressureLow
	}
	var free uint64
	for _, r := range a.free {
		free += r.len
	}
	if a.maxGrow > a.total {
		free += a.maxGrow - a.total
	}
	ratio := float64(free) / float64(capacity)
	switch {
	case ratio < 0.05:
		return PressureCritical
	case ratio < 0.15:
		return PressureHigh
	case ratio < 0.35:
		return PressureMedium
	default:
		return PressureLow
	}
}

// Close releases the backing file handle.
func (a *Allocator) Close() error {
	return a.file.Close()
}
