package blockstore

import (
	"path/filepath"
	"testing"
)

func openTest(t *testing.T, maxBlocks uint64) *Allocator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blocks.db")
	a, err := Open(path, 64, maxBlocks, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	a := openTest(t, 0)

	ids, err := a.Allocate(4, HintSequential)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(ids) != 4 {
		t.Fatalf("expected 4 ids, got %d", len(ids))
	}
	for i, id := range ids {
		if id != uint64(i) {
			t.Fatalf("expected contiguous ids starting at 0, got %v", ids)
		}
	}

	payload := []byte("hello")
	if err := a.WriteBlock(ids[0], payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := a.ReadBlock(ids[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got[:len(payload)]) != string(payload) {
		t.Fatalf("roundtrip mismatch: got %q", got[:len(payload)])
	}

	a.Free(ids)
	ids2, err := a.Allocate(4, HintSequential)
	if err != nil {
		t.Fatalf("reallocate: %v", err)
	}
	if ids2[0] != 0 {
		t.Fatalf("expected freed space reused from 0, got %v", ids2)
	}
}

func TestOutOfSpace(t *testing.T) {
	a := openTest(t, 4)

	if _, err := a.Allocate(4, HintSequential); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := a.Allocate(1, HintSequential); err != ErrOutOfSpace {
		t.Fatalf("expected ErrOutOfSpace, got %v", err)
	}
}

func TestPressureLevels(t *testing.T) {
	a := openTest(t, 100)

	if p := a.Pressure(); p != PressureLow {
		t.Fatalf("expected low pressure on empty allocator, got %v", p)
	}
	if _, err := a.Allocate(90, HintSequential); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if p := a.Pressure(); p != PressureHigh {
		t.Fatalf("expected high pressure at 10%% free, got %v", p)
	}
}

func TestFreeCoalesces(t *testing.T) {
	a := openTest(t, 0)

	ids, err := a.Allocate(8, HintSequential)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	a.Free(ids)

	// A single run of 8 should still satisfy one allocation of 8.
	ids2, err := a.Allocate(8, HintSequential)
	if err != nil {
		t.Fatalf("allocate after coalesce: %v", err)
	}
	if len(ids2) != 8 {
		t.Fatalf("expected 8 contiguous blocks after coalesce, got %d", len(ids2))
	}
}
