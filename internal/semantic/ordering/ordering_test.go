package ordering

import (
	"testing"

	"github.com/vexfs/vexfs/internal/semantic"
)

func drainAll(s *Service) []OrderedEvent {
	s.Drain()
	var out []OrderedEvent
	for {
		oe, ok := s.NextOrdered()
		if !ok {
			break
		}
		out = append(out, oe)
	}
	return out
}

// P7 (ordering monotonicity): within a process, released per-process
// sequence numbers increase strictly by 1.
func TestOrderingMonotonicityWithinProcess(t *testing.T) {
	s := New(DefaultConfig(), nil)
	for i := 0; i < 5; i++ {
		if _, err := s.Submit(semantic.Event{ProcessID: "A", Kind: semantic.KindSystem}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	released := drainAll(s)
	if len(released) != 5 {
		t.Fatalf("expected 5 released events, got %d", len(released))
	}
	for i, oe := range released {
		want := uint64(i + 1)
		if oe.Event.LocalSequence != want {
			t.Fatalf("event %d: local sequence = %d, want %d", i, oe.Event.LocalSequence, want)
		}
	}
}

// P8 (ordering respects happens-before): if clock(e1) happens-before
// clock(e2), e1 is released before e2.
func TestOrderingRespectsHappensBefore(t *testing.T) {
	s := New(DefaultConfig(), nil)
	first, err := s.Submit(semantic.Event{ProcessID: "A", Kind: semantic.KindSystem})
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	second, err := s.Submit(semantic.Event{ProcessID: "A", Kind: semantic.KindSystem})
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}

	released := drainAll(s)
	if len(released) != 2 {
		t.Fatalf("expected 2 released events, got %d", len(released))
	}
	if released[0].Event.LocalSequence != first.LocalSequence {
		t.Fatalf("expected first event released first")
	}
	if released[1].Event.LocalSequence != second.LocalSequence {
		t.Fatalf("expected second event released second")
	}
}

// Scenario 5 from spec.md §8: two concurrent writes to the same path,
// resolved by last-writer-wins; the later-timestamped event wins and the
// earlier appears in the aborted set.
func TestLastWriterWinsConflictResolution(t *testing.T) {
	s := New(DefaultConfig(), nil)

	fsCtx := func() semantic.Context {
		return semantic.Context{Filesystem: &semantic.FilesystemContext{Path: "/x", Inode: 1, FileType: "regular"}}
	}

	e1, err := s.Submit(semantic.Event{
		ID: "e1", ProcessID: "A", Kind: semantic.KindFilesystem,
		WriteOrDelete: true, Context: fsCtx(), WallClockUnixNs: 100,
	})
	if err != nil {
		t.Fatalf("submit e1: %v", err)
	}
	e2, err := s.Submit(semantic.Event{
		ID: "e2", ProcessID: "B", Kind: semantic.KindFilesystem,
		WriteOrDelete: true, Context: fsCtx(), WallClockUnixNs: 200,
	})
	if err != nil {
		t.Fatalf("submit e2: %v", err)
	}
	_ = e1
	_ = e2

	s.Drain()
	conflicts := s.PendingConflicts()
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	conflict := conflicts[0]
	if err := s.Resolve(conflict.ID, LastWriterWins); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	oe, ok := s.NextOrdered()
	if !ok {
		t.Fatal("expected a released winner event")
	}
	if oe.Event.ID != "e2" {
		t.Fatalf("expected e2 (later timestamp) to win, got %s", oe.Event.ID)
	}

	resolved := s.PendingConflicts()
	if len(resolved) != 0 {
		t.Fatalf("expected no pending conflicts after resolution, got %d", len(resolved))
	}
}

func TestDisjointResourcesNeverConflict(t *testing.T) {
	s := New(DefaultConfig(), nil)
	if _, err := s.Submit(semantic.Event{
		ID: "e1", ProcessID: "A", WriteOrDelete: true,
		Context: semantic.Context{Filesystem: &semantic.FilesystemContext{Path: "/a", Inode: 1}},
	}); err != nil {
		t.Fatalf("submit e1: %v", err)
	}
	if _, err := s.Submit(semantic.Event{
		ID: "e2", ProcessID: "B", WriteOrDelete: true,
		Context: semantic.Context{Filesystem: &semantic.FilesystemContext{Path: "/b", Inode: 2}},
	}); err != nil {
		t.Fatalf("submit e2: %v", err)
	}
	released := drainAll(s)
	if len(released) != 2 {
		t.Fatalf("expected both disjoint-resource events released, got %d", len(released))
	}
	if len(s.PendingConflicts()) != 0 {
		t.Fatal("expected no conflicts for disjoint resources")
	}
}
