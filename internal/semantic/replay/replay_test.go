package replay

import (
	"context"
	"fmt"
	"testing"

	"github.com/vexfs/vexfs/internal/clock"
	"github.com/vexfs/vexfs/internal/semantic"
	"github.com/vexfs/vexfs/internal/semantic/ordering"
)

func buildLog(n int, conflictPairs [][2]int) ([]Record, map[string]ordering.Strategy) {
	events := make([]semantic.Event, n)
	processes := []string{"P1", "P2", "P3"}
	clocks := map[string]clock.Clock{"P1": clock.New(), "P2": clock.New(), "P3": clock.New()}
	for i := 0; i < n; i++ {
		pid := processes[i%len(processes)]
		clocks[pid] = clocks[pid].Increment(pid)
		events[i] = semantic.Event{
			ID:              fmt.Sprintf("e%d", i),
			ProcessID:       pid,
			Clock:           clocks[pid],
			LocalSequence:   clocks[pid].At(pid),
			WallClockUnixNs: int64(i),
			Kind:            semantic.KindSystem,
		}
	}
	decisions := make(map[string]ordering.Strategy)
	for _, pair := range conflictPairs {
		i, j := pair[0], pair[1]
		// Give each side a clock advanced only on its own process id, so
		// Compare reports them concurrent regardless of their position in
		// the log, then attach matching same-resource context.
		events[i].Clock = clock.New().Increment(events[i].ProcessID)
		events[j].Clock = clock.New().Increment(events[j].ProcessID)
		fsCtx := &semantic.FilesystemContext{Path: fmt.Sprintf("/conflict-%d", i), Inode: uint64(i)}
		events[i].Context = semantic.Context{Filesystem: fsCtx}
		events[j].Context = semantic.Context{Filesystem: fsCtx}
		events[i].WriteOrDelete, events[j].WriteOrDelete = true, true
		decisions[ConflictKey(events[i].ID, events[j].ID)] = ordering.LastWriterWins
	}

	log := make([]Record, n)
	for i, ev := range events {
		log[i] = NewRecord(ev)
	}
	return log, decisions
}

// P10 (replay determinism): full replay twice against an unchanged log
// yields identical delivered sequences and identical stats modulo
// wall-clock fields.
func TestReplayDeterminism(t *testing.T) {
	log, decisions := buildLog(200, [][2]int{{10, 11}, {50, 51}})
	engine := New(nil)
	opts := Options{Mode: ModeFull, Validation: ValidationChecksum, Decisions: decisions, DefaultStrategy: ordering.LastWriterWins}

	r1, err := engine.Replay(context.Background(), "run-1", log, opts)
	if err != nil {
		t.Fatalf("first replay: %v", err)
	}
	r2, err := engine.Replay(context.Background(), "run-2", log, opts)
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}

	if r1.Stats.Delivered != r2.Stats.Delivered || r1.Stats.Aborted != r2.Stats.Aborted {
		t.Fatalf("stats differ: %+v vs %+v", r1.Stats, r2.Stats)
	}
	if len(r1.Delivered) != len(r2.Delivered) {
		t.Fatalf("delivered length differs: %d vs %d", len(r1.Delivered), len(r2.Delivered))
	}
	for i := range r1.Delivered {
		if r1.Delivered[i].ID != r2.Delivered[i].ID {
			t.Fatalf("delivered[%d] id differs: %s vs %s", i, r1.Delivered[i].ID, r2.Delivered[i].ID)
		}
	}
	abortedIDs1, abortedIDs2 := idSet(r1.Aborted), idSet(r2.Aborted)
	if len(abortedIDs1) != len(abortedIDs2) {
		t.Fatalf("aborted sets differ in size: %d vs %d", len(abortedIDs1), len(abortedIDs2))
	}
	for id := range abortedIDs1 {
		if !abortedIDs2[id] {
			t.Fatalf("aborted id %s missing from second run", id)
		}
	}
}

func idSet(events []semantic.Event) map[string]bool {
	out := make(map[string]bool, len(events))
	for _, e := range events {
		out[e.ID] = true
	}
	return out
}

// Scenario 6 from spec.md §8: a log of 10000 events from three
// processes with five conflicts resolved by last-writer-wins, replayed
// in full mode, delivers 10000-5 events.
func TestReplayScenario6(t *testing.T) {
	pairs := [][2]int{{100, 101}, {2000, 2001}, {4000, 4001}, {6000, 6001}, {8000, 8001}}
	log, decisions := buildLog(10000, pairs)
	engine := New(nil)
	opts := Options{Mode: ModeFull, Validation: ValidationFull, Decisions: decisions, DefaultStrategy: ordering.LastWriterWins}

	result, err := engine.Replay(context.Background(), "scenario-6", log, opts)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Stats.Delivered != 10000-5 {
		t.Fatalf("expected %d delivered, got %d", 10000-5, result.Stats.Delivered)
	}
	if result.Stats.Aborted != 5 {
		t.Fatalf("expected 5 aborted, got %d", result.Stats.Aborted)
	}
	if result.FinalState != StateCompleted {
		t.Fatalf("expected completed state, got %v", result.FinalState)
	}
}

func TestReplayParallelMatchesSequential(t *testing.T) {
	log, decisions := buildLog(500, [][2]int{{40, 41}, {300, 301}})
	engine := New(nil)
	seqOpts := Options{Mode: ModeFull, Decisions: decisions, DefaultStrategy: ordering.LastWriterWins}
	parOpts := Options{Mode: ModeParallel, ParallelWorkers: 4, Decisions: decisions, DefaultStrategy: ordering.LastWriterWins}

	seq, err := engine.Replay(context.Background(), "seq", log, seqOpts)
	if err != nil {
		t.Fatalf("sequential replay: %v", err)
	}
	par, err := engine.Replay(context.Background(), "par", log, parOpts)
	if err != nil {
		t.Fatalf("parallel replay: %v", err)
	}
	if seq.Stats.Delivered != par.Stats.Delivered || seq.Stats.Aborted != par.Stats.Aborted {
		t.Fatalf("sequential vs parallel stats differ: %+v vs %+v", seq.Stats, par.Stats)
	}
	if idSetEqual(idSet(seq.Delivered), idSet(par.Delivered)) == false {
		t.Fatal("sequential and parallel delivered different event sets")
	}
}

func idSetEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if !b[id] {
			return false
		}
	}
	return true
}

func TestReplayCancellation(t *testing.T) {
	log, _ := buildLog(1000, nil)
	engine := New(nil)
	engine.Cancel("cancel-me") // no replay is registered under this id, so this is a no-op; the replay below is cancelled through its context

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := engine.Replay(ctx, "cancel-ctx", log, Options{Mode: ModeFull, BatchSize: 10})
	if err == nil {
		t.Fatal("expected an error from a pre-cancelled context")
	}
	if result.FinalState != StateFailed && result.FinalState != StateCancelled {
		t.Fatalf("expected failed or cancelled state, got %v", result.FinalState)
	}
}

func TestChecksumValidationIsolatesCorruptRecord(t *testing.T) {
	log, _ := buildLog(10, nil)
	log[3].CRC32 ^= 0xFFFFFFFF // corrupt one record

	engine := New(nil)
	result, err := engine.Replay(context.Background(), "corrupt", log, Options{Mode: ModeFull, Validation: ValidationChecksum})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Stats.ChecksumFailures != 1 {
		t.Fatalf("expected 1 checksum failure, got %d", result.Stats.ChecksumFailures)
	}
	if result.Stats.Delivered != 9 {
		t.Fatalf("expected 9 delivered (corrupt record isolated), got %d", result.Stats.Delivered)
	}
}
