// Package ordering implements C9: the event ordering service. It tracks
// per-process clock/sequence state, detects resource conflicts among
// concurrent events, resolves them per a configurable strategy, and
// releases events in an order that respects the vector-clock
// happens-before partial order.
package ordering

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vexfs/vexfs/internal/clock"
	"github.com/vexfs/vexfs/internal/semantic"
)

// Strategy is a conflict-resolution policy.
type Strategy int

const (
	LastWriterWins Strategy = iota
	FirstWriterWins
	Priority
	Abort
	Merge
	Manual
)

var (
	// ErrUnknownProcess is returned by operations that require an
	// already-submitted process id.
	ErrUnknownProcess = errors.New("ordering: unknown process")
	// ErrConflictNotFound is returned by Resolve for an unknown conflict id.
	ErrConflictNotFound = errors.New("ordering: conflict not found")
	// ErrConflictTimeout is recorded (not returned to the caller) when a
	// conflict's resolution timeout expires before Resolve is called.
	ErrConflictTimeout = errors.New("ordering: conflict resolution timed out")
)

// processState is the per-process bookkeeping §4.9 describes.
type processState struct {
	lastClock    clock.Clock
	lastSequence uint64
	expectedNext uint64
}

// Conflict is a recorded resource conflict awaiting (or past) resolution.
type Conflict struct {
	ID         string
	Events     []semantic.Event
	CreatedAt  time.Time
	Resolved   bool
	Winner     *semantic.Event
	Aborted    []semantic.Event
	Strategy   Strategy
	TimedOut   bool
}

// SequenceGap is a reportable, non-blocking ordering event: process p's
// observed sequence jumped past expected-next.
type SequenceGap struct {
	ProcessID string
	Expected  uint64
	Observed  uint64
	At        time.Time
}

// OrderedEvent is an event that has cleared the ordering algorithm and
// is ready for delivery.
type OrderedEvent struct {
	Event      semantic.Event
	ReleasedAt time.Time
}

// Config mirrors spec.md §6's recognized ordering options.
type Config struct {
	MaxPendingEvents           int
	SequenceGapTimeout         time.Duration
	ConflictResolutionTimeout  time.Duration
	DefaultResolution          Strategy
	OrderingBufferSize         int
}

// DefaultConfig fills in the ordering defaults spec.md leaves unpinned.
func DefaultConfig() Config {
	return Config{
		MaxPendingEvents:          8192,
		SequenceGapTimeout:        5 * time.Second,
		ConflictResolutionTimeout: 10 * time.Second,
		DefaultResolution:         LastWriterWins,
		OrderingBufferSize:        4096,
	}
}

// Service is C9.
type Service struct {
	mu sync.Mutex
	cfg Config
	log *zap.Logger

	processes map[string]*processState
	pending   []semantic.Event
	conflicts map[string]*Conflict
	nextConflictID uint64

	delivery []OrderedEvent // released, not yet drained by next_ordered
	gaps     []SequenceGap
}

// New constructs an ordering Service.
func New(cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		log:       log,
		processes: make(map[string]*processState),
		conflicts: make(map[string]*Conflict),
	}
}

// Submit bumps pid's clock, assigns the next per-process sequence number,
// and enqueues the event onto the pending working set.
func (s *Service) Submit(ev semantic.Event) (semantic.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.processes[ev.ProcessID]
	if !ok {
		st = &processState{lastClock: clock.New()}
		s.processes[ev.ProcessID] = st
	}
	st.lastClock = st.lastClock.Increment(ev.ProcessID)
	st.lastSequence++
	if ev.LocalSequence != 0 && ev.LocalSequence != st.lastSequence {
		s.gaps = append(s.gaps, SequenceGap{
			ProcessID: ev.ProcessID, Expected: st.expectedNext, Observed: ev.LocalSequence, At: time.Now(),
		})
	}
	st.expectedNext = st.lastSequence + 1

	ev.Clock = st.lastClock
	ev.LocalSequence = st.lastSequence
	if ev.WallClockUnixNs == 0 {
		ev.WallClockUnixNs = time.Now().UnixNano()
	}

	if len(s.pending) >= s.cfg.MaxPendingEvents {
		return ev, fmt.Errorf("ordering: pending queue full (%d)", s.cfg.MaxPendingEvents)
	}
	s.pending = append(s.pending, ev)
	return ev, nil
}

// Drain runs the four-step ordering algorithm over everything currently
// pending: detect resource conflicts among concurrent pairs, sort the
// remainder by happens-before (falling back to priority/sequence/pid),
// and release in that order — appending to the delivery queue and
// recording any new conflicts. Returns the number of events released.
func (s *Service) Drain() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainLocked()
}

func (s *Service) drainLocked() int {
	working := s.pending
	s.pending = nil
	if len(working) == 0 {
		return 0
	}

	conflicted := make(map[int]bool)
	for i := 0; i < len(working); i++ {
		for j := i + 1; j < len(working); j++ {
			a, b := working[i], working[j]
			if clock.Compare(a.Clock, b.Clock) != clock.Concurrent {
				continue
			}
			if !semantic.SameResource(a.Context, b.Context, a.WriteOrDelete, b.WriteOrDelete) {
				continue
			}
			conflicted[i], conflicted[j] = true, true
			s.recordConflictLocked([]semantic.Event{a, b})
		}
	}

	var releasable []semantic.Event
	for i, ev := range working {
		if !conflicted[i] {
			releasable = append(releasable, ev)
		}
	}

	sort.SliceStable(releasable, func(i, j int) bool {
		a, b := releasable[i], releasable[j]
		switch clock.Compare(a.Clock, b.Clock) {
		case clock.Before:
			return true
		case clock.After:
			return false
		default:
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			if a.LocalSequence != b.LocalSequence {
				return a.LocalSequence < b.LocalSequence
			}
			return a.ProcessID < b.ProcessID
		}
	})

	now := time.Now()
	for _, ev := range releasable {
		s.delivery = append(s.delivery, OrderedEvent{Event: ev, ReleasedAt: now})
	}
	return len(releasable)
}

func (s *Service) recordConflictLocked(events []semantic.Event) {
	s.nextConflictID++
	id := fmt.Sprintf("conflict-%d", s.nextConflictID)
	s.conflicts[id] = &Conflict{
		ID: id, Events: events, CreatedAt: time.Now(), Strategy: s.cfg.DefaultResolution,
	}
}

// NextOrdered pops the earliest released-but-undelivered event, if any.
func (s *Service) NextOrdered() (OrderedEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.delivery) == 0 {
		return OrderedEvent{}, false
	}
	oe := s.delivery[0]
	s.delivery = s.delivery[1:]
	return oe, true
}

// PendingConflicts returns every conflict awaiting resolution.
func (s *Service) PendingConflicts() []*Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Conflict
	for _, c := range s.conflicts {
		if !c.Resolved {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve applies a resolution strategy to a recorded conflict, releasing
// the winner (if any) into the delivery queue and recording the rest as
// aborted.
func (s *Service) Resolve(conflictID string, strategy Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[conflictID]
	if !ok {
		return ErrConflictNotFound
	}
	if c.Resolved {
		return nil
	}
	c.Strategy = strategy
	winner, aborted := ResolveStrategy(strategy, c.Events)
	c.Winner = winner
	c.Aborted = aborted
	c.Resolved = true
	if winner != nil {
		s.delivery = append(s.delivery, OrderedEvent{Event: *winner, ReleasedAt: time.Now()})
	}
	return nil
}

// ExpireTimedOutConflicts applies the configured default strategy to any
// conflict older than ConflictResolutionTimeout that is still pending,
// recording the outcome as timed out.
func (s *Service) ExpireTimedOutConflicts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var expired int
	for id, c := range s.conflicts {
		if c.Resolved || now.Sub(c.CreatedAt) < s.cfg.ConflictResolutionTimeout {
			continue
		}
		winner, aborted := ResolveStrategy(s.cfg.DefaultResolution, c.Events)
		c.Winner, c.Aborted, c.Resolved, c.TimedOut = winner, aborted, true, true
		if winner != nil {
			s.delivery = append(s.delivery, OrderedEvent{Event: *winner, ReleasedAt: now})
		}
		s.log.Warn("ordering: conflict resolution timed out, applied default strategy",
			zap.String("conflict", id), zap.Int("strategy", int(s.cfg.DefaultResolution)))
		expired++
	}
	return expired
}

// ResolveStrategy implements spec.md §4.9's resolution table. Merge
// falls back to LastWriterWins (documented as an intentional
// observable-behavior decision, not a bug: the source's "Merge" was
// never a true merge either). Manual and Abort both drop every event —
// Manual's release is expected to arrive via an explicit Resolve call
// with a concrete strategy once the external decision is made. Exported
// so the replay engine (C10) can apply the identical resolution table
// when replaying conflicts recorded against a durable log.
func ResolveStrategy(strategy Strategy, events []semantic.Event) (winner *semantic.Event, aborted []semantic.Event) {
	if len(events) == 0 {
		return nil, nil
	}
	switch strategy {
	case Abort, Manual:
		cp := append([]semantic.Event(nil), events...)
		return nil, cp
	case FirstWriterWins:
		best := events[0]
		for _, e := range events[1:] {
			if e.WallClockUnixNs < best.WallClockUnixNs {
				best = e
			}
		}
		return pickWinner(best, events)
	case Priority:
		best := events[0]
		for _, e := range events[1:] {
			if e.Priority > best.Priority {
				best = e
			}
		}
		return pickWinner(best, events)
	case LastWriterWins, Merge:
		fallthrough
	default:
		best := events[0]
		for _, e := range events[1:] {
			if e.WallClockUnixNs > best.WallClockUnixNs {
				best = e
			}
		}
		return pickWinner(best, events)
	}
}

func pickWinner(best semantic.Event, events []semantic.Event) (*semantic.Event, []semantic.Event) {
	w := best
	var aborted []semantic.Event
	for _, e := range events {
		if e.ID != w.ID {
			aborted = append(aborted, e)
		}
	}
	return &w, aborted
}

// SequenceGaps reports every recorded gap, across all processes, older
// than the configured timeout; gaps never block release of events outside
// the affected process.
func (s *Service) SequenceGaps() []SequenceGap {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []SequenceGap
	for _, g := range s.gaps {
		if now.Sub(g.At) >= s.cfg.SequenceGapTimeout {
			out = append(out, g)
		}
	}
	return out
}
