// Package semantic holds the event and context types shared by C8's
// propagator, C9's ordering service, and C10's replay engine.
package semantic

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/vexfs/vexfs/internal/clock"
)

// Boundary identifies one side of a cross-boundary hop. Boundaries form a
// directed graph: kernel <-> fuse, and either of {kernel, fuse} may reach
// any of {graph, vector, agent, system}. Intra-boundary edges are illegal.
type Boundary uint8

const (
	BoundaryKernel Boundary = iota
	BoundaryFUSE
	BoundaryGraph
	BoundaryVector
	BoundaryAgent
	BoundarySystem
)

func (b Boundary) String() string {
	switch b {
	case BoundaryKernel:
		return "kernel"
	case BoundaryFUSE:
		return "fuse"
	case BoundaryGraph:
		return "graph"
	case BoundaryVector:
		return "vector"
	case BoundaryAgent:
		return "agent"
	case BoundarySystem:
		return "system"
	default:
		return "unknown"
	}
}

// ErrIllegalBoundary is returned when a propagation target would be
// intra-boundary or otherwise not a legal edge of the boundary graph.
var ErrIllegalBoundary = errors.New("semantic: illegal boundary edge")

// LegalTargets enumerates the targets a record originating at from may
// legally propagate to.
func LegalTargets(from Boundary) []Boundary {
	switch from {
	case BoundaryKernel:
		return []Boundary{BoundaryFUSE, BoundaryGraph, BoundaryVector, BoundaryAgent, BoundarySystem}
	case BoundaryFUSE:
		return []Boundary{BoundaryKernel, BoundaryGraph, BoundaryVector, BoundaryAgent, BoundarySystem}
	default:
		return nil
	}
}

// IsLegalEdge reports whether from -> to is a legal boundary-graph edge.
func IsLegalEdge(from, to Boundary) bool {
	if from == to {
		return false
	}
	for _, t := range LegalTargets(from) {
		if t == to {
			return true
		}
	}
	return false
}

// Kind is the semantic classification of an event's payload, used for
// selective replay filters and dedup fingerprints.
type Kind uint8

const (
	KindFilesystem Kind = iota
	KindGraph
	KindVector
	KindAgent
	KindSystem
)

// FilesystemContext carries the subset of filesystem semantics that must
// survive cross-boundary translation.
type FilesystemContext struct {
	Path     string
	Inode    uint64
	FileType string
}

// GraphContext carries graph-store semantics.
type GraphContext struct {
	NodeID string
	EdgeID string
	Op     string
}

// VectorContext carries C4/C5 semantics.
type VectorContext struct {
	ID   uint64
	Dim  int
	Kind string
}

// AgentContext carries the acting agent's identity and intent, for
// events emitted on behalf of an autonomous or assisted agent layer
// rather than a direct filesystem/graph/vector operation.
type AgentContext struct {
	AgentID string
	TaskID  string
	Action  string
}

// SystemContext carries host/process provenance for events originating
// outside the filesystem/graph/vector/agent boundaries (daemon
// lifecycle, resource pressure, configuration reloads).
type SystemContext struct {
	Component string
	Operation string
	Pid       int
}

// Context is the full semantic envelope attached to an Event; every
// subrecord is optional — nil means "not applicable" rather than zero.
// Agent and System are part of the data model (spec.md §3) but outside
// the context-hash subset (spec.md §4.8 lists only transaction/session/
// causality plus filesystem/graph/vector); Hash deliberately does not
// read them.
type Context struct {
	TransactionID string
	SessionID     string
	CausalityID   string

	Filesystem *FilesystemContext
	Graph      *GraphContext
	Vector     *VectorContext
	Agent      *AgentContext
	System     *SystemContext
}

// Hash computes a deterministic digest over exactly the fields that must
// survive cross-boundary translation (spec.md §4.8's context hash). Two
// contexts that differ only in fields outside this list hash identically.
func (c Context) Hash() [32]byte {
	h := sha256.New()
	writeString := func(s string) {
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeString(c.TransactionID)
	writeString(c.SessionID)
	writeString(c.CausalityID)
	if c.Filesystem != nil {
		writeString("fs")
		writeString(c.Filesystem.Path)
		var inodeBuf [8]byte
		binary.LittleEndian.PutUint64(inodeBuf[:], c.Filesystem.Inode)
		h.Write(inodeBuf[:])
		writeString(c.Filesystem.FileType)
	}
	if c.Graph != nil {
		writeString("graph")
		writeString(c.Graph.NodeID)
		writeString(c.Graph.EdgeID)
		writeString(c.Graph.Op)
	}
	if c.Vector != nil {
		writeString("vector")
		var idBuf [8]byte
		binary.LittleEndian.PutUint64(idBuf[:], c.Vector.ID)
		h.Write(idBuf[:])
		var dimBuf [8]byte
		binary.LittleEndian.PutUint64(dimBuf[:], uint64(c.Vector.Dim))
		h.Write(dimBuf[:])
		writeString(c.Vector.Kind)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SameResource reports whether a and b touch the same filesystem path
// (with at least one of them a write or delete), the same graph node or
// edge, or the same vector id — spec.md §4.9's resource-conflict
// definition. Events with disjoint context never conflict.
func SameResource(a, b Context, aWriteOrDelete, bWriteOrDelete bool) bool {
	if a.Filesystem != nil && b.Filesystem != nil &&
		a.Filesystem.Path == b.Filesystem.Path &&
		(aWriteOrDelete || bWriteOrDelete) {
		return true
	}
	if a.Graph != nil && b.Graph != nil {
		if a.Graph.NodeID != "" && a.Graph.NodeID == b.Graph.NodeID {
			return true
		}
		if a.Graph.EdgeID != "" && a.Graph.EdgeID == b.Graph.EdgeID {
			return true
		}
	}
	if a.Vector != nil && b.Vector != nil && a.Vector.ID == b.Vector.ID {
		return true
	}
	return false
}

// Priority orders events when clock comparison alone cannot (equal or
// concurrent fallbacks in C9's ordering algorithm).
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Event is the unit of work flowing through propagation, ordering, and
// replay.
type Event struct {
	ID              string
	Kind            Kind
	ProcessID       string
	Clock           clock.Clock
	GlobalSequence  uint64
	LocalSequence   uint64
	WallClockUnixNs int64
	Priority        Priority
	WriteOrDelete   bool
	Context         Context
	Payload         []byte
}

// OriginalContextHash is a convenience accessor used by the dedup
// fingerprint, computed once per event and cached by callers that need
// it repeatedly.
func (e Event) OriginalContextHash() [32]byte {
	return e.Context.Hash()
}
