// Package eventid generates totally ordered event identifiers.
//
// An ID is (timestamp ms, node, seq). IDs issued by one Generator are strictly
// increasing in (timestamp, seq) order for calls ordered by happens-before,
// across any number of goroutines, without taking a lock.
package eventid

import (
	"fmt"
	"sync/atomic"
	"time"
)

// seqStart is the midpoint of the 16-bit sequence range.
const seqStart = 1 << 15

// ID identifies one event. It is a small value type; copy it freely.
type ID struct {
	Timestamp int64  `json:"timestamp"`
	Node      uint16 `json:"node"`
	Seq       uint16 `json:"seq"`
}

// Compare returns -1, 0 or 1 ordering by timestamp, then seq, then node.
func (id ID) Compare(other ID) int {
	switch {
	case id.Timestamp < other.Timestamp:
		return -1
	case id.Timestamp > other.Timestamp:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	case id.Node < other.Node:
		return -1
	case id.Node > other.Node:
		return 1
	}
	return 0
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

// Time returns the wall-clock part of the ID.
func (id ID) Time() time.Time {
	return time.UnixMilli(id.Timestamp)
}

func (id ID) String() string {
	return fmt.Sprintf("%d-%d-%d", id.Timestamp, id.Node, id.Seq)
}

// After reports whether id is strictly past a replay cursor. A nil seq keeps
// every ID at the cursor timestamp.
func (id ID) After(timestamp int64, seq *uint16) bool {
	if id.Timestamp != timestamp {
		return id.Timestamp > timestamp
	}
	if seq == nil {
		return true
	}
	return id.Seq > *seq
}

// Generator issues IDs. The last issued (timestamp, seq) pair lives in a
// single 64-bit word: timestamp in the upper 48 bits, seq in the lower 16.
type Generator struct {
	node  uint16
	state atomic.Uint64
	now   func() time.Time
}

// NewGenerator returns a generator stamping IDs with node.
func NewGenerator(node uint16) *Generator {
	g := &Generator{node: node, now: time.Now}
	// seq starts one below the midpoint so the first ID carries seqStart.
	g.state.Store(uint64(seqStart - 1))
	return g
}

func pack(ts int64, seq uint16) uint64 {
	return uint64(ts)<<16 | uint64(seq)
}

func unpack(v uint64) (int64, uint16) {
	return int64(v >> 16), uint16(v)
}

// Next returns a new ID, strictly greater than every ID this generator
// returned before the call started.
func (g *Generator) Next() ID {
	for {
		old := g.state.Load()
		lastTS, lastSeq := unpack(old)

		ts := g.now().UnixMilli()
		seq := lastSeq + 1
		if seq == 0 {
			// Wrapped: force the timestamp forward so order is kept.
			if ts <= lastTS {
				ts = lastTS + 1
			}
		} else if ts < lastTS {
			ts = lastTS
		}

		if g.state.CompareAndSwap(old, pack(ts, seq)) {
			return ID{Timestamp: ts, Node: g.node, Seq: seq}
		}
	}
}

var defaultGenerator atomic.Pointer[Generator]

func init() {
	defaultGenerator.Store(NewGenerator(0))
}

// SetNode replaces the package-level generator with one stamping node. It
// keeps the ordering state so IDs stay monotonic across the switch.
func SetNode(node uint16) {
	old := defaultGenerator.Load()
	g := NewGenerator(node)
	g.state.Store(old.state.Load())
	defaultGenerator.Store(g)
}

// New returns an ID from the package-level generator.
func New() ID {
	return defaultGenerator.Load().Next()
}
