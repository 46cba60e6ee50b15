// Package vectorclock implements the per-peer logical clocks used to order
// and reconcile concurrent edits to the same node across peers.
package vectorclock

import (
	"sort"
)

// Ordering is the result of comparing two Clocks under the partial order
// they induce: neither, either, both, or none of the per-peer counters may
// dominate.
type Ordering int

const (
	Equal Ordering = iota
	Less
	Greater
	Conflict
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "Equal"
	case Less:
		return "Less"
	case Greater:
		return "Greater"
	case Conflict:
		return "Conflict"
	default:
		return "Unknown"
	}
}

// Clock is a vector clock: one monotonic counter per peer number. The zero
// value is a valid, empty clock.
//
// Clock is immutable from the caller's point of view — Increment and Merge
// return new values rather than mutating the receiver, so a Clock can be
// shared freely between goroutines without synchronization.
type Clock struct {
	peers map[int64]uint64
}

// New returns an empty Clock.
func New() Clock {
	return Clock{}
}

// Increment returns a copy of c with peer's counter advanced by one.
func (c Clock) Increment(peer int64) Clock {
	out := Clock{peers: make(map[int64]uint64, len(c.peers)+1)}
	for k, v := range c.peers {
		out.peers[k] = v
	}
	out.peers[peer] = out.peers[peer] + 1
	return out
}

// FromCounts builds a Clock directly from explicit per-peer counters,
// for codecs reconstructing a clock from its wire representation without
// replaying individual increments.
func FromCounts(peers []int64, counters []uint64) Clock {
	c := Clock{peers: make(map[int64]uint64, len(peers))}
	for i, p := range peers {
		if counters[i] != 0 {
			c.peers[p] = counters[i]
		}
	}
	return c
}

// Counter returns peer's current counter value, or 0 if peer has never
// incremented this clock.
func (c Clock) Counter(peer int64) uint64 {
	return c.peers[peer]
}

// Peers returns the set of peer numbers with a nonzero counter, sorted for
// deterministic iteration.
func (c Clock) Peers() []int64 {
	out := make([]int64, 0, len(c.peers))
	for k := range c.peers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// allKeys returns the union of a's and b's peer numbers.
func allKeys(a, b map[int64]uint64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	out := make([]int64, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out
}

// Compare orders c against other. It walks the union of both peer sets and
// widens the running ordering as counters disagree; a peer where c leads
// and another where other leads collapses the result to Conflict.
func (c Clock) Compare(other Clock) Ordering {
	ordering := Equal
	for _, k := range allKeys(c.peers, other.peers) {
		v1 := c.peers[k]
		v2 := other.peers[k]
		switch {
		case v1 == v2:
			// no information
		case ordering == Less && v1 < v2:
			// still less
		case ordering == Greater && v1 > v2:
			// still greater
		case ordering == Equal && v1 < v2:
			ordering = Less
		case ordering == Equal && v1 > v2:
			ordering = Greater
		case ordering == Less && v1 > v2:
			return Conflict
		case ordering == Greater && v1 < v2:
			return Conflict
		case ordering == Conflict:
			return Conflict
		}
	}
	return ordering
}

// Merge returns the element-wise maximum of c and other's counters, the
// clock that dominates both inputs.
func (c Clock) Merge(other Clock) Clock {
	keys := allKeys(c.peers, other.peers)
	out := Clock{peers: make(map[int64]uint64, len(keys))}
	for _, k := range keys {
		v1 := c.peers[k]
		v2 := other.peers[k]
		if v2 > v1 {
			out.peers[k] = v2
		} else {
			out.peers[k] = v1
		}
	}
	return out
}

// Equal reports whether c and other have identical counters for every peer.
func (c Clock) Equal(other Clock) bool {
	return c.Compare(other) == Equal
}

// wireClock is the encoding/gob-friendly representation of a Clock: a plain
// slice of (peer, counter) pairs, sorted by peer number so two equal clocks
// always encode identically regardless of map iteration order.
type wireClock struct {
	Peers    []int64
	Counters []uint64
}

// toWire converts c to its deterministic wire form.
func (c Clock) toWire() wireClock {
	ks := c.Peers()
	w := wireClock{Peers: ks, Counters: make([]uint64, len(ks))}
	for i, k := range ks {
		w.Counters[i] = c.peers[k]
	}
	return w
}

// GobEncode implements gob.GobEncoder, giving Clock a byte-stable gob
// serialization even though its internal representation is a map.
func (c Clock) GobEncode() ([]byte, error) {
	return gobEncode(c.toWire())
}

// GobDecode implements gob.GobDecoder.
func (c *Clock) GobDecode(data []byte) error {
	var w wireClock
	if err := gobDecode(data, &w); err != nil {
		return err
	}
	c.peers = make(map[int64]uint64, len(w.Peers))
	for i, k := range w.Peers {
		c.peers[k] = w.Counters[i]
	}
	return nil
}
