package dht

import (
	"crypto/rand"
	"sort"
	"time"
)

// DefaultMaxNodeCountPerBucket is the default Kademlia bucket capacity K.
const DefaultMaxNodeCountPerBucket = 8

// Range is a closed [Lo, Hi] subrange of the keyspace.
type Range struct {
	Lo, Hi NodeID
}

// Contains reports whether id falls within the closed range.
func (r Range) Contains(id NodeID) bool {
	return !id.Less(r.Lo) && !r.Hi.Less(id)
}

// Bucket is a fixed-capacity, range-bound set of RemoteNodes (spec §3).
type Bucket struct {
	Range       Range
	MaxSize     int
	Nodes       []*RemoteNode
	LastChanged time.Time
}

// NewBucket creates an empty bucket spanning the given range.
func NewBucket(r Range, maxSize int) *Bucket {
	return &Bucket{Range: r, MaxSize: maxSize, LastChanged: time.Now()}
}

// IsFull reports whether the bucket holds MaxSize nodes.
func (b *Bucket) IsFull() bool {
	return len(b.Nodes) >= b.MaxSize
}

// Find returns the RemoteNode with the given id, or nil.
func (b *Bucket) Find(id NodeID) *RemoteNode {
	for _, n := range b.Nodes {
		if n.NodeID != nil && *n.NodeID == id {
			return n
		}
	}
	return nil
}

// Insert appends a new node to the bucket and marks it changed. The
// caller is responsible for capacity and range checks.
func (b *Bucket) Insert(n *RemoteNode) {
	b.Nodes = append(b.Nodes, n)
	b.LastChanged = time.Now()
}

// Remove deletes the node with the given id, if present, and marks the
// bucket changed.
func (b *Bucket) Remove(id NodeID) {
	for i, n := range b.Nodes {
		if n.NodeID != nil && *n.NodeID == id {
			b.Nodes = append(b.Nodes[:i], b.Nodes[i+1:]...)
			b.LastChanged = time.Now()
			return
		}
	}
}

// IsAllGood reports whether every node in the bucket currently classifies
// as Good.
func (b *Bucket) IsAllGood(now time.Time) bool {
	for _, n := range b.Nodes {
		if n.State(now) != Good {
			return false
		}
	}
	return true
}

// BadNodeIDs returns the ids of all nodes currently classified Bad.
func (b *Bucket) BadNodeIDs(now time.Time) []NodeID {
	var out []NodeID
	for _, n := range b.Nodes {
		if n.State(now) == Bad && n.NodeID != nil {
			out = append(out, *n.NodeID)
		}
	}
	return out
}

// LeastRecentlySeenQuestionable returns the bucket's Questionable nodes
// ordered by ascending LastInteraction (nodes with no interaction history
// sort first).
func (b *Bucket) LeastRecentlySeenQuestionable(now time.Time) []*RemoteNode {
	var out []*RemoteNode
	for _, n := range b.Nodes {
		if n.State(now) == Questionable {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastInteraction().Before(out[j].LastInteraction())
	})
	return out
}

// Prioritized returns the bucket's nodes with Good nodes first, then
// Questionable, excluding Bad nodes entirely.
func (b *Bucket) Prioritized(now time.Time) []*RemoteNode {
	var good, questionable []*RemoteNode
	for _, n := range b.Nodes {
		switch n.State(now) {
		case Good:
			good = append(good, n)
		case Questionable:
			questionable = append(questionable, n)
		}
	}
	return append(good, questionable...)
}

// RandomID returns a random id within the range, for use as a lookup
// target when refreshing a stale bucket (spec §4.5). Since every bucket
// range produced by Split is a power-of-two-aligned span, this preserves
// the shared prefix of Lo and Hi and randomizes only the free suffix.
func (r Range) RandomID() (NodeID, error) {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	for i := range id {
		if r.Lo[i] == r.Hi[i] {
			id[i] = r.Lo[i]
			continue
		}
		diff := r.Lo[i] ^ r.Hi[i]
		var highBit uint
		for b := 7; b >= 0; b-- {
			if diff&(1<<uint(b)) != 0 {
				highBit = uint(b)
				break
			}
		}
		fixedMask := ^byte(0) << (highBit + 1)
		id[i] = (r.Lo[i] & fixedMask) | (id[i] &^ fixedMask)
		break
	}
	return id, nil
}

// Split divides the bucket at Mid(Range.Lo, Range.Hi) into a lower half
// [Lo, mid-1] and an upper half [mid, Hi], redistributing nodes by range
// membership. Per spec §4.1/§4.4 this is only valid when Range spans more
// than one id.
func (b *Bucket) Split() (lower, upper *Bucket) {
	mid := Mid(b.Range.Lo, b.Range.Hi)
	lower = NewBucket(Range{Lo: b.Range.Lo, Hi: Prev(mid)}, b.MaxSize)
	upper = NewBucket(Range{Lo: mid, Hi: b.Range.Hi}, b.MaxSize)
	for _, n := range b.Nodes {
		if n.NodeID == nil {
			continue
		}
		if lower.Range.Contains(*n.NodeID) {
			lower.Nodes = append(lower.Nodes, n)
		} else {
			upper.Nodes = append(upper.Nodes, n)
		}
	}
	lower.LastChanged = time.Now()
	upper.LastChanged = time.Now()
	return lower, upper
}
