package dht

import (
	"sync"
	"time"
)

// RoutingTable is a Kademlia bucket tree around a pivot NodeID (spec §4.4).
// Bucket ranges form a partition of [Min,Max] kept in range order; exactly
// one bucket contains the pivot, and only that bucket may ever be split.
// The pivot bucket is located by range lookup: after a split it is the
// lower or upper half depending on the pivot, so it is not necessarily the
// last bucket.
//
// Spec §5 models routing-table access as happening from a single serial
// execution context; this implementation instead lets Node.admit launch a
// background replacement probe (probeReplacement) that rejoins the table
// later via Add. mu guards every field below against that goroutine racing
// the Node's own receive-path accesses.
type RoutingTable struct {
	mu      sync.Mutex
	Pivot   NodeID
	buckets []*Bucket
	maxSize int

	// Event hooks, invoked synchronously while mu is held. Any may be nil.
	OnNodeAdded   func(*RemoteNode)
	OnNodeRemoved func(NodeID)
	OnBucketSplit func(before *Bucket, lower, upper *Bucket)
}

// NewRoutingTable creates a routing table around pivot with a single
// bucket spanning the whole keyspace.
func NewRoutingTable(pivot NodeID, maxNodeCountPerBucket int) *RoutingTable {
	if maxNodeCountPerBucket <= 0 {
		maxNodeCountPerBucket = DefaultMaxNodeCountPerBucket
	}
	return &RoutingTable{
		Pivot:   pivot,
		maxSize: maxNodeCountPerBucket,
		buckets: []*Bucket{NewBucket(Range{Lo: MinID, Hi: MaxID}, maxNodeCountPerBucket)},
	}
}

// Buckets returns a snapshot of the routing table's buckets in partition
// order. A concurrent split replaces the table's bucket slice rather than
// mutating it in place, so the snapshot's *Bucket entries remain valid to
// read even after Buckets returns.
func (rt *RoutingTable) Buckets() []*Bucket {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]*Bucket(nil), rt.buckets...)
}

// StaleBuckets returns the buckets whose LastChanged precedes
// now.Add(-maxAge), for RefreshStaleBuckets.
func (rt *RoutingTable) StaleBuckets(maxAge time.Duration, now time.Time) []*Bucket {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []*Bucket
	for _, b := range rt.buckets {
		if now.Sub(b.LastChanged) >= maxAge {
			out = append(out, b)
		}
	}
	return out
}

// MaxNodeCountPerBucket returns the configured bucket capacity K.
func (rt *RoutingTable) MaxNodeCountPerBucket() int {
	return rt.maxSize
}

// bucketIndexLocked returns the index of the bucket whose range contains
// id. Caller holds rt.mu.
func (rt *RoutingTable) bucketIndexLocked(id NodeID) int {
	for i, b := range rt.buckets {
		if b.Range.Contains(id) {
			return i
		}
	}
	return -1
}

// bucketContainingPivotLocked returns the index of the bucket holding the
// pivot. Caller holds rt.mu.
func (rt *RoutingTable) bucketContainingPivotLocked() int {
	return rt.bucketIndexLocked(rt.Pivot)
}

// BucketFor returns the bucket whose range contains id, or nil.
func (rt *RoutingTable) BucketFor(id NodeID) *Bucket {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.bucketForLocked(id)
}

func (rt *RoutingTable) bucketForLocked(id NodeID) *Bucket {
	idx := rt.bucketIndexLocked(id)
	if idx < 0 {
		return nil
	}
	return rt.buckets[idx]
}

// IsPivotBucket reports whether the bucket containing id is the one
// holding the table's own pivot.
func (rt *RoutingTable) IsPivotBucket(id NodeID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.isPivotBucketLocked(id)
}

func (rt *RoutingTable) isPivotBucketLocked(id NodeID) bool {
	return rt.bucketIndexLocked(id) == rt.bucketContainingPivotLocked()
}

// Find looks up a node by id across all buckets.
func (rt *RoutingTable) Find(id NodeID) *RemoteNode {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.findLocked(id)
}

func (rt *RoutingTable) findLocked(id NodeID) *RemoteNode {
	idx := rt.bucketIndexLocked(id)
	if idx < 0 {
		return nil
	}
	return rt.buckets[idx].Find(id)
}

// Add attempts to admit remoteID into the routing table, per the §4.4
// admission primitive. If replacing is non-nil, that node is removed from
// the target bucket first, whether or not the bucket was full. Returns
// whether the node was admitted.
func (rt *RoutingTable) Add(remoteID Identifier, replacing *NodeID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.addLocked(remoteID, replacing)
}

func (rt *RoutingTable) addLocked(remoteID Identifier, replacing *NodeID) bool {
	if remoteID.NodeID == nil || *remoteID.NodeID == rt.Pivot {
		return false
	}
	id := *remoteID.NodeID

	idx := rt.bucketIndexLocked(id)
	if idx < 0 {
		return false
	}
	b := rt.buckets[idx]

	if b.Find(id) != nil {
		return false
	}

	if replacing != nil {
		b.Remove(*replacing)
		if rt.OnNodeRemoved != nil {
			rt.OnNodeRemoved(*replacing)
		}
	}

	if !b.IsFull() {
		n := NewRemoteNode(remoteID)
		b.Insert(n)
		if rt.OnNodeAdded != nil {
			rt.OnNodeAdded(n)
		}
		return true
	}

	if idx == rt.bucketContainingPivotLocked() {
		rt.splitLocked(idx)
		return rt.addLocked(remoteID, replacing)
	}

	return false
}

// splitLocked divides the bucket at idx (which must be the
// pivot-containing bucket) into two halves, preserving partition order.
// Caller holds rt.mu.
func (rt *RoutingTable) splitLocked(idx int) {
	before := rt.buckets[idx]
	lower, upper := before.Split()

	newBuckets := make([]*Bucket, 0, len(rt.buckets)+1)
	newBuckets = append(newBuckets, rt.buckets[:idx]...)
	newBuckets = append(newBuckets, lower, upper)
	newBuckets = append(newBuckets, rt.buckets[idx+1:]...)
	rt.buckets = newBuckets

	if rt.OnBucketSplit != nil {
		rt.OnBucketSplit(before, lower, upper)
	}
}

// FindNearestNeighbors returns up to want Identifiers nearest to target,
// drawn from the table's buckets walking backward from the bucket
// containing target toward index 0, then supplemented from bootstrap
// (spec §4.4).
func (rt *RoutingTable) FindNearestNeighbors(target NodeID, bootstrap []Identifier, includeAll bool, want int) []Identifier {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if want <= 0 {
		want = 8
	}
	start := rt.bucketIndexLocked(target)
	if start < 0 {
		start = len(rt.buckets) - 1
	}

	now := nowFunc()
	var out []Identifier
	for i := start; i >= 0 && len(out) < want; i-- {
		for _, n := range rt.buckets[i].Prioritized(now) {
			out = append(out, n.Identifier)
			if len(out) >= want {
				break
			}
		}
	}

	if includeAll {
		out = append(out, bootstrap...)
	} else {
		remaining := want - len(out)
		if remaining > 0 {
			if remaining > len(bootstrap) {
				remaining = len(bootstrap)
			}
			out = append(out, bootstrap[:remaining]...)
		}
	}
	return out
}

// AllNodes returns every RemoteNode currently held across all buckets.
func (rt *RoutingTable) AllNodes() []*RemoteNode {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []*RemoteNode
	for _, b := range rt.buckets {
		out = append(out, b.Nodes...)
	}
	return out
}

// Size returns the total number of nodes held across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := 0
	for _, b := range rt.buckets {
		n += len(b.Nodes)
	}
	return n
}
