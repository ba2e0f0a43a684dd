package dht

import "testing"

func idFor(b byte) NodeID {
	var id NodeID
	id[0] = b
	return id
}

func TestRoutingTableAddAndFind(t *testing.T) {
	pivot := idFor(0)
	rt := NewRoutingTable(pivot, 8)

	id := idFor(1)
	ok := rt.Add(Identifier{Addr: NewIPv4Address(nil, 1), NodeID: &id}, nil)
	if !ok {
		t.Fatal("Add returned false for a fresh candidate")
	}
	if rt.Find(id) == nil {
		t.Fatal("Find did not locate the added node")
	}
	if rt.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", rt.Size())
	}
}

func TestRoutingTableRejectsPivot(t *testing.T) {
	pivot := idFor(0)
	rt := NewRoutingTable(pivot, 8)
	if rt.Add(Identifier{Addr: NewIPv4Address(nil, 1), NodeID: &pivot}, nil) {
		t.Fatal("Add admitted the table's own pivot")
	}
}

func TestRoutingTableRejectsDuplicate(t *testing.T) {
	pivot := idFor(0)
	rt := NewRoutingTable(pivot, 8)
	id := idFor(1)
	rt.Add(Identifier{Addr: NewIPv4Address(nil, 1), NodeID: &id}, nil)
	if rt.Add(Identifier{Addr: NewIPv4Address(nil, 2), NodeID: &id}, nil) {
		t.Fatal("Add admitted a node id already present")
	}
}

func TestRoutingTableSplitsOnlyThePivotBucket(t *testing.T) {
	pivot := idFor(0)
	rt := NewRoutingTable(pivot, 2)

	splitCount := 0
	rt.OnBucketSplit = func(before, lower, upper *Bucket) { splitCount++ }

	// Fill past capacity with ids spread across the keyspace so most end
	// up outside the bucket holding the pivot.
	for i := 1; i <= 10; i++ {
		id := idFor(byte(i * 20))
		rt.Add(Identifier{Addr: NewIPv4Address(nil, 1), NodeID: &id}, nil)
	}

	if len(rt.Buckets()) < 2 {
		t.Fatalf("expected at least one split, got %d buckets", len(rt.Buckets()))
	}
	if splitCount == 0 {
		t.Fatal("OnBucketSplit was never invoked")
	}
}

func TestRoutingTableFindNearestNeighborsOrdersByDistance(t *testing.T) {
	pivot := idFor(0)
	rt := NewRoutingTable(pivot, 8)

	near := idFor(1)
	far := idFor(0xF0)
	rt.Add(Identifier{Addr: NewIPv4Address(nil, 1), NodeID: &near}, nil)
	rt.Add(Identifier{Addr: NewIPv4Address(nil, 2), NodeID: &far}, nil)

	target := idFor(2)
	neighbors := rt.FindNearestNeighbors(target, nil, false, 8)
	if len(neighbors) != 2 {
		t.Fatalf("got %d neighbors, want 2", len(neighbors))
	}
	if *neighbors[0].NodeID != near {
		t.Fatalf("closest neighbor = %v, want %v", *neighbors[0].NodeID, near)
	}
}

func TestRoutingTableFindNearestNeighborsSupplementsBootstrap(t *testing.T) {
	pivot := idFor(0)
	rt := NewRoutingTable(pivot, 8)

	bootstrapID := idFor(9)
	bootstrap := []Identifier{{Addr: NewIPv4Address(nil, 3), NodeID: &bootstrapID}}

	neighbors := rt.FindNearestNeighbors(idFor(1), bootstrap, false, 8)
	if len(neighbors) != 1 {
		t.Fatalf("got %d neighbors from an empty table, want 1 bootstrap entry", len(neighbors))
	}
}
