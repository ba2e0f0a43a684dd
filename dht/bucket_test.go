package dht

import (
	"testing"
	"time"
)

func idWithByte(b byte) NodeID {
	var id NodeID
	id[0] = b
	return id
}

func identifierFor(id NodeID) Identifier {
	return Identifier{Addr: NewIPv4Address(nil, 1), NodeID: &id}
}

func TestBucketInsertFindRemove(t *testing.T) {
	b := NewBucket(Range{Lo: MinID, Hi: MaxID}, 8)
	id := idWithByte(5)
	b.Insert(NewRemoteNode(identifierFor(id)))

	if b.Find(id) == nil {
		t.Fatal("Find did not locate inserted node")
	}
	b.Remove(id)
	if b.Find(id) != nil {
		t.Fatal("Find located a removed node")
	}
}

func TestBucketIsFull(t *testing.T) {
	b := NewBucket(Range{Lo: MinID, Hi: MaxID}, 2)
	b.Insert(NewRemoteNode(identifierFor(idWithByte(1))))
	if b.IsFull() {
		t.Fatal("bucket with 1/2 nodes reports full")
	}
	b.Insert(NewRemoteNode(identifierFor(idWithByte(2))))
	if !b.IsFull() {
		t.Fatal("bucket with 2/2 nodes does not report full")
	}
}

func TestBucketStateClassification(t *testing.T) {
	now := time.Now()
	b := NewBucket(Range{Lo: MinID, Hi: MaxID}, 8)

	good := NewRemoteNode(identifierFor(idWithByte(1)))
	good.ReceivedResponse(now)

	questionable := NewRemoteNode(identifierFor(idWithByte(2)))

	bad := NewRemoteNode(identifierFor(idWithByte(3)))
	bad.ExpectedResponseTimedOut()
	bad.ExpectedResponseTimedOut()
	bad.ExpectedResponseTimedOut()

	b.Insert(good)
	b.Insert(questionable)
	b.Insert(bad)

	if b.IsAllGood(now) {
		t.Fatal("IsAllGood true with questionable/bad nodes present")
	}
	badIDs := b.BadNodeIDs(now)
	if len(badIDs) != 1 || badIDs[0] != *bad.NodeID {
		t.Fatalf("BadNodeIDs = %v, want [%v]", badIDs, *bad.NodeID)
	}

	prioritized := b.Prioritized(now)
	if len(prioritized) != 2 || prioritized[0] != good || prioritized[1] != questionable {
		t.Fatalf("Prioritized ordering wrong: %v", prioritized)
	}
}

func TestBucketSplitRedistributesByRange(t *testing.T) {
	b := NewBucket(Range{Lo: MinID, Hi: MaxID}, 8)
	low := idWithByte(0x10)
	high := idWithByte(0xF0)
	b.Insert(NewRemoteNode(identifierFor(low)))
	b.Insert(NewRemoteNode(identifierFor(high)))

	lower, upper := b.Split()

	if lower.Find(low) == nil {
		t.Fatal("low-valued node not in lower half")
	}
	if upper.Find(high) == nil {
		t.Fatal("high-valued node not in upper half")
	}
	if lower.Range.Hi.Less(lower.Range.Lo) {
		t.Fatal("lower half has inverted range")
	}
	if !lower.Range.Hi.Less(upper.Range.Lo) && lower.Range.Hi != Prev(upper.Range.Lo) {
		t.Fatalf("halves are not contiguous: lower.Hi=%v upper.Lo=%v", lower.Range.Hi, upper.Range.Lo)
	}
}

func TestRangeRandomIDWithinBounds(t *testing.T) {
	r := Range{Lo: idWithByte(0x10), Hi: idWithByte(0x1F)}
	for i := 0; i < 20; i++ {
		id, err := r.RandomID()
		if err != nil {
			t.Fatalf("RandomID: %v", err)
		}
		if !r.Contains(id) {
			t.Fatalf("RandomID() = %v, outside range %v", id, r)
		}
	}
}
