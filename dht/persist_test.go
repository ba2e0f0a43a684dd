package dht

import (
	"net"
	"testing"
)

func TestSaveStateThenLoadStateRoundTripsRoutingTablesAndPeers(t *testing.T) {
	srcID := idFor(0x10)
	src := newTestNode(t, srcID)

	peerID := idFor(0x20)
	src.IPv4Table().Add(Identifier{Addr: NewIPv4Address(net.ParseIP("10.0.0.1"), 6881), NodeID: &peerID}, nil)

	var hash InfoHash
	hash[0] = 0x99
	src.PeerStore().Add(hash, NewIPv4Address(net.ParseIP("10.0.0.2"), 6882))

	data, err := src.SaveState()
	if err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	dstID := idFor(0x10)
	dst := newTestNode(t, dstID)
	if err := dst.LoadState(data); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	if dst.IPv4Table().Find(peerID) == nil {
		t.Fatal("LoadState did not restore the persisted routing-table node")
	}
	if dst.IPv4Table().Pivot != src.IPv4Table().Pivot {
		t.Fatalf("pivot mismatch: got %v, want %v", dst.IPv4Table().Pivot, src.IPv4Table().Pivot)
	}

	peers := dst.PeerStore().Get(hash)
	if len(peers) != 1 || peers[0].Port != 6882 {
		t.Fatalf("LoadState did not restore the persisted peer store: %#v", peers)
	}
}

func TestLoadStateRejectsInvalidPivot(t *testing.T) {
	n := newTestNode(t, idFor(0x10))
	data := []byte(`{
		"version": 1,
		"ipv4": {"version": 1, "pivot": "not-valid-hex", "maxNodeCountPerBucket": 8, "buckets": []},
		"ipv6": {"version": 1, "pivot": "` + n.IPv6Table().Pivot.String() + `", "maxNodeCountPerBucket": 8, "buckets": []}
	}`)
	if err := n.LoadState(data); err == nil {
		t.Fatal("LoadState should reject an invalid persisted ipv4 pivot")
	}
}

func TestLoadRoutingTableFileDropsUnparsableNodes(t *testing.T) {
	pivot := idFor(0)
	f := routingTableFile{
		Version:               persistVersion,
		Pivot:                 pivot.String(),
		MaxNodeCountPerBucket: 8,
		Buckets: []nodeJSON{
			{ID: "not-hex", Host: "10.0.0.1", Port: 1},
			{ID: idFor(1).String(), Host: "not-an-ip", Port: 1},
		},
	}
	rt, err := loadRoutingTableFile(f, 8)
	if err != nil {
		t.Fatalf("loadRoutingTableFile: %v", err)
	}
	if rt.Size() != 0 {
		t.Fatalf("expected both malformed entries to be dropped, got size %d", rt.Size())
	}
}
