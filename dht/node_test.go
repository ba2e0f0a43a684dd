package dht

import (
	"testing"
	"time"
)

// relayChannel wires one Node's outgoing sends directly into a peer Node's
// Receive, skipping any wire encoding, so two in-process Nodes can be made
// to exchange real KRPC traffic synchronously.
type relayChannel struct {
	peer     *Node
	peerAddr NetworkAddress
}

func (c relayChannel) Send(msg *Message, addr NetworkAddress) error {
	c.peer.Receive(msg, c.peerAddr)
	return nil
}

// recordingChannel captures every message handed to it without delivering
// it anywhere, for tests that only care what a Node tried to send.
type recordingChannel struct {
	sent []*Message
}

func (c *recordingChannel) Send(msg *Message, addr NetworkAddress) error {
	c.sent = append(c.sent, msg)
	return nil
}

func newTestNode(t *testing.T, id NodeID) *Node {
	t.Helper()
	n, err := NewNode(NodeConfig{IPv4NodeID: &id, MaxNodeCountPerBucket: 8}, WithScheduler(&fakeScheduler{}))
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	return n
}

func TestNodePingRoundTripAdmitsResponder(t *testing.T) {
	aID, bID := idFor(1), idFor(2)
	a := newTestNode(t, aID)
	b := newTestNode(t, bID)

	aAddr := NewIPv4Address(nil, 1)
	bAddr := NewIPv4Address(nil, 2)
	a.SetChannel(relayChannel{peer: b, peerAddr: aAddr})
	b.SetChannel(relayChannel{peer: a, peerAddr: bAddr})

	done := make(chan Outcome, 1)
	a.Ping(Identifier{Addr: bAddr, NodeID: &bID}, func(o Outcome) { done <- o })

	outcome := <-done
	resp, ok := outcome.(Responded)
	if !ok {
		t.Fatalf("outcome = %#v, want Responded", outcome)
	}
	if !resp.Msg.R.HasID || resp.Msg.R.ID != bID {
		t.Fatalf("response id = %v, want %v", resp.Msg.R.ID, bID)
	}
	if a.IPv4Table().Find(bID) == nil {
		t.Fatal("responder was not admitted into the querying node's routing table")
	}
}

func TestNodeReceivedQueryAdmitsQuerier(t *testing.T) {
	aID, bID := idFor(1), idFor(2)
	a := newTestNode(t, aID)
	b := newTestNode(t, bID)

	aAddr := NewIPv4Address(nil, 1)
	bAddr := NewIPv4Address(nil, 2)
	a.SetChannel(relayChannel{peer: b, peerAddr: aAddr})
	b.SetChannel(relayChannel{peer: a, peerAddr: bAddr})

	done := make(chan Outcome, 1)
	a.Ping(Identifier{Addr: bAddr, NodeID: &bID}, func(o Outcome) { done <- o })
	<-done

	if b.IPv4Table().Find(aID) == nil {
		t.Fatal("querier was not admitted into the replying node's routing table")
	}
}

func TestNodeReceivedResponseMissingIDGetsProtocolError(t *testing.T) {
	aID := idFor(1)
	a := newTestNode(t, aID)
	ch := &recordingChannel{}
	a.SetChannel(ch)

	remoteAddr := NewIPv4Address(nil, 2)
	done := make(chan Outcome, 1)
	a.Ping(Identifier{Addr: remoteAddr}, func(o Outcome) { done <- o })

	// The query itself is the only thing sent so far.
	if len(ch.sent) != 1 {
		t.Fatalf("expected 1 sent message (the query), got %d", len(ch.sent))
	}
	tid := ch.sent[0].T

	a.Receive(&Message{T: tid, Y: KindResponse, R: &ReturnValues{}}, remoteAddr)

	if len(ch.sent) != 2 {
		t.Fatalf("expected a protocol-error reply to be sent, got %d messages", len(ch.sent))
	}
	reply := ch.sent[1]
	if reply.Y != KindError || reply.E.Code != ErrCodeProtocol {
		t.Fatalf("reply = %#v, want a code %d error", reply, ErrCodeProtocol)
	}

	// The pending transaction is still open; the malformed reply does not
	// complete it.
	select {
	case o := <-done:
		t.Fatalf("transaction completed unexpectedly with %#v", o)
	default:
	}
}

func TestNodeReceivedResponseWrongNodeIDGetsProtocolError(t *testing.T) {
	aID := idFor(1)
	expected := idFor(2)
	wrong := idFor(3)
	a := newTestNode(t, aID)
	ch := &recordingChannel{}
	a.SetChannel(ch)

	remoteAddr := NewIPv4Address(nil, 2)
	a.Ping(Identifier{Addr: remoteAddr, NodeID: &expected}, func(Outcome) {})
	tid := ch.sent[0].T

	a.Receive(&Message{T: tid, Y: KindResponse, R: &ReturnValues{ID: wrong, HasID: true}}, remoteAddr)

	if len(ch.sent) != 2 || ch.sent[1].Y != KindError || ch.sent[1].E.Code != ErrCodeProtocol {
		t.Fatalf("expected a protocol-error reply, got %#v", ch.sent)
	}
}

func TestNodeReceivedResponseFromUnknownAddressIsIgnored(t *testing.T) {
	aID := idFor(1)
	a := newTestNode(t, aID)
	ch := &recordingChannel{}
	a.SetChannel(ch)

	remoteAddr := NewIPv4Address(nil, 2)
	spoofed := NewIPv4Address(nil, 99)
	a.Ping(Identifier{Addr: remoteAddr}, func(Outcome) {})
	tid := ch.sent[0].T

	responderID := idFor(4)
	a.Receive(&Message{T: tid, Y: KindResponse, R: &ReturnValues{ID: responderID, HasID: true}}, spoofed)

	if len(ch.sent) != 1 {
		t.Fatalf("expected no reply to a response from an unexpected address, got %d sent", len(ch.sent))
	}
}

func TestNodeReadOnlyNeverReplies(t *testing.T) {
	aID, bID := idFor(1), idFor(2)
	a := newTestNode(t, aID)
	a.config.IsReadOnlyNode = true
	b := newTestNode(t, bID)

	aAddr := NewIPv4Address(nil, 1)
	bAddr := NewIPv4Address(nil, 2)
	b.SetChannel(relayChannel{peer: a, peerAddr: bAddr})

	rec := &recordingChannel{}
	a.SetChannel(rec)

	b.Ping(Identifier{Addr: aAddr, NodeID: &aID}, func(Outcome) {})

	if len(rec.sent) != 0 {
		t.Fatalf("read-only node replied to a query: %#v", rec.sent)
	}
}

// splitTableForTest rebuilds table's bucket list as two halves around mid,
// so a node in the upper half lives in a bucket distinct from (and not
// containing) the table's own pivot, which stays in the lower half. Only
// a non-pivot bucket ever rejects admission outright instead of splitting,
// so bad/questionable-node eviction tests need this shape.
func splitTableForTest(table *RoutingTable, maxSize int) (lower, upper *Bucket) {
	mid := Mid(MinID, MaxID)
	lower = NewBucket(Range{Lo: MinID, Hi: Prev(mid)}, maxSize)
	upper = NewBucket(Range{Lo: mid, Hi: MaxID}, maxSize)
	table.buckets = []*Bucket{lower, upper}
	return lower, upper
}

func TestNodeAdmitEvictsBadNode(t *testing.T) {
	aID := idFor(0) // zero id: lives in the lower (pivot) half after the split
	a := newTestNode(t, aID)
	table := a.IPv4Table()
	_, upper := splitTableForTest(table, 1)

	badID := idFor(0xFF)
	upper.Insert(NewRemoteNode(Identifier{Addr: NewIPv4Address(nil, 1), NodeID: &badID}))
	bad := upper.Find(badID)
	bad.ExpectedResponseTimedOut()
	bad.ExpectedResponseTimedOut()
	bad.ExpectedResponseTimedOut()

	candidateID := idFor(0xFE)
	if !a.admit(table, Identifier{Addr: NewIPv4Address(nil, 3), NodeID: &candidateID}) {
		t.Fatal("admit did not evict the bad node for a fresh candidate")
	}
	if table.Find(badID) != nil {
		t.Fatal("bad node is still present after eviction")
	}
	if table.Find(candidateID) == nil {
		t.Fatal("candidate was not admitted after evicting the bad node")
	}
}

// timeoutOnSendChannel fires every currently-scheduled timer synchronously
// as part of delivering a message, so a test can drive a query straight to
// TimedOut without any real waiting or background goroutines.
type timeoutOnSendChannel struct{ fs *fakeScheduler }

func (c timeoutOnSendChannel) Send(msg *Message, addr NetworkAddress) error {
	c.fs.fireAll()
	return nil
}

func TestNodeAdmitDefersToProbeWhenBucketHasOnlyQuestionableNodes(t *testing.T) {
	aID := idFor(0)
	a := newTestNode(t, aID)
	table := a.IPv4Table()
	_, upper := splitTableForTest(table, 1)

	staleID := idFor(0xFF)
	upper.Insert(NewRemoteNode(Identifier{Addr: NewIPv4Address(nil, 1), NodeID: &staleID}))

	candidateID := idFor(0xFE)
	if a.admit(table, Identifier{Addr: NewIPv4Address(nil, 3), NodeID: &candidateID}) {
		t.Fatal("admit should not admit synchronously while a liveness probe is pending")
	}
}

func TestNodeProbeReplacementAdmitsCandidateOnTimeout(t *testing.T) {
	aID := idFor(0)
	a := newTestNode(t, aID)
	fs := a.scheduler.(*fakeScheduler)
	table := a.IPv4Table()

	staleID := idFor(1)
	table.Add(Identifier{Addr: NewIPv4Address(nil, 1), NodeID: &staleID}, nil)
	stale := table.Find(staleID)

	a.SetChannel(timeoutOnSendChannel{fs: fs})

	candidateID := idFor(2)
	candidate := Identifier{Addr: NewIPv4Address(nil, 3), NodeID: &candidateID}
	a.probeReplacement(table, []*RemoteNode{stale}, candidate)

	if table.Find(staleID) != nil {
		t.Fatal("stale questionable node should have been evicted after both its probes timed out")
	}
	if table.Find(candidateID) == nil {
		t.Fatal("candidate should have been admitted once both probes timed out")
	}
}

func TestNodeProbeReplacementKeepsStaleNodeOnResponse(t *testing.T) {
	aID, staleID := idFor(0), idFor(1)
	a := newTestNode(t, aID)
	table := a.IPv4Table()

	aAddr := NewIPv4Address(nil, 1)
	staleAddr := NewIPv4Address(nil, 2)
	table.Add(Identifier{Addr: staleAddr, NodeID: &staleID}, nil)
	stale := table.Find(staleID)

	// The "stale" node is itself a live Node whose own pivot is staleID, so
	// its ping response carries the id the probe expects.
	staleNode := newTestNode(t, staleID)
	a.SetChannel(relayChannel{peer: staleNode, peerAddr: aAddr})
	staleNode.SetChannel(relayChannel{peer: a, peerAddr: staleAddr})

	candidateID := idFor(2)
	candidate := Identifier{Addr: NewIPv4Address(nil, 3), NodeID: &candidateID}
	a.probeReplacement(table, []*RemoteNode{stale}, candidate)

	if table.Find(staleID) == nil {
		t.Fatal("stale node that answered its probe should remain")
	}
	if table.Find(candidateID) != nil {
		t.Fatal("candidate should not be admitted when the stale node answers")
	}
}

func TestNodeProbeReplacementReplacesFirstNodeThatFailsTwoPings(t *testing.T) {
	aID := idFor(0)
	a := newTestNode(t, aID)
	fs := a.scheduler.(*fakeScheduler)
	table := a.IPv4Table()

	firstID, secondID := idFor(1), idFor(2)
	table.Add(Identifier{Addr: NewIPv4Address(nil, 1), NodeID: &firstID}, nil)
	table.Add(Identifier{Addr: NewIPv4Address(nil, 2), NodeID: &secondID}, nil)
	first := table.Find(firstID)
	second := table.Find(secondID)

	a.SetChannel(timeoutOnSendChannel{fs: fs})

	candidateID := idFor(3)
	candidate := Identifier{Addr: NewIPv4Address(nil, 4), NodeID: &candidateID}
	// first is listed before second; since neither ever answers, the walk
	// should stop on first rather than skipping ahead to second.
	a.probeReplacement(table, []*RemoteNode{first, second}, candidate)

	if table.Find(firstID) != nil {
		t.Fatal("the first questionable node in the walk should be the one replaced after two failed pings")
	}
	if table.Find(secondID) == nil {
		t.Fatal("the second node in the walk should not have been touched once the first was replaced")
	}
	if table.Find(candidateID) == nil {
		t.Fatal("candidate should have been admitted in place of the first exhausted node")
	}
}

func TestNodeRotateSecretTokensAndCancel(t *testing.T) {
	aID := idFor(0)
	a := newTestNode(t, aID)
	if err := a.RotateSecretTokens(); err != nil {
		t.Fatalf("RotateSecretTokens: %v", err)
	}

	ch := &recordingChannel{}
	a.SetChannel(ch)
	done := make(chan Outcome, 1)
	a.Ping(Identifier{Addr: NewIPv4Address(nil, 2)}, func(o Outcome) { done <- o })

	a.Cancel()
	if _, ok := (<-done).(OpCancelled); !ok {
		t.Fatal("Cancel did not complete the outstanding transaction with OpCancelled")
	}
}

func TestNodeRefreshStaleBucketsCompletesEveryBucket(t *testing.T) {
	aID := idFor(0)
	a := newTestNode(t, aID)

	completions := make(chan Outcome, 8)
	a.RefreshStaleBuckets(-time.Hour, func(o Outcome) { completions <- o })

	seen := 0
	deadline := time.Now().Add(time.Second)
	for seen < 2 && time.Now().Before(deadline) {
		select {
		case <-completions:
			seen++
		case <-time.After(10 * time.Millisecond):
		}
	}
	if seen != 2 {
		t.Fatalf("expected RefreshStaleBuckets to complete 2 buckets (ipv4+ipv6), got %d", seen)
	}
}
