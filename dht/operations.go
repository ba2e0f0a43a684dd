package dht

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultLookupConcurrency (alpha) bounds how many nodes a Lookup queries
// per round.
const DefaultLookupConcurrency = 3

// DefaultLookupWidth (k) is the number of closest nodes a Lookup converges
// on, matching the default bucket capacity.
const DefaultLookupWidth = 8

// DefaultMaxNodesToGetPeersFrom is GetPeers' spec §4.9 default stop
// threshold: the lookup converges once this many distinct nodes have
// yielded peers, even if the frontier still holds unqueried candidates.
const DefaultMaxNodesToGetPeersFrom = 8

// LookupOutcome is the terminal result of a FindNode or GetPeers operation
// (spec §4.9). Peers is populated only for GetPeers.
type LookupOutcome struct {
	Closest []Identifier
	Peers   []NetworkAddress
	Err     error
}

// GetPeersOptions configures a GetPeers (and, by extension, AnnouncePeer)
// lookup per spec §4.9. Use DefaultGetPeersOptions to start from the
// spec's documented defaults; ShouldAnnounce has no default and must be
// set explicitly.
type GetPeersOptions struct {
	// ShouldAnnounce, when set, sends announce_peer to every node whose
	// get_peers response carries both peer values and a token, as soon as
	// that response arrives. A token-bearing response without values gets
	// no announce.
	ShouldAnnounce bool
	// TorrentPort and HasTorrentPort select the announce_peer arguments:
	// HasTorrentPort set means carry Port; unset means implied_port=1.
	TorrentPort    int
	HasTorrentPort bool
	// MaxNodesToGetPeersFrom is the stop threshold on nodesReceivedPeersFrom.
	// Zero means DefaultMaxNodesToGetPeersFrom.
	MaxNodesToGetPeersFrom int
	// ShouldVerifyNodeIDs gates nodesReceivedPeersFrom on BEP 42 validation
	// of the responder's address/NodeID pair.
	ShouldVerifyNodeIDs bool
}

// DefaultGetPeersOptions returns the spec §4.9 defaults:
// maxNodesToGetPeersFrom=8, shouldVerifyNodeIDs=true, no announce.
func DefaultGetPeersOptions() GetPeersOptions {
	return GetPeersOptions{
		MaxNodesToGetPeersFrom: DefaultMaxNodesToGetPeersFrom,
		ShouldVerifyNodeIDs:    true,
	}
}

func (o GetPeersOptions) maxNodesToGetPeersFrom() int {
	if o.MaxNodesToGetPeersFrom <= 0 {
		return DefaultMaxNodesToGetPeersFrom
	}
	return o.MaxNodesToGetPeersFrom
}

// lookupAddrKey is the dedup/queried key for a candidate that has not yet
// revealed a NodeID (a bootstrap contact known only by address).
func lookupAddrKey(a NetworkAddress) string {
	if a.Kind == HostName {
		return fmt.Sprintf("name:%s:%d", a.Name, a.Port)
	}
	return fmt.Sprintf("%d:%s:%d", a.Kind, a.IP.String(), a.Port)
}

// Lookup drives the iterative closest-node search shared by FindNode and
// GetPeers: each round queries the alpha nearest not-yet-queried
// candidates and folds newly discovered nodes (and, for GetPeers, peers
// and tokens) into the running frontier. It is the cancellable state
// machine named in spec §1's redesign notes, in place of the original's
// nested per-query closures.
//
// Unlike the source's sequential pop-from-the-bootstrap-tail walk, rounds
// here query up to alpha candidates concurrently; this preserves the
// spec's convergence and ordering guarantees while bounding per-round
// latency to the slowest of alpha outstanding queries rather than their
// sum.
type Lookup struct {
	node     *Node
	table    *RoutingTable
	target   NodeID
	infoHash *InfoHash // non-nil selects get_peers over find_node
	alpha    int
	width    int
	getPeers GetPeersOptions

	mu   sync.Mutex
	seen map[NodeID]struct{}
	// seenAddrs dedupes candidates that have never carried a NodeID
	// (unresolved bootstrap contacts), which l.seen cannot key on.
	seenAddrs map[string]struct{}
	// frontier holds every discovered candidate: a prefix sorted ascending
	// by distance to target, followed by any NodeID-less entries in
	// discovery order (spec §4.9: "entries without NodeID sort last").
	frontier     []Identifier
	queried      map[NodeID]struct{}
	queriedAddrs map[string]struct{}

	peers    []NetworkAddress
	peerSeen map[string]struct{}

	responded     []Identifier
	respondedSeen map[NodeID]struct{}

	nodesReceivedPeersFrom int
	cancelled              bool

	completion func(LookupOutcome)
}

func newLookup(n *Node, table *RoutingTable, target NodeID, infoHash *InfoHash, bootstrap []Identifier, opts GetPeersOptions, completion func(LookupOutcome)) *Lookup {
	l := &Lookup{
		node:          n,
		table:         table,
		target:        target,
		infoHash:      infoHash,
		alpha:         DefaultLookupConcurrency,
		width:         DefaultLookupWidth,
		getPeers:      opts,
		seen:          map[NodeID]struct{}{},
		seenAddrs:     map[string]struct{}{},
		queried:       map[NodeID]struct{}{},
		queriedAddrs:  map[string]struct{}{},
		peerSeen:      map[string]struct{}{},
		respondedSeen: map[NodeID]struct{}{},
		completion:    completion,
	}
	for _, id := range table.FindNearestNeighbors(target, bootstrap, true, l.width*4) {
		l.insertCandidateLocked(id)
	}
	return l
}

// run starts the round loop in the background. The caller observes
// progress only through the completion callback; Cancel stops the loop
// before its next round.
func (l *Lookup) run() {
	go l.roundLoop()
}

// Cancel stops the lookup before its next round boundary and completes it
// with ErrCancelled.
func (l *Lookup) Cancel() {
	l.mu.Lock()
	l.cancelled = true
	l.mu.Unlock()
}

func (l *Lookup) roundLoop() {
	for {
		l.mu.Lock()
		cancelled := l.cancelled
		stop := !cancelled && l.stoppedLocked()
		var batch []Identifier
		if !cancelled && !stop {
			batch = l.nextBatchLocked()
			stop = len(batch) == 0
		}
		l.mu.Unlock()

		if cancelled {
			l.finish(LookupOutcome{Err: ErrCancelled})
			return
		}
		if stop {
			l.finish(l.result(nil))
			return
		}
		l.queryBatch(batch)
	}
}

// stoppedLocked reports whether the lookup has met its spec §4.9 stop
// condition beyond frontier exhaustion. Caller holds l.mu.
func (l *Lookup) stoppedLocked() bool {
	if l.infoHash == nil {
		return false
	}
	return l.nodesReceivedPeersFrom >= l.getPeers.maxNodesToGetPeersFrom()
}

// nextBatchLocked selects up to alpha unqueried candidates from the
// frontier, nearest-first, and marks them queried. Caller holds l.mu.
func (l *Lookup) nextBatchLocked() []Identifier {
	var batch []Identifier
	for _, c := range l.frontier {
		if len(batch) >= l.alpha {
			break
		}
		if c.NodeID != nil {
			if _, done := l.queried[*c.NodeID]; done {
				continue
			}
		} else {
			if _, done := l.queriedAddrs[lookupAddrKey(c.Addr)]; done {
				continue
			}
		}
		batch = append(batch, c)
	}
	for _, c := range batch {
		if c.NodeID != nil {
			l.queried[*c.NodeID] = struct{}{}
		} else {
			l.queriedAddrs[lookupAddrKey(c.Addr)] = struct{}{}
		}
	}
	return batch
}

// queryBatch dispatches one query per candidate concurrently (bounded by
// len(batch) <= alpha) and waits for all of them to settle.
func (l *Lookup) queryBatch(batch []Identifier) {
	var g errgroup.Group
	for _, c := range batch {
		c := c
		g.Go(func() error {
			l.queryOne(c)
			return nil
		})
	}
	g.Wait()
}

// queryOne sends a single find_node or get_peers query to c and folds its
// response into the lookup's state, per spec §4.9.
func (l *Lookup) queryOne(c Identifier) {
	args := &QueryArgs{ID: l.node.pivotFor(c.Addr.Kind), HasID: true}
	var method string
	if l.infoHash != nil {
		method = MethodGetPeers
		args.InfoHash = l.infoHash
	} else {
		method = MethodFindNode
		target := l.target
		args.Target = &target
	}

	done := make(chan Outcome, 1)
	l.node.Send(&Message{Y: KindQuery, Q: method, A: args}, c, func(o Outcome) { done <- o })
	resp, ok := (<-done).(Responded)
	if !ok || resp.Msg == nil || resp.Msg.R == nil || !resp.Msg.R.HasID {
		return
	}
	r := resp.Msg.R
	responderID := r.ID
	responder := Identifier{Addr: c.Addr, NodeID: &responderID}
	l.recordRespondedLocked(responder)

	if nodes, err := ParseCompactNodes(r.Nodes, false); err == nil {
		for _, cn := range nodes {
			id := cn.ID
			l.insertCandidateLocked(Identifier{Addr: cn.Addr, NodeID: &id})
		}
	}
	if nodes6, err := ParseCompactNodes(r.Nodes6, true); err == nil {
		for _, cn := range nodes6 {
			id := cn.ID
			l.insertCandidateLocked(Identifier{Addr: cn.Addr, NodeID: &id})
		}
	}

	if l.infoHash == nil || len(r.Values) == 0 {
		return
	}

	l.mu.Lock()
	for _, addr := range ParseCompactPeers(r.Values) {
		l.appendPeerLocked(addr)
	}
	verified := !l.getPeers.ShouldVerifyNodeIDs || l.node.validator.Valid(c.Addr, responderID)
	if verified {
		l.nodesReceivedPeersFrom++
	}
	l.mu.Unlock()

	if l.getPeers.ShouldAnnounce && r.Token != "" {
		l.sendAnnounce(responder, r.Token)
	}
}

// sendAnnounce emits an announce_peer query to responder carrying token.
// It fires as soon as a peer-yielding get_peers response supplies one
// (spec §4.9), rather than batched after the lookup converges.
func (l *Lookup) sendAnnounce(responder Identifier, token string) {
	args := &QueryArgs{ID: l.node.pivotFor(responder.Addr.Kind), HasID: true, InfoHash: l.infoHash, Token: token}
	if l.getPeers.HasTorrentPort {
		p := l.getPeers.TorrentPort
		args.Port = &p
	} else {
		args.ImpliedPort = true
	}
	done := make(chan Outcome, 1)
	l.node.Send(&Message{Y: KindQuery, Q: MethodAnnouncePeer, A: args}, responder, func(o Outcome) { done <- o })
	<-done
}

// insertCandidateLocked inserts id into the frontier, keeping the
// NodeID-bearing prefix sorted by ascending distance to target and
// appending NodeID-less entries after it, and reports whether it was new.
// It acquires l.mu itself.
func (l *Lookup) insertCandidateLocked(id Identifier) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id.NodeID != nil {
		if *id.NodeID == l.node.pivotFor(id.Addr.Kind) {
			return false
		}
		if _, ok := l.seen[*id.NodeID]; ok {
			return false
		}
		l.seen[*id.NodeID] = struct{}{}

		dist := Distance(*id.NodeID, l.target)
		prefix := l.prefixLen()
		i := sort.Search(prefix, func(i int) bool {
			return !Distance(*l.frontier[i].NodeID, l.target).Less(dist)
		})
		l.frontier = append(l.frontier, Identifier{})
		copy(l.frontier[i+1:], l.frontier[i:])
		l.frontier[i] = id
		return true
	}

	key := lookupAddrKey(id.Addr)
	if _, ok := l.seenAddrs[key]; ok {
		return false
	}
	l.seenAddrs[key] = struct{}{}
	l.frontier = append(l.frontier, id)
	return true
}

// prefixLen returns the length of the frontier's sorted, NodeID-bearing
// prefix; entries without a NodeID follow it, unordered. Caller holds l.mu.
func (l *Lookup) prefixLen() int {
	for i, c := range l.frontier {
		if c.NodeID == nil {
			return i
		}
	}
	return len(l.frontier)
}

func (l *Lookup) appendPeerLocked(addr NetworkAddress) {
	key := lookupAddrKey(addr)
	if _, ok := l.peerSeen[key]; ok {
		return
	}
	l.peerSeen[key] = struct{}{}
	l.peers = append(l.peers, addr)
}

// recordRespondedLocked records id among the nodes that have actually
// answered a query, for Lookup.result's foundNodes (spec §4.9 step 4). It
// acquires l.mu itself.
func (l *Lookup) recordRespondedLocked(id Identifier) {
	if id.NodeID == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.respondedSeen[*id.NodeID]; ok {
		return
	}
	l.respondedSeen[*id.NodeID] = struct{}{}
	l.responded = append(l.responded, id)
}

func (l *Lookup) result(err error) LookupOutcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	closest := append([]Identifier(nil), l.responded...)
	sort.Slice(closest, func(i, j int) bool {
		return Distance(*closest[i].NodeID, l.target).Less(Distance(*closest[j].NodeID, l.target))
	})
	if len(closest) > l.width {
		closest = closest[:l.width]
	}
	out := LookupOutcome{Closest: closest, Err: err}
	if l.infoHash != nil {
		out.Peers = append([]NetworkAddress(nil), l.peers...)
	}
	return out
}

func (l *Lookup) finish(outcome LookupOutcome) {
	if l.completion != nil {
		l.completion(outcome)
	}
}

// pivotFor returns the Node's own id for the given address family.
func (n *Node) pivotFor(kind HostKind) NodeID {
	if table := n.tableFor(kind); table != nil {
		return table.Pivot
	}
	return NodeID{}
}

// Ping sends a single ping query to remote (spec §4.9). completion, if
// non-nil, receives the transaction's terminal Outcome.
func (n *Node) Ping(remote Identifier, completion func(Outcome)) {
	msg := &Message{Y: KindQuery, Q: MethodPing, A: &QueryArgs{ID: n.pivotFor(remote.Addr.Kind), HasID: true}}
	n.Send(msg, remote, completion)
}

// FindNode runs an iterative lookup for the nodes closest to target in
// table, seeded from table's own buckets plus bootstrap (which may carry
// entries known only by address), reporting the converged, responded
// frontier via completion.
func (n *Node) FindNode(table *RoutingTable, target NodeID, bootstrap []Identifier, completion func(LookupOutcome)) *Lookup {
	l := newLookup(n, table, target, nil, bootstrap, GetPeersOptions{}, completion)
	l.run()
	return l
}

// lookupNearest runs a FindNode lookup and reports its result through the
// transaction Outcome vocabulary, so callers like RefreshStaleBuckets don't
// need a separate completion type.
func (n *Node) lookupNearest(table *RoutingTable, target NodeID, completion func(Outcome)) {
	n.FindNode(table, target, nil, func(res LookupOutcome) {
		if completion == nil {
			return
		}
		if res.Err != nil {
			completion(Failed{Err: res.Err})
			return
		}
		completion(Responded{})
	})
}

// GetPeers runs an iterative lookup for infoHash, collecting both the
// converged set of nodes that yielded a response and any peers advertised
// along the way, per spec §4.9. It stops once the frontier is exhausted or
// nodesReceivedPeersFrom reaches opts.MaxNodesToGetPeersFrom. When
// opts.ShouldVerifyNodeIDs is set, a peer-yielding response only counts
// toward that threshold if the responder's NodeID passes BEP 42
// validation against its source address.
func (n *Node) GetPeers(table *RoutingTable, infoHash InfoHash, bootstrap []Identifier, opts GetPeersOptions, completion func(LookupOutcome)) *Lookup {
	l := newLookup(n, table, infoHash.NodeID(), &infoHash, bootstrap, opts, completion)
	l.run()
	return l
}

// AnnouncePeer is GetPeers with ShouldAnnounce set: it emits announce_peer,
// carrying port (or the query's source port, if impliedPort is set), to
// every node whose get_peers response carries both peer values and a
// token, as that response arrives. completion receives the same
// LookupOutcome GetPeers would.
func (n *Node) AnnouncePeer(table *RoutingTable, infoHash InfoHash, bootstrap []Identifier, port int, impliedPort bool, completion func(LookupOutcome)) *Lookup {
	opts := DefaultGetPeersOptions()
	opts.ShouldAnnounce = true
	if !impliedPort {
		opts.HasTorrentPort = true
		opts.TorrentPort = port
	}
	return n.GetPeers(table, infoHash, bootstrap, opts, completion)
}
