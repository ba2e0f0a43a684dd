package dht

import (
	"sync"
	"time"
)

// goodDuration is how recently a response (or a query plus any prior
// response) must have been seen for a node to be classified good.
const goodDuration = 15 * time.Minute

// maxMissingResponses is the miss-counter threshold beyond which a node is
// classified bad.
const maxMissingResponses = 2

// State is the liveness classification of a RemoteNode.
type State int

const (
	// Good nodes have responded recently, or queried us recently after
	// having responded at least once.
	Good State = iota
	// Questionable nodes are neither good nor bad: stale but not yet
	// proven unreachable.
	Questionable
	// Bad nodes have a miss counter above maxMissingResponses.
	Bad
)

func (s State) String() string {
	switch s {
	case Good:
		return "good"
	case Bad:
		return "bad"
	default:
		return "questionable"
	}
}

// Identifier is a remote's address paired with its NodeID, which may be
// absent only for a bootstrap node whose ID has not yet been learned.
type Identifier struct {
	Addr   NetworkAddress
	NodeID *NodeID
}

// RemoteNode tracks the liveness of one DHT participant: when we last
// heard a response or query from it, and a miss counter that each timeout
// or error raises by one and each response lowers by one (never below
// zero). Spec §5 assumes a single serial execution context,
// but a query's completion can reach RemoteNode from a timer goroutine
// (TimedOut) concurrently with a routing-table admission decision reading
// State from another goroutine (probeReplacement); mu guards the fields
// both paths touch.
type RemoteNode struct {
	Identifier

	mu               sync.Mutex
	lastResponse     time.Time
	lastQuery        time.Time
	missingResponses int
}

// NewRemoteNode constructs a RemoteNode for the given identifier with no
// prior interaction history.
func NewRemoteNode(id Identifier) *RemoteNode {
	return &RemoteNode{Identifier: id}
}

// LastResponse returns the last time this node sent us a response, or the
// zero Time if none has been received.
func (n *RemoteNode) LastResponse() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastResponse
}

// LastQuery returns the last time this node sent us a query, or the zero
// Time if none has been received.
func (n *RemoteNode) LastQuery() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastQuery
}

// MissingResponses returns the current miss counter.
func (n *RemoteNode) MissingResponses() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.missingResponses
}

// LastInteraction returns the later of LastQuery and LastResponse, or the
// zero Time if neither has occurred. Bucket replacement selection orders
// candidates by this value ascending, with the zero value sorting first.
func (n *RemoteNode) LastInteraction() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lastQuery.After(n.lastResponse) {
		return n.lastQuery
	}
	return n.lastResponse
}

// State classifies the node's liveness as of now, per spec §3's precedence:
// good is checked before bad, so a node that has both responded recently
// and a miss counter above maxMissingResponses (e.g. after three
// consecutive ReceivedError calls, each of which also touches
// lastResponse) still classifies as good.
func (n *RemoteNode) State(now time.Time) State {
	n.mu.Lock()
	defer n.mu.Unlock()
	if now.Sub(n.lastResponse) < goodDuration {
		return Good
	}
	if !n.lastResponse.IsZero() && now.Sub(n.lastQuery) < goodDuration {
		return Good
	}
	if n.missingResponses > maxMissingResponses {
		return Bad
	}
	return Questionable
}

// ExpectedResponseTimedOut records that a query sent to this node timed
// out without a response.
func (n *RemoteNode) ExpectedResponseTimedOut() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.missingResponses++
}

// ReceivedError records that this node returned a KRPC error in response
// to one of our queries: it counts as both "heard from" and a miss.
func (n *RemoteNode) ReceivedError(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastResponse = now
	n.missingResponses++
}

// ReceivedResponse records a successful response from this node.
func (n *RemoteNode) ReceivedResponse(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastResponse = now
	if n.missingResponses > 0 {
		n.missingResponses--
	}
}

// ReceivedQuery records an incoming query from this node.
func (n *RemoteNode) ReceivedQuery(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastQuery = now
}
