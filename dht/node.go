package dht

import (
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/pkg/errors"
)

// Handler composes a reply to an incoming query. It returns the message
// to send back (a response or an error), or nil to reply with nothing at
// all (used when the handler itself already sent something, e.g. a
// multi-part answer).
type Handler func(n *Node, query *Message, from NetworkAddress) *Message

// Option configures a Node at construction time.
type Option func(*Node)

// WithChannel binds the transport a Node sends through.
func WithChannel(ch Channel) Option { return func(n *Node) { n.channel = ch } }

// WithCodec replaces the Node's stored codec (BencodeCodec by default).
// Node hands decoded Messages to its Channel and does not encode with
// this codec itself.
func WithCodec(c Codec) Option { return func(n *Node) { n.codec = c } }

// WithResolver supplies the hostname resolver external collaborator.
func WithResolver(r Resolver) Option { return func(n *Node) { n.resolver = r } }

// WithScheduler overrides the default time.AfterFunc-backed Scheduler.
func WithScheduler(s Scheduler) Option { return func(n *Node) { n.scheduler = s } }

// WithHasher overrides the default Sha256Hasher.
func WithHasher(h Hasher) Option { return func(n *Node) { n.hasher = h } }

// WithLogger overrides the default (log.Default) logger.
func WithLogger(l log.Logger) Option { return func(n *Node) { n.logger = l } }

// Node is the orchestrator named in spec §1/§4.7: it owns the address-family
// routing tables, the transaction table, the peer store and secret tokens,
// and dispatches inbound/outbound KRPC traffic between them. Node does no
// socket I/O of its own; it is driven by a host through SetChannel and
// Receive.
type Node struct {
	mu sync.Mutex

	config    NodeConfig
	channel   Channel
	codec     Codec
	resolver  Resolver
	scheduler Scheduler
	hasher    Hasher
	validator AddressValidator
	logger    log.Logger

	ipv4Table    *RoutingTable
	ipv6Table    *RoutingTable
	transactions *TransactionTable
	peerStore    *PeerStore
	tokens       *SecretTokens

	handlers map[string]Handler
}

// NewNode constructs a Node from config, generating or deriving the IPv4
// and IPv6 pivots as configured, and registering the default ping and
// find_node handlers.
func NewNode(config NodeConfig, opts ...Option) (*Node, error) {
	n := &Node{
		config:    config,
		codec:     BencodeCodec{},
		scheduler: NewScheduler(),
		hasher:    Sha256Hasher{},
		logger:    log.Default,
		handlers:  map[string]Handler{},
	}
	for _, opt := range opts {
		opt(n)
	}

	n.transactions = NewTransactionTable(n.scheduler)

	tokens, err := NewSecretTokens()
	if err != nil {
		return nil, errors.Wrap(err, "dht: init secret tokens")
	}
	n.tokens = tokens
	n.peerStore = NewPeerStore(config.peerStoreCapacity())

	ipv4Pivot, err := n.resolvePivot(config.IPv4NodeID, config.PublicIPv4)
	if err != nil {
		return nil, errors.Wrap(err, "dht: derive ipv4 node id")
	}
	n.ipv4Table = NewRoutingTable(ipv4Pivot, config.maxNodeCountPerBucket())

	ipv6Pivot, err := n.resolvePivot(config.IPv6NodeID, config.PublicIPv6)
	if err != nil {
		return nil, errors.Wrap(err, "dht: derive ipv6 node id")
	}
	n.ipv6Table = NewRoutingTable(ipv6Pivot, config.maxNodeCountPerBucket())

	n.handlers[MethodPing] = PingHandler
	n.handlers[MethodFindNode] = FindNodeHandler

	return n, nil
}

func (n *Node) resolvePivot(configured *NodeID, public *NetworkAddress) (NodeID, error) {
	if configured != nil {
		return *configured, nil
	}
	if public != nil {
		return n.validator.Generate(*public)
	}
	return RandomID()
}

// SetChannel binds (or rebinds) the transport the Node sends through.
func (n *Node) SetChannel(ch Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channel = ch
}

// RegisterHandler installs (or replaces) the handler for method. Use this
// to serve get_peers/announce_peer if the embedding application wants to
// field those queries in addition to the default ping/find_node surface.
func (n *Node) RegisterHandler(method string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
}

// Config returns the Node's configuration.
func (n *Node) Config() NodeConfig { return n.config }

// IPv4Table returns the routing table pivoted on the IPv4 node id.
func (n *Node) IPv4Table() *RoutingTable { return n.ipv4Table }

// IPv6Table returns the routing table pivoted on the IPv6 node id.
func (n *Node) IPv6Table() *RoutingTable { return n.ipv6Table }

// PeerStore returns the Node's info-hash -> peers store.
func (n *Node) PeerStore() *PeerStore { return n.peerStore }

// Transactions returns the Node's outstanding-query table.
func (n *Node) Transactions() *TransactionTable { return n.transactions }

// SecretTokens returns the Node's rotating token pair.
func (n *Node) SecretTokens() *SecretTokens { return n.tokens }

// Hasher returns the configured token-hash primitive.
func (n *Node) Hasher() Hasher { return n.hasher }

// Resolver returns the configured hostname resolver, or nil.
func (n *Node) Resolver() Resolver { return n.resolver }

// Logger returns the Node's logger.
func (n *Node) Logger() log.Logger { return n.logger }

func (n *Node) tableFor(kind HostKind) *RoutingTable {
	switch kind {
	case HostIPv4:
		return n.ipv4Table
	case HostIPv6:
		return n.ipv6Table
	default:
		return nil
	}
}

func addrEqual(a, b NetworkAddress) bool {
	if a.Kind != b.Kind || a.Port != b.Port {
		return false
	}
	if a.Kind == HostName {
		return a.Name == b.Name
	}
	return a.IP.Equal(b.IP)
}

// RotateSecretTokens replaces the previous secret with the current one and
// generates a fresh current secret. The host is expected to call this
// periodically (spec §6 TokenRotationInterval).
func (n *Node) RotateSecretTokens() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tokens.Rotate()
}

// Cancel completes every outstanding transaction with OpCancelled. Pending
// operations built on top of Send observe this as their terminal Outcome.
func (n *Node) Cancel() {
	n.transactions.CancelAll()
}

// Send dispatches msg to remote. Query messages are registered as
// transactions with a timeout and complete asynchronously via completion;
// non-query messages (responses, errors) are written immediately and
// completion, if non-nil, is called synchronously with the send result.
func (n *Node) Send(msg *Message, remote Identifier, completion func(Outcome)) {
	if msg.Y == KindQuery {
		n.sendQuery(msg, remote, completion)
		return
	}
	err := n.sendMessage(msg, remote.Addr)
	if completion != nil {
		if err != nil {
			completion(Failed{Err: err})
		} else {
			completion(Responded{Msg: msg})
		}
	}
}

func (n *Node) sendQuery(msg *Message, remote Identifier, completion func(Outcome)) {
	if n.channel == nil {
		if completion != nil {
			completion(Failed{Err: ErrChannelNotAvailable})
		}
		return
	}

	if n.config.IsReadOnlyNode {
		msg.RO = true
	}
	if len(n.config.ClientVersion) > 0 && len(msg.V) == 0 {
		msg.V = n.config.ClientVersion
	}
	if msg.T == nil {
		msg.T = Uint16ToTID(n.transactions.MakeTransactionID())
	}
	tid, ok := msg.TID()
	if !ok {
		if completion != nil {
			completion(Failed{Err: errors.New("dht: query transaction id must be 2 bytes")})
		}
		return
	}

	wrapped := func(outcome Outcome) {
		n.postProcessQuery(remote, outcome)
		if completion != nil {
			completion(outcome)
		}
	}

	if !n.transactions.SetupQuery(tid, remote, msg, n.config.queryTimeout(), wrapped) {
		if completion != nil {
			completion(Failed{Err: errors.Errorf("dht: transaction id %d already in use", tid)})
		}
		return
	}

	if err := n.channel.Send(msg, remote.Addr); err != nil {
		n.transactions.CompleteTransaction(tid, Failed{Err: err})
	}
}

// postProcessQuery updates routing-table liveness for remote once a query
// transaction completes, per spec §4.7.
func (n *Node) postProcessQuery(remote Identifier, outcome Outcome) {
	now := nowFunc()
	switch o := outcome.(type) {
	case Responded:
		n.observeQueryResponse(remote, o.Msg, now)
	case Errored:
		n.observeQueryError(remote, now)
	case TimedOut:
		n.observeQueryTimeout(remote, now)
	case Failed:
		n.logger.Printf("dht: send to %v failed: %v", remote.Addr, o.Err)
	case OpCancelled:
	}
}

func (n *Node) observeQueryResponse(remote Identifier, msg *Message, now time.Time) {
	if msg.R == nil || !msg.R.HasID {
		return
	}
	table := n.tableFor(remote.Addr.Kind)
	if table == nil {
		return
	}
	id := msg.R.ID
	existing := table.Find(id)
	if existing == nil {
		n.admit(table, Identifier{Addr: remote.Addr, NodeID: &id})
		existing = table.Find(id)
	}
	if existing != nil {
		existing.ReceivedResponse(now)
	}
}

func (n *Node) observeQueryError(remote Identifier, now time.Time) {
	table := n.tableFor(remote.Addr.Kind)
	if table == nil || remote.NodeID == nil {
		return
	}
	if existing := table.Find(*remote.NodeID); existing != nil {
		existing.ReceivedError(now)
	}
}

func (n *Node) observeQueryTimeout(remote Identifier, now time.Time) {
	table := n.tableFor(remote.Addr.Kind)
	if table == nil || remote.NodeID == nil {
		return
	}
	if existing := table.Find(*remote.NodeID); existing != nil {
		existing.ExpectedResponseTimedOut()
	}
}

// sendMessage encodes and writes a non-query message, stamping the BEP 42
// observed-address ("ip") field on a best-effort basis.
func (n *Node) sendMessage(msg *Message, addr NetworkAddress) error {
	if n.channel == nil {
		return ErrChannelNotAvailable
	}
	if len(n.config.ClientVersion) > 0 && len(msg.V) == 0 {
		msg.V = n.config.ClientVersion
	}
	if compact, err := addr.Compact(); err == nil {
		msg.IP = compact
	}
	return n.channel.Send(msg, addr)
}

func (n *Node) replyError(addr NetworkAddress, tid []byte, code int, text string) {
	_ = n.sendMessage(&Message{T: tid, Y: KindError, E: &KRPCError{Code: code, Message: text}}, addr)
}

// Receive dispatches one inbound, already-decoded KRPC message, per the
// matching rules of spec §4.7.
func (n *Node) Receive(msg *Message, from NetworkAddress) {
	switch msg.Y {
	case KindError:
		n.receivedError(msg, from)
	case KindResponse:
		n.receivedResponse(msg, from)
	case KindQuery:
		n.receivedQuery(msg, from)
	}
}

func (n *Node) receivedError(msg *Message, from NetworkAddress) {
	tid, ok := msg.TID()
	if !ok {
		return
	}
	tx := n.transactions.Get(tid)
	if tx == nil {
		return
	}
	if !addrEqual(tx.Remote.Addr, from) {
		n.logger.Printf("dht: %v (tid %d from %v, expected %v)", ErrUnknownAddress, tid, from, tx.Remote.Addr)
		return
	}
	n.transactions.CompleteTransaction(tid, Errored{Msg: msg})
}

func (n *Node) receivedResponse(msg *Message, from NetworkAddress) {
	tid, ok := msg.TID()
	if !ok {
		return
	}
	tx := n.transactions.Get(tid)
	if tx == nil {
		return
	}
	if !addrEqual(tx.Remote.Addr, from) {
		n.logger.Printf("dht: %v (tid %d from %v, expected %v)", ErrUnknownAddress, tid, from, tx.Remote.Addr)
		return
	}
	if msg.R == nil || !msg.R.HasID {
		n.replyError(from, msg.T, ErrCodeProtocol, "Protocol Error: missing id")
		return
	}
	if tx.Remote.NodeID != nil && *tx.Remote.NodeID != msg.R.ID {
		n.logger.Printf("dht: %v (tid %d from %v)", ErrUnexpectedNodeID, tid, from)
		n.replyError(from, msg.T, ErrCodeProtocol, "Protocol Error: response is not for known query")
		return
	}
	n.transactions.CompleteTransaction(tid, Responded{Msg: msg})
}

func (n *Node) receivedQuery(msg *Message, from NetworkAddress) {
	if n.config.IsReadOnlyNode {
		return
	}
	if msg.A == nil || !msg.A.HasID {
		n.replyError(from, msg.T, ErrCodeProtocol, "Protocol Error: missing id")
		return
	}

	handler, ok := n.handlers[msg.Q]
	if !ok {
		n.replyError(from, msg.T, ErrCodeMethodUnknown, "Method Unknown: "+msg.Q)
		return
	}

	resp := handler(n, msg, from)
	if resp == nil {
		return
	}
	resp.T = msg.T
	if err := n.sendMessage(resp, from); err != nil {
		n.logger.Printf("dht: reply to %v: %v", from, err)
		return
	}

	if !msg.RO && resp.Y == KindResponse {
		id := msg.A.ID
		n.observeQuerier(Identifier{Addr: from, NodeID: &id})
	}
}

func (n *Node) observeQuerier(id Identifier) {
	if id.NodeID == nil {
		return
	}
	table := n.tableFor(id.Addr.Kind)
	if table == nil {
		return
	}
	existing := table.Find(*id.NodeID)
	if existing == nil {
		n.admit(table, id)
		existing = table.Find(*id.NodeID)
	}
	if existing != nil {
		existing.ReceivedQuery(nowFunc())
	}
}

// admit is the orchestrated admission policy of spec §4.4: the routing
// table's own Add only handles the no-room/not-pivot-bucket rejection; the
// Node escalates that rejection into a bad-node eviction or a background
// liveness probe walking the bucket's questionable nodes, oldest
// interaction first, before giving up on the candidate. The whole decision
// runs under table.mu as one critical section (rather than the several
// separately-locked RoutingTable calls a caller would otherwise make) so
// it cannot interleave with a concurrent probeReplacement's table.Add.
func (n *Node) admit(table *RoutingTable, candidate Identifier) bool {
	if candidate.NodeID == nil {
		return false
	}

	table.mu.Lock()
	defer table.mu.Unlock()

	if table.findLocked(*candidate.NodeID) != nil {
		return false
	}
	b := table.bucketForLocked(*candidate.NodeID)
	if b == nil {
		return false
	}
	if !b.IsFull() {
		return table.addLocked(candidate, nil)
	}
	if table.isPivotBucketLocked(*candidate.NodeID) {
		return table.addLocked(candidate, nil)
	}

	now := nowFunc()
	if b.IsAllGood(now) {
		return false
	}
	if bad := b.BadNodeIDs(now); len(bad) > 0 {
		return table.addLocked(candidate, &bad[0])
	}

	questionable := b.LeastRecentlySeenQuestionable(now)
	if len(questionable) == 0 {
		return false
	}
	go n.probeReplacement(table, questionable, candidate)
	return false
}

// probeReplacement walks the bucket's questionable nodes in ascending
// LastInteraction order, pinging each up to twice. A response leaves that
// node in place and moves on to the next; a node that fails both pings is
// replaced by candidate and the walk stops (spec §4.6's
// findNodeToReplace). The candidate is dropped if every questionable node
// answers at least one of its two pings.
func (n *Node) probeReplacement(table *RoutingTable, questionable []*RemoteNode, candidate Identifier) {
	for _, stale := range questionable {
		if stale.NodeID == nil {
			continue
		}
		if n.pingTwice(stale.Identifier) {
			continue
		}
		table.Add(candidate, stale.NodeID)
		return
	}
}

// pingTwice sends up to two pings to remote, stopping at the first
// response. It reports whether either ping was answered.
func (n *Node) pingTwice(remote Identifier) bool {
	for i := 0; i < 2; i++ {
		done := make(chan Outcome, 1)
		n.Ping(remote, func(o Outcome) { done <- o })
		if _, ok := (<-done).(Responded); ok {
			return true
		}
	}
	return false
}

// RefreshStaleBuckets issues a find_node lookup targeting a random id
// inside every bucket (across both address families) whose LastChanged
// exceeds maxAge, per spec §4.5. completion, if non-nil, is invoked once
// per refreshed bucket with that lookup's outcome.
func (n *Node) RefreshStaleBuckets(maxAge time.Duration, completion func(Outcome)) {
	now := nowFunc()
	for _, table := range []*RoutingTable{n.ipv4Table, n.ipv6Table} {
		for _, b := range table.StaleBuckets(maxAge, now) {
			target, err := b.Range.RandomID()
			if err != nil {
				continue
			}
			n.lookupNearest(table, target, completion)
		}
	}
}
