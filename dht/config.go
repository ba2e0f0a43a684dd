package dht

import "time"

// NodeConfig holds the options named in spec §6. Zero values select the
// documented default for each field.
type NodeConfig struct {
	// IPv4NodeID and IPv6NodeID seed the pivot of the IPv4 and IPv6 routing
	// tables respectively. A nil pointer generates a random id at
	// NewNode time (or a BEP 42 id, if PublicIPv4/PublicIPv6 is set).
	IPv4NodeID *NodeID
	IPv6NodeID *NodeID

	// PublicIPv4 and PublicIPv6, when set, cause NewNode to derive a BEP
	// 42 node id for that family instead of a purely random one.
	PublicIPv4 *NetworkAddress
	PublicIPv6 *NetworkAddress

	// ClientVersion is the "v" field stamped on outgoing messages. Empty
	// omits the field.
	ClientVersion []byte

	// QueryTimeout bounds every outgoing query. Non-positive selects
	// DefaultQueryTimeout.
	QueryTimeout time.Duration

	// IsReadOnlyNode, when true, stamps ro=1 on every outgoing query and
	// drops all inbound queries without reply (spec §4.2/§4.7).
	IsReadOnlyNode bool

	// MaxNodeCountPerBucket is the Kademlia bucket capacity K.
	// Non-positive selects DefaultMaxNodeCountPerBucket.
	MaxNodeCountPerBucket int

	// PeerStoreCapacity bounds the number of distinct info hashes the
	// peer store retains. Non-positive selects DefaultPeerStoreCapacity.
	PeerStoreCapacity int

	// BucketRefreshInterval records how often the host means to invoke
	// RefreshStaleBuckets. Node does not read this field and applies no
	// default to it; DefaultBucketRefreshInterval is the reference value.
	BucketRefreshInterval time.Duration

	// TokenRotationInterval records how often the host means to call
	// Node.RotateSecretTokens. Node does not read this field and applies
	// no default to it; DefaultTokenRotationInterval is the reference value.
	TokenRotationInterval time.Duration
}

// Defaults referenced by NodeConfig and by the reference command.
const (
	DefaultBucketRefreshInterval = 15 * time.Minute
	DefaultTokenRotationInterval = 5 * time.Minute
)

func (c NodeConfig) queryTimeout() time.Duration {
	if c.QueryTimeout > 0 {
		return c.QueryTimeout
	}
	return DefaultQueryTimeout
}

func (c NodeConfig) maxNodeCountPerBucket() int {
	if c.MaxNodeCountPerBucket > 0 {
		return c.MaxNodeCountPerBucket
	}
	return DefaultMaxNodeCountPerBucket
}

func (c NodeConfig) peerStoreCapacity() int {
	if c.PeerStoreCapacity > 0 {
		return c.PeerStoreCapacity
	}
	return DefaultPeerStoreCapacity
}
