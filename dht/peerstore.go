package dht

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultPeerStoreCapacity bounds the number of distinct info hashes the
// peer store tracks at once. The spec's peer store is append-only and
// unbounded in principle; a real node fields get_peers/announce_peer
// traffic for arbitrarily many swarms, so admission is capped by evicting
// the least-recently-used info hash rather than growing without limit.
const DefaultPeerStoreCapacity = 4096

// PeerStore holds the append-only infoHash -> peers mapping of spec §3,
// bounded to the capacity given to NewPeerStore (DefaultPeerStoreCapacity
// when that is non-positive) distinct info hashes.
type PeerStore struct {
	cache *lru.Cache[InfoHash, []NetworkAddress]
}

// NewPeerStore creates a PeerStore with the given capacity (number of
// distinct info hashes retained); non-positive uses the default.
func NewPeerStore(capacity int) *PeerStore {
	if capacity <= 0 {
		capacity = DefaultPeerStoreCapacity
	}
	c, _ := lru.New[InfoHash, []NetworkAddress](capacity)
	return &PeerStore{cache: c}
}

// Add appends a peer address under infoHash. Duplicate entries are
// permitted, per spec §3.
func (s *PeerStore) Add(hash InfoHash, peer NetworkAddress) {
	peers, _ := s.cache.Get(hash)
	peers = append(peers, peer)
	s.cache.Add(hash, peers)
}

// Get returns the peers currently stored for infoHash.
func (s *PeerStore) Get(hash InfoHash) []NetworkAddress {
	peers, _ := s.cache.Get(hash)
	return peers
}

// Len returns the number of distinct info hashes tracked.
func (s *PeerStore) Len() int {
	return s.cache.Len()
}
