package dht

import (
	"encoding/hex"
	"encoding/json"
	"net"

	"github.com/pkg/errors"
)

// persistVersion is bumped whenever the on-disk shape changes
// incompatibly.
const persistVersion = 1

// nodeJSON is the on-disk form of one RemoteNode.
type nodeJSON struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
	IPv6 bool    `json:"ipv6,omitempty"`
}

// peersJSON is the on-disk form of one info hash's stored peers.
type peersJSON struct {
	InfoHash string     `json:"info_hash"`
	Peers    []nodeJSON `json:"peers"`
}

// routingTableFile is the on-disk shape of a single address family's
// routing table, per spec §6: {buckets, pivot, maxNodeCountPerBucket}.
// Buckets holds the flattened node set rather than a nested per-bucket
// structure, since buckets themselves are reconstructed by re-admitting
// each node into a fresh table of the recorded capacity on load.
type routingTableFile struct {
	Version               int        `json:"version"`
	Pivot                 string     `json:"pivot"`
	MaxNodeCountPerBucket int        `json:"maxNodeCountPerBucket"`
	Buckets               []nodeJSON `json:"buckets"`
}

// stateFile is the on-disk shape saved by SaveState: both routing tables
// plus the peer store, generalizing the teacher's flat single-table JSON
// dump to the bucket-tree/dual-family/peer-store model.
type stateFile struct {
	Version   int               `json:"version"`
	IPv4      routingTableFile  `json:"ipv4"`
	IPv6      routingTableFile  `json:"ipv6"`
	PeerStore []peersJSON       `json:"peer_store,omitempty"`
}

func toNodeJSON(n *RemoteNode) (nodeJSON, bool) {
	if n.NodeID == nil {
		return nodeJSON{}, false
	}
	j := nodeJSON{ID: n.NodeID.String(), Port: n.Addr.Port}
	switch n.Addr.Kind {
	case HostIPv4:
		j.Host = n.Addr.IP.String()
	case HostIPv6:
		j.Host = n.Addr.IP.String()
		j.IPv6 = true
	default:
		return nodeJSON{}, false
	}
	return j, true
}

func fromNodeJSON(j nodeJSON) (Identifier, error) {
	raw, err := hex.DecodeString(j.ID)
	if err != nil || len(raw) != IDLength {
		return Identifier{}, errors.Errorf("dht: invalid persisted node id %q", j.ID)
	}
	var id NodeID
	copy(id[:], raw)

	ip := net.ParseIP(j.Host)
	if ip == nil {
		return Identifier{}, errors.Errorf("dht: invalid persisted node host %q", j.Host)
	}
	var addr NetworkAddress
	if j.IPv6 {
		addr = NewIPv6Address(ip, j.Port)
	} else {
		addr = NewIPv4Address(ip, j.Port)
	}
	return Identifier{Addr: addr, NodeID: &id}, nil
}

func routingTableToFile(rt *RoutingTable) routingTableFile {
	f := routingTableFile{
		Version:               persistVersion,
		Pivot:                 rt.Pivot.String(),
		MaxNodeCountPerBucket: rt.MaxNodeCountPerBucket(),
	}
	for _, n := range rt.AllNodes() {
		if j, ok := toNodeJSON(n); ok {
			f.Buckets = append(f.Buckets, j)
		}
	}
	return f
}

// loadRoutingTableFile re-admits every persisted node into a fresh table
// pivoted as recorded. fallbackMaxNodeCountPerBucket is used only when f
// predates MaxNodeCountPerBucket being persisted (or recorded it as zero).
// Nodes that fail to parse, or that a full non-pivot bucket rejects, are
// dropped silently: persistence is a seed for bootstrap, not a contract to
// restore every entry.
func loadRoutingTableFile(f routingTableFile, fallbackMaxNodeCountPerBucket int) (*RoutingTable, error) {
	raw, err := hex.DecodeString(f.Pivot)
	if err != nil || len(raw) != IDLength {
		return nil, errors.Errorf("dht: invalid persisted pivot %q", f.Pivot)
	}
	var pivot NodeID
	copy(pivot[:], raw)

	maxNodeCountPerBucket := f.MaxNodeCountPerBucket
	if maxNodeCountPerBucket <= 0 {
		maxNodeCountPerBucket = fallbackMaxNodeCountPerBucket
	}

	rt := NewRoutingTable(pivot, maxNodeCountPerBucket)
	for _, nj := range f.Buckets {
		id, err := fromNodeJSON(nj)
		if err != nil {
			continue
		}
		rt.Add(id, nil)
	}
	return rt, nil
}

// SaveState serializes both routing tables and the peer store to JSON.
func (n *Node) SaveState() ([]byte, error) {
	s := stateFile{
		Version: persistVersion,
		IPv4:    routingTableToFile(n.ipv4Table),
		IPv6:    routingTableToFile(n.ipv6Table),
	}
	for _, hash := range n.peerStore.cache.Keys() {
		peers, _ := n.peerStore.cache.Peek(hash)
		pj := peersJSON{InfoHash: hash.String()}
		for _, addr := range peers {
			j := nodeJSON{Port: addr.Port}
			switch addr.Kind {
			case HostIPv4:
				j.Host = addr.IP.String()
			case HostIPv6:
				j.Host = addr.IP.String()
				j.IPv6 = true
			default:
				continue
			}
			pj.Peers = append(pj.Peers, j)
		}
		s.PeerStore = append(s.PeerStore, pj)
	}
	return json.MarshalIndent(s, "", "  ")
}

// LoadState replaces the Node's routing tables and peer store with the
// contents of data, as produced by SaveState. Malformed node and peer
// entries are skipped rather than failing the whole load; an invalid
// persisted pivot fails the load and leaves the Node unchanged.
func (n *Node) LoadState(data []byte) error {
	var s stateFile
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "dht: decode persisted state")
	}

	ipv4, err := loadRoutingTableFile(s.IPv4, n.config.maxNodeCountPerBucket())
	if err != nil {
		return errors.Wrap(err, "dht: load ipv4 routing table")
	}
	ipv6, err := loadRoutingTableFile(s.IPv6, n.config.maxNodeCountPerBucket())
	if err != nil {
		return errors.Wrap(err, "dht: load ipv6 routing table")
	}

	n.mu.Lock()
	n.ipv4Table = ipv4
	n.ipv6Table = ipv6
	n.mu.Unlock()

	for _, pj := range s.PeerStore {
		raw, err := hex.DecodeString(pj.InfoHash)
		if err != nil || len(raw) != IDLength {
			continue
		}
		var hash InfoHash
		copy(hash[:], raw)
		for _, j := range pj.Peers {
			ip := net.ParseIP(j.Host)
			if ip == nil {
				continue
			}
			var addr NetworkAddress
			if j.IPv6 {
				addr = NewIPv6Address(ip, j.Port)
			} else {
				addr = NewIPv4Address(ip, j.Port)
			}
			n.peerStore.Add(hash, addr)
		}
	}
	return nil
}
