package dht

// pivotForAddr returns the Node's own id in the routing table matching
// addr's address family, used to answer "id" in replies.
func (n *Node) pivotForAddr(addr NetworkAddress) NodeID {
	if table := n.tableFor(addr.Kind); table != nil {
		return table.Pivot
	}
	return n.ipv4Table.Pivot
}

func identifiersToCompactNodes(ids []Identifier) []CompactNode {
	out := make([]CompactNode, 0, len(ids))
	for _, id := range ids {
		if id.NodeID == nil {
			continue
		}
		out = append(out, CompactNode{ID: *id.NodeID, Addr: id.Addr})
	}
	return out
}

// PingHandler answers a ping query with this Node's id for the querying
// socket's address family (spec §4.8).
func PingHandler(n *Node, query *Message, from NetworkAddress) *Message {
	return &Message{
		Y: KindResponse,
		R: &ReturnValues{ID: n.pivotForAddr(from), HasID: true},
	}
}

// FindNodeHandler answers a find_node query with the closest known nodes
// to the requested target, drawn from whichever routing table(s) the
// query's "want" list (or, absent one, the querying socket's own address
// family) selects (spec §4.8).
func FindNodeHandler(n *Node, query *Message, from NetworkAddress) *Message {
	if query.A.Target == nil {
		return &Message{Y: KindError, E: &KRPCError{Code: ErrCodeProtocol, Message: "Protocol Error: missing target"}}
	}
	target := *query.A.Target

	wantIPv4, wantIPv6 := query.A.HasWant(WantIPv4), query.A.HasWant(WantIPv6)
	if !wantIPv4 && !wantIPv6 {
		switch from.Kind {
		case HostIPv4:
			wantIPv4 = true
		case HostIPv6:
			wantIPv6 = true
		}
	}

	r := &ReturnValues{ID: n.pivotForAddr(from), HasID: true}
	if wantIPv4 {
		closest := n.ipv4Table.FindNearestNeighbors(target, nil, false, DefaultMaxNodeCountPerBucket)
		r.Nodes = EncodeCompactNodes(identifiersToCompactNodes(closest), false)
	}
	if wantIPv6 {
		closest := n.ipv6Table.FindNearestNeighbors(target, nil, false, DefaultMaxNodeCountPerBucket)
		r.Nodes6 = EncodeCompactNodes(identifiersToCompactNodes(closest), true)
	}

	return &Message{Y: KindResponse, R: r}
}
