package dht

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Message kinds ("y" field).
const (
	KindQuery    = "q"
	KindResponse = "r"
	KindError    = "e"
)

// KRPC method names.
const (
	MethodPing         = "ping"
	MethodFindNode     = "find_node"
	MethodGetPeers     = "get_peers"
	MethodAnnouncePeer = "announce_peer"
)

// Standard KRPC error codes (spec §6).
const (
	ErrCodeGeneric       = 201
	ErrCodeServer        = 202
	ErrCodeProtocol      = 203
	ErrCodeMethodUnknown = 204
)

// want values.
const (
	WantIPv4 = "n4"
	WantIPv6 = "n6"
)

// QueryArgs is the "a" dictionary of a query message.
type QueryArgs struct {
	ID          NodeID
	HasID       bool
	Target      *NodeID
	InfoHash    *InfoHash
	Port        *int
	ImpliedPort bool
	Token       string
	Nodes       []byte
	Nodes6      []byte
	Values      [][]byte
	Want        []string
}

// HasWant reports whether w appears in the query's want list.
func (a *QueryArgs) HasWant(w string) bool {
	for _, v := range a.Want {
		if v == w {
			return true
		}
	}
	return false
}

// ReturnValues is the "r" dictionary of a response message.
type ReturnValues struct {
	ID     NodeID
	HasID  bool
	Nodes  []byte
	Nodes6 []byte
	Token  string
	Values [][]byte
}

// KRPCError is the "e" field of an error message: [code, message].
type KRPCError struct {
	Code    int
	Message string
}

// Message is the conceptual field layout of a KRPC message, independent of
// wire encoding (spec §4.3).
type Message struct {
	T  []byte // transaction id, arbitrary bytes
	Y  string // "q", "r", or "e"
	Q  string // query method name
	A  *QueryArgs
	R  *ReturnValues
	E  *KRPCError
	IP []byte // BEP 42 observed address, compact form
	V  []byte // client version
	RO bool   // read-only flag
}

// TID returns the message's transaction id interpreted as a big-endian
// u16, when it is exactly 2 bytes long.
func (m *Message) TID() (uint16, bool) {
	return TIDToUint16(m.T)
}

// TIDToUint16 interprets a 2-byte transaction id as a big-endian u16.
func TIDToUint16(t []byte) (uint16, bool) {
	if len(t) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(t), true
}

// Uint16ToTID encodes a u16 transaction id in its canonical 2-byte
// big-endian form.
func Uint16ToTID(tid uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, tid)
	return buf
}

// Codec encodes and decodes KRPC messages over the wire. It is the
// pluggable serialization boundary named in spec §1; BencodeCodec is the
// default implementation.
type Codec interface {
	Encode(*Message) ([]byte, error)
	Decode([]byte) (*Message, error)
}

// BencodeCodec implements Codec using the standard bencode wire format.
type BencodeCodec struct{}

// Encode serializes msg as a bencoded KRPC dictionary.
func (BencodeCodec) Encode(msg *Message) ([]byte, error) {
	d := map[string]any{
		"t": msg.T,
		"y": msg.Y,
	}
	if len(msg.V) > 0 {
		d["v"] = msg.V
	}
	if len(msg.IP) > 0 {
		d["ip"] = msg.IP
	}
	if msg.RO {
		d["ro"] = 1
	}

	switch msg.Y {
	case KindQuery:
		if msg.A == nil {
			return nil, errors.New("dht: query message missing args")
		}
		d["q"] = msg.Q
		d["a"] = encodeArgs(msg.A)
	case KindResponse:
		if msg.R == nil {
			return nil, errors.New("dht: response message missing return values")
		}
		d["r"] = encodeReturn(msg.R)
	case KindError:
		if msg.E == nil {
			return nil, errors.New("dht: error message missing error value")
		}
		d["e"] = []any{msg.E.Code, []byte(msg.E.Message)}
	default:
		return nil, errors.Errorf("dht: unknown message kind %q", msg.Y)
	}

	return bencodeEncode(d), nil
}

func encodeArgs(a *QueryArgs) map[string]any {
	m := map[string]any{"id": a.ID[:]}
	if a.Target != nil {
		m["target"] = a.Target[:]
	}
	if a.InfoHash != nil {
		m["info_hash"] = a.InfoHash[:]
	}
	if a.ImpliedPort {
		m["implied_port"] = 1
	}
	if a.Port != nil {
		m["port"] = *a.Port
	}
	if a.Token != "" {
		m["token"] = []byte(a.Token)
	}
	if len(a.Nodes) > 0 {
		m["nodes"] = a.Nodes
	}
	if len(a.Nodes6) > 0 {
		m["nodes6"] = a.Nodes6
	}
	if len(a.Values) > 0 {
		vals := make([]any, len(a.Values))
		for i, v := range a.Values {
			vals[i] = v
		}
		m["values"] = vals
	}
	if len(a.Want) > 0 {
		want := make([]any, len(a.Want))
		for i, w := range a.Want {
			want[i] = []byte(w)
		}
		m["want"] = want
	}
	return m
}

func encodeReturn(r *ReturnValues) map[string]any {
	m := map[string]any{"id": r.ID[:]}
	if len(r.Nodes) > 0 {
		m["nodes"] = r.Nodes
	}
	if len(r.Nodes6) > 0 {
		m["nodes6"] = r.Nodes6
	}
	if r.Token != "" {
		m["token"] = []byte(r.Token)
	}
	if len(r.Values) > 0 {
		vals := make([]any, len(r.Values))
		for i, v := range r.Values {
			vals[i] = v
		}
		m["values"] = vals
	}
	return m
}

// Decode parses a bencoded KRPC dictionary into a Message.
func (BencodeCodec) Decode(data []byte) (*Message, error) {
	raw, err := bencodeDecode(data)
	if err != nil {
		return nil, err
	}
	d, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New("dht: KRPC message must be a dictionary")
	}

	msg := &Message{}
	if t, ok := dictBytes(d, "t"); ok {
		msg.T = t
	}
	y, ok := d["y"]
	if !ok {
		return nil, errors.New("dht: message missing y")
	}
	yb, ok := y.([]byte)
	if !ok {
		return nil, errors.New("dht: y must be a byte string")
	}
	msg.Y = string(yb)

	if v, ok := dictBytes(d, "v"); ok {
		msg.V = v
	}
	if ip, ok := dictBytes(d, "ip"); ok {
		msg.IP = ip
	}
	if ro, ok := dictInt(d, "ro"); ok && ro == 1 {
		msg.RO = true
	}

	switch msg.Y {
	case KindQuery:
		if q, ok := dictBytes(d, "q"); ok {
			msg.Q = string(q)
		}
		if a, ok := dictDict(d, "a"); ok {
			msg.A = decodeArgs(a)
		}
	case KindResponse:
		if r, ok := dictDict(d, "r"); ok {
			msg.R = decodeReturn(r)
		}
	case KindError:
		if e, ok := d["e"].([]any); ok && len(e) == 2 {
			code, _ := e[0].(int)
			var text string
			if b, ok := e[1].([]byte); ok {
				text = string(b)
			}
			msg.E = &KRPCError{Code: code, Message: text}
		}
	}

	return msg, nil
}

func decodeArgs(d map[string]any) *QueryArgs {
	a := &QueryArgs{}
	if id, ok := dictBytes(d, "id"); ok && len(id) == IDLength {
		copy(a.ID[:], id)
		a.HasID = true
	}
	if t, ok := dictBytes(d, "target"); ok && len(t) == IDLength {
		var target NodeID
		copy(target[:], t)
		a.Target = &target
	}
	if ih, ok := dictBytes(d, "info_hash"); ok && len(ih) == IDLength {
		var hash InfoHash
		copy(hash[:], ih)
		a.InfoHash = &hash
	}
	if p, ok := dictInt(d, "port"); ok {
		a.Port = &p
	}
	if ip, ok := dictInt(d, "implied_port"); ok && ip == 1 {
		a.ImpliedPort = true
	}
	if tok, ok := dictBytes(d, "token"); ok {
		a.Token = string(tok)
	}
	if nodes, ok := dictBytes(d, "nodes"); ok {
		a.Nodes = decodeNodeList(nodes, false)
	}
	if nodes6, ok := dictBytes(d, "nodes6"); ok {
		a.Nodes6 = decodeNodeList(nodes6, true)
	}
	if values, ok := dictList(d, "values"); ok {
		for _, v := range values {
			if b, ok := v.([]byte); ok {
				a.Values = append(a.Values, b)
			}
		}
	}
	if want, ok := dictList(d, "want"); ok {
		for _, w := range want {
			if b, ok := w.([]byte); ok {
				a.Want = append(a.Want, string(b))
			}
		}
	}
	return a
}

func decodeReturn(d map[string]any) *ReturnValues {
	r := &ReturnValues{}
	if id, ok := dictBytes(d, "id"); ok && len(id) == IDLength {
		copy(r.ID[:], id)
		r.HasID = true
	}
	if nodes, ok := dictBytes(d, "nodes"); ok {
		r.Nodes = decodeNodeList(nodes, false)
	}
	if nodes6, ok := dictBytes(d, "nodes6"); ok {
		r.Nodes6 = decodeNodeList(nodes6, true)
	}
	if tok, ok := dictBytes(d, "token"); ok {
		r.Token = string(tok)
	}
	if values, ok := dictList(d, "values"); ok {
		for _, v := range values {
			if b, ok := v.([]byte); ok {
				r.Values = append(r.Values, b)
			}
		}
	}
	return r
}

// decodeNodeList validates a compact node list's length and returns it
// unchanged, or an empty slice if trailing bytes are malformed (spec §4.3).
func decodeNodeList(data []byte, ipv6 bool) []byte {
	size := 26
	if ipv6 {
		size = 38
	}
	if len(data)%size != 0 {
		return nil
	}
	return data
}

// CompactNode pairs a NodeID with its compact contact encoding (26 bytes
// for IPv4, 38 for IPv6).
type CompactNode struct {
	ID   NodeID
	Addr NetworkAddress
}

// ParseCompactNodes splits a concatenated compact node list (as validated
// by decodeNodeList) into individual entries.
func ParseCompactNodes(data []byte, ipv6 bool) ([]CompactNode, error) {
	size := 26
	if ipv6 {
		size = 38
	}
	if len(data)%size != 0 {
		return nil, errors.Errorf("dht: compact node list length %d not divisible by %d", len(data), size)
	}
	nodes := make([]CompactNode, len(data)/size)
	for i := range nodes {
		chunk := data[i*size : (i+1)*size]
		var id NodeID
		copy(id[:], chunk[:IDLength])
		var addr NetworkAddress
		var err error
		if ipv6 {
			addr, err = ParseCompactIPv6Addr(chunk[IDLength:])
		} else {
			addr, err = ParseCompactIPv4Addr(chunk[IDLength:])
		}
		if err != nil {
			return nil, err
		}
		nodes[i] = CompactNode{ID: id, Addr: addr}
	}
	return nodes, nil
}

// EncodeCompactNodes concatenates a list of (NodeID, NetworkAddress) pairs
// into the compact node wire form. Entries whose address cannot be
// compacted (unresolved names) are silently skipped.
func EncodeCompactNodes(nodes []CompactNode, ipv6 bool) []byte {
	var buf []byte
	for _, n := range nodes {
		compact, err := n.Addr.Compact()
		if err != nil {
			continue
		}
		if (len(compact) == 6) == ipv6 {
			continue
		}
		buf = append(buf, n.ID[:]...)
		buf = append(buf, compact...)
	}
	return buf
}
