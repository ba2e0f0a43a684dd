package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBencodeCodecPingQueryRoundTrip(t *testing.T) {
	codec := BencodeCodec{}
	var id NodeID
	id[0] = 0x11

	msg := &Message{
		T: Uint16ToTID(42),
		Y: KindQuery,
		Q: MethodPing,
		A: &QueryArgs{ID: id, HasID: true},
		V: []byte("GD01"),
	}

	data, err := codec.Encode(msg)
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)

	require.Equal(t, KindQuery, decoded.Y)
	require.Equal(t, MethodPing, decoded.Q)
	require.NotNil(t, decoded.A)
	require.True(t, decoded.A.HasID)
	require.Equal(t, id, decoded.A.ID)
	tid, ok := decoded.TID()
	require.True(t, ok)
	require.Equal(t, uint16(42), tid)
}

func TestBencodeCodecFindNodeResponseRoundTrip(t *testing.T) {
	codec := BencodeCodec{}
	var selfID, target, foundID NodeID
	selfID[0] = 1
	target[0] = 2
	foundID[0] = 3

	addr := NewIPv4Address(net.ParseIP("1.2.3.4"), 6881)
	compactNode := EncodeCompactNodes([]CompactNode{{ID: foundID, Addr: addr}}, false)

	msg := &Message{
		T: Uint16ToTID(7),
		Y: KindResponse,
		R: &ReturnValues{ID: selfID, HasID: true, Nodes: compactNode},
	}
	data, err := codec.Encode(msg)
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	require.NotNil(t, decoded.R)
	require.True(t, decoded.R.HasID)
	require.Equal(t, selfID, decoded.R.ID)

	nodes, err := ParseCompactNodes(decoded.R.Nodes, false)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, foundID, nodes[0].ID)
	require.Equal(t, addr.Port, nodes[0].Addr.Port)
}

func TestBencodeCodecErrorRoundTrip(t *testing.T) {
	codec := BencodeCodec{}
	msg := &Message{
		T: Uint16ToTID(1),
		Y: KindError,
		E: &KRPCError{Code: ErrCodeMethodUnknown, Message: "Method Unknown"},
	}
	data, err := codec.Encode(msg)
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	require.NotNil(t, decoded.E)
	require.Equal(t, ErrCodeMethodUnknown, decoded.E.Code)
	require.Equal(t, "Method Unknown", decoded.E.Message)
}

func TestDecodeNodeListRejectsMalformedTrailingBytes(t *testing.T) {
	// 26 bytes is one valid IPv4 compact node; one extra trailing byte
	// makes the whole list malformed, per spec it decodes as empty.
	malformed := make([]byte, 27)
	if got := decodeNodeList(malformed, false); got != nil {
		t.Fatalf("decodeNodeList with malformed trailing bytes = %v, want nil", got)
	}
}

func TestTIDRoundTrip(t *testing.T) {
	for _, want := range []uint16{0, 1, 255, 256, 65535} {
		tid := Uint16ToTID(want)
		got, ok := TIDToUint16(tid)
		if !ok || got != want {
			t.Fatalf("TID round trip for %d: got %d, ok=%v", want, got, ok)
		}
	}
}
