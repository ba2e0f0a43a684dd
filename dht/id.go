package dht

import (
	"crypto/rand"
	"fmt"
)

// IDLength is the size in bytes of a NodeID or InfoHash (160 bits).
const IDLength = 20

// NodeID is the 160-bit identifier of a DHT participant, interpreted as a
// big-endian unsigned integer for distance and ordering purposes.
type NodeID [IDLength]byte

// InfoHash is the 160-bit identifier of a torrent swarm. It shares the
// same keyspace and distance metric as NodeID.
type InfoHash [IDLength]byte

// MinID is the smallest possible NodeID (all zero bytes).
var MinID NodeID

// MaxID is the largest possible NodeID (2^160 - 1).
var MaxID = func() NodeID {
	var id NodeID
	for i := range id {
		id[i] = 0xFF
	}
	return id
}()

// RandomID returns a cryptographically random NodeID.
func RandomID() (NodeID, error) {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("dht: generate random id: %w", err)
	}
	return id, nil
}

// Distance returns the XOR distance between a and b.
func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether a, interpreted as an unsigned 160-bit integer, is
// strictly less than b.
func (a NodeID) Less(b NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Equal reports whether a and b are the same identifier.
func (a NodeID) Equal(b NodeID) bool {
	return a == b
}

// Cmp returns -1, 0 or 1 if a is less than, equal to, or greater than b.
func (a NodeID) Cmp(b NodeID) int {
	for i := range a {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

// Prev returns x - 1. It is only defined for x > Min.
func Prev(x NodeID) NodeID {
	for i := len(x) - 1; i >= 0; i-- {
		if x[i] != 0 {
			x[i]--
			return x
		}
		x[i] = 0xFF
	}
	return x
}

// Mid returns lo + (hi-lo)/2, the midpoint used to split a bucket's range
// into [lo, mid-1] and [mid, hi].
func Mid(lo, hi NodeID) NodeID {
	// Work in a 161-bit accumulator (carry byte) so mid never overflows.
	var sum [IDLength + 1]byte
	carry := 0
	for i := IDLength - 1; i >= 0; i-- {
		s := int(lo[i]) + int(hi[i]) + carry
		sum[i+1] = byte(s)
		carry = s >> 8
	}
	sum[0] = byte(carry)

	// Divide the 161-bit sum by 2 (shift right by one bit).
	var half [IDLength + 1]byte
	rem := 0
	for i := 0; i < len(sum); i++ {
		cur := rem<<8 | int(sum[i])
		half[i] = byte(cur >> 1)
		rem = cur & 1
	}

	var mid NodeID
	copy(mid[:], half[1:])
	return mid
}

// Bytes returns the identifier as a 20-byte slice.
func (a NodeID) Bytes() []byte {
	b := make([]byte, IDLength)
	copy(b, a[:])
	return b
}

// String returns the lowercase hex representation of the identifier.
func (a NodeID) String() string {
	return fmt.Sprintf("%x", a[:])
}

// NodeID reinterprets an InfoHash as a NodeID, since they share a keyspace.
func (h InfoHash) NodeID() NodeID {
	return NodeID(h)
}

// String returns the lowercase hex representation of the info hash.
func (h InfoHash) String() string {
	return fmt.Sprintf("%x", h[:])
}
