package dht

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

// HostKind distinguishes the three forms a NetworkAddress host can take.
type HostKind int

const (
	// HostName is an unresolved hostname; it requires a Resolver before a
	// compact contact can be produced.
	HostName HostKind = iota
	// HostIPv4 is a 4-byte IPv4 address.
	HostIPv4
	// HostIPv6 is a 16-byte IPv6 address.
	HostIPv6
)

// NetworkAddress is a tagged host/port pair: a resolved IPv4/IPv6 address or
// an unresolved name, plus a port.
type NetworkAddress struct {
	Kind HostKind
	Name string // valid when Kind == HostName
	IP   net.IP // valid when Kind == HostIPv4 or HostIPv6; 4 or 16 bytes
	Port int
}

// NewIPv4Address builds a NetworkAddress from a 4-byte IPv4 address.
func NewIPv4Address(ip net.IP, port int) NetworkAddress {
	return NetworkAddress{Kind: HostIPv4, IP: ip.To4(), Port: port}
}

// NewIPv6Address builds a NetworkAddress from a 16-byte IPv6 address.
func NewIPv6Address(ip net.IP, port int) NetworkAddress {
	return NetworkAddress{Kind: HostIPv6, IP: ip.To16(), Port: port}
}

// NewNameAddress builds a NetworkAddress from an unresolved hostname.
func NewNameAddress(name string, port int) NetworkAddress {
	return NetworkAddress{Kind: HostName, Name: name, Port: port}
}

// FromUDPAddr builds a NetworkAddress from a resolved *net.UDPAddr.
func FromUDPAddr(addr *net.UDPAddr) NetworkAddress {
	if ip4 := addr.IP.To4(); ip4 != nil {
		return NewIPv4Address(ip4, addr.Port)
	}
	return NewIPv6Address(addr.IP.To16(), addr.Port)
}

// Resolver resolves a hostname to its IP addresses. It is an external
// collaborator: the core never performs DNS itself.
type Resolver interface {
	Resolve(name string) ([]net.IP, error)
}

// Resolved returns a copy of addr with a HostName resolved to an IPv4 or
// IPv6 address via r. Addresses that are already resolved are returned
// unchanged. Resolution failure returns ok=false rather than an error: per
// spec §9, a resolver failure silently drops the affected contact.
func (a NetworkAddress) Resolved(r Resolver) (resolved NetworkAddress, ok bool) {
	if a.Kind != HostName {
		return a, true
	}
	if r == nil {
		return NetworkAddress{}, false
	}
	ips, err := r.Resolve(a.Name)
	if err != nil || len(ips) == 0 {
		return NetworkAddress{}, false
	}
	ip := ips[0]
	if ip4 := ip.To4(); ip4 != nil {
		return NewIPv4Address(ip4, a.Port), true
	}
	if ip16 := ip.To16(); ip16 != nil {
		return NewIPv6Address(ip16, a.Port), true
	}
	return NetworkAddress{}, false
}

// CompactLen is the byte length of the compact contact form for the given
// host kind (6 for IPv4, 18 for IPv6).
func CompactLen(kind HostKind) int {
	switch kind {
	case HostIPv4:
		return 6
	case HostIPv6:
		return 18
	default:
		return 0
	}
}

// Compact encodes a resolved address as raw host bytes followed by a
// big-endian u16 port (6 bytes for IPv4, 18 for IPv6). Name hosts cannot be
// compacted and return an error.
func (a NetworkAddress) Compact() ([]byte, error) {
	switch a.Kind {
	case HostIPv4:
		ip4 := a.IP.To4()
		if ip4 == nil {
			return nil, errors.New("dht: address marked IPv4 does not hold a 4-byte IP")
		}
		buf := make([]byte, 6)
		copy(buf[:4], ip4)
		binary.BigEndian.PutUint16(buf[4:6], uint16(a.Port))
		return buf, nil
	case HostIPv6:
		ip16 := a.IP.To16()
		if ip16 == nil || a.IP.To4() != nil {
			return nil, errors.New("dht: address marked IPv6 does not hold a 16-byte IP")
		}
		buf := make([]byte, 18)
		copy(buf[:16], ip16)
		binary.BigEndian.PutUint16(buf[16:18], uint16(a.Port))
		return buf, nil
	default:
		return nil, errors.New("dht: name hosts have no compact contact form")
	}
}

// ParseCompactIPv4Addr decodes a 6-byte compact IPv4 peer contact.
func ParseCompactIPv4Addr(data []byte) (NetworkAddress, error) {
	if len(data) != 6 {
		return NetworkAddress{}, errors.Errorf("dht: compact IPv4 contact must be 6 bytes, got %d", len(data))
	}
	ip := net.IP(append([]byte(nil), data[:4]...))
	port := binary.BigEndian.Uint16(data[4:6])
	return NewIPv4Address(ip, int(port)), nil
}

// ParseCompactIPv6Addr decodes an 18-byte compact IPv6 peer contact.
func ParseCompactIPv6Addr(data []byte) (NetworkAddress, error) {
	if len(data) != 18 {
		return NetworkAddress{}, errors.Errorf("dht: compact IPv6 contact must be 18 bytes, got %d", len(data))
	}
	ip := net.IP(append([]byte(nil), data[:16]...))
	port := binary.BigEndian.Uint16(data[16:18])
	return NewIPv6Address(ip, int(port)), nil
}

// ParseCompactPeers decodes a list of compact peer contact byte-strings
// (the KRPC "values" list, where each element is independently 6 or 18
// bytes). Elements of any other size are skipped per spec §4.3.
func ParseCompactPeers(values [][]byte) []NetworkAddress {
	var out []NetworkAddress
	for _, v := range values {
		switch len(v) {
		case 6:
			if addr, err := ParseCompactIPv4Addr(v); err == nil {
				out = append(out, addr)
			}
		case 18:
			if addr, err := ParseCompactIPv6Addr(v); err == nil {
				out = append(out, addr)
			}
		}
	}
	return out
}
