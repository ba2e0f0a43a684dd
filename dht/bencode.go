package dht

import (
	"bufio"
	"bytes"
	"sort"

	"github.com/pkg/errors"
)

// bencode is a minimal encoder/decoder for the subset of bencode that KRPC
// messages use: byte strings, integers, lists and string-keyed dictionaries.
// It is the default implementation of Codec; per spec §1 the wire codec is
// a pluggable external boundary, so callers may supply their own.
//
// Decoded byte strings are represented as []byte (not string) so that
// 20-byte binary node IDs and compact contact blobs round-trip exactly.

func bencodeEncode(v any) []byte {
	var buf bytes.Buffer
	bencodeEncodeTo(&buf, v)
	return buf.Bytes()
}

func bencodeEncodeTo(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
	case []byte:
		buf.WriteString(itoa(len(val)))
		buf.WriteByte(':')
		buf.Write(val)
	case string:
		buf.WriteString(itoa(len(val)))
		buf.WriteByte(':')
		buf.WriteString(val)
	case int:
		buf.WriteByte('i')
		buf.WriteString(itoa(val))
		buf.WriteByte('e')
	case []any:
		buf.WriteByte('l')
		for _, item := range val {
			bencodeEncodeTo(buf, item)
		}
		buf.WriteByte('e')
	case map[string]any:
		buf.WriteByte('d')
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf.WriteString(itoa(len(k)))
			buf.WriteByte(':')
			buf.WriteString(k)
			bencodeEncodeTo(buf, val[k])
		}
		buf.WriteByte('e')
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func bencodeDecode(data []byte) (any, error) {
	reader := bufio.NewReader(bytes.NewReader(data))
	v, err := bencodeDecodeValue(reader)
	if err != nil {
		return nil, errors.Wrap(err, "dht: decode bencode")
	}
	return v, nil
}

func bencodeDecodeValue(reader *bufio.Reader) (any, error) {
	b, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	switch b {
	case 'd':
		dict := make(map[string]any)
		for {
			peek, err := reader.Peek(1)
			if err != nil {
				return nil, err
			}
			if peek[0] == 'e' {
				reader.ReadByte()
				return dict, nil
			}
			key, err := bencodeDecodeValue(reader)
			if err != nil {
				return nil, err
			}
			keyBytes, ok := key.([]byte)
			if !ok {
				return nil, errors.New("dict key must be a byte string")
			}
			val, err := bencodeDecodeValue(reader)
			if err != nil {
				return nil, err
			}
			dict[string(keyBytes)] = val
		}
	case 'l':
		var list []any
		for {
			peek, err := reader.Peek(1)
			if err != nil {
				return nil, err
			}
			if peek[0] == 'e' {
				reader.ReadByte()
				return list, nil
			}
			val, err := bencodeDecodeValue(reader)
			if err != nil {
				return nil, err
			}
			list = append(list, val)
		}
	case 'i':
		numStr, err := reader.ReadString('e')
		if err != nil {
			return nil, err
		}
		return atoi(numStr[:len(numStr)-1])
	default:
		reader.UnreadByte()
		lenStr, err := reader.ReadString(':')
		if err != nil {
			return nil, err
		}
		length, err := atoi(lenStr[:len(lenStr)-1])
		if err != nil {
			return nil, err
		}
		if length < 0 {
			return nil, errors.New("negative string length")
		}
		buf := make([]byte, length)
		if _, err := readFull(reader, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}
}

func readFull(reader *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := reader.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, errors.New("empty integer")
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.Errorf("invalid digit in %q", s)
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

// dictBytes reads a byte-string-valued key from a decoded dict, returning
// (value, ok).
func dictBytes(d map[string]any, key string) ([]byte, bool) {
	v, ok := d[key]
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

func dictInt(d map[string]any, key string) (int, bool) {
	v, ok := d[key]
	if !ok {
		return 0, false
	}
	n, ok := v.(int)
	return n, ok
}

func dictDict(d map[string]any, key string) (map[string]any, bool) {
	v, ok := d[key]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

func dictList(d map[string]any, key string) ([]any, bool) {
	v, ok := d[key]
	if !ok {
		return nil, false
	}
	l, ok := v.([]any)
	return l, ok
}
