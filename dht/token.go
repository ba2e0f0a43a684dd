package dht

import (
	"crypto/rand"
	"crypto/sha256"
)

// Hasher computes a fixed-size digest. It is the pluggable hash primitive
// named in spec §1; Sha256Hasher is the default.
type Hasher interface {
	Sum(data []byte) []byte
}

// Sha256Hasher implements Hasher with SHA-256.
type Sha256Hasher struct{}

// Sum returns the SHA-256 digest of data.
func (Sha256Hasher) Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// secretTokenLen is the byte length of a secret token value (spec §3).
const secretTokenLen = 20

// SecretTokens is the rotating (current, previous) pair of secret values
// used to mint and validate get_peers/announce_peer tokens (spec §4.10).
type SecretTokens struct {
	current  [secretTokenLen]byte
	previous [secretTokenLen]byte
}

// NewSecretTokens creates a token pair with current == previous, both
// freshly random.
func NewSecretTokens() (*SecretTokens, error) {
	st := &SecretTokens{}
	if _, err := rand.Read(st.current[:]); err != nil {
		return nil, err
	}
	st.previous = st.current
	return st, nil
}

// Rotate shifts current into previous and generates a fresh current.
func (st *SecretTokens) Rotate() error {
	st.previous = st.current
	_, err := rand.Read(st.current[:])
	return err
}

// Issue mints a token for addr using the current secret.
func (st *SecretTokens) Issue(addr NetworkAddress, hasher Hasher) ([]byte, error) {
	if hasher == nil {
		hasher = Sha256Hasher{}
	}
	compact, err := addr.Compact()
	if err != nil {
		return nil, err
	}
	return hasher.Sum(append(compact, st.current[:]...)), nil
}

// Valid reports whether token was issued for addr under either the
// current or previous secret.
func (st *SecretTokens) Valid(addr NetworkAddress, token []byte, hasher Hasher) bool {
	if hasher == nil {
		hasher = Sha256Hasher{}
	}
	compact, err := addr.Compact()
	if err != nil {
		return false
	}
	cur := hasher.Sum(append(append([]byte(nil), compact...), st.current[:]...))
	if bytesEqual(cur, token) {
		return true
	}
	prev := hasher.Sum(append(append([]byte(nil), compact...), st.previous[:]...))
	return bytesEqual(prev, token)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
