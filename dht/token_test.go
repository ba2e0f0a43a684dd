package dht

import (
	"net"
	"testing"
)

func TestSecretTokensIssueThenValid(t *testing.T) {
	st, err := NewSecretTokens()
	if err != nil {
		t.Fatalf("NewSecretTokens: %v", err)
	}
	addr := NewIPv4Address(net.ParseIP("1.2.3.4"), 6881)

	token, err := st.Issue(addr, Sha256Hasher{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !st.Valid(addr, token, Sha256Hasher{}) {
		t.Fatal("issued token did not validate")
	}
}

func TestSecretTokensValidAfterRotation(t *testing.T) {
	st, err := NewSecretTokens()
	if err != nil {
		t.Fatalf("NewSecretTokens: %v", err)
	}
	addr := NewIPv4Address(net.ParseIP("1.2.3.4"), 6881)
	token, _ := st.Issue(addr, Sha256Hasher{})

	if err := st.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if !st.Valid(addr, token, Sha256Hasher{}) {
		t.Fatal("token issued under the previous secret should still validate once")
	}

	if err := st.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if st.Valid(addr, token, Sha256Hasher{}) {
		t.Fatal("token should no longer validate after two rotations")
	}
}

func TestSecretTokensRejectsWrongAddress(t *testing.T) {
	st, _ := NewSecretTokens()
	addr := NewIPv4Address(net.ParseIP("1.2.3.4"), 6881)
	other := NewIPv4Address(net.ParseIP("5.6.7.8"), 6881)
	token, _ := st.Issue(addr, Sha256Hasher{})
	if st.Valid(other, token, Sha256Hasher{}) {
		t.Fatal("token issued for one address validated for a different one")
	}
}
