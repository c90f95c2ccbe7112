package hostkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"

	"golang.org/x/crypto/ssh"
)

func genHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer.PublicKey()
}

type fakeAddr string

func (f fakeAddr) Network() string { return "tcp" }
func (f fakeAddr) String() string  { return string(f) }

func TestTrustOnFirstUsePinsAndDetectsMismatch(t *testing.T) {
	store := NewStore()
	cb := TrustOnFirstUse(store)
	addr := fakeAddr("10.0.0.5:22")

	key1 := genHostKey(t)
	if err := cb("host", addr, key1); err != nil {
		t.Fatalf("first connection should be trusted: %v", err)
	}

	if err := cb("host", addr, key1); err != nil {
		t.Fatalf("same key should still be trusted: %v", err)
	}

	key2 := genHostKey(t)
	var mismatch *MismatchError
	err := cb("host", addr, key2)
	if err == nil {
		t.Fatalf("expected mismatch error for rotated host key")
	}
	if !errorsAs(err, &mismatch) {
		t.Fatalf("expected *MismatchError, got %T: %v", err, err)
	}
}

func TestPinnedRejectsUnexpectedKey(t *testing.T) {
	key := genHostKey(t)
	fp := ssh.FingerprintSHA256(key)

	cb := Pinned(fp)
	if err := cb("host", fakeAddr("1.2.3.4:22"), key); err != nil {
		t.Fatalf("expected pinned key to be accepted: %v", err)
	}

	other := genHostKey(t)
	if err := cb("host", fakeAddr("1.2.3.4:22"), other); err == nil {
		t.Fatalf("expected mismatch for unpinned key")
	}
}

func TestAcceptAnyNeverRejects(t *testing.T) {
	cb := AcceptAny()
	if err := cb("host", fakeAddr("1.2.3.4:22"), genHostKey(t)); err != nil {
		t.Fatalf("AcceptAny should never reject: %v", err)
	}
}

// errorsAs avoids importing errors just for this narrow use in the test.
func errorsAs(err error, target **MismatchError) bool {
	if m, ok := err.(*MismatchError); ok {
		*target = m
		return true
	}
	return false
}

var _ net.Addr = fakeAddr("")
