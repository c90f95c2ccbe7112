// Package hostkey implements the host-key verification policy hook called
// for in spec §9 ("No host-key verification... a rewrite should expose a
// policy hook"). It is grounded on the teacher's fingerprint helpers in
// control-plane/internal/sshkeys/verify.go.
package hostkey

import (
	"fmt"
	"log"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshgate/internal/logutil"
)

// MismatchError is returned by a Pinned or TrustOnFirstUse callback when the
// remote host key's fingerprint does not match the one on file.
type MismatchError struct {
	Host     string
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("ssh: host key fingerprint mismatch for %s: expected %s, got %s",
		logutil.SanitizeForLog(e.Host), e.Expected, e.Actual)
}

// AcceptAny returns a callback that accepts any host key without
// verification. This reproduces the documented weakness of §9 and exists for
// operators who explicitly opt into it via config.
func AcceptAny() ssh.HostKeyCallback {
	return ssh.InsecureIgnoreHostKey()
}

// Pinned returns a callback that rejects any host key whose SHA256
// fingerprint does not equal expectedFingerprint (e.g. "SHA256:abc...").
func Pinned(expectedFingerprint string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		actual := ssh.FingerprintSHA256(key)
		if actual != expectedFingerprint {
			return &MismatchError{Host: hostname, Expected: expectedFingerprint, Actual: actual}
		}
		return nil
	}
}

// Store records host-key fingerprints seen on first connection, keyed by
// "host:port". It has no persistence — in line with the Non-goal that
// session/host state does not survive a process restart.
type Store struct {
	mu           sync.RWMutex
	fingerprints map[string]string
}

// NewStore creates an empty in-memory fingerprint store.
func NewStore() *Store {
	return &Store{fingerprints: make(map[string]string)}
}

// Fingerprint returns the stored fingerprint for addr, if any.
func (s *Store) Fingerprint(addr string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fp, ok := s.fingerprints[addr]
	return fp, ok
}

// Record stores addr's fingerprint, overwriting any previous value.
func (s *Store) Record(addr, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprints[addr] = fingerprint
}

// TrustOnFirstUse returns a callback that pins the fingerprint seen on the
// first connection to a given address, logging the pin, and rejects any
// later connection whose host key fingerprint differs with a MismatchError.
func TrustOnFirstUse(store *Store) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		actual := ssh.FingerprintSHA256(key)
		addr := remote.String()

		if expected, ok := store.Fingerprint(addr); ok {
			if expected != actual {
				return &MismatchError{Host: hostname, Expected: expected, Actual: actual}
			}
			return nil
		}

		store.Record(addr, actual)
		log.Printf("[hostkey] trust-on-first-use: pinned %s for %s", actual, logutil.SanitizeForLog(addr))
		return nil
	}
}
