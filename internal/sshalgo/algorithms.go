// Package sshalgo defines the negotiated algorithm sets used by the
// Connection Orchestrator when dialing a remote SSH server (spec §6).
package sshalgo

import "golang.org/x/crypto/ssh"

// KeyExchanges lists the accepted key-exchange algorithms in preferred order.
var KeyExchanges = []string{
	"curve25519-sha256",
	"curve25519-sha256@libssh.org",
	"ecdh-sha2-nistp256",
	"ecdh-sha2-nistp384",
	"ecdh-sha2-nistp521",
	"diffie-hellman-group-exchange-sha256",
	"diffie-hellman-group14-sha1",
}

// HostKeyAlgorithms lists the accepted host-key algorithms in preferred order.
var HostKeyAlgorithms = []string{
	"ssh-rsa",
	"rsa-sha2-512",
	"rsa-sha2-256",
	"ecdsa-sha2-nistp256",
	"ecdsa-sha2-nistp384",
	"ecdsa-sha2-nistp521",
	"ssh-ed25519",
}

// Ciphers lists the accepted symmetric ciphers in preferred order.
var Ciphers = []string{
	"aes128-gcm@openssh.com",
	"aes256-gcm@openssh.com",
	"aes128-ctr",
	"aes192-ctr",
	"aes256-ctr",
	"aes128-cbc",
	"aes256-cbc",
}

// MACs lists the accepted MAC algorithms in preferred order.
var MACs = []string{
	"hmac-sha2-256-etm@openssh.com",
	"hmac-sha2-512-etm@openssh.com",
	"hmac-sha2-256",
	"hmac-sha2-512",
	"hmac-sha1",
}

// Compressions lists the accepted compression methods in preferred order.
// golang.org/x/crypto/ssh has no compression knob, so this list is carried
// for parity with spec §6 but is not applied to the dialed connection.
var Compressions = []string{
	"none",
	"zlib@openssh.com",
}

// Apply installs the negotiable algorithm sets onto an ssh.ClientConfig.
func Apply(cfg *ssh.ClientConfig) {
	cfg.KeyExchanges = KeyExchanges
	cfg.Ciphers = Ciphers
	cfg.MACs = MACs
	cfg.HostKeyAlgorithms = HostKeyAlgorithms
}
