package sshalgo

import (
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestApply(t *testing.T) {
	cfg := &ssh.ClientConfig{}
	Apply(cfg)

	if len(cfg.KeyExchanges) != len(KeyExchanges) {
		t.Errorf("KeyExchanges not applied")
	}
	if len(cfg.Ciphers) != len(Ciphers) {
		t.Errorf("Ciphers not applied")
	}
	if len(cfg.MACs) != len(MACs) {
		t.Errorf("MACs not applied")
	}
	if len(cfg.HostKeyAlgorithms) != len(HostKeyAlgorithms) {
		t.Errorf("HostKeyAlgorithms not applied")
	}
}
