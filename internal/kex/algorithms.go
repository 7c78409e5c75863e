package kex

import (
	"fmt"

	"github.com/jclement/skiff/internal/protocol"
)

// Supported candidate algorithms, in default preference order. Config may
// reorder or drop entries but cannot add to these sets.
var (
	SupportedKexAlgos = []string{
		"curve25519-sha256",
		"curve25519-sha256@libssh.org",
	}
	SupportedHostKeyAlgos = []string{
		"ssh-ed25519",
		"rsa-sha2-512",
		"rsa-sha2-256",
	}
	SupportedCiphers = []string{
		"chacha20-poly1305@openssh.com",
	}
)

// The MAC and compression lists are fixed: the only supported cipher is an
// AEAD mode, which makes the negotiated MAC moot, and compression is never
// offered.
var (
	macAlgos         = []string{"hmac-sha2-256", "hmac-sha2-512"}
	compressionAlgos = []string{"none"}
)

// Algorithms is the ranked candidate lists offered in our KEXINIT.
type Algorithms struct {
	Kex      []string
	HostKeys []string
	Ciphers  []string
}

// DefaultAlgorithms returns the full supported sets in preference order.
func DefaultAlgorithms() Algorithms {
	return Algorithms{
		Kex:      append([]string(nil), SupportedKexAlgos...),
		HostKeys: append([]string(nil), SupportedHostKeyAlgos...),
		Ciphers:  append([]string(nil), SupportedCiphers...),
	}
}

// Validate checks every configured candidate against the supported sets.
func (a Algorithms) Validate() error {
	for _, pair := range []struct {
		name      string
		offered   []string
		supported []string
	}{
		{"kex", a.Kex, SupportedKexAlgos},
		{"host key", a.HostKeys, SupportedHostKeyAlgos},
		{"cipher", a.Ciphers, SupportedCiphers},
	} {
		if len(pair.offered) == 0 {
			return fmt.Errorf("empty %s algorithm list", pair.name)
		}
		for _, name := range pair.offered {
			if !contains(pair.supported, name) {
				return fmt.Errorf("unsupported %s algorithm %q", pair.name, name)
			}
		}
	}
	return nil
}

// negotiated holds the outcome of algorithm negotiation.
type negotiated struct {
	kex      string
	hostKey  string
	cipherCS string
	cipherSC string
}

// findCommon returns the first client candidate that the server also lists
// (RFC 4253 Section 7.1: the client's preference order wins).
func findCommon(kind string, client, server []string) (string, error) {
	for _, name := range client {
		if contains(server, name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s (client %v, server %v)", protocol.ErrNegotiation, kind, client, server)
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
