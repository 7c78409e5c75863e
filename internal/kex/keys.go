package kex

import (
	"crypto/sha256"

	"github.com/jclement/skiff/internal/wire"
)

// exchangeHash computes H over the handshake transcript for
// curve25519-sha256 (RFC 5656 Section 4; RFC 4253 Section 8).
// Version strings are the identification lines without CRLF.
func exchangeHash(clientVersion, serverVersion string, clientInit, serverInit, hostKey, clientPub, serverPub, sharedSecret []byte) []byte {
	b := wire.New().
		PutString(clientVersion).
		PutString(serverVersion).
		PutBytesString(clientInit).
		PutBytesString(serverInit).
		PutBytesString(hostKey).
		PutBytesString(clientPub).
		PutBytesString(serverPub).
		PutMPInt(sharedSecret)
	sum := sha256.Sum256(b.Bytes())
	return sum[:]
}

// deriveKey produces n bytes of key material for one direction per
// RFC 4253 Section 7.2: HASH(K || H || tag || session_id), extended with
// HASH(K || H || output-so-far) until enough bytes are available. K is
// encoded as an mpint. The session ID is fixed at the first exchange, so
// rekeys yield fresh keys while the ID stays stable.
func deriveKey(sharedSecret, exchangeHash, sessionID []byte, tag byte, n int) []byte {
	k := wire.New().PutMPInt(sharedSecret).Bytes()

	h := sha256.New()
	h.Write(k)
	h.Write(exchangeHash)
	h.Write([]byte{tag})
	h.Write(sessionID)
	out := h.Sum(nil)

	for len(out) < n {
		h := sha256.New()
		h.Write(k)
		h.Write(exchangeHash)
		h.Write(out)
		out = h.Sum(out)
	}
	return out[:n]
}
