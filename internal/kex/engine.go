// Package kex implements the client side of the SSH key exchange: algorithm
// negotiation, curve25519 Diffie-Hellman, host signature verification, and
// session key derivation (RFC 4253 Sections 7-8, RFC 5656 Section 4).
package kex

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/curve25519"

	"github.com/jclement/skiff/internal/protocol"
	"github.com/jclement/skiff/internal/transport"
	"github.com/jclement/skiff/internal/wire"
)

// keyMaterial is the per-direction key size consumed by
// chacha20-poly1305@openssh.com.
const keyMaterial = 64

// HostKeyCallback decides whether the server's host key is acceptable before
// its signature is checked. algo is the negotiated host key algorithm; blob
// is the raw wire encoding of the public key.
type HostKeyCallback func(algo string, blob []byte) error

// InsecureIgnoreHostKey accepts any host key. Only for tests and explicit
// opt-in.
func InsecureIgnoreHostKey() HostKeyCallback {
	return func(string, []byte) error { return nil }
}

// Engine drives key exchange over a transport connection. It retains the
// session identifier from the first exchange; later exchanges (rekeys) derive
// fresh cipher keys under the same identifier.
type Engine struct {
	conn          *transport.Conn
	algos         Algorithms
	clientVersion string
	serverVersion string
	checkHostKey  HostKeyCallback

	sessionID []byte
	active    bool
}

// New returns an engine bound to conn. The version strings are the exact
// identification lines exchanged, without CRLF.
func New(conn *transport.Conn, algos Algorithms, clientVersion, serverVersion string, check HostKeyCallback) (*Engine, error) {
	if err := algos.Validate(); err != nil {
		return nil, err
	}
	if check == nil {
		return nil, fmt.Errorf("nil host key callback")
	}
	return &Engine{
		conn:          conn,
		algos:         algos,
		clientVersion: clientVersion,
		serverVersion: serverVersion,
		checkHostKey:  check,
	}, nil
}

// SessionID returns the session identifier, nil before the first exchange
// completes. The returned slice must not be modified.
func (e *Engine) SessionID() []byte { return e.sessionID }

// Active reports whether an exchange has completed and packet protection is
// in place.
func (e *Engine) Active() bool { return e.active }

// Exchange runs one full key exchange. serverInit is the payload of an
// already-received server KEXINIT (a server-initiated rekey), or nil when we
// open the negotiation ourselves. stray handles non-kex packets that arrive
// before the server's KEXINIT during a client-initiated rekey; a nil stray
// treats them as protocol errors.
//
// Until both NEWKEYS boundaries pass, all kex traffic runs under the previous
// protection state: new write keys take effect with the first packet after
// our NEWKEYS, new read keys with the first packet after the server's.
func (e *Engine) Exchange(serverInit []byte, stray func(payload []byte) error) error {
	ourInit, err := e.makeKexInit()
	if err != nil {
		return err
	}
	if err := e.conn.WritePacket(ourInit); err != nil {
		return fmt.Errorf("send kexinit: %w", err)
	}
	if serverInit == nil {
		serverInit, err = e.readKexInit(stray)
		if err != nil {
			return err
		}
	}

	neg, follows, serverFirstKex, err := e.negotiate(serverInit)
	if err != nil {
		return err
	}
	slog.Debug("algorithms negotiated",
		"kex", neg.kex, "host_key", neg.hostKey,
		"cipher_c2s", neg.cipherCS, "cipher_s2c", neg.cipherSC)

	// A mispredicted guessed kex packet is discarded (RFC 4253 Section 7).
	if follows && serverFirstKex != neg.kex {
		if _, err := e.conn.ReadPacket(); err != nil {
			return fmt.Errorf("discard guessed kex packet: %w", err)
		}
	}

	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return fmt.Errorf("generate ephemeral key: %w", err)
	}
	clientPub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("ephemeral public key: %w", err)
	}
	init := wire.New().PutByte(protocol.MsgKexECDHInit).PutBytesString(clientPub)
	if err := e.conn.WritePacket(init.Bytes()); err != nil {
		return fmt.Errorf("send ecdh init: %w", err)
	}

	reply, err := e.readKexMessage(protocol.MsgKexECDHReply)
	if err != nil {
		return err
	}
	hostKeyBlob, err := reply.BytesString()
	if err != nil {
		return fmt.Errorf("ecdh reply: %w", err)
	}
	serverPub, err := reply.BytesString()
	if err != nil {
		return fmt.Errorf("ecdh reply: %w", err)
	}
	sigBlob, err := reply.BytesString()
	if err != nil {
		return fmt.Errorf("ecdh reply: %w", err)
	}
	if len(serverPub) != 32 {
		return fmt.Errorf("%w: server ECDH value is %d bytes", protocol.ErrFraming, len(serverPub))
	}

	// X25519 rejects the low-order points that produce an all-zero secret.
	sharedSecret, err := curve25519.X25519(priv[:], serverPub)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrIntegrity, err)
	}

	hash := exchangeHash(e.clientVersion, e.serverVersion,
		ourInit, serverInit, hostKeyBlob, clientPub, serverPub, sharedSecret)

	if err := e.checkHostKey(neg.hostKey, hostKeyBlob); err != nil {
		return fmt.Errorf("host key rejected: %w", err)
	}
	if err := verifyHostSignature(hostKeyBlob, sigBlob, hash, neg.hostKey); err != nil {
		return err
	}

	firstExchange := e.sessionID == nil
	if firstExchange {
		e.sessionID = hash
	}

	if err := e.conn.WritePacket([]byte{protocol.MsgNewKeys}); err != nil {
		return fmt.Errorf("send newkeys: %w", err)
	}
	if err := e.conn.InstallWriteKeys(deriveKey(sharedSecret, hash, e.sessionID, 'C', keyMaterial)); err != nil {
		return err
	}
	if err := e.awaitNewKeys(); err != nil {
		return err
	}
	if err := e.conn.InstallReadKeys(deriveKey(sharedSecret, hash, e.sessionID, 'D', keyMaterial)); err != nil {
		return err
	}

	e.active = true
	slog.Debug("key exchange complete", "rekey", !firstExchange)
	return nil
}

// makeKexInit builds our KEXINIT payload from the configured preference lists.
func (e *Engine) makeKexInit() ([]byte, error) {
	cookie := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, cookie); err != nil {
		return nil, fmt.Errorf("generate cookie: %w", err)
	}
	b := wire.New().
		PutByte(protocol.MsgKexInit).
		PutBytes(cookie).
		PutNameList(e.algos.Kex).
		PutNameList(e.algos.HostKeys).
		PutNameList(e.algos.Ciphers).
		PutNameList(e.algos.Ciphers).
		PutNameList(macAlgos).
		PutNameList(macAlgos).
		PutNameList(compressionAlgos).
		PutNameList(compressionAlgos).
		PutNameList(nil). // languages client-to-server
		PutNameList(nil). // languages server-to-client
		PutBool(false).   // first_kex_packet_follows
		PutUint32(0)      // reserved
	return b.Bytes(), nil
}

// readKexInit reads packets until the server's KEXINIT arrives.
func (e *Engine) readKexInit(stray func(payload []byte) error) ([]byte, error) {
	for {
		payload, err := e.conn.ReadPacket()
		if err != nil {
			return nil, err
		}
		switch payload[0] {
		case protocol.MsgKexInit:
			return payload, nil
		case protocol.MsgIgnore, protocol.MsgDebug:
		default:
			if stray == nil {
				return nil, fmt.Errorf("%w: unexpected %s before kexinit",
					protocol.ErrFraming, protocol.MessageName(payload[0]))
			}
			if err := stray(payload); err != nil {
				return nil, err
			}
		}
	}
}

// readKexMessage reads the next kex packet and requires the given code.
func (e *Engine) readKexMessage(want byte) (*wire.Buffer, error) {
	for {
		payload, err := e.conn.ReadPacket()
		if err != nil {
			return nil, err
		}
		switch payload[0] {
		case want:
			b := wire.Parse(payload)
			b.Byte() // message code, already inspected
			return b, nil
		case protocol.MsgIgnore, protocol.MsgDebug:
		case protocol.MsgDisconnect:
			return nil, fmt.Errorf("server disconnected during key exchange")
		default:
			return nil, fmt.Errorf("%w: unexpected %s during key exchange",
				protocol.ErrFraming, protocol.MessageName(payload[0]))
		}
	}
}

// awaitNewKeys consumes the server's NEWKEYS. Nothing but ignore and debug
// packets may precede it; the old read keys remain in force until it arrives.
func (e *Engine) awaitNewKeys() error {
	for {
		payload, err := e.conn.ReadPacket()
		if err != nil {
			return err
		}
		switch payload[0] {
		case protocol.MsgNewKeys:
			return nil
		case protocol.MsgIgnore, protocol.MsgDebug:
		default:
			return fmt.Errorf("%w: expected newkeys, got %s",
				protocol.ErrFraming, protocol.MessageName(payload[0]))
		}
	}
}

// negotiate parses the server KEXINIT payload and picks the first mutually
// supported algorithm per category.
func (e *Engine) negotiate(serverInit []byte) (neg negotiated, follows bool, serverFirstKex string, err error) {
	b := wire.Parse(serverInit)
	if code, err := b.Byte(); err != nil || code != protocol.MsgKexInit {
		return neg, false, "", fmt.Errorf("%w: not a kexinit payload", protocol.ErrFraming)
	}
	if _, err := b.Next(16); err != nil { // cookie
		return neg, false, "", fmt.Errorf("kexinit: %w", err)
	}

	lists := make([][]string, 10)
	for i := range lists {
		if lists[i], err = b.NameList(); err != nil {
			return neg, false, "", fmt.Errorf("kexinit: %w", err)
		}
	}
	if follows, err = b.Bool(); err != nil {
		return neg, false, "", fmt.Errorf("kexinit: %w", err)
	}

	serverKex := lists[0]
	if len(serverKex) > 0 {
		serverFirstKex = serverKex[0]
	}
	if neg.kex, err = findCommon("key exchange", e.algos.Kex, serverKex); err != nil {
		return neg, false, "", err
	}
	if neg.hostKey, err = findCommon("host key", e.algos.HostKeys, lists[1]); err != nil {
		return neg, false, "", err
	}
	if neg.cipherCS, err = findCommon("cipher client-to-server", e.algos.Ciphers, lists[2]); err != nil {
		return neg, false, "", err
	}
	if neg.cipherSC, err = findCommon("cipher server-to-client", e.algos.Ciphers, lists[3]); err != nil {
		return neg, false, "", err
	}
	return neg, follows, serverFirstKex, nil
}
