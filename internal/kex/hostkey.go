package kex

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"math/big"

	"github.com/jclement/skiff/internal/protocol"
	"github.com/jclement/skiff/internal/wire"
)

// verifyHostSignature checks the server's signature over the exchange hash
// using the host key from its wire blob. Any parse or verification failure is
// reported as an integrity error; a forged signature must never be survivable.
func verifyHostSignature(hostKeyBlob, sigBlob, exchangeHash []byte, negotiatedAlgo string) error {
	keyBuf := wire.Parse(hostKeyBlob)
	keyFormat, err := keyBuf.String()
	if err != nil {
		return fmt.Errorf("host key blob: %w", err)
	}

	sigBuf := wire.Parse(sigBlob)
	sigFormat, err := sigBuf.String()
	if err != nil {
		return fmt.Errorf("signature blob: %w", err)
	}
	sig, err := sigBuf.BytesString()
	if err != nil {
		return fmt.Errorf("signature blob: %w", err)
	}

	switch keyFormat {
	case "ssh-ed25519":
		if negotiatedAlgo != "ssh-ed25519" || sigFormat != "ssh-ed25519" {
			return fmt.Errorf("%w: signature format %q does not match negotiated %q",
				protocol.ErrIntegrity, sigFormat, negotiatedAlgo)
		}
		pub, err := keyBuf.BytesString()
		if err != nil {
			return fmt.Errorf("ed25519 host key: %w", err)
		}
		if len(pub) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: ed25519 host key is %d bytes", protocol.ErrIntegrity, len(pub))
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), exchangeHash, sig) {
			return fmt.Errorf("%w: host signature verification failed", protocol.ErrIntegrity)
		}
		return nil

	case "ssh-rsa":
		// rsa-sha2-256/512 signatures are made with an ssh-rsa host key
		// (RFC 8332 Section 3).
		if sigFormat != negotiatedAlgo {
			return fmt.Errorf("%w: signature format %q does not match negotiated %q",
				protocol.ErrIntegrity, sigFormat, negotiatedAlgo)
		}
		var hash crypto.Hash
		switch negotiatedAlgo {
		case "rsa-sha2-256":
			hash = crypto.SHA256
		case "rsa-sha2-512":
			hash = crypto.SHA512
		default:
			return fmt.Errorf("%w: rsa host key with algorithm %q", protocol.ErrIntegrity, negotiatedAlgo)
		}
		e, err := keyBuf.BytesString()
		if err != nil {
			return fmt.Errorf("rsa host key: %w", err)
		}
		n, err := keyBuf.BytesString()
		if err != nil {
			return fmt.Errorf("rsa host key: %w", err)
		}
		exp := new(big.Int).SetBytes(e)
		if !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31 {
			return fmt.Errorf("%w: rsa exponent out of range", protocol.ErrIntegrity)
		}
		pub := &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}
		h := hash.New()
		h.Write(exchangeHash)
		if err := rsa.VerifyPKCS1v15(pub, hash, h.Sum(nil), sig); err != nil {
			return fmt.Errorf("%w: host signature verification failed", protocol.ErrIntegrity)
		}
		return nil

	default:
		return fmt.Errorf("%w: unsupported host key format %q", protocol.ErrIntegrity, keyFormat)
	}
}
