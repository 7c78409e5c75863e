package transport

import (
	"bufio"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"

	"github.com/jclement/skiff/internal/protocol"
)

// maxPacket bounds the packet_length field of an incoming frame. Anything
// larger is treated as a framing attack or corruption and kills the connection.
const maxPacket = 256 * 1024

const (
	minPadding     = 4
	plainBlockSize = 8
)

// packetCipher seals and opens one SSH frame. Implementations own the framing
// layout (length word, padding, tag) because AEAD modes authenticate the
// length word differently from the unencrypted layout.
//
// seq is the per-direction sequence number for the frame; the caller
// increments it after each successful call.
type packetCipher interface {
	// seal returns the complete wire frame for payload.
	seal(seq uint32, rand io.Reader, payload []byte) ([]byte, error)
	// open reads one complete frame from r and returns its payload.
	open(seq uint32, r *bufio.Reader) ([]byte, error)
}

// paddingLen returns the padding length for a frame where n bytes precede the
// padding within the padded region. The result keeps the padded region a
// multiple of blockSize and is always at least minPadding.
func paddingLen(n, blockSize int) int {
	pad := blockSize - n%blockSize
	if pad < minPadding {
		pad += blockSize
	}
	return pad
}

// plainCipher is the identity protection used before the first key exchange
// completes. No MAC; layout is length(4) | padlen(1) | payload | padding,
// with the whole frame a multiple of the block size (8).
type plainCipher struct{}

func (plainCipher) seal(_ uint32, rand io.Reader, payload []byte) ([]byte, error) {
	pad := paddingLen(5+len(payload), plainBlockSize)
	length := 1 + len(payload) + pad

	frame := make([]byte, 5+len(payload)+pad)
	binary.BigEndian.PutUint32(frame, uint32(length))
	frame[4] = byte(pad)
	copy(frame[5:], payload)
	if _, err := io.ReadFull(rand, frame[5+len(payload):]); err != nil {
		return nil, fmt.Errorf("read padding: %w", err)
	}
	return frame, nil
}

func (plainCipher) open(_ uint32, r *bufio.Reader) ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(head[:])
	if length < minPadding+1 || length > maxPacket {
		return nil, fmt.Errorf("%w: packet length %d", protocol.ErrFraming, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	pad := int(body[0])
	if pad < minPadding || pad >= int(length) {
		return nil, fmt.Errorf("%w: padding length %d", protocol.ErrFraming, pad)
	}
	return body[1 : length-uint32(pad)], nil
}

// chachaPolyCipher implements chacha20-poly1305@openssh.com
// (PROTOCOL.chacha20poly1305 in the OpenSSH source tree).
//
// The 64 bytes of derived key material split into a payload key and a length
// key. Per packet, the nonce is the sequence number; the poly1305 key is the
// first 32 bytes of the payload-key keystream at counter 0; the length word is
// encrypted under the length key; the body is encrypted at counter 1; the tag
// authenticates the encrypted length and body together.
type chachaPolyCipher struct {
	contentKey [32]byte
	lengthKey  [32]byte
}

func newChaChaPolyCipher(key []byte) (*chachaPolyCipher, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("chacha20-poly1305 needs 64 key bytes, got %d", len(key))
	}
	c := &chachaPolyCipher{}
	copy(c.contentKey[:], key[:32])
	copy(c.lengthKey[:], key[32:])
	return c, nil
}

func (c *chachaPolyCipher) nonce(seq uint32) []byte {
	nonce := make([]byte, chacha20.NonceSize)
	binary.BigEndian.PutUint32(nonce[8:], seq)
	return nonce
}

// polyKey derives the per-packet poly1305 key from the counter-0 keystream.
func (c *chachaPolyCipher) polyKey(seq uint32) (*[32]byte, *chacha20.Cipher, error) {
	s, err := chacha20.NewUnauthenticatedCipher(c.contentKey[:], c.nonce(seq))
	if err != nil {
		return nil, nil, err
	}
	var key [32]byte
	s.XORKeyStream(key[:], key[:])
	// Advance to the start of the next 64-byte block; payload encryption
	// begins at counter 1.
	var discard [32]byte
	s.XORKeyStream(discard[:], discard[:])
	return &key, s, nil
}

func (c *chachaPolyCipher) seal(seq uint32, rand io.Reader, payload []byte) ([]byte, error) {
	// The length word is not part of the padded region for this mode.
	pad := paddingLen(1+len(payload), plainBlockSize)
	length := 1 + len(payload) + pad

	frame := make([]byte, 4+length+poly1305.TagSize)
	binary.BigEndian.PutUint32(frame, uint32(length))
	frame[4] = byte(pad)
	copy(frame[5:], payload)
	if _, err := io.ReadFull(rand, frame[5+len(payload):4+length]); err != nil {
		return nil, fmt.Errorf("read padding: %w", err)
	}

	ls, err := chacha20.NewUnauthenticatedCipher(c.lengthKey[:], c.nonce(seq))
	if err != nil {
		return nil, err
	}
	ls.XORKeyStream(frame[:4], frame[:4])

	key, body, err := c.polyKey(seq)
	if err != nil {
		return nil, err
	}
	body.XORKeyStream(frame[4:4+length], frame[4:4+length])

	var tag [poly1305.TagSize]byte
	poly1305.Sum(&tag, frame[:4+length], key)
	copy(frame[4+length:], tag[:])
	return frame, nil
}

func (c *chachaPolyCipher) open(seq uint32, r *bufio.Reader) ([]byte, error) {
	var encLen [4]byte
	if _, err := io.ReadFull(r, encLen[:]); err != nil {
		return nil, err
	}

	ls, err := chacha20.NewUnauthenticatedCipher(c.lengthKey[:], c.nonce(seq))
	if err != nil {
		return nil, err
	}
	var head [4]byte
	ls.XORKeyStream(head[:], encLen[:])
	length := binary.BigEndian.Uint32(head[:])
	if length < minPadding+1 || length > maxPacket {
		return nil, fmt.Errorf("%w: packet length %d", protocol.ErrFraming, length)
	}

	frame := make([]byte, 4+length+poly1305.TagSize)
	copy(frame, encLen[:])
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return nil, err
	}

	key, body, err := c.polyKey(seq)
	if err != nil {
		return nil, err
	}
	var tag [poly1305.TagSize]byte
	poly1305.Sum(&tag, frame[:4+length], key)
	if subtle.ConstantTimeCompare(tag[:], frame[4+length:]) != 1 {
		return nil, fmt.Errorf("%w: bad packet tag", protocol.ErrIntegrity)
	}

	plain := make([]byte, length)
	body.XORKeyStream(plain, frame[4:4+length])
	pad := int(plain[0])
	if pad < minPadding || pad >= int(length) {
		return nil, fmt.Errorf("%w: padding length %d", protocol.ErrFraming, pad)
	}
	return plain[1 : length-uint32(pad)], nil
}
