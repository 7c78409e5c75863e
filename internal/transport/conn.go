// Package transport implements the SSH binary packet protocol over a byte
// stream: framing, per-direction sequence counters, and AEAD packet
// protection (RFC 4253 Section 6).
package transport

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// maxVersionLine bounds the server identification line, including CRLF
// (RFC 4253 Section 4.2).
const maxVersionLine = 255

// Conn is an SSH packet connection over a net.Conn. It owns both sequence
// counters and the active packet ciphers; each direction is guarded by its
// own lock so a blocked read never stalls a write. There is exactly one Conn
// per session and every component receives it by reference.
type Conn struct {
	conn net.Conn
	rand io.Reader

	readMu     sync.Mutex
	br         *bufio.Reader
	readSeq    uint32
	readCipher packetCipher

	writeMu     sync.Mutex
	writeSeq    uint32
	writeCipher packetCipher
}

// NewConn wraps an established byte stream. The connection starts out
// unprotected; the key exchange engine installs ciphers once keys are derived.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		conn:        c,
		rand:        rand.Reader,
		br:          bufio.NewReader(c),
		readCipher:  plainCipher{},
		writeCipher: plainCipher{},
	}
}

// ExchangeVersions sends our identification string and reads the server's.
// The server may send other lines before its identification line; those are
// ignored (RFC 4253 Section 4.2). Returns the trimmed server string.
func (c *Conn) ExchangeVersions(clientVersion string) (string, error) {
	if !strings.HasPrefix(clientVersion, "SSH-2.0-") {
		return "", fmt.Errorf("client version %q must start with SSH-2.0-", clientVersion)
	}
	if _, err := c.conn.Write([]byte(clientVersion + "\r\n")); err != nil {
		return "", fmt.Errorf("send version: %w", err)
	}

	for {
		line, err := c.readVersionLine()
		if err != nil {
			return "", err
		}
		if strings.HasPrefix(line, "SSH-") {
			if !strings.HasPrefix(line, "SSH-2.0-") && !strings.HasPrefix(line, "SSH-1.99-") {
				return "", fmt.Errorf("unsupported server version %q", line)
			}
			slog.Debug("server version", "version", line)
			return line, nil
		}
		// Pre-version banner line, permitted for servers.
		slog.Debug("server banner", "line", line)
	}
}

func (c *Conn) readVersionLine() (string, error) {
	var line []byte
	for len(line) < maxVersionLine {
		b, err := c.br.ReadByte()
		if err != nil {
			return "", fmt.Errorf("read version: %w", err)
		}
		if b == '\n' {
			return string(bytes.TrimRight(line, "\r")), nil
		}
		line = append(line, b)
	}
	return "", fmt.Errorf("version line exceeds %d bytes", maxVersionLine)
}

// WritePacket seals payload under the active write cipher and write sequence
// number and sends it as a single Write call, so two packets from the same
// session can never interleave. The write counter advances exactly once per
// packet, wrapping from MaxUint32 to 0.
func (c *Conn) WritePacket(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	frame, err := c.writeCipher.seal(c.writeSeq, c.rand, payload)
	if err != nil {
		return err
	}
	c.writeSeq++ // wraps mod 2^32
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	return nil
}

// ReadPacket blocks until one whole frame is available, opens it under the
// active read cipher and read sequence number, and returns the payload.
// A failed open is fatal to the connection; callers must tear down rather
// than retry.
func (c *Conn) ReadPacket() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	payload, err := c.readCipher.open(c.readSeq, c.br)
	if err != nil {
		// A deadline expiry while waiting for the first byte leaves the
		// stream aligned and the counter untouched; anything else is
		// fatal and the counter no longer matters.
		return nil, err
	}
	c.readSeq++ // wraps mod 2^32
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty packet payload")
	}
	return payload, nil
}

// InstallWriteKeys swaps the outbound cipher. Takes effect with the next
// packet written; the caller invokes this immediately after sending NEWKEYS.
func (c *Conn) InstallWriteKeys(key []byte) error {
	cipher, err := newChaChaPolyCipher(key)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	c.writeCipher = cipher
	c.writeMu.Unlock()
	return nil
}

// InstallReadKeys swaps the inbound cipher. Takes effect with the next packet
// read; the caller invokes this immediately after receiving NEWKEYS.
func (c *Conn) InstallReadKeys(key []byte) error {
	cipher, err := newChaChaPolyCipher(key)
	if err != nil {
		return err
	}
	c.readMu.Lock()
	c.readCipher = cipher
	c.readMu.Unlock()
	return nil
}

// SetReadDeadline bounds subsequent ReadPacket calls. A zero time clears the
// deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Sequences reports the current (write, read) sequence counters.
func (c *Conn) Sequences() (uint32, uint32) {
	c.writeMu.Lock()
	w := c.writeSeq
	c.writeMu.Unlock()
	c.readMu.Lock()
	r := c.readSeq
	c.readMu.Unlock()
	return w, r
}

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) Close() error { return c.conn.Close() }
