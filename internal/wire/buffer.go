// Package wire implements the SSH binary field encoding (RFC 4251 Section 5):
// typed readers and writers over a byte buffer with a forward-only read cursor.
package wire

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/jclement/skiff/internal/protocol"
)

// Buffer is an append-only byte sequence with a read cursor. Writers append
// to the end; readers advance the cursor. A Buffer is owned by the packet
// being built or parsed and is never shared.
type Buffer struct {
	data []byte
	off  int
}

// New returns an empty Buffer ready for writing.
func New() *Buffer {
	return &Buffer{}
}

// Parse returns a Buffer whose cursor reads the given payload.
// The payload is not copied.
func Parse(payload []byte) *Buffer {
	return &Buffer{data: payload}
}

// Bytes returns the full written contents, including any already-read prefix.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the total number of bytes written.
func (b *Buffer) Len() int { return len(b.data) }

// Rest returns the unread tail.
func (b *Buffer) Rest() []byte { return b.data[b.off:] }

func (b *Buffer) PutByte(v byte) *Buffer {
	b.data = append(b.data, v)
	return b
}

func (b *Buffer) PutBool(v bool) *Buffer {
	if v {
		return b.PutByte(1)
	}
	return b.PutByte(0)
}

func (b *Buffer) PutUint32(v uint32) *Buffer {
	b.data = binary.BigEndian.AppendUint32(b.data, v)
	return b
}

// PutString appends a uint32 length prefix followed by the string bytes.
func (b *Buffer) PutString(s string) *Buffer {
	b.PutUint32(uint32(len(s)))
	b.data = append(b.data, s...)
	return b
}

// PutBytesString appends a uint32 length prefix followed by the raw bytes.
func (b *Buffer) PutBytesString(p []byte) *Buffer {
	b.PutUint32(uint32(len(p)))
	b.data = append(b.data, p...)
	return b
}

// PutBytes appends raw bytes with no length prefix.
func (b *Buffer) PutBytes(p []byte) *Buffer {
	b.data = append(b.data, p...)
	return b
}

// PutNameList appends an algorithm name-list (RFC 4251 Section 5):
// a length-prefixed, comma-separated string.
func (b *Buffer) PutNameList(names []string) *Buffer {
	return b.PutString(strings.Join(names, ","))
}

// PutMPInt appends a multiple-precision integer: leading zero bytes are
// stripped, and a zero byte is prepended when the high bit is set so the
// value is never read as negative.
func (b *Buffer) PutMPInt(v []byte) *Buffer {
	for len(v) > 0 && v[0] == 0 {
		v = v[1:]
	}
	if len(v) > 0 && v[0]&0x80 != 0 {
		b.PutUint32(uint32(len(v) + 1))
		b.PutByte(0)
		return b.PutBytes(v)
	}
	return b.PutBytesString(v)
}

func (b *Buffer) need(n int) error {
	if len(b.data)-b.off < n {
		return fmt.Errorf("%w: want %d bytes, have %d", protocol.ErrFraming, n, len(b.data)-b.off)
	}
	return nil
}

func (b *Buffer) Byte() (byte, error) {
	if err := b.need(1); err != nil {
		return 0, err
	}
	v := b.data[b.off]
	b.off++
	return v, nil
}

func (b *Buffer) Bool() (bool, error) {
	v, err := b.Byte()
	return v != 0, err
}

func (b *Buffer) Uint32() (uint32, error) {
	if err := b.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(b.data[b.off:])
	b.off += 4
	return v, nil
}

// Bytes returns the next n raw bytes.
func (b *Buffer) Next(n int) ([]byte, error) {
	if err := b.need(n); err != nil {
		return nil, err
	}
	v := b.data[b.off : b.off+n]
	b.off += n
	return v, nil
}

// BytesString reads a uint32 length prefix and returns that many bytes.
func (b *Buffer) BytesString() ([]byte, error) {
	n, err := b.Uint32()
	if err != nil {
		return nil, err
	}
	return b.Next(int(n))
}

func (b *Buffer) String() (string, error) {
	v, err := b.BytesString()
	return string(v), err
}

// NameList reads a name-list into its component names.
func (b *Buffer) NameList() ([]string, error) {
	s, err := b.String()
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return strings.Split(s, ","), nil
}
