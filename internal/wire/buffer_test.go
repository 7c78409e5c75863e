package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/jclement/skiff/internal/protocol"
)

func TestRoundTrip(t *testing.T) {
	b := New().
		PutByte(42).
		PutBool(true).
		PutBool(false).
		PutUint32(0xdeadbeef).
		PutString("hello").
		PutBytesString([]byte{1, 2, 3}).
		PutNameList([]string{"aes128-ctr", "chacha20-poly1305@openssh.com"})

	r := Parse(b.Bytes())

	if v, err := r.Byte(); err != nil || v != 42 {
		t.Fatalf("Byte = %d, %v; want 42", v, err)
	}
	if v, err := r.Bool(); err != nil || !v {
		t.Fatalf("Bool = %v, %v; want true", v, err)
	}
	if v, err := r.Bool(); err != nil || v {
		t.Fatalf("Bool = %v, %v; want false", v, err)
	}
	if v, err := r.Uint32(); err != nil || v != 0xdeadbeef {
		t.Fatalf("Uint32 = %#x, %v; want 0xdeadbeef", v, err)
	}
	if v, err := r.String(); err != nil || v != "hello" {
		t.Fatalf("String = %q, %v; want hello", v, err)
	}
	if v, err := r.BytesString(); err != nil || !bytes.Equal(v, []byte{1, 2, 3}) {
		t.Fatalf("BytesString = %v, %v", v, err)
	}
	names, err := r.NameList()
	if err != nil || len(names) != 2 || names[1] != "chacha20-poly1305@openssh.com" {
		t.Fatalf("NameList = %v, %v", names, err)
	}
	if len(r.Rest()) != 0 {
		t.Fatalf("unread tail: %v", r.Rest())
	}
}

func TestShortReads(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		read func(*Buffer) error
	}{
		{"byte from empty", nil, func(b *Buffer) error { _, err := b.Byte(); return err }},
		{"uint32 from 3 bytes", []byte{1, 2, 3}, func(b *Buffer) error { _, err := b.Uint32(); return err }},
		{"string with truncated body", []byte{0, 0, 0, 9, 'h', 'i'}, func(b *Buffer) error { _, err := b.String(); return err }},
		{"next past end", []byte{1}, func(b *Buffer) error { _, err := b.Next(2); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.read(Parse(tt.data))
			if !errors.Is(err, protocol.ErrFraming) {
				t.Fatalf("error = %v, want ErrFraming", err)
			}
		})
	}
}

func TestPutMPInt(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"empty", nil, []byte{0, 0, 0, 0}},
		{"strips leading zeros", []byte{0, 0, 5}, []byte{0, 0, 0, 1, 5}},
		{"high bit gets sign byte", []byte{0x80, 1}, []byte{0, 0, 0, 3, 0, 0x80, 1}},
		{"plain value", []byte{0x7f, 0xff}, []byte{0, 0, 0, 2, 0x7f, 0xff}},
		{"all zeros collapses", []byte{0, 0, 0}, []byte{0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New().PutMPInt(tt.in).Bytes()
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("PutMPInt(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestEmptyNameList(t *testing.T) {
	b := New().PutNameList(nil)
	names, err := Parse(b.Bytes()).NameList()
	if err != nil {
		t.Fatalf("NameList: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("names = %v, want empty", names)
	}
}
