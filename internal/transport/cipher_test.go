package transport

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/jclement/skiff/internal/protocol"
)

func testChaChaPair(t *testing.T) *chachaPolyCipher {
	t.Helper()
	key := make([]byte, 64)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	c, err := newChaChaPolyCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestPlainFrameInvariants(t *testing.T) {
	for size := 0; size <= 300; size++ {
		payload := bytes.Repeat([]byte{0xab}, size)
		frame, err := plainCipher{}.seal(0, rand.Reader, payload)
		if err != nil {
			t.Fatalf("seal(%d bytes): %v", size, err)
		}
		if len(frame)%plainBlockSize != 0 {
			t.Fatalf("frame for %d-byte payload is %d bytes, not a multiple of %d",
				size, len(frame), plainBlockSize)
		}
		if pad := int(frame[4]); pad < minPadding || pad > 255 {
			t.Fatalf("padding length %d out of range for %d-byte payload", pad, size)
		}

		got, err := plainCipher{}.open(0, bufio.NewReader(bytes.NewReader(frame)))
		if err != nil {
			t.Fatalf("open(%d bytes): %v", size, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round trip of %d bytes: got %d bytes back", size, len(got))
		}
	}
}

func TestPlainOpenRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"length too small", []byte{0, 0, 0, 2, 4, 0}},
		{"length too large", []byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0}},
		{"padding exceeds length", []byte{0, 0, 0, 8, 200, 1, 2, 3, 4, 5, 6, 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plainCipher{}.open(0, bufio.NewReader(bytes.NewReader(tt.frame)))
			if !errors.Is(err, protocol.ErrFraming) {
				t.Fatalf("error = %v, want ErrFraming", err)
			}
		})
	}
}

func TestChaChaRoundTrip(t *testing.T) {
	c := testChaChaPair(t)
	for _, size := range []int{1, 5, 8, 100, 1024, 32768} {
		payload := make([]byte, size)
		rand.Read(payload)

		frame, err := c.seal(7, rand.Reader, payload)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		got, err := c.open(7, bufio.NewReader(bytes.NewReader(frame)))
		if err != nil {
			t.Fatalf("open(%d bytes): %v", size, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round trip of %d bytes corrupted payload", size)
		}
	}
}

func TestChaChaTamperDetection(t *testing.T) {
	c := testChaChaPair(t)
	payload := []byte("all your packet are belong to us")
	frame, err := c.seal(3, rand.Reader, payload)
	if err != nil {
		t.Fatal(err)
	}

	// Every single-bit flip anywhere in the frame must fail verification.
	for i := 0; i < len(frame); i++ {
		tampered := append([]byte(nil), frame...)
		tampered[i] ^= 0x01
		_, err := c.open(3, bufio.NewReader(bytes.NewReader(tampered)))
		if err == nil {
			t.Fatalf("open accepted a frame with bit flipped at byte %d", i)
		}
	}
}

func TestChaChaSequenceBinding(t *testing.T) {
	c := testChaChaPair(t)
	frame, err := c.seal(10, rand.Reader, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	// A mismatched sequence number garbles the decrypted length word first,
	// so the failure class varies; it must fail either way.
	if _, err := c.open(11, bufio.NewReader(bytes.NewReader(frame))); err == nil {
		t.Fatal("open accepted a frame under the wrong sequence number")
	}
}

func TestChaChaKeySize(t *testing.T) {
	if _, err := newChaChaPolyCipher(make([]byte, 32)); err == nil {
		t.Fatal("accepted a short key")
	}
}
