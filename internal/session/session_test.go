package session

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jclement/skiff/internal/protocol"
	"github.com/jclement/skiff/internal/transport"
	"github.com/jclement/skiff/internal/wire"
)

// scriptedSession returns an authenticated session wired to a raw pipe so
// tests can speak the unencrypted packet protocol from the server side.
func scriptedSession(t *testing.T, cfg Config) (*Session, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	s := &Session{
		conn:  transport.NewConn(a),
		cfg:   cfg,
		state: StateAuthenticated,
	}
	return s, b
}

// writeFrame frames payload the way an unencrypted peer would.
func writeFrame(t *testing.T, c net.Conn, payload []byte) {
	t.Helper()
	pad := 8 - (5+len(payload))%8
	if pad < 4 {
		pad += 8
	}
	frame := make([]byte, 5+len(payload)+pad)
	binary.BigEndian.PutUint32(frame, uint32(1+len(payload)+pad))
	frame[4] = byte(pad)
	copy(frame[5:], payload)
	if _, err := c.Write(frame); err != nil {
		t.Errorf("peer write: %v", err)
	}
}

// readFrame strips the framing from one packet sent by the client.
func readFrame(t *testing.T, c net.Conn) []byte {
	t.Helper()
	var head [5]byte
	if _, err := io.ReadFull(c, head[:]); err != nil {
		t.Errorf("peer read: %v", err)
		return nil
	}
	length := binary.BigEndian.Uint32(head[:4])
	body := make([]byte, length-1)
	if _, err := io.ReadFull(c, body); err != nil {
		t.Errorf("peer read: %v", err)
		return nil
	}
	return body[:int(length)-1-int(head[4])]
}

// confirmOpen consumes the client's CHANNEL_OPEN and confirms it with the
// given server channel ID.
func confirmOpen(t *testing.T, c net.Conn, serverID, window, maxPacket uint32) uint32 {
	t.Helper()
	open := readFrame(t, c)
	if len(open) == 0 || open[0] != protocol.MsgChannelOpen {
		t.Errorf("peer got %v, want channel open", open)
		return 0
	}
	b := wire.Parse(open[1:])
	kind, _ := b.String()
	if kind != protocol.ChannelSession {
		t.Errorf("channel type = %q, want session", kind)
	}
	clientID, _ := b.Uint32()

	reply := wire.New().
		PutByte(protocol.MsgChannelOpenConfirmation).
		PutUint32(clientID).
		PutUint32(serverID).
		PutUint32(window).
		PutUint32(maxPacket)
	writeFrame(t, c, reply.Bytes())
	return clientID
}

func TestOpenChannelAssignsIDs(t *testing.T) {
	s, peer := scriptedSession(t, DefaultConfig())

	go func() {
		confirmOpen(t, peer, 7, 1<<20, 32768)
		// pty-req wants no reply; shell does.
		readFrame(t, peer)
		shellReq := readFrame(t, peer)
		if len(shellReq) == 0 || shellReq[0] != protocol.MsgChannelRequest {
			t.Errorf("peer got %v, want channel request", shellReq)
			return
		}
		writeFrame(t, peer, []byte{protocol.MsgChannelSuccess})
	}()

	ch, err := s.OpenShell()
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	if ch.ClientID() != 0 {
		t.Fatalf("client channel = %d, want 0", ch.ClientID())
	}
	if ch.ServerID() != 7 {
		t.Fatalf("server channel = %d, want 7", ch.ServerID())
	}
	if ch.State() != ChannelShellReady {
		t.Fatalf("state = %s, want shell_ready", ch.State())
	}
}

func TestOpenChannelRejection(t *testing.T) {
	s, peer := scriptedSession(t, DefaultConfig())

	go func() {
		open := readFrame(t, peer)
		b := wire.Parse(open[1:])
		b.String()
		clientID, _ := b.Uint32()
		reply := wire.New().
			PutByte(protocol.MsgChannelOpenFailure).
			PutUint32(clientID).
			PutUint32(protocol.OpenResourceShortage).
			PutString("no sessions left").
			PutString("en")
		writeFrame(t, peer, reply.Bytes())
	}()

	_, err := s.OpenChannel()
	if !errors.Is(err, protocol.ErrChannel) {
		t.Fatalf("error = %v, want ErrChannel", err)
	}
}

func TestShellRequestRefused(t *testing.T) {
	s, peer := scriptedSession(t, DefaultConfig())

	go func() {
		confirmOpen(t, peer, 1, 1<<20, 32768)
		readFrame(t, peer) // pty-req
		readFrame(t, peer) // shell
		writeFrame(t, peer, []byte{protocol.MsgChannelFailure})
	}()

	_, err := s.OpenShell()
	if !errors.Is(err, protocol.ErrChannel) {
		t.Fatalf("error = %v, want ErrChannel", err)
	}
}

func TestGlobalRequestGetsFailureReply(t *testing.T) {
	s, peer := scriptedSession(t, DefaultConfig())

	go func() {
		open := readFrame(t, peer)
		b := wire.Parse(open[1:])
		b.String()
		clientID, _ := b.Uint32()

		// A global request before the confirmation must draw an automatic
		// failure reply.
		req := wire.New().
			PutByte(protocol.MsgGlobalRequest).
			PutString("tcpip-forward").
			PutBool(true)
		writeFrame(t, peer, req.Bytes())

		reply := readFrame(t, peer)
		if len(reply) == 0 || reply[0] != protocol.MsgRequestFailure {
			t.Errorf("peer got %v, want request failure", reply)
		}

		confirm := wire.New().
			PutByte(protocol.MsgChannelOpenConfirmation).
			PutUint32(clientID).
			PutUint32(3).
			PutUint32(1 << 20).
			PutUint32(32768)
		writeFrame(t, peer, confirm.Bytes())
	}()

	ch, err := s.OpenChannel()
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if ch.ServerID() != 3 {
		t.Fatalf("server channel = %d, want 3", ch.ServerID())
	}
}

func TestWindowAdjustThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalWindow = 1024
	s, peer := scriptedSession(t, cfg)

	sendData := func(clientID uint32, n int) {
		data := wire.New().
			PutByte(protocol.MsgChannelData).
			PutUint32(clientID).
			PutBytesString(make([]byte, n))
		writeFrame(t, peer, data.Bytes())
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		clientID := confirmOpen(t, peer, 2, 1<<20, 32768)

		sendData(clientID, 300) // consumed 300 < 512: silent
		sendData(clientID, 300) // consumed 600 >= 512: one adjust

		adjust := readFrame(t, peer)
		if len(adjust) == 0 || adjust[0] != protocol.MsgChannelWindowAdjust {
			t.Errorf("peer got %v, want window adjust", adjust)
			return
		}
		b := wire.Parse(adjust[1:])
		b.Uint32() // recipient
		amount, _ := b.Uint32()
		if amount != 600 {
			t.Errorf("adjust amount = %d, want 600", amount)
		}

		// Counter reset: the next 300 bytes stay under the threshold, so no
		// second adjust may appear.
		sendData(clientID, 300)
		peer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		var buf [1]byte
		if _, err := peer.Read(buf[:]); err == nil {
			t.Error("unexpected frame after counter reset")
		}
		peer.SetReadDeadline(time.Time{})
	}()

	ch, err := s.OpenChannel()
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}

	buf := make([]byte, 4096)
	var total int
	for total < 900 {
		n, err := ch.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		total += n
	}
	<-done
}

func TestCloseHandshake(t *testing.T) {
	s, peer := scriptedSession(t, DefaultConfig())

	go func() {
		clientID := confirmOpen(t, peer, 9, 1<<20, 32768)
		closeMsg := readFrame(t, peer)
		if len(closeMsg) == 0 || closeMsg[0] != protocol.MsgChannelClose {
			t.Errorf("peer got %v, want channel close", closeMsg)
			return
		}
		b := wire.Parse(closeMsg[1:])
		if recipient, _ := b.Uint32(); recipient != 9 {
			t.Errorf("close recipient = %d, want 9", recipient)
		}
		ack := wire.New().
			PutByte(protocol.MsgChannelClose).
			PutUint32(clientID)
		writeFrame(t, peer, ack.Bytes())
	}()

	ch, err := s.OpenChannel()
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ch.State() != ChannelClosed {
		t.Fatalf("state = %s, want closed", ch.State())
	}
}

func TestCloseTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CloseTimeout = 200 * time.Millisecond
	s, peer := scriptedSession(t, cfg)

	go func() {
		confirmOpen(t, peer, 9, 1<<20, 32768)
		readFrame(t, peer) // swallow the close, never acknowledge
	}()

	ch, err := s.OpenChannel()
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}

	start := time.Now()
	err = ch.Close()
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("close blocked for %v", elapsed)
	}
}

// countingConn fails loudly if anything is written before local validation.
type countingConn struct {
	net.Conn
	writes atomic.Int32
}

func (c *countingConn) Write(p []byte) (int, error) {
	c.writes.Add(1)
	return c.Conn.Write(p)
}

func TestEmptyUserFailsBeforeNetwork(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	cc := &countingConn{Conn: a}

	cfg := DefaultConfig()
	cfg.User = ""
	cfg.Password = "hunter2"
	s := NewSession(cc, cfg)

	err := s.Connect()
	if !errors.Is(err, protocol.ErrCredential) {
		t.Fatalf("error = %v, want ErrCredential", err)
	}
	if n := cc.writes.Load(); n != 0 {
		t.Fatalf("%d writes before credential validation", n)
	}
	if s.State() != StateConnected {
		t.Fatalf("state = %s, want connected", s.State())
	}
}

func TestEmptyPasswordFailsBeforeNetwork(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	cc := &countingConn{Conn: a}

	cfg := DefaultConfig()
	cfg.User = "demo"
	cfg.Password = ""
	s := NewSession(cc, cfg)

	if err := s.Connect(); !errors.Is(err, protocol.ErrCredential) {
		t.Fatalf("error = %v, want ErrCredential", err)
	}
	if n := cc.writes.Load(); n != 0 {
		t.Fatalf("%d writes before credential validation", n)
	}
}

func TestNewSessionFillsDefaults(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	// Partial config: channel tunables set, identity and algorithms not.
	s := NewSession(a, Config{
		LocalWindow:  1 << 20,
		MaxPacket:    16384,
		CloseTimeout: time.Second,
	})

	def := DefaultConfig()
	if s.cfg.Version != def.Version {
		t.Fatalf("version = %q, want %q", s.cfg.Version, def.Version)
	}
	if len(s.cfg.Algorithms.Kex) == 0 {
		t.Fatal("kex algorithms not defaulted")
	}
	if s.cfg.Terminal.Term == "" {
		t.Fatal("terminal not defaulted")
	}
	if s.cfg.LocalWindow != 1<<20 {
		t.Fatalf("local window = %d, want %d", s.cfg.LocalWindow, 1<<20)
	}
}

func TestMisaddressedDataIsFatal(t *testing.T) {
	s, peer := scriptedSession(t, DefaultConfig())

	go func() {
		clientID := confirmOpen(t, peer, 2, 1<<20, 32768)

		// Data addressed to a channel we never opened.
		data := wire.New().
			PutByte(protocol.MsgChannelData).
			PutUint32(clientID + 5).
			PutBytesString([]byte("stray"))
		writeFrame(t, peer, data.Bytes())
	}()

	ch, err := s.OpenChannel()
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}

	buf := make([]byte, 64)
	_, err = ch.Read(buf)
	if !errors.Is(err, protocol.ErrFraming) {
		t.Fatalf("error = %v, want ErrFraming", err)
	}
}

func TestOpenChannelRequiresAuth(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	s := NewSession(a, DefaultConfig())
	if _, err := s.OpenChannel(); err == nil {
		t.Fatal("opened a channel before authentication")
	}
}
