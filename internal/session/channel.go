package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jclement/skiff/internal/protocol"
	"github.com/jclement/skiff/internal/transport"
	"github.com/jclement/skiff/internal/wire"
)

// ChannelState tracks a channel's lifecycle.
type ChannelState int

const (
	ChannelRequested ChannelState = iota
	ChannelOpen
	ChannelShellReady
	ChannelExecReady
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelRequested:
		return "requested"
	case ChannelOpen:
		return "open"
	case ChannelShellReady:
		return "shell_ready"
	case ChannelExecReady:
		return "exec_ready"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	}
	return "unknown"
}

// Channel is one logical sub-connection multiplexed over the session
// transport. Operations are synchronous request/response exchanges run by the
// calling goroutine; a channel borrows the transport but never owns its
// lifetime.
type Channel struct {
	sess *Session
	conn *transport.Conn

	clientID uint32
	serverID uint32
	state    ChannelState

	localClosed  bool
	remoteClosed bool

	// Receive-side flow control: bytes consumed since the last window
	// adjustment. Once this reaches half the configured window, the
	// consumed amount is handed back to the server and the counter resets.
	consumed uint32

	// Send-side flow control: the server's advertised window, decremented
	// per data packet and refilled by its window adjustments.
	sendWindow    uint32
	peerMaxPacket uint32

	pending []byte
	eof     bool
}

// ClientID returns the locally assigned channel number.
func (c *Channel) ClientID() uint32 { return c.clientID }

// ServerID returns the channel number assigned by the server.
func (c *Channel) ServerID() uint32 { return c.serverID }

// State returns the channel lifecycle state.
func (c *Channel) State() ChannelState { return c.state }

// RequestPty asks for a pseudo-terminal with the configured geometry. No
// reply is requested; failures surface on the following shell or exec request
// (RFC 4254 Section 6.2).
func (c *Channel) RequestPty() error {
	t := c.sess.cfg.Terminal
	modes := wire.New().
		PutByte(ttyOpISpeed).PutUint32(t.Baud).
		PutByte(ttyOpOSpeed).PutUint32(t.Baud).
		PutByte(ttyOpEnd)

	req := wire.New().
		PutByte(protocol.MsgChannelRequest).
		PutUint32(c.serverID).
		PutString(protocol.RequestPty).
		PutBool(false).
		PutString(t.Term).
		PutUint32(t.Cols).
		PutUint32(t.Rows).
		PutUint32(t.WidthPx).
		PutUint32(t.HeightPx).
		PutBytesString(modes.Bytes())
	return c.conn.WritePacket(req.Bytes())
}

// Terminal mode opcodes (RFC 4254 Section 8).
const (
	ttyOpEnd    byte = 0
	ttyOpISpeed byte = 128
	ttyOpOSpeed byte = 129
)

// RequestShell asks the server to start the user's shell and waits for its
// reply.
func (c *Channel) RequestShell() error {
	req := wire.New().
		PutByte(protocol.MsgChannelRequest).
		PutUint32(c.serverID).
		PutString(protocol.RequestShell).
		PutBool(true)
	if err := c.conn.WritePacket(req.Bytes()); err != nil {
		return err
	}
	return c.awaitRequestReply(protocol.RequestShell)
}

// RequestExec asks the server to run command and waits for its reply.
func (c *Channel) RequestExec(command string) error {
	req := wire.New().
		PutByte(protocol.MsgChannelRequest).
		PutUint32(c.serverID).
		PutString(protocol.RequestExec).
		PutBool(true).
		PutString(command)
	if err := c.conn.WritePacket(req.Bytes()); err != nil {
		return err
	}
	return c.awaitRequestReply(protocol.RequestExec)
}

// Shell runs the pty and shell handshakes.
func (c *Channel) Shell() error {
	if c.state != ChannelOpen {
		return fmt.Errorf("shell request in state %s", c.state)
	}
	if err := c.RequestPty(); err != nil {
		return err
	}
	if err := c.RequestShell(); err != nil {
		return err
	}
	c.state = ChannelShellReady
	return nil
}

// Exec runs the pty handshake and starts command.
func (c *Channel) Exec(command string) error {
	if c.state != ChannelOpen {
		return fmt.Errorf("exec request in state %s", c.state)
	}
	if err := c.RequestPty(); err != nil {
		return err
	}
	if err := c.RequestExec(command); err != nil {
		return err
	}
	c.state = ChannelExecReady
	return nil
}

func (c *Channel) awaitRequestReply(kind string) error {
	for {
		payload, err := c.conn.ReadPacket()
		if err != nil {
			return err
		}
		switch payload[0] {
		case protocol.MsgChannelSuccess:
			return nil
		case protocol.MsgChannelFailure:
			return fmt.Errorf("%w: %s request refused", protocol.ErrChannel, kind)
		default:
			if err := c.dispatch(payload); err != nil {
				return err
			}
		}
	}
}

// Read returns buffered channel data, blocking on the transport until some
// arrives. Returns io.EOF once the server has sent EOF or closed the channel
// and the buffer is drained.
func (c *Channel) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		if c.eof || c.remoteClosed || c.state == ChannelClosed {
			return 0, io.EOF
		}
		payload, err := c.conn.ReadPacket()
		if err != nil {
			return 0, err
		}
		if err := c.dispatch(payload); err != nil {
			return 0, err
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write sends data to the server, honoring the advertised send window and
// the server's maximum packet size. Blocks reading window adjustments when
// the window is exhausted.
func (c *Channel) Write(p []byte) (int, error) {
	if c.state == ChannelClosed || c.localClosed {
		return 0, fmt.Errorf("write on closed channel")
	}
	var written int
	for len(p) > 0 {
		for c.sendWindow == 0 {
			payload, err := c.conn.ReadPacket()
			if err != nil {
				return written, err
			}
			if err := c.dispatch(payload); err != nil {
				return written, err
			}
			if c.remoteClosed {
				return written, fmt.Errorf("write on closed channel")
			}
		}
		chunk := uint32(len(p))
		if chunk > c.sendWindow {
			chunk = c.sendWindow
		}
		if c.peerMaxPacket > 0 && chunk > c.peerMaxPacket {
			chunk = c.peerMaxPacket
		}
		data := wire.New().
			PutByte(protocol.MsgChannelData).
			PutUint32(c.serverID).
			PutBytesString(p[:chunk])
		if err := c.conn.WritePacket(data.Bytes()); err != nil {
			return written, err
		}
		c.sendWindow -= chunk
		written += int(chunk)
		p = p[chunk:]
	}
	return written, nil
}

// Close runs the close handshake: send our close, then wait for the server's
// matching close, bounded by the configured timeout. On timeout the channel
// is unusable but the transport is not assumed dead.
func (c *Channel) Close() error {
	if c.state == ChannelClosed {
		return nil
	}
	c.state = ChannelClosing

	if !c.localClosed {
		msg := wire.New().
			PutByte(protocol.MsgChannelClose).
			PutUint32(c.serverID)
		if err := c.conn.WritePacket(msg.Bytes()); err != nil {
			return err
		}
		c.localClosed = true
	}
	if c.remoteClosed {
		c.state = ChannelClosed
		return nil
	}

	deadline := time.Now().Add(c.sess.cfg.CloseTimeout)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		payload, err := c.conn.ReadPacket()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
				return fmt.Errorf("%w: waiting for channel close", protocol.ErrTimeout)
			}
			return err
		}
		if payload[0] == protocol.MsgChannelClose {
			b := wire.Parse(payload[1:])
			recipient, err := b.Uint32()
			if err != nil {
				return fmt.Errorf("channel close: %w", err)
			}
			if recipient == c.clientID {
				c.remoteClosed = true
				c.state = ChannelClosed
				slog.Debug("channel closed", "client_channel", c.clientID)
				return nil
			}
			continue
		}
		if err := c.dispatch(payload); err != nil {
			return err
		}
	}
}

// dispatch routes one inbound packet while a channel operation is in flight.
// The set of message kinds is closed; kinds with no client-side action are
// ignored on purpose, and anything outside the set draws an UNIMPLEMENTED
// reply.
func (c *Channel) dispatch(payload []byte) error {
	switch payload[0] {
	case protocol.MsgGlobalRequest:
		// Nothing global is supported; refuse so the server never waits.
		return c.conn.WritePacket([]byte{protocol.MsgRequestFailure})

	case protocol.MsgKexInit:
		// Server-initiated rekey. The kexinit we just read opens the new
		// negotiation; old keys protect it until the NEWKEYS boundary.
		slog.Debug("server requested rekey")
		return c.sess.engine.Exchange(payload, nil)

	case protocol.MsgChannelData:
		b := wire.Parse(payload[1:])
		recipient, err := b.Uint32()
		if err != nil {
			return fmt.Errorf("channel data: %w", err)
		}
		if recipient != c.clientID {
			return fmt.Errorf("%w: data for channel %d, expected %d",
				protocol.ErrFraming, recipient, c.clientID)
		}
		data, err := b.BytesString()
		if err != nil {
			return fmt.Errorf("channel data: %w", err)
		}
		return c.deliver(data)

	case protocol.MsgChannelExtendedData:
		b := wire.Parse(payload[1:])
		recipient, err := b.Uint32()
		if err != nil {
			return fmt.Errorf("channel extended data: %w", err)
		}
		if recipient != c.clientID {
			return fmt.Errorf("%w: extended data for channel %d, expected %d",
				protocol.ErrFraming, recipient, c.clientID)
		}
		if _, err := b.Uint32(); err != nil { // data type code
			return fmt.Errorf("channel extended data: %w", err)
		}
		data, err := b.BytesString()
		if err != nil {
			return fmt.Errorf("channel extended data: %w", err)
		}
		return c.deliver(data)

	case protocol.MsgChannelWindowAdjust:
		b := wire.Parse(payload[1:])
		recipient, err := b.Uint32()
		if err != nil {
			return fmt.Errorf("window adjust: %w", err)
		}
		if recipient != c.clientID {
			return fmt.Errorf("%w: window adjust for channel %d, expected %d",
				protocol.ErrFraming, recipient, c.clientID)
		}
		add, err := b.Uint32()
		if err != nil {
			return fmt.Errorf("window adjust: %w", err)
		}
		c.sendWindow += add
		return nil

	case protocol.MsgChannelRequest, protocol.MsgChannelSuccess:
		// Server-side requests (exit-status and friends) and stray
		// successes carry nothing we act on.
		return nil

	case protocol.MsgChannelEOF:
		c.eof = true
		return nil

	case protocol.MsgChannelFailure:
		return fmt.Errorf("%w: server reported channel failure", protocol.ErrChannel)

	case protocol.MsgChannelClose:
		c.remoteClosed = true
		if !c.localClosed {
			msg := wire.New().
				PutByte(protocol.MsgChannelClose).
				PutUint32(c.serverID)
			if err := c.conn.WritePacket(msg.Bytes()); err != nil {
				return err
			}
			c.localClosed = true
		}
		c.state = ChannelClosed
		return nil

	case protocol.MsgIgnore, protocol.MsgDebug:
		return nil

	case protocol.MsgDisconnect:
		return disconnectError(payload)

	default:
		// Unknown message number: tell the peer (RFC 4253 Section 11.4).
		_, readSeq := c.conn.Sequences()
		msg := wire.New().
			PutByte(protocol.MsgUnimplemented).
			PutUint32(readSeq - 1)
		return c.conn.WritePacket(msg.Bytes())
	}
}

// deliver buffers inbound data and runs the window accounting. The adjust
// check runs on every delivery, not on a timer, so the sender never stalls
// against an exhausted window.
func (c *Channel) deliver(data []byte) error {
	c.pending = append(c.pending, data...)
	c.consumed += uint32(len(data))
	return c.windowAdjust()
}

// windowAdjust returns consumed bytes to the server once they reach half the
// configured local window.
func (c *Channel) windowAdjust() error {
	if c.consumed < c.sess.cfg.LocalWindow/2 {
		return nil
	}
	msg := wire.New().
		PutByte(protocol.MsgChannelWindowAdjust).
		PutUint32(c.serverID).
		PutUint32(c.consumed)
	if err := c.conn.WritePacket(msg.Bytes()); err != nil {
		return err
	}
	slog.Debug("window adjust", "client_channel", c.clientID, "bytes", c.consumed)
	c.consumed = 0
	return nil
}
