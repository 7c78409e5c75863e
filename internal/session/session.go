// Package session implements the SSH client session state machine and the
// channel engine on top of the packet transport: version exchange, key
// exchange, password authentication, and interactive session channels.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jclement/skiff/internal/kex"
	"github.com/jclement/skiff/internal/protocol"
	"github.com/jclement/skiff/internal/transport"
	"github.com/jclement/skiff/internal/wire"
)

// State tracks connect progress. Transitions are strictly sequential; no
// state is ever skipped.
type State int

const (
	StateConnected State = iota
	StateVersionExchanged
	StateKeyExchanged
	StateServiceRequested
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateVersionExchanged:
		return "version_exchanged"
	case StateKeyExchanged:
		return "key_exchanged"
	case StateServiceRequested:
		return "service_requested"
	case StateAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// Terminal is the geometry and speed sent in pty requests.
type Terminal struct {
	Term     string
	Cols     uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
	Baud     uint32
}

// Config carries everything a session needs; read-only once Connect starts.
type Config struct {
	// Version is our identification line, without CRLF. Must begin "SSH-2.0-".
	Version  string
	User     string
	Password string

	Algorithms kex.Algorithms
	HostKey    kex.HostKeyCallback

	// LocalWindow is the per-channel receive window ceiling advertised to the
	// server; MaxPacket bounds individual data packets.
	LocalWindow uint32
	MaxPacket   uint32

	Terminal     Terminal
	CloseTimeout time.Duration
}

// DefaultConfig returns a config with every tunable at its default. User and
// Password must still be set.
func DefaultConfig() Config {
	return Config{
		Version:      "SSH-2.0-skiff_1.0",
		Algorithms:   kex.DefaultAlgorithms(),
		LocalWindow:  2 * 1024 * 1024,
		MaxPacket:    32768,
		Terminal:     Terminal{Term: "xterm", Cols: 80, Rows: 24, WidthPx: 640, HeightPx: 480, Baud: 115200},
		CloseTimeout: 1500 * time.Millisecond,
	}
}

// Session is one SSH client connection. All protocol state lives here and in
// the transport conn it owns; a session is driven by a single goroutine.
type Session struct {
	conn   *transport.Conn
	cfg    Config
	engine *kex.Engine

	state         State
	serverVersion string
	nextChannelID uint32
	channel       *Channel
}

// Dial connects to addr and returns an unconnected session. Call Connect to
// run the handshake.
func Dial(ctx context.Context, addr string, cfg Config) (*Session, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewSession(c, cfg), nil
}

// NewSession wraps an established byte stream.
func NewSession(c net.Conn, cfg Config) *Session {
	def := DefaultConfig()
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.Algorithms.Kex == nil {
		cfg.Algorithms = def.Algorithms
	}
	if cfg.LocalWindow == 0 {
		cfg.LocalWindow = def.LocalWindow
	}
	if cfg.MaxPacket == 0 {
		cfg.MaxPacket = def.MaxPacket
	}
	if cfg.Terminal.Term == "" {
		cfg.Terminal = def.Terminal
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	return &Session{
		conn:  transport.NewConn(c),
		cfg:   cfg,
		state: StateConnected,
	}
}

// State returns the current connect-progress state.
func (s *Session) State() State { return s.state }

// ServerVersion returns the server's identification line, trimmed, once the
// version exchange is done.
func (s *Session) ServerVersion() string { return s.serverVersion }

// SessionID returns the session identifier derived by the first key exchange.
func (s *Session) SessionID() []byte {
	if s.engine == nil {
		return nil
	}
	return s.engine.SessionID()
}

// Connect runs the handshake to completion: version exchange, key exchange,
// service request, password authentication. Credentials are validated before
// anything touches the network.
func (s *Session) Connect() error {
	if s.state != StateConnected {
		return fmt.Errorf("connect from state %s", s.state)
	}
	if s.cfg.User == "" {
		return fmt.Errorf("%w: user is empty", protocol.ErrCredential)
	}
	if s.cfg.Password == "" {
		return fmt.Errorf("%w: password is empty", protocol.ErrCredential)
	}

	serverVersion, err := s.conn.ExchangeVersions(s.cfg.Version)
	if err != nil {
		return err
	}
	s.serverVersion = serverVersion
	s.state = StateVersionExchanged
	slog.Info("version exchange complete", "server", serverVersion)

	check := s.cfg.HostKey
	if check == nil {
		return fmt.Errorf("no host key callback configured")
	}
	engine, err := kex.New(s.conn, s.cfg.Algorithms, s.cfg.Version, serverVersion, check)
	if err != nil {
		return err
	}
	s.engine = engine
	if err := engine.Exchange(nil, nil); err != nil {
		return err
	}
	s.state = StateKeyExchanged
	slog.Info("key exchange complete")

	if err := s.authenticate(); err != nil {
		return err
	}
	s.state = StateAuthenticated
	slog.Info("authenticated", "user", s.cfg.User)
	return nil
}

// authenticate requests the ssh-userauth service and runs password
// authentication (RFC 4252 Section 8).
func (s *Session) authenticate() error {
	req := wire.New().
		PutByte(protocol.MsgServiceRequest).
		PutString(protocol.ServiceUserAuth)
	if err := s.conn.WritePacket(req.Bytes()); err != nil {
		return fmt.Errorf("service request: %w", err)
	}

	for {
		payload, err := s.conn.ReadPacket()
		if err != nil {
			return err
		}
		switch payload[0] {
		case protocol.MsgServiceAccept:
			s.state = StateServiceRequested
			if err := s.sendPasswordAuth(); err != nil {
				return err
			}

		case protocol.MsgUserauthSuccess:
			return nil

		case protocol.MsgUserauthFailure:
			return fmt.Errorf("%w: password for %q", protocol.ErrCredential, s.cfg.User)

		case protocol.MsgUserauthBanner:
			b := wire.Parse(payload[1:])
			if msg, err := b.String(); err == nil {
				slog.Info("server banner", "message", msg)
			}

		case protocol.MsgGlobalRequest:
			// Nothing is accepted before authentication.
			if err := s.conn.WritePacket([]byte{protocol.MsgRequestFailure}); err != nil {
				return err
			}

		case protocol.MsgIgnore, protocol.MsgDebug:

		case protocol.MsgDisconnect:
			return disconnectError(payload)

		default:
			return fmt.Errorf("%w: unexpected %s during authentication",
				protocol.ErrFraming, protocol.MessageName(payload[0]))
		}
	}
}

func (s *Session) sendPasswordAuth() error {
	req := wire.New().
		PutByte(protocol.MsgUserauthRequest).
		PutString(s.cfg.User).
		PutString(protocol.ServiceConnection).
		PutString(protocol.AuthPassword).
		PutBool(false).
		PutString(s.cfg.Password)
	if err := s.conn.WritePacket(req.Bytes()); err != nil {
		return fmt.Errorf("userauth request: %w", err)
	}
	return nil
}

// OpenChannel opens a session channel and blocks until the server confirms
// or rejects it. Only one channel is active at a time.
func (s *Session) OpenChannel() (*Channel, error) {
	if s.state != StateAuthenticated {
		return nil, fmt.Errorf("open channel from state %s", s.state)
	}
	if s.channel != nil && s.channel.state != ChannelClosed {
		return nil, fmt.Errorf("%w: a channel is already active", protocol.ErrChannel)
	}

	clientID := s.nextChannelID
	s.nextChannelID++

	open := wire.New().
		PutByte(protocol.MsgChannelOpen).
		PutString(protocol.ChannelSession).
		PutUint32(clientID).
		PutUint32(s.cfg.LocalWindow).
		PutUint32(s.cfg.MaxPacket)
	if err := s.conn.WritePacket(open.Bytes()); err != nil {
		return nil, fmt.Errorf("channel open: %w", err)
	}

	ch := &Channel{
		sess:     s,
		conn:     s.conn,
		clientID: clientID,
		state:    ChannelRequested,
	}
	s.channel = ch

	for {
		payload, err := s.conn.ReadPacket()
		if err != nil {
			return nil, err
		}
		switch payload[0] {
		case protocol.MsgChannelOpenConfirmation:
			b := wire.Parse(payload[1:])
			recipient, err := b.Uint32()
			if err != nil {
				return nil, fmt.Errorf("open confirmation: %w", err)
			}
			if recipient != clientID {
				return nil, fmt.Errorf("%w: confirmation for channel %d, expected %d",
					protocol.ErrFraming, recipient, clientID)
			}
			sender, err := b.Uint32()
			if err != nil {
				return nil, fmt.Errorf("open confirmation: %w", err)
			}
			window, err := b.Uint32()
			if err != nil {
				return nil, fmt.Errorf("open confirmation: %w", err)
			}
			maxPacket, err := b.Uint32()
			if err != nil {
				return nil, fmt.Errorf("open confirmation: %w", err)
			}
			ch.serverID = sender
			ch.sendWindow = window
			ch.peerMaxPacket = maxPacket
			ch.state = ChannelOpen
			slog.Debug("channel open",
				"client_channel", ch.clientID, "server_channel", ch.serverID,
				"send_window", window, "peer_max_packet", maxPacket)
			return ch, nil

		case protocol.MsgChannelOpenFailure:
			b := wire.Parse(payload[1:])
			b.Uint32() // recipient channel
			reason, _ := b.Uint32()
			desc, _ := b.String()
			s.channel = nil
			return nil, fmt.Errorf("%w: open failed (reason %d): %s", protocol.ErrChannel, reason, desc)

		default:
			if err := ch.dispatch(payload); err != nil {
				return nil, err
			}
		}
	}
}

// OpenShell opens a channel and runs the pty and shell handshakes.
func (s *Session) OpenShell() (*Channel, error) {
	ch, err := s.OpenChannel()
	if err != nil {
		return nil, err
	}
	if err := ch.Shell(); err != nil {
		return nil, err
	}
	return ch, nil
}

// OpenExec opens a channel and starts command on the server.
func (s *Session) OpenExec(command string) (*Channel, error) {
	ch, err := s.OpenChannel()
	if err != nil {
		return nil, err
	}
	if err := ch.Exec(command); err != nil {
		return nil, err
	}
	return ch, nil
}

// Rekey starts a client-initiated key exchange. The session identifier is
// unchanged; only the cipher keys rotate. Safe to call between channel
// operations.
func (s *Session) Rekey() error {
	if s.engine == nil || !s.engine.Active() {
		return fmt.Errorf("rekey before initial key exchange")
	}
	return s.engine.Exchange(nil, s.handleStray)
}

// handleStray absorbs non-kex packets that race a client-initiated rekey.
func (s *Session) handleStray(payload []byte) error {
	if s.channel != nil && s.channel.state != ChannelClosed {
		return s.channel.dispatch(payload)
	}
	switch payload[0] {
	case protocol.MsgGlobalRequest:
		return s.conn.WritePacket([]byte{protocol.MsgRequestFailure})
	case protocol.MsgIgnore, protocol.MsgDebug:
		return nil
	}
	return fmt.Errorf("%w: unexpected %s during rekey",
		protocol.ErrFraming, protocol.MessageName(payload[0]))
}

// Close tears down the transport.
func (s *Session) Close() error {
	slog.Info("session closed")
	return s.conn.Close()
}

func disconnectError(payload []byte) error {
	b := wire.Parse(payload[1:])
	code, _ := b.Uint32()
	desc, _ := b.String()
	return fmt.Errorf("server disconnected (code %d): %s", code, desc)
}
