// Package config loads and persists the skiff client configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jclement/skiff/internal/kex"
	"github.com/jclement/skiff/internal/session"
)

type Config struct {
	Client     ClientConfig     `toml:"client"`
	Algorithms AlgorithmsConfig `toml:"algorithms"`
	Terminal   TerminalConfig   `toml:"terminal"`
	Channel    ChannelConfig    `toml:"channel"`
}

type ClientConfig struct {
	Version    string `toml:"version"`
	User       string `toml:"user"`
	KnownHosts string `toml:"known_hosts"`
	// TrustUnknownHosts records a never-seen host key instead of rejecting it.
	TrustUnknownHosts bool   `toml:"trust_unknown_hosts"`
	ConnectTimeout    string `toml:"connect_timeout"`
}

type AlgorithmsConfig struct {
	Kex      []string `toml:"kex"`
	HostKeys []string `toml:"host_keys"`
	Ciphers  []string `toml:"ciphers"`
}

type TerminalConfig struct {
	Term     string `toml:"term"`
	Cols     uint32 `toml:"cols"`
	Rows     uint32 `toml:"rows"`
	WidthPx  uint32 `toml:"width_px"`
	HeightPx uint32 `toml:"height_px"`
	Baud     uint32 `toml:"baud"`
}

type ChannelConfig struct {
	WindowSize   uint32 `toml:"window_size"`
	MaxPacket    uint32 `toml:"max_packet"`
	CloseTimeout string `toml:"close_timeout"`
}

// ConnectTimeoutDuration parses the connect timeout, falling back to 10s.
func (c *Config) ConnectTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Client.ConnectTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// CloseTimeoutDuration parses the channel close timeout, falling back to the
// session default of 1.5s.
func (c *Config) CloseTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Channel.CloseTimeout)
	if err != nil {
		return 1500 * time.Millisecond
	}
	return d
}

// SessionConfig assembles a session.Config from the file contents. User,
// password, and the host key callback are supplied by the caller.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Version: c.Client.Version,
		Algorithms: kex.Algorithms{
			Kex:      c.Algorithms.Kex,
			HostKeys: c.Algorithms.HostKeys,
			Ciphers:  c.Algorithms.Ciphers,
		},
		LocalWindow: c.Channel.WindowSize,
		MaxPacket:   c.Channel.MaxPacket,
		Terminal: session.Terminal{
			Term:     c.Terminal.Term,
			Cols:     c.Terminal.Cols,
			Rows:     c.Terminal.Rows,
			WidthPx:  c.Terminal.WidthPx,
			HeightPx: c.Terminal.HeightPx,
			Baud:     c.Terminal.Baud,
		},
		CloseTimeout: c.CloseTimeoutDuration(),
	}
}

// Load reads config from the given path. If the file doesn't exist, it
// creates a default config.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Info("no config file found, creating default", "path", path)
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("saving default config: %w", err)
		}
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	changed := cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if changed {
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("saving updated config: %w", err)
		}
	}
	return cfg, nil
}

func defaultConfig() *Config {
	def := session.DefaultConfig()
	return &Config{
		Client: ClientConfig{
			Version:           def.Version,
			KnownHosts:        defaultKnownHostsPath(),
			TrustUnknownHosts: true,
			ConnectTimeout:    "10s",
		},
		Algorithms: AlgorithmsConfig{
			Kex:      def.Algorithms.Kex,
			HostKeys: def.Algorithms.HostKeys,
			Ciphers:  def.Algorithms.Ciphers,
		},
		Terminal: TerminalConfig{
			Term:     def.Terminal.Term,
			Cols:     def.Terminal.Cols,
			Rows:     def.Terminal.Rows,
			WidthPx:  def.Terminal.WidthPx,
			HeightPx: def.Terminal.HeightPx,
			Baud:     def.Terminal.Baud,
		},
		Channel: ChannelConfig{
			WindowSize:   def.LocalWindow,
			MaxPacket:    def.MaxPacket,
			CloseTimeout: "1500ms",
		},
	}
}

// fillDefaults replaces zero values with defaults and reports whether
// anything changed.
func (c *Config) fillDefaults() bool {
	def := defaultConfig()
	changed := false
	if c.Client.Version == "" {
		c.Client.Version = def.Client.Version
		changed = true
	}
	if c.Client.KnownHosts == "" {
		c.Client.KnownHosts = def.Client.KnownHosts
		changed = true
	}
	if len(c.Algorithms.Kex) == 0 {
		c.Algorithms.Kex = def.Algorithms.Kex
		changed = true
	}
	if len(c.Algorithms.HostKeys) == 0 {
		c.Algorithms.HostKeys = def.Algorithms.HostKeys
		changed = true
	}
	if len(c.Algorithms.Ciphers) == 0 {
		c.Algorithms.Ciphers = def.Algorithms.Ciphers
		changed = true
	}
	if c.Terminal.Term == "" {
		c.Terminal = def.Terminal
		changed = true
	}
	if c.Channel.WindowSize == 0 {
		c.Channel.WindowSize = def.Channel.WindowSize
		changed = true
	}
	if c.Channel.MaxPacket == 0 {
		c.Channel.MaxPacket = def.Channel.MaxPacket
		changed = true
	}
	if c.Channel.CloseTimeout == "" {
		c.Channel.CloseTimeout = def.Channel.CloseTimeout
		changed = true
	}
	return changed
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.Client.Version, "SSH-2.0-") {
		return fmt.Errorf("client version %q must start with SSH-2.0-", c.Client.Version)
	}
	if strings.ContainsAny(c.Client.Version, "\r\n ") {
		return fmt.Errorf("client version %q contains whitespace", c.Client.Version)
	}
	algos := kex.Algorithms{
		Kex:      c.Algorithms.Kex,
		HostKeys: c.Algorithms.HostKeys,
		Ciphers:  c.Algorithms.Ciphers,
	}
	if err := algos.Validate(); err != nil {
		return err
	}
	if c.Channel.MaxPacket > c.Channel.WindowSize {
		return fmt.Errorf("max_packet %d exceeds window_size %d", c.Channel.MaxPacket, c.Channel.WindowSize)
	}
	return nil
}

func defaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "known_hosts"
	}
	return filepath.Join(home, ".skiff", "known_hosts")
}

// Save writes the config to disk as self-documenting TOML with comments.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	var b strings.Builder

	b.WriteString("# Skiff Configuration\n")
	b.WriteString("# https://github.com/jclement/skiff\n\n")

	b.WriteString("[client]\n")
	b.WriteString("# Identification string sent to servers\n")
	fmt.Fprintf(&b, "version = %q\n\n", c.Client.Version)
	b.WriteString("# Default username (overridable with --user)\n")
	fmt.Fprintf(&b, "user = %q\n\n", c.Client.User)
	b.WriteString("# Host key pin store\n")
	fmt.Fprintf(&b, "known_hosts = %q\n", c.Client.KnownHosts)
	fmt.Fprintf(&b, "trust_unknown_hosts = %v\n", c.Client.TrustUnknownHosts)
	fmt.Fprintf(&b, "connect_timeout = %q\n\n", c.Client.ConnectTimeout)

	b.WriteString("[algorithms]\n")
	b.WriteString("# Ranked preference lists; first mutually supported entry wins\n")
	fmt.Fprintf(&b, "kex = %s\n", tomlStrings(c.Algorithms.Kex))
	fmt.Fprintf(&b, "host_keys = %s\n", tomlStrings(c.Algorithms.HostKeys))
	fmt.Fprintf(&b, "ciphers = %s\n\n", tomlStrings(c.Algorithms.Ciphers))

	b.WriteString("[terminal]\n")
	fmt.Fprintf(&b, "term = %q\n", c.Terminal.Term)
	fmt.Fprintf(&b, "cols = %d\n", c.Terminal.Cols)
	fmt.Fprintf(&b, "rows = %d\n", c.Terminal.Rows)
	fmt.Fprintf(&b, "width_px = %d\n", c.Terminal.WidthPx)
	fmt.Fprintf(&b, "height_px = %d\n", c.Terminal.HeightPx)
	fmt.Fprintf(&b, "baud = %d\n\n", c.Terminal.Baud)

	b.WriteString("[channel]\n")
	b.WriteString("# Per-channel receive window and packet ceiling\n")
	fmt.Fprintf(&b, "window_size = %d\n", c.Channel.WindowSize)
	fmt.Fprintf(&b, "max_packet = %d\n", c.Channel.MaxPacket)
	fmt.Fprintf(&b, "close_timeout = %q\n", c.Channel.CloseTimeout)

	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func tomlStrings(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = fmt.Sprintf("%q", n)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
