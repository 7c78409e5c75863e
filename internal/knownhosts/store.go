// Package knownhosts pins server host keys by fingerprint, with optional
// trust-on-first-use and live reload of the pin file.
package knownhosts

import (
	"bufio"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jclement/skiff/internal/kex"
	"github.com/jclement/skiff/internal/protocol"
)

// Store maps host addresses to pinned host key fingerprints. The backing file
// holds one "host algorithm fingerprint" triple per line.
type Store struct {
	path         string
	trustUnknown bool

	mu   sync.RWMutex
	pins map[string]pin
}

type pin struct {
	algo        string
	fingerprint string
}

// Open loads the pin file at path, creating an empty store if it does not
// exist. With trustUnknown set, hosts seen for the first time are recorded
// instead of rejected.
func Open(path string, trustUnknown bool) (*Store, error) {
	s := &Store{
		path:         path,
		trustUnknown: trustUnknown,
		pins:         map[string]pin{},
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Reload re-reads the pin file, replacing the in-memory pins.
func (s *Store) Reload() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open known hosts: %w", err)
	}
	defer f.Close()

	pins := map[string]pin{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			slog.Warn("skipping malformed known hosts line", "line", line)
			continue
		}
		pins[fields[0]] = pin{algo: fields[1], fingerprint: fields[2]}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read known hosts: %w", err)
	}

	s.mu.Lock()
	s.pins = pins
	s.mu.Unlock()
	return nil
}

// Len returns the number of pinned hosts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pins)
}

// Lookup returns the pinned fingerprint for host, if any.
func (s *Store) Lookup(host string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pins[host]
	return p.fingerprint, ok
}

// Remember pins a host key, replacing any previous pin, and appends it to the
// backing file.
func (s *Store) Remember(host, algo string, blob []byte) error {
	fp := Fingerprint(blob)

	s.mu.Lock()
	s.pins[host] = pin{algo: algo, fingerprint: fp}
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create known hosts directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open known hosts: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s %s %s\n", host, algo, fp); err != nil {
		return fmt.Errorf("append known hosts: %w", err)
	}
	slog.Info("pinned new host key", "host", host, "fingerprint", fp)
	return nil
}

// Callback returns a host key callback for one connection to host.
func (s *Store) Callback(host string) kex.HostKeyCallback {
	return func(algo string, blob []byte) error {
		fp := Fingerprint(blob)
		pinned, ok := s.Lookup(host)
		if !ok {
			if s.trustUnknown {
				return s.Remember(host, algo, blob)
			}
			return fmt.Errorf("unknown host %s (fingerprint %s)", host, fp)
		}
		if pinned != fp {
			return fmt.Errorf("%w: host key for %s changed (pinned %s, offered %s)",
				protocol.ErrIntegrity, host, pinned, fp)
		}
		return nil
	}
}

// Fingerprint returns the OpenSSH-style SHA256 fingerprint of a host key
// wire blob.
func Fingerprint(blob []byte) string {
	sum := sha256.Sum256(blob)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}
