package protocol

import "errors"

// Failure classes shared across the transport, kex, and session layers.
// Callers match with errors.Is; the wrapped message carries the detail.
//
// ErrFraming, ErrIntegrity, and ErrNegotiation are fatal to the connection.
// ErrCredential is fatal to the session but tells the caller the transport
// worked and only the credentials were rejected. ErrChannel is scoped to a
// single channel operation; the session remains usable. ErrTimeout marks an
// expired bounded wait (the channel close handshake).
var (
	ErrFraming     = errors.New("malformed packet")
	ErrIntegrity   = errors.New("integrity check failed")
	ErrNegotiation = errors.New("no common algorithm")
	ErrCredential  = errors.New("authentication rejected")
	ErrChannel     = errors.New("channel request rejected")
	ErrTimeout     = errors.New("timed out")
)
