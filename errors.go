package burrow

import (
	"errors"
)

var (
	ErrInvalidSocket     = errors.New("burrow: invalid socket")
	ErrProtocol          = errors.New("burrow: protocol violation")
	ErrBadToken          = errors.New("burrow: bad token")
	ErrHandshakeFailed   = errors.New("burrow: handshake rejected")
	ErrAlreadyRegistered = errors.New("burrow: client already registered")
	ErrHandshakeTimeout  = errors.New("burrow: handshake timed out")
	ErrHeartbeatTimeout  = errors.New("burrow: heartbeat timed out")
	ErrReadTimeout       = errors.New("burrow: read timed out")
	ErrSessionClosed     = errors.New("burrow: session closed")
	ErrOpenRejected      = errors.New("burrow: stream open rejected")
	ErrUnknownTransport  = errors.New("burrow: unknown transport")
)

// IsTimeout reports whether err is one of the session timeouts.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrHandshakeTimeout) ||
		errors.Is(err, ErrHeartbeatTimeout) ||
		errors.Is(err, ErrReadTimeout)
}
