package protocol

import "errors"

var (
	// ErrNotConnected is returned when an I/O primitive runs with no live stream.
	ErrNotConnected = errors.New("protocol: not connected")
	// ErrWrongRole is returned when a role-restricted operation reaches the wrong role.
	ErrWrongRole = errors.New("protocol: wrong role")
	// ErrHandshakeRejected marks a failed PROTOCOLVERSION negotiation.
	ErrHandshakeRejected = errors.New("protocol: handshake rejected")
	// ErrPortsExhausted marks a port search that moved past the max server port.
	ErrPortsExhausted = errors.New("protocol: ports exhausted")
	// ErrTransientIO wraps recoverable socket errors absorbed by the poll loop.
	ErrTransientIO = errors.New("protocol: transient io")
	// ErrSessionActive is returned by setters called on a connected session.
	ErrSessionActive = errors.New("protocol: session active")
)

// IsTerminal reports whether err ends a session rather than an attempt.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrPortsExhausted)
}
