package session

import (
	"fmt"

	"github.com/danmuck/agentwire/internal/protocol"
)

const (
	DefaultRemoteHost = "localhost"
	// DefaultRemotePort is where a remote client first tries to listen and a
	// controller first tries to dial.
	DefaultRemotePort = 2410
	// PreferredControllerPort is documentation only; controllers dial from an
	// OS-chosen port.
	PreferredControllerPort = 2411
	MaxServerPort           = 2500
	PortPace                = 2
)

// NextPort returns port+PortPace, or ErrPortsExhausted once that passes MaxServerPort.
func NextPort(port int) (int, error) {
	next := port + PortPace
	if next > MaxServerPort {
		return 0, fmt.Errorf("%w: %d > %d", protocol.ErrPortsExhausted, next, MaxServerPort)
	}
	return next, nil
}
