package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/agentwire/internal/protocol"
	"github.com/danmuck/agentwire/internal/protocol/frame"
	"github.com/danmuck/agentwire/internal/protocol/listener"
	"github.com/danmuck/agentwire/internal/protocol/message"
)

// Role is fixed when a session is constructed.
type Role int

const (
	RoleLocalController Role = iota + 1
	RoleRemoteClient
)

func (r Role) String() string {
	switch r {
	case RoleLocalController:
		return "local_controller"
	case RoleRemoteClient:
		return "remote_client"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole maps config and CLI spellings onto a Role.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "controller", "local", "local_controller", "localcontroller":
		return RoleLocalController, nil
	case "client", "remote", "remote_client", "remoteclient":
		return RoleRemoteClient, nil
	default:
		return 0, fmt.Errorf("%w: %q", protocol.ErrWrongRole, raw)
	}
}

// Protocol is the surface shared by both roles. Role-specific operations live
// on *Controller and *RemoteClient.
type Protocol interface {
	Role() Role
	SessionID() string
	// Port is the remote port a controller dials or the port a client listens on.
	Port() int
	Marker() frame.Marker

	// Connect makes one bounded connection attempt and reports whether a
	// verified session is open. It is meant to be polled.
	Connect() bool
	IsConnected() bool
	// WaitForInput returns the next frame body, or "" when nothing arrived
	// within timeout. Only one goroutine may wait at a time.
	WaitForInput(timeout time.Duration) (string, error)
	// SendResponse frames and writes msg. I/O failures yield false, nil.
	SendResponse(msg string) (bool, error)
	Close()

	Listeners() *listener.Registry
	// TerminalCause reports the local shutdown cause already broadcast for a
	// session that cannot continue.
	TerminalCause() (message.ShutdownCause, bool)
	// Done reports that the session has ended and will not connect again.
	Done() bool
}

var (
	_ Protocol = (*Controller)(nil)
	_ Protocol = (*RemoteClient)(nil)
)

// New constructs the session type for role.
func New(role Role, cfg Config) (Protocol, error) {
	switch role {
	case RoleLocalController:
		c, err := NewController(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case RoleRemoteClient:
		r, err := NewRemoteClient(cfg)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: %s", protocol.ErrWrongRole, role)
	}
}
