package session

import (
	"strings"
	"time"

	"github.com/danmuck/agentwire/internal/protocol/frame"
	"github.com/danmuck/agentwire/internal/protocol/message"
)

// VersionPolicy decides whether a peer's advertised protocol version is acceptable.
type VersionPolicy func(local, remote int) bool

// ExactVersion accepts only an identical version.
func ExactVersion(local, remote int) bool {
	return local == remote
}

// Config defines socket, handshake and port-search behavior for one session.
// Controller-only fields are Remote*, DialTimeout, ClientConnectTimeout and
// DiscoverPort; RemoteClient-only fields are Listen*, EphemeralListen,
// AcceptTimeout, PublishKey and PortFile.
type Config struct {
	RemoteHost string
	RemotePort int
	ListenHost string
	ListenPort int
	// EphemeralListen binds an OS-chosen port instead of searching from
	// ListenPort. The chosen port is still published.
	EphemeralListen bool

	Marker          string
	ProtocolVersion int
	AcceptVersion   VersionPolicy
	KeepAlive       bool

	DialTimeout          time.Duration
	AcceptTimeout        time.Duration
	HandshakeTimeout     time.Duration
	IdleTimeout          time.Duration
	ClientConnectTimeout time.Duration

	PublishKey   string
	PortFile     string
	DiscoverPort bool

	Limits frame.Limits
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		RemoteHost:           DefaultRemoteHost,
		RemotePort:           DefaultRemotePort,
		ListenPort:           DefaultRemotePort,
		Marker:               message.DefaultEOM,
		ProtocolVersion:      message.ProtocolVersion,
		AcceptVersion:        ExactVersion,
		KeepAlive:            true,
		DialTimeout:          time.Second,
		AcceptTimeout:        100 * time.Millisecond,
		HandshakeTimeout:     10 * time.Second,
		IdleTimeout:          frame.DefaultIdleTimeout,
		ClientConnectTimeout: 60 * time.Second,
		PublishKey:           DefaultPublishKey,
		Limits:               frame.DefaultLimits(),
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.RemoteHost) == "" {
		c.RemoteHost = d.RemoteHost
	}
	if c.RemotePort <= 0 && !c.DiscoverPort {
		c.RemotePort = d.RemotePort
	}
	if c.ListenPort <= 0 {
		c.ListenPort = d.ListenPort
	}
	if c.Marker == "" {
		c.Marker = d.Marker
	}
	if c.ProtocolVersion <= 0 {
		c.ProtocolVersion = d.ProtocolVersion
	}
	if c.AcceptVersion == nil {
		c.AcceptVersion = d.AcceptVersion
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = d.AcceptTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ClientConnectTimeout <= 0 {
		c.ClientConnectTimeout = d.ClientConnectTimeout
	}
	if strings.TrimSpace(c.PublishKey) == "" {
		c.PublishKey = d.PublishKey
	}
	if c.Limits.MaxPayloadBytes <= 0 {
		c.Limits = d.Limits
	}
	return c
}

// VerificationFailMaxTry is how many failed handshakes a controller tolerates
// on one port before advancing: one per ten seconds of connect window, at least one.
func (c Config) VerificationFailMaxTry() int {
	n := int(c.ClientConnectTimeout / (10 * time.Second))
	if n < 1 {
		return 1
	}
	return n
}
