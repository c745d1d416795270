// Package config maps agentwire config files (TOML or YAML) onto session,
// runner and admin settings.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/danmuck/agentwire/internal/protocol/runner"
	"github.com/danmuck/agentwire/internal/protocol/session"
)

var (
	ErrUnknownKey    = errors.New("config: unknown key")
	ErrInvalidConfig = errors.New("config: invalid value")
	ErrUnknownKind   = errors.New("config: unknown kind")
)

// FileConfig is the on-disk key mapping shared by both roles. Durations are
// Go duration strings such as "10s".
type FileConfig struct {
	Role string `toml:"role" yaml:"role"`

	RemoteHost      string `toml:"remote_host" yaml:"remote_host"`
	RemotePort      int    `toml:"remote_port" yaml:"remote_port"`
	DiscoverPort    bool   `toml:"discover_port" yaml:"discover_port"`
	ListenHost      string `toml:"listen_host" yaml:"listen_host"`
	ListenPort      int    `toml:"listen_port" yaml:"listen_port"`
	EphemeralListen bool   `toml:"ephemeral_listen" yaml:"ephemeral_listen"`
	PublishKey      string `toml:"publish_key" yaml:"publish_key"`
	PortFile        string `toml:"port_file" yaml:"port_file"`

	Marker          string `toml:"eom_marker" yaml:"eom_marker"`
	ProtocolVersion int    `toml:"protocol_version" yaml:"protocol_version"`
	KeepAlive       bool   `toml:"keep_alive" yaml:"keep_alive"`
	MaxPayloadBytes int    `toml:"max_payload_bytes" yaml:"max_payload_bytes"`

	DialTimeout          string `toml:"dial_timeout" yaml:"dial_timeout"`
	AcceptTimeout        string `toml:"accept_timeout" yaml:"accept_timeout"`
	HandshakeTimeout     string `toml:"handshake_timeout" yaml:"handshake_timeout"`
	IdleTimeout          string `toml:"idle_timeout" yaml:"idle_timeout"`
	ClientConnectTimeout string `toml:"client_connect_timeout" yaml:"client_connect_timeout"`

	ReceiveTimeout string `toml:"receive_timeout" yaml:"receive_timeout"`
	IdleSleep      string `toml:"idle_sleep" yaml:"idle_sleep"`

	Reconnect   bool `toml:"reconnect" yaml:"reconnect"`
	MaxRestarts int  `toml:"max_restarts" yaml:"max_restarts"`

	AdminListenAddr string   `toml:"admin_listen_addr" yaml:"admin_listen_addr"`
	CorsOrigins     []string `toml:"cors_origins" yaml:"cors_origins"`
}

// Runtime is a loaded config ready to build a session and runner.
type Runtime struct {
	Role    session.Role
	Session session.Config
	Runner  runner.Config

	Reconnect bool
	Restart   runner.RestartPolicy

	AdminListenAddr string
	CorsOrigins     []string
}

func Default(role session.Role) Runtime {
	return Runtime{
		Role:    role,
		Session: session.DefaultConfig(),
		Runner:  runner.DefaultConfig(),
		Restart: runner.RestartPolicy{Backoff: runner.DefaultBackoffConfig()},
	}
}

// DefaultFile renders a Runtime's defaults back into file form.
func DefaultFile(role session.Role) FileConfig {
	rt := Default(role)
	s := rt.Session
	fc := FileConfig{
		Role:                 roleKey(role),
		RemoteHost:           s.RemoteHost,
		RemotePort:           s.RemotePort,
		ListenHost:           s.ListenHost,
		ListenPort:           s.ListenPort,
		PublishKey:           s.PublishKey,
		Marker:               s.Marker,
		ProtocolVersion:      s.ProtocolVersion,
		KeepAlive:            s.KeepAlive,
		MaxPayloadBytes:      s.Limits.MaxPayloadBytes,
		DialTimeout:          s.DialTimeout.String(),
		AcceptTimeout:        s.AcceptTimeout.String(),
		HandshakeTimeout:     s.HandshakeTimeout.String(),
		IdleTimeout:          s.IdleTimeout.String(),
		ClientConnectTimeout: s.ClientConnectTimeout.String(),
		ReceiveTimeout:       rt.Runner.ReceiveTimeout.String(),
		IdleSleep:            rt.Runner.IdleSleep.String(),
		AdminListenAddr:      "127.0.0.1:9410",
		CorsOrigins:          []string{"http://localhost:3000"},
	}
	if role == session.RoleRemoteClient {
		fc.PortFile = "/tmp/agentwire/remote.port"
	}
	return fc
}

func roleKey(role session.Role) string {
	if role == session.RoleRemoteClient {
		return "remote"
	}
	return "controller"
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, invalid(key, "%v", err)
	}
	if d <= 0 {
		return 0, invalid(key, "must be positive, got %s", raw)
	}
	return d, nil
}
