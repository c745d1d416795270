package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/agentwire/internal/protocol/frame"
	"github.com/danmuck/agentwire/internal/protocol/session"
	"gopkg.in/yaml.v3"
)

// Format is a config file syntax.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatOf picks the syntax from the file extension; anything that is not
// .yaml or .yml is read as TOML.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// Load reads path, rejects unknown keys and overlays the keys it sets onto
// the defaults for the configured role.
func Load(path string) (Runtime, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Runtime{}, fmt.Errorf("load config %s: %w", path, err)
	}
	rt, err := Parse(data, FormatOf(path))
	if err != nil {
		return Runtime{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return rt, nil
}

// Parse decodes data in the given format.
func Parse(data []byte, format Format) (Runtime, error) {
	if err := validateKeys(data, format); err != nil {
		return Runtime{}, err
	}
	raw, defined, err := decode(data, format)
	if err != nil {
		return Runtime{}, err
	}
	return overlay(raw, defined)
}

func decode(data []byte, format Format) (FileConfig, func(key string) bool, error) {
	var raw FileConfig
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return FileConfig{}, nil, fmt.Errorf("parse yaml: %w", err)
		}
		keys := map[string]any{}
		if err := yaml.Unmarshal(data, &keys); err != nil {
			return FileConfig{}, nil, fmt.Errorf("parse yaml: %w", err)
		}
		return raw, func(key string) bool {
			_, ok := keys[key]
			return ok
		}, nil
	default:
		meta, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&raw)
		if err != nil {
			return FileConfig{}, nil, fmt.Errorf("parse toml: %w", err)
		}
		return raw, func(key string) bool { return meta.IsDefined(key) }, nil
	}
}

func overlay(raw FileConfig, defined func(key string) bool) (Runtime, error) {
	role := session.RoleLocalController
	if defined("role") {
		r, err := session.ParseRole(raw.Role)
		if err != nil {
			return Runtime{}, invalid("role", "%v", err)
		}
		role = r
	}
	rt := Default(role)
	s := &rt.Session

	if defined("remote_host") {
		s.RemoteHost = strings.TrimSpace(raw.RemoteHost)
	}
	if defined("remote_port") {
		s.RemotePort = raw.RemotePort
	}
	if defined("discover_port") {
		s.DiscoverPort = raw.DiscoverPort
	}
	if defined("listen_host") {
		s.ListenHost = strings.TrimSpace(raw.ListenHost)
	}
	if defined("listen_port") {
		s.ListenPort = raw.ListenPort
	}
	if defined("ephemeral_listen") {
		s.EphemeralListen = raw.EphemeralListen
	}
	if defined("publish_key") {
		s.PublishKey = strings.TrimSpace(raw.PublishKey)
	}
	if defined("port_file") {
		s.PortFile = strings.TrimSpace(raw.PortFile)
	}
	if defined("eom_marker") {
		if _, err := frame.NewMarker(raw.Marker); err != nil {
			return Runtime{}, invalid("eom_marker", "%v", err)
		}
		s.Marker = raw.Marker
	}
	if defined("protocol_version") {
		if raw.ProtocolVersion <= 0 {
			return Runtime{}, invalid("protocol_version", "must be positive, got %d", raw.ProtocolVersion)
		}
		s.ProtocolVersion = raw.ProtocolVersion
	}
	if defined("keep_alive") {
		s.KeepAlive = raw.KeepAlive
	}
	if defined("max_payload_bytes") {
		if raw.MaxPayloadBytes <= 0 {
			return Runtime{}, invalid("max_payload_bytes", "must be positive, got %d", raw.MaxPayloadBytes)
		}
		s.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"dial_timeout", raw.DialTimeout, &s.DialTimeout},
		{"accept_timeout", raw.AcceptTimeout, &s.AcceptTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &s.HandshakeTimeout},
		{"idle_timeout", raw.IdleTimeout, &s.IdleTimeout},
		{"client_connect_timeout", raw.ClientConnectTimeout, &s.ClientConnectTimeout},
		{"receive_timeout", raw.ReceiveTimeout, &rt.Runner.ReceiveTimeout},
		{"idle_sleep", raw.IdleSleep, &rt.Runner.IdleSleep},
	}
	for _, d := range durations {
		if !defined(d.key) {
			continue
		}
		v, err := parseDuration(d.key, d.raw)
		if err != nil {
			return Runtime{}, err
		}
		*d.dst = v
	}

	if defined("reconnect") {
		rt.Reconnect = raw.Reconnect
	}
	if defined("max_restarts") {
		if raw.MaxRestarts < 0 {
			return Runtime{}, invalid("max_restarts", "must not be negative, got %d", raw.MaxRestarts)
		}
		rt.Restart.MaxRestarts = raw.MaxRestarts
	}
	if defined("admin_listen_addr") {
		rt.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if defined("cors_origins") {
		rt.CorsOrigins = append([]string(nil), raw.CorsOrigins...)
	}

	if err := validateRuntime(rt); err != nil {
		return Runtime{}, err
	}
	rt.Session = rt.Session.WithDefaults()
	return rt, nil
}

func validateRuntime(rt Runtime) error {
	s := rt.Session
	if s.RemotePort < 0 || s.RemotePort > 65535 {
		return invalid("remote_port", "out of range: %d", s.RemotePort)
	}
	if s.RemotePort == 0 && !s.DiscoverPort && rt.Role == session.RoleLocalController {
		return invalid("remote_port", "required unless discover_port is set")
	}
	if s.RemotePort > session.MaxServerPort {
		return invalid("remote_port", "%d is past the last searchable port %d", s.RemotePort, session.MaxServerPort)
	}
	if s.ListenPort < 0 || s.ListenPort > 65535 {
		return invalid("listen_port", "out of range: %d", s.ListenPort)
	}
	if addr := rt.AdminListenAddr; addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return invalid("admin_listen_addr", "%v", err)
		}
	}
	return nil
}

func invalid(key, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidConfig, key, fmt.Sprintf(format, args...))
}
