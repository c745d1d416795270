package session

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/agentwire/internal/protocol"
	"github.com/danmuck/agentwire/internal/protocol/frame"
	"github.com/danmuck/agentwire/internal/protocol/message"
)

// initiate runs the controller half of the version handshake on a fresh
// connection and returns the reader that owns any bytes buffered past it.
func (e *endpoint) initiate(conn net.Conn) (*frame.Reader, error) {
	cfg := e.config()
	marker := e.Marker()
	reader := frame.NewReader(conn, marker, cfg.Limits, cfg.HandshakeTimeout)

	if err := writeHandshake(conn, message.VersionQuery(), marker, cfg); err != nil {
		return nil, err
	}
	reply, err := reader.ReadFrame(cfg.HandshakeTimeout)
	if err != nil {
		return nil, handshakeReadError(err, cfg.HandshakeTimeout)
	}
	remote, err := message.ParseVersionReply(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrHandshakeRejected, err)
	}
	if !cfg.AcceptVersion(cfg.ProtocolVersion, remote) {
		return nil, fmt.Errorf("%w: remote version %d, local version %d",
			protocol.ErrHandshakeRejected, remote, cfg.ProtocolVersion)
	}
	return reader, nil
}

// respond runs the remote-client half: wait for the version query and answer it.
func (e *endpoint) respond(conn net.Conn) (*frame.Reader, error) {
	cfg := e.config()
	marker := e.Marker()
	reader := frame.NewReader(conn, marker, cfg.Limits, cfg.HandshakeTimeout)

	query, err := reader.ReadFrame(cfg.HandshakeTimeout)
	if err != nil {
		return nil, handshakeReadError(err, cfg.HandshakeTimeout)
	}
	if !message.IsVersionQuery(query) {
		return nil, fmt.Errorf("%w: unexpected handshake frame %q", protocol.ErrHandshakeRejected, query)
	}
	if err := writeHandshake(conn, message.VersionReply(cfg.ProtocolVersion), marker, cfg); err != nil {
		return nil, err
	}
	return reader, nil
}

func writeHandshake(conn net.Conn, text string, marker frame.Marker, cfg Config) error {
	if err := conn.SetWriteDeadline(time.Now().Add(cfg.HandshakeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrTransientIO, err)
	}
	if err := frame.WriteFrame(conn, text, marker, cfg.Limits); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrTransientIO, err)
	}
	return nil
}

func handshakeReadError(err error, timeout time.Duration) error {
	if errors.Is(err, frame.ErrTimeout) {
		return fmt.Errorf("%w: no handshake frame within %s", protocol.ErrHandshakeRejected, timeout)
	}
	return fmt.Errorf("%w: %v", protocol.ErrHandshakeRejected, err)
}
