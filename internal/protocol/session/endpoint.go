package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/agentwire/internal/observability"
	"github.com/danmuck/agentwire/internal/protocol"
	"github.com/danmuck/agentwire/internal/protocol/frame"
	"github.com/danmuck/agentwire/internal/protocol/listener"
	"github.com/danmuck/agentwire/internal/protocol/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// endpoint is the stream, framing and notification core shared by both roles.
type endpoint struct {
	id   string
	role Role
	reg  *listener.Registry
	log  zerolog.Logger

	// connectMu serializes Connect attempts.
	connectMu sync.Mutex

	mu       sync.Mutex
	cfg      Config
	marker   frame.Marker
	conn     net.Conn
	reader   *frame.Reader
	terminal *message.ShutdownCause

	// wmu serializes frame writes from concurrent senders.
	wmu sync.Mutex

	connected atomic.Bool
	done      atomic.Bool
}

func newEndpoint(role Role, cfg Config) (*endpoint, error) {
	cfg = cfg.WithDefaults()
	marker, err := frame.NewMarker(cfg.Marker)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	logger := observability.SessionLogger(role.String(), id)
	return &endpoint{
		id:     id,
		role:   role,
		cfg:    cfg,
		marker: marker,
		reg:    listener.NewRegistry(logger),
		log:    logger,
	}, nil
}

func (e *endpoint) Role() Role                      { return e.role }
func (e *endpoint) SessionID() string               { return e.id }
func (e *endpoint) Listeners() *listener.Registry   { return e.reg }
func (e *endpoint) IsConnected() bool               { return e.connected.Load() }
func (e *endpoint) Done() bool                      { return e.done.Load() }
func (e *endpoint) HandshakeTimeout() time.Duration { return e.config().HandshakeTimeout }
func (e *endpoint) IdleTimeout() time.Duration      { return e.config().IdleTimeout }
func (e *endpoint) KeepAlive() bool                 { return e.config().KeepAlive }

// Config returns a copy of the session configuration.
func (e *endpoint) Config() Config { return e.config() }

func (e *endpoint) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *endpoint) Marker() frame.Marker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.marker
}

// SetMarker replaces the end-of-message marker between sessions.
func (e *endpoint) SetMarker(text string) error {
	m, err := frame.NewMarker(text)
	if err != nil {
		return err
	}
	return e.update(func(cfg *Config) {
		cfg.Marker = text
		e.marker = m
	})
}

func (e *endpoint) SetKeepAlive(on bool) error {
	return e.update(func(cfg *Config) { cfg.KeepAlive = on })
}

func (e *endpoint) SetTimeouts(handshake, idle time.Duration) error {
	return e.update(func(cfg *Config) {
		if handshake > 0 {
			cfg.HandshakeTimeout = handshake
		}
		if idle > 0 {
			cfg.IdleTimeout = idle
		}
	})
}

// update applies fn under the session lock unless a stream is open.
func (e *endpoint) update(fn func(cfg *Config)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		return protocol.ErrSessionActive
	}
	fn(&e.cfg)
	return nil
}

func (e *endpoint) TerminalCause() (message.ShutdownCause, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal == nil {
		return message.ShutdownNormal, false
	}
	return *e.terminal, true
}

func (e *endpoint) debugf(format string, args ...any) {
	e.reg.Debug(e.role.String() + ": " + fmt.Sprintf(format, args...))
}

func (e *endpoint) applyKeepAlive(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcp.SetKeepAlive(e.config().KeepAlive); err != nil {
		e.debugf("keepalive: %v", err)
	}
}

// attach publishes a verified stream and notifies connection listeners.
func (e *endpoint) attach(conn net.Conn, reader *frame.Reader) {
	reader.SetIdleTimeout(e.config().IdleTimeout)
	e.mu.Lock()
	e.conn = conn
	e.reader = reader
	e.mu.Unlock()
	e.connected.Store(true)
	observability.SetConnected(e.role.String(), e.id, true)
	e.log.Info().Str("peer", conn.RemoteAddr().String()).Msg("session verified")
	e.reg.Connection()
}

// teardown drops the stream. connected goes false before the socket closes.
// It reports whether a stream was open.
func (e *endpoint) teardown() bool {
	e.mu.Lock()
	wasConnected := e.connected.Swap(false)
	conn := e.conn
	e.conn = nil
	e.reader = nil
	e.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		observability.SetConnected(e.role.String(), e.id, false)
	}
	return conn != nil
}

// terminate ends the session once with a local shutdown notification.
func (e *endpoint) terminate(cause message.ShutdownCause) {
	e.mu.Lock()
	if e.terminal != nil {
		e.mu.Unlock()
		return
	}
	e.terminal = &cause
	e.mu.Unlock()
	e.done.Store(true)
	e.teardown()
	e.log.Warn().Stringer("cause", cause).Msg(cause.Description())
	e.reg.LocalShutdown(cause)
}

func (e *endpoint) peerClosed(err error) {
	if !e.teardown() {
		return
	}
	e.done.Store(true)
	e.log.Info().Err(err).Msg("peer closed session")
	e.reg.RemoteShutdown(message.ShutdownNormal)
}

func (e *endpoint) WaitForInput(timeout time.Duration) (string, error) {
	e.mu.Lock()
	reader := e.reader
	e.mu.Unlock()
	if reader == nil {
		return "", protocol.ErrNotConnected
	}
	msg, err := reader.ReadFrame(timeout)
	switch {
	case err == nil:
		observability.RecordFrame(e.role.String(), "received")
		return msg, nil
	case errors.Is(err, frame.ErrTimeout):
		return "", nil
	case errors.Is(err, frame.ErrPayloadTooLarge):
		e.debugf("dropped oversized frame: %v", err)
		return "", nil
	case !e.IsConnected():
		// local teardown closed the socket under the read
		return "", nil
	default:
		e.debugf("read: %v", err)
		e.peerClosed(err)
		return "", nil
	}
}

func (e *endpoint) SendResponse(msg string) (bool, error) {
	e.mu.Lock()
	conn := e.conn
	marker := e.marker
	cfg := e.cfg
	e.mu.Unlock()
	if conn == nil {
		return false, protocol.ErrNotConnected
	}

	e.wmu.Lock()
	defer e.wmu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(cfg.IdleTimeout)); err != nil {
		e.debugf("write deadline: %v", err)
		return false, nil
	}
	if err := frame.WriteFrame(conn, msg, marker, cfg.Limits); err != nil {
		e.debugf("send: %v", fmt.Errorf("%w: %v", protocol.ErrTransientIO, err))
		return false, nil
	}
	observability.RecordFrame(e.role.String(), "sent")
	return true, nil
}

// Close ends the session. It is idempotent and never fails.
func (e *endpoint) Close() {
	e.done.Store(true)
	if e.teardown() {
		e.log.Debug().Msg("session closed")
	}
	observability.ForgetSession(e.role.String(), e.id)
}
