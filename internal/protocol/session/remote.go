package session

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/agentwire/internal/observability"
	"github.com/danmuck/agentwire/internal/protocol/message"
)

// RemoteClient is the remote-client role: it binds a listening port, accepts
// one controller at a time and answers the version handshake.
type RemoteClient struct {
	*endpoint

	lnMu sync.Mutex
	ln   *net.TCPListener
	port int
}

func NewRemoteClient(cfg Config) (*RemoteClient, error) {
	e, err := newEndpoint(RoleRemoteClient, cfg)
	if err != nil {
		return nil, err
	}
	return &RemoteClient{endpoint: e}, nil
}

// ListenPort is the bound port, or 0 before Listen succeeds.
func (r *RemoteClient) ListenPort() int {
	r.lnMu.Lock()
	defer r.lnMu.Unlock()
	return r.port
}

func (r *RemoteClient) Port() int {
	return r.ListenPort()
}

// Listen binds the first free port from ListenPort upward by PortPace, or an
// OS-chosen port with EphemeralListen, and publishes it. It is a no-op once bound.
func (r *RemoteClient) Listen() error {
	r.lnMu.Lock()
	defer r.lnMu.Unlock()
	if r.ln != nil {
		return nil
	}
	if r.Done() {
		return net.ErrClosed
	}

	cfg := r.config()
	port := cfg.ListenPort
	if cfg.EphemeralListen {
		port = 0
	}
	for {
		addr := net.JoinHostPort(cfg.ListenHost, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			r.ln = ln.(*net.TCPListener)
			r.port = r.ln.Addr().(*net.TCPAddr).Port
			break
		}
		r.debugf("bind %s: %v", addr, err)
		if port == 0 {
			r.terminate(message.ShutdownRemoteServiceUnreachable)
			return err
		}
		next, nerr := NextPort(port)
		if nerr != nil {
			r.terminate(message.ShutdownRemoteServiceUnreachable)
			return nerr
		}
		observability.RecordPortAdvance(r.role.String())
		port = next
	}

	if err := PublishPort(cfg.PublishKey, r.port, cfg.PortFile); err != nil {
		r.debugf("publish port %d: %v", r.port, err)
	}
	r.log.Info().Int("port", r.port).Str("key", cfg.PublishKey).Msg("listening for controller")
	return nil
}

// Connect binds if needed and then accepts and verifies at most one pending
// connection within AcceptTimeout.
func (r *RemoteClient) Connect() bool {
	r.connectMu.Lock()
	defer r.connectMu.Unlock()
	if r.IsConnected() {
		return true
	}
	if r.Done() {
		return false
	}
	if err := r.Listen(); err != nil {
		return false
	}

	cfg := r.config()
	r.lnMu.Lock()
	ln := r.ln
	r.lnMu.Unlock()
	if ln == nil {
		return false
	}
	if err := ln.SetDeadline(time.Now().Add(cfg.AcceptTimeout)); err != nil {
		r.debugf("accept deadline: %v", err)
		return false
	}
	conn, err := ln.Accept()
	if err != nil {
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			r.debugf("accept: %v", err)
		}
		return false
	}
	r.applyKeepAlive(conn)

	reader, err := r.respond(conn)
	if err != nil {
		_ = conn.Close()
		observability.RecordHandshake(r.role.String(), false)
		r.debugf("verify %s: %v", conn.RemoteAddr(), err)
		r.reg.LocalShutdown(message.ShutdownRemoteClientUnreachable)
		return false
	}
	observability.RecordHandshake(r.role.String(), true)
	r.attach(conn, reader)
	return true
}

// Close ends the session, releases the listening socket and withdraws the
// published port.
func (r *RemoteClient) Close() {
	r.endpoint.Close()
	r.lnMu.Lock()
	ln := r.ln
	r.ln = nil
	r.lnMu.Unlock()
	if ln == nil {
		return
	}
	_ = ln.Close()
	cfg := r.config()
	if err := WithdrawPort(cfg.PublishKey, cfg.PortFile); err != nil {
		r.debugf("withdraw port: %v", err)
	}
}

func (r *RemoteClient) String() string {
	return fmt.Sprintf("%s[%s] port=%d", r.role, r.id, r.ListenPort())
}
