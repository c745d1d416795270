package session

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/agentwire/internal/observability"
	"github.com/danmuck/agentwire/internal/protocol"
	"github.com/danmuck/agentwire/internal/protocol/message"
)

// Controller is the local-controller role: it dials a remote client, runs the
// handshake as initiator and walks the port range until a peer verifies.
type Controller struct {
	*endpoint

	port           int
	windowStart    time.Time
	verifyFailures int
	now            func() time.Time
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.DiscoverPort {
		if p, ok := DiscoverPort(cfg.PublishKey, cfg.PortFile); ok {
			cfg.RemotePort = p
		}
	}
	e, err := newEndpoint(RoleLocalController, cfg)
	if err != nil {
		return nil, err
	}
	if e.cfg.RemotePort <= 0 {
		e.cfg.RemotePort = DefaultRemotePort
	}
	return &Controller{
		endpoint: e,
		port:     e.cfg.RemotePort,
		now:      time.Now,
	}, nil
}

func (c *Controller) RemoteHost() string {
	return c.config().RemoteHost
}

func (c *Controller) RemotePort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

func (c *Controller) Port() int {
	return c.RemotePort()
}

// SetRemoteHost retargets the controller while no session is open.
func (c *Controller) SetRemoteHost(host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		host = DefaultRemoteHost
	}
	return c.update(func(cfg *Config) { cfg.RemoteHost = host })
}

// SetRemotePort restarts the port search at port while no session is open.
func (c *Controller) SetRemotePort(port int) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	err := c.update(func(cfg *Config) {
		cfg.RemotePort = port
		c.port = port
	})
	if err == nil {
		c.windowStart = time.Time{}
		c.verifyFailures = 0
	}
	return err
}

// Connect makes one dial and handshake attempt against the current port.
func (c *Controller) Connect() bool {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if c.IsConnected() {
		return true
	}
	if c.Done() {
		return false
	}

	cfg := c.config()
	now := c.now()
	if c.windowStart.IsZero() {
		c.windowStart = now
	}
	if now.Sub(c.windowStart) >= cfg.ClientConnectTimeout {
		c.debugf("no verified connection on port %d within %s", c.RemotePort(), cfg.ClientConnectTimeout)
		if !c.advance(now) {
			return false
		}
	}

	addr := net.JoinHostPort(cfg.RemoteHost, strconv.Itoa(c.RemotePort()))
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		c.debugf("dial %s: %v", addr, err)
		return false
	}
	c.applyKeepAlive(conn)

	reader, err := c.initiate(conn)
	if err != nil {
		_ = conn.Close()
		observability.RecordHandshake(c.role.String(), false)
		c.verifyFailures++
		maxTry := cfg.VerificationFailMaxTry()
		c.debugf("verify %s attempt %d/%d: %v", addr, c.verifyFailures, maxTry, err)
		if c.verifyFailures >= maxTry {
			// on the last port the terminal notice from advance stands alone
			if c.advance(c.now()) && errors.Is(err, protocol.ErrHandshakeRejected) {
				c.reg.LocalShutdown(message.ShutdownRemoteServiceUnreachable)
			}
		}
		return false
	}
	observability.RecordHandshake(c.role.String(), true)
	c.windowStart = time.Time{}
	c.verifyFailures = 0
	c.attach(conn, reader)
	return true
}

// advance moves to the next candidate port and restarts the connect window.
// Passing MaxServerPort terminates the session.
func (c *Controller) advance(now time.Time) bool {
	next, err := NextPort(c.RemotePort())
	if err != nil {
		c.debugf("port search: %v", err)
		c.terminate(message.ShutdownRemoteClientUnreachable)
		return false
	}
	c.mu.Lock()
	c.port = next
	c.mu.Unlock()
	c.windowStart = now
	c.verifyFailures = 0
	observability.RecordPortAdvance(c.role.String())
	c.log.Info().Int("port", next).Msg("advancing to next remote port")
	return true
}
