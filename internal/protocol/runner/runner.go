// Package runner drives one session through a cooperative poll loop and
// translates frames into listener notifications.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/agentwire/internal/observability"
	"github.com/danmuck/agentwire/internal/protocol"
	"github.com/danmuck/agentwire/internal/protocol/listener"
	"github.com/danmuck/agentwire/internal/protocol/message"
	"github.com/danmuck/agentwire/internal/protocol/session"
	"github.com/rs/zerolog"
)

var (
	ErrNilProtocol    = errors.New("runner: protocol required")
	ErrNilProcessor   = errors.New("runner: processor required")
	ErrAlreadyStarted = errors.New("runner: already started")
)

// State is the runner lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config sets the loop cadence.
type Config struct {
	// ReceiveTimeout bounds each WaitForInput call while connected.
	ReceiveTimeout time.Duration
	// IdleSleep is the pause between connect attempts while disconnected.
	IdleSleep time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReceiveTimeout: 25 * time.Millisecond,
		IdleSleep:      100 * time.Millisecond,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = d.ReceiveTimeout
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = d.IdleSleep
	}
	return c
}

// Processor handles each non-empty frame on the loop goroutine. It must return
// promptly; long work belongs on another goroutine.
type Processor interface {
	ProcessProtocolMessage(msg string)
}

// Dispatcher is the controller-to-client command vocabulary.
type Dispatcher interface {
	SendShutdown() (bool, error)
	SendDispatchProps(props map[string]string) (bool, error)
	SendDispatchFile(path string) (bool, error)
}

// Runner owns the receive side of one session.
type Runner struct {
	proto session.Protocol
	proc  Processor
	cfg   Config
	log   zerolog.Logger

	state    atomic.Int32
	shutdown atomic.Bool
	done     chan struct{}

	mu  sync.Mutex
	err error
}

func New(proto session.Protocol, proc Processor, cfg Config) (*Runner, error) {
	if proto == nil {
		return nil, ErrNilProtocol
	}
	if proc == nil {
		return nil, ErrNilProcessor
	}
	logger := observability.SessionLogger(proto.Role().String(), proto.SessionID())
	return &Runner{
		proto: proto,
		proc:  proc,
		cfg:   cfg.WithDefaults(),
		log:   logger.With().Str("component", "runner").Logger(),
		done:  make(chan struct{}),
	}, nil
}

func (r *Runner) Protocol() session.Protocol    { return r.proto }
func (r *Runner) Listeners() *listener.Registry { return r.proto.Listeners() }
func (r *Runner) State() State                  { return State(r.state.Load()) }

// Run polls until ShutdownThread, ctx cancellation or the session ending.
// It broadcasts a normal local shutdown on exit unless the session already
// reported a terminal cause, then closes the session.
func (r *Runner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	defer close(r.done)
	r.log.Info().Int("port", r.proto.Port()).Msg("runner started")

	for !r.stopping(ctx) {
		if !r.proto.IsConnected() {
			r.proto.Connect()
		}
		if r.proto.IsConnected() {
			r.receive()
			continue
		}
		if r.stopping(ctx) {
			break
		}
		r.sleep(ctx, r.cfg.IdleSleep)
	}

	r.state.Store(int32(StateShuttingDown))
	if cause, terminal := r.proto.TerminalCause(); terminal {
		r.log.Warn().Stringer("cause", cause).Msg("runner stopping after terminal session failure")
	} else {
		r.proto.Listeners().LocalShutdown(message.ShutdownNormal)
	}
	r.proto.Close()
	r.state.Store(int32(StateStopped))
	r.log.Info().Msg("runner stopped")
	return r.Err()
}

func (r *Runner) stopping(ctx context.Context) bool {
	return r.shutdown.Load() || ctx.Err() != nil || r.proto.Done()
}

func (r *Runner) receive() {
	msg, err := r.proto.WaitForInput(r.cfg.ReceiveTimeout)
	if err != nil {
		if !errors.Is(err, protocol.ErrNotConnected) {
			r.setErr(err)
		}
		return
	}
	if msg == "" {
		return
	}
	r.proc.ProcessProtocolMessage(msg)
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Start runs the loop on its own goroutine.
func (r *Runner) Start(ctx context.Context) error {
	if r.State() != StateIdle {
		return ErrAlreadyStarted
	}
	go func() {
		if err := r.Run(ctx); err != nil && !errors.Is(err, ErrAlreadyStarted) {
			r.log.Debug().Err(err).Msg("runner exited with error")
		}
	}()
	return nil
}

// Wait blocks until a started loop has exited.
func (r *Runner) Wait() error {
	<-r.done
	return r.Err()
}

// Stopped is closed when the loop exits.
func (r *Runner) Stopped() <-chan struct{} { return r.done }

// ShutdownThread asks the loop to exit at its next iteration.
func (r *Runner) ShutdownThread() {
	if r.shutdown.CompareAndSwap(false, true) {
		r.log.Debug().Msg("shutdown requested")
	}
}

func (r *Runner) SendProtocolMessage(msg string) (bool, error) {
	return r.proto.SendResponse(msg)
}

func (r *Runner) AddListener(l listener.Named) bool    { return r.proto.Listeners().Add(l) }
func (r *Runner) RemoveListener(l listener.Named) bool { return r.proto.Listeners().Remove(l) }

func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Runner) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}
