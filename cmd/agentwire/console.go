package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/danmuck/agentwire/internal/protocol/listener"
	"github.com/danmuck/agentwire/internal/protocol/message"
	"github.com/danmuck/agentwire/internal/protocol/runner"
	"github.com/danmuck/agentwire/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	_ listener.SocketProtocolListener = (*controllerConsole)(nil)
	_ listener.DebugListener          = (*controllerConsole)(nil)
	_ listener.ConnectionListener     = (*remoteConsole)(nil)
	_ listener.DebugListener          = (*remoteConsole)(nil)
	_ runner.ClientHandler            = (*agentHandler)(nil)
)

// dialPlan is the work a controller dispatches once connected.
type dialPlan struct {
	props    map[string]string
	file     string
	messages []string
	once     bool
}

// controllerConsole prints controller-side events and carries out a dialPlan.
type controllerConsole struct {
	out    io.Writer
	runner *runner.ControllerRunner
	plan   dialPlan
}

func (c *controllerConsole) ListenerName() string { return "controller-console" }

func (c *controllerConsole) OnReceiveDebug(text string) {
	log.Debug().Str("listener", c.ListenerName()).Msg(text)
}

func (c *controllerConsole) OnReceiveConnection() {
	fmt.Fprintln(c.out, "connected")
	for _, msg := range c.plan.messages {
		ok, err := c.runner.SendProtocolMessage(msg)
		c.report("send", ok, err)
	}
	if len(c.plan.props) > 0 {
		ok, err := c.runner.SendDispatchProps(c.plan.props)
		c.report("dispatchprops", ok, err)
	}
	if c.plan.file != "" {
		ok, err := c.runner.SendDispatchFile(c.plan.file)
		c.report("dispatchfile", ok, err)
	}
}

func (c *controllerConsole) report(what string, ok bool, err error) {
	if err != nil || !ok {
		log.Warn().Err(err).Str("frame", what).Msg("controller send failed")
	}
}

func (c *controllerConsole) OnReceiveLocalShutdown(cause message.ShutdownCause) {
	fmt.Fprintf(c.out, "local shutdown: %s\n", cause.Description())
}

func (c *controllerConsole) OnReceiveRemoteShutdown(cause message.ShutdownCause) {
	fmt.Fprintf(c.out, "remote shutdown: %s\n", cause.Description())
}

func (c *controllerConsole) OnReceiveReady()   { fmt.Fprintln(c.out, "ready") }
func (c *controllerConsole) OnReceiveRunning() { fmt.Fprintln(c.out, "running") }

func (c *controllerConsole) OnReceiveResult(status message.Status, info string) {
	fmt.Fprintf(c.out, "result %s: %s\n", status, info)
	if c.plan.once {
		ok, err := c.runner.SendShutdown()
		c.report("shutdown", ok, err)
		c.runner.ShutdownThread()
	}
}

func (c *controllerConsole) OnReceiveResultProperties(props map[string]string) {
	fmt.Fprintf(c.out, "resultprops %s\n", formatProps(props))
}

func (c *controllerConsole) OnReceiveException(text string) {
	fmt.Fprintf(c.out, "exception: %s\n", text)
}

func (c *controllerConsole) OnReceiveMessage(text string) {
	fmt.Fprintf(c.out, "message: %s\n", text)
}

// remoteConsole prints remote-client lifecycle events.
type remoteConsole struct {
	out io.Writer
	rs  *session.RemoteClient
}

func (r *remoteConsole) ListenerName() string { return "remote-console" }

func (r *remoteConsole) OnReceiveDebug(text string) {
	log.Debug().Str("listener", r.ListenerName()).Msg(text)
}

func (r *remoteConsole) OnReceiveConnection() {
	fmt.Fprintf(r.out, "controller connected port=%d\n", r.rs.Port())
}

func (r *remoteConsole) OnReceiveLocalShutdown(cause message.ShutdownCause) {
	fmt.Fprintf(r.out, "local shutdown: %s\n", cause.Description())
}

func (r *remoteConsole) OnReceiveRemoteShutdown(cause message.ShutdownCause) {
	fmt.Fprintf(r.out, "remote shutdown: %s\n", cause.Description())
}

// agentHandler prints controller commands and optionally acknowledges them.
type agentHandler struct {
	out    io.Writer
	ack    bool
	runner *runner.RemoteRunner
}

func (a *agentHandler) OnDispatchProps(props map[string]string) {
	fmt.Fprintf(a.out, "dispatchprops %s\n", formatProps(props))
	a.acknowledge(fmt.Sprintf("%d properties", len(props)), props)
}

func (a *agentHandler) OnDispatchFile(path string) {
	fmt.Fprintf(a.out, "dispatchfile %s\n", path)
	a.acknowledge(path, nil)
}

func (a *agentHandler) OnMessage(msg string) {
	fmt.Fprintf(a.out, "frame %s\n", msg)
}

func (a *agentHandler) acknowledge(info string, props map[string]string) {
	if !a.ack || a.runner == nil {
		return
	}
	_, _ = a.runner.SendRunning()
	if len(props) > 0 {
		_, _ = a.runner.SendResultProps(props)
	}
	if _, err := a.runner.SendResult(message.StatusOK, info); err != nil {
		log.Warn().Err(err).Msg("agent result send failed")
	}
}

func formatProps(props map[string]string) string {
	pairs := make([]string, 0, len(props))
	for k, v := range props {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}
