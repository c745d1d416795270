package runner

import (
	"github.com/danmuck/agentwire/internal/protocol/message"
	"github.com/danmuck/agentwire/internal/protocol/session"
)

var (
	_ Processor  = (*ControllerRunner)(nil)
	_ Dispatcher = (*ControllerRunner)(nil)
)

// ControllerRunner dispatches work to a remote client and routes its replies
// to SocketProtocolListeners.
type ControllerRunner struct {
	*Runner
	ctrl *session.Controller
}

func NewController(ctrl *session.Controller, cfg Config) (*ControllerRunner, error) {
	if ctrl == nil {
		return nil, ErrNilProtocol
	}
	c := &ControllerRunner{ctrl: ctrl}
	r, err := New(ctrl, c, cfg)
	if err != nil {
		return nil, err
	}
	c.Runner = r
	return c, nil
}

func (c *ControllerRunner) Controller() *session.Controller { return c.ctrl }

func (c *ControllerRunner) SendShutdown() (bool, error) {
	return c.SendProtocolMessage(message.MsgShutdown)
}

func (c *ControllerRunner) SendDispatchProps(props map[string]string) (bool, error) {
	return c.SendProtocolMessage(message.Compose(message.MsgDispatchProps, message.EncodeProps(props)))
}

func (c *ControllerRunner) SendDispatchFile(path string) (bool, error) {
	return c.SendProtocolMessage(message.Compose(message.MsgDispatchFile, path))
}

func (c *ControllerRunner) ProcessProtocolMessage(msg string) {
	reg := c.Listeners()
	tag, body, ok := message.Split(msg)
	if !ok {
		reg.Message(msg)
		return
	}
	switch tag {
	case message.MsgReady:
		reg.Ready()
	case message.MsgRunning:
		reg.Running()
	case message.MsgResult:
		status, info, err := message.DecodeResult(body)
		if err != nil {
			reg.Debug("controller: " + err.Error())
			reg.Message(msg)
			return
		}
		reg.Result(status, info)
	case message.MsgResultProps:
		props, err := message.DecodeProps(body)
		if err != nil {
			reg.Debug("controller: " + err.Error())
			reg.Message(msg)
			return
		}
		reg.ResultProperties(props)
	case message.MsgException:
		reg.Exception(body)
	case message.MsgMessage:
		reg.Message(body)
	case message.MsgDebug:
		reg.Debug(body)
	case message.MsgShutdown:
		reg.RemoteShutdown(message.ShutdownNormal)
		c.ShutdownThread()
	default:
		reg.Message(msg)
	}
}
