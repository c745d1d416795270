package runner

import (
	"github.com/danmuck/agentwire/internal/protocol/message"
	"github.com/danmuck/agentwire/internal/protocol/session"
)

var (
	_ Processor  = (*RemoteRunner)(nil)
	_ Dispatcher = (*RemoteRunner)(nil)
)

// ClientHandler receives controller commands on the runner goroutine.
type ClientHandler interface {
	OnDispatchProps(props map[string]string)
	OnDispatchFile(path string)
	// OnMessage receives any frame that is not a recognized command, verbatim.
	OnMessage(msg string)
}

// RemoteRunner answers a controller. Dispatch hooks are inert on this side.
type RemoteRunner struct {
	*Runner
	remote  *session.RemoteClient
	handler ClientHandler
}

// NewRemote builds a runner for remote. A nil handler routes every command
// to the registry as a plain message.
func NewRemote(remote *session.RemoteClient, handler ClientHandler, cfg Config) (*RemoteRunner, error) {
	if remote == nil {
		return nil, ErrNilProtocol
	}
	rr := &RemoteRunner{remote: remote, handler: handler}
	r, err := New(remote, rr, cfg)
	if err != nil {
		return nil, err
	}
	rr.Runner = r
	return rr, nil
}

func (rr *RemoteRunner) Remote() *session.RemoteClient { return rr.remote }

func (rr *RemoteRunner) SendShutdown() (bool, error)                       { return false, nil }
func (rr *RemoteRunner) SendDispatchProps(map[string]string) (bool, error) { return false, nil }
func (rr *RemoteRunner) SendDispatchFile(string) (bool, error)             { return false, nil }

func (rr *RemoteRunner) SendReady() (bool, error) {
	return rr.SendProtocolMessage(message.MsgReady)
}

func (rr *RemoteRunner) SendRunning() (bool, error) {
	return rr.SendProtocolMessage(message.MsgRunning)
}

func (rr *RemoteRunner) SendResult(status message.Status, info string) (bool, error) {
	return rr.SendProtocolMessage(message.Compose(message.MsgResult, message.EncodeResult(status, info)))
}

func (rr *RemoteRunner) SendResultProps(props map[string]string) (bool, error) {
	return rr.SendProtocolMessage(message.Compose(message.MsgResultProps, message.EncodeProps(props)))
}

func (rr *RemoteRunner) SendException(text string) (bool, error) {
	return rr.SendProtocolMessage(message.Compose(message.MsgException, text))
}

func (rr *RemoteRunner) SendMessage(text string) (bool, error) {
	return rr.SendProtocolMessage(message.Compose(message.MsgMessage, text))
}

func (rr *RemoteRunner) ProcessProtocolMessage(msg string) {
	tag, body, _ := message.Split(msg)
	switch tag {
	case message.MsgShutdown:
		rr.Listeners().RemoteShutdown(message.ShutdownControllerInitiated)
		rr.ShutdownThread()
	case message.MsgDispatchProps:
		props, err := message.DecodeProps(body)
		if err != nil || rr.handler == nil {
			rr.deliver(msg)
			return
		}
		rr.handler.OnDispatchProps(props)
	case message.MsgDispatchFile:
		if rr.handler == nil {
			rr.deliver(msg)
			return
		}
		rr.handler.OnDispatchFile(body)
	default:
		rr.deliver(msg)
	}
}

func (rr *RemoteRunner) deliver(msg string) {
	if rr.handler != nil {
		rr.handler.OnMessage(msg)
		return
	}
	rr.Listeners().Message(msg)
}
