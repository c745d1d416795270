// Package listener defines the observer contracts fed by the protocol engine
// and the registry that fans events out to them.
package listener

import "github.com/danmuck/agentwire/internal/protocol/message"

// Named is the base capability every registered listener satisfies.
type Named interface {
	ListenerName() string
}

// DebugListener receives protocol-internal trace text.
type DebugListener interface {
	Named
	OnReceiveDebug(text string)
}

// ConnectionListener receives the three lifecycle edges of a session.
// Reconnection after a shutdown is left to the owner.
type ConnectionListener interface {
	Named
	OnReceiveConnection()
	OnReceiveLocalShutdown(cause message.ShutdownCause)
	OnReceiveRemoteShutdown(cause message.ShutdownCause)
}

// SocketProtocolListener adds the request/response vocabulary carried in
// application frames.
type SocketProtocolListener interface {
	ConnectionListener
	OnReceiveReady()
	OnReceiveRunning()
	OnReceiveResult(status message.Status, info string)
	OnReceiveResultProperties(props map[string]string)
	OnReceiveException(text string)
	OnReceiveMessage(text string)
}
