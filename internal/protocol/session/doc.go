// Package session owns the point-to-point stream between a local controller
// and a remote client.
//
// Ownership boundary:
// - dial/listen with port pacing from DefaultRemotePort to MaxServerPort
// - PROTOCOLVERSION handshake on every new stream
// - marker-delimited frame send/receive
// - connection and shutdown notifications into the listener registry
//
// Controller and RemoteClient share one endpoint core. Role-only operations
// exist only on the matching type.
package session
