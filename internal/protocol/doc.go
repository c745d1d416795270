// Package protocol owns the point-to-point control protocol contract.
//
// Ownership boundary:
// - error taxonomy shared by every protocol layer
// - message: tag vocabulary, status codes, shutdown causes
// - listener: observer contracts and the typed registry
// - frame: EOM marker framing over a byte stream
// - session: socket lifecycle, handshake, port search
// - runner: single poll loop per connection
package protocol
