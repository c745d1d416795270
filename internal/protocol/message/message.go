package message

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultEOM terminates every frame unless a session overrides it.
	DefaultEOM = "[!_!]"

	// ProtocolVersionKeyword is sent by the controller and echoed with a version by the client.
	ProtocolVersionKeyword = "PROTOCOLVERSION"
	// ProtocolVersion is the version this implementation speaks.
	ProtocolVersion = 1

	// TagSeparator splits a tag from its body in application frames.
	TagSeparator = ":"
)

// Application frame tags.
const (
	MsgDebug         = "debug"
	MsgReady         = "ready"
	MsgRunning       = "running"
	MsgResult        = "result"
	MsgResultProps   = "resultprops"
	MsgException     = "exception"
	MsgMessage       = "message"
	MsgDispatchProps = "dispatchprops"
	MsgDispatchFile  = "dispatchfile"
	MsgShutdown      = "shutdown"
)

var ErrInvalidVersionReply = errors.New("message: invalid protocol version reply")

// Compose joins tag and body into one application frame body.
func Compose(tag, body string) string {
	if body == "" {
		return tag
	}
	return tag + TagSeparator + body
}

// Split returns the lower-cased tag and the body of an application frame.
// ok is false when msg carries no text before the separator.
func Split(msg string) (tag, body string, ok bool) {
	head, rest, found := strings.Cut(msg, TagSeparator)
	head = strings.TrimSpace(head)
	if head == "" {
		return "", msg, false
	}
	if !found {
		return strings.ToLower(head), "", true
	}
	return strings.ToLower(head), rest, true
}

// Is reports whether msg carries tag, compared case-insensitively.
func Is(msg, tag string) bool {
	got, _, ok := Split(msg)
	return ok && strings.EqualFold(got, tag)
}

func VersionQuery() string {
	return ProtocolVersionKeyword
}

func VersionReply(version int) string {
	return ProtocolVersionKeyword + "=" + strconv.Itoa(version)
}

func IsVersionQuery(msg string) bool {
	return strings.EqualFold(strings.TrimSpace(msg), ProtocolVersionKeyword)
}

// ParseVersionReply extracts N from "PROTOCOLVERSION=N".
func ParseVersionReply(msg string) (int, error) {
	key, value, found := strings.Cut(strings.TrimSpace(msg), "=")
	if !found || !strings.EqualFold(strings.TrimSpace(key), ProtocolVersionKeyword) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidVersionReply, msg)
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidVersionReply, msg)
	}
	return n, nil
}

// Status is the result code carried by result frames.
type Status int

const (
	StatusNotSet      Status = -1
	StatusOK          Status = 0
	StatusWarning     Status = 1
	StatusFailure     Status = 2
	StatusNotExecuted Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusNotSet:
		return "not_set"
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusFailure:
		return "failure"
	case StatusNotExecuted:
		return "not_executed"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// ShutdownCause tells listeners why a session ended.
type ShutdownCause int

const (
	ShutdownNormal ShutdownCause = iota
	ShutdownRemoteClientUnreachable
	ShutdownRemoteServiceUnreachable
	ShutdownControllerInitiated
)

func (c ShutdownCause) String() string {
	switch c {
	case ShutdownNormal:
		return "normal"
	case ShutdownRemoteClientUnreachable:
		return "remote_client_unreachable"
	case ShutdownRemoteServiceUnreachable:
		return "remote_service_unreachable"
	case ShutdownControllerInitiated:
		return "controller_initiated"
	default:
		return "cause(" + strconv.Itoa(int(c)) + ")"
	}
}

// Description is the human-readable form shown to operators.
func (c ShutdownCause) Description() string {
	switch c {
	case ShutdownNormal:
		return "Normal shutdown."
	case ShutdownRemoteClientUnreachable:
		return "The remote client could not be reached or failed verification."
	case ShutdownRemoteServiceUnreachable:
		return "The remote service could not be reached or rejected the protocol version."
	case ShutdownControllerInitiated:
		return "Shutdown was requested by the controller."
	default:
		return "Unknown shutdown cause."
	}
}
