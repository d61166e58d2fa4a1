package broker

import "errors"

// Error categories surfaced to callers and hooks. These group the many wire
// and runtime failures the broker can hit into the handful of buckets a
// caller actually needs to branch on.
var (
	ErrProtocolViolation  = errors.New("broker: protocol violation")
	ErrNotAuthorized      = errors.New("broker: not authorized")
	ErrConnectTimeout     = errors.New("broker: connect timeout")
	ErrKeepAliveTimeout   = errors.New("broker: keep-alive timeout")
	ErrTransportClosed    = errors.New("broker: transport closed")
	ErrResourceExhausted  = errors.New("broker: resource limit exceeded")
	ErrDomainNotFound     = errors.New("broker: no domain selected for connection")
	ErrDomainInactive     = errors.New("broker: domain inactive")
	ErrDuplicateClientID  = errors.New("broker: client id already connected")
	ErrPacketIDExhausted  = errors.New("broker: no free packet identifiers")
	ErrBrokerClosed       = errors.New("broker: broker closed")
	ErrUnsupportedVersion = errors.New("broker: unsupported protocol version")
)

// ProtocolError wraps a malformed-packet condition with the offending
// packet type, so handlers can log or report it without re-parsing.
type ProtocolError struct {
	PacketType string
	Err        error
}

func (e *ProtocolError) Error() string {
	if e.PacketType == "" {
		return e.Err.Error()
	}
	return e.PacketType + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ResourceError reports which limit was exceeded (connections, message
// size, storage quota) for a given domain. Unlike ProtocolError, it never
// tears down the connection: serve logs it and keeps reading.
type ResourceError struct {
	Domain string
	Limit  string
	Err    error
}

func (e *ResourceError) Error() string {
	return "broker: domain " + e.Domain + " limit " + e.Limit + ": " + e.Err.Error()
}

func (e *ResourceError) Unwrap() error { return e.Err }

// AuthError reports an authorization check that failed for an otherwise
// well-formed packet (an ACL denial, not a decode failure). Like
// ResourceError it is non-fatal: the offending packet is dropped and the
// connection stays open, since the client itself did nothing malformed.
type AuthError struct {
	ClientID string
	Topic    string
	Err      error
}

func (e *AuthError) Error() string {
	return "broker: client " + e.ClientID + " not authorized for " + e.Topic + ": " + e.Err.Error()
}

func (e *AuthError) Unwrap() error { return e.Err }

// isFatal reports whether err returned from dispatchPacket should tear
// down the connection. ProtocolError (malformed packets, protocol
// sequencing violations) and any unwrapped internal/transport error are
// fatal; ResourceError and AuthError are operation-level rejections that
// leave the connection otherwise healthy.
func isFatal(err error) bool {
	switch err.(type) {
	case *ResourceError, *AuthError:
		return false
	default:
		return true
	}
}
