// Package xerrors defines the closed error taxonomy shared by every MXP
// core package: a single tagged error type plus the kind/code enums of
// spec §7.
package xerrors

import "fmt"

// Kind distinguishes how an error should propagate.
type Kind uint8

const (
	// KindDecode is a malformed MXP message; the packet carrying it is
	// dropped and the connection is never torn down because of it.
	KindDecode Kind = iota
	// KindPacket is a malformed transport packet, AEAD failure, replay,
	// or header-protection mismatch; dropped, counted, and only fatal
	// once a consecutive-failure threshold is crossed.
	KindPacket
	// KindHandshake is fatal to the connection.
	KindHandshake
	// KindFlow is a peer flow-control violation; fatal.
	KindFlow
	// KindStream is local cleanup, surfaced to the application via the
	// stream handle.
	KindStream
	// KindInternal is a programmer/invariant error, never peer-caused.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindPacket:
		return "packet"
	case KindHandshake:
		return "handshake"
	case KindFlow:
		return "flow"
	case KindStream:
		return "stream"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Code is the closed, user-visible error code set of spec §7.
type Code uint8

const (
	OK Code = iota
	Internal
	HandshakeFailed
	FlowControlError
	AeadFailed
	IdleTimeout
	ApplicationReset
	ProtocolViolation
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case Internal:
		return "INTERNAL"
	case HandshakeFailed:
		return "HANDSHAKE_FAILED"
	case FlowControlError:
		return "FLOW_CONTROL_ERROR"
	case AeadFailed:
		return "AEAD_FAILED"
	case IdleTimeout:
		return "IDLE_TIMEOUT"
	case ApplicationReset:
		return "APPLICATION_RESET"
	case ProtocolViolation:
		return "PROTOCOL_VIOLATION"
	default:
		return "UNKNOWN"
	}
}

// Error is the single error type produced by every MXP core package.
type Error struct {
	Kind Kind
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("mxp: %s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("mxp: %s: %s: %s", e.Kind, e.Code, e.Msg)
}

// New builds an Error, mirroring the teacher's newError(code, msg) call
// convention.
func New(kind Kind, code Code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func Decodef(code Code, format string, args ...interface{}) *Error {
	return New(KindDecode, code, fmt.Sprintf(format, args...))
}

func Packetf(code Code, format string, args ...interface{}) *Error {
	return New(KindPacket, code, fmt.Sprintf(format, args...))
}

func Handshakef(format string, args ...interface{}) *Error {
	return New(KindHandshake, HandshakeFailed, fmt.Sprintf(format, args...))
}

func Flowf(format string, args ...interface{}) *Error {
	return New(KindFlow, FlowControlError, fmt.Sprintf(format, args...))
}

func Streamf(code Code, format string, args ...interface{}) *Error {
	return New(KindStream, code, fmt.Sprintf(format, args...))
}

func Internalf(format string, args ...interface{}) *Error {
	return New(KindInternal, Internal, fmt.Sprintf(format, args...))
}

// CodeOf returns err's Code if err is an *Error, and Internal otherwise.
func CodeOf(err error) Code {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return Internal
}
