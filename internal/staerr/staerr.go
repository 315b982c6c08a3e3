// Package staerr defines the error kinds of §7's error-handling design.
// Errors never cross a peer boundary as typed values — only as absence of
// a response, absorbed by timeouts and retries — but within one peer's
// process they are typed so callers can branch on policy (log-and-drop vs.
// escalate vs. fatal) without string matching.
package staerr

import "fmt"

// Kind classifies an error by the handling policy §7 assigns to it.
type Kind int

const (
	// KindTransport: peer unreachable, connect timeout, malformed message.
	KindTransport Kind = iota
	// KindProtocolState: message references an unknown request/task, or a
	// disallowed state transition was attempted.
	KindProtocolState
	// KindResource: a leaf cannot host a task (or, for MM, a bag's
	// deadline precedes the current queue end and accepting would lie to
	// the submitter about when it will run).
	KindResource
	// KindCapacity: a dispatcher cannot place tasks and is not root.
	KindCapacity
	// KindConfiguration: invalid configuration at startup; always fatal.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocolState:
		return "protocol_state"
	case KindResource:
		return "resource"
	case KindCapacity:
		return "capacity"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error is a typed error carrying a Kind alongside the usual message/cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error that wraps cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
