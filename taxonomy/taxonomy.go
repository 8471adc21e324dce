// Package taxonomy defines the error classes surfaced by the BMI facade and
// its supporting components, so that callers can classify a failure with
// errors.As instead of string-matching log output.
package taxonomy

import "fmt"

// Class identifies which bucket of the error taxonomy an Error belongs to.
type Class int

const (
	// Address covers bad URLs, unresolved hosts, extra characters, missing ports.
	Address Class = iota
	// NotConnected covers a post to an unconnected peer with reconnect disabled.
	NotConnected
	// Resource covers pool exhaustion, registration failure, mapped-buffer exhaustion.
	Resource
	// Protocol covers malformed headers, size-mismatched CTS, impossible transitions.
	Protocol
	// Peer covers CQ completion errors, async QP failure events, BYE mid-operation.
	Peer
	// Cancelled covers user-initiated cancellation.
	Cancelled
	// Oversize covers unexpected sends or recv buffers too small for the payload.
	Oversize
)

func (c Class) String() string {
	switch c {
	case Address:
		return "Address"
	case NotConnected:
		return "NotConnected"
	case Resource:
		return "Resource"
	case Protocol:
		return "Protocol"
	case Peer:
		return "Peer"
	case Cancelled:
		return "Cancelled"
	case Oversize:
		return "Oversize"
	default:
		return "Unknown"
	}
}

// Error is the single error type returned by this module's public APIs.
type Error struct {
	Class Class
	Op    string // the operation that failed, e.g. "post_send"
	Err   error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Class)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error for the given class and operation.
func New(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// Is reports whether err is a taxonomy Error of the given class.
func Is(err error, class Class) bool {
	te, ok := err.(*Error)
	return ok && te.Class == class
}
