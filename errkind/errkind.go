// Package errkind defines the closed set of error kinds used across the
// acquisition pipeline.  Kinds are checked by type, never by message text.
package errkind

import (
	"errors"
	"fmt"
)

// Kind discriminates the failure modes that callers branch on.
type Kind int

const (
	// Protocol indicates a malformed command or argument from a client.
	Protocol Kind = iota

	// PermissionDenied indicates a tool not on the remote allow-list.
	PermissionDenied

	// AbortedDuringReceive indicates an operator abort observed while
	// image data was in flight.  It is not a transport fault; the state
	// machine rewinds differently for it.
	AbortedDuringReceive

	// Transport indicates a genuine communication failure with the
	// controller or data socket.
	Transport

	// Timeout indicates a bounded wait that expired, such as the
	// integration loop sticking or the receive retry ceiling.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol"
	case PermissionDenied:
		return "permission denied"
	case AbortedDuringReceive:
		return "aborted during receive"
	case Transport:
		return "transport"
	case Timeout:
		return "timeout"
	}
	return "unknown"
}

// E is an error carrying a Kind.
type E struct {
	Kind Kind
	Msg  string

	// Err is the underlying cause, if any
	Err error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *E) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(k Kind, msg string) error {
	return &E{Kind: k, Msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(k Kind, format string, args ...interface{}) error {
	return &E{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(k Kind, msg string, err error) error {
	return &E{Kind: k, Msg: msg, Err: err}
}

// Has reports whether err or anything it wraps carries the given kind.
func Has(err error, k Kind) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
