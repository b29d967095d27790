// Package linkerr defines the error taxonomy shared by every probe driver,
// the RTT engine and the GDB bridge.
package linkerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories a Link operation can fail with.
type Kind int

const (
	// KindTransport covers probe-level I/O failures: timeout, USB
	// disconnect, broken pipe. Retryable.
	KindTransport Kind = iota
	// KindBusFault is returned when the target's AP reports a fault.
	// Non-retryable for that particular transaction.
	KindBusFault
	// KindRttNotFound is returned when RTT control-block discovery
	// exhausts its search window.
	KindRttNotFound
	// KindProtocol marks a malformed GDB packet. The session stays open.
	KindProtocol
	// KindUnsupported marks a capability the active driver cannot satisfy.
	KindUnsupported
	// KindUnsupportedRegister marks a register name unknown to the driver.
	KindUnsupportedRegister
	// KindNotHalted is returned when an operation requires a halted
	// target and the target is running.
	KindNotHalted
	// KindClosed is returned when a transaction is attempted, or was
	// in flight, while the Link was closed.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "TransportError"
	case KindBusFault:
		return "BusFault"
	case KindRttNotFound:
		return "RttNotFound"
	case KindProtocol:
		return "ProtocolError"
	case KindUnsupported:
		return "Unsupported"
	case KindUnsupportedRegister:
		return "UnsupportedRegister"
	case KindNotHalted:
		return "NotHalted"
	case KindClosed:
		return "Closed"
	default:
		return "UnknownError"
	}
}

// Error wraps an underlying cause with the spec's error taxonomy, in the
// same msg+err shape used by the serial driver this tool shares code with.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.msg == "" {
		return e.Kind.String()
	}
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is reports whether target is a linkerr.Error of the same Kind, so callers
// can write errors.Is(err, linkerr.New(linkerr.KindClosed, "", nil)) or,
// more conveniently, compare against the Err* sentinels below.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// New builds an *Error of the given kind.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, msg: msg, err: cause}
}

func sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// Sentinels usable with errors.Is for the common no-detail case.
var (
	ErrTransport           = sentinel(KindTransport)
	ErrBusFault            = sentinel(KindBusFault)
	ErrRttNotFound         = sentinel(KindRttNotFound)
	ErrProtocol            = sentinel(KindProtocol)
	ErrUnsupported         = sentinel(KindUnsupported)
	ErrUnsupportedRegister = sentinel(KindUnsupportedRegister)
	ErrNotHalted           = sentinel(KindNotHalted)
	ErrClosed              = sentinel(KindClosed)
)

// KindOf extracts the Kind from err if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
