package eval

import "github.com/pkg/errors"

// Kind classifies why an evaluator operation failed, per spec.md §7.
type Kind int

const (
	// PreconditionFailure covers empty networks, mismatched input
	// lengths, invalid groups, unknown result handles, backprop
	// requested on a non-eval handle, mismatched network identity
	// across handles, and starting training without required groups.
	PreconditionFailure Kind = iota
	// ResourceExhaustion covers allocation failure surfaced by the
	// underlying compute API.
	ResourceExhaustion
	// DeviceError covers any non-success status from the compute API;
	// always fatal.
	DeviceError
	// IOError covers failures bubbled up from dataset or loader
	// collaborators.
	IOError
)

func (k Kind) String() string {
	switch k {
	case PreconditionFailure:
		return "precondition failure"
	case ResourceExhaustion:
		return "resource exhaustion"
	case DeviceError:
		return "device error"
	case IOError:
		return "io error"
	default:
		return "unknown error"
	}
}

// Error wraps a Kind with a causing error, so callers can branch on
// Kind while retaining access to the wrapped cause and its stack through
// Unwrap. Error has no Cause method, so pkg/errors.Cause stops at the
// Error itself.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.cause.Error()
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// Wrap builds a Kind-classified error from a cause, formatted message.
func Wrap(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

// WrapErr attaches a Kind to an existing error without discarding it.
func WrapErr(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, cause: errors.Wrap(err, message)}
}
