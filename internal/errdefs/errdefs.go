// Package errdefs defines the error kinds surfaced by the daemon. Every
// failure that crosses a package boundary is one of these kinds so callers
// can branch on the class of fault without parsing messages.
package errdefs

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind classifies a failure.
type Kind int

const (
	// ConfigInvalid marks a malformed configuration blob, rejected at
	// register time.
	ConfigInvalid Kind = iota + 1

	// PreconditionFailed marks an operation attempted in the wrong state or
	// against a missing collaborator.
	PreconditionFailed

	// ResourceBusy marks exhausted or conflicting host resources (uid range,
	// cgroup, interface name).
	ResourceBusy

	// CredentialError marks a failed token unlock or key operation.
	CredentialError

	// KernelError marks a syscall failure with its captured errno.
	KernelError

	// Timeout marks an exceeded credential or debounce bound.
	Timeout

	// Internal marks a violated invariant. Fatal for the affected
	// compartment, never for the daemon.
	Internal
)

func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "config invalid"
	case PreconditionFailed:
		return "precondition failed"
	case ResourceBusy:
		return "resource busy"
	case CredentialError:
		return "credential error"
	case KernelError:
		return "kernel error"
	case Timeout:
		return "timeout"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged error with an optional wrapped cause and, for
// kernel errors, the captured errno.
type Error struct {
	Kind  Kind
	Op    string
	Errno unix.Errno
	Err   error
}

func (e *Error) Error() string {
	msg := e.Op
	if msg == "" {
		msg = e.Kind.String()
	} else {
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	if e.Errno != 0 {
		msg = fmt.Sprintf("%s: errno %d (%s)", msg, int(e.Errno), e.Errno.Error())
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a kind-tagged error describing op.
func New(kind Kind, op string) error {
	return &Error{Kind: kind, Op: op}
}

// Newf returns a kind-tagged error with a formatted description.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Op: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Kernel captures a syscall failure. The errno is extracted from err when it
// is (or wraps) a unix.Errno.
func Kernel(op string, err error) error {
	if err == nil {
		return nil
	}
	e := &Error{Kind: KernelError, Op: op, Err: err}
	var errno unix.Errno
	if errors.As(err, &errno) {
		e.Errno = errno
	}
	return e
}

// KindOf reports the kind of err, or 0 if err is not a tagged error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err is tagged with kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
