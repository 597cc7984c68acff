package compile

import (
	"errors"
	"fmt"
)

// Kind classifies compile failures.
type Kind int

const (
	// KindPreconditionNotMet is an orchestration bug: a compile was begun
	// without both slots populated. It is never shown to the user.
	KindPreconditionNotMet Kind = iota + 1
	// KindWorkspaceAllocationFailed means the scratch area could not be
	// prepared. Re-triggering the compile retries.
	KindWorkspaceAllocationFailed
	// KindPackingFailed means the packing primitive rejected the inputs.
	KindPackingFailed
	// KindOutputUnreadable means the primitive reported success but its
	// output does not decode. This violates the primitive's contract.
	KindOutputUnreadable
	// KindDestinationUnwritable means a save or export target rejected the write.
	KindDestinationUnwritable
)

var (
	ErrPreconditionNotMet        = errors.New("precondition not met")
	ErrWorkspaceAllocationFailed = errors.New("workspace allocation failed")
	ErrPackingFailed             = errors.New("packing failed")
	ErrOutputUnreadable          = errors.New("output unreadable")
	ErrDestinationUnwritable     = errors.New("destination unwritable")

	// ErrClosed indicates the orchestrator no longer accepts compiles.
	ErrClosed = errors.New("orchestrator is closed")
)

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) sentinel() error {
	switch k {
	case KindPreconditionNotMet:
		return ErrPreconditionNotMet
	case KindWorkspaceAllocationFailed:
		return ErrWorkspaceAllocationFailed
	case KindPackingFailed:
		return ErrPackingFailed
	case KindOutputUnreadable:
		return ErrOutputUnreadable
	case KindDestinationUnwritable:
		return ErrDestinationUnwritable
	default:
		return nil
	}
}

// Error is a classified compile failure. errors.Is matches both the kind's
// sentinel and the underlying cause.
type Error struct {
	Kind    Kind
	Attempt uint64
	// Reason is the descriptive text shown to the user, typically the
	// packing primitive's own message.
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *Error) Unwrap() []error {
	var errs []error
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// UserVisible reports whether the failure should be surfaced to the user.
func (e *Error) UserVisible() bool {
	return e != nil && e.Kind != KindPreconditionNotMet
}

func newError(kind Kind, attempt uint64, err error) *Error {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return &Error{Kind: kind, Attempt: attempt, Reason: reason, Err: err}
}

// KindOf returns the Kind of err, or zero when err is not a compile *Error.
func KindOf(err error) Kind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return 0
}
