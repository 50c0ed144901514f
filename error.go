package aura

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind is the stable discriminant of an error. User interfaces map it to
// localized text, so the values must never change.
type Kind string

// Error kinds.
const (
	KindStalePrestate       Kind = "StalePrestate"
	KindInvalidAttestation  Kind = "InvalidAttestation"
	KindPolicyViolation     Kind = "PolicyViolation"
	KindInvalidSignature    Kind = "InvalidSignature"
	KindAuthorizationDenied Kind = "AuthorizationDenied"
	KindInsufficientBudget  Kind = "InsufficientBudget"
	KindMergeConflict       Kind = "MergeConflict"
	KindInsufficientSigners Kind = "InsufficientSigners"
	KindSuperseded          Kind = "Superseded"
	KindTimedOut            Kind = "TimedOut"
	KindTransport           Kind = "Transport"
	KindStorage             Kind = "Storage"
	KindInvalidFormat       Kind = "InvalidFormat"
	KindNotFound            Kind = "NotFound"
	KindInvalid             Kind = "Invalid"
	// KindEpochMismatch is a channel message sealed under another channel
	// epoch; the receiver runs anti-entropy before retrying.
	KindEpochMismatch Kind = "EpochMismatch"
)

// Error is a wrapper around a standard error that carries the error kind
// and allows to print the stack trace from the call of the constructor.
type Error struct {
	kind  Kind
	err   error
	msg   string
	frame xerrors.Frame
}

// NewError returns an error of the given kind with a human message.
func NewError(kind Kind, msg string) error {
	return &Error{
		kind:  kind,
		err:   xerrors.New(msg),
		frame: xerrors.Caller(1),
	}
}

// Errorf is NewError with formatting. A %w verb in the format keeps the
// wrapped error reachable through xerrors.Is and xerrors.As.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{
		kind:  kind,
		err:   xerrors.Errorf(format, args...),
		frame: xerrors.Caller(1),
	}
}

// ErrorOrNil returns the error if any with the stack trace
// beginning at the call of the function.
func ErrorOrNil(err error, msg string) error {
	return ErrorOrNilSkip(err, msg, 1)
}

// ErrorOrNilSkip returns the error if any with the stack trace
// beginning at the call of the skip-nth caller.
func ErrorOrNilSkip(err error, msg string, skip int) error {
	if err == nil {
		return nil
	}
	return &Error{
		kind:  KindOf(err),
		err:   err,
		msg:   msg,
		frame: xerrors.Caller(skip),
	}
}

// WrapError returns a wrapper of the error is it can be used
// for comparison.
func WrapError(err error) error {
	return ErrorOrNilSkip(err, "", 2)
}

// WithKind wraps err and tags it with the given kind. It returns nil if err
// is nil.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		kind:  kind,
		err:   err,
		frame: xerrors.Caller(1),
	}
}

// Kind returns the discriminant of the error.
func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Error() string {
	if e.msg != "" {
		return e.msg + ": " + fmt.Sprintf("%v", e.err)
	}
	return fmt.Sprintf("%v", e.err)
}

// Unwrap returns the next error in the chain.
func (e *Error) Unwrap() error {
	return e.err
}

// Format prints the error to the formatter.
func (e *Error) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

// FormatError prints the error to the printer. It prints
// the stack trace when the '+' is used in combination with
// 'v'.
func (e *Error) FormatError(p xerrors.Printer) error {
	if e.msg != "" {
		p.Printf("%s: %v", e.msg, e.err)
	} else {
		p.Printf("%v", e.err)
	}

	if p.Detail() {
		e.frame.Format(p)
		p.Printf("%+v", e.err)
	}
	return nil
}

// kinded is implemented by errors that know their discriminant.
type kinded interface {
	Kind() Kind
}

// KindOf returns the kind of the first error in the chain that carries one,
// or the empty kind.
func KindOf(err error) Kind {
	for err != nil {
		if k, ok := err.(kinded); ok && k.Kind() != "" {
			return k.Kind()
		}
		err = xerrors.Unwrap(err)
	}
	return ""
}

// IsKind returns true if the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
