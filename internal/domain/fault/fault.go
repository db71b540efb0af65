package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers that need to react differently.
type Kind string

const (
	KindConfiguration         Kind = "CONFIGURATION"
	KindValidation            Kind = "VALIDATION"
	KindCapacity              Kind = "CAPACITY"
	KindProtocol              Kind = "PROTOCOL"
	KindSettlement            Kind = "SETTLEMENT"
	KindConfirmationExhausted Kind = "CONFIRMATION_EXHAUSTED"
	KindTransport             Kind = "TRANSPORT"
	KindIndeterminate         Kind = "INDETERMINATE"
	KindNotFound              Kind = "NOT_FOUND"
)

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error from a message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether any error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}
