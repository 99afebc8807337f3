package marketplace

import (
	"errors"
	"fmt"
)

// Kind classifies a marketplace failure.
type Kind int

const (
	// KindTransport covers timeouts, connection resets and other network failures.
	KindTransport Kind = iota + 1
	// KindRejection is a non-success response from the marketplace.
	KindRejection
	// KindGone means the target listing no longer exists or is no longer for sale.
	KindGone
	// KindDecode means the response body could not be parsed.
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRejection:
		return "rejection"
	case KindGone:
		return "gone"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is returned by every adapter call.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindRejection
}

func NewError(kind Kind, op string, status int, err error) *Error {
	return &Error{Kind: kind, Op: op, Status: status, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsGone reports whether err says the listing is no longer available.
func IsGone(err error) bool {
	return KindOf(err) == KindGone
}
