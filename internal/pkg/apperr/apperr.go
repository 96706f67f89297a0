// Package apperr attaches a handling class to sentinel errors so callers can
// tell "try again" from "do not try again" from "needs a human".
package apperr

import "errors"

// Class describes how a caller should react to an error.
type Class int

const (
	// Retryable errors may succeed if the identical request is sent again.
	Retryable Class = iota
	// Permanent errors will fail the same way on every retry.
	Permanent
	// NeedsOperator errors leave money in a state only a human may resolve.
	NeedsOperator
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	case NeedsOperator:
		return "needs_operator"
	default:
		return "unknown"
	}
}

type classified struct {
	msg   string
	class Class
}

func (e *classified) Error() string { return e.msg }

// New returns a sentinel error carrying class.
func New(class Class, msg string) error {
	return &classified{msg: msg, class: class}
}

// ClassOf walks the wrap chain and returns the first class found.
// Context cancellation and unclassified errors are Retryable.
func ClassOf(err error) Class {
	if err == nil {
		return Permanent
	}
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	return Retryable
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return err != nil && ClassOf(err) == Retryable
}
